package semantic

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Run a Marathon!  ", "run a marathon"},
		{"Work-life balance, mostly.", "work life balance mostly"},
		{"", ""},
		{"HONESTY", "honesty"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTokenOverlap_Identical(t *testing.T) {
	if got := TokenOverlap("run a marathon", "Run a marathon!"); got != 1.0 {
		t.Errorf("overlap = %f, want 1.0", got)
	}
}

func TestTokenOverlap_Disjoint(t *testing.T) {
	if got := TokenOverlap("honesty", "marathon training"); got != 0 {
		t.Errorf("overlap = %f, want 0", got)
	}
}

func TestTokenOverlap_Partial(t *testing.T) {
	got := TokenOverlap("spend more time outdoors", "spend time outdoors daily")
	if got <= 0.4 || got >= 1.0 {
		t.Errorf("overlap = %f, want partial score in (0.4, 1.0)", got)
	}
}

func TestTokenOverlap_Empty(t *testing.T) {
	if got := TokenOverlap("", "anything"); got != 0 {
		t.Errorf("overlap with empty = %f, want 0", got)
	}
}

func TestOverlapCoefficient(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"honesty", "honesty", 1.0},
		{"honesty and family", "honesty", 1.0},
		{"honesty", "honesty and family", 1.0}, // containment in either direction
		{"values honesty deeply", "HONESTY", 1.0},
		{"honesty", "marathon training", 0},
		{"", "anything", 0},
	}
	for _, c := range cases {
		if got := OverlapCoefficient(c.a, c.b); got != c.want {
			t.Errorf("OverlapCoefficient(%q, %q) = %f, want %f", c.a, c.b, got, c.want)
		}
	}
}

func TestOverlapCoefficient_PartialExceedsJaccard(t *testing.T) {
	a, b := "values honesty deeply", "honesty matters at work"
	oc := OverlapCoefficient(a, b)
	if oc <= TokenOverlap(a, b) {
		t.Errorf("overlap coefficient %f must exceed Jaccard %f for small sets", oc, TokenOverlap(a, b))
	}
	if oc >= DefaultTokenThreshold {
		t.Errorf("overlap = %f, want a near-miss score below %f", oc, DefaultTokenThreshold)
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	if got := Cosine(a, b); got < 0.999 {
		t.Errorf("cosine of identical vectors = %f, want ~1", got)
	}

	c := []float32{0, 1, 0}
	if got := Cosine(a, c); got != 0 {
		t.Errorf("cosine of orthogonal vectors = %f, want 0", got)
	}
}

func TestCosine_Mismatched(t *testing.T) {
	if got := Cosine([]float32{1, 2}, []float32{1}); got != 0 {
		t.Errorf("cosine of mismatched lengths = %f, want 0", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Errorf("cosine of nil vectors = %f, want 0", got)
	}
}
