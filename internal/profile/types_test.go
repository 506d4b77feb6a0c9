package profile

import (
	"encoding/json"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestClone_Independence(t *testing.T) {
	orig := Profile{
		UserID: "alice",
		Values: []Value{{ID: "v1", Content: "honesty", Source: SourceUser}},
		Goals:  []Goal{{ID: "g1", Content: "run a marathon", Status: GoalActive}},
		Situation: Situation{
			FreeText:   "between jobs",
			Occupation: strPtr("engineer"),
		},
		Discovery: map[DiscoveryKey]string{DiscoveryVision: "calm mornings"},
		Coaching: CoachingPreferences{
			InferredPatterns: []InferredPattern{
				{ID: "p1", PatternText: "avoids conflict", Domains: []string{"career", "relationships"}},
			},
			Style:       StyleInfo{InferredStyle: "direct", Override: strPtr("gentle")},
			DomainUsage: map[string]float64{"career": 100},
			Dismissed: DismissedInsights{
				InsightIDs: []string{"i1"},
				Contents:   []string{"old insight"},
			},
		},
	}

	cp := orig.Clone()
	cp.Values[0].Content = "changed"
	cp.Goals[0].Status = GoalArchived
	*cp.Situation.Occupation = "barista"
	cp.Discovery[DiscoveryVision] = "changed"
	cp.Coaching.InferredPatterns[0].Domains[0] = "changed"
	*cp.Coaching.Style.Override = "changed"
	cp.Coaching.DomainUsage["career"] = 0
	cp.Coaching.Dismissed.Contents[0] = "changed"

	if orig.Values[0].Content != "honesty" {
		t.Error("value mutated through clone")
	}
	if orig.Goals[0].Status != GoalActive {
		t.Error("goal mutated through clone")
	}
	if *orig.Situation.Occupation != "engineer" {
		t.Error("situation pointer shared with clone")
	}
	if orig.Discovery[DiscoveryVision] != "calm mornings" {
		t.Error("discovery map shared with clone")
	}
	if orig.Coaching.InferredPatterns[0].Domains[0] != "career" {
		t.Error("pattern domains shared with clone")
	}
	if *orig.Coaching.Style.Override != "gentle" {
		t.Error("style override pointer shared with clone")
	}
	if orig.Coaching.DomainUsage["career"] != 100 {
		t.Error("domain usage map shared with clone")
	}
	if orig.Coaching.Dismissed.Contents[0] != "old insight" {
		t.Error("dismissed contents shared with clone")
	}
}

func TestStyleInfo_Effective(t *testing.T) {
	s := StyleInfo{InferredStyle: "reflective"}
	if s.Effective() != "reflective" {
		t.Errorf("Effective() = %q, want reflective", s.Effective())
	}

	s.Override = strPtr("direct")
	if s.Effective() != "direct" {
		t.Errorf("Effective() = %q, override must win", s.Effective())
	}

	s.Override = nil
	if s.Effective() != "reflective" {
		t.Errorf("Effective() = %q, clearing reverts to inferred", s.Effective())
	}
}

func TestStyleInfo_JSONWritesBothOverrideShapes(t *testing.T) {
	s := StyleInfo{InferredStyle: "reflective", InferredConfidence: 0.6, Override: strPtr("direct")}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if raw["manual_override"] != "direct" {
		t.Errorf("manual_override = %v, want direct", raw["manual_override"])
	}
	override, ok := raw["override"].(map[string]any)
	if !ok || override["style"] != "direct" {
		t.Errorf("override = %v, want {style: direct}", raw["override"])
	}

	var back StyleInfo
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Override == nil || *back.Override != "direct" {
		t.Errorf("round-tripped override = %v", back.Override)
	}
	if back.InferredStyle != "reflective" || back.InferredConfidence != 0.6 {
		t.Errorf("round-tripped inferred = %q/%v", back.InferredStyle, back.InferredConfidence)
	}
}

func TestStyleInfo_DecodesLegacyManualOverride(t *testing.T) {
	// Documents written by the v1 mobile client carry only the flat field.
	var s StyleInfo
	if err := json.Unmarshal([]byte(`{"inferred_style":"gentle","manual_override":"direct"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Override == nil || *s.Override != "direct" {
		t.Errorf("Override = %v, want direct from legacy field", s.Override)
	}
	if s.Effective() != "direct" {
		t.Errorf("Effective() = %q, want direct", s.Effective())
	}
}

func TestStyleInfo_NoOverrideOmitsBothShapes(t *testing.T) {
	data, err := json.Marshal(StyleInfo{InferredStyle: "gentle"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if _, ok := raw["override"]; ok {
		t.Error("override present without an override set")
	}
	if _, ok := raw["manual_override"]; ok {
		t.Error("manual_override present without an override set")
	}
}

func TestDismissedInsights_Contains(t *testing.T) {
	d := DismissedInsights{InsightIDs: []string{"a", "b"}}
	if !d.Contains("a") {
		t.Error("Contains(a) = false")
	}
	if d.Contains("c") {
		t.Error("Contains(c) = true")
	}
}

func TestProfile_JSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	p := Profile{
		UserID:    "alice",
		Values:    []Value{{ID: "v1", Content: "candor", Source: SourceExtracted, Confidence: 0.8}},
		Goals:     []Goal{{ID: "g1", Content: "ship the app", Status: GoalAchieved}},
		Discovery: map[DiscoveryKey]string{DiscoveryInsight: "growth over comfort"},
		Coaching: CoachingPreferences{
			Dismissed: DismissedInsights{LastDismissedAt: &now},
		},
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Profile
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Values[0].Confidence != 0.8 || back.Values[0].Source != SourceExtracted {
		t.Errorf("value = %+v", back.Values[0])
	}
	if back.Goals[0].Status != GoalAchieved {
		t.Errorf("goal status = %q", back.Goals[0].Status)
	}
	if back.Discovery[DiscoveryInsight] != "growth over comfort" {
		t.Errorf("discovery = %v", back.Discovery)
	}
	if back.Coaching.Dismissed.LastDismissedAt == nil || !back.Coaching.Dismissed.LastDismissedAt.Equal(now) {
		t.Errorf("last dismissed = %v", back.Coaching.Dismissed.LastDismissedAt)
	}
}

func TestFindValueAndGoal(t *testing.T) {
	p := Profile{
		Values: []Value{{ID: "v1", Content: "a"}},
		Goals:  []Goal{{ID: "g1", Content: "b"}},
	}

	if v := p.FindValue("v1"); v == nil || v.Content != "a" {
		t.Errorf("FindValue(v1) = %v", v)
	}
	if p.FindValue("missing") != nil {
		t.Error("FindValue(missing) should be nil")
	}

	// The pointer must alias the stored entry so edits stick.
	p.FindGoal("g1").Content = "edited"
	if p.Goals[0].Content != "edited" {
		t.Error("FindGoal pointer does not alias the slice entry")
	}
}
