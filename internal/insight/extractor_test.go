package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/attune-app/attuned/internal/ollama"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/semantic"
	"github.com/attune-app/attuned/internal/storage"
)

// --- Mock chatter ---

type mockChatter struct {
	response string
	err      error
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func chatJSON(insights ...rawInsight) string {
	b, _ := json.Marshal(extractionResult{Insights: insights})
	return string(b)
}

func newTestExtractor(client Chatter) *Extractor {
	e := NewExtractor(client, "test-model", 0.6, nil)
	var n int
	e.newID = func() string {
		n++
		return fmt.Sprintf("insight-%d", n)
	}
	e.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func turns(contents ...string) []storage.Turn {
	var ts []storage.Turn
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		ts = append(ts, storage.Turn{ID: fmt.Sprintf("t%d", i), Role: role, Content: c, Seq: int64(i + 1)})
	}
	return ts
}

// --- Tests ---

func TestExtract_ProposesInsights(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "wants to run a marathon", Category: CategoryGoal, Confidence: 0.9},
		rawInsight{Content: "values honesty", Category: CategoryValue, Confidence: 0.8},
	)}
	e := newTestExtractor(client)

	got := e.Extract(context.Background(), profile.New("u1"), "conv1", turns("I want to run a marathon", "Great goal!"))
	if len(got) != 2 {
		t.Fatalf("got %d insights, want 2", len(got))
	}
	if got[0].Category != CategoryGoal || got[0].Content != "wants to run a marathon" {
		t.Errorf("unexpected first insight: %+v", got[0])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Errorf("insights must get distinct ids, got %q and %q", got[0].ID, got[1].ID)
	}
	if got[0].ConversationID != "conv1" {
		t.Errorf("conversation id = %q, want conv1", got[0].ConversationID)
	}
}

func TestExtract_EmptyTurns(t *testing.T) {
	client := &mockChatter{response: chatJSON()}
	e := newTestExtractor(client)

	if got := e.Extract(context.Background(), profile.New("u1"), "conv1", nil); got != nil {
		t.Errorf("expected nil for empty window, got %v", got)
	}
	if client.calls != 0 {
		t.Errorf("chat should not be called for empty window, got %d calls", client.calls)
	}
}

func TestExtract_ChatFailureIsSilent(t *testing.T) {
	client := &mockChatter{err: errors.New("model unavailable")}
	e := newTestExtractor(client)

	if got := e.Extract(context.Background(), profile.New("u1"), "conv1", turns("hello", "hi")); got != nil {
		t.Errorf("expected nil on chat failure, got %v", got)
	}
}

func TestExtract_MalformedJSONIsSilent(t *testing.T) {
	client := &mockChatter{response: "I think the user likes running"}
	e := newTestExtractor(client)

	if got := e.Extract(context.Background(), profile.New("u1"), "conv1", turns("hello", "hi")); got != nil {
		t.Errorf("expected nil on malformed response, got %v", got)
	}
}

func TestExtract_ConfidenceFloor(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "might enjoy painting", Category: CategoryValue, Confidence: 0.3},
		rawInsight{Content: "values family time", Category: CategoryValue, Confidence: 0.85},
	)}
	e := newTestExtractor(client)

	got := e.Extract(context.Background(), profile.New("u1"), "conv1", turns("family matters to me", "noted"))
	if len(got) != 1 {
		t.Fatalf("got %d insights, want 1 (low-confidence candidate discarded)", len(got))
	}
	if got[0].Content != "values family time" {
		t.Errorf("surviving insight = %q, want the high-confidence one", got[0].Content)
	}
}

func TestExtract_InvalidCategoryDiscarded(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "something", Category: "opinion", Confidence: 0.9},
	)}
	e := newTestExtractor(client)

	if got := e.Extract(context.Background(), profile.New("u1"), "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

// Scenario: profile already holds "honesty"; extractor proposes
// "honesty and family". The candidate restates the known value, so it must
// not surface, even without an embedder configured.
func TestExtract_DedupAgainstProfile(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "honesty and family", Category: CategoryValue, Confidence: 0.9},
	)}
	e := newTestExtractor(client)

	prof := profile.New("u1")
	prof.Values = []profile.Value{{ID: "1", Content: "honesty", Source: profile.SourceUser}}

	if got := e.Extract(context.Background(), prof, "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected fuzzy dedup to suppress, got %v", got)
	}
}

// The mirror case: the existing entry is the longer text.
func TestExtract_DedupCandidateSubsetOfExisting(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "honesty and family", Category: CategoryValue, Confidence: 0.9},
	)}
	e := newTestExtractor(client)

	prof := profile.New("u1")
	prof.Values = []profile.Value{{ID: "1", Content: "honesty and family values", Source: profile.SourceUser}}

	if got := e.Extract(context.Background(), prof, "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected fuzzy dedup to suppress, got %v", got)
	}
}

func TestExtract_DedupExactValue(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "Honesty", Category: CategoryValue, Confidence: 0.95},
	)}
	e := newTestExtractor(client)

	prof := profile.New("u1")
	prof.Values = []profile.Value{{ID: "1", Content: "honesty", Source: profile.SourceUser}}

	if got := e.Extract(context.Background(), prof, "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected exact dedup to suppress, got %v", got)
	}
}

type mockEmbedder struct {
	vectors map[string][]float32
	err     error
	batches int
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.batches++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vectors[t]
	}
	return out, nil
}

// A near-miss token score consults the embedder, one batch call per
// candidate, and a high cosine suppresses the duplicate.
func TestExtract_NearMissConsultsEmbedder(t *testing.T) {
	known := "values honesty deeply"
	candidate := "honesty matters at work"

	client := &mockChatter{response: chatJSON(
		rawInsight{Content: candidate, Category: CategoryValue, Confidence: 0.9},
	)}
	emb := &mockEmbedder{vectors: map[string][]float32{
		known:     {1, 0, 0},
		candidate: {0.99, 0.1, 0},
	}}
	e := newTestExtractor(client)
	e.embedder = emb

	prof := profile.New("u1")
	prof.Values = []profile.Value{{ID: "1", Content: known, Source: profile.SourceUser}}

	if got := e.Extract(context.Background(), prof, "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected embedding dedup to suppress, got %v", got)
	}
	if emb.batches != 1 {
		t.Errorf("embedder batches = %d, want 1", emb.batches)
	}
}

func TestExtract_EmbedderFailureKeepsCandidate(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "honesty matters at work", Category: CategoryValue, Confidence: 0.9},
	)}
	e := newTestExtractor(client)
	e.embedder = &mockEmbedder{err: errors.New("model offline")}

	prof := profile.New("u1")
	prof.Values = []profile.Value{{ID: "1", Content: "values honesty deeply", Source: profile.SourceUser}}

	got := e.Extract(context.Background(), prof, "conv1", turns("a", "b"))
	if len(got) != 1 {
		t.Fatalf("got %d insights, want 1 (token near-miss alone must not suppress)", len(got))
	}
}

func TestExtract_GenuinelyNewContentSurvivesDedup(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "wants to learn woodworking", Category: CategoryGoal, Confidence: 0.8},
	)}
	e := newTestExtractor(client)

	prof := profile.New("u1")
	prof.Values = []profile.Value{{ID: "1", Content: "honesty", Source: profile.SourceUser}}
	prof.Goals = []profile.Goal{{ID: "2", Content: "run a marathon", Status: profile.GoalActive}}

	got := e.Extract(context.Background(), prof, "conv1", turns("a", "b"))
	if len(got) != 1 {
		t.Fatalf("got %d insights, want 1", len(got))
	}
}

// Scenario: user dismissed an insight; re-running extraction over identical
// source content must not re-emit it.
func TestExtract_SuppressionAfterDismiss(t *testing.T) {
	content := "wants to change careers"
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: content, Category: CategoryGoal, Confidence: 0.9},
	)}
	e := newTestExtractor(client)

	prof := profile.New("u1")
	prof.Coaching.Dismissed = profile.DismissedInsights{
		InsightIDs: []string{"42"},
		Contents:   []string{semantic.Normalize(content)},
	}

	if got := e.Extract(context.Background(), prof, "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected dismissed content to stay suppressed, got %v", got)
	}
}

func TestExtract_SuppressionIsFuzzy(t *testing.T) {
	client := &mockChatter{response: chatJSON(
		rawInsight{Content: "Wants to change careers soon", Category: CategoryGoal, Confidence: 0.9},
	)}
	e := newTestExtractor(client)

	prof := profile.New("u1")
	prof.Coaching.Dismissed = profile.DismissedInsights{
		Contents: []string{semantic.Normalize("wants to change careers")},
	}

	if got := e.Extract(context.Background(), prof, "conv1", turns("a", "b")); got != nil {
		t.Errorf("expected near-identical dismissed content to stay suppressed, got %v", got)
	}
}
