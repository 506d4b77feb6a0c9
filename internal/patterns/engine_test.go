package patterns

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attune-app/attuned/internal/ollama"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/storage"
)

// --- Mock history store ---

type mockHistory struct {
	mu       sync.Mutex
	sessions []storage.Session
	turns    map[string][]storage.Turn
	themes   []storage.SessionTheme
}

func newMockHistory() *mockHistory {
	return &mockHistory{turns: make(map[string][]storage.Turn)}
}

func (m *mockHistory) addSession(id, userID, domain string) {
	m.sessions = append(m.sessions, storage.Session{
		ID: id, UserID: userID, Domain: domain, StartedAt: time.Now().UTC(),
	})
}

func (m *mockHistory) addTheme(sessionID, userID, domain, theme string) {
	m.themes = append(m.themes, storage.SessionTheme{
		SessionID: sessionID, UserID: userID, Domain: domain, Theme: theme,
	})
}

func (m *mockHistory) RecentSessions(ctx context.Context, userID string, limit int) ([]storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockHistory) SessionTurns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[sessionID], nil
}

func (m *mockHistory) HasSessionThemes(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, th := range m.themes {
		if th.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockHistory) PutSessionThemes(ctx context.Context, sessionID, userID, domain string, themes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, th := range themes {
		m.themes = append(m.themes, storage.SessionTheme{
			SessionID: sessionID, UserID: userID, Domain: domain, Theme: th,
		})
	}
	return nil
}

func (m *mockHistory) UserSessionThemes(ctx context.Context, userID string) ([]storage.SessionTheme, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.SessionTheme
	for _, th := range m.themes {
		if th.UserID == userID {
			out = append(out, th)
		}
	}
	return out, nil
}

// --- Mock chatter ---

type mockChatter struct {
	mu       sync.Mutex
	response string
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.response, nil
}

func testEngine(hist *mockHistory) *Engine {
	e := NewEngine(nil, "", hist, Config{})
	seq := 0
	e.newID = func() string { seq++; return fmt.Sprintf("pat-%d", seq) }
	return e
}

// --- Pattern derivation ---

// A theme recurring in 3 of 5 themed sessions clears both the session and
// confidence bars and surfaces as a pattern.
func TestRun_RecurrencePromotesPattern(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		if i <= 3 {
			hist.addTheme(id, "u1", "career", "fear of failure")
		} else {
			hist.addTheme(id, "u1", "career", fmt.Sprintf("unrelated topic %d", i))
		}
	}

	d, err := testEngine(hist).Run(context.Background(), profile.New("u1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var found *profile.InferredPattern
	for i := range d.Patterns {
		if d.Patterns[i].PatternText == "fear of failure" {
			found = &d.Patterns[i]
		}
	}
	if found == nil {
		t.Fatalf("recurring theme not promoted, patterns: %+v", d.Patterns)
	}
	if found.SourceCount != 3 {
		t.Errorf("SourceCount = %d, want 3", found.SourceCount)
	}
	if found.Confidence < 0.6 {
		t.Errorf("Confidence = %v, want >= 0.6", found.Confidence)
	}
	if found.CrossDomain {
		t.Error("single-domain pattern marked cross-domain")
	}
}

func TestRun_TwoSessionsIsNotAPattern(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		if i <= 2 {
			hist.addTheme(id, "u1", "career", "fear of failure")
		} else {
			hist.addTheme(id, "u1", "career", fmt.Sprintf("filler %d", i))
		}
	}

	d, err := testEngine(hist).Run(context.Background(), profile.New("u1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range d.Patterns {
		if p.PatternText == "fear of failure" {
			t.Fatalf("two-session theme must not surface: %+v", p)
		}
	}
}

// A theme spanning career, relationships, and health in 3 of 4 sessions
// clears the stricter synthesis bar.
func TestRun_CrossDomainSynthesis(t *testing.T) {
	hist := newMockHistory()
	domains := []string{"career", "relationships", "health", "career"}
	for i, dom := range domains {
		id := fmt.Sprintf("s%d", i+1)
		hist.addSession(id, "u1", dom)
		if i < 3 {
			hist.addTheme(id, "u1", dom, "avoids difficult conversations")
		} else {
			hist.addTheme(id, "u1", dom, "something else entirely")
		}
	}

	d, err := testEngine(hist).Run(context.Background(), profile.New("u1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var found *profile.InferredPattern
	for i := range d.Patterns {
		if strings.Contains(d.Patterns[i].PatternText, "difficult conversations") {
			found = &d.Patterns[i]
		}
	}
	if found == nil {
		t.Fatal("cross-domain theme not promoted")
	}
	if !found.CrossDomain {
		t.Errorf("pattern spanning %v not marked cross-domain", found.Domains)
	}
	if found.Confidence < 0.75 {
		t.Errorf("synthesis surfaced below the 0.75 bar: %v", found.Confidence)
	}
	if len(found.Domains) != 3 {
		t.Errorf("Domains = %v, want 3 distinct", found.Domains)
	}
}

// A multi-domain theme that misses the synthesis bar but clears the
// ordinary bar demotes to a plain pattern instead of vanishing.
func TestRun_CrossDomainDemotesBelowSynthesisBar(t *testing.T) {
	hist := newMockHistory()
	// 3 of 5 themed sessions (0.6): enough for a pattern, not for synthesis.
	domains := []string{"career", "health", "career", "career", "career"}
	for i, dom := range domains {
		id := fmt.Sprintf("s%d", i+1)
		hist.addSession(id, "u1", dom)
		if i < 3 {
			hist.addTheme(id, "u1", dom, "avoids difficult conversations")
		} else {
			hist.addTheme(id, "u1", dom, fmt.Sprintf("filler theme %d", i))
		}
	}

	d, err := testEngine(hist).Run(context.Background(), profile.New("u1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var found *profile.InferredPattern
	for i := range d.Patterns {
		if strings.Contains(d.Patterns[i].PatternText, "difficult conversations") {
			found = &d.Patterns[i]
		}
	}
	if found == nil {
		t.Fatal("theme above the ordinary bar must still surface")
	}
	if found.CrossDomain {
		t.Errorf("pattern at confidence %v must not be marked synthesis", found.Confidence)
	}
}

// Dismissing a pattern is a standing negative signal: an equivalent theme
// never resurfaces.
func TestRun_DismissedPatternSuppressed(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		hist.addTheme(id, "u1", "career", "fear of failure")
	}

	prof := profile.New("u1")
	prof.Coaching.Dismissed.Contents = []string{"fear of failure"}

	d, err := testEngine(hist).Run(context.Background(), prof)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.Patterns) != 0 {
		t.Fatalf("dismissed theme resurfaced: %+v", d.Patterns)
	}
}

// Re-deriving a pattern the profile already holds keeps its id stable.
func TestRun_PatternIDStableAcrossRuns(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		hist.addTheme(id, "u1", "career", "fear of failure")
	}

	prof := profile.New("u1")
	prof.Coaching.InferredPatterns = []profile.InferredPattern{{
		ID: "existing-id", PatternText: "fear of failure at work",
		Category: "pattern", SourceCount: 3, Confidence: 0.6, Domains: []string{"career"},
	}}

	d, err := testEngine(hist).Run(context.Background(), prof)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.Patterns) != 1 || d.Patterns[0].ID != "existing-id" {
		t.Fatalf("id churned: %+v", d.Patterns)
	}
}

// --- Theme extraction ---

func TestRun_ThemesUnthemedSessions(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		hist.turns[id] = []storage.Turn{
			{ID: "t1", SessionID: id, Role: storage.RoleUser, Content: "I keep worrying I'll fail"},
			{ID: "t2", SessionID: id, Role: storage.RoleAssistant, Content: "Tell me more about that."},
		}
	}

	client := &mockChatter{response: `{"themes":["Fear of Failure"]}`}
	e := NewEngine(client, "llama3.2", hist, Config{})
	e.newID = func() string { return "pat-1" }

	d, err := e.Run(context.Background(), profile.New("u1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("chat calls = %d, want 3 (one per un-themed session)", client.calls)
	}
	if len(d.Patterns) != 1 || d.Patterns[0].PatternText != "fear of failure" {
		t.Fatalf("themes not normalized and grouped: %+v", d.Patterns)
	}
}

func TestRun_CachedSessionsNotReanalyzed(t *testing.T) {
	hist := newMockHistory()
	hist.addSession("s1", "u1", "career")
	hist.addTheme("s1", "u1", "career", "fear of failure")

	client := &mockChatter{response: `{"themes":["x"]}`}
	e := NewEngine(client, "llama3.2", hist, Config{})

	if _, err := e.Run(context.Background(), profile.New("u1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("themed session re-analyzed %d times", client.calls)
	}
}

// --- Style inference ---

func fillTurns(hist *mockHistory, sessionID string, userLen, userTurns, assistantTurns int) {
	var turns []storage.Turn
	for i := 0; i < assistantTurns; i++ {
		turns = append(turns, storage.Turn{Role: storage.RoleAssistant, Content: "How does that land for you?"})
	}
	for i := 0; i < userTurns; i++ {
		turns = append(turns, storage.Turn{Role: storage.RoleUser, Content: strings.Repeat("a", userLen)})
	}
	hist.turns[sessionID] = turns
}

func TestInferStyle_ReflectiveFromDeepEngagement(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		fillTurns(hist, id, 300, 5, 3) // long replies, high follow-up
	}

	e := testEngine(hist)
	sessions, _ := hist.RecentSessions(context.Background(), "u1", 30)
	style, conf := e.inferStyle(context.Background(), sessions)
	if style != StyleReflective {
		t.Errorf("style = %q, want %q", style, StyleReflective)
	}
	if conf <= 0 || conf > maxStyleConfidence {
		t.Errorf("confidence = %v, want in (0, %v]", conf, maxStyleConfidence)
	}
}

func TestInferStyle_DirectFromShortEngagedReplies(t *testing.T) {
	hist := newMockHistory()
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("s%d", i)
		hist.addSession(id, "u1", "career")
		fillTurns(hist, id, 20, 5, 3)
	}

	e := testEngine(hist)
	sessions, _ := hist.RecentSessions(context.Background(), "u1", 30)
	if style, _ := e.inferStyle(context.Background(), sessions); style != StyleDirect {
		t.Errorf("style = %q, want %q", style, StyleDirect)
	}
}

func TestInferStyle_TooLittleHistory(t *testing.T) {
	hist := newMockHistory()
	hist.addSession("s1", "u1", "career")
	fillTurns(hist, "s1", 300, 5, 3)

	e := testEngine(hist)
	sessions, _ := hist.RecentSessions(context.Background(), "u1", 30)
	if style, conf := e.inferStyle(context.Background(), sessions); style != "" || conf != 0 {
		t.Errorf("one session must not infer a style, got %q/%v", style, conf)
	}
}

// --- Domain usage ---

func TestDomainUsage(t *testing.T) {
	sessions := []storage.Session{
		{ID: "1", Domain: "career"}, {ID: "2", Domain: "career"},
		{ID: "3", Domain: "career"}, {ID: "4", Domain: "health"},
	}
	usage := domainUsage(sessions)
	if usage["career"] != 75 || usage["health"] != 25 {
		t.Errorf("usage = %v, want career 75 / health 25", usage)
	}
}

// --- Apply ---

func TestApply_NeverTouchesOverride(t *testing.T) {
	p := profile.New("u1")
	override := "direct"
	p.Coaching.Style.Override = &override

	Apply(&p, Derived{InferredStyle: StyleReflective, StyleConfidence: 0.6})

	if p.Coaching.Style.Override == nil || *p.Coaching.Style.Override != "direct" {
		t.Fatalf("override mutated: %+v", p.Coaching.Style)
	}
	if p.Coaching.Style.Effective() != "direct" {
		t.Errorf("Effective() = %q, want the override", p.Coaching.Style.Effective())
	}
	if p.Coaching.Style.InferredStyle != StyleReflective {
		t.Errorf("inferred style not recorded: %+v", p.Coaching.Style)
	}
}

func TestApply_KeepsConfirmedPatterns(t *testing.T) {
	p := profile.New("u1")
	p.Coaching.InferredPatterns = []profile.InferredPattern{
		{ID: "confirmed", PatternText: "procrastinates on big decisions", SourceCount: 1, Confidence: 0.8},
		{ID: "derived-old", PatternText: "stale derived pattern", SourceCount: 4, Confidence: 0.6, Domains: []string{"career"}},
	}

	Apply(&p, Derived{Patterns: []profile.InferredPattern{
		{ID: "derived-new", PatternText: "fear of failure", SourceCount: 3, Confidence: 0.7, Domains: []string{"career"}},
	}})

	ids := make(map[string]bool)
	for _, pat := range p.Coaching.InferredPatterns {
		ids[pat.ID] = true
	}
	if !ids["confirmed"] {
		t.Error("confirmed pattern dropped by derivation")
	}
	if !ids["derived-new"] {
		t.Error("fresh derivation missing")
	}
	if ids["derived-old"] {
		t.Error("stale derived pattern survived")
	}
}
