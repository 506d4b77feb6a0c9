// Package patterns derives non-authoritative signals from confirmed
// history: recurring themes across sessions, cross-domain synthesis, style
// inference from engagement depth, and domain usage stats. Everything here
// is subordinate to explicit user input — a manual style override is never
// touched, and derived fields going stale is always preferable to blocking
// the profile write path.
package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attune-app/attuned/internal/ollama"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/semantic"
	"github.com/attune-app/attuned/internal/storage"
)

const (
	defaultConcurrency = 3
	themeTimeout       = 20 * time.Second
)

// Config holds the recurrence and confidence thresholds.
type Config struct {
	MinSessions              int     // theme must recur across this many sessions (default 3)
	MinConfidence            float64 // single-domain confidence bar (default 0.6)
	CrossDomainMinDomains    int     // domains required for synthesis (default 2)
	CrossDomainMinConfidence float64 // stricter bar for synthesis (default 0.75)
	SessionLimit             int     // history window in sessions (default 30)
}

func (c Config) withDefaults() Config {
	if c.MinSessions <= 0 {
		c.MinSessions = 3
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	if c.CrossDomainMinDomains <= 0 {
		c.CrossDomainMinDomains = 2
	}
	if c.CrossDomainMinConfidence <= 0 {
		c.CrossDomainMinConfidence = 0.75
	}
	if c.SessionLimit <= 0 {
		c.SessionLimit = 30
	}
	return c
}

// Chatter is the LLM interface for per-session theme extraction.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// HistoryStore is the session history persistence the engine reads and the
// theme cache it maintains. Implemented by storage.Store.
type HistoryStore interface {
	RecentSessions(ctx context.Context, userID string, limit int) ([]storage.Session, error)
	SessionTurns(ctx context.Context, sessionID string) ([]storage.Turn, error)
	HasSessionThemes(ctx context.Context, sessionID string) (bool, error)
	PutSessionThemes(ctx context.Context, sessionID, userID, domain string, themes []string) error
	UserSessionThemes(ctx context.Context, userID string) ([]storage.SessionTheme, error)
}

// Derived is one derivation run's output, merged into the profile by the
// caller under the facade's write discipline.
type Derived struct {
	Patterns        []profile.InferredPattern
	InferredStyle   string
	StyleConfidence float64
	DomainUsage     map[string]float64
}

// Engine runs pattern detection and style inference over a user's history.
type Engine struct {
	client  Chatter
	model   string
	history HistoryStore
	cfg     Config
	newID   func() string
}

// NewEngine creates an Engine. client may be nil, which disables theme
// extraction for un-themed sessions (cached themes still group).
func NewEngine(client Chatter, model string, history HistoryStore, cfg Config) *Engine {
	return &Engine{
		client:  client,
		model:   model,
		history: history,
		cfg:     cfg.withDefaults(),
		newID:   uuid.NewString,
	}
}

// Run derives patterns, style, and domain usage from the snapshot of
// history visible at call time. The profile is read-mostly input here:
// existing pattern ids are kept stable, and suppressed or overridden
// fields are respected in the output.
func (e *Engine) Run(ctx context.Context, prof profile.Profile) (Derived, error) {
	sessions, err := e.history.RecentSessions(ctx, prof.UserID, e.cfg.SessionLimit)
	if err != nil {
		return Derived{}, fmt.Errorf("loading sessions: %w", err)
	}
	if len(sessions) == 0 {
		return Derived{}, nil
	}

	e.themeSessions(ctx, sessions)

	themes, err := e.history.UserSessionThemes(ctx, prof.UserID)
	if err != nil {
		return Derived{}, fmt.Errorf("loading session themes: %w", err)
	}

	var d Derived
	d.Patterns = e.derivePatterns(prof, themes, countThemedSessions(themes))
	d.InferredStyle, d.StyleConfidence = e.inferStyle(ctx, sessions)
	d.DomainUsage = domainUsage(sessions)
	return d, nil
}

// themeSessions extracts and caches themes for sessions that don't have
// them yet, with bounded concurrency. Individual failures are logged and
// skipped — the session is retried on the next derivation run.
func (e *Engine) themeSessions(ctx context.Context, sessions []storage.Session) {
	if e.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, themeTimeout)
	defer cancel()

	sem := make(chan struct{}, defaultConcurrency)
	var wg sync.WaitGroup
	for _, sess := range sessions {
		themed, err := e.history.HasSessionThemes(ctx, sess.ID)
		if err != nil || themed {
			continue
		}

		wg.Add(1)
		go func(sess storage.Session) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			themes, err := e.extractThemes(ctx, sess)
			if err != nil {
				slog.Debug("theme extraction failed, skipping session", "session_id", sess.ID, "error", err)
				return
			}
			if len(themes) == 0 {
				return
			}
			if err := e.history.PutSessionThemes(ctx, sess.ID, sess.UserID, sess.Domain, themes); err != nil {
				slog.Warn("caching session themes failed", "session_id", sess.ID, "error", err)
			}
		}(sess)
	}
	wg.Wait()
}

type themeResult struct {
	Themes []string `json:"themes"`
}

func (e *Engine) extractThemes(ctx context.Context, sess storage.Session) ([]string, error) {
	turns, err := e.history.SessionTurns(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}

	var excerpt strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&excerpt, "[%s] %s\n", t.Role, t.Content)
	}

	raw, err := e.client.Chat(ctx, e.model, []ollama.Message{
		{Role: "system", Content: themePrompt},
		{Role: "user", Content: excerpt.String()},
	}, themeSchema())
	if err != nil {
		return nil, err
	}

	var result themeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decoding themes: %w", err)
	}

	var themes []string
	for _, th := range result.Themes {
		if norm := semantic.Normalize(th); norm != "" {
			themes = append(themes, norm)
		}
	}
	return themes, nil
}

const themePrompt = `You are a theme tagger for coaching session transcripts. Identify up to 3 short recurring emotional or behavioral themes the user expresses (e.g. "fear of failure", "difficulty saying no"). Your output must be ONLY a single valid JSON object conforming to the schema. Return an empty themes array when nothing stands out.`

func themeSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"themes": {
				Type:        "array",
				Description: "Short theme phrases, at most 3",
				Items:       &ollama.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"themes"},
	}
}

// themeGroup accumulates similar themes across sessions.
type themeGroup struct {
	text     string
	sessions map[string]struct{}
	domains  map[string]struct{}
}

// derivePatterns groups cached themes by similarity and promotes groups
// that clear the recurrence and confidence bars. Cross-domain groups are
// held to the stricter bar and marked as synthesis.
func (e *Engine) derivePatterns(prof profile.Profile, themes []storage.SessionTheme, themedSessions int) []profile.InferredPattern {
	if themedSessions == 0 {
		return nil
	}

	var groups []*themeGroup
	for _, th := range themes {
		var matched *themeGroup
		for _, g := range groups {
			if semantic.TokenOverlap(g.text, th.Theme) >= semantic.DefaultTokenThreshold {
				matched = g
				break
			}
		}
		if matched == nil {
			matched = &themeGroup{
				text:     th.Theme,
				sessions: make(map[string]struct{}),
				domains:  make(map[string]struct{}),
			}
			groups = append(groups, matched)
		}
		matched.sessions[th.SessionID] = struct{}{}
		matched.domains[th.Domain] = struct{}{}
	}

	var out []profile.InferredPattern
	for _, g := range groups {
		srcCount := len(g.sessions)
		if srcCount < e.cfg.MinSessions {
			continue
		}

		// Cross-session confidence: the share of themed sessions the
		// theme recurs in.
		confidence := float64(srcCount) / float64(themedSessions)
		if confidence > 1 {
			confidence = 1
		}

		crossDomain := len(g.domains) >= e.cfg.CrossDomainMinDomains
		bar := e.cfg.MinConfidence
		if crossDomain {
			bar = e.cfg.CrossDomainMinConfidence
		}
		if confidence < bar {
			// A multi-domain group that misses the synthesis bar can
			// still qualify as an ordinary pattern.
			if !crossDomain || confidence < e.cfg.MinConfidence {
				continue
			}
			crossDomain = false
		}

		if suppressedPattern(prof, g.text) {
			continue
		}

		domains := make([]string, 0, len(g.domains))
		for d := range g.domains {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		out = append(out, profile.InferredPattern{
			ID:          e.patternID(prof, g.text),
			PatternText: g.text,
			Category:    "pattern",
			SourceCount: srcCount,
			Confidence:  confidence,
			Domains:     domains,
			CrossDomain: crossDomain,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].PatternText < out[j].PatternText
	})
	return out
}

// patternID keeps ids stable across runs: a re-derived pattern matching an
// existing one inherits its id, so user-facing references don't churn.
func (e *Engine) patternID(prof profile.Profile, text string) string {
	for _, existing := range prof.Coaching.InferredPatterns {
		if semantic.TokenOverlap(existing.PatternText, text) >= semantic.DefaultTokenThreshold {
			return existing.ID
		}
	}
	return e.newID()
}

// suppressedPattern reports whether the user dismissed an equivalent
// pattern before; dismissal is a negative signal the engine must honor.
func suppressedPattern(prof profile.Profile, text string) bool {
	for _, dismissed := range prof.Coaching.Dismissed.Contents {
		if semantic.TokenOverlap(dismissed, text) >= semantic.DefaultTokenThreshold {
			return true
		}
	}
	return false
}

func countThemedSessions(themes []storage.SessionTheme) int {
	seen := make(map[string]struct{})
	for _, th := range themes {
		seen[th.SessionID] = struct{}{}
	}
	return len(seen)
}

// domainUsage returns each domain's share of sessions, in percent.
// Shares sum to ~100 (floating point).
func domainUsage(sessions []storage.Session) map[string]float64 {
	if len(sessions) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, s := range sessions {
		counts[s.Domain]++
	}
	usage := make(map[string]float64, len(counts))
	for d, n := range counts {
		usage[d] = float64(n) / float64(len(sessions)) * 100
	}
	return usage
}

// Apply merges a derivation run's output into the profile, always
// subordinate to explicit user state: the manual style override is never
// written, and confirmed (user-dismissed) suppression wins over re-derived
// patterns.
func Apply(p *profile.Profile, d Derived) {
	if d.Patterns != nil || len(p.Coaching.InferredPatterns) > 0 {
		p.Coaching.InferredPatterns = mergePatterns(p.Coaching.InferredPatterns, d.Patterns)
	}
	if d.InferredStyle != "" {
		p.Coaching.Style.InferredStyle = d.InferredStyle
		p.Coaching.Style.InferredConfidence = d.StyleConfidence
	}
	if d.DomainUsage != nil {
		p.Coaching.DomainUsage = d.DomainUsage
	}
}

// mergePatterns keeps confirmed insight-sourced patterns (SourceCount 1,
// added via the confirmation workflow) and replaces engine-derived ones
// with the fresh derivation.
func mergePatterns(existing []profile.InferredPattern, derived []profile.InferredPattern) []profile.InferredPattern {
	var out []profile.InferredPattern
	for _, p := range existing {
		if len(p.Domains) == 0 && p.SourceCount <= 1 {
			// Confirmed via the insight workflow, not derived — keep.
			out = append(out, p)
		}
	}
derivedLoop:
	for _, p := range derived {
		for _, kept := range out {
			if semantic.TokenOverlap(kept.PatternText, p.PatternText) >= semantic.DefaultTokenThreshold {
				continue derivedLoop
			}
		}
		out = append(out, p)
	}
	return out
}
