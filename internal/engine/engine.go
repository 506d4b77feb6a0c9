// Package engine is the single entry point through which the rest of the
// application reads and mutates user context. It serializes writes per
// profile, deduplicates concurrent loads, enforces optimistic concurrency
// against the store, and gates background extraction on conversation
// cadence. Callers never touch the profile store directly.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/attune-app/attuned/internal/confirm"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/signal"
	"github.com/attune-app/attuned/internal/storage"
)

// Config tunes facade behavior.
type Config struct {
	// ExtractCadence is the number of assistant turns between extraction
	// runs (default 4).
	ExtractCadence int
	// ExtractWindow is how many trailing turns each extraction run sees
	// (default 12).
	ExtractWindow int
}

func (c Config) withDefaults() Config {
	if c.ExtractCadence <= 0 {
		c.ExtractCadence = 4
	}
	if c.ExtractWindow <= 0 {
		c.ExtractWindow = 12
	}
	return c
}

// ProfileStore is the versioned profile persistence. Implemented by
// profile.Store.
type ProfileStore interface {
	Load(ctx context.Context, userID string) (profile.Profile, error)
	Save(ctx context.Context, p profile.Profile) (profile.Profile, error)
	Delete(ctx context.Context, userID string) error
}

// HistoryStore is the session and job persistence the facade drives.
// Implemented by storage.Store.
type HistoryStore interface {
	confirm.PendingStore
	EnsureSession(ctx context.Context, sessionID, userID, domain string) (storage.Session, error)
	AppendTurns(ctx context.Context, sessionID string, turns []storage.Turn) (storage.Session, error)
	ResetExtractCounter(ctx context.Context, sessionID string) error
	RecentSessions(ctx context.Context, userID string, limit int) ([]storage.Session, error)
	EnqueueJob(job storage.Job) error
}

// Engine is the context repository facade.
type Engine struct {
	profiles ProfileStore
	history  HistoryStore
	workflow *confirm.Workflow
	signals  confirm.Emitter
	cfg      Config
	logger   *slog.Logger

	loads singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine. signals may be nil.
func New(profiles ProfileStore, history HistoryStore, signals *signal.Sink, cfg Config) *Engine {
	e := &Engine{
		profiles: profiles,
		history:  history,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
	}
	if signals != nil {
		e.signals = signals
	}
	e.workflow = confirm.NewWorkflow(history, e, e.signals)
	return e
}

func (e *Engine) lockFor(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// LoadProfile returns the user's profile. Concurrent loads of the same
// user collapse into one store read. A user that was never saved gets a
// fresh default profile (version 0); the first write persists it.
func (e *Engine) LoadProfile(ctx context.Context, userID string) (profile.Profile, error) {
	v, err, _ := e.loads.Do(userID, func() (any, error) {
		p, err := e.profiles.Load(ctx, userID)
		if errors.Is(err, profile.ErrNotFound) {
			return profile.New(userID), nil
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return profile.Profile{}, wrap(KindFetchFailed, "load profile", err)
	}
	return v.(profile.Profile).Clone(), nil
}

// Mutate applies a whole-profile mutation under the per-user write lock:
// load, apply, save with the loaded version as the optimistic base. A
// version conflict (another process wrote between load and save) reloads
// and reapplies once. On any failure the in-flight copy is discarded, so
// readers keep seeing the last committed state.
func (e *Engine) Mutate(ctx context.Context, userID string, apply func(*profile.Profile) error) (profile.Profile, error) {
	if userID == "" {
		return profile.Profile{}, wrap(KindSaveFailed, "mutate profile", fmt.Errorf("empty user id"))
	}

	l := e.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	for attempt := 0; ; attempt++ {
		p, err := e.profiles.Load(ctx, userID)
		if errors.Is(err, profile.ErrNotFound) {
			p = profile.New(userID)
		} else if err != nil {
			return profile.Profile{}, wrap(KindFetchFailed, "mutate profile", err)
		}

		if err := apply(&p); err != nil {
			return profile.Profile{}, err
		}

		saved, err := e.profiles.Save(ctx, p)
		if errors.Is(err, profile.ErrConflict) && attempt == 0 {
			e.logger.Debug("profile version conflict, retrying", "user_id", userID)
			continue
		}
		if err != nil {
			return profile.Profile{}, wrap(KindSaveFailed, "mutate profile", err)
		}
		return saved, nil
	}
}

// DeleteUser removes the profile document and all profile-scoped history.
func (e *Engine) DeleteUser(ctx context.Context, userID string) error {
	l := e.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	return wrap(KindSaveFailed, "delete user", e.profiles.Delete(ctx, userID))
}

// --- Values ---

func (e *Engine) AddValue(ctx context.Context, userID, content string) (profile.Profile, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return profile.Profile{}, wrap(KindSaveFailed, "add value", fmt.Errorf("empty content"))
	}
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		p.Values = append(p.Values, profile.Value{
			ID:         uuid.NewString(),
			Content:    content,
			Source:     profile.SourceUser,
			Confidence: 1,
		})
		return nil
	})
}

func (e *Engine) UpdateValue(ctx context.Context, userID, valueID, content string) (profile.Profile, error) {
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		return p.SetText(profile.ValueRef(valueID), content)
	})
}

func (e *Engine) DeleteValue(ctx context.Context, userID, valueID string) (profile.Profile, error) {
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		for i, v := range p.Values {
			if v.ID == valueID {
				p.Values = append(p.Values[:i], p.Values[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// --- Goals ---

func (e *Engine) AddGoal(ctx context.Context, userID, content string) (profile.Profile, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return profile.Profile{}, wrap(KindSaveFailed, "add goal", fmt.Errorf("empty content"))
	}
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		p.Goals = append(p.Goals, profile.Goal{
			ID:      uuid.NewString(),
			Content: content,
			Status:  profile.GoalActive,
		})
		return nil
	})
}

func (e *Engine) UpdateGoal(ctx context.Context, userID, goalID, content string) (profile.Profile, error) {
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		return p.SetText(profile.GoalRef(goalID), content)
	})
}

func (e *Engine) SetGoalStatus(ctx context.Context, userID, goalID string, status profile.GoalStatus) (profile.Profile, error) {
	switch status {
	case profile.GoalActive, profile.GoalAchieved, profile.GoalArchived:
	default:
		return profile.Profile{}, wrap(KindSaveFailed, "set goal status", fmt.Errorf("invalid status %q", status))
	}
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		g := p.FindGoal(goalID)
		if g == nil {
			return fmt.Errorf("goal %s: %w", goalID, profile.ErrNotFound)
		}
		g.Status = status
		return nil
	})
}

func (e *Engine) DeleteGoal(ctx context.Context, userID, goalID string) (profile.Profile, error) {
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		for i, g := range p.Goals {
			if g.ID == goalID {
				p.Goals = append(p.Goals[:i], p.Goals[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// --- Situation and discovery ---

func (e *Engine) UpdateSituation(ctx context.Context, userID string, s profile.Situation) (profile.Profile, error) {
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		p.Situation = s
		return nil
	})
}

func (e *Engine) SetDiscoveryField(ctx context.Context, userID string, key profile.DiscoveryKey, text string) (profile.Profile, error) {
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		return p.SetText(profile.DiscoveryRef(key), text)
	})
}

// UpdateField routes a generic field edit to whichever collection the ref
// addresses.
func (e *Engine) UpdateField(ctx context.Context, userID string, ref profile.FieldRef, text string) (profile.Profile, error) {
	if err := ref.Validate(); err != nil {
		return profile.Profile{}, wrap(KindSaveFailed, "update field", err)
	}
	return e.Mutate(ctx, userID, func(p *profile.Profile) error {
		return p.SetText(ref, text)
	})
}

// --- Coaching style ---

// SetStyleOverride pins the coaching style. The override is authoritative:
// inference keeps running but never displaces it.
func (e *Engine) SetStyleOverride(ctx context.Context, userID, style string) (profile.Profile, error) {
	style = strings.TrimSpace(style)
	if style == "" {
		return profile.Profile{}, wrap(KindStyleOverrideFailed, "set style override", fmt.Errorf("empty style"))
	}
	p, err := e.Mutate(ctx, userID, func(p *profile.Profile) error {
		p.Coaching.Style.Override = &style
		return nil
	})
	if err != nil {
		return profile.Profile{}, wrap(KindStyleOverrideFailed, "set style override", errors.Unwrap(err))
	}
	return p, nil
}

// ClearStyleOverride returns style selection to inference.
func (e *Engine) ClearStyleOverride(ctx context.Context, userID string) (profile.Profile, error) {
	p, err := e.Mutate(ctx, userID, func(p *profile.Profile) error {
		p.Coaching.Style.Override = nil
		return nil
	})
	if err != nil {
		return profile.Profile{}, wrap(KindStyleOverrideFailed, "clear style override", errors.Unwrap(err))
	}
	return p, nil
}

// --- Insights ---

// PendingInsights lists the user's unconfirmed insights.
func (e *Engine) PendingInsights(ctx context.Context, userID string) ([]storage.PendingInsight, error) {
	ins, err := e.workflow.Pending(ctx, userID)
	if err != nil {
		return nil, wrap(KindFetchFailed, "list insights", err)
	}
	return ins, nil
}

// ConfirmInsight merges a pending insight into the profile.
func (e *Engine) ConfirmInsight(ctx context.Context, userID, insightID string) (profile.Profile, error) {
	p, err := e.workflow.Confirm(ctx, userID, insightID)
	if err != nil {
		return profile.Profile{}, wrap(KindSaveFailed, "confirm insight", err)
	}
	return p, nil
}

// DismissInsight discards a pending insight and records suppression.
func (e *Engine) DismissInsight(ctx context.Context, userID, insightID string) (profile.Profile, error) {
	p, err := e.workflow.Dismiss(ctx, userID, insightID)
	if err != nil {
		return profile.Profile{}, wrap(KindInsightDismissFailed, "dismiss insight", err)
	}
	return p, nil
}

// DismissAllInsights clears the pending tray without recording dismissals.
func (e *Engine) DismissAllInsights(ctx context.Context, userID string) error {
	if err := e.workflow.DismissAll(ctx, userID); err != nil {
		return wrap(KindInsightDismissFailed, "dismiss all insights", err)
	}
	return nil
}

// DismissPattern removes an inferred pattern and suppresses equivalent
// re-derivations.
func (e *Engine) DismissPattern(ctx context.Context, userID, patternID string) (profile.Profile, error) {
	var dismissed *profile.InferredPattern
	p, err := e.Mutate(ctx, userID, func(p *profile.Profile) error {
		for i, pat := range p.Coaching.InferredPatterns {
			if pat.ID == patternID {
				pat := pat
				dismissed = &pat
				p.Coaching.InferredPatterns = append(p.Coaching.InferredPatterns[:i], p.Coaching.InferredPatterns[i+1:]...)
				p.Coaching.Dismissed.Contents = append(p.Coaching.Dismissed.Contents, pat.PatternText)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return profile.Profile{}, wrap(KindInsightDismissFailed, "dismiss pattern", errors.Unwrap(err))
	}
	if dismissed != nil && e.signals != nil {
		e.signals.Emit(signal.Event{
			UserID:    userID,
			Kind:      signal.KindPatternDismissed,
			SubjectID: patternID,
			Category:  dismissed.Category,
		})
	}
	return p, nil
}

// --- Conversation ingestion and cadence ---

// ExtractPayload is the payload of extraction and pattern-detection jobs.
type ExtractPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Window    int    `json:"window,omitempty"`
}

// OnNewTurns appends conversation turns and, when enough assistant turns
// accumulated since the last extraction, enqueues one extraction job and
// one pattern-detection job, then resets the counter. Job enqueue failures
// are logged and swallowed: ingestion must never fail because the analysis
// queue is unhappy.
func (e *Engine) OnNewTurns(ctx context.Context, sessionID, userID, domain string, turns []storage.Turn) (storage.Session, error) {
	if _, err := e.history.EnsureSession(ctx, sessionID, userID, domain); err != nil {
		return storage.Session{}, wrap(KindSaveFailed, "ensure session", err)
	}

	sess, err := e.history.AppendTurns(ctx, sessionID, turns)
	if err != nil {
		return storage.Session{}, wrap(KindSaveFailed, "append turns", err)
	}

	if sess.TurnsSinceExtract < e.cfg.ExtractCadence {
		return sess, nil
	}

	payload, _ := json.Marshal(ExtractPayload{
		UserID:    userID,
		SessionID: sessionID,
		Window:    e.cfg.ExtractWindow,
	})
	for _, jobType := range []string{storage.JobExtractInsights, storage.JobDetectPatterns} {
		job := storage.Job{
			ID:          uuid.NewString(),
			Type:        jobType,
			PayloadJSON: string(payload),
			MaxAttempts: 3,
		}
		if err := e.history.EnqueueJob(job); err != nil {
			e.logger.Warn("enqueueing analysis job failed", "type", jobType, "session_id", sessionID, "error", err)
		}
	}

	if err := e.history.ResetExtractCounter(ctx, sessionID); err != nil {
		e.logger.Warn("resetting extract counter failed", "session_id", sessionID, "error", err)
	}
	return sess, nil
}
