// Package worker drains the analysis job queue: insight extraction,
// pattern detection, and pending-insight expiry all run here, off the
// conversation hot path.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attune-app/attuned/internal/engine"
	"github.com/attune-app/attuned/internal/insight"
	"github.com/attune-app/attuned/internal/patterns"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/semantic"
	"github.com/attune-app/attuned/internal/storage"
)

// DefaultRetention is how long a pending insight survives unconfirmed.
const DefaultRetention = 14 * 24 * time.Hour

const expirySweepInterval = 12 * time.Hour

// JobStore abstracts the job queue and the history the jobs read and
// write. Implemented by storage.Store.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	EnqueueJob(job storage.Job) error
	SessionTurns(ctx context.Context, sessionID string) ([]storage.Turn, error)
	InsertPendingInsight(ctx context.Context, in storage.PendingInsight) error
	ListPendingInsights(ctx context.Context, userID string) ([]storage.PendingInsight, error)
	DeleteExpiredPendingInsights(ctx context.Context, before time.Time) (int64, error)
}

// InsightExtractor proposes candidate insights from conversation turns.
type InsightExtractor interface {
	Extract(ctx context.Context, prof profile.Profile, conversationID string, turns []storage.Turn) []insight.Insight
}

// PatternDeriver re-derives patterns, style, and usage from history.
type PatternDeriver interface {
	Run(ctx context.Context, prof profile.Profile) (patterns.Derived, error)
}

// ContextFacade is the slice of the engine the worker needs.
type ContextFacade interface {
	LoadProfile(ctx context.Context, userID string) (profile.Profile, error)
	Mutate(ctx context.Context, userID string, apply func(*profile.Profile) error) (profile.Profile, error)
}

// Worker processes analysis jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	extractor InsightExtractor
	deriver   PatternDeriver
	facade    ContextFacade
	poll      time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to
// 500ms; if retention is <= 0, it defaults to DefaultRetention.
func NewWorker(store JobStore, extractor InsightExtractor, deriver PatternDeriver, facade ContextFacade, pollInterval, retention time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Worker{
		store:     store,
		extractor: extractor,
		deriver:   deriver,
		facade:    facade,
		poll:      pollInterval,
		retention: retention,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled, and keeps an expiry job on
// the queue so stale pending insights get cleaned up even on idle days.
func (w *Worker) Run(ctx context.Context) {
	w.enqueueExpiry()
	sweep := time.NewTicker(expirySweepInterval)
	defer sweep.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			w.enqueueExpiry()
		case <-time.After(w.poll):
		}
	}
}

func (w *Worker) enqueueExpiry() {
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobExpireInsights,
		PayloadJSON: "{}",
		MaxAttempts: 1,
	}
	if err := w.store.EnqueueJob(job); err != nil {
		w.logger.Warn("enqueueing expiry job failed", "error", err)
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{
		storage.JobExtractInsights,
		storage.JobDetectPatterns,
		storage.JobExpireInsights,
	})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobExtractInsights:
		return w.processExtract(ctx, job)
	case storage.JobDetectPatterns:
		return w.processDetect(ctx, job)
	case storage.JobExpireInsights:
		return w.processExpire(ctx)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) processExtract(ctx context.Context, job *storage.Job) error {
	var payload engine.ExtractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	prof, err := w.facade.LoadProfile(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("loading profile %s: %w", payload.UserID, err)
	}

	turns, err := w.store.SessionTurns(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("loading turns for %s: %w", payload.SessionID, err)
	}
	if payload.Window > 0 && len(turns) > payload.Window {
		turns = turns[len(turns)-payload.Window:]
	}

	proposed := w.extractor.Extract(ctx, prof, payload.SessionID, turns)
	if len(proposed) == 0 {
		return nil
	}

	// The extractor dedupes against the profile; the pending tray is a
	// second surface the same content could already be sitting on.
	pending, err := w.store.ListPendingInsights(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("listing pending insights: %w", err)
	}

	inserted := 0
	for _, ins := range proposed {
		if alreadyPending(pending, ins.Content) {
			continue
		}
		row := storage.PendingInsight{
			ID:             ins.ID,
			UserID:         payload.UserID,
			ConversationID: ins.ConversationID,
			Content:        ins.Content,
			Category:       ins.Category,
			Confidence:     ins.Confidence,
			CreatedAt:      ins.CreatedAt,
		}
		if err := w.store.InsertPendingInsight(ctx, row); err != nil {
			return fmt.Errorf("storing insight: %w", err)
		}
		pending = append(pending, row)
		inserted++
	}

	w.logger.Info("extraction run finished",
		"session_id", payload.SessionID, "proposed", len(proposed), "stored", inserted)
	return nil
}

func alreadyPending(pending []storage.PendingInsight, content string) bool {
	for _, p := range pending {
		if semantic.TokenOverlap(p.Content, content) >= semantic.DefaultTokenThreshold {
			return true
		}
	}
	return false
}

func (w *Worker) processDetect(ctx context.Context, job *storage.Job) error {
	var payload engine.ExtractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	prof, err := w.facade.LoadProfile(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("loading profile %s: %w", payload.UserID, err)
	}

	derived, err := w.deriver.Run(ctx, prof)
	if err != nil {
		return fmt.Errorf("deriving patterns: %w", err)
	}

	if _, err := w.facade.Mutate(ctx, payload.UserID, func(p *profile.Profile) error {
		patterns.Apply(p, derived)
		return nil
	}); err != nil {
		return fmt.Errorf("applying derivation: %w", err)
	}
	return nil
}

func (w *Worker) processExpire(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.retention)
	n, err := w.store.DeleteExpiredPendingInsights(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("expiring pending insights: %w", err)
	}
	if n > 0 {
		w.logger.Info("expired stale pending insights", "count", n)
	}
	return nil
}
