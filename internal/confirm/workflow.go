// Package confirm implements the confirmation workflow: pending insights
// surface to the user, and an explicit confirm is the only path by which
// extracted facts enter the durable profile.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attune-app/attuned/internal/insight"
	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/semantic"
	"github.com/attune-app/attuned/internal/signal"
	"github.com/attune-app/attuned/internal/storage"
)

// ErrValidation rejects malformed decisions (e.g. empty content) before
// they reach the store.
var ErrValidation = errors.New("validation failed")

// PendingStore is the pending-insight persistence the workflow needs.
// Implemented by storage.Store.
type PendingStore interface {
	GetPendingInsight(ctx context.Context, id string) (storage.PendingInsight, error)
	ListPendingInsights(ctx context.Context, userID string) ([]storage.PendingInsight, error)
	DeletePendingInsight(ctx context.Context, id string) error
	DeleteAllPendingInsights(ctx context.Context, userID string) error
}

// ProfileWriter applies a mutation to a user's profile under the facade's
// single-flight and rollback discipline. Implemented by engine.Engine.
type ProfileWriter interface {
	Mutate(ctx context.Context, userID string, apply func(*profile.Profile) error) (profile.Profile, error)
}

// Emitter is the fire-and-forget learning-signal channel.
type Emitter interface {
	Emit(ev signal.Event)
}

// Workflow holds pending insights and applies user decisions.
type Workflow struct {
	pending  PendingStore
	profiles ProfileWriter
	signals  Emitter
	clock    func() time.Time
}

// NewWorkflow creates a Workflow. signals may be nil, in which case no
// telemetry is emitted.
func NewWorkflow(pending PendingStore, profiles ProfileWriter, signals Emitter) *Workflow {
	return &Workflow{
		pending:  pending,
		profiles: profiles,
		signals:  signals,
		clock:    time.Now,
	}
}

// Pending returns the user's pending insights, oldest first.
func (w *Workflow) Pending(ctx context.Context, userID string) ([]storage.PendingInsight, error) {
	return w.pending.ListPendingInsights(ctx, userID)
}

// Confirm merges the insight's content into the appropriate profile
// collection and discards the pending row. Confirming an id that no longer
// exists (already confirmed, dismissed, or expired) is a no-op, not an
// error, so double taps in the UI are harmless.
func (w *Workflow) Confirm(ctx context.Context, userID, insightID string) (profile.Profile, error) {
	ins, err := w.pending.GetPendingInsight(ctx, insightID)
	if errors.Is(err, storage.ErrNotFound) {
		return w.profiles.Mutate(ctx, userID, func(*profile.Profile) error { return nil })
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("loading insight %s: %w", insightID, err)
	}
	if ins.UserID != userID {
		return profile.Profile{}, fmt.Errorf("insight %s: %w: belongs to another user", insightID, ErrValidation)
	}
	if strings.TrimSpace(ins.Content) == "" {
		return profile.Profile{}, fmt.Errorf("insight %s: %w: empty content", insightID, ErrValidation)
	}

	updated, err := w.profiles.Mutate(ctx, userID, func(p *profile.Profile) error {
		mergeInsight(p, ins)
		return nil
	})
	if err != nil {
		return profile.Profile{}, err
	}

	// The pending row is removed only after the merge committed; a crash
	// in between re-surfaces the insight, and re-confirming it is a no-op
	// thanks to the id check in mergeInsight.
	if err := w.pending.DeletePendingInsight(ctx, insightID); err != nil {
		return profile.Profile{}, fmt.Errorf("discarding confirmed insight %s: %w", insightID, err)
	}

	if w.signals != nil {
		w.signals.Emit(signal.Event{
			UserID:    userID,
			Kind:      signal.KindInsightConfirmed,
			SubjectID: insightID,
			Category:  ins.Category,
		})
	}
	return updated, nil
}

// Dismiss discards the insight and records its id and normalized content
// in the profile's suppression set so equivalent content is never
// re-proposed. The learning signal is best-effort; its failure never fails
// the dismiss.
func (w *Workflow) Dismiss(ctx context.Context, userID, insightID string) (profile.Profile, error) {
	ins, err := w.pending.GetPendingInsight(ctx, insightID)
	if errors.Is(err, storage.ErrNotFound) {
		return w.profiles.Mutate(ctx, userID, func(*profile.Profile) error { return nil })
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("loading insight %s: %w", insightID, err)
	}
	if ins.UserID != userID {
		return profile.Profile{}, fmt.Errorf("insight %s: %w: belongs to another user", insightID, ErrValidation)
	}

	now := w.clock().UTC()
	updated, err := w.profiles.Mutate(ctx, userID, func(p *profile.Profile) error {
		d := &p.Coaching.Dismissed
		if !d.Contains(insightID) {
			d.InsightIDs = append(d.InsightIDs, insightID)
			d.Contents = append(d.Contents, semantic.Normalize(ins.Content))
		}
		d.LastDismissedAt = &now
		return nil
	})
	if err != nil {
		return profile.Profile{}, err
	}

	if err := w.pending.DeletePendingInsight(ctx, insightID); err != nil {
		return profile.Profile{}, fmt.Errorf("discarding dismissed insight %s: %w", insightID, err)
	}

	if w.signals != nil {
		w.signals.Emit(signal.Event{
			UserID:    userID,
			Kind:      signal.KindInsightDismissed,
			SubjectID: insightID,
			Category:  ins.Category,
		})
	}
	return updated, nil
}

// DismissAll clears the pending set without marking anything dismissed:
// a soft defer, the same insights may resurface in later cycles. This is
// also the cancellation path when the user abandons the suggestion tray.
func (w *Workflow) DismissAll(ctx context.Context, userID string) error {
	if err := w.pending.DeleteAllPendingInsights(ctx, userID); err != nil {
		return fmt.Errorf("clearing pending insights: %w", err)
	}
	return nil
}

// mergeInsight routes confirmed content into the profile collection its
// category owns. The insight id becomes the new entry's id, which makes a
// re-merge of the same insight a structural no-op.
func mergeInsight(p *profile.Profile, ins storage.PendingInsight) {
	switch ins.Category {
	case insight.CategoryValue:
		if p.FindValue(ins.ID) != nil {
			return
		}
		p.Values = append(p.Values, profile.Value{
			ID:         ins.ID,
			Content:    ins.Content,
			Source:     profile.SourceExtracted,
			Confidence: ins.Confidence,
		})
	case insight.CategoryGoal:
		if p.FindGoal(ins.ID) != nil {
			return
		}
		p.Goals = append(p.Goals, profile.Goal{
			ID:      ins.ID,
			Content: ins.Content,
			Status:  profile.GoalActive,
		})
	case insight.CategorySituation:
		if p.Situation.FreeText == "" {
			p.Situation.FreeText = ins.Content
		} else if !strings.Contains(p.Situation.FreeText, ins.Content) {
			p.Situation.FreeText += " " + ins.Content
		}
	case insight.CategoryPattern:
		for _, existing := range p.Coaching.InferredPatterns {
			if existing.ID == ins.ID {
				return
			}
		}
		p.Coaching.InferredPatterns = append(p.Coaching.InferredPatterns, profile.InferredPattern{
			ID:          ins.ID,
			PatternText: ins.Content,
			Category:    insight.CategoryPattern,
			SourceCount: 1,
			Confidence:  ins.Confidence,
		})
	}
}
