// Package signal is the best-effort side channel for learning telemetry.
// Emitting never blocks and never fails the primary operation: when the
// buffer is full the event is dropped.
package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attune-app/attuned/internal/storage"
)

// Signal kinds recorded on insight and pattern outcomes.
const (
	KindInsightConfirmed = "insight_confirmed"
	KindInsightDismissed = "insight_dismissed"
	KindPatternDismissed = "pattern_dismissed"
)

// Event is one learning-signal occurrence.
type Event struct {
	UserID    string
	Kind      string
	SubjectID string
	Category  string
}

// Recorder persists signals. Implemented by storage.Store.
type Recorder interface {
	InsertLearningSignal(ctx context.Context, sig storage.LearningSignal) error
}

// Sink dispatches events to the recorder from a single background
// goroutine fed by a bounded channel.
type Sink struct {
	recorder Recorder
	ch       chan Event
	logger   *slog.Logger
}

// NewSink creates a Sink with the given buffer size (default 64 if <= 0).
// Call Run to start draining.
func NewSink(recorder Recorder, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sink{
		recorder: recorder,
		ch:       make(chan Event, buffer),
		logger:   slog.Default(),
	}
}

// Emit queues an event without blocking. A full buffer drops the event;
// the primary operation (confirm/dismiss) must never wait on telemetry.
func (s *Sink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.logger.Debug("learning signal dropped, buffer full", "kind", ev.Kind, "user_id", ev.UserID)
	}
}

// Run drains the channel until ctx is cancelled. Recorder failures are
// logged and swallowed.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ch:
			sig := storage.LearningSignal{
				ID:        uuid.NewString(),
				UserID:    ev.UserID,
				Kind:      ev.Kind,
				SubjectID: ev.SubjectID,
				Category:  ev.Category,
				CreatedAt: time.Now().UTC(),
			}
			if err := s.recorder.InsertLearningSignal(ctx, sig); err != nil {
				s.logger.Debug("recording learning signal failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Drain processes queued events synchronously until the buffer is empty.
// Used by tests and by shutdown to flush without racing Run.
func (s *Sink) Drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.ch:
			sig := storage.LearningSignal{
				ID:        uuid.NewString(),
				UserID:    ev.UserID,
				Kind:      ev.Kind,
				SubjectID: ev.SubjectID,
				Category:  ev.Category,
				CreatedAt: time.Now().UTC(),
			}
			if err := s.recorder.InsertLearningSignal(ctx, sig); err != nil {
				s.logger.Debug("recording learning signal failed", "kind", ev.Kind, "error", err)
			}
		default:
			return
		}
	}
}
