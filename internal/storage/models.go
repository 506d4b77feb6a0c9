package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a versioned write's base version does not
// match the stored version (optimistic concurrency violation).
var ErrConflict = errors.New("version conflict")

// ErrUnavailable is returned for transient database failures the caller
// may retry.
var ErrUnavailable = errors.New("storage unavailable")

// Session is one coaching conversation. TurnsSinceExtract counts assistant
// turns appended since the last extraction job was enqueued; the cadence
// gate resets it.
type Session struct {
	ID                string
	UserID            string
	Domain            string
	StartedAt         time.Time
	LastSeq           int64
	TurnsSinceExtract int
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single message within a session. Seq is assigned on append
// and strictly increases within a session.
type Turn struct {
	ID        string
	SessionID string
	UserID    string
	Role      string // "user" or "assistant"
	Content   string
	Seq       int64
	CreatedAt time.Time
}

// PendingInsight is an extracted candidate fact awaiting user confirmation.
// Rows are immutable; confirmation and dismissal both delete them.
type PendingInsight struct {
	ID             string
	UserID         string
	ConversationID string
	Content        string
	Category       string // "value", "goal", "situation", "pattern"
	Confidence     float64
	CreatedAt      time.Time
}

// SessionTheme is one theme the analysis model attributed to a session.
// Cached so pattern detection never re-analyzes an already-themed session.
type SessionTheme struct {
	SessionID string
	UserID    string
	Domain    string
	Theme     string
	CreatedAt time.Time
}

// LearningSignal is a best-effort telemetry record of an insight outcome.
type LearningSignal struct {
	ID        string
	UserID    string
	Kind      string // "insight_confirmed", "insight_dismissed", "pattern_dismissed"
	SubjectID string
	Category  string
	CreatedAt time.Time
}

// Job is one queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
