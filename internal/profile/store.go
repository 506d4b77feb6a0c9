package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attune-app/attuned/internal/storage"
)

// Store failure modes. ErrNotFound is the normal state for a brand-new
// user and is never an alarm; ErrConflict means the caller's base version
// is stale and it must reload; ErrUnavailable is transient. Aliased to the
// storage sentinels so errors.Is works across the boundary.
var (
	ErrNotFound    = storage.ErrNotFound
	ErrConflict    = storage.ErrConflict
	ErrUnavailable = storage.ErrUnavailable
)

// DocStore is the persistence the Store needs. Implemented by storage.Store.
// Implementations return errors that satisfy errors.Is against the
// sentinels above.
type DocStore interface {
	GetProfileDoc(ctx context.Context, userID string) (doc string, version int64, updatedAt time.Time, err error)
	PutProfileDoc(ctx context.Context, userID, doc string, baseVersion int64, updatedAt time.Time) (int64, error)
	DeleteProfileDoc(ctx context.Context, userID string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store loads and saves whole Profile aggregates as versioned JSON
// documents, one per user. Save is atomic per profile and enforces
// optimistic concurrency against the caller's base version.
type Store struct {
	docs  DocStore
	clock Clock
}

// NewStore creates a Store over the given document persistence.
func NewStore(docs DocStore) *Store {
	return &Store{docs: docs, clock: realClock{}}
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(docs DocStore, clock Clock) *Store {
	return &Store{docs: docs, clock: clock}
}

// Load returns the stored profile for userID. ErrNotFound for users that
// have never been saved.
func (s *Store) Load(ctx context.Context, userID string) (Profile, error) {
	doc, version, updatedAt, err := s.docs.GetProfileDoc(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, fmt.Errorf("loading profile %s: %w", userID, ErrNotFound)
		}
		return Profile{}, fmt.Errorf("loading profile %s: %w", userID, err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile %s: %w", userID, err)
	}
	p.UserID = userID
	p.Version = version
	p.UpdatedAt = updatedAt
	return p, nil
}

// Save commits the whole aggregate, using p.Version as the optimistic
// concurrency base. A profile never stored before saves with Version 0.
// On success the returned profile carries the newly committed version.
// ErrConflict means another writer committed since p was loaded; the
// caller must reload and reapply.
func (s *Store) Save(ctx context.Context, p Profile) (Profile, error) {
	if p.UserID == "" {
		return Profile{}, fmt.Errorf("saving profile: empty user id")
	}

	now := s.clock.Now().UTC()
	p.UpdatedAt = now

	doc, err := json.Marshal(p)
	if err != nil {
		return Profile{}, fmt.Errorf("encoding profile %s: %w", p.UserID, err)
	}

	newVersion, err := s.docs.PutProfileDoc(ctx, p.UserID, string(doc), p.Version, now)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Profile{}, fmt.Errorf("saving profile %s: %w", p.UserID, ErrConflict)
		}
		return Profile{}, fmt.Errorf("saving profile %s: %w", p.UserID, err)
	}

	p.Version = newVersion
	return p, nil
}

// Delete removes the profile document entirely. Only the account-deletion
// cascade calls this.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.docs.DeleteProfileDoc(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting profile %s: %w", userID, err)
	}
	return nil
}
