package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite primary result codes the store treats as transient. They surface
// when the busy timeout elapses under contention, e.g. a second process
// holding the write lock.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// resultCoder matches the driver's error type without importing it.
type resultCoder interface{ Code() int }

// mapErr converts busy/locked driver failures into ErrUnavailable so
// callers can tell retryable contention from real faults. Extended result
// codes carry the primary code in the low byte. Everything else passes
// through unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rc resultCoder
	if errors.As(err, &rc) {
		switch rc.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return fmt.Errorf("%v: %w", err, ErrUnavailable)
		}
	}
	return err
}

// Store wraps a SQLite database with methods for profiles, sessions,
// pending insights, learning signals, and the background job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "attuned.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Busy timeout so concurrent access waits briefly instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, mapErr(err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profile documents ---

// GetProfileDoc returns the stored profile document and version for userID.
func (s *Store) GetProfileDoc(ctx context.Context, userID string) (string, int64, time.Time, error) {
	var doc, updatedAt string
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT doc, version, updated_at FROM profiles WHERE user_id = ?", userID,
	).Scan(&doc, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return "", 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", 0, time.Time{}, mapErr(err)
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return doc, version, t, nil
}

// PutProfileDoc writes the profile document if the stored version still
// equals baseVersion, returning the new version. A baseVersion of 0 inserts
// a brand-new row. Returns ErrConflict when another writer got there first.
func (s *Store) PutProfileDoc(ctx context.Context, userID, doc string, baseVersion int64, updatedAt time.Time) (int64, error) {
	newVersion := baseVersion + 1
	ts := updatedAt.UTC().Format(time.RFC3339)

	if baseVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO profiles (user_id, doc, version, updated_at) VALUES (?, ?, ?, ?)",
			userID, doc, newVersion, ts,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return 0, ErrConflict
			}
			return 0, mapErr(err)
		}
		return newVersion, nil
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET doc = ?, version = ?, updated_at = ? WHERE user_id = ? AND version = ?",
		doc, newVersion, ts, userID, baseVersion,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(err)
	}
	if n == 0 {
		// Row missing entirely vs. version moved on — both mean the
		// caller's base is unusable.
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM profiles WHERE user_id = ?", userID).Scan(&exists); err != nil {
			return 0, mapErr(err)
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrConflict
	}
	return newVersion, nil
}

// DeleteProfileDoc removes a user's profile document and every profile-scoped
// record (account-deletion cascade).
func (s *Store) DeleteProfileDoc(ctx context.Context, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM profiles WHERE user_id = ?", userID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}

	for _, table := range []string{"pending_insights", "session_themes", "learning_signals", "turns", "sessions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("cascading delete from %s: %w", table, mapErr(err))
		}
	}

	return mapErr(tx.Commit())
}

// --- Sessions and turns ---

// EnsureSession creates the session row if it does not exist yet and
// returns the current session state.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID, domain string) (Session, error) {
	if domain == "" {
		domain = "general"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, domain, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, userID, domain, now,
	)
	if err != nil {
		return Session{}, mapErr(err)
	}
	return s.GetSession(ctx, sessionID)
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var startedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, domain, started_at, last_seq, turns_since_extract
		FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.UserID, &sess.Domain, &startedAt, &sess.LastSeq, &sess.TurnsSinceExtract)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, mapErr(err)
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parsing started_at: %w", err)
	}
	sess.StartedAt = t
	return sess, nil
}

// AppendTurns appends turns to a session, assigning sequence numbers and
// bumping the assistant-turn counter used by the extraction cadence gate.
// Returns the updated session state.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns []Turn) (Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, mapErr(err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Session{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	seq := sess.LastSeq
	assistantTurns := 0
	for _, t := range turns {
		seq++
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, user_id, role, content, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, sessionID, sess.UserID, t.Role, t.Content, seq, createdAt.Format(time.RFC3339),
		); err != nil {
			return Session{}, mapErr(err)
		}
		if t.Role == "assistant" {
			assistantTurns++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_seq = ?, turns_since_extract = turns_since_extract + ? WHERE id = ?`,
		seq, assistantTurns, sessionID,
	); err != nil {
		return Session{}, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, mapErr(err)
	}

	sess.LastSeq = seq
	sess.TurnsSinceExtract += assistantTurns
	return sess, nil
}

// ResetExtractCounter zeroes the cadence counter after an extraction job
// has been enqueued for the session.
func (s *Store) ResetExtractCounter(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET turns_since_extract = 0 WHERE id = ?", sessionID)
	return mapErr(err)
}

// TurnsSince returns up to limit turns of a session with seq > afterSeq,
// in ascending order.
func (s *Store) TurnsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, seq, created_at
		FROM turns WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// RecentSessions returns the user's most recent sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, domain, started_at, last_seq, turns_since_extract
		FROM sessions WHERE user_id = ?
		ORDER BY started_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startedAt string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Domain, &startedAt, &sess.LastSeq, &sess.TurnsSinceExtract); err != nil {
			return nil, mapErr(err)
		}
		t, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		sess.StartedAt = t
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionTurns returns all turns of a session in ascending order.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, seq, created_at
		FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Role, &t.Content, &t.Seq, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		t.CreatedAt = ts
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// --- Pending insights ---

// InsertPendingInsight stores a freshly extracted candidate.
func (s *Store) InsertPendingInsight(ctx context.Context, in PendingInsight) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_insights (id, user_id, conversation_id, content, category, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.ConversationID, in.Content, in.Category, in.Confidence,
		in.CreatedAt.UTC().Format(time.RFC3339),
	)
	return mapErr(err)
}

// GetPendingInsight returns one pending insight by id.
func (s *Store) GetPendingInsight(ctx context.Context, id string) (PendingInsight, error) {
	var in PendingInsight
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, content, category, confidence, created_at
		FROM pending_insights WHERE id = ?`, id,
	).Scan(&in.ID, &in.UserID, &in.ConversationID, &in.Content, &in.Category, &in.Confidence, &createdAt)
	if err == sql.ErrNoRows {
		return PendingInsight{}, ErrNotFound
	}
	if err != nil {
		return PendingInsight{}, mapErr(err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return PendingInsight{}, fmt.Errorf("parsing created_at: %w", err)
	}
	in.CreatedAt = t
	return in, nil
}

// ListPendingInsights returns a user's pending insights, oldest first.
func (s *Store) ListPendingInsights(ctx context.Context, userID string) ([]PendingInsight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, content, category, confidence, created_at
		FROM pending_insights WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var results []PendingInsight
	for rows.Next() {
		var in PendingInsight
		var createdAt string
		if err := rows.Scan(&in.ID, &in.UserID, &in.ConversationID, &in.Content, &in.Category, &in.Confidence, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		in.CreatedAt = t
		results = append(results, in)
	}
	return results, rows.Err()
}

// DeletePendingInsight removes one pending insight. Deleting an id that is
// already gone is not an error; confirm/dismiss rely on that for idempotency.
func (s *Store) DeletePendingInsight(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_insights WHERE id = ?", id)
	return mapErr(err)
}

// DeleteAllPendingInsights clears a user's pending set (soft defer).
func (s *Store) DeleteAllPendingInsights(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_insights WHERE user_id = ?", userID)
	return mapErr(err)
}

// DeleteExpiredPendingInsights discards pending insights created before the
// cutoff, untouched. Returns the number removed.
func (s *Store) DeleteExpiredPendingInsights(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_insights WHERE created_at < ?",
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

// --- Session themes ---

// PutSessionThemes replaces the cached themes for a session.
func (s *Store) PutSessionThemes(ctx context.Context, sessionID, userID, domain string, themes []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning theme transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_themes WHERE session_id = ?", sessionID); err != nil {
		return mapErr(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, theme := range themes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_themes (session_id, user_id, domain, theme, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, userID, domain, theme, now,
		); err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit())
}

// HasSessionThemes reports whether a session has cached themes.
func (s *Store) HasSessionThemes(ctx context.Context, sessionID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_themes WHERE session_id = ?", sessionID,
	).Scan(&count); err != nil {
		return false, mapErr(err)
	}
	return count > 0, nil
}

// UserSessionThemes returns every cached theme for the user's sessions.
func (s *Store) UserSessionThemes(ctx context.Context, userID string) ([]SessionTheme, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, domain, theme, created_at
		FROM session_themes WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var themes []SessionTheme
	for rows.Next() {
		var th SessionTheme
		var createdAt string
		if err := rows.Scan(&th.SessionID, &th.UserID, &th.Domain, &th.Theme, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		th.CreatedAt = t
		themes = append(themes, th)
	}
	return themes, rows.Err()
}

// --- Learning signals ---

// InsertLearningSignal records one best-effort telemetry event.
func (s *Store) InsertLearningSignal(ctx context.Context, sig LearningSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_signals (id, user_id, kind, subject_id, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.UserID, sig.Kind, sig.SubjectID, sig.Category,
		sig.CreatedAt.UTC().Format(time.RFC3339),
	)
	return mapErr(err)
}

// CountLearningSignals returns the number of recorded signals for a user,
// optionally filtered by kind ("" counts all).
func (s *Store) CountLearningSignals(ctx context.Context, userID, kind string) (int, error) {
	var count int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM learning_signals WHERE user_id = ?", userID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM learning_signals WHERE user_id = ? AND kind = ?", userID, kind).Scan(&count)
	}
	return count, mapErr(err)
}
