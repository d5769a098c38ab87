package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/unidesk/supportchat-client/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS credential (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	token     TEXT NOT NULL,
	saved_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS guest_session (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	session_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCredential upserts the single bearer credential row.
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred store.Credential) error {
	query := `
		INSERT INTO credential (id, token, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, saved_at = excluded.saved_at
	`
	if _, err := s.db.ExecContext(ctx, query, cred.Token, cred.SavedAt); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the stored credential, or nil when absent.
func (s *SQLiteStore) LoadCredential(ctx context.Context) (*store.Credential, error) {
	var cred store.Credential
	row := s.db.QueryRowContext(ctx, `SELECT token, saved_at FROM credential WHERE id = 1`)
	if err := row.Scan(&cred.Token, &cred.SavedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &cred, nil
}

// DeleteCredential removes the stored credential if present.
func (s *SQLiteStore) DeleteCredential(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credential WHERE id = 1`); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// SaveGuestSession upserts the single guest session row. Creating a new
// session replaces any prior one.
func (s *SQLiteStore) SaveGuestSession(ctx context.Context, sess store.GuestSession) error {
	query := `
		INSERT INTO guest_session (id, session_id, name, email, subject, created_at, last_activity)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			name = excluded.name,
			email = excluded.email,
			subject = excluded.subject,
			created_at = excluded.created_at,
			last_activity = excluded.last_activity
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Name, sess.Email, sess.Subject, sess.CreatedAt, sess.LastActivity)
	if err != nil {
		return fmt.Errorf("save guest session: %w", err)
	}
	return nil
}

// LoadGuestSession returns the stored guest session, or nil when absent.
func (s *SQLiteStore) LoadGuestSession(ctx context.Context) (*store.GuestSession, error) {
	var sess store.GuestSession
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, name, email, subject, created_at, last_activity
		FROM guest_session WHERE id = 1
	`)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Email, &sess.Subject, &sess.CreatedAt, &sess.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load guest session: %w", err)
	}
	return &sess, nil
}

// TouchGuestActivity updates the last-activity timestamp of the guest session.
func (s *SQLiteStore) TouchGuestActivity(ctx context.Context, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE guest_session SET last_activity = ? WHERE id = 1`, at); err != nil {
		return fmt.Errorf("touch guest activity: %w", err)
	}
	return nil
}

// DeleteGuestSession removes the stored guest session if present.
func (s *SQLiteStore) DeleteGuestSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guest_session WHERE id = 1`); err != nil {
		return fmt.Errorf("delete guest session: %w", err)
	}
	return nil
}
