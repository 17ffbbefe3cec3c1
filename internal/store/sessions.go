package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// Session is a persisted tenant account.
type Session struct {
	Seq       int64           `json:"seq"`
	TenantID  string          `json:"tenantId"`
	Creds     json.RawMessage `json:"-"`
	CreatedAt time.Time       `json:"createdAt"`
}

const sessionColumns = "seq, tenant_id, creds, created_at"

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess    Session
		creds   string
		created int64
	)
	if err := row.Scan(&sess.Seq, &sess.TenantID, &creds, &created); err != nil {
		return nil, err
	}
	sess.Creds = json.RawMessage(creds)
	sess.CreatedAt = time.Unix(created, 0)
	return &sess, nil
}

// FindAllSessions returns every session ordered by insertion.
func (s *Store) FindAllSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY seq")
}

// sessionsAfter returns sessions inserted after seq, in order.
func (s *Store) sessionsAfter(ctx context.Context, seq int64) ([]*Session, error) {
	return s.querySessions(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE seq > ? ORDER BY seq", seq)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession returns the session for tenantID or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, tenantID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE tenant_id = ?", tenantID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// InsertSession stores a new session and wakes insertion feed watchers.
// Returns ErrSessionExists when the tenant already has a row.
func (s *Store) InsertSession(ctx context.Context, tenantID string, creds json.RawMessage) (*Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("store: empty tenant id")
	}
	if len(creds) == 0 {
		creds = json.RawMessage("{}")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (tenant_id, creds, created_at) VALUES (?, ?, ?)",
		tenantID, string(creds), now.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	L_info("store: session inserted", "tenant", tenantID, "seq", seq)
	s.notifyInserted()
	return &Session{Seq: seq, TenantID: tenantID, Creds: creds, CreatedAt: time.Unix(now.Unix(), 0)}, nil
}

// UpdateCredentials replaces the credential blob for tenantID.
func (s *Store) UpdateCredentials(ctx context.Context, tenantID string, creds json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET creds = ? WHERE tenant_id = ?", string(creds), tenantID)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session row. The tenant's settings are kept
// so a re-paired account gets them back. Deleting a missing tenant is not
// an error.
func (s *Store) DeleteSession(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE tenant_id = ?", tenantID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	L_info("store: session deleted", "tenant", tenantID)
	return nil
}
