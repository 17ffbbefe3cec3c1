// Package store persists sessions and per-tenant settings in SQLite and
// exposes a feed of newly inserted sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/paths"
)

var (
	// ErrSessionExists is returned when inserting a tenant that already has a session.
	ErrSessionExists = errors.New("store: session already exists")
	// ErrNotFound is returned when a tenant has no session row.
	ErrNotFound = errors.New("store: not found")
)

// Schema version for migrations
const currentSchemaVersion = 2

// Config for the SQLite store
type Config struct {
	Path         string
	BusyTimeout  int           // ms, default 5000
	PollInterval time.Duration // insertion feed fallback poll, default 10s
}

// Store is the SQLite persistence layer.
type Store struct {
	db     *sql.DB
	config Config

	// inserted is closed and replaced on every in-process insert so feed
	// watchers wake immediately.
	mu       sync.Mutex
	inserted chan struct{}
}

// Open opens (creating if needed) the database at cfg.Path and migrates it.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	if err := paths.EnsureParentDir(cfg.Path); err != nil {
		return nil, err
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", cfg.Path, timeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, config: cfg, inserted: make(chan struct{})}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("store: opened", "path", cfg.Path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.config.Path
}

// Migrate runs database migrations
func (s *Store) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.Tx) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := migrations[i](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", i+1, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		L_debug("store: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the sessions table
func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL UNIQUE,
			creds TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
	}
	return execAll(tx, stmts)
}

// migrateV2 adds per-tenant settings; NULL columns fall through to defaults
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			tenant_id TEXT PRIMARY KEY,
			bot_name TEXT,
			prefix TEXT,
			connection_announce INTEGER,
			auto_status_read INTEGER,
			updated_at INTEGER NOT NULL
		)`,
	}
	return execAll(tx, stmts)
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// notifyInserted wakes every insertion feed watcher.
func (s *Store) notifyInserted() {
	s.mu.Lock()
	close(s.inserted)
	s.inserted = make(chan struct{})
	s.mu.Unlock()
}

// insertedSignal returns the channel closed on the next insert.
func (s *Store) insertedSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserted
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
