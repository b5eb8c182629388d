// Package persistence is the durable log: an append-only message table, a
// task table, and a presence table in a single local SQLite file. All writes
// go through one connection, which is the serialization the claim logic and
// the fan-out ordering guarantee depend on.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".workshop", "workshop.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One connection: SQLite serializes every write, and the claim read-back
	// check relies on exactly that.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			ts REAL NOT NULL,
			from_agent TEXT NOT NULL,
			ch TEXT NOT NULL,
			type TEXT NOT NULL,
			v INTEGER NOT NULL DEFAULT 1,
			body TEXT NOT NULL DEFAULT '{}',
			files TEXT NOT NULL DEFAULT '[]',
			reply_to TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ch ON messages(ch);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ch_type ON messages(ch, type);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL,
			created_by TEXT NOT NULL,
			assigned_to TEXT,
			claimed_by TEXT,
			claimed_at REAL,
			status TEXT NOT NULL DEFAULT 'open',
			title TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			result TEXT,
			files TEXT NOT NULL DEFAULT '[]',
			ch TEXT NOT NULL DEFAULT 'tasks'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ch ON tasks(ch);`,
		`CREATE TABLE IF NOT EXISTS presence (
			agent_id TEXT PRIMARY KEY,
			last_seen REAL NOT NULL,
			channels TEXT NOT NULL DEFAULT '[]',
			meta TEXT NOT NULL DEFAULT '{}'
		);`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// busyBackoff is the wait schedule between retries of a write that hit a
// transient SQLite lock, applied on top of the driver's own busy_timeout.
// Writes here are single-row and cheap, so the schedule is short: roughly a
// second of total patience before the error surfaces to the caller.
var busyBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// lockedMarkers identify transient lock errors in the driver's error text.
// mattn/go-sqlite3 renders the numeric result codes as "(5)" for BUSY and
// "(6)" for LOCKED.
var lockedMarkers = []string{
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
}

// retryOnBusy runs f, walking busyBackoff with ±25% jitter while the error
// stays a transient lock. Any other error, or an exhausted schedule, returns
// the last error unchanged.
func retryOnBusy(ctx context.Context, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || attempt == len(busyBackoff) {
			return err
		}
		locked := false
		for _, marker := range lockedMarkers {
			if strings.Contains(err.Error(), marker) {
				locked = true
				break
			}
		}
		if !locked {
			return err
		}
		delay := busyBackoff[attempt]
		delay += time.Duration(rand.IntN(int(delay/2))) - delay/4

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Now returns the current time as fractional seconds since the epoch, the
// timestamp representation used across all three tables.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// sql.ErrNoRows re-export point for callers that do not import database/sql.
var ErrNotFound = sql.ErrNoRows
