// Package journal implements an optional append-only SQLite record of every
// domain event published on the bus, for after-the-fact inspection. It is
// not consulted by the session core at runtime; sessions are rebuilt from
// in-memory state only.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/eventbus"
	"github.com/ashureev/shsh-labs/internal/shared"
)

// Journal appends every published domain event to a WAL-mode SQLite
// database, keyed by its bus sequence number.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the journal database at path, in WAL mode.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create database directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("journal: ping database: %w", err)
	}

	j := &Journal{db: db, log: log}
	if err := j.initSchema(); err != nil {
		return nil, fmt.Errorf("journal: initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	const query = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		sequence   INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Append records one envelope. Retries a bounded number of times on
// SQLITE_BUSY/locked errors with exponential backoff to tolerate concurrent
// writers.
func (j *Journal) Append(ctx context.Context, env domain.Envelope) error {
	return j.appendWithRetry(ctx, env, 3, 50*time.Millisecond)
}

func (j *Journal) appendWithRetry(ctx context.Context, env domain.Envelope, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := j.appendOnce(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shared.IsSQLiteConflictError(err) {
			return fmt.Errorf("journal: append event: %w", err)
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<attempt)
			j.log.Debug("journal append hit SQLITE_BUSY, retrying", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("journal: append event after %d attempts: %w", maxRetries, lastErr)
}

func (j *Journal) appendOnce(ctx context.Context, env domain.Envelope) error {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	const query = `INSERT INTO events (sequence, session_id, kind, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		env.Sequence, string(env.Event.SessionID), string(env.Event.Kind), string(payload), time.Now().Unix())
	return err
}

// Run consumes the event bus and journals every event until ctx is
// cancelled. Journaling failures are logged, not fatal: a degraded journal
// must never take down the session core.
func (j *Journal) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()

	j.log.Info("event journal started")

	for {
		select {
		case <-ctx.Done():
			j.log.Info("event journal shutting down", "reason", ctx.Err())
			return
		case <-sub.Wake():
			j.drain(ctx, sub)
		}
	}
}

func (j *Journal) drain(ctx context.Context, sub *eventbus.Subscription) {
	for {
		envelopes, lagged := sub.Next(128)
		if lagged {
			j.log.Warn("event journal lagged, resuming at earliest retained sequence")
		}
		if len(envelopes) == 0 {
			return
		}
		for _, env := range envelopes {
			if err := j.Append(ctx, env); err != nil {
				j.log.Error("failed to journal event", "sequence", env.Sequence, "error", err)
			}
		}
	}
}

// Close closes the underlying database handle.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("journal: close database: %w", err)
	}
	return nil
}
