// Package taskstore implements the agent's durable local cache of
// scheduled tasks, backed by modernc.org/sqlite (pure Go, no CGO).
// Corruption handling is layered on top of the usual open-then-migrate
// sequence since sqlite itself doesn't expose a clean "is corrupt" check
// short of trying a query.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itskum47/fluxguard/internal/server/store"
)

// Store is the agent-side durable task cache.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path. If the existing file
// is present but corrupt (fails a sanity query after migration), it is
// renamed aside and a fresh database is opened in its place — the agent
// continues with an empty cache for this run rather than failing to start.
func Open(path string) (*Store, error) {
	s, err := tryOpen(path)
	if err == nil {
		return s, nil
	}

	quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UTC().Unix())
	if rerr := os.Rename(path, quarantined); rerr != nil && !os.IsNotExist(rerr) {
		log.Printf("taskstore: failed to rename corrupt cache aside: %v", rerr)
	} else {
		log.Printf("taskstore: local task cache at %s was corrupt, quarantined as %s", path, quarantined)
	}

	return tryOpen(path)
}

func tryOpen(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer, serializes all cache mutations

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.sanityCheck(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sanity check: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			task_id          TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			script_type       TEXT NOT NULL,
			script_body       TEXT NOT NULL,
			trigger_type      TEXT NOT NULL,
			scheduled_at      TEXT,
			interval_seconds  INTEGER NOT NULL DEFAULT 0,
			cron_expr         TEXT NOT NULL DEFAULT '',
			event_trigger     TEXT NOT NULL DEFAULT '',
			target_type       TEXT NOT NULL,
			target_id         TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			cancelled         INTEGER NOT NULL DEFAULT 0,
			last_run          TEXT,
			created_at        TEXT NOT NULL
		)
	`)
	return err
}

func (s *Store) sanityCheck() error {
	var n int
	return s.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
}

func (s *Store) Close() error { return s.db.Close() }

// List returns every cached task.
func (s *Store) List(ctx context.Context) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, script_type, script_body, trigger_type, scheduled_at,
		       interval_seconds, cron_expr, event_trigger, target_type, target_id,
		       status, cancelled, last_run, created_at
		  FROM tasks
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Upsert replaces the row for task.TaskID, inserting if absent. A cancelled
// flag already set on the row is kept even when t.Cancelled is false.
func (s *Store) Upsert(ctx context.Context, t *store.Task) error {
	var scheduledAt, lastRun interface{}
	if t.ScheduledAt != nil {
		scheduledAt = t.ScheduledAt.UTC().Format(time.RFC3339)
	}
	if t.LastRun != nil {
		lastRun = t.LastRun.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, name, script_type, script_body, trigger_type, scheduled_at,
		                    interval_seconds, cron_expr, event_trigger, target_type, target_id,
		                    status, cancelled, last_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			name             = excluded.name,
			script_type      = excluded.script_type,
			script_body      = excluded.script_body,
			trigger_type     = excluded.trigger_type,
			scheduled_at     = excluded.scheduled_at,
			interval_seconds = excluded.interval_seconds,
			cron_expr        = excluded.cron_expr,
			event_trigger    = excluded.event_trigger,
			target_type      = excluded.target_type,
			target_id        = excluded.target_id,
			status           = excluded.status,
			cancelled        = MAX(tasks.cancelled, excluded.cancelled),
			last_run         = excluded.last_run
	`, t.TaskID, t.Name, t.ScriptType, t.ScriptBody, t.TriggerType, scheduledAt,
		t.IntervalSeconds, t.CronExpr, t.EventTrigger, t.TargetType, t.TargetID,
		t.Status, boolToInt(t.Cancelled), lastRun, t.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// Remove deletes a task_id from the cache.
func (s *Store) Remove(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	return err
}

// MarkCancelled sets the cancelled flag, terminal for this task_id.
func (s *Store) MarkCancelled(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET cancelled = 1 WHERE task_id = ?`, taskID)
	return err
}

// RecordRun stamps last_run for taskID.
func (s *Store) RecordRun(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_run = ? WHERE task_id = ?`, at.UTC().Format(time.RFC3339), taskID)
	return err
}

type scanFn func(dest ...interface{}) error

func scanTask(scan scanFn) (*store.Task, error) {
	var t store.Task
	var scheduledAt, lastRun sql.NullString
	var createdAt string
	var cancelled int

	if err := scan(&t.TaskID, &t.Name, &t.ScriptType, &t.ScriptBody, &t.TriggerType, &scheduledAt,
		&t.IntervalSeconds, &t.CronExpr, &t.EventTrigger, &t.TargetType, &t.TargetID,
		&t.Status, &cancelled, &lastRun, &createdAt); err != nil {
		return nil, err
	}

	t.Cancelled = cancelled != 0
	if scheduledAt.Valid && scheduledAt.String != "" {
		if ts, err := time.Parse(time.RFC3339, scheduledAt.String); err == nil {
			t.ScheduledAt = &ts
		}
	}
	if lastRun.Valid && lastRun.String != "" {
		if ts, err := time.Parse(time.RFC3339, lastRun.String); err == nil {
			t.LastRun = &ts
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
