// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flyingrobots/go-task-runner/internal/model"
)

// SQLiteStore is the development/test SQL backend: the same shape as
// PostgresStore but using ?-style placeholders and a single writer
// transaction in place of SELECT ... FOR UPDATE SKIP LOCKED, since SQLite
// serializes writers by file lock rather than per-row locks.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	payload BLOB NOT NULL,
	payload_hash TEXT NOT NULL,
	execution_key TEXT NOT NULL UNIQUE,
	window_start_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	scheduled_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks (id),
	created_at DATETIME NOT NULL,
	available_at DATETIME NOT NULL,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	stream_id TEXT NOT NULL DEFAULT '',
	sent_at DATETIME,
	published_at DATETIME,
	published BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inbox (
	task_id TEXT PRIMARY KEY REFERENCES tasks (id),
	execution_key TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	processed_at DATETIME,
	last_seen_at DATETIME NOT NULL,
	UNIQUE (task_id, execution_key)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	task_id TEXT PRIMARY KEY REFERENCES tasks (id),
	name TEXT NOT NULL,
	payload BLOB NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	dead_at DATETIME NOT NULL
);
`

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer, avoids SQLITE_BUSY under concurrent dispatch
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateTask(ctx context.Context, p CreateTaskParams, candidateKeys []string) (model.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, false, err
	}
	defer tx.Rollback()

	if existing, ok, err := sqliteFindByExecutionKeys(ctx, tx, candidateKeys); err != nil {
		return model.Task{}, false, err
	} else if ok {
		return existing, true, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, payload, payload_hash, execution_key, window_start_ms,
			status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, '')
	`, p.ID, p.Name, p.Payload, p.PayloadHash, p.ExecutionKey, p.WindowStartMs,
		string(model.StatusPending), p.MaxAttempts, p.ScheduledAt, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if existing, ok, ferr := sqliteFindByExecutionKeys(ctx, tx, []string{p.ExecutionKey}); ferr == nil && ok {
				return existing, true, tx.Commit()
			}
		}
		return model.Task{}, false, fmt.Errorf("insert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (task_id, created_at, available_at, published) VALUES (?, ?, ?, 0)
	`, p.ID, now, now); err != nil {
		return model.Task{}, false, fmt.Errorf("insert outbox: %w", err)
	}

	task := model.Task{
		ID: p.ID, Name: p.Name, Payload: p.Payload, PayloadHash: p.PayloadHash,
		ExecutionKey: p.ExecutionKey, WindowStartMs: p.WindowStartMs,
		Status: model.StatusPending, MaxAttempts: p.MaxAttempts,
		ScheduledAt: p.ScheduledAt, CreatedAt: now, UpdatedAt: now,
	}
	return task, false, tx.Commit()
}

func sqliteFindByExecutionKeys(ctx context.Context, tx *sql.Tx, keys []string) (model.Task, bool, error) {
	for _, key := range keys {
		row := tx.QueryRowContext(ctx, `
			SELECT id, name, payload, payload_hash, execution_key, window_start_ms,
			       status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error
			FROM tasks WHERE execution_key = ?
		`, key)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return model.Task{}, false, err
		}
		return t, true, nil
	}
	return model.Task{}, false, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, payload, payload_hash, execution_key, window_start_ms,
		       status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) PendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.task_id, o.created_at, o.available_at, o.delivery_attempts, o.stream_id
		FROM outbox o
		JOIN tasks t ON t.id = o.task_id
		WHERE o.published = 0
		  AND o.available_at <= ?
		  AND t.status IN (?, ?)
		  AND t.scheduled_at <= ?
		ORDER BY o.created_at ASC
		LIMIT ?
	`, time.Now().UTC(), string(model.StatusPending), string(model.StatusRetrying), time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()

	var out []model.Outbox
	for rows.Next() {
		var row model.Outbox
		if err := rows.Scan(&row.ID, &row.TaskID, &row.CreatedAt, &row.AvailableAt, &row.DeliveryAttempts, &row.StreamID); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordOutboxStreamID(ctx context.Context, outboxID int64, streamID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET stream_id = ?, sent_at = ?, delivery_attempts = delivery_attempts + 1 WHERE id = ?
	`, streamID, sentAt, outboxID)
	return err
}

func (s *SQLiteStore) MarkOutboxPublished(ctx context.Context, outboxID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var taskID string
	if err := tx.QueryRowContext(ctx, `SELECT task_id FROM outbox WHERE id = ?`, outboxID).Scan(&taskID); err != nil {
		return fmt.Errorf("lookup outbox: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET published = 1, published_at = ? WHERE id = ?
	`, now, outboxID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, string(model.StatusDispatched), now, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkOutboxAttemptFailed(ctx context.Context, outboxID int64, availableAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET delivery_attempts = delivery_attempts + 1, available_at = ? WHERE id = ?
	`, availableAt, outboxID)
	return err
}

func (s *SQLiteStore) ClaimForProcessing(ctx context.Context, taskID, executionKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var processedAt sql.NullTime
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT processed_at, attempts FROM inbox WHERE task_id = ? AND execution_key = ?
	`, taskID, executionKey).Scan(&processedAt, &attempts)
	switch {
	case err == nil:
		if processedAt.Valid {
			return true, tx.Commit()
		}
	case errors.Is(err, sql.ErrNoRows):
		// first claim for this execution_key
	default:
		return false, err
	}

	now := time.Now().UTC()
	attempts++
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inbox (task_id, execution_key, attempts, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, execution_key) DO UPDATE SET attempts = excluded.attempts, last_seen_at = excluded.last_seen_at
	`, taskID, executionKey, attempts, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempts = ?, updated_at = ? WHERE id = ?
	`, string(model.StatusRunning), attempts, now, taskID); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

func (s *SQLiteStore) MarkSucceeded(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, string(model.StatusSucceeded), now, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE inbox SET processed_at = ? WHERE task_id = ?
	`, now, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkFailedForRetry(ctx context.Context, taskID string, lastErr string, nextAttempt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET last_error = ?, scheduled_at = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, lastErr, nextAttempt, string(model.StatusRetrying), now, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (task_id, created_at, available_at, published) VALUES (?, ?, ?, 0)
	`, taskID, now, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, taskID string, lastErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var name string
	var payload []byte
	var attempts int
	if err := tx.QueryRowContext(ctx, `
		SELECT name, payload, attempts FROM tasks WHERE id = ?
	`, taskID).Scan(&name, &payload, &attempts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(model.StatusDead), lastErr, now, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (task_id, name, payload, attempts, last_error, dead_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, name, payload, attempts, lastErr, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) PeekDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, payload, attempts, last_error, dead_at
		FROM dead_letters ORDER BY dead_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var payload []byte
		if err := rows.Scan(&d.TaskID, &d.Name, &payload, &d.Attempts, &d.LastError, &d.DeadAt); err != nil {
			return nil, err
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}
