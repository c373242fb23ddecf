// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flyingrobots/go-task-runner/internal/model"
)

// PostgresStore is the production Store backend, using lib/pq's $1-style
// placeholders over the task/outbox/inbox/dead_letters schema that
// create_task, dispatch_task, and the worker pipeline share.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	payload JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	execution_key TEXT NOT NULL UNIQUE,
	window_start_ms BIGINT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tasks_execution_key_idx ON tasks (execution_key);

CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks (id),
	created_at TIMESTAMPTZ NOT NULL,
	available_at TIMESTAMPTZ NOT NULL,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	stream_id TEXT NOT NULL DEFAULT '',
	sent_at TIMESTAMPTZ,
	published_at TIMESTAMPTZ,
	published BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (available_at) WHERE NOT published;

CREATE TABLE IF NOT EXISTS inbox (
	task_id TEXT PRIMARY KEY REFERENCES tasks (id),
	execution_key TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	processed_at TIMESTAMPTZ,
	last_seen_at TIMESTAMPTZ NOT NULL,
	UNIQUE (task_id, execution_key)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	task_id TEXT PRIMARY KEY REFERENCES tasks (id),
	name TEXT NOT NULL,
	payload JSONB NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	dead_at TIMESTAMPTZ NOT NULL
);
`

// OpenPostgres opens a connection pool and applies the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateTask(ctx context.Context, p CreateTaskParams, candidateKeys []string) (model.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, false, err
	}
	defer tx.Rollback()

	if existing, ok, err := findByExecutionKeys(ctx, tx, candidateKeys); err != nil {
		return model.Task{}, false, err
	} else if ok {
		return existing, true, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, payload, payload_hash, execution_key, window_start_ms,
			status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10, '')
	`, p.ID, p.Name, p.Payload, p.PayloadHash, p.ExecutionKey, p.WindowStartMs,
		string(model.StatusPending), p.MaxAttempts, p.ScheduledAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// unique_violation on execution_key: a concurrent writer won the
			// race, so fall back to reading what it inserted.
			if existing, ok, ferr := findByExecutionKeys(ctx, tx, []string{p.ExecutionKey}); ferr == nil && ok {
				return existing, true, tx.Commit()
			}
		}
		return model.Task{}, false, fmt.Errorf("insert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (task_id, created_at, available_at, published) VALUES ($1, $2, $2, FALSE)
	`, p.ID, now); err != nil {
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

func findByExecutionKeys(ctx context.Context, tx *sql.Tx, keys []string) (model.Task, bool, error) {
	for _, key := range keys {
		row := tx.QueryRowContext(ctx, `
			SELECT id, name, payload, payload_hash, execution_key, window_start_ms,
			       status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error
			FROM tasks WHERE execution_key = $1
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var payload []byte
	var status string
	if err := row.Scan(&t.ID, &t.Name, &payload, &t.PayloadHash, &t.ExecutionKey, &t.WindowStartMs,
		&status, &t.Attempts, &t.MaxAttempts, &t.ScheduledAt, &t.CreatedAt, &t.UpdatedAt, &t.LastError); err != nil {
		return model.Task{}, err
	}
	t.Payload = payload
	t.Status = model.Status(status)
	return t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, payload, payload_hash, execution_key, window_start_ms,
		       status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error
		FROM tasks WHERE id = $1
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	return t, err
}

// PendingOutbox locks candidate rows with SKIP LOCKED so concurrent
// dispatch_task/flush_due callers never hand out the same row twice.
func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.task_id, o.created_at, o.available_at, o.delivery_attempts, o.stream_id
		FROM outbox o
		JOIN tasks t ON t.id = o.task_id
		WHERE NOT o.published
		  AND o.available_at <= $1
		  AND t.status IN ($2, $3)
		  AND t.scheduled_at <= $1
		ORDER BY o.created_at ASC
		LIMIT $4
		FOR UPDATE OF o SKIP LOCKED
	`, time.Now().UTC(), string(model.StatusPending), string(model.StatusRetrying), limit)
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

func (s *PostgresStore) RecordOutboxStreamID(ctx context.Context, outboxID int64, streamID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET stream_id = $1, sent_at = $2, delivery_attempts = delivery_attempts + 1 WHERE id = $3
	`, streamID, sentAt, outboxID)
	return err
}

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, outboxID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var taskID string
	if err := tx.QueryRowContext(ctx, `
		UPDATE outbox SET published = TRUE, published_at = $1 WHERE id = $2 RETURNING task_id
	`, now, outboxID).Scan(&taskID); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3
	`, string(model.StatusDispatched), now, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) MarkOutboxAttemptFailed(ctx context.Context, outboxID int64, availableAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET delivery_attempts = delivery_attempts + 1, available_at = $1 WHERE id = $2
	`, availableAt, outboxID)
	return err
}

// ClaimForProcessing keys the inbox row on (task_id, execution_key), not on
// the broker's delivery id, so retries of the same logical execution always
// collide on the same row regardless of how the broker redelivered them.
// A row with processed_at already set means the handler already finished
// this execution_key and the caller must not run it again.
func (s *PostgresStore) ClaimForProcessing(ctx context.Context, taskID, executionKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var processedAt sql.NullTime
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT processed_at, attempts FROM inbox WHERE task_id = $1 AND execution_key = $2
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
		INSERT INTO inbox (task_id, execution_key, attempts, last_seen_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, execution_key) DO UPDATE SET attempts = EXCLUDED.attempts, last_seen_at = EXCLUDED.last_seen_at
	`, taskID, executionKey, attempts, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, attempts = $2, updated_at = $3 WHERE id = $4
	`, string(model.StatusRunning), attempts, now, taskID); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3
	`, string(model.StatusSucceeded), now, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE inbox SET processed_at = $1 WHERE task_id = $2
	`, now, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) MarkFailedForRetry(ctx context.Context, taskID string, lastErr string, nextAttempt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET last_error = $1, scheduled_at = $2, status = $3, updated_at = $4
		WHERE id = $5
	`, lastErr, nextAttempt, string(model.StatusRetrying), now, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (task_id, created_at, available_at, published) VALUES ($1, $2, $2, FALSE)
	`, taskID, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, taskID string, lastErr string) error {
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
		SELECT name, payload, attempts FROM tasks WHERE id = $1
	`, taskID).Scan(&name, &payload, &attempts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4
	`, string(model.StatusDead), lastErr, now, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (task_id, name, payload, attempts, last_error, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, taskID, name, payload, attempts, lastErr, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

func (s *PostgresStore) PeekDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, payload, attempts, last_error, dead_at
		FROM dead_letters ORDER BY dead_at DESC LIMIT $1
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
