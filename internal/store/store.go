// Copyright 2025 James Ross

// Package store is the durable persistence layer for tasks, the
// transactional outbox, inbox claims, and dead letters. Backends
// (Postgres, SQLite, an in-memory fake) all implement the same Store
// interface so the rest of the pipeline never branches on driver.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/model"
)

// Errors returned by Store implementations, mirrored across backends so
// callers can type-switch regardless of which driver is wired in.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: version conflict")
)

// CreateTaskParams carries the fields create_task needs to find-or-create
// a row keyed by execution_key.
type CreateTaskParams struct {
	ID            string
	Name          string
	Payload       []byte
	PayloadHash   string
	ExecutionKey  string
	WindowStartMs int64
	MaxAttempts   int
	ScheduledAt   time.Time
}

// Store is the persistence boundary every SPEC_FULL.md operation is
// grounded on: admission writes through CreateTask, the dispatcher reads
// through the outbox methods, and the worker advances task state through
// the claim/finalize/retry/dead-letter methods.
type Store interface {
	// CreateTask finds an existing task by execution_key within its
	// candidate windows, or inserts a new one plus its outbox row in the
	// same transaction. found reports whether an existing task was
	// returned instead of a new insert.
	CreateTask(ctx context.Context, p CreateTaskParams, candidateKeys []string) (task model.Task, found bool, err error)

	GetTask(ctx context.Context, id string) (model.Task, error)

	// PendingOutbox returns up to limit outbox rows that are unpublished
	// and due (available_at has passed), locking them against concurrent
	// dispatchers (SKIP LOCKED on SQL backends).
	PendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error)

	// RecordOutboxStreamID persists the broker entry id and sent_at for a
	// row the broker just accepted, ahead of MarkOutboxPublished, so a
	// crash in between leaves a durable idempotency marker instead of a
	// row that looks untouched.
	RecordOutboxStreamID(ctx context.Context, outboxID int64, streamID string, sentAt time.Time) error
	MarkOutboxPublished(ctx context.Context, outboxID int64) error

	// MarkOutboxAttemptFailed records a failed publish attempt and pushes
	// availableAt out so a broken broker doesn't get hammered every tick.
	MarkOutboxAttemptFailed(ctx context.Context, outboxID int64, availableAt time.Time) error

	// ClaimForProcessing records or updates the inbox row keyed on
	// (taskID, executionKey) and transitions the task to running.
	// already reports whether this execution already has a processed_at,
	// i.e. the handler already ran to completion for this execution_key;
	// otherwise the claim (and attempts increment) proceeds even if a
	// claim was already recorded earlier, since that prior claim either
	// failed or is this same attempt being redelivered.
	ClaimForProcessing(ctx context.Context, taskID, executionKey string) (already bool, err error)

	// MarkSucceeded transitions the task to succeeded and stamps its
	// inbox row's processed_at, closing the idempotency window so any
	// further redelivery under the same execution_key is a no-op.
	MarkSucceeded(ctx context.Context, taskID string) error

	// MarkFailedForRetry records lastErr, reschedules scheduled_at to
	// nextAttempt, and transitions status to retrying so flush_due
	// redispatches it. It does not touch attempts: that is incremented
	// at claim time, once per started execution.
	MarkFailedForRetry(ctx context.Context, taskID string, lastErr string, nextAttempt time.Time) error

	// MoveToDeadLetter marks the task dead and writes a DeadLetter row in
	// the same transaction.
	MoveToDeadLetter(ctx context.Context, taskID string, lastErr string) error

	CountDeadLetters(ctx context.Context) (int64, error)
	PeekDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)

	Close() error
}

// BackfillLegacyTask documents, without running a migration, how a
// pre-dedup schema row is brought into the new shape: a legacy task has
// no payload_hash/execution_key/window_start_ms, so the backfill computes
// them the same way create_task would for a fresh submission and treats
// window_start_ms as the task's original created_at bucket rather than
// "now", since the task already executed once under the old schema and
// must not be eligible for re-dispatch as if newly submitted.
func BackfillLegacyTask(legacy model.LegacyTask, hash func([]byte) (string, error), windowMs int64) (model.Task, error) {
	h, err := hash(legacy.Payload)
	if err != nil {
		return model.Task{}, err
	}
	windowStart := legacy.CreatedAt.UnixMilli()
	if windowMs > 0 {
		windowStart = (windowStart / windowMs) * windowMs
	}
	return model.Task{
		ID:            legacy.ID,
		Name:          legacy.Name,
		Payload:       legacy.Payload,
		PayloadHash:   h,
		ExecutionKey:  legacy.Name + ":" + h + ":" + itoa(windowStart),
		WindowStartMs: windowStart,
		Status:        model.Status(legacy.Status),
		CreatedAt:     legacy.CreatedAt,
		UpdatedAt:     legacy.CreatedAt,
	}, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
