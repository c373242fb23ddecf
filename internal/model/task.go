// Copyright 2025 James Ross
package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Task row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusRetrying   Status = "retrying"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Task is the durable record created by create_task and carried through
// dispatch, execution, retry, and terminal states.
type Task struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	ExecutionKey  string          `json:"execution_key"`
	WindowStartMs int64           `json:"window_start_ms"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// Outbox is the row dispatch_task and flush_due publish from, guarded by
// row-level locking so concurrent dispatchers never double-publish.
// StreamID/SentAt are persisted as soon as the broker accepts the entry,
// ahead of the Published/PublishedAt transition, so a dispatcher that
// crashes between the two never re-publishes a second stream entry for the
// same row: it finds StreamID already set and only finishes the
// transition. AvailableAt/DeliveryAttempts back off a row whose publish
// attempt failed transiently, independent of the task's own retry
// schedule.
type Outbox struct {
	ID               int64     `json:"id"`
	TaskID           string    `json:"task_id"`
	CreatedAt        time.Time `json:"created_at"`
	AvailableAt      time.Time `json:"available_at"`
	DeliveryAttempts int       `json:"delivery_attempts"`
	StreamID         string    `json:"stream_id,omitempty"`
	SentAt           time.Time `json:"sent_at,omitempty"`
	PublishedAt      time.Time `json:"published_at,omitempty"`
	Published        bool      `json:"published"`
}

// Inbox is the worker's idempotency record for a task, keyed on
// (task_id, execution_key) rather than any transport-level delivery id:
// a redelivered message under the same execution_key always maps back to
// this one row. ProcessedAt is the zero value until the handler completes
// successfully; ClaimForProcessing treats a non-zero ProcessedAt as "this
// execution already finished" and refuses to run the handler again, no
// matter how many more times the broker redelivers it. Attempts counts
// every claim against this row, i.e. every started execution.
type Inbox struct {
	TaskID       string    `json:"task_id"`
	ExecutionKey string    `json:"execution_key"`
	Attempts     int       `json:"attempts"`
	ProcessedAt  time.Time `json:"processed_at,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// DeadLetter is the terminal record for a task that exhausted its retry
// budget, written by move_to_dead_letter.
type DeadLetter struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	DeadAt    time.Time `json:"dead_at"`
}

// LegacyTask is the pre-migration row shape: no hash, window, or execution
// key columns. BackfillLegacyTask (internal/store) documents how an
// upgrade populates the missing columns without a migration runner.
type LegacyTask struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
