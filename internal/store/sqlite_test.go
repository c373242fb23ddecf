// Copyright 2025 James Ross
package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreateTaskDedupsWithinCandidateWindows(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	params := CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}
	first, found, err := s.CreateTask(ctx, params, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if found {
		t.Fatal("expected a fresh insert, not a dedup hit")
	}

	params2 := params
	params2.ID = "t2"
	second, found2, err := s.CreateTask(ctx, params2, []string{"echo:h1:0"})
	if err != nil {
		t.Fatalf("create task 2: %v", err)
	}
	if !found2 {
		t.Fatal("expected the second submission to dedup against the first")
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedup hit to return the original task id %s, got %s", first.ID, second.ID)
	}
}

func TestSQLiteCreateTaskUniqueConstraintFallsBackToExisting(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	params := CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}
	if _, _, err := s.CreateTask(ctx, params, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	// A candidate key list that doesn't include the existing execution_key
	// exercises the UNIQUE-constraint-violation fallback path rather than
	// the up-front find-by-candidate-keys hit.
	params2 := params
	params2.ID = "t2"
	second, found, err := s.CreateTask(ctx, params2, nil)
	if err != nil {
		t.Fatalf("create task 2: %v", err)
	}
	if !found {
		t.Fatal("expected the unique constraint collision to resolve to the existing task")
	}
	if second.ID != "t1" {
		t.Fatalf("expected existing task t1, got %s", second.ID)
	}
}

func TestSQLiteGetTaskNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.GetTask(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLitePendingOutboxOnlyReturnsDueUnpublishedRows(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "future", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "hf", ExecutionKey: "echo:hf:0", MaxAttempts: 3,
		ScheduledAt: future,
	}, nil); err != nil {
		t.Fatalf("create future task: %v", err)
	}

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "due", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "hd", ExecutionKey: "echo:hd:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}, nil); err != nil {
		t.Fatalf("create due task: %v", err)
	}

	rows, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	if len(rows) != 1 || rows[0].TaskID != "due" {
		t.Fatalf("expected exactly the due task's outbox row, got %+v", rows)
	}
}

func TestSQLiteMarkOutboxPublishedTransitionsTaskToDispatched(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	rows, err := s.PendingOutbox(ctx, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 pending row, got %v err=%v", rows, err)
	}
	if err := s.MarkOutboxPublished(ctx, rows[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusDispatched {
		t.Fatalf("expected dispatched status, got %s", task.Status)
	}

	rows2, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending outbox 2: %v", err)
	}
	if len(rows2) != 0 {
		t.Fatalf("expected no pending rows after publish, got %v", rows2)
	}
}

func TestSQLiteClaimForProcessingDetectsDuplicateDelivery(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	already1, err := s.ClaimForProcessing(ctx, "t1", "echo:h1:0")
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if already1 {
		t.Fatal("expected the first claim to not be a duplicate")
	}

	// Not yet processed, so a second claim under the same execution_key
	// proceeds rather than being treated as a duplicate.
	already2, err := s.ClaimForProcessing(ctx, "t1", "echo:h1:0")
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if already2 {
		t.Fatal("expected a second claim before completion to proceed, not be treated as a duplicate")
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusRunning {
		t.Fatalf("expected running status after claim, got %s", task.Status)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected attempts incremented on each claim, got %d", task.Attempts)
	}

	if err := s.MarkSucceeded(ctx, "t1"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	already3, err := s.ClaimForProcessing(ctx, "t1", "echo:h1:0")
	if err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	if !already3 {
		t.Fatal("expected a claim after completion to be detected as a duplicate")
	}
}

func TestSQLiteMarkSucceeded(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.MarkSucceeded(ctx, "t1"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", task.Status)
	}
}

func TestSQLiteMarkFailedForRetryReschedulesAndRequeues(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	if err := s.MarkFailedForRetry(ctx, "t1", "boom", next); err != nil {
		t.Fatalf("mark failed for retry: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Attempts != 0 {
		t.Fatalf("expected attempts untouched by MarkFailedForRetry, got %d", task.Attempts)
	}
	if task.Status != model.StatusRetrying {
		t.Fatalf("expected retrying status for retry, got %s", task.Status)
	}
	if task.LastError != "boom" {
		t.Fatalf("expected last_error recorded, got %q", task.LastError)
	}

	rows, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected retry outbox row to not be due yet, got %v", rows)
	}
}

func TestSQLiteMoveToDeadLetterAndPeek(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{"x":1}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 1,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := s.MoveToDeadLetter(ctx, "t1", "exhausted"); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusDead {
		t.Fatalf("expected dead status, got %s", task.Status)
	}

	n, err := s.CountDeadLetters(ctx)
	if err != nil {
		t.Fatalf("count dead letters: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dead letter, got %d", n)
	}

	entries, err := s.PeekDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("peek dead letters: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "t1" || entries[0].LastError != "exhausted" {
		t.Fatalf("unexpected dead letter entries: %+v", entries)
	}
}
