// Copyright 2025 James Ross
package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/model"
)

// These exercise PostgresStore against a real database. They only run
// when TASKRUNNER_TEST_POSTGRES_DSN is set, the same env-var-gated
// pattern the rest of the pack uses for its Redis-backed e2e suite.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TASKRUNNER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKRUNNER_TEST_POSTGRES_DSN not set; skipping postgres store test")
	}
	s, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresCreateTaskDedupsWithinCandidateWindows(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	id1 := "pg-" + time.Now().UTC().Format("20060102150405.000000000")
	execKey := "echo:" + id1 + ":0"

	params := CreateTaskParams{
		ID: id1, Name: "echo", Payload: json.RawMessage(`{}`),
		PayloadHash: id1, ExecutionKey: execKey, MaxAttempts: 3,
		ScheduledAt: time.Now().UTC(),
	}
	first, found, err := s.CreateTask(ctx, params, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if found {
		t.Fatal("expected a fresh insert, not a dedup hit")
	}

	params2 := params
	params2.ID = id1 + "-dup"
	second, found2, err := s.CreateTask(ctx, params2, []string{execKey})
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

func TestPostgresFullLifecycle(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	id := "pg-lifecycle-" + time.Now().UTC().Format("20060102150405.000000000")
	execKey := "echo:" + id + ":0"

	if _, _, err := s.CreateTask(ctx, CreateTaskParams{
		ID: id, Name: "echo", Payload: json.RawMessage(`{"x":1}`),
		PayloadHash: id, ExecutionKey: execKey, MaxAttempts: 1,
		ScheduledAt: time.Now().UTC(),
	}, nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	rows, err := s.PendingOutbox(ctx, 100)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	var outboxID int64 = -1
	for _, r := range rows {
		if r.TaskID == id {
			outboxID = r.ID
		}
	}
	if outboxID == -1 {
		t.Fatalf("expected a pending outbox row for %s", id)
	}

	if err := s.MarkOutboxPublished(ctx, outboxID); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	already, err := s.ClaimForProcessing(ctx, id, execKey)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if already {
		t.Fatal("expected first claim to not be a duplicate")
	}

	if err := s.MoveToDeadLetter(ctx, id, "exhausted"); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusDead {
		t.Fatalf("expected dead status, got %s", task.Status)
	}

	entries, err := s.PeekDeadLetters(ctx, 100)
	if err != nil {
		t.Fatalf("peek dead letters: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.TaskID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among peeked dead letters", id)
	}
}
