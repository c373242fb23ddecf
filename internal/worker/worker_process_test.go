//go:build worker_tests
// +build worker_tests

// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/config"
	"github.com/flyingrobots/go-task-runner/internal/handlers"
	"github.com/flyingrobots/go-task-runner/internal/queue"
	"github.com/flyingrobots/go-task-runner/internal/store"
)

// fakeBroker is an in-memory stand-in for RedisStreamsBroker, letting the
// worker pipeline be exercised without miniredis stream plumbing.
type fakeBroker struct {
	mu     sync.Mutex
	queue  []broker.Message
	acked  map[string]bool
	nextID int
	dlq    []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{acked: make(map[string]bool)}
}

func (f *fakeBroker) EnsureGroup(ctx context.Context) error { return nil }

func (f *fakeBroker) Publish(ctx context.Context, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := time.Now().Format("150405.000000")
	f.queue = append(f.queue, broker.Message{ID: id, Body: body})
	return id, nil
}

func (f *fakeBroker) PublishDLQ(ctx context.Context, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, body)
	return nil
}

func (f *fakeBroker) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]broker.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	n := int(count)
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeBroker) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[id] = true
	return nil
}

func (f *fakeBroker) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]broker.Message, error) {
	return nil, nil
}

func (f *fakeBroker) PendingCount(ctx context.Context) (int64, error) { return 0, nil }

func setupWorkerTest(t *testing.T) (*Worker, *store.MemoryStore, *fakeBroker) {
	t.Helper()
	cfg, _ := config.Load("nonexistent.yaml")
	cfg.Worker.Backoff.BaseMs = 1
	cfg.Worker.Backoff.Multiplier = 1.0
	cfg.Worker.HandlerTimeout = time.Second
	cfg.Worker.ClaimMinIdle = time.Minute

	s := store.NewMemoryStore()
	b := newFakeBroker()
	registry := handlers.NewRegistry()
	log, _ := zap.NewDevelopment()
	w := New(cfg, b, s, registry, log)
	return w, s, b
}

var errAlwaysFails = errors.New("handler always fails")

func TestHandleDeliverySuccess(t *testing.T) {
	w, s, b := setupWorkerTest(t)
	ctx := context.Background()

	task, _, err := s.CreateTask(ctx, store.CreateTaskParams{
		ID: "t1", Name: "echo", Payload: json.RawMessage(`{"x":1}`),
		PayloadHash: "h1", ExecutionKey: "echo:h1:0", MaxAttempts: 3,
		ScheduledAt: time.Now().UTC(),
	}, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	msg := queue.Message{TaskID: task.ID, Name: "echo", Payload: task.Payload, ExecutionKey: task.ExecutionKey, Attempt: 1}
	body, _ := msg.Marshal()

	w.handleDelivery(ctx, "consumer-1", broker.Message{ID: "1-0", Body: body})

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if !b.acked["1-0"] {
		t.Fatalf("expected delivery acked")
	}
}

func TestHandleDeliveryRetryThenDeadLetter(t *testing.T) {
	w, s, b := setupWorkerTest(t)
	w.registry.Register("always-fails", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errAlwaysFails
	})
	ctx := context.Background()

	task, _, err := s.CreateTask(ctx, store.CreateTaskParams{
		ID: "t2", Name: "always-fails", Payload: json.RawMessage(`{}`),
		PayloadHash: "h2", ExecutionKey: "always-fails:h2:0", MaxAttempts: 2,
		ScheduledAt: time.Now().UTC(),
	}, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	msg := queue.Message{TaskID: task.ID, Name: "always-fails", Payload: task.Payload, ExecutionKey: task.ExecutionKey, Attempt: 1}
	body, _ := msg.Marshal()
	w.handleDelivery(ctx, "consumer-1", broker.Message{ID: "1-0", Body: body})

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "retrying" {
		t.Fatalf("expected retrying after first failure, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}

	msg2 := queue.Message{TaskID: task.ID, Name: "always-fails", Payload: task.Payload, ExecutionKey: task.ExecutionKey, Attempt: 2}
	body2, _ := msg2.Marshal()
	w.handleDelivery(ctx, "consumer-1", broker.Message{ID: "2-0", Body: body2})

	got2, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got2.Status != "dead" {
		t.Fatalf("expected dead, got %s", got2.Status)
	}

	n, err := s.CountDeadLetters(ctx)
	if err != nil {
		t.Fatalf("count dead letters: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dead letter, got %d", n)
	}

	if !b.acked["1-0"] || !b.acked["2-0"] {
		t.Fatalf("expected both deliveries acked")
	}
	if len(b.dlq) != 1 {
		t.Fatalf("expected 1 message published to the dlq stream, got %d", len(b.dlq))
	}
}
