// Copyright 2025 James Ross

// Package admin exposes operational introspection and maintenance
// actions over the durable store and broker: queue depth stats, peeking
// the dead-letter list, and a synthetic-load benchmark, all built on the
// Store/Broker interfaces rather than a concrete backend.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/admission"
	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/store"
)

// StatsResult summarizes outbox backlog, pending broker deliveries, and
// dead-letter volume.
type StatsResult struct {
	PendingOutbox  int64 `json:"pending_outbox"`
	PendingDeliver int64 `json:"pending_deliveries"`
	DeadLetters    int64 `json:"dead_letters"`
}

// Stats samples the three counters an operator watches to tell a healthy
// pipeline from a backed-up one.
func Stats(ctx context.Context, s store.Store, b broker.Broker) (StatsResult, error) {
	var res StatsResult

	rows, err := s.PendingOutbox(ctx, outboxSampleLimit)
	if err != nil {
		return res, fmt.Errorf("sample pending outbox: %w", err)
	}
	res.PendingOutbox = int64(len(rows))
	if len(rows) == outboxSampleLimit {
		// The sample hit its cap; report it as a floor, not an exact count.
		res.PendingOutbox = -int64(len(rows))
	}

	pending, err := b.PendingCount(ctx)
	if err != nil {
		return res, fmt.Errorf("pending delivery count: %w", err)
	}
	res.PendingDeliver = pending

	dead, err := s.CountDeadLetters(ctx)
	if err != nil {
		return res, fmt.Errorf("count dead letters: %w", err)
	}
	res.DeadLetters = dead

	return res, nil
}

// outboxSampleLimit caps the PendingOutbox probe Stats issues; it is a
// health sample, not a full backlog scan.
const outboxSampleLimit = 1000

// DeadLetterEntry is the operator-facing view of a dead-lettered task.
type DeadLetterEntry struct {
	TaskID    string          `json:"task_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	DeadAt    time.Time       `json:"dead_at"`
}

// PeekDLQ returns up to n dead-letter rows, most recent first.
func PeekDLQ(ctx context.Context, s store.Store, n int) ([]DeadLetterEntry, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.PeekDeadLetters(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("peek dead letters: %w", err)
	}
	out := make([]DeadLetterEntry, len(rows))
	for i, r := range rows {
		out[i] = DeadLetterEntry{
			TaskID:    r.TaskID,
			Name:      r.Name,
			Payload:   r.Payload,
			Attempts:  r.Attempts,
			LastError: r.LastError,
			DeadAt:    r.DeadAt,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.After(out[j].DeadAt) })
	return out, nil
}

// RequeueDeadLetter resubmits a dead-lettered task's name and payload as a
// brand new admission with a fresh attempt budget. The submission goes
// through the normal dedup path: while the current window (widened by the
// clock skew) still yields the dead task's execution_key, Submit returns
// that existing task instead of creating a new one. It does not delete the
// original dead-letter row; that history stays put as an audit trail of the
// earlier exhaustion.
func RequeueDeadLetter(ctx context.Context, a *admission.Admitter, entry DeadLetterEntry, maxAttempts int) (admission.Result, error) {
	return a.Submit(ctx, admission.SubmitParams{
		Name:        entry.Name,
		Payload:     entry.Payload,
		MaxAttempts: maxAttempts,
	})
}

// BenchResult reports throughput and latency for a synthetic submission
// run used to load-test the admission path.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_tasks_per_sec"`
}

// Bench submits count synthetic tasks through the real admission path
// (hashing, windowing, rate limiting) and reports submission throughput.
// It does not wait for completion; pair it with Stats to watch the
// backlog drain.
func Bench(ctx context.Context, a *admission.Admitter, name string, count int, payloadSize int) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if payloadSize <= 0 {
		payloadSize = 32
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		payload, err := json.Marshal(map[string]any{
			"bench_index": i,
			"filler":      make([]byte, payloadSize),
		})
		if err != nil {
			return res, fmt.Errorf("marshal bench payload: %w", err)
		}
		if _, err := a.Submit(ctx, admission.SubmitParams{Name: name, Payload: payload}); err != nil {
			return res, fmt.Errorf("submit bench task %d: %w", i, err)
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}
	return res, nil
}
