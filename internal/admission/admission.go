// Copyright 2025 James Ross

// Package admission implements create_task: hashing and window-bucketing
// a submitted payload, finding an existing task under the dedup window or
// inserting a new one.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flyingrobots/go-task-runner/internal/dedupe"
	"github.com/flyingrobots/go-task-runner/internal/model"
	"github.com/flyingrobots/go-task-runner/internal/store"
)

// SubmitParams is the caller-facing input to Submit: a name identifying
// which handler runs the task, its payload, and an optional ScheduledAt
// that is always exposed, defaulting to now when omitted.
type SubmitParams struct {
	Name        string
	Payload     json.RawMessage
	MaxAttempts int
	ScheduledAt *time.Time
}

// Result reports whether Submit returned a fresh task or an existing one
// found within the dedup window.
type Result struct {
	Task  model.Task
	Found bool
}

// Admitter runs create_task against a Store, rate-limiting submissions
// when configured.
type Admitter struct {
	store       store.Store
	windowMs    int64
	clockSkewMs int64
	defaultMax  int
	limiter     *rate.Limiter
}

// New constructs an Admitter. ratePerSec <= 0 disables throttling.
func New(s store.Store, windowMs, clockSkewMs int64, defaultMaxAttempts int, ratePerSec float64) *Admitter {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &Admitter{
		store:       s,
		windowMs:    windowMs,
		clockSkewMs: clockSkewMs,
		defaultMax:  defaultMaxAttempts,
		limiter:     lim,
	}
}

// Submit runs create_task: it waits for rate-limit admission, hashes and
// window-buckets the payload, and finds-or-creates the task row.
func (a *Admitter) Submit(ctx context.Context, p SubmitParams) (Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	hash, err := dedupe.Hash(p.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("hash payload: %w", err)
	}

	scheduledAt := time.Now().UTC()
	if p.ScheduledAt != nil {
		scheduledAt = p.ScheduledAt.UTC()
	}
	nowMs := scheduledAt.UnixMilli()

	windows := dedupe.CandidateWindows(nowMs, a.windowMs, a.clockSkewMs)
	candidateKeys := make([]string, len(windows))
	for i, w := range windows {
		candidateKeys[i] = dedupe.ExecutionKey(p.Name, hash, w)
	}

	windowStart := dedupe.WindowStart(nowMs, a.windowMs)
	executionKey := dedupe.ExecutionKey(p.Name, hash, windowStart)

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = a.defaultMax
	}

	task, found, err := a.store.CreateTask(ctx, store.CreateTaskParams{
		ID:            uuid.NewString(),
		Name:          p.Name,
		Payload:       p.Payload,
		PayloadHash:   hash,
		ExecutionKey:  executionKey,
		WindowStartMs: windowStart,
		MaxAttempts:   maxAttempts,
		ScheduledAt:   scheduledAt,
	}, candidateKeys)
	if err != nil {
		return Result{}, fmt.Errorf("create task: %w", err)
	}

	return Result{Task: task, Found: found}, nil
}
