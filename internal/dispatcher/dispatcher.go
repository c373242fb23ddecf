// Copyright 2025 James Ross

// Package dispatcher implements dispatch_task and flush_due: draining
// unpublished outbox rows onto the broker stream, guarded by the
// SKIP LOCKED row-locking pattern against concurrent dispatchers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/model"
	"github.com/flyingrobots/go-task-runner/internal/obs"
	"github.com/flyingrobots/go-task-runner/internal/queue"
	"github.com/flyingrobots/go-task-runner/internal/retry"
	"github.com/flyingrobots/go-task-runner/internal/store"
	"go.uber.org/zap"
)

// outboxBackoffBase/outboxBackoffMultiplier back off a row whose publish
// attempt failed against the broker, independent of the task's own
// handler-retry backoff, which only applies once the task has actually
// reached a worker.
const (
	outboxBackoffBase       = 250 * time.Millisecond
	outboxBackoffMultiplier = 2.0
)

type Dispatcher struct {
	store  store.Store
	broker broker.Broker
	log    *zap.Logger
}

func New(s store.Store, b broker.Broker, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: s, broker: b, log: log}
}

// FlushDue publishes up to limit due outbox rows and returns how many it
// published. It checks ctx before fetching each batch and stops early once
// ctx is done, a best-effort termination rather than a hard deadline
// guarantee: every row of a batch already fetched when ctx expires is still
// attempted.
func (d *Dispatcher) FlushDue(ctx context.Context, limit int) (int, error) {
	const batchSize = 100
	published := 0
	for published < limit {
		select {
		case <-ctx.Done():
			return published, ctx.Err()
		default:
		}

		want := min(limit-published, batchSize)
		batch, err := d.store.PendingOutbox(ctx, want)
		if err != nil {
			return published, fmt.Errorf("pending outbox: %w", err)
		}
		if len(batch) == 0 {
			return published, nil
		}

		for _, row := range batch {
			if err := d.dispatchOne(ctx, row); err != nil {
				d.log.Error("dispatch task failed", zap.String("task_id", row.TaskID), zap.Error(err))
				continue
			}
			published++
		}

		if len(batch) < want {
			// Caught up: fewer rows than asked for means nothing else is due.
			break
		}
	}
	return published, nil
}

// dispatchOne publishes row's task, or finishes a publish that already
// reached the broker on a prior attempt. If row.StreamID is already set,
// the broker accepted the entry but a crash (or error) happened before
// MarkOutboxPublished ran, so this call only needs to finish that
// transition rather than publish a second stream entry for the same row.
func (d *Dispatcher) dispatchOne(ctx context.Context, row model.Outbox) error {
	if row.StreamID != "" {
		if err := d.store.MarkOutboxPublished(ctx, row.ID); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		return nil
	}

	task, err := d.store.GetTask(ctx, row.TaskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	traceID, spanID := obs.NewTraceAndSpanID()
	ctx, span := obs.StartDispatchSpan(ctx, "tasks")
	defer span.End()

	msg := queue.Message{
		TaskID:       task.ID,
		Name:         task.Name,
		Payload:      task.Payload,
		ExecutionKey: task.ExecutionKey,
		Attempt:      task.Attempts + 1,
		TraceID:      traceID,
		SpanID:       spanID,
	}
	body, err := msg.Marshal()
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("marshal message: %w", err)
	}

	streamID, err := d.broker.Publish(ctx, body)
	if err != nil {
		obs.RecordError(ctx, err)
		backoff := retry.Backoff(row.DeliveryAttempts+1, outboxBackoffBase, outboxBackoffMultiplier)
		if ferr := d.store.MarkOutboxAttemptFailed(ctx, row.ID, time.Now().UTC().Add(backoff)); ferr != nil {
			d.log.Error("mark outbox attempt failed", zap.String("task_id", task.ID), zap.Error(ferr))
		}
		return fmt.Errorf("publish: %w", err)
	}

	if err := d.store.RecordOutboxStreamID(ctx, row.ID, streamID, time.Now().UTC()); err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("record stream id: %w", err)
	}

	if err := d.store.MarkOutboxPublished(ctx, row.ID); err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("mark published: %w", err)
	}

	obs.SetSpanSuccess(ctx)
	d.log.Debug("dispatched task", zap.String("task_id", task.ID), zap.String("name", task.Name), zap.String("stream_id", streamID))
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
