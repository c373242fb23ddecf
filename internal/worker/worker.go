// Copyright 2025 James Ross

// Package worker runs the per-process consume loop: read_group, inbox
// claim, handler execution under a wall-clock timeout, and finalize
// (succeed/retry/dead-letter) over stream/consumer-group semantics.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-task-runner/internal/breaker"
	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/config"
	"github.com/flyingrobots/go-task-runner/internal/handlers"
	"github.com/flyingrobots/go-task-runner/internal/obs"
	"github.com/flyingrobots/go-task-runner/internal/queue"
	"github.com/flyingrobots/go-task-runner/internal/retry"
	"github.com/flyingrobots/go-task-runner/internal/store"
)

type Worker struct {
	cfg      *config.Config
	broker   broker.Broker
	store    store.Store
	registry *handlers.Registry
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	baseID   string
}

func New(cfg *config.Config, b broker.Broker, s store.Store, registry *handlers.Registry, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	return &Worker{cfg: cfg, broker: b, store: s, registry: registry, log: log, cb: cb, baseID: base}
}

// Run starts cfg.Worker.Count cooperative loops, each its own consumer
// name under the shared consumer group, and blocks until ctx is done.
// Parallelism is goroutine-level per worker identity; real horizontal
// parallelism comes from running multiple such processes under the same
// group.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", w.baseID, i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, consumer)
		}()
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

// runOne is one cooperative loop: claim stale deliveries left behind by a
// crashed consumer, then read new ones. The circuit breaker gates
// broker-transport errors only, since a handler failure is a normal
// outcome the retry/dead-letter path handles, not a transport fault.
func (w *Worker) runOne(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(1 * time.Second)
			continue
		}

		if claimed, err := w.broker.ClaimStale(ctx, consumer, w.cfg.Worker.ClaimMinIdle, 50); err != nil {
			w.cb.Record(false)
			w.log.Warn("claim stale failed", obs.Err(err))
		} else {
			for _, msg := range claimed {
				w.handleDelivery(ctx, consumer, msg)
			}
		}

		ctx2, span := obs.StartConsumeSpan(ctx, "tasks")
		msgs, err := w.broker.ReadGroup(ctx2, consumer, 1, w.cfg.Worker.ReadBlock)
		if err != nil {
			obs.RecordError(ctx2, err)
			span.End()
			w.cb.Record(false)
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("read group failed", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		obs.SetSpanSuccess(ctx2)
		span.End()
		w.cb.Record(true)

		for _, msg := range msgs {
			w.handleDelivery(ctx, consumer, msg)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, consumer string, delivery broker.Message) {
	msg, err := queue.Unmarshal(delivery.Body)
	if err != nil {
		w.log.Error("invalid message payload, acking to avoid poison pill", obs.Err(err))
		if ackErr := w.broker.Ack(ctx, delivery.ID); ackErr != nil {
			w.log.Error("ack decode-failure message", obs.Err(ackErr))
		}
		obs.TasksFailure.Inc()
		return
	}

	ctx, span := obs.ContextWithMessageSpan(ctx, msg)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", consumer))

	already, err := w.store.ClaimForProcessing(ctx, msg.TaskID, msg.ExecutionKey)
	if err != nil {
		obs.RecordError(ctx, err)
		w.log.Error("claim for processing failed", obs.Err(err), obs.String("task_id", msg.TaskID))
		return
	}
	if already {
		// This execution_key already finished: a redelivery under any
		// broker delivery id collapses onto the same inbox row, so ack
		// and skip without re-running the handler.
		obs.TasksSkipped.Inc()
		if err := w.broker.Ack(ctx, delivery.ID); err != nil {
			w.log.Error("ack duplicate delivery", obs.Err(err))
		}
		obs.SetSpanSuccess(ctx)
		return
	}

	fn, err := w.registry.Lookup(msg.Name)
	if err != nil {
		w.finalizeFailure(ctx, msg, delivery.ID, err)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, w.cfg.Worker.HandlerTimeout)
	defer cancel()

	start := time.Now()
	_, runErr := fn(hctx, msg.Payload)
	obs.TaskDuration.Observe(time.Since(start).Seconds())
	obs.AttemptsTotal.Inc()

	if runErr != nil {
		w.finalizeFailure(ctx, msg, delivery.ID, runErr)
		return
	}

	if err := w.store.MarkSucceeded(ctx, msg.TaskID); err != nil {
		obs.RecordError(ctx, err)
		w.log.Error("mark succeeded failed", obs.Err(err), obs.String("task_id", msg.TaskID))
		return
	}
	if err := w.broker.Ack(ctx, delivery.ID); err != nil {
		w.log.Error("ack succeeded message", obs.Err(err))
	}
	obs.TasksSuccess.Inc()
	obs.SetSpanSuccess(ctx)
	w.log.Info("task succeeded", obs.String("task_id", msg.TaskID), obs.String("name", msg.Name))
}

func (w *Worker) finalizeFailure(ctx context.Context, msg queue.Message, deliveryID string, runErr error) {
	obs.RecordError(ctx, runErr)
	obs.TasksFailure.Inc()

	task, err := w.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		w.log.Error("get task for failure finalize", obs.Err(err), obs.String("task_id", msg.TaskID))
		return
	}

	if retry.ShouldDeadLetter(task.Attempts, task.MaxAttempts) {
		if err := w.store.MoveToDeadLetter(ctx, msg.TaskID, runErr.Error()); err != nil {
			w.log.Error("move to dead letter failed", obs.Err(err), obs.String("task_id", msg.TaskID))
			return
		}
		dlq := queue.DeadLetterMessage{
			TaskID:      msg.TaskID,
			Name:        msg.Name,
			Payload:     msg.Payload,
			Attempts:    task.Attempts,
			MaxAttempts: task.MaxAttempts,
			LastError:   runErr.Error(),
			DeadAt:      time.Now().UTC().Format(time.RFC3339Nano),
		}
		if body, merr := dlq.Marshal(); merr != nil {
			w.log.Error("marshal dlq envelope", obs.Err(merr), obs.String("task_id", msg.TaskID))
		} else if perr := w.broker.PublishDLQ(ctx, body); perr != nil {
			w.log.Error("publish to dlq stream", obs.Err(perr), obs.String("task_id", msg.TaskID))
		}
		if err := w.broker.Ack(ctx, deliveryID); err != nil {
			w.log.Error("ack dead-lettered message", obs.Err(err))
		}
		obs.DLQSize.Inc()
		w.log.Error("task dead-lettered", obs.String("task_id", msg.TaskID), obs.String("name", msg.Name), obs.Err(runErr))
		return
	}

	delay := retry.Backoff(task.Attempts, time.Duration(w.cfg.Worker.Backoff.BaseMs)*time.Millisecond, w.cfg.Worker.Backoff.Multiplier)
	next := time.Now().UTC().Add(delay)
	if err := w.store.MarkFailedForRetry(ctx, msg.TaskID, runErr.Error(), next); err != nil {
		w.log.Error("mark failed for retry", obs.Err(err), obs.String("task_id", msg.TaskID))
		return
	}
	if err := w.broker.Ack(ctx, deliveryID); err != nil {
		w.log.Error("ack retried message", obs.Err(err))
	}
	w.log.Warn("task scheduled for retry", obs.String("task_id", msg.TaskID), obs.Int("attempt", task.Attempts), obs.Err(runErr))
}
