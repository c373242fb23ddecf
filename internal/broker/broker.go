// Copyright 2025 James Ross

// Package broker wraps a Redis stream and consumer group as the
// at-least-once transport dispatch_task publishes onto and workers read
// from.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a single delivery read off the stream, carrying the
// broker-assigned message id a worker must ack or let go stale for claim.
type Message struct {
	ID   string
	Body string
}

// StreamMaxLen bounds the main task stream (and the DLQ stream) to roughly
// this many entries via XAdd's approximate trimming, so a stalled consumer
// group doesn't grow the stream unbounded.
const StreamMaxLen = 10000

// Broker is the transport boundary the dispatcher and worker depend on
// instead of a concrete Redis client, so tests can swap in a fake.
type Broker interface {
	EnsureGroup(ctx context.Context) error
	// Publish appends body to the task stream and returns the broker-
	// assigned entry id, so the caller can persist it as an idempotency
	// marker ahead of any further state transition.
	Publish(ctx context.Context, body string) (string, error)
	// PublishDLQ appends body to the dead-letter stream. Unlike Publish,
	// no caller currently needs the returned id, so it only reports error.
	PublishDLQ(ctx context.Context, body string) error
	ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, id string) error
	ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error)
	PendingCount(ctx context.Context) (int64, error)
}

// RedisStreamsBroker implements Broker over a single Redis stream and
// consumer group, narrowed to one stream per process role, plus a second
// stream for dead-lettered tasks.
type RedisStreamsBroker struct {
	client    *redis.Client
	stream    string
	group     string
	dlqStream string
}

func NewRedisStreamsBroker(client *redis.Client, stream, group, dlqStream string) *RedisStreamsBroker {
	return &RedisStreamsBroker{client: client, stream: stream, group: group, dlqStream: dlqStream}
}

// EnsureGroup creates the consumer group at the start of the stream,
// creating the stream itself first if it doesn't exist yet.
func (b *RedisStreamsBroker) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (b *RedisStreamsBroker) Publish(ctx context.Context, body string) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		ID:     "*",
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"body": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}

// PublishDLQ writes to a separate stream from the main task stream so a
// dead-lettered task is durably recorded on the transport even if nothing
// is actively consuming it yet (admin.PeekDLQ reads from the store, but the
// stream gives an external consumer its own at-least-once feed).
func (b *RedisStreamsBroker) PublishDLQ(ctx context.Context, body string) error {
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.dlqStream,
		ID:     "*",
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"body": body},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish dlq: %w", err)
	}
	return nil
}

func (b *RedisStreamsBroker) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{b.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toMessages(res[0].Messages), nil
}

func toMessages(entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		body, _ := e.Values["body"].(string)
		out = append(out, Message{ID: e.ID, Body: body})
	}
	return out
}

func (b *RedisStreamsBroker) Ack(ctx context.Context, id string) error {
	if err := b.client.XAck(ctx, b.stream, b.group, id).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// ClaimStale takes ownership of messages that have sat pending longer
// than minIdle, the crash-recovery path for a worker that died mid-claim
// without acking.
func (b *RedisStreamsBroker) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending: %w", err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim: %w", err)
	}
	return toMessages(claimed), nil
}

func (b *RedisStreamsBroker) PendingCount(ctx context.Context) (int64, error) {
	summary, err := b.client.XPending(ctx, b.stream, b.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending summary: %w", err)
	}
	return summary.Count, nil
}
