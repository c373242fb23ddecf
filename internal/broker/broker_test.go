// Copyright 2025 James Ross
package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) (*RedisStreamsBroker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := NewRedisStreamsBroker(rdb, "tasks:stream", "tasks:workers", "tasks:dlq")
	if err := b.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return b, mr
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	if err := b.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("expected re-creating an existing group to be a no-op, got %v", err)
	}
}

func TestPublishAndReadGroupRoundTrips(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	streamID, err := b.Publish(ctx, `{"task_id":"t1"}`)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if streamID == "" {
		t.Fatal("expected a non-empty stream entry id")
	}

	msgs, err := b.ReadGroup(ctx, "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Body != `{"task_id":"t1"}` {
		t.Fatalf("unexpected body: %s", msgs[0].Body)
	}
	if msgs[0].ID != streamID {
		t.Fatalf("expected delivery id to match returned publish id, got %s vs %s", msgs[0].ID, streamID)
	}
}

func TestReadGroupReturnsNoneWhenStreamEmpty(t *testing.T) {
	b, _ := newTestBroker(t)
	msgs, err := b.ReadGroup(context.Background(), "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestAckRemovesFromPending(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "body"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := b.ReadGroup(ctx, "worker-1", 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read group: %v %v", msgs, err)
	}

	count, err := b.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending entry before ack, got %d", count)
	}

	if err := b.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	count, err = b.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count after ack: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 pending entries after ack, got %d", count)
	}
}

func TestClaimStaleRecoversIdleDelivery(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "body"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.ReadGroup(ctx, "dead-worker", 10, 0); err != nil {
		t.Fatalf("read group: %v", err)
	}

	mr.FastForward(time.Hour)

	claimed, err := b.ClaimStale(ctx, "worker-2", time.Second, 10)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 reclaimed message, got %d", len(claimed))
	}
}

func TestClaimStaleIgnoresFreshDelivery(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "body"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.ReadGroup(ctx, "worker-1", 10, 0); err != nil {
		t.Fatalf("read group: %v", err)
	}

	claimed, err := b.ClaimStale(ctx, "worker-2", time.Hour, 10)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no reclaimed messages for a fresh delivery, got %d", len(claimed))
	}
}

func TestPublishDLQWritesToSeparateStream(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.PublishDLQ(ctx, `{"task_id":"t1","last_error":"boom"}`); err != nil {
		t.Fatalf("publish dlq: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: b.client.Options().Addr})
	defer rdb.Close()
	entries, err := rdb.XRange(ctx, "tasks:dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange dlq stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry on the dlq stream, got %d", len(entries))
	}

	mainEntries, err := rdb.XRange(ctx, "tasks:stream", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange main stream: %v", err)
	}
	if len(mainEntries) != 0 {
		t.Fatalf("expected the main stream untouched by a dlq publish, got %d entries", len(mainEntries))
	}
}

func TestPendingCountZeroWithNoGroupActivity(t *testing.T) {
	b, _ := newTestBroker(t)
	count, err := b.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}
