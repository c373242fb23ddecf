// Copyright 2025 James Ross

// Package reaper recovers deliveries abandoned by a crashed worker: it
// periodically claims stream entries that have sat pending past the
// configured idle threshold and re-publishes them as fresh entries via
// XCLAIM-based stream recovery.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/config"
	"github.com/flyingrobots/go-task-runner/internal/obs"
)

const reaperConsumer = "reaper"

type Reaper struct {
	cfg    *config.Config
	broker broker.Broker
	log    *zap.Logger
}

func New(cfg *config.Config, b broker.Broker, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, broker: b, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	claimed, err := r.broker.ClaimStale(ctx, reaperConsumer, r.cfg.Worker.ClaimMinIdle, 100)
	if err != nil {
		r.log.Warn("reaper claim error", obs.Err(err))
		return
	}

	for _, msg := range claimed {
		if _, err := r.broker.Publish(ctx, msg.Body); err != nil {
			r.log.Error("reaper republish failed", obs.Err(err))
			continue
		}
		if err := r.broker.Ack(ctx, msg.ID); err != nil {
			r.log.Error("reaper ack stale entry failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("recovered abandoned delivery", obs.String("message_id", msg.ID))
	}
}
