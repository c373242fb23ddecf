// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartDLQSampler periodically samples dead-letter count via the supplied
// callback (internal/store's CountDeadLetters) and updates the DLQSize
// gauge, the process-wide view of the dead-letter backlog.
func StartDLQSampler(ctx context.Context, interval time.Duration, count func(context.Context) (int64, error), log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := count(ctx)
				if err != nil {
					log.Debug("dlq sample error", Err(err))
					continue
				}
				DLQSize.Set(float64(n))
			}
		}
	}()
}
