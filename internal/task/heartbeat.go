package task

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskq/internal/platform/metrics"
	"github.com/phrazzld/taskq/internal/store"
)

// heartbeat extends a task's lease on a fixed interval while the task runs.
// When an extension reports the lease stale it calls onLost once and exits.
// Transient store errors are logged and retried on the next tick.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

type heartbeatConfig struct {
	store         store.TaskStore
	taskID        uuid.UUID
	leaseToken    string
	interval      time.Duration
	leaseDuration time.Duration
	onLost        func()
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func startHeartbeat(ctx context.Context, cfg heartbeatConfig) *heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)

		ticker := time.NewTicker(cfg.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := cfg.store.ExtendLease(ctx, cfg.taskID, cfg.leaseToken, cfg.leaseDuration)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				cfg.metrics.Heartbeat(metrics.HeartbeatError)
				cfg.logger.Warn("failed to extend lease", slog.String("error", err.Error()))
				continue
			}
			if !ok {
				cfg.metrics.Heartbeat(metrics.HeartbeatStale)
				cfg.logger.Warn("lease lost, cancelling execution")
				hb.lost.Store(true)
				if cfg.onLost != nil {
					cfg.onLost()
				}
				return
			}
			cfg.metrics.Heartbeat(metrics.HeartbeatOK)
		}
	}()

	return hb
}

// stop ends the heartbeat, waits for it to exit and reports whether the
// lease was lost while it ran.
func (hb *heartbeat) stop() bool {
	hb.cancel()
	<-hb.done
	return hb.lost.Load()
}
