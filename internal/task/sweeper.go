package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/taskq/internal/platform/metrics"
	"github.com/phrazzld/taskq/internal/store"
)

// maxSweepBatches bounds how many full batches one sweep drains before
// yielding to the next tick.
const maxSweepBatches = 10

// Sweeper periodically reclaims tasks whose lease expired without settlement.
type Sweeper struct {
	store    store.TaskStore
	interval time.Duration
	opts     store.RecoverOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(
	s store.TaskStore,
	interval time.Duration,
	opts store.RecoverOptions,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Sweeper {
	return &Sweeper{
		store:    s,
		interval: interval,
		opts:     opts,
		logger:   logger.With(slog.String("component", "sweeper")),
		metrics:  m,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("starting recovery sweeper", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep recovers expired leases, repeating while batches come back full.
// The returned result is the total over all batches.
func (s *Sweeper) Sweep(ctx context.Context) (store.RecoverResult, error) {
	limit := s.opts.Limit
	var total store.RecoverResult

	for i := 0; i < maxSweepBatches; i++ {
		res, err := s.store.Recover(ctx, s.opts)
		if err != nil {
			return total, err
		}
		s.metrics.Recovered(res)

		total.Processed += res.Processed
		total.Requeued += res.Requeued
		total.Failed += res.Failed

		if limit <= 0 || res.Processed < limit || ctx.Err() != nil {
			break
		}
	}

	if total.Processed > 0 {
		s.logger.Info("expired leases recovered",
			slog.Int("processed", total.Processed),
			slog.Int("requeued", total.Requeued),
			slog.Int("failed", total.Failed))
	}
	return total, nil
}
