package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/taskq/internal/platform/metrics"
	"github.com/phrazzld/taskq/internal/store"
)

// PrunerActor is recorded as the actor of scheduled audit prunes.
const PrunerActor = "audit-pruner"

// Pruner periodically deletes audit rows past the retention window.
type Pruner struct {
	store         store.TaskStore
	interval      time.Duration
	retentionDays int
	batchSize     int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewPruner creates a pruner. A retention of zero days or less disables it.
func NewPruner(
	s store.TaskStore,
	interval time.Duration,
	retentionDays int,
	batchSize int,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Pruner {
	return &Pruner{
		store:         s,
		interval:      interval,
		retentionDays: retentionDays,
		batchSize:     batchSize,
		logger:        logger.With(slog.String("component", "pruner")),
		metrics:       m,
	}
}

// Enabled reports whether the pruner has a retention window.
func (p *Pruner) Enabled() bool {
	return p.retentionDays > 0 && p.interval > 0
}

// Run prunes on every tick until ctx is cancelled. It returns at once when
// the pruner is disabled.
func (p *Pruner) Run(ctx context.Context) {
	if !p.Enabled() {
		p.logger.Info("audit pruning disabled")
		return
	}
	p.logger.Info("starting audit pruner",
		slog.Duration("interval", p.interval),
		slog.Int("retention_days", p.retentionDays))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("audit pruner stopped")
			return
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("audit prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Prune deletes one batch of expired audit rows.
func (p *Pruner) Prune(ctx context.Context) (store.PruneResult, error) {
	res, err := p.store.PruneAuditLogs(ctx, store.PruneInput{
		OlderThanDays: p.retentionDays,
		Limit:         p.batchSize,
		Actor:         PrunerActor,
	})
	if err != nil {
		return store.PruneResult{}, err
	}
	p.metrics.Pruned(res)
	return res, nil
}
