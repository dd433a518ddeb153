package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phrazzld/taskq/internal/store"
)

const collectTimeout = 5 * time.Second

var (
	tasksByStatusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "tasks"),
		"Tasks in the queue store, by status.",
		[]string{"status"}, nil,
	)
	tasksByKindDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "kind_tasks"),
		"Tasks in the queue store, by job kind and status.",
		[]string{"job_kind", "status"}, nil,
	)
	scrapeErrorDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "scrape_error"),
		"1 if the last read of the queue store failed.",
		nil, nil,
	)
)

// QueueCollector exposes queue depth read from the store at scrape time.
type QueueCollector struct {
	stats  store.QueueStats
	logger *slog.Logger
}

var _ prometheus.Collector = (*QueueCollector)(nil)

// NewQueueCollector creates a collector over stats.
func NewQueueCollector(stats store.QueueStats, logger *slog.Logger) *QueueCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueCollector{
		stats:  stats,
		logger: logger.With(slog.String("component", "queue_collector")),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tasksByStatusDesc
	ch <- tasksByKindDesc
	ch <- scrapeErrorDesc
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	failed := 0.0

	byStatus, err := c.stats.CountByStatus(ctx)
	if err != nil {
		c.logger.Error("failed to count tasks by status", slog.String("error", err.Error()))
		failed = 1
	}
	for status, n := range byStatus {
		ch <- prometheus.MustNewConstMetric(tasksByStatusDesc, prometheus.GaugeValue, float64(n), string(status))
	}

	byKind, err := c.stats.CountByKind(ctx)
	if err != nil {
		c.logger.Error("failed to count tasks by kind", slog.String("error", err.Error()))
		failed = 1
	}
	for _, kc := range byKind {
		ch <- prometheus.MustNewConstMetric(tasksByKindDesc, prometheus.GaugeValue,
			float64(kc.Count), kc.JobKind, string(kc.Status))
	}

	ch <- prometheus.MustNewConstMetric(scrapeErrorDesc, prometheus.GaugeValue, failed)
}
