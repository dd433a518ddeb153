package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/phrazzld/taskq/internal/store"
)

const namespace = "taskq"

// Heartbeat results
const (
	HeartbeatOK    = "ok"
	HeartbeatStale = "stale"
	HeartbeatError = "error"
)

// Metrics holds the worker-side instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	claims            *prometheus.CounterVec
	claimErrors       prometheus.Counter
	inFlight          *prometheus.GaugeVec
	executionDuration *prometheus.HistogramVec
	settlements       *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	recovered         *prometheus.CounterVec
	pruned            prometheus.Counter
}

// New registers the worker instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		claims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "claims_total",
			Help:      "Tasks claimed by this worker, by job kind.",
		}, []string{"job_kind"}),

		claimErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "claim_errors_total",
			Help:      "Claim attempts that failed with a store error.",
		}),

		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_inflight",
			Help:      "Tasks currently being executed by this worker.",
		}, []string{"job_kind"}),

		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "execution_duration_seconds",
			Help:      "Executor run time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"job_kind"}),

		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "settlements_total",
			Help:      "Settled attempts, by job kind and outcome.",
		}, []string{"job_kind", "outcome"}),

		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Lease extensions, by result.",
		}, []string{"result"}),

		recovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "recovered_total",
			Help:      "Expired leases reclaimed, by outcome.",
		}, []string{"outcome"}),

		pruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pruner",
			Name:      "deleted_total",
			Help:      "Audit rows deleted by the pruner.",
		}),
	}
}

// Claimed records a successful claim.
func (m *Metrics) Claimed(jobKind string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(jobKind).Inc()
}

// ClaimFailed records a claim that returned an error.
func (m *Metrics) ClaimFailed() {
	if m == nil {
		return
	}
	m.claimErrors.Inc()
}

// ExecutionStarted marks a task as in flight.
func (m *Metrics) ExecutionStarted(jobKind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(jobKind).Inc()
}

// ExecutionFinished clears the in-flight mark and observes the run time.
func (m *Metrics) ExecutionFinished(jobKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(jobKind).Dec()
	m.executionDuration.WithLabelValues(jobKind).Observe(d.Seconds())
}

// Settled records the outcome of a settlement: completed, retried, failed or stale.
func (m *Metrics) Settled(jobKind, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(jobKind, outcome).Inc()
}

// Heartbeat records one lease extension attempt.
func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// Recovered records the result of a recovery sweep.
func (m *Metrics) Recovered(res store.RecoverResult) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues("requeued").Add(float64(res.Requeued))
	m.recovered.WithLabelValues("failed").Add(float64(res.Failed))
}

// Pruned records the result of an audit prune.
func (m *Metrics) Pruned(res store.PruneResult) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(res.Deleted))
}
