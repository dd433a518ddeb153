package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskq/internal/config"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/platform/metrics"
	"github.com/phrazzld/taskq/internal/redact"
	"github.com/phrazzld/taskq/internal/store"
)

const (
	tracerName = "github.com/phrazzld/taskq/internal/task"

	// settleTimeout bounds settlement writes, which run detached from the
	// runner context so a shutdown does not drop them.
	settleTimeout = 30 * time.Second
)

// Settlement outcomes reported to metrics and logs
const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeStale     = "stale"
)

// ErrRunnerStarted is returned by Start when the runner is already running.
var ErrRunnerStarted = errors.New("runner already started")

// RunnerConfig holds configuration for the worker loop
type RunnerConfig struct {
	// WorkerID identifies this process in logs and spans
	WorkerID string

	// Concurrency is the number of claim slots, each running one task at a time
	Concurrency int

	// PollInterval is how long an idle slot waits before claiming again
	PollInterval time.Duration

	// LeaseDuration is the lease granted on claim and on every heartbeat
	LeaseDuration time.Duration

	// HeartbeatInterval is how often a running task's lease is extended.
	// Must be below LeaseDuration.
	HeartbeatInterval time.Duration

	RecoveryInterval  time.Duration
	RecoveryBatchSize int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	DefaultKindConcurrency int
	KindConcurrency        map[string]int
	DefaultKindMinInterval time.Duration
	KindMinInterval        map[string]time.Duration

	// JobKinds restricts claiming to these kinds. Empty means every kind.
	JobKinds []string

	// AuditRetentionDays of zero or less disables the pruner
	AuditRetentionDays int
	PruneInterval      time.Duration
	PruneBatchSize     int
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:            4,
		PollInterval:           time.Second,
		LeaseDuration:          60 * time.Second,
		HeartbeatInterval:      20 * time.Second,
		RecoveryInterval:       30 * time.Second,
		RecoveryBatchSize:      100,
		BackoffBase:            5 * time.Second,
		BackoffMax:             5 * time.Minute,
		DefaultKindConcurrency: 1,
		AuditRetentionDays:     30,
		PruneInterval:          time.Hour,
		PruneBatchSize:         1000,
	}
}

// RunnerConfigFromWorker maps the loaded worker configuration onto a RunnerConfig.
func RunnerConfigFromWorker(cfg config.WorkerConfig) RunnerConfig {
	return RunnerConfig{
		WorkerID:               cfg.ID,
		Concurrency:            cfg.Concurrency,
		PollInterval:           cfg.PollInterval,
		LeaseDuration:          cfg.LeaseDuration,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		RecoveryInterval:       cfg.RecoveryInterval,
		RecoveryBatchSize:      cfg.RecoveryBatchSize,
		BackoffBase:            cfg.BackoffBase,
		BackoffMax:             cfg.BackoffMax,
		DefaultKindConcurrency: cfg.DefaultKindConcurrency,
		KindConcurrency:        cfg.KindConcurrency,
		DefaultKindMinInterval: cfg.DefaultKindMinInterval,
		KindMinInterval:        cfg.KindMinInterval,
		JobKinds:               cfg.JobKinds,
		AuditRetentionDays:     cfg.AuditRetentionDays,
		PruneInterval:          cfg.PruneInterval,
		PruneBatchSize:         cfg.PruneBatchSize,
	}
}

// Runner claims tasks from the store and executes them. It runs a fixed
// number of claim slots next to a recovery sweeper and an audit pruner.
type Runner struct {
	store    store.TaskStore
	registry *Registry
	config   RunnerConfig
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	// baseLogger carries the worker id; logger adds the runner component.
	baseLogger *slog.Logger
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewRunner creates a new Runner. Non-positive intervals and counts fall
// back to DefaultRunnerConfig values.
func NewRunner(s store.TaskStore, registry *Registry, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if s == nil {
		panic("task store cannot be nil")
	}
	if registry == nil {
		panic("executor registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultRunnerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseDuration {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 3
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = defaults.RecoveryInterval
	}
	if cfg.RecoveryBatchSize <= 0 {
		cfg.RecoveryBatchSize = defaults.RecoveryBatchSize
	}
	if cfg.DefaultKindConcurrency <= 0 {
		cfg.DefaultKindConcurrency = defaults.DefaultKindConcurrency
	}

	base := logger.With(slog.String("worker_id", cfg.WorkerID))

	return &Runner{
		store:      s,
		registry:   registry,
		config:     cfg,
		tracer:     otel.Tracer(tracerName),
		baseLogger: base,
		logger:     base.With(slog.String("component", "runner")),
	}
}

// SetMetrics attaches worker metrics. A nil value disables them.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Config returns the effective configuration after defaults were applied.
func (r *Runner) Config() RunnerConfig {
	return r.config
}

// Run blocks until ctx is cancelled. Tasks in flight when ctx is cancelled
// are allowed to finish and are settled before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting runner",
		slog.Int("concurrency", r.config.Concurrency),
		slog.Duration("lease_duration", r.config.LeaseDuration),
		slog.Duration("heartbeat_interval", r.config.HeartbeatInterval),
		slog.Any("job_kinds", r.config.JobKinds),
		slog.Any("registered_kinds", r.registry.Kinds()))

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < r.config.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			r.slot(ctx, slot)
			return nil
		})
	}

	sweeper := NewSweeper(r.store, r.config.RecoveryInterval, store.RecoverOptions{
		Limit:       r.config.RecoveryBatchSize,
		BackoffBase: r.config.BackoffBase,
		BackoffMax:  r.config.BackoffMax,
	}, r.baseLogger, r.metrics)
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	pruner := NewPruner(r.store, r.config.PruneInterval, r.config.AuditRetentionDays,
		r.config.PruneBatchSize, r.baseLogger, r.metrics)
	g.Go(func() error {
		pruner.Run(ctx)
		return nil
	})

	err := g.Wait()
	r.logger.Info("runner stopped")
	return err
}

// Start runs the runner in the background.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrRunnerStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)

	go func(done chan<- error) {
		done <- r.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels a runner started with Start and waits for in-flight tasks
// to settle.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}

// slot claims and processes tasks one at a time until ctx is cancelled.
// After a successful claim it claims again at once; otherwise it waits one
// poll interval.
func (r *Runner) slot(ctx context.Context, id int) {
	logger := r.logger.With(slog.Int("slot", id))
	logger.Debug("starting slot")

	for {
		if ctx.Err() != nil {
			logger.Debug("stopping slot")
			return
		}

		processed, err := r.ProcessNext(ctx)
		switch {
		case err == nil || ctx.Err() != nil:
		case store.IsTransientError(err):
			logger.Warn("claim lost a transaction race", slog.String("error", redact.Error(err)))
		default:
			logger.Error("claim failed", slog.String("error", redact.Error(err)))
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			logger.Debug("stopping slot")
			return
		case <-time.After(r.config.PollInterval):
		}
	}
}

// ProcessNext claims one task and runs it to settlement. It reports whether
// a task was claimed. Only claim errors are returned; execution and
// settlement problems are recorded on the task and logged.
func (r *Runner) ProcessNext(ctx context.Context) (bool, error) {
	leaseToken := uuid.NewString()

	task, err := r.store.Claim(ctx, store.ClaimOptions{
		LeaseToken:             leaseToken,
		LeaseDuration:          r.config.LeaseDuration,
		KindConcurrency:        r.config.KindConcurrency,
		DefaultKindConcurrency: r.config.DefaultKindConcurrency,
		KindMinInterval:        r.config.KindMinInterval,
		DefaultKindMinInterval: r.config.DefaultKindMinInterval,
		JobKinds:               r.config.JobKinds,
	})
	if err != nil {
		r.metrics.ClaimFailed()
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	r.metrics.Claimed(task.JobKind)
	r.process(context.WithoutCancel(ctx), task, leaseToken)
	return true, nil
}

// process executes a claimed task and settles the outcome. ctx is detached
// from runner shutdown; only a lost lease cancels execution.
func (r *Runner) process(ctx context.Context, task *domain.Task, leaseToken string) {
	logger := r.logger.With(
		slog.String("task_id", task.ID.String()),
		slog.String("job_kind", task.JobKind),
		slog.String("trace_id", task.TraceID),
		slog.Int("attempt", task.AttemptCount),
	)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	hb := startHeartbeat(ctx, heartbeatConfig{
		store:         r.store,
		taskID:        task.ID,
		leaseToken:    leaseToken,
		interval:      r.config.HeartbeatInterval,
		leaseDuration: r.config.LeaseDuration,
		onLost:        cancelExec,
		logger:        logger,
		metrics:       r.metrics,
	})

	execCtx, span := r.tracer.Start(execCtx, "taskq.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", task.ID.String()),
			attribute.String("task.job_kind", task.JobKind),
			attribute.String("task.type", task.Type),
			attribute.String("task.trace_id", task.TraceID),
			attribute.Int("task.attempt", task.AttemptCount),
			attribute.String("worker.id", r.config.WorkerID),
		))
	defer span.End()

	logger.Info("executing task")
	r.metrics.ExecutionStarted(task.JobKind)
	start := time.Now()

	result, execErr := r.execute(execCtx, task)

	elapsed := time.Since(start)
	r.metrics.ExecutionFinished(task.JobKind, elapsed)
	lost := hb.stop()

	if lost {
		span.SetStatus(codes.Error, "lease lost")
		r.metrics.Settled(task.JobKind, outcomeStale)
		logger.Warn("lease lost during execution, outcome discarded",
			slog.Duration("duration", elapsed))
		return
	}

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	if execErr == nil {
		r.complete(settleCtx, task, leaseToken, result, elapsed, logger)
		return
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())
	r.settleFailure(settleCtx, task, leaseToken, execErr, elapsed, logger)
}

// execute looks up and runs the executor, converting a panic into a
// task error.
func (r *Runner) execute(ctx context.Context, task *domain.Task) (result json.RawMessage, err error) {
	exec, err := r.registry.Lookup(task.JobKind)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("executor panicked",
				slog.String("task_id", task.ID.String()),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = domain.NewTaskError(domain.ErrorCodeExecutionFailed, fmt.Sprintf("executor panicked: %v", rec)).
				WithContext("panic", true)
		}
	}()

	result, err = exec.Execute(ctx, task)
	if err == nil && len(result) > 0 && !json.Valid(result) {
		return nil, domain.NewTaskError(domain.ErrorCodeExecutionFailed, "executor returned a result that is not valid JSON")
	}
	return result, err
}

func (r *Runner) complete(
	ctx context.Context,
	task *domain.Task,
	leaseToken string,
	result json.RawMessage,
	elapsed time.Duration,
	logger *slog.Logger,
) {
	completed, err := r.store.Complete(ctx, task.ID, leaseToken, result)
	if err != nil {
		logger.Error("failed to complete task", slog.String("error", err.Error()))
		return
	}
	if completed == nil {
		r.metrics.Settled(task.JobKind, outcomeStale)
		logger.Warn("lease stale at completion, result discarded")
		return
	}

	r.metrics.Settled(task.JobKind, outcomeCompleted)
	logger.Info("task completed", slog.Duration("duration", elapsed))
}

func (r *Runner) settleFailure(
	ctx context.Context,
	task *domain.Task,
	leaseToken string,
	execErr error,
	elapsed time.Duration,
	logger *slog.Logger,
) {
	taskErr := domain.NormalizeError(execErr)
	backoff := domain.Backoff(task.AttemptCount, r.config.BackoffBase, r.config.BackoffMax)

	res, err := r.store.SettleFailure(ctx, task.ID, store.FailureInput{
		LeaseToken:   leaseToken,
		ErrorCode:    taskErr.Code,
		ErrorMessage: taskErr.Message,
		ErrorContext: taskErr.ContextJSON(),
		Retryable:    taskErr.Retryable(),
		Backoff:      backoff,
	})
	if err != nil {
		logger.Error("failed to settle task failure",
			slog.String("error_code", string(taskErr.Code)),
			slog.String("error", err.Error()))
		return
	}

	logger = logger.With(
		slog.String("error_code", string(taskErr.Code)),
		slog.String("error_message", redact.String(taskErr.Message)),
		slog.Duration("duration", elapsed))

	switch res.Outcome {
	case store.SettleOutcomeRetried:
		r.metrics.Settled(task.JobKind, outcomeRetried)
		logger.Warn("task failed, retry scheduled", slog.Duration("backoff", backoff))
	case store.SettleOutcomeFailed:
		r.metrics.Settled(task.JobKind, outcomeFailed)
		logger.Error("task failed permanently", slog.Bool("dead_lettered", res.DeadLettered))
	default:
		r.metrics.Settled(task.JobKind, outcomeStale)
		logger.Warn("lease stale at failure settlement, outcome discarded")
	}
}
