package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
)

// TaskStore is the persistence contract of the queue engine. Every method is
// a single atomic transaction against the shared store; it is the only
// coordination point between worker processes.
// Version: 1.0
type TaskStore interface {
	// Enqueue inserts a queued task. When an idempotency key is given and a
	// task with the same (episode, job kind, key) already exists, the existing
	// task is returned with created=false and nothing is written.
	Enqueue(ctx context.Context, input EnqueueInput) (task *domain.Task, created bool, err error)

	// GetTask retrieves a task by id.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetDeadLetter retrieves the dead-letter record of a task.
	// Returns ErrDeadLetterNotFound if there is none.
	GetDeadLetter(ctx context.Context, taskID uuid.UUID) (*domain.TaskDeadLetter, error)

	// Claim picks the next eligible queued task, honoring per-kind
	// concurrency and minimum re-claim interval, marks it running and leases
	// it under opts.LeaseToken. Returns nil, nil when nothing is eligible.
	Claim(ctx context.Context, opts ClaimOptions) (*domain.Task, error)

	// ExtendLease pushes the lease expiry of a running task forward. It
	// returns false when the lease is stale: the token does not match, the
	// lease already expired, or the task is no longer running.
	ExtendLease(ctx context.Context, taskID uuid.UUID, leaseToken string, d time.Duration) (bool, error)

	// Complete marks a leased task completed with the given result.
	// Returns nil, nil when the lease is stale; the result is then discarded.
	Complete(ctx context.Context, taskID uuid.UUID, leaseToken string, result json.RawMessage) (*domain.Task, error)

	// SettleFailure records a failed attempt and decides between requeue with
	// backoff and terminal failure with a dead letter.
	SettleFailure(ctx context.Context, taskID uuid.UUID, input FailureInput) (SettleResult, error)

	// Recover reclaims running tasks whose lease expired without settlement.
	Recover(ctx context.Context, opts RecoverOptions) (RecoverResult, error)

	// RetryTask requeues a failed or cancelled task from scratch, removing its
	// dead letter and writing an audit entry. Returns nil, nil when the task
	// is not in a retryable state, ErrTaskNotFound when it does not exist.
	RetryTask(ctx context.Context, taskID uuid.UUID, opts RetryOptions) (*domain.Task, error)

	// RetryDeadLetters retries the dead-lettered tasks matching the filter.
	RetryDeadLetters(ctx context.Context, input BulkRetryInput) (BulkRetryResult, error)

	// PreviewDeadLetterMatches reports what RetryDeadLetters would select,
	// without side effects.
	PreviewDeadLetterMatches(ctx context.Context, filter DeadLetterFilter, page Page) (DeadLetterPreview, error)

	// PruneAuditLogs deletes a bounded batch of old audit rows.
	PruneAuditLogs(ctx context.Context, input PruneInput) (PruneResult, error)

	// CancelTask moves a queued or running task to cancelled. Returns nil, nil
	// when the task is in any other state.
	CancelTask(ctx context.Context, taskID uuid.UUID, actor string) (*domain.Task, error)
}

// QueueStats exposes read-only aggregations over the queue tables.
type QueueStats interface {
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error)
	CountByKind(ctx context.Context) ([]KindCount, error)
	ListRecentFailures(ctx context.Context, limit int) ([]*domain.Task, error)
	ListRecentDeadLetters(ctx context.Context, limit int) ([]*domain.TaskDeadLetter, error)
	ListAuditLogs(ctx context.Context, filter AuditFilter, page Page) ([]*domain.TaskAuditLog, int64, error)
}

// EnqueueInput describes a new task.
type EnqueueInput struct {
	EpisodeID      string          `validate:"required,max=200"`
	ShotID         *string         `validate:"omitempty,max=200"`
	Type           string          `validate:"required,max=100"`
	JobKind        string          `validate:"required,max=200"`
	TraceID        string          `validate:"max=200"`
	IdempotencyKey *string         `validate:"omitempty,min=1,max=200"`
	MaxAttempts    int             `validate:"gte=0,lte=1000"`
	Payload        json.RawMessage `validate:"omitempty"`
	// NotBefore delays the first attempt. Zero means immediately.
	NotBefore time.Time
}

// ClaimOptions configures a single claim.
type ClaimOptions struct {
	LeaseToken    string
	LeaseDuration time.Duration

	// KindConcurrency caps running tasks per job kind; kinds without an entry
	// use DefaultKindConcurrency. Limits below one are raised to one.
	KindConcurrency        map[string]int
	DefaultKindConcurrency int

	// KindMinInterval is the minimum time between two claims of the same
	// job kind; kinds without an entry use DefaultKindMinInterval. Zero
	// disables the gate.
	KindMinInterval        map[string]time.Duration
	DefaultKindMinInterval time.Duration

	// JobKinds restricts the claim to these kinds when non-empty.
	JobKinds []string
}

// ConcurrencyFor returns the effective concurrency limit for a job kind.
func (o ClaimOptions) ConcurrencyFor(jobKind string) int {
	limit := o.DefaultKindConcurrency
	if v, ok := o.KindConcurrency[jobKind]; ok {
		limit = v
	}
	if limit < 1 {
		return 1
	}
	return limit
}

// MinIntervalFor returns the effective minimum re-claim interval for a job kind.
func (o ClaimOptions) MinIntervalFor(jobKind string) time.Duration {
	interval := o.DefaultKindMinInterval
	if v, ok := o.KindMinInterval[jobKind]; ok {
		interval = v
	}
	if interval < 0 {
		return 0
	}
	return interval
}

// FailureInput describes a failed attempt.
type FailureInput struct {
	LeaseToken   string
	ErrorCode    domain.ErrorCode
	ErrorMessage string
	ErrorContext json.RawMessage
	Retryable    bool
	Backoff      time.Duration
}

// SettleOutcome is the result of a failure settlement.
type SettleOutcome string

// Settlement outcomes
const (
	SettleOutcomeStale   SettleOutcome = "stale"
	SettleOutcomeRetried SettleOutcome = "retried"
	SettleOutcomeFailed  SettleOutcome = "failed"
)

// SettleResult reports what SettleFailure did. Task is nil when stale.
type SettleResult struct {
	Task         *domain.Task
	Outcome      SettleOutcome
	DeadLettered bool
}

// RecoverOptions configures one recovery sweep.
type RecoverOptions struct {
	Limit       int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// RecoverResult summarizes one recovery sweep.
type RecoverResult struct {
	Processed int
	Requeued  int
	Failed    int
}

// RetryOptions annotates a manual retry.
type RetryOptions struct {
	Actor   string
	Message string
}

// DeadLetterFilter selects dead-lettered tasks. Empty fields do not filter.
type DeadLetterFilter struct {
	EpisodeID  string
	JobKind    string
	TraceID    string
	DeadReason domain.DeadReason
	ErrorCode  string
	TaskIDs    []uuid.UUID
}

// BulkRetryInput configures a bulk retry of dead-lettered tasks.
type BulkRetryInput struct {
	Filter  DeadLetterFilter
	Limit   int
	DryRun  bool
	Actor   string
	Message string
}

// Bulk operation modes
const (
	ModeDryRun  = "dry_run"
	ModeExecute = "execute"
)

// BulkRetryResult summarizes a bulk retry.
type BulkRetryResult struct {
	Mode       string
	BatchID    uuid.UUID
	Selected   int
	Retried    int
	Skipped    int
	TaskIDs    []uuid.UUID
	RetriedIDs []uuid.UUID
	SkippedIDs []uuid.UUID
}

// Page selects a window of an ordered result.
type Page struct {
	Limit  int
	Offset int
}

// DeadLetterPreview is the side-effect-free view of a dead-letter selection.
type DeadLetterPreview struct {
	Total    int64
	ByReason map[domain.DeadReason]int64
	TaskIDs  []uuid.UUID
	Limit    int
	Offset   int
}

// AuditFilter selects audit rows. Empty fields do not filter.
type AuditFilter struct {
	EpisodeID string
	TaskID    *uuid.UUID
	TraceID   string
	JobKind   string
	Actions   []domain.AuditAction
	Actor     string
	BatchID   *uuid.UUID
}

// PruneInput configures one audit prune.
type PruneInput struct {
	OlderThanDays int
	Filter        AuditFilter
	Limit         int
	DryRun        bool
	Actor         string
}

// PruneResult summarizes one audit prune. Matched >= Selected >= Deleted.
type PruneResult struct {
	Mode      string
	BatchID   uuid.UUID
	CutoffAt  time.Time
	Matched   int64
	Selected  int
	Deleted   int
	SampleIDs []uuid.UUID
}

// KindCount is the per-status task count of one job kind.
type KindCount struct {
	JobKind string
	Status  domain.TaskStatus
	Count   int64
}
