package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// MockTaskStore implements store.TaskStore for testing. Each method calls
// its function field when set and otherwise returns zero values. Calls are
// recorded for assertions.
type MockTaskStore struct {
	mu sync.Mutex

	ClaimFn          func(ctx context.Context, opts store.ClaimOptions) (*domain.Task, error)
	ExtendLeaseFn    func(ctx context.Context, taskID uuid.UUID, leaseToken string, d time.Duration) (bool, error)
	CompleteFn       func(ctx context.Context, taskID uuid.UUID, leaseToken string, result json.RawMessage) (*domain.Task, error)
	SettleFailureFn  func(ctx context.Context, taskID uuid.UUID, input store.FailureInput) (store.SettleResult, error)
	RecoverFn        func(ctx context.Context, opts store.RecoverOptions) (store.RecoverResult, error)
	PruneAuditLogsFn func(ctx context.Context, input store.PruneInput) (store.PruneResult, error)

	Claims      []store.ClaimOptions
	Extensions  int
	Completions []json.RawMessage
	Failures    []store.FailureInput
	Recoveries  []store.RecoverOptions
	Prunes      []store.PruneInput
}

var _ store.TaskStore = (*MockTaskStore)(nil)

func (m *MockTaskStore) Enqueue(context.Context, store.EnqueueInput) (*domain.Task, bool, error) {
	return nil, false, nil
}

func (m *MockTaskStore) GetTask(context.Context, uuid.UUID) (*domain.Task, error) {
	return nil, store.ErrTaskNotFound
}

func (m *MockTaskStore) GetDeadLetter(context.Context, uuid.UUID) (*domain.TaskDeadLetter, error) {
	return nil, store.ErrDeadLetterNotFound
}

func (m *MockTaskStore) Claim(ctx context.Context, opts store.ClaimOptions) (*domain.Task, error) {
	m.mu.Lock()
	m.Claims = append(m.Claims, opts)
	fn := m.ClaimFn
	m.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, opts)
}

func (m *MockTaskStore) ExtendLease(ctx context.Context, taskID uuid.UUID, leaseToken string, d time.Duration) (bool, error) {
	m.mu.Lock()
	m.Extensions++
	fn := m.ExtendLeaseFn
	m.mu.Unlock()

	if fn == nil {
		return true, nil
	}
	return fn(ctx, taskID, leaseToken, d)
}

func (m *MockTaskStore) Complete(
	ctx context.Context,
	taskID uuid.UUID,
	leaseToken string,
	result json.RawMessage,
) (*domain.Task, error) {
	m.mu.Lock()
	m.Completions = append(m.Completions, result)
	fn := m.CompleteFn
	m.mu.Unlock()

	if fn == nil {
		return &domain.Task{ID: taskID, Status: domain.TaskStatusCompleted, ResultJSON: result}, nil
	}
	return fn(ctx, taskID, leaseToken, result)
}

func (m *MockTaskStore) SettleFailure(
	ctx context.Context,
	taskID uuid.UUID,
	input store.FailureInput,
) (store.SettleResult, error) {
	m.mu.Lock()
	m.Failures = append(m.Failures, input)
	fn := m.SettleFailureFn
	m.mu.Unlock()

	if fn == nil {
		return store.SettleResult{Outcome: store.SettleOutcomeRetried}, nil
	}
	return fn(ctx, taskID, input)
}

func (m *MockTaskStore) Recover(ctx context.Context, opts store.RecoverOptions) (store.RecoverResult, error) {
	m.mu.Lock()
	m.Recoveries = append(m.Recoveries, opts)
	fn := m.RecoverFn
	m.mu.Unlock()

	if fn == nil {
		return store.RecoverResult{}, nil
	}
	return fn(ctx, opts)
}

func (m *MockTaskStore) RetryTask(context.Context, uuid.UUID, store.RetryOptions) (*domain.Task, error) {
	return nil, nil
}

func (m *MockTaskStore) RetryDeadLetters(context.Context, store.BulkRetryInput) (store.BulkRetryResult, error) {
	return store.BulkRetryResult{}, nil
}

func (m *MockTaskStore) PreviewDeadLetterMatches(
	context.Context,
	store.DeadLetterFilter,
	store.Page,
) (store.DeadLetterPreview, error) {
	return store.DeadLetterPreview{}, nil
}

func (m *MockTaskStore) PruneAuditLogs(ctx context.Context, input store.PruneInput) (store.PruneResult, error) {
	m.mu.Lock()
	m.Prunes = append(m.Prunes, input)
	fn := m.PruneAuditLogsFn
	m.mu.Unlock()

	if fn == nil {
		return store.PruneResult{}, nil
	}
	return fn(ctx, input)
}

func (m *MockTaskStore) CancelTask(context.Context, uuid.UUID, string) (*domain.Task, error) {
	return nil, nil
}

func (m *MockTaskStore) failures() []store.FailureInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.FailureInput(nil), m.Failures...)
}

func (m *MockTaskStore) completions() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.Completions...)
}

// claimOnce returns a ClaimFn that hands out task on the first call and
// nothing afterwards.
func claimOnce(task *domain.Task) func(context.Context, store.ClaimOptions) (*domain.Task, error) {
	var once sync.Once
	return func(context.Context, store.ClaimOptions) (*domain.Task, error) {
		var out *domain.Task
		once.Do(func() { out = task })
		return out, nil
	}
}
