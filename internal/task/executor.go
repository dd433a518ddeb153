package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/taskq/internal/domain"
)

// Executor runs the work of one job kind. It is called outside any store
// transaction with a context that is cancelled when the task's lease is lost.
// The returned result must be a JSON document or empty. Returned errors are
// normalized with domain.NormalizeError; return a *domain.TaskError to pick
// the error code.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *domain.Task) (json.RawMessage, error)

// Execute calls f(ctx, task).
func (f ExecutorFunc) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Registry maps job kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a job kind. Empty kinds, nil executors and
// kinds that are already bound are rejected.
func (r *Registry) Register(jobKind string, exec Executor) error {
	if jobKind == "" {
		return fmt.Errorf("%w: job kind cannot be empty", domain.ErrValidation)
	}
	if exec == nil {
		return fmt.Errorf("%w: executor for %q cannot be nil", domain.ErrValidation, jobKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[jobKind]; exists {
		return fmt.Errorf("%w: executor for %q already registered", domain.ErrValidation, jobKind)
	}
	r.executors[jobKind] = exec
	return nil
}

// MustRegister is Register that panics on error. Intended for wiring at startup.
func (r *Registry) MustRegister(jobKind string, exec Executor) {
	if err := r.Register(jobKind, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for a job kind. An unknown kind yields a
// PAYLOAD_UNSUPPORTED task error wrapping domain.ErrUnknownJobKind.
func (r *Registry) Lookup(jobKind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[jobKind]
	if !ok {
		return nil, domain.Errorf(domain.ErrorCodePayloadUnsupported,
			"no executor registered for job kind %q: %w", jobKind, domain.ErrUnknownJobKind).
			WithContext("job_kind", jobKind)
	}
	return exec, nil
}

// Kinds returns the registered job kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

var payloadValidator = validator.New()

// NewTypedExecutor returns an Executor that decodes payload_json into P,
// validates it with its `validate` struct tags and passes it to fn. An empty
// or null payload fails with PAYLOAD_MISSING; a payload that does not decode
// or validate fails with PAYLOAD_INVALID. Neither is retried.
func NewTypedExecutor[P any](fn func(ctx context.Context, task *domain.Task, payload P) (json.RawMessage, error)) Executor {
	return ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		raw := bytes.TrimSpace(task.PayloadJSON)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return nil, domain.NewTaskError(domain.ErrorCodePayloadMissing, "task payload is empty")
		}

		var payload P
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil {
			return nil, domain.Errorf(domain.ErrorCodePayloadInvalid, "failed to decode payload: %w", err)
		}

		if err := validatePayload(payload); err != nil {
			return nil, domain.Errorf(domain.ErrorCodePayloadInvalid, "payload validation failed: %w", err)
		}

		return fn(ctx, task, payload)
	})
}

// validatePayload runs struct validation. Non-struct payloads have no tags
// to check and always pass.
func validatePayload(payload any) error {
	err := payloadValidator.Struct(payload)
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}
