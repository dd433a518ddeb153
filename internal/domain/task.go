package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the scheduling state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Default values applied when a producer leaves them unset.
const (
	DefaultMaxAttempts = 3
)

// Common validation errors for Task
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrEmptyEpisodeID     = errors.New("task episode ID cannot be empty")
	ErrEmptyJobKind       = errors.New("task job kind cannot be empty")
	ErrEmptyTaskType      = errors.New("task type cannot be empty")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrInvalidMaxAttempts = errors.New("task max attempts must be at least 1")
	ErrLeaseStateMismatch = errors.New("lease token and lease expiry must be set together")
)

// Task is a unit of asynchronous work. The payload, result and error context
// are opaque JSON documents; the queue never interprets them.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	EpisodeID      string          `json:"episode_id"`
	ShotID         *string         `json:"shot_id,omitempty"`
	Type           string          `json:"type"`
	JobKind        string          `json:"job_kind"`
	Status         TaskStatus      `json:"status"`
	Progress       *float64        `json:"progress,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	LeaseToken     *string         `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	TraceID        string          `json:"trace_id"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	PayloadJSON    json.RawMessage `json:"payload_json"`
	ResultJSON     json.RawMessage `json:"result_json,omitempty"`
	ErrorCode      *string         `json:"error_code,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ErrorContext   json.RawMessage `json:"error_context_json,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks the structural invariants of a task row.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.EpisodeID == "" {
		return ErrEmptyEpisodeID
	}
	if t.Type == "" {
		return ErrEmptyTaskType
	}
	if t.JobKind == "" {
		return ErrEmptyJobKind
	}
	if !IsValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	if t.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if (t.LeaseToken == nil) != (t.LeaseExpiresAt == nil) {
		return ErrLeaseStateMismatch
	}
	return nil
}

// HasLease reports whether the task currently carries a lease.
func (t *Task) HasLease() bool {
	return t.LeaseToken != nil && t.LeaseExpiresAt != nil
}

// AttemptsExhausted reports whether another failure would be terminal.
func (t *Task) AttemptsExhausted() bool {
	return t.AttemptCount >= t.MaxAttempts
}

// IsTerminal reports whether the status ends the task's lifecycle unless an
// operator retries it.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsRetryable reports whether a manual retry may requeue a task in this status.
func (s TaskStatus) IsRetryable() bool {
	return s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsCancellable reports whether the status permits cancellation.
func (s TaskStatus) IsCancellable() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}

// IsValidTaskStatus checks if the given status is a valid TaskStatus.
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
