package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadReason explains why a task stopped being retried.
type DeadReason string

// Possible dead reasons
const (
	DeadReasonMaxAttemptsExceeded     DeadReason = "max_attempts_exceeded"
	DeadReasonNonRetryable            DeadReason = "non_retryable"
	DeadReasonLeaseExpiredMaxAttempts DeadReason = "lease_expired_max_attempts"
)

// TaskDeadLetter is a frozen snapshot of a task at the moment it failed
// terminally. There is at most one per task; it is removed when the task is
// retried.
type TaskDeadLetter struct {
	ID           uuid.UUID       `json:"id"`
	TaskID       uuid.UUID       `json:"task_id"`
	EpisodeID    string          `json:"episode_id"`
	ShotID       *string         `json:"shot_id,omitempty"`
	Type         string          `json:"type"`
	JobKind      string          `json:"job_kind"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	TraceID      string          `json:"trace_id"`
	DeadReason   DeadReason      `json:"dead_reason"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorContext json.RawMessage `json:"error_context_json,omitempty"`
	PayloadJSON  json.RawMessage `json:"payload_json"`
	ResultJSON   json.RawMessage `json:"result_json,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsValidDeadReason checks if the given reason is a known DeadReason.
func IsValidDeadReason(reason DeadReason) bool {
	switch reason {
	case DeadReasonMaxAttemptsExceeded, DeadReasonNonRetryable, DeadReasonLeaseExpiredMaxAttempts:
		return true
	default:
		return false
	}
}
