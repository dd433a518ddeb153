package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction enumerates the kinds of audit events the queue records.
type AuditAction string

// Audit actions
const (
	AuditActionRetrySingle       AuditAction = "TASK_RETRY_SINGLE"
	AuditActionRetryBatchItem    AuditAction = "TASK_RETRY_BATCH_ITEM"
	AuditActionRetryBatchSummary AuditAction = "TASK_RETRY_BATCH_SUMMARY"
	AuditActionRetryBatchSkipped AuditAction = "TASK_RETRY_BATCH_SKIPPED"
	AuditActionPruneSummary      AuditAction = "TASK_AUDIT_PRUNE_SUMMARY"
	AuditActionCancel            AuditAction = "TASK_CANCEL"
)

// DefaultAuditActor is recorded when an operation does not name its actor.
const DefaultAuditActor = "system"

// TaskAuditLog is an append-only record of an operator or maintenance action.
type TaskAuditLog struct {
	ID        uuid.UUID       `json:"id"`
	BatchID   *uuid.UUID      `json:"batch_id,omitempty"`
	TaskID    *uuid.UUID      `json:"task_id,omitempty"`
	EpisodeID *string         `json:"episode_id,omitempty"`
	TraceID   *string         `json:"trace_id,omitempty"`
	JobKind   *string         `json:"job_kind,omitempty"`
	Action    AuditAction     `json:"action"`
	Actor     string          `json:"actor"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata_json"`
	CreatedAt time.Time       `json:"created_at"`
}
