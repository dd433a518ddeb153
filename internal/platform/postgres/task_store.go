package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// PostgresTaskStore implements store.TaskStore and store.QueueStats on top of
// PostgreSQL. Every mutating operation runs in its own transaction and uses
// the database clock for lease and readiness comparisons.
type PostgresTaskStore struct {
	db       store.DB
	logger   *slog.Logger
	validate *validator.Validate
}

// NewPostgresTaskStore creates a task store over db.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DB, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:       db,
		logger:   logger.With(slog.String("component", "task_store")),
		validate: validator.New(),
	}
}

// Ensure PostgresTaskStore implements the store interfaces
var (
	_ store.TaskStore  = (*PostgresTaskStore)(nil)
	_ store.QueueStats = (*PostgresTaskStore)(nil)
)

var taskColumnNames = []string{
	"id", "episode_id", "shot_id", "type", "job_kind", "status", "progress",
	"attempt_count", "max_attempts", "next_attempt_at", "last_attempt_at",
	"lease_token", "lease_expires_at", "trace_id", "idempotency_key",
	"payload_json", "result_json", "error_code", "error_message",
	"error_context_json", "created_at", "updated_at",
}

// taskColumns renders the task column list, optionally qualified by alias.
func taskColumns(alias string) string {
	if alias == "" {
		return strings.Join(taskColumnNames, ", ")
	}
	qualified := make([]string, len(taskColumnNames))
	for i, name := range taskColumnNames {
		qualified[i] = alias + "." + name
	}
	return strings.Join(qualified, ", ")
}

// leaseValid is the predicate every lease-gated mutation requires.
const leaseValid = `status = 'running' AND lease_token = $2 AND lease_expires_at > now()`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t              domain.Task
		status         string
		shotID         sql.NullString
		progress       sql.NullFloat64
		lastAttemptAt  sql.NullTime
		leaseToken     sql.NullString
		leaseExpiresAt sql.NullTime
		idempotencyKey sql.NullString
		errorCode      sql.NullString
		errorMessage   sql.NullString
		payload        []byte
		result         []byte
		errorContext   []byte
	)

	err := row.Scan(
		&t.ID, &t.EpisodeID, &shotID, &t.Type, &t.JobKind, &status, &progress,
		&t.AttemptCount, &t.MaxAttempts, &t.NextAttemptAt, &lastAttemptAt,
		&leaseToken, &leaseExpiresAt, &t.TraceID, &idempotencyKey,
		&payload, &result, &errorCode, &errorMessage,
		&errorContext, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	t.ShotID = nullStringPtr(shotID)
	if progress.Valid {
		p := progress.Float64
		t.Progress = &p
	}
	t.LastAttemptAt = nullTimePtr(lastAttemptAt)
	t.LeaseToken = nullStringPtr(leaseToken)
	t.LeaseExpiresAt = nullTimePtr(leaseExpiresAt)
	t.IdempotencyKey = nullStringPtr(idempotencyKey)
	t.ErrorCode = nullStringPtr(errorCode)
	t.ErrorMessage = nullStringPtr(errorMessage)
	t.PayloadJSON = rawJSON(payload)
	t.ResultJSON = rawJSON(result)
	t.ErrorContext = rawJSON(errorContext)

	return &t, nil
}

// Enqueue implements store.TaskStore.Enqueue
func (s *PostgresTaskStore) Enqueue(
	ctx context.Context,
	input store.EnqueueInput,
) (*domain.Task, bool, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	payload := input.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, false, fmt.Errorf("%w: payload is not valid JSON", store.ErrInvalidEntity)
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	notBefore := sql.NullTime{Time: input.NotBefore, Valid: !input.NotBefore.IsZero()}

	query := `
		INSERT INTO tasks (
			id, episode_id, shot_id, type, job_kind, status, attempt_count, max_attempts,
			next_attempt_at, trace_id, idempotency_key, payload_json, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, COALESCE($7::timestamptz, now()), $8, $9, $10, now(), now())
		ON CONFLICT (episode_id, job_kind, idempotency_key) DO NOTHING
		RETURNING ` + taskColumns("")

	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		uuid.New(),
		input.EpisodeID,
		input.ShotID,
		input.Type,
		input.JobKind,
		maxAttempts,
		notBefore,
		input.TraceID,
		input.IdempotencyKey,
		[]byte(payload),
	))
	if err == nil {
		s.logger.Debug("task enqueued",
			slog.String("task_id", task.ID.String()),
			slog.String("job_kind", task.JobKind),
			slog.String("episode_id", task.EpisodeID))
		return task, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || input.IdempotencyKey == nil {
		s.logger.Error("failed to enqueue task",
			slog.String("job_kind", input.JobKind),
			slog.String("error", err.Error()))
		return nil, false, MapError(err)
	}

	// The idempotency key matched an existing task.
	existing, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns("")+`
		FROM tasks
		WHERE episode_id = $1 AND job_kind = $2 AND idempotency_key = $3`,
		input.EpisodeID, input.JobKind, *input.IdempotencyKey,
	))
	if err != nil {
		return nil, false, MapError(err)
	}

	s.logger.Debug("enqueue deduplicated by idempotency key",
		slog.String("task_id", existing.ID.String()),
		slog.String("job_kind", existing.JobKind))
	return existing, false, nil
}

// GetTask implements store.TaskStore.GetTask
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns("")+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// CancelTask implements store.TaskStore.CancelTask
// The lease is cleared, so a worker still executing the task finds its
// settlement stale and its next heartbeat fails.
func (s *PostgresTaskStore) CancelTask(
	ctx context.Context,
	taskID uuid.UUID,
	actor string,
) (*domain.Task, error) {
	var cancelled *domain.Task

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !current.Status.IsCancellable() {
			return nil
		}

		cancelled, err = scanTask(tx.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = 'cancelled',
				lease_token = NULL,
				lease_expires_at = NULL,
				updated_at = now()
			WHERE id = $1
			RETURNING `+taskColumns(""), taskID))
		if err != nil {
			return MapError(err)
		}

		return insertAudit(ctx, tx, auditEntry{
			TaskID:    &cancelled.ID,
			EpisodeID: cancelled.EpisodeID,
			TraceID:   cancelled.TraceID,
			JobKind:   cancelled.JobKind,
			Action:    domain.AuditActionCancel,
			Actor:     actor,
			Message:   "task cancelled",
			Metadata: map[string]any{
				"previous_status": current.Status,
				"attempt_count":   current.AttemptCount,
				"max_attempts":    current.MaxAttempts,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if cancelled != nil {
		s.logger.Info("task cancelled",
			slog.String("task_id", taskID.String()),
			slog.String("job_kind", cancelled.JobKind))
	}
	return cancelled, nil
}

// lockTask selects a task row FOR UPDATE.
func lockTask(ctx context.Context, tx store.DBTX, taskID uuid.UUID) (*domain.Task, error) {
	task, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns("")+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}
