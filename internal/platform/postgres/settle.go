package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// Complete implements store.TaskStore.Complete
func (s *PostgresTaskStore) Complete(
	ctx context.Context,
	taskID uuid.UUID,
	leaseToken string,
	result json.RawMessage,
) (*domain.Task, error) {
	if len(result) > 0 && !json.Valid(result) {
		return nil, fmt.Errorf("%w: result is not valid JSON", store.ErrInvalidEntity)
	}

	task, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'completed',
			progress = 1,
			result_json = $3,
			lease_token = NULL,
			lease_expires_at = NULL,
			error_code = NULL,
			error_message = NULL,
			error_context_json = NULL,
			updated_at = now()
		WHERE id = $1 AND `+leaseValid+`
		RETURNING `+taskColumns(""),
		taskID, leaseToken, nullableJSON(result)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("stale lease on completion, result discarded",
				slog.String("task_id", taskID.String()))
			return nil, nil
		}
		s.logger.Error("failed to complete task",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return task, nil
}

// SettleFailure implements store.TaskStore.SettleFailure
func (s *PostgresTaskStore) SettleFailure(
	ctx context.Context,
	taskID uuid.UUID,
	input store.FailureInput,
) (store.SettleResult, error) {
	code := input.ErrorCode
	if code == "" {
		code = domain.ErrorCodeExecutionFailed
	}

	result := store.SettleResult{Outcome: store.SettleOutcomeStale}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns("")+`
			FROM tasks
			WHERE id = $1 AND `+leaseValid+`
			FOR UPDATE`,
			taskID, input.LeaseToken))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return MapError(err)
		}

		if input.Retryable && current.AttemptCount < current.MaxAttempts {
			task, err := scanTask(tx.QueryRowContext(ctx, `
				UPDATE tasks
				SET status = 'queued',
					next_attempt_at = now() + ($2::bigint * interval '1 millisecond'),
					lease_token = NULL,
					lease_expires_at = NULL,
					error_code = $3,
					error_message = $4,
					error_context_json = $5,
					updated_at = now()
				WHERE id = $1
				RETURNING `+taskColumns(""),
				taskID, millis(input.Backoff), string(code), input.ErrorMessage,
				nullableJSON(input.ErrorContext)))
			if err != nil {
				return MapError(err)
			}
			result = store.SettleResult{Task: task, Outcome: store.SettleOutcomeRetried}
			return nil
		}

		reason := domain.DeadReasonMaxAttemptsExceeded
		if !input.Retryable {
			reason = domain.DeadReasonNonRetryable
		}

		task, err := failTask(ctx, tx, taskID, string(code), input.ErrorMessage, input.ErrorContext, reason)
		if err != nil {
			return err
		}
		result = store.SettleResult{Task: task, Outcome: store.SettleOutcomeFailed, DeadLettered: true}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to settle task failure",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
		return store.SettleResult{}, err
	}

	if result.Outcome == store.SettleOutcomeStale {
		s.logger.Warn("stale lease on failure settlement",
			slog.String("task_id", taskID.String()),
			slog.String("error_code", string(code)))
	}
	return result, nil
}

// failTask moves a task to failed and upserts its dead letter. The dead
// letter snapshot is taken after the update so it carries the final error.
func failTask(
	ctx context.Context,
	tx store.DBTX,
	taskID uuid.UUID,
	code string,
	message string,
	errContext json.RawMessage,
	reason domain.DeadReason,
) (*domain.Task, error) {
	task, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'failed',
			lease_token = NULL,
			lease_expires_at = NULL,
			error_code = $2,
			error_message = $3,
			error_context_json = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns(""),
		taskID, code, message, nullableJSON(errContext)))
	if err != nil {
		return nil, MapError(err)
	}

	if err := upsertDeadLetter(ctx, tx, taskID, reason); err != nil {
		return nil, err
	}
	return task, nil
}

func upsertDeadLetter(ctx context.Context, tx store.DBTX, taskID uuid.UUID, reason domain.DeadReason) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_dead_letters (
			id, task_id, episode_id, shot_id, type, job_kind, attempts, max_attempts,
			trace_id, dead_reason, error_code, error_message, error_context_json,
			payload_json, result_json, created_at
		)
		SELECT $1, t.id, t.episode_id, t.shot_id, t.type, t.job_kind, t.attempt_count, t.max_attempts,
			t.trace_id, $2, t.error_code, t.error_message, t.error_context_json,
			t.payload_json, t.result_json, now()
		FROM tasks t
		WHERE t.id = $3
		ON CONFLICT (task_id) DO UPDATE
		SET episode_id = EXCLUDED.episode_id,
			shot_id = EXCLUDED.shot_id,
			type = EXCLUDED.type,
			job_kind = EXCLUDED.job_kind,
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			trace_id = EXCLUDED.trace_id,
			dead_reason = EXCLUDED.dead_reason,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			error_context_json = EXCLUDED.error_context_json,
			payload_json = EXCLUDED.payload_json,
			result_json = EXCLUDED.result_json,
			created_at = EXCLUDED.created_at`,
		uuid.New(), string(reason), taskID)
	return MapError(err)
}

// GetDeadLetter implements store.TaskStore.GetDeadLetter
func (s *PostgresTaskStore) GetDeadLetter(ctx context.Context, taskID uuid.UUID) (*domain.TaskDeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns("")+` FROM task_dead_letters WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDeadLetterNotFound
		}
		return nil, MapError(err)
	}
	return dl, nil
}

var deadLetterColumnNames = []string{
	"id", "task_id", "episode_id", "shot_id", "type", "job_kind", "attempts",
	"max_attempts", "trace_id", "dead_reason", "error_code", "error_message",
	"error_context_json", "payload_json", "result_json", "created_at",
}

func deadLetterColumns(alias string) string {
	cols := make([]string, len(deadLetterColumnNames))
	for i, name := range deadLetterColumnNames {
		if alias != "" {
			name = alias + "." + name
		}
		cols[i] = name
	}
	return joinColumns(cols)
}

func scanDeadLetter(row rowScanner) (*domain.TaskDeadLetter, error) {
	var (
		dl           domain.TaskDeadLetter
		reason       string
		shotID       sql.NullString
		errorCode    sql.NullString
		errorMessage sql.NullString
		errorContext []byte
		payload      []byte
		result       []byte
	)

	err := row.Scan(
		&dl.ID, &dl.TaskID, &dl.EpisodeID, &shotID, &dl.Type, &dl.JobKind, &dl.Attempts,
		&dl.MaxAttempts, &dl.TraceID, &reason, &errorCode, &errorMessage,
		&errorContext, &payload, &result, &dl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	dl.DeadReason = domain.DeadReason(reason)
	dl.ShotID = nullStringPtr(shotID)
	dl.ErrorCode = nullStringPtr(errorCode)
	dl.ErrorMessage = nullStringPtr(errorMessage)
	dl.ErrorContext = rawJSON(errorContext)
	dl.PayloadJSON = rawJSON(payload)
	dl.ResultJSON = rawJSON(result)
	return &dl, nil
}
