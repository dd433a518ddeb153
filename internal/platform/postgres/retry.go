package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// Bulk retry and preview bounds
const (
	DefaultBulkRetryLimit = 100
	MaxBulkRetryLimit     = 1000
	DefaultPreviewLimit   = 50
	MaxPreviewLimit       = 1000
)

// resetForRetry requeues a failed or cancelled task from scratch and removes
// its dead letter. It returns nil when the task is no longer retryable.
func resetForRetry(ctx context.Context, tx store.DBTX, taskID uuid.UUID) (*domain.Task, bool, error) {
	task, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'queued',
			attempt_count = 0,
			progress = NULL,
			next_attempt_at = now(),
			result_json = NULL,
			error_code = NULL,
			error_message = NULL,
			error_context_json = NULL,
			lease_token = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status IN ('failed', 'cancelled')
		RETURNING `+taskColumns(""), taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, MapError(err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM task_dead_letters WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, false, MapError(err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return task, removed > 0, nil
}

// RetryTask implements store.TaskStore.RetryTask
func (s *PostgresTaskStore) RetryTask(
	ctx context.Context,
	taskID uuid.UUID,
	opts store.RetryOptions,
) (*domain.Task, error) {
	var retried *domain.Task

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !current.Status.IsRetryable() {
			return nil
		}

		task, deadLetterRemoved, err := resetForRetry(ctx, tx, taskID)
		if err != nil || task == nil {
			return err
		}
		retried = task

		message := opts.Message
		if message == "" {
			message = "task retried manually"
		}
		return insertAudit(ctx, tx, auditEntry{
			TaskID:    &task.ID,
			EpisodeID: task.EpisodeID,
			TraceID:   task.TraceID,
			JobKind:   task.JobKind,
			Action:    domain.AuditActionRetrySingle,
			Actor:     opts.Actor,
			Message:   message,
			Metadata: map[string]any{
				"previous_status":        current.Status,
				"previous_attempt_count": current.AttemptCount,
				"max_attempts":           current.MaxAttempts,
				"previous_error_code":    current.ErrorCode,
				"dead_letter_removed":    deadLetterRemoved,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if retried != nil {
		s.logger.Info("task retried",
			slog.String("task_id", taskID.String()),
			slog.String("job_kind", retried.JobKind),
			slog.String("actor", opts.Actor))
	}
	return retried, nil
}

// deadLetterWhere renders the DeadLetterFilter conditions, with d aliasing
// task_dead_letters and t aliasing tasks.
func deadLetterWhere(w *whereBuilder, f store.DeadLetterFilter) {
	w.raw("t.status IN ('failed', 'cancelled')")
	w.addIf("d.episode_id = ?", f.EpisodeID)
	w.addIf("d.job_kind = ?", f.JobKind)
	w.addIf("d.trace_id = ?", f.TraceID)
	w.addIf("d.dead_reason = ?", string(f.DeadReason))
	w.addIf("d.error_code = ?", f.ErrorCode)
	if len(f.TaskIDs) > 0 {
		w.add("d.task_id = ANY(?::uuid[])", uuidStrings(f.TaskIDs))
	}
}

type retryCandidate struct {
	taskID  uuid.UUID
	status  domain.TaskStatus
	attempt int
	reason  domain.DeadReason
}

// RetryDeadLetters implements store.TaskStore.RetryDeadLetters
//
// Candidates are locked with SKIP LOCKED, so two concurrent bulk retries over
// the same filter split the work rather than double-retrying.
func (s *PostgresTaskStore) RetryDeadLetters(
	ctx context.Context,
	input store.BulkRetryInput,
) (store.BulkRetryResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultBulkRetryLimit
	}
	if limit > MaxBulkRetryLimit {
		limit = MaxBulkRetryLimit
	}

	result := store.BulkRetryResult{
		Mode:    store.ModeExecute,
		BatchID: uuid.New(),
	}
	if input.DryRun {
		result.Mode = store.ModeDryRun
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		candidates, err := selectRetryCandidates(ctx, tx, input.Filter, limit)
		if err != nil {
			return err
		}

		result.Selected = len(candidates)
		result.TaskIDs = make([]uuid.UUID, 0, len(candidates))
		for _, c := range candidates {
			result.TaskIDs = append(result.TaskIDs, c.taskID)
		}

		if input.DryRun {
			return nil
		}

		for _, c := range candidates {
			task, _, err := resetForRetry(ctx, tx, c.taskID)
			if err != nil {
				return err
			}

			taskID := c.taskID
			if task == nil {
				result.Skipped++
				result.SkippedIDs = append(result.SkippedIDs, taskID)
				if err := insertAudit(ctx, tx, auditEntry{
					BatchID: &result.BatchID,
					TaskID:  &taskID,
					Action:  domain.AuditActionRetryBatchSkipped,
					Actor:   input.Actor,
					Message: "task state changed before retry",
					Metadata: map[string]any{
						"selected_status": c.status,
						"dead_reason":     c.reason,
					},
				}); err != nil {
					return err
				}
				continue
			}

			result.Retried++
			result.RetriedIDs = append(result.RetriedIDs, taskID)
			if err := insertAudit(ctx, tx, auditEntry{
				BatchID:   &result.BatchID,
				TaskID:    &taskID,
				EpisodeID: task.EpisodeID,
				TraceID:   task.TraceID,
				JobKind:   task.JobKind,
				Action:    domain.AuditActionRetryBatchItem,
				Actor:     input.Actor,
				Message:   input.Message,
				Metadata: map[string]any{
					"previous_status":        c.status,
					"previous_attempt_count": c.attempt,
					"dead_reason":            c.reason,
				},
			}); err != nil {
				return err
			}
		}

		message := input.Message
		if message == "" {
			message = fmt.Sprintf("bulk retry of %d dead-lettered tasks", result.Selected)
		}
		return insertAudit(ctx, tx, auditEntry{
			BatchID:   &result.BatchID,
			EpisodeID: input.Filter.EpisodeID,
			TraceID:   input.Filter.TraceID,
			JobKind:   input.Filter.JobKind,
			Action:    domain.AuditActionRetryBatchSummary,
			Actor:     input.Actor,
			Message:   message,
			Metadata: map[string]any{
				"limit":    limit,
				"selected": result.Selected,
				"retried":  result.Retried,
				"skipped":  result.Skipped,
				"filter":   deadLetterFilterMetadata(input.Filter),
			},
		})
	})
	if err != nil {
		s.logger.Error("bulk retry failed", slog.String("error", err.Error()))
		return store.BulkRetryResult{}, err
	}

	s.logger.Info("bulk retry finished",
		slog.String("mode", result.Mode),
		slog.String("batch_id", result.BatchID.String()),
		slog.Int("selected", result.Selected),
		slog.Int("retried", result.Retried),
		slog.Int("skipped", result.Skipped))
	return result, nil
}

func selectRetryCandidates(
	ctx context.Context,
	tx store.DBTX,
	filter store.DeadLetterFilter,
	limit int,
) ([]retryCandidate, error) {
	var w whereBuilder
	deadLetterWhere(&w, filter)

	query := `
		SELECT t.id, t.status, t.attempt_count, d.dead_reason
		FROM task_dead_letters d
		JOIN tasks t ON t.id = d.task_id
		WHERE ` + w.sql() + `
		ORDER BY d.created_at, d.task_id
		LIMIT ` + w.arg(limit) + `
		FOR UPDATE OF t SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []retryCandidate
	for rows.Next() {
		var (
			c      retryCandidate
			status string
			reason string
		)
		if err := rows.Scan(&c.taskID, &status, &c.attempt, &reason); err != nil {
			return nil, err
		}
		c.status = domain.TaskStatus(status)
		c.reason = domain.DeadReason(reason)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// PreviewDeadLetterMatches implements store.TaskStore.PreviewDeadLetterMatches
func (s *PostgresTaskStore) PreviewDeadLetterMatches(
	ctx context.Context,
	filter store.DeadLetterFilter,
	page store.Page,
) (store.DeadLetterPreview, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	preview := store.DeadLetterPreview{
		ByReason: make(map[domain.DeadReason]int64),
		TaskIDs:  []uuid.UUID{},
		Limit:    limit,
		Offset:   offset,
	}

	var w whereBuilder
	deadLetterWhere(&w, filter)

	err := store.RunInSnapshot(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT d.dead_reason, count(*)
			FROM task_dead_letters d
			JOIN tasks t ON t.id = d.task_id
			WHERE `+w.sql()+`
			GROUP BY d.dead_reason`, w.args...)
		if err != nil {
			return MapError(err)
		}
		for rows.Next() {
			var (
				reason string
				count  int64
			)
			if err := rows.Scan(&reason, &count); err != nil {
				_ = rows.Close()
				return err
			}
			preview.ByReason[domain.DeadReason(reason)] = count
			preview.Total += count
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		query := `
			SELECT d.task_id
			FROM task_dead_letters d
			JOIN tasks t ON t.id = d.task_id
			WHERE ` + w.sql() + `
			ORDER BY d.created_at, d.task_id
			LIMIT ` + w.arg(limit) + ` OFFSET ` + w.arg(offset)

		idRows, err := tx.QueryContext(ctx, query, w.args...)
		if err != nil {
			return MapError(err)
		}
		defer func() { _ = idRows.Close() }()

		for idRows.Next() {
			var id uuid.UUID
			if err := idRows.Scan(&id); err != nil {
				return err
			}
			preview.TaskIDs = append(preview.TaskIDs, id)
		}
		return idRows.Err()
	})
	if err != nil {
		return store.DeadLetterPreview{}, err
	}
	return preview, nil
}

func deadLetterFilterMetadata(f store.DeadLetterFilter) map[string]any {
	m := map[string]any{}
	if f.EpisodeID != "" {
		m["episode_id"] = f.EpisodeID
	}
	if f.JobKind != "" {
		m["job_kind"] = f.JobKind
	}
	if f.TraceID != "" {
		m["trace_id"] = f.TraceID
	}
	if f.DeadReason != "" {
		m["dead_reason"] = f.DeadReason
	}
	if f.ErrorCode != "" {
		m["error_code"] = f.ErrorCode
	}
	if len(f.TaskIDs) > 0 {
		m["task_ids"] = f.TaskIDs
	}
	return m
}
