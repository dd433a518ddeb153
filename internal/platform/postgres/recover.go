package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// DefaultRecoverLimit is the sweep batch size used when none is given.
const DefaultRecoverLimit = 100

const leaseExpiredMessage = "lease expired before task was settled"

// Recover implements store.TaskStore.Recover
func (s *PostgresTaskStore) Recover(ctx context.Context, opts store.RecoverOptions) (store.RecoverResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRecoverLimit
	}

	var result store.RecoverResult

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns("")+`
			FROM tasks
			WHERE status = 'running' AND lease_expires_at <= now()
			ORDER BY lease_expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return MapError(err)
		}

		var expired []*domain.Task
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			expired = append(expired, task)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, task := range expired {
			errContext := leaseExpiredContext(task)
			result.Processed++

			if task.AttemptCount < task.MaxAttempts {
				backoff := domain.Backoff(task.AttemptCount, opts.BackoffBase, opts.BackoffMax)
				_, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = 'queued',
						next_attempt_at = now() + ($2::bigint * interval '1 millisecond'),
						lease_token = NULL,
						lease_expires_at = NULL,
						error_code = $3,
						error_message = $4,
						error_context_json = $5,
						updated_at = now()
					WHERE id = $1`,
					task.ID, millis(backoff), string(domain.ErrorCodeLeaseExpired),
					leaseExpiredMessage, nullableJSON(errContext))
				if err != nil {
					return MapError(err)
				}
				result.Requeued++
				continue
			}

			if _, err := failTask(ctx, tx, task.ID, string(domain.ErrorCodeLeaseExpired),
				leaseExpiredMessage, errContext, domain.DeadReasonLeaseExpiredMaxAttempts); err != nil {
				return err
			}
			result.Failed++
		}
		return nil
	})
	if err != nil {
		s.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		return store.RecoverResult{}, err
	}

	if result.Processed > 0 {
		s.logger.Info("recovered expired leases",
			slog.Int("processed", result.Processed),
			slog.Int("requeued", result.Requeued),
			slog.Int("failed", result.Failed))
	}
	return result, nil
}

func leaseExpiredContext(task *domain.Task) json.RawMessage {
	ctx := map[string]any{
		"attempt_count": task.AttemptCount,
		"max_attempts":  task.MaxAttempts,
	}
	if task.LeaseExpiresAt != nil {
		ctx["lease_expires_at"] = task.LeaseExpiresAt.UTC()
	}
	if task.LastAttemptAt != nil {
		ctx["last_attempt_at"] = task.LastAttemptAt.UTC()
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	return b
}
