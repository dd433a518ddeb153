package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/store"
)

// ExtendLease implements store.TaskStore.ExtendLease
// An already expired lease cannot be revived; the task belongs to the
// recovery sweep at that point.
func (s *PostgresTaskStore) ExtendLease(
	ctx context.Context,
	taskID uuid.UUID,
	leaseToken string,
	d time.Duration,
) (bool, error) {
	if d <= 0 {
		return false, fmt.Errorf("%w: lease duration must be positive", store.ErrInvalidEntity)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE id = $1 AND `+leaseValid,
		taskID, leaseToken, millis(d))
	if err != nil {
		s.logger.Error("failed to extend lease",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
		return false, MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}
