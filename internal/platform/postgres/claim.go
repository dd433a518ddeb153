package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// candidateKindPageSize is how many job kinds one candidate query returns.
// Claim keeps paging until a kind yields a task or the kinds run out, so
// blocked kinds with older backlog cannot hide later ones.
const candidateKindPageSize = 64

// Claim implements store.TaskStore.Claim
//
// Candidate kinds are visited oldest-eligible first. For each kind the claim
// takes a transaction-scoped advisory lock without waiting; kinds locked by
// another claimer are skipped. Under the lock, the running count and the
// re-claim interval are checked in fresh statements, so they observe every
// claim committed by earlier lock holders.
func (s *PostgresTaskStore) Claim(ctx context.Context, opts store.ClaimOptions) (*domain.Task, error) {
	if opts.LeaseToken == "" {
		return nil, fmt.Errorf("%w: lease token is required", store.ErrInvalidEntity)
	}
	if opts.LeaseDuration <= 0 {
		return nil, fmt.Errorf("%w: lease duration must be positive", store.ErrInvalidEntity)
	}

	var claimed *domain.Task

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for offset := 0; ; offset += candidateKindPageSize {
			kinds, err := candidateKinds(ctx, tx, opts.JobKinds, offset)
			if err != nil {
				return err
			}

			for _, kind := range kinds {
				task, err := s.claimKind(ctx, tx, kind, opts)
				if err != nil {
					return err
				}
				if task != nil {
					claimed = task
					return nil
				}
			}
			if len(kinds) < candidateKindPageSize {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		s.logger.Debug("task claimed",
			slog.String("task_id", claimed.ID.String()),
			slog.String("job_kind", claimed.JobKind),
			slog.Int("attempt", claimed.AttemptCount))
	}
	return claimed, nil
}

// candidateKinds lists one page of job kinds with at least one ready task,
// ordered by their oldest ready task.
func candidateKinds(ctx context.Context, tx store.DBTX, only []string, offset int) ([]string, error) {
	var w whereBuilder
	w.raw("status = 'queued'")
	w.raw("next_attempt_at <= now()")
	if len(only) > 0 {
		w.add("job_kind = ANY(?::text[])", only)
	}

	query := `
		SELECT job_kind
		FROM tasks
		WHERE ` + w.sql() + `
		GROUP BY job_kind
		ORDER BY min(next_attempt_at), min(created_at), job_kind
		LIMIT ` + w.arg(candidateKindPageSize) + ` OFFSET ` + w.arg(offset)

	rows, err := tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var kinds []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, rows.Err()
}

// claimKind attempts to claim the FIFO head of one job kind. It returns nil
// when the kind is locked by another claimer, at its concurrency ceiling,
// inside its re-claim interval, or has no unlocked ready task.
func (s *PostgresTaskStore) claimKind(
	ctx context.Context,
	tx store.DBTX,
	kind string,
	opts store.ClaimOptions,
) (*domain.Task, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, kindLockKey(kind)).Scan(&locked); err != nil {
		return nil, MapError(err)
	}
	if !locked {
		return nil, nil
	}

	var running int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*)
		FROM tasks
		WHERE job_kind = $1 AND status = 'running' AND lease_expires_at > now()`,
		kind).Scan(&running); err != nil {
		return nil, MapError(err)
	}
	if running >= opts.ConcurrencyFor(kind) {
		return nil, nil
	}

	if interval := opts.MinIntervalFor(kind); interval > 0 {
		var recent bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM tasks
				WHERE job_kind = $1
					AND last_attempt_at > now() - ($2::bigint * interval '1 millisecond')
			)`, kind, millis(interval)).Scan(&recent); err != nil {
			return nil, MapError(err)
		}
		if recent {
			return nil, nil
		}
	}

	task, err := scanTask(tx.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id
			FROM tasks
			WHERE job_kind = $1 AND status = 'queued' AND next_attempt_at <= now()
			ORDER BY next_attempt_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'running',
			progress = 0,
			attempt_count = t.attempt_count + 1,
			last_attempt_at = now(),
			lease_token = $2,
			lease_expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		FROM next
		WHERE t.id = next.id
		RETURNING `+taskColumns("t"),
		kind, opts.LeaseToken, millis(opts.LeaseDuration)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, MapError(err)
	}
	return task, nil
}
