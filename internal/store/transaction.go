package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskq/internal/platform/logger"
)

// TxFn runs inside a transaction. Returning an error rolls the transaction back.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// snapshotTxOptions gives a read-only view in which every statement sees the
// same snapshot, so a count and the page it describes agree.
var snapshotTxOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// RunInTransaction runs fn in a read-committed transaction and commits it
// when fn succeeds. A panic in fn rolls back and is re-raised. A failed
// commit is reported as ErrTransactionFailed.
func RunInTransaction(ctx context.Context, db TxBeginner, fn TxFn) error {
	return runTx(ctx, db, nil, fn)
}

// RunInSnapshot runs fn in a read-only repeatable-read transaction.
func RunInSnapshot(ctx context.Context, db TxBeginner, fn TxFn) error {
	return runTx(ctx, db, snapshotTxOptions, fn)
}

func runTx(ctx context.Context, db TxBeginner, opts *sql.TxOptions, fn TxFn) error {
	log := logger.FromContext(ctx)

	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		log.Error("failed to begin transaction", slog.String("error", err.Error()))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback after panic failed",
				slog.String("error", rbErr.Error()),
				slog.Any("panic", p))
		}
		panic(p)
	}()

	if err := fn(ctx, tx); err != nil {
		return rollback(log, tx, err)
	}

	if err := tx.Commit(); err != nil {
		log.Error("failed to commit transaction", slog.String("error", err.Error()))
		return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
	}
	return nil
}

// rollback aborts tx after cause and returns cause, annotated with the
// rollback failure if there was one.
func rollback(log *slog.Logger, tx *sql.Tx, cause error) error {
	rbErr := tx.Rollback()
	if rbErr == nil || errors.Is(rbErr, sql.ErrTxDone) {
		log.Debug("transaction rolled back", slog.String("error", cause.Error()))
		return cause
	}

	log.Error("failed to roll back transaction",
		slog.String("rollback_error", rbErr.Error()),
		slog.String("original_error", cause.Error()))
	return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, cause)
}
