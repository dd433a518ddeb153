package testdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskq/internal/store"
)

// WithTx hands fn a transaction that is rolled back when fn returns, so
// nothing fn writes is visible to other tests.
func WithTx(t *testing.T, db store.TxBeginner, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err, "begin test transaction")
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("rollback test transaction: %v", err)
		}
	}()

	fn(t, tx)
}

// MustExec runs a statement, failing the test on error.
func MustExec(t *testing.T, db store.DBTX, query string, args ...any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	_, err := db.ExecContext(ctx, query, args...)
	require.NoError(t, err, "exec %q", query)
}

// QueryValue scans the single value returned by query into a T.
func QueryValue[T any](t *testing.T, db store.DBTX, query string, args ...any) T {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	var v T
	require.NoError(t, db.QueryRowContext(ctx, query, args...).Scan(&v), "query %q", query)
	return v
}
