package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/phrazzld/taskq/internal/testdb"
	"github.com/stretchr/testify/require"
)

// testEnv bundles a migrated database, a store over it and identifiers that
// are unique to the calling test. Claim and recovery are global operations,
// so tests scope claims to their own job kind.
type testEnv struct {
	t       *testing.T
	ctx     context.Context
	db      *sql.DB
	store   *postgres.PostgresTaskStore
	kind    string
	episode string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testdb.GetTestDBWithT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	suffix := uuid.NewString()[:8]
	return &testEnv{
		t:       t,
		ctx:     ctx,
		db:      db,
		store:   postgres.NewPostgresTaskStore(db, nil),
		kind:    "test-kind-" + suffix,
		episode: "episode-" + suffix,
	}
}

func (e *testEnv) enqueue(mod ...func(*store.EnqueueInput)) *domain.Task {
	e.t.Helper()

	input := store.EnqueueInput{
		EpisodeID: e.episode,
		Type:      "render",
		JobKind:   e.kind,
		TraceID:   "trace-" + uuid.NewString()[:8],
		Payload:   json.RawMessage(`{"frame":1}`),
	}
	for _, m := range mod {
		m(&input)
	}

	task, created, err := e.store.Enqueue(e.ctx, input)
	require.NoError(e.t, err)
	require.True(e.t, created)
	return task
}

func (e *testEnv) claimOptions() store.ClaimOptions {
	return store.ClaimOptions{
		LeaseToken:             uuid.NewString(),
		LeaseDuration:          time.Minute,
		DefaultKindConcurrency: 10,
		JobKinds:               []string{e.kind},
	}
}

func (e *testEnv) claim() *domain.Task {
	e.t.Helper()

	task, err := e.store.Claim(e.ctx, e.claimOptions())
	require.NoError(e.t, err)
	return task
}

func (e *testEnv) mustClaim() *domain.Task {
	e.t.Helper()

	task := e.claim()
	require.NotNil(e.t, task, "expected a task to be claimable")
	return task
}

func (e *testEnv) exec(query string, args ...any) {
	e.t.Helper()
	testdb.MustExec(e.t, e.db, query, args...)
}

// expireLease moves the lease expiry of a running task into the past.
func (e *testEnv) expireLease(id uuid.UUID) {
	e.t.Helper()
	e.exec(`UPDATE tasks SET lease_expires_at = now() - interval '1 second' WHERE id = $1`, id)
}

// makeReady makes a queued task immediately claimable.
func (e *testEnv) makeReady(id uuid.UUID) {
	e.t.Helper()
	e.exec(`UPDATE tasks SET next_attempt_at = now() - interval '1 second' WHERE id = $1`, id)
}

func (e *testEnv) get(id uuid.UUID) *domain.Task {
	e.t.Helper()

	task, err := e.store.GetTask(e.ctx, id)
	require.NoError(e.t, err)
	return task
}

func (e *testEnv) deadLetterExists(id uuid.UUID) bool {
	e.t.Helper()

	return testdb.QueryValue[bool](e.t, e.db,
		`SELECT EXISTS (SELECT 1 FROM task_dead_letters WHERE task_id = $1)`, id)
}

// assertDeadLetterTotality checks that, for this test's tasks, a task is
// failed exactly when it has a dead letter.
func (e *testEnv) assertDeadLetterTotality() {
	e.t.Helper()

	mismatches := testdb.QueryValue[int](e.t, e.db, `
		SELECT count(*)
		FROM tasks t
		LEFT JOIN task_dead_letters d ON d.task_id = t.id
		WHERE t.job_kind = $1
			AND ((t.status = 'failed') <> (d.id IS NOT NULL))`, e.kind)
	require.Zero(e.t, mismatches, "failed status and dead letters must coincide")
}

func (e *testEnv) failRetryable(task *domain.Task, backoff time.Duration) store.SettleResult {
	e.t.Helper()

	res, err := e.store.SettleFailure(e.ctx, task.ID, store.FailureInput{
		LeaseToken:   *task.LeaseToken,
		ErrorCode:    domain.ErrorCodeExecutionFailed,
		ErrorMessage: "transient failure",
		ErrorContext: json.RawMessage(`{"attempt":true}`),
		Retryable:    true,
		Backoff:      backoff,
	})
	require.NoError(e.t, err)
	return res
}
