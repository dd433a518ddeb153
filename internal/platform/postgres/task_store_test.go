package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/platform/postgres"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresTaskStore_NilDB(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		postgres.NewPostgresTaskStore(nil, nil)
	})
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := postgres.NewPostgresTaskStore(db, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		input store.EnqueueInput
	}{
		{"missing episode", store.EnqueueInput{Type: "render", JobKind: "k"}},
		{"missing type", store.EnqueueInput{EpisodeID: "e", JobKind: "k"}},
		{"missing job kind", store.EnqueueInput{EpisodeID: "e", Type: "render"}},
		{"negative max attempts", store.EnqueueInput{EpisodeID: "e", Type: "render", JobKind: "k", MaxAttempts: -1}},
		{"malformed payload", store.EnqueueInput{EpisodeID: "e", Type: "render", JobKind: "k", Payload: json.RawMessage(`{`)}},
	}

	for _, tc := range tests {
		_, _, err := s.Enqueue(ctx, tc.input)
		assert.ErrorIs(t, err, store.ErrInvalidEntity, tc.name)
	}

	assert.NoError(t, mock.ExpectationsWereMet(), "validation must not reach the database")
}

func TestClaim_RejectsMissingLease(t *testing.T) {
	t.Parallel()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := postgres.NewPostgresTaskStore(db, nil)

	_, err = s.Claim(context.Background(), store.ClaimOptions{LeaseDuration: time.Minute})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)

	_, err = s.Claim(context.Background(), store.ClaimOptions{LeaseToken: "tok"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestEnqueue_Defaults(t *testing.T) {
	env := newTestEnv(t)

	shot := "shot-7"
	task := env.enqueue(func(in *store.EnqueueInput) {
		in.ShotID = &shot
		in.Payload = nil
	})

	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, domain.DefaultMaxAttempts, task.MaxAttempts)
	assert.Equal(t, 0, task.AttemptCount)
	assert.JSONEq(t, `{}`, string(task.PayloadJSON))
	require.NotNil(t, task.ShotID)
	assert.Equal(t, shot, *task.ShotID)
	assert.False(t, task.HasLease())
	assert.Nil(t, task.LastAttemptAt)
	assert.NoError(t, task.Validate())

	fetched := env.get(task.ID)
	assert.Equal(t, task.ID, fetched.ID)
	assert.Equal(t, task.TraceID, fetched.TraceID)
}

func TestEnqueue_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)

	key := "render-frame-1"
	first := env.enqueue(func(in *store.EnqueueInput) { in.IdempotencyKey = &key })

	again, created, err := env.store.Enqueue(env.ctx, store.EnqueueInput{
		EpisodeID:      env.episode,
		Type:           "render",
		JobKind:        env.kind,
		IdempotencyKey: &key,
		Payload:        json.RawMessage(`{"frame":2}`),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.JSONEq(t, `{"frame":1}`, string(again.PayloadJSON), "existing task is returned unchanged")

	// Same key under another kind is a different task.
	other, created, err := env.store.Enqueue(env.ctx, store.EnqueueInput{
		EpisodeID:      env.episode,
		Type:           "render",
		JobKind:        env.kind + "-other",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnqueue_NotBefore(t *testing.T) {
	env := newTestEnv(t)

	env.enqueue(func(in *store.EnqueueInput) { in.NotBefore = time.Now().Add(time.Hour) })
	assert.Nil(t, env.claim(), "a task scheduled in the future is not claimable")
}

func TestGetTask_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.GetTask(env.ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.store.GetDeadLetter(env.ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrDeadLetterNotFound)
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)

	t.Run("queued task", func(t *testing.T) {
		task := env.enqueue()

		cancelled, err := env.store.CancelTask(env.ctx, task.ID, "operator")
		require.NoError(t, err)
		require.NotNil(t, cancelled)
		assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)

		logs, total, err := env.store.ListAuditLogs(env.ctx, store.AuditFilter{
			TaskID:  &task.ID,
			Actions: []domain.AuditAction{domain.AuditActionCancel},
		}, store.Page{})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		require.Len(t, logs, 1)
		assert.Equal(t, "operator", logs[0].Actor)
	})

	t.Run("running task loses its lease", func(t *testing.T) {
		task := env.enqueue()
		claimed := env.mustClaim()
		require.Equal(t, task.ID, claimed.ID)

		cancelled, err := env.store.CancelTask(env.ctx, task.ID, "")
		require.NoError(t, err)
		require.NotNil(t, cancelled)
		assert.False(t, cancelled.HasLease())

		ok, err := env.store.ExtendLease(env.ctx, task.ID, *claimed.LeaseToken, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "heartbeat after cancel is stale")

		completed, err := env.store.Complete(env.ctx, task.ID, *claimed.LeaseToken, json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Nil(t, completed, "completion after cancel is discarded")
		assert.Equal(t, domain.TaskStatusCancelled, env.get(task.ID).Status)
	})

	t.Run("terminal task is left alone", func(t *testing.T) {
		task := env.enqueue()
		claimed := env.mustClaim()
		_, err := env.store.Complete(env.ctx, claimed.ID, *claimed.LeaseToken, nil)
		require.NoError(t, err)

		cancelled, err := env.store.CancelTask(env.ctx, task.ID, "operator")
		require.NoError(t, err)
		assert.Nil(t, cancelled)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := env.store.CancelTask(env.ctx, uuid.New(), "operator")
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.enqueue()
	}
	claimed := env.mustClaim()

	byStatus, err := env.store.CountByStatus(env.ctx)
	require.NoError(t, err)
	for _, status := range []domain.TaskStatus{
		domain.TaskStatusQueued, domain.TaskStatusRunning, domain.TaskStatusCompleted,
		domain.TaskStatusFailed, domain.TaskStatusCancelled,
	} {
		assert.Contains(t, byStatus, status)
	}
	assert.GreaterOrEqual(t, byStatus[domain.TaskStatusQueued], int64(2))
	assert.GreaterOrEqual(t, byStatus[domain.TaskStatusRunning], int64(1))

	byKind, err := env.store.CountByKind(env.ctx)
	require.NoError(t, err)
	mine := map[domain.TaskStatus]int64{}
	for _, kc := range byKind {
		if kc.JobKind == env.kind {
			mine[kc.Status] = kc.Count
		}
	}
	assert.Equal(t, map[domain.TaskStatus]int64{
		domain.TaskStatusQueued:  2,
		domain.TaskStatusRunning: 1,
	}, mine)

	_, err = env.store.SettleFailure(env.ctx, claimed.ID, store.FailureInput{
		LeaseToken:   *claimed.LeaseToken,
		ErrorCode:    domain.ErrorCodePayloadInvalid,
		ErrorMessage: "bad frame",
	})
	require.NoError(t, err)

	failures, err := env.store.ListRecentFailures(env.ctx, 500)
	require.NoError(t, err)
	assert.True(t, containsTask(failures, claimed.ID))

	dls, err := env.store.ListRecentDeadLetters(env.ctx, 500)
	require.NoError(t, err)
	found := false
	for _, dl := range dls {
		if dl.TaskID == claimed.ID {
			found = true
			assert.Equal(t, domain.DeadReasonNonRetryable, dl.DeadReason)
		}
	}
	assert.True(t, found)
}

func containsTask(tasks []*domain.Task, id uuid.UUID) bool {
	for _, task := range tasks {
		if task.ID == id {
			return true
		}
	}
	return false
}
