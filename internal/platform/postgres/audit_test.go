package postgres_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustField(t *testing.T, raw json.RawMessage, key string) json.RawMessage {
	t.Helper()

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	v, ok := fields[key]
	require.True(t, ok, "metadata has no %q", key)
	return v
}

// insertAuditRow writes an audit row aged by the given number of days.
func (e *testEnv) insertAuditRow(actor string, ageDays int) uuid.UUID {
	e.t.Helper()

	id := uuid.New()
	e.exec(`
		INSERT INTO task_audit_logs (id, job_kind, action, actor, message, created_at)
		VALUES ($1, $2, 'TASK_RETRY_SINGLE', $3, 'seeded', now() - make_interval(days => $4))`,
		id, e.kind, actor, ageDays)
	return id
}

// Five rows older than thirty days and a limit of three: the dry run reports
// matched=5 selected=3 deleted=0; the executed run deletes the three oldest
// and writes one summary row.
func TestPruneAuditLogs(t *testing.T) {
	env := newTestEnv(t)
	actor := "pruner-" + uuid.NewString()[:8]

	var oldest []uuid.UUID
	for age := 45; age > 40; age-- {
		oldest = append(oldest, env.insertAuditRow(actor, age))
	}
	recent := env.insertAuditRow(actor, 1)

	input := store.PruneInput{
		OlderThanDays: 30,
		Filter:        store.AuditFilter{Actor: actor},
		Limit:         3,
		DryRun:        true,
		Actor:         actor + "-job",
	}

	dry, err := env.store.PruneAuditLogs(env.ctx, input)
	require.NoError(t, err)
	assert.Equal(t, store.ModeDryRun, dry.Mode)
	assert.EqualValues(t, 5, dry.Matched)
	assert.Equal(t, 3, dry.Selected)
	assert.Zero(t, dry.Deleted)
	assert.Equal(t, oldest[:3], dry.SampleIDs)
	assert.NotEqual(t, uuid.Nil, dry.BatchID)

	_, total, err := env.store.ListAuditLogs(env.ctx, store.AuditFilter{Actor: actor}, store.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 6, total, "dry run deletes nothing")

	input.DryRun = false
	res, err := env.store.PruneAuditLogs(env.ctx, input)
	require.NoError(t, err)
	assert.Equal(t, store.ModeExecute, res.Mode)
	assert.EqualValues(t, 5, res.Matched)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, oldest[:3], res.SampleIDs)
	assert.GreaterOrEqual(t, res.Matched, int64(res.Selected))
	assert.GreaterOrEqual(t, res.Selected, res.Deleted)

	remaining, total, err := env.store.ListAuditLogs(env.ctx, store.AuditFilter{Actor: actor}, store.Page{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	var remainingIDs []uuid.UUID
	for _, r := range remaining {
		remainingIDs = append(remainingIDs, r.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{oldest[3], oldest[4], recent}, remainingIDs)

	summaries, total, err := env.store.ListAuditLogs(env.ctx, store.AuditFilter{
		BatchID: &res.BatchID,
		Actions: []domain.AuditAction{domain.AuditActionPruneSummary},
	}, store.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, summaries, 1)
	assert.Equal(t, actor+"-job", summaries[0].Actor)
	assert.JSONEq(t, `3`, string(mustField(t, summaries[0].Metadata, "deleted")))
	assert.JSONEq(t, `5`, string(mustField(t, summaries[0].Metadata, "matched")))

	// The next run finishes the backlog.
	res, err = env.store.PruneAuditLogs(env.ctx, input)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Matched)
	assert.Equal(t, 2, res.Deleted)
}

func TestPruneAuditLogs_NothingToPrune(t *testing.T) {
	env := newTestEnv(t)
	actor := "pruner-" + uuid.NewString()[:8]
	env.insertAuditRow(actor, 1)

	res, err := env.store.PruneAuditLogs(env.ctx, store.PruneInput{
		OlderThanDays: 30,
		Filter:        store.AuditFilter{Actor: actor},
		Actor:         actor,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Zero(t, res.Deleted)
	assert.Empty(t, res.SampleIDs)

	_, total, err := env.store.ListAuditLogs(env.ctx, store.AuditFilter{Actor: actor}, store.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "no summary row when nothing was pruned")
}

func TestPruneAuditLogs_RejectsNegativeAge(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.PruneAuditLogs(env.ctx, store.PruneInput{OlderThanDays: -1})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestListAuditLogs_Pagination(t *testing.T) {
	env := newTestEnv(t)
	actor := "lister-" + uuid.NewString()[:8]

	var ids []uuid.UUID
	for age := 5; age > 0; age-- {
		ids = append(ids, env.insertAuditRow(actor, age))
	}

	page, total, err := env.store.ListAuditLogs(env.ctx, store.AuditFilter{Actor: actor, JobKind: env.kind},
		store.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page, 2)
	// Newest first: ids[4], ids[3], ids[2], ...
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)
	require.NotNil(t, page[0].JobKind)
	assert.Equal(t, env.kind, *page[0].JobKind)
}
