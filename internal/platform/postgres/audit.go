package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

// Prune batch bounds
const (
	DefaultPruneLimit = 1000
	MaxPruneLimit     = 10000
	pruneSampleSize   = 20
)

// auditEntry is the input of insertAudit. Empty strings are stored as NULL.
type auditEntry struct {
	BatchID   *uuid.UUID
	TaskID    *uuid.UUID
	EpisodeID string
	TraceID   string
	JobKind   string
	Action    domain.AuditAction
	Actor     string
	Message   string
	Metadata  map[string]any
}

func insertAudit(ctx context.Context, tx store.DBTX, e auditEntry) error {
	actor := e.Actor
	if actor == "" {
		actor = domain.DefaultAuditActor
	}

	metadata := []byte(`{}`)
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = b
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_audit_logs (
			id, batch_id, task_id, episode_id, trace_id, job_kind,
			action, actor, message, metadata_json, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		uuid.New(), nullableUUID(e.BatchID), nullableUUID(e.TaskID),
		optionalString(e.EpisodeID), optionalString(e.TraceID), optionalString(e.JobKind),
		string(e.Action), actor, e.Message, metadata)
	return MapError(err)
}

// auditWhere renders the AuditFilter conditions into w.
func auditWhere(w *whereBuilder, f store.AuditFilter) {
	w.addIf("episode_id = ?", f.EpisodeID)
	w.addIf("trace_id = ?", f.TraceID)
	w.addIf("job_kind = ?", f.JobKind)
	w.addIf("actor = ?", f.Actor)
	if f.TaskID != nil {
		w.add("task_id = ?", *f.TaskID)
	}
	if f.BatchID != nil {
		w.add("batch_id = ?", *f.BatchID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		w.add("action = ANY(?::text[])", actions)
	}
}

// PruneAuditLogs implements store.TaskStore.PruneAuditLogs
//
// Matching rows are older than now() minus OlderThanDays. At most Limit of
// the oldest are selected, skipping rows locked by a concurrent prune, and
// only those are deleted. The summary row is written after the delete.
func (s *PostgresTaskStore) PruneAuditLogs(ctx context.Context, input store.PruneInput) (store.PruneResult, error) {
	if input.OlderThanDays < 0 {
		return store.PruneResult{}, fmt.Errorf("%w: older than days must not be negative", store.ErrInvalidEntity)
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultPruneLimit
	}
	if limit > MaxPruneLimit {
		limit = MaxPruneLimit
	}

	result := store.PruneResult{
		Mode:    store.ModeExecute,
		BatchID: uuid.New(),
	}
	if input.DryRun {
		result.Mode = store.ModeDryRun
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT now() - make_interval(days => $1)`, input.OlderThanDays).Scan(&result.CutoffAt); err != nil {
			return MapError(err)
		}

		var w whereBuilder
		w.add("created_at < ?", result.CutoffAt)
		auditWhere(&w, input.Filter)

		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM task_audit_logs WHERE `+w.sql(), w.args...).Scan(&result.Matched); err != nil {
			return MapError(err)
		}

		ids, err := selectPruneIDs(ctx, tx, &w, limit)
		if err != nil {
			return err
		}
		result.Selected = len(ids)
		result.SampleIDs = sampleIDs(ids)

		if input.DryRun || len(ids) == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM task_audit_logs WHERE id = ANY($1::uuid[])`, uuidStrings(ids))
		if err != nil {
			return MapError(err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		result.Deleted = int(deleted)

		return insertAudit(ctx, tx, auditEntry{
			BatchID:   &result.BatchID,
			TaskID:    input.Filter.TaskID,
			EpisodeID: input.Filter.EpisodeID,
			TraceID:   input.Filter.TraceID,
			JobKind:   input.Filter.JobKind,
			Action:    domain.AuditActionPruneSummary,
			Actor:     input.Actor,
			Message:   fmt.Sprintf("pruned %d audit rows older than %d days", result.Deleted, input.OlderThanDays),
			Metadata: map[string]any{
				"cutoff_at":       result.CutoffAt.UTC().Format(time.RFC3339Nano),
				"older_than_days": input.OlderThanDays,
				"limit":           limit,
				"matched":         result.Matched,
				"selected":        result.Selected,
				"deleted":         result.Deleted,
				"sample_ids":      result.SampleIDs,
				"filter":          auditFilterMetadata(input.Filter),
			},
		})
	})
	if err != nil {
		s.logger.Error("audit prune failed", slog.String("error", err.Error()))
		return store.PruneResult{}, err
	}

	s.logger.Info("audit prune finished",
		slog.String("mode", result.Mode),
		slog.String("batch_id", result.BatchID.String()),
		slog.Int64("matched", result.Matched),
		slog.Int("selected", result.Selected),
		slog.Int("deleted", result.Deleted))
	return result, nil
}

func selectPruneIDs(ctx context.Context, tx store.DBTX, w *whereBuilder, limit int) ([]uuid.UUID, error) {
	args := append([]any{}, w.args...)
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id
		FROM task_audit_logs
		WHERE %s
		ORDER BY created_at, id
		LIMIT $%d
		FOR UPDATE SKIP LOCKED`, w.sql(), len(args))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func sampleIDs(ids []uuid.UUID) []uuid.UUID {
	n := len(ids)
	if n > pruneSampleSize {
		n = pruneSampleSize
	}
	out := make([]uuid.UUID, n)
	copy(out, ids[:n])
	return out
}

func auditFilterMetadata(f store.AuditFilter) map[string]any {
	m := map[string]any{}
	if f.EpisodeID != "" {
		m["episode_id"] = f.EpisodeID
	}
	if f.TaskID != nil {
		m["task_id"] = f.TaskID.String()
	}
	if f.TraceID != "" {
		m["trace_id"] = f.TraceID
	}
	if f.JobKind != "" {
		m["job_kind"] = f.JobKind
	}
	if len(f.Actions) > 0 {
		m["actions"] = f.Actions
	}
	if f.Actor != "" {
		m["actor"] = f.Actor
	}
	if f.BatchID != nil {
		m["batch_id"] = f.BatchID.String()
	}
	return m
}

var auditColumnNames = []string{
	"id", "batch_id", "task_id", "episode_id", "trace_id", "job_kind",
	"action", "actor", "message", "metadata_json", "created_at",
}

func scanAudit(row rowScanner) (*domain.TaskAuditLog, error) {
	var (
		a         domain.TaskAuditLog
		action    string
		batchID   uuid.NullUUID
		taskID    uuid.NullUUID
		episodeID sql.NullString
		traceID   sql.NullString
		jobKind   sql.NullString
		metadata  []byte
	)

	err := row.Scan(
		&a.ID, &batchID, &taskID, &episodeID, &traceID, &jobKind,
		&action, &a.Actor, &a.Message, &metadata, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Action = domain.AuditAction(action)
	if batchID.Valid {
		a.BatchID = &batchID.UUID
	}
	if taskID.Valid {
		a.TaskID = &taskID.UUID
	}
	a.EpisodeID = nullStringPtr(episodeID)
	a.TraceID = nullStringPtr(traceID)
	a.JobKind = nullStringPtr(jobKind)
	a.Metadata = rawJSON(metadata)
	return &a, nil
}
