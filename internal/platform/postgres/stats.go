package postgres

import (
	"context"
	"fmt"

	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// CountByStatus implements store.QueueStats.CountByStatus
// Every status is present in the result, with zero when no task has it.
func (s *PostgresTaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	counts := map[domain.TaskStatus]int64{
		domain.TaskStatusQueued:    0,
		domain.TaskStatusRunning:   0,
		domain.TaskStatusCompleted: 0,
		domain.TaskStatusFailed:    0,
		domain.TaskStatusCancelled: 0,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// CountByKind implements store.QueueStats.CountByKind
func (s *PostgresTaskStore) CountByKind(ctx context.Context) ([]store.KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_kind, status, count(*)
		FROM tasks
		GROUP BY job_kind, status
		ORDER BY job_kind, status`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var counts []store.KindCount
	for rows.Next() {
		var (
			kc     store.KindCount
			status string
		)
		if err := rows.Scan(&kc.JobKind, &status, &kc.Count); err != nil {
			return nil, err
		}
		kc.Status = domain.TaskStatus(status)
		counts = append(counts, kc)
	}
	return counts, rows.Err()
}

// ListRecentFailures implements store.QueueStats.ListRecentFailures
func (s *PostgresTaskStore) ListRecentFailures(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns("")+`
		FROM tasks
		WHERE status = 'failed'
		ORDER BY updated_at DESC, id
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListRecentDeadLetters implements store.QueueStats.ListRecentDeadLetters
func (s *PostgresTaskStore) ListRecentDeadLetters(ctx context.Context, limit int) ([]*domain.TaskDeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns("")+`
		FROM task_dead_letters
		ORDER BY created_at DESC, id
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var dls []*domain.TaskDeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}
	return dls, rows.Err()
}

// ListAuditLogs implements store.QueueStats.ListAuditLogs
// Rows are returned newest first together with the total match count.
func (s *PostgresTaskStore) ListAuditLogs(
	ctx context.Context,
	filter store.AuditFilter,
	page store.Page,
) ([]*domain.TaskAuditLog, int64, error) {
	var w whereBuilder
	auditWhere(&w, filter)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM task_audit_logs WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, MapError(err)
	}

	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM task_audit_logs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT %s OFFSET %s`,
		joinColumns(auditColumnNames), w.sql(), w.arg(clampLimit(page.Limit)), w.arg(offset))

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*domain.TaskAuditLog
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
