package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskRun is one row of the execution history kept for the UI.
type TaskRun struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// AppendTaskRun records one finished execution.
func (s *Store) AppendTaskRun(ctx context.Context, run TaskRun) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (task_id, started_at, finished_at, status, error)
			VALUES (?, ?, ?, ?, ?);
		`, run.TaskID, run.StartedAt, nullableTime(run.FinishedAt), string(run.Status), run.Error)
		if err != nil {
			return fmt.Errorf("append task run: %w", err)
		}
		return nil
	})
}

// ListTaskRuns returns up to limit most recent runs for a task, newest first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, finished_at, status, error
		FROM task_runs WHERE task_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()
	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var finished sql.NullTime
		var status string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StartedAt, &finished, &status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.Status = TaskStatus(status)
		if finished.Valid {
			v := finished.Time
			r.FinishedAt = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneTaskRuns deletes history older than the retention window.
func (s *Store) PruneTaskRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("prune task runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
