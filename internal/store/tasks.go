package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IntervalUnit is the granularity of a task's recurrence interval.
type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
)

// ValidUnit reports whether u is one of the allowed interval units.
func ValidUnit(u IntervalUnit) bool {
	switch u {
	case UnitMinutes, UnitHours, UnitDays:
		return true
	}
	return false
}

// TaskStatus is the outcome of a task's most recent execution.
// Empty means the task has never run.
type TaskStatus string

const (
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusError   TaskStatus = "error"
)

// ScheduledTask is one row of scheduled_tasks.
type ScheduledTask struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Prompt         string       `json:"prompt"`
	ConversationID string       `json:"conversation_id"`
	Enabled        bool         `json:"enabled"`
	IntervalValue  int          `json:"interval_value"`
	IntervalUnit   IntervalUnit `json:"interval_unit"`
	// ScheduleTime is an optional "HH:MM" wall-clock anchor, meaningful
	// only for day granularity. Empty means none.
	ScheduleTime  string     `json:"schedule_time,omitempty"`
	CatchUp       bool       `json:"catch_up"`
	OneShot       bool       `json:"one_shot"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastStatus    TaskStatus `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	RunCount      int        `json:"run_count"`
	NotifyDesktop bool       `json:"notify_desktop"`
	NotifyVoice   bool       `json:"notify_voice"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

const taskColumns = `id, name, prompt, conversation_id, enabled, interval_value, interval_unit,
	schedule_time, catch_up, one_shot, last_run_at, next_run_at, last_status,
	last_error, run_count, notify_desktop, notify_voice, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (ScheduledTask, error) {
	var t ScheduledTask
	var enabled, catchUp, oneShot, notifyDesktop, notifyVoice int
	var scheduleTime, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := scan(
		&t.ID, &t.Name, &t.Prompt, &t.ConversationID, &enabled, &t.IntervalValue, &t.IntervalUnit,
		&scheduleTime, &catchUp, &oneShot, &lastRun, &nextRun, &lastStatus,
		&t.LastError, &t.RunCount, &notifyDesktop, &notifyVoice, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Enabled = enabled != 0
	t.CatchUp = catchUp != 0
	t.OneShot = oneShot != 0
	t.NotifyDesktop = notifyDesktop != 0
	t.NotifyVoice = notifyVoice != 0
	t.ScheduleTime = scheduleTime.String
	t.LastStatus = TaskStatus(lastStatus.String)
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	return t, nil
}

// InsertTask persists a new task, assigning an id when none is set.
func (s *Store) InsertTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, name, prompt, conversation_id, enabled,
				interval_value, interval_unit, schedule_time, catch_up, one_shot,
				next_run_at, notify_desktop, notify_voice)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Name, t.Prompt, t.ConversationID, boolToInt(t.Enabled),
			t.IntervalValue, string(t.IntervalUnit), nullableString(t.ScheduleTime),
			boolToInt(t.CatchUp), boolToInt(t.OneShot), nullableTime(t.NextRunAt),
			boolToInt(t.NotifyDesktop), boolToInt(t.NotifyVoice))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask returns one task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksByConversation returns tasks bound to one conversation.
func (s *Store) ListTasksByConversation(ctx context.Context, conversationID string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE conversation_id = ? ORDER BY created_at ASC, id ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by conversation: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns enabled tasks whose next_run_at has arrived and which
// are not already marked running. This is the primary access pattern.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND COALESCE(last_status, '') <> 'running'
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskUpdate is a field-level update; nil fields are left untouched.
type TaskUpdate struct {
	Name          *string
	Prompt        *string
	Enabled       *bool
	IntervalValue *int
	IntervalUnit  *IntervalUnit
	// ScheduleTime set to the empty string clears the anchor.
	ScheduleTime  *string
	CatchUp       *bool
	OneShot       *bool
	NotifyDesktop *bool
	NotifyVoice   *bool
	NextRunAt     *time.Time
}

// UpdateTask applies a field-level update, or ErrNotFound.
func (s *Store) UpdateTask(ctx context.Context, id string, upd TaskUpdate) error {
	var sets []string
	var args []any
	add := func(clause string, v any) {
		sets = append(sets, clause)
		args = append(args, v)
	}
	if upd.Name != nil {
		add("name = ?", *upd.Name)
	}
	if upd.Prompt != nil {
		add("prompt = ?", *upd.Prompt)
	}
	if upd.Enabled != nil {
		add("enabled = ?", boolToInt(*upd.Enabled))
	}
	if upd.IntervalValue != nil {
		add("interval_value = ?", *upd.IntervalValue)
	}
	if upd.IntervalUnit != nil {
		add("interval_unit = ?", string(*upd.IntervalUnit))
	}
	if upd.ScheduleTime != nil {
		add("schedule_time = ?", nullableString(*upd.ScheduleTime))
	}
	if upd.CatchUp != nil {
		add("catch_up = ?", boolToInt(*upd.CatchUp))
	}
	if upd.OneShot != nil {
		add("one_shot = ?", boolToInt(*upd.OneShot))
	}
	if upd.NotifyDesktop != nil {
		add("notify_desktop = ?", boolToInt(*upd.NotifyDesktop))
	}
	if upd.NotifyVoice != nil {
		add("notify_voice = ?", boolToInt(*upd.NotifyVoice))
	}
	if upd.NextRunAt != nil {
		add("next_run_at = ?", *upd.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	query := "UPDATE scheduled_tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?;"
	args = append(args, id)
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeleteTask removes a task, or ErrNotFound.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ClaimTaskRun atomically marks a task running. It returns false when the
// task is already running (or gone), so a tick and a concurrent manual run
// can never both start the same task.
func (s *Store) ClaimTaskRun(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET last_status = 'running', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND COALESCE(last_status, '') <> 'running';
		`, id)
		if err != nil {
			return fmt.Errorf("claim task run: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// FinishTaskRun records the outcome of one execution. The schedule always
// advances: nextRun is persisted on success and error alike. run_count
// increments only on the success path.
func (s *Store) FinishTaskRun(ctx context.Context, id string, status TaskStatus, errMsg string, lastRun, nextRun time.Time) error {
	runInc := 0
	if status == StatusSuccess {
		runInc = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET last_status = ?, last_error = ?, last_run_at = ?, next_run_at = ?,
			    run_count = run_count + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(status), errMsg, lastRun, nextRun, runInc, id)
		if err != nil {
			return fmt.Errorf("finish task run: %w", err)
		}
		// A deleted task simply makes this a no-op; the in-flight run is
		// allowed to complete against the absent row.
		return nil
	})
}

// RecoverInterruptedTasks forces every task persisted as 'running' into
// 'error' with the given message. Called once at startup, before the
// first tick.
func (s *Store) RecoverInterruptedTasks(ctx context.Context, message string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET last_status = 'error', last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE last_status = 'running';
		`, message)
		if err != nil {
			return fmt.Errorf("recover interrupted tasks: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ListEnabledTasks returns enabled tasks; startup recovery walks these to
// reconcile overdue next_run_at values.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE enabled = 1;`)
	if err != nil {
		return nil, fmt.Errorf("list enabled tasks: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan enabled task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetNextRun overwrites a task's next_run_at.
func (s *Store) SetNextRun(ctx context.Context, id string, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, nextRun, id)
		if err != nil {
			return fmt.Errorf("set next run: %w", err)
		}
		return nil
	})
}
