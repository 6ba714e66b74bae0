// Package scheduler owns the timer loop, startup recovery, the task
// executor and the CRUD surface over scheduled tasks.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthchat/hearth/internal/otel"
	"github.com/hearthchat/hearth/internal/schedule"
	"github.com/hearthchat/hearth/internal/store"
)

// recoveryMessage is persisted into last_error for tasks interrupted by a
// process restart. The UI matches on it, keep it stable.
const recoveryMessage = "process restarted during execution"

// Engine polls the store for due tasks and dispatches them. One Engine
// per process; Start owns the tick loop until the context is canceled.
type Engine struct {
	store    *store.Store
	executor *Executor
	metrics  *otel.Metrics
	tick     time.Duration
}

func NewEngine(st *store.Store, ex *Executor, metrics *otel.Metrics, tick time.Duration) *Engine {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Engine{store: st, executor: ex, metrics: metrics, tick: tick}
}

// Start runs crash recovery once, then polls until ctx is canceled.
// It blocks; run it on its own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}

	// Immediate first poll so recovered catch-up tasks fire without
	// waiting out a full interval.
	e.runTick(ctx)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			e.runTick(ctx)
		}
	}
}

// recover reconciles persisted state with the fact that the process just
// started: interrupted runs become errors, overdue schedules are reset
// according to each task's catch-up policy.
func (e *Engine) recover(ctx context.Context) error {
	n, err := e.store.RecoverInterruptedTasks(ctx, recoveryMessage)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("recovered tasks interrupted by restart", "count", n)
	}

	now := time.Now().UTC()
	tasks, err := e.store.ListEnabledTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.NextRunAt == nil || !t.NextRunAt.Before(now) {
			continue
		}
		next := now
		if !t.CatchUp {
			// Skip the missed occurrence(s); no back-fill.
			next = schedule.NextRun(now, t.IntervalValue, t.IntervalUnit, t.ScheduleTime)
		}
		if err := e.store.SetNextRun(ctx, t.ID, next); err != nil {
			slog.Error("failed to reset overdue task", "task_id", t.ID, "error", err)
			continue
		}
		slog.Info("rescheduled overdue task", "task_id", t.ID, "task_name", t.Name, "catch_up", t.CatchUp, "next_run_at", next)
	}
	return nil
}

// runTick queries due tasks and dispatches each fire-and-forget. A slow
// task never blocks the loop or its siblings; panics and errors stay
// inside the dispatched goroutine.
func (e *Engine) runTick(ctx context.Context) {
	started := time.Now()
	due, err := e.store.DueTasks(ctx, started.UTC())
	if err != nil {
		slog.Error("due-task query failed", "error", err)
		return
	}
	for _, task := range due {
		task := task
		if e.metrics != nil {
			e.metrics.TasksDispatched.Add(ctx, 1)
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("dispatched task panicked", "task_id", task.ID, "panic", r)
				}
			}()
			e.executor.Execute(context.WithoutCancel(ctx), task)
		}()
	}
	if e.metrics != nil {
		e.metrics.TickDuration.Record(ctx, time.Since(started).Seconds())
	}
	if len(due) > 0 {
		slog.Debug("tick dispatched tasks", "count", len(due))
	}
}
