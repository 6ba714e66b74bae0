package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hearthchat/hearth/internal/ai"
	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/notify"
	"github.com/hearthchat/hearth/internal/otel"
	"github.com/hearthchat/hearth/internal/schedule"
	"github.com/hearthchat/hearth/internal/shared"
	"github.com/hearthchat/hearth/internal/store"
)

// historyWindow bounds the conversation context sent to the model.
const historyWindow = 50

// errorMessageLimit bounds last_error so a streaming stack trace cannot
// bloat the row.
const errorMessageLimit = 500

// EngineFactory builds an engine for per-conversation provider/model
// overrides. When nil, the executor's default engine handles every task.
type EngineFactory func(ctx context.Context, settings ai.Settings) ai.Engine

// Executor runs one task to completion, capturing every failure into task
// state. Execute never returns an error and never panics outward.
type Executor struct {
	store    *store.Store
	engine   ai.Engine
	factory  EngineFactory
	bus      *bus.Bus
	notifier *notify.Notifier
	otel     *otel.Provider
	metrics  *otel.Metrics
	env      envGuard
}

func NewExecutor(st *store.Store, engine ai.Engine, factory EngineFactory, b *bus.Bus, n *notify.Notifier, provider *otel.Provider, metrics *otel.Metrics) *Executor {
	return &Executor{
		store:    st,
		engine:   engine,
		factory:  factory,
		bus:      b,
		notifier: n,
		otel:     provider,
		metrics:  metrics,
	}
}

// conversationSettings is the per-conversation AI override document stored
// in conversations.settings.
type conversationSettings struct {
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	APIKeyEnv      string `json:"api_key_env,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// Execute runs the task and persists the outcome. The 'running' claim has
// already failed if another execution holds the task; in that case the run
// is skipped silently.
func (e *Executor) Execute(ctx context.Context, task store.ScheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task execution panicked", "task_id", task.ID, "panic", r)
			e.finish(ctx, task, fmt.Errorf("internal error: %v", r))
		}
	}()

	claimed, err := e.store.ClaimTaskRun(ctx, task.ID)
	if err != nil {
		slog.Error("failed to claim task", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("task already running, skipping", "task_id", task.ID)
		return
	}

	ctx, span := otel.StartSpan(ctx, e.otel.Tracer, "scheduler.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrConversationID.String(task.ConversationID),
	)
	defer span.End()
	started := time.Now()

	runErr := e.run(ctx, task)
	if e.metrics != nil {
		e.metrics.TaskRunDuration.Record(ctx, time.Since(started).Seconds())
		if runErr != nil {
			e.metrics.TaskRunErrors.Add(ctx, 1)
		}
	}
	e.finish(ctx, task, runErr)
}

func (e *Executor) run(ctx context.Context, task store.ScheduledTask) error {
	conv, err := e.store.GetConversation(ctx, task.ConversationID)
	if err != nil {
		return fmt.Errorf("conversation %s no longer exists", task.ConversationID)
	}

	var settings conversationSettings
	if conv.Settings != "" {
		// Malformed settings fall back to global defaults rather than
		// failing the run.
		if err := json.Unmarshal([]byte(conv.Settings), &settings); err != nil {
			slog.Warn("unparseable conversation settings", "conversation_id", conv.ID, "error", err)
		}
	}

	// History is captured before the prompt turn is appended; the prompt
	// travels separately in the request.
	msgs, err := e.store.ListMessages(ctx, conv.ID, historyWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if err := e.store.AppendMessage(ctx, conv.ID, "user", task.Prompt); err != nil {
		return fmt.Errorf("append prompt turn: %w", err)
	}

	history := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, ai.Turn{Role: m.Role, Content: m.Content})
	}

	// The pinned key must be resolved and exported before the engine is
	// selected: engines read missing keys from the environment at
	// construction time.
	apiKey := ""
	if settings.APIKeyEnv != "" {
		apiKey = os.Getenv(settings.APIKeyEnv)
	}
	release := e.env.Acquire(keyOverride(settings.Provider, apiKey))
	defer release()

	engine := e.engine
	if e.factory != nil && (settings.Provider != "" || settings.Model != "" || apiKey != "") {
		engine = e.factory(ctx, ai.Settings{Provider: settings.Provider, Model: settings.Model, APIKey: apiKey})
	}

	// Unattended runs are always fully autonomous, whatever the
	// conversation's own permission mode says.
	req := ai.Request{
		Prompt:         task.Prompt,
		SystemPrompt:   conv.SystemPrompt,
		History:        history,
		PermissionMode: ai.PermissionModeAutonomous,
	}

	aiCtx, span := otel.StartClientSpan(ctx, e.otel.Tracer, "ai.stream",
		otel.AttrConversationID.String(conv.ID),
		otel.AttrModel.String(settings.Model),
	)
	reply, err := engine.Stream(aiCtx, req, func(string) error { return nil })
	span.End()
	if err != nil {
		return fmt.Errorf("ai stream: %w", err)
	}

	if reply != "" {
		// Streaming may outlive the conversation; re-check before writing
		// the assistant turn.
		exists, err := e.store.ConversationExists(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("recheck conversation: %w", err)
		}
		if !exists {
			return fmt.Errorf("conversation %s deleted during execution", conv.ID)
		}
		if err := e.store.AppendMessage(ctx, conv.ID, "assistant", reply); err != nil {
			return fmt.Errorf("append assistant turn: %w", err)
		}
	}

	if task.NotifyDesktop {
		e.notifier.Desktop(task.Name, reply)
	}
	if task.NotifyVoice && reply != "" {
		e.bus.Publish(bus.TopicSpeechSay, bus.SpeechSayEvent{Text: reply})
	}
	return nil
}

// finish records the run outcome. The schedule advances on success and
// error alike.
func (e *Executor) finish(ctx context.Context, task store.ScheduledTask, runErr error) {
	now := time.Now().UTC()
	nextRun := schedule.NextRun(now, task.IntervalValue, task.IntervalUnit, task.ScheduleTime)

	status := store.StatusSuccess
	errMsg := ""
	if runErr != nil {
		status = store.StatusError
		errMsg = shared.Truncate(shared.Redact(runErr.Error()), errorMessageLimit)
		slog.Error("task execution failed", "task_id", task.ID, "task_name", task.Name, "error", runErr)
	} else {
		slog.Info("task executed", "task_id", task.ID, "task_name", task.Name, "next_run_at", nextRun)
	}

	if err := e.store.FinishTaskRun(ctx, task.ID, status, errMsg, now, nextRun); err != nil {
		slog.Error("failed to persist run outcome", "task_id", task.ID, "error", err)
	}
	finished := time.Now().UTC()
	if err := e.store.AppendTaskRun(ctx, store.TaskRun{
		TaskID:     task.ID,
		StartedAt:  now,
		FinishedAt: &finished,
		Status:     status,
		Error:      errMsg,
	}); err != nil {
		slog.Warn("failed to record run history", "task_id", task.ID, "error", err)
	}

	e.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: task.ID, Status: string(status)})
}

// keyOverride maps a conversation's resolved API key onto the provider's
// canonical environment variable for the duration of a run.
func keyOverride(provider, key string) map[string]string {
	if key == "" {
		return nil
	}
	var canonical string
	switch strings.ToLower(provider) {
	case "anthropic":
		canonical = "ANTHROPIC_API_KEY"
	case "openai", "openai_compatible":
		canonical = "OPENAI_API_KEY"
	default:
		canonical = "GEMINI_API_KEY"
	}
	return map[string]string{canonical: key}
}
