package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/schedule"
	"github.com/hearthchat/hearth/internal/store"
)

const (
	maxNameLen   = 200
	maxPromptLen = 10000
)

var anchorFormat = regexp.MustCompile(`^\d{2}:\d{2}$`)

// TaskInput carries the user-controlled fields for create and update.
type TaskInput struct {
	Name          string
	Prompt        string
	IntervalValue int
	IntervalUnit  store.IntervalUnit
	ScheduleTime  string
	CatchUp       bool
	OneShot       bool
	NotifyDesktop bool
	NotifyVoice   bool
}

// CreateOptions control conversation resolution on create.
type CreateOptions struct {
	// ConversationID binds the task to an existing conversation. Empty
	// means auto-create one, unless RequireConversation is set.
	ConversationID string
	// RequireConversation rejects creation when ConversationID is absent
	// or unknown instead of auto-creating. The bridge sets this.
	RequireConversation bool
}

// Service is the CRUD surface over scheduled tasks, shared by the UI
// entry points and the bridge.
type Service struct {
	store    *store.Store
	bus      *bus.Bus
	executor *Executor
}

func NewService(st *store.Store, b *bus.Bus, ex *Executor) *Service {
	return &Service{store: st, bus: b, executor: ex}
}

func validateInput(in TaskInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if len(in.Name) > maxNameLen {
		return invalid("name", fmt.Sprintf("longer than %d characters", maxNameLen))
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return invalid("prompt", "must not be empty")
	}
	if len(in.Prompt) > maxPromptLen {
		return invalid("prompt", fmt.Sprintf("longer than %d characters", maxPromptLen))
	}
	if in.IntervalValue <= 0 {
		return invalid("interval_value", "must be a positive integer")
	}
	if !store.ValidUnit(in.IntervalUnit) {
		return invalid("interval_unit", `must be one of "minutes", "hours", "days"`)
	}
	if in.ScheduleTime != "" && !anchorFormat.MatchString(in.ScheduleTime) {
		return invalid("schedule_time", `must match "HH:MM"`)
	}
	return nil
}

func (s *Service) List(ctx context.Context) ([]store.ScheduledTask, error) {
	return s.store.ListTasks(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*store.ScheduledTask, error) {
	return s.store.GetTask(ctx, id)
}

// TaskIDsByConversation returns the ids of tasks bound to a conversation.
func (s *Service) TaskIDsByConversation(ctx context.Context, conversationID string) ([]string, error) {
	tasks, err := s.store.ListTasksByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// TasksByConversation returns full rows for one conversation; the bridge
// projects them down before answering.
func (s *Service) TasksByConversation(ctx context.Context, conversationID string) ([]store.ScheduledTask, error) {
	return s.store.ListTasksByConversation(ctx, conversationID)
}

// Create validates the input, resolves or auto-creates the backing
// conversation, computes the first next_run_at and persists the task.
func (s *Service) Create(ctx context.Context, in TaskInput, opts CreateOptions) (*store.ScheduledTask, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	convID := opts.ConversationID
	if convID != "" {
		exists, err := s.store.ConversationExists(ctx, convID)
		if err != nil {
			return nil, err
		}
		if !exists {
			if opts.RequireConversation {
				return nil, fmt.Errorf("conversation %s: %w", convID, store.ErrNotFound)
			}
			convID = ""
		}
	}
	if convID == "" {
		if opts.RequireConversation {
			return nil, invalid("conversation_id", "must reference an existing conversation")
		}
		conv := &store.Conversation{Title: "Scheduled: " + in.Name}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("auto-create conversation: %w", err)
		}
		convID = conv.ID
		s.bus.Publish(bus.TopicConversationsChanged, nil)
	}

	next := schedule.NextRun(time.Now().UTC(), in.IntervalValue, in.IntervalUnit, in.ScheduleTime)
	task := &store.ScheduledTask{
		Name:           in.Name,
		Prompt:         in.Prompt,
		ConversationID: convID,
		Enabled:        true,
		IntervalValue:  in.IntervalValue,
		IntervalUnit:   in.IntervalUnit,
		ScheduleTime:   in.ScheduleTime,
		CatchUp:        in.CatchUp,
		OneShot:        in.OneShot,
		NotifyDesktop:  in.NotifyDesktop,
		NotifyVoice:    in.NotifyVoice,
		NextRunAt:      &next,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: task.ID, Status: string(task.LastStatus)})
	return task, nil
}

// Update revalidates the changed fields and always recomputes next_run_at
// from the resulting effective schedule.
func (s *Service) Update(ctx context.Context, id string, in TaskInput) (*store.ScheduledTask, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}

	next := schedule.NextRun(time.Now().UTC(), in.IntervalValue, in.IntervalUnit, in.ScheduleTime)
	upd := store.TaskUpdate{
		Name:          &in.Name,
		Prompt:        &in.Prompt,
		IntervalValue: &in.IntervalValue,
		IntervalUnit:  &in.IntervalUnit,
		ScheduleTime:  &in.ScheduleTime,
		CatchUp:       &in.CatchUp,
		OneShot:       &in.OneShot,
		NotifyDesktop: &in.NotifyDesktop,
		NotifyVoice:   &in.NotifyVoice,
		NextRunAt:     &next,
	}
	if err := s.store.UpdateTask(ctx, id, upd); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: id, Status: string(task.LastStatus)})
	return task, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: id, Status: "deleted"})
	return nil
}

// SetEnabled toggles a task. Re-enabling recomputes next_run_at from now
// so a long-disabled task does not fire a backlog.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*store.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	upd := store.TaskUpdate{Enabled: &enabled}
	if enabled && !task.Enabled {
		next := schedule.NextRun(time.Now().UTC(), task.IntervalValue, task.IntervalUnit, task.ScheduleTime)
		upd.NextRunAt = &next
	}
	if err := s.store.UpdateTask(ctx, id, upd); err != nil {
		return nil, err
	}
	task, err = s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{TaskID: id, Status: string(task.LastStatus)})
	return task, nil
}

// RunNow dispatches a task immediately, bypassing its schedule. Rejects
// when the task is already running.
func (s *Service) RunNow(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.LastStatus == store.StatusRunning {
		return ErrAlreadyRunning
	}
	go s.executor.Execute(context.WithoutCancel(ctx), *task)
	return nil
}
