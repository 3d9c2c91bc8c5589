// Package dispatch validates inbound actions against current state and
// routes them to the turn coordinator, conversation log, and store. It
// is the only place the revision counter is bumped, so every committed
// client-visible mutation increments rev exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joescharf/crew/internal/conversation"
	"github.com/joescharf/crew/internal/hub"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/protocol"
	"github.com/joescharf/crew/internal/rev"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/turn"
)

// Dispatcher is the serialized mutation path shared by websocket
// connections, the MCP server, and the turn executor's callbacks.
type Dispatcher struct {
	store  store.Store
	hub    *hub.Hub
	rev    *rev.Counter
	log    *conversation.Log
	turns  *turn.Coordinator
	logger *slog.Logger
}

// New wires a dispatcher and its turn coordinator around the store and
// hub.
func New(s store.Store, h *hub.Hub, executor turn.Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:  s,
		hub:    h,
		rev:    &rev.Counter{},
		logger: logger,
	}
	d.log = conversation.New(s, func(taskID string) models.TurnStatus {
		return d.turns.RunStatus(taskID)
	})
	d.turns = turn.NewCoordinator(s, d.log, executor, d, logger)
	return d
}

// Rev reports the current revision.
func (d *Dispatcher) Rev() uint64 {
	return d.rev.Current()
}

// Log exposes the conversation log for read paths.
func (d *Dispatcher) Log() *conversation.Log {
	return d.log
}

// Turns exposes the turn coordinator for live status reads.
func (d *Dispatcher) Turns() *turn.Coordinator {
	return d.turns
}

// Snapshot builds the full application state sent on resync.
func (d *Dispatcher) Snapshot(ctx context.Context) (*protocol.AppChanged, error) {
	workdirs, err := d.store.ListWorkdirs(ctx, "")
	if err != nil {
		return nil, err
	}
	tasks, err := d.store.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.TurnStatus = d.turns.RunStatus(t.ID)
	}
	return protocol.NewAppChanged(d.rev.Current(), workdirs, tasks), nil
}

// EntryAppended implements turn.Sink: one log append is one committed
// mutation.
func (d *Dispatcher) EntryAppended(task *models.Task, entry *models.ConversationEntry) {
	n := d.rev.Next()
	d.hub.Publish(protocol.NewEvent(protocol.NewConversationChanged(
		n, task.ID, []*models.ConversationEntry{entry})))
}

// TaskUpdated implements turn.Sink: one task row change is one
// committed mutation, announced to both list views at the same rev.
func (d *Dispatcher) TaskUpdated(task *models.Task) {
	n := d.rev.Next()
	d.hub.Publish(protocol.NewEvent(protocol.NewTaskSummariesChanged(n)))
	d.hub.Publish(protocol.NewEvent(protocol.NewWorkdirTasksChanged(n, task.WorkdirID)))
}

// TerminalEvent mirrors a terminal session boundary into the task's
// conversation log.
func (d *Dispatcher) TerminalEvent(taskID, sessionID, event string, exitCode *int) {
	ctx := context.Background()
	entry, err := d.log.Append(ctx, taskID, models.EntrySystem, models.SystemEventPayload{
		Event:      event,
		PtySession: sessionID,
		ExitCode:   exitCode,
	})
	if err != nil {
		d.logger.Error("append terminal entry", "task_id", taskID, "error", err)
		return
	}
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Error("load task for terminal entry", "task_id", taskID, "error", err)
		return
	}
	d.EntryAppended(task, entry)
}

// Apply executes one action atomically: on success it returns the rev
// to acknowledge with; on failure state is unchanged and the error
// becomes the connection's Error message.
func (d *Dispatcher) Apply(ctx context.Context, action *protocol.Action) (uint64, error) {
	switch a := action.Action.(type) {
	case *protocol.SendAgentMessage:
		return d.applySend(ctx, a)
	case *protocol.CancelTurn:
		return d.applyCancel(ctx, a)
	case *protocol.CancelAndSendAgentMessage:
		return d.applyCancelAndSend(ctx, a)
	case *protocol.TaskStatusSet:
		return d.applyStatusSet(ctx, a)
	case *protocol.StarTask:
		return d.applyStar(ctx, a)
	case *protocol.CreateTask:
		return d.applyCreateTask(ctx, a)
	case *protocol.RemoveQueuedPrompt:
		return d.applyQueueChange(ctx, a.TaskID, func() error {
			return d.store.RemoveQueuedPrompt(ctx, a.TaskID, a.PromptID)
		})
	case *protocol.ReorderQueuedPrompt:
		return d.applyQueueChange(ctx, a.TaskID, func() error {
			return d.store.ReorderQueuedPrompt(ctx, a.TaskID, a.ActiveID, a.OverID)
		})
	case *protocol.UpdateQueuedPrompt:
		return d.applyQueueChange(ctx, a.TaskID, func() error {
			return d.store.UpdateQueuedPromptText(ctx, a.TaskID, a.PromptID, a.Text)
		})
	case *protocol.ResumeQueue:
		if err := d.turns.ResumeQueue(ctx, a.TaskID); err != nil {
			return 0, err
		}
		return d.rev.Current(), nil
	case *protocol.ClearQueue:
		if err := d.turns.ClearQueue(ctx, a.TaskID); err != nil {
			return 0, err
		}
		return d.bumpQueueChanged(a.TaskID), nil
	default:
		return 0, &protocol.UnknownTagError{Kind: "action", Tag: action.Action.ActionTag()}
	}
}

func (d *Dispatcher) applySend(ctx context.Context, a *protocol.SendAgentMessage) (uint64, error) {
	if a.Text == "" {
		return 0, errors.New("message text is empty")
	}
	if err := d.validateAttachments(ctx, a.Attachments); err != nil {
		return 0, err
	}
	queued, err := d.turns.Send(ctx, a.TaskID, a.Text, a.Attachments)
	if err != nil {
		return 0, err
	}
	if queued {
		return d.bumpQueueChanged(a.TaskID), nil
	}
	return d.rev.Current(), nil
}

func (d *Dispatcher) applyCancel(ctx context.Context, a *protocol.CancelTurn) (uint64, error) {
	if err := d.turns.Cancel(ctx, a.TaskID); err != nil {
		return 0, err
	}
	return d.rev.Current(), nil
}

func (d *Dispatcher) applyCancelAndSend(ctx context.Context, a *protocol.CancelAndSendAgentMessage) (uint64, error) {
	if a.Text == "" {
		return 0, errors.New("message text is empty")
	}
	if err := d.validateAttachments(ctx, a.Attachments); err != nil {
		return 0, err
	}
	if err := d.turns.CancelAndSend(ctx, a.TaskID, a.Text, a.Attachments); err != nil {
		return 0, err
	}
	return d.rev.Current(), nil
}

func (d *Dispatcher) applyStatusSet(ctx context.Context, a *protocol.TaskStatusSet) (uint64, error) {
	to, err := models.ParseTaskStatus(a.Status)
	if err != nil {
		return 0, err
	}
	task, err := d.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return 0, err
	}
	if task.Status == to {
		return d.rev.Current(), nil
	}

	from := task.Status
	task.Status = to
	if err := d.store.UpdateTask(ctx, task); err != nil {
		return 0, err
	}
	entry, err := d.log.Append(ctx, a.TaskID, models.EntrySystem, models.SystemEventPayload{
		Event:      "status_changed",
		FromStatus: from,
		ToStatus:   to,
	})
	if err != nil {
		return 0, err
	}

	n := d.rev.Next()
	d.hub.Publish(protocol.NewEvent(protocol.NewConversationChanged(
		n, task.ID, []*models.ConversationEntry{entry})))
	d.hub.Publish(protocol.NewEvent(protocol.NewTaskSummariesChanged(n)))
	d.hub.Publish(protocol.NewEvent(protocol.NewWorkdirTasksChanged(n, task.WorkdirID)))
	return n, nil
}

func (d *Dispatcher) applyStar(ctx context.Context, a *protocol.StarTask) (uint64, error) {
	task, err := d.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return 0, err
	}
	if task.IsStarred == a.Starred {
		return d.rev.Current(), nil
	}
	task.IsStarred = a.Starred
	if err := d.store.UpdateTask(ctx, task); err != nil {
		return 0, err
	}
	d.TaskUpdated(task)
	return d.rev.Current(), nil
}

func (d *Dispatcher) applyCreateTask(ctx context.Context, a *protocol.CreateTask) (uint64, error) {
	if a.Title == "" {
		return 0, errors.New("task title is empty")
	}
	if _, err := d.store.GetWorkdir(ctx, a.WorkdirID); err != nil {
		return 0, fmt.Errorf("workdir %s: %w", a.WorkdirID, err)
	}
	task := &models.Task{
		WorkdirID: a.WorkdirID,
		Title:     a.Title,
		Status:    models.TaskStatusTodo,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return 0, err
	}
	d.TaskUpdated(task)

	if a.Text != "" {
		if _, err := d.turns.Send(ctx, task.ID, a.Text, nil); err != nil {
			return 0, err
		}
	}
	return d.rev.Current(), nil
}

// applyQueueChange runs one queued-prompt mutation and announces it.
func (d *Dispatcher) applyQueueChange(ctx context.Context, taskID string, mutate func() error) (uint64, error) {
	if err := mutate(); err != nil {
		return 0, err
	}
	return d.bumpQueueChanged(taskID), nil
}

// bumpQueueChanged announces a queue mutation. Clients refetch the
// conversation snapshot, which carries the queued prompt list.
func (d *Dispatcher) bumpQueueChanged(taskID string) uint64 {
	n := d.rev.Next()
	d.hub.Publish(protocol.NewEvent(protocol.NewConversationChanged(n, taskID, nil)))
	return n
}

func (d *Dispatcher) validateAttachments(ctx context.Context, refs []models.AttachmentRef) error {
	for _, ref := range refs {
		if _, _, err := d.store.GetAttachment(ctx, ref.ID); err != nil {
			return fmt.Errorf("attachment %s: %w", ref.ID, err)
		}
	}
	return nil
}
