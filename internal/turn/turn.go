// Package turn coordinates agent turn execution per task: at most one
// running turn per task, a FIFO prompt queue consumed when the turn
// slot frees up, and cooperative cancellation that never leaves the
// task stuck in a stale running state.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joescharf/crew/internal/conversation"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// ErrTurnRunning is returned when an action requires an idle turn slot
// but a turn is already running.
var ErrTurnRunning = errors.New("a turn is already running for this task")

// ErrNoRunningTurn is returned when a cancel targets an idle task.
var ErrNoRunningTurn = errors.New("no running turn for this task")

// Request is the input to one turn execution.
type Request struct {
	TaskID      string
	Text        string
	Attachments []models.AttachmentRef
}

// EmitFunc lets the executor stream agent items into the conversation
// log while the turn runs.
type EmitFunc func(payload models.AgentEventPayload)

// Executor runs one agent turn to completion. Implementations must
// honor ctx cancellation, but the coordinator's cancel bookkeeping does
// not wait for them to acknowledge.
type Executor interface {
	Run(ctx context.Context, req Request, emit EmitFunc) error
}

// Sink receives state-change notifications from the coordinator so the
// dispatch layer can bump the revision and broadcast. Implementations
// must not call back into the coordinator; they may run while its
// internal lock is held.
type Sink interface {
	EntryAppended(task *models.Task, entry *models.ConversationEntry)
	TaskUpdated(task *models.Task)
}

type turnState struct {
	cancel context.CancelFunc
	steps  int
	// canceled means the cancel bookkeeping already ran; the executor
	// goroutine's eventual return is ignored.
	canceled bool
}

// Coordinator owns the per-task turn slots and prompt queues.
type Coordinator struct {
	store    store.Store
	log      *conversation.Log
	executor Executor
	sink     Sink
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*turnState
}

// NewCoordinator wires a coordinator. The sink must be non-nil.
func NewCoordinator(s store.Store, log *conversation.Log, executor Executor, sink Sink, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    s,
		log:      log,
		executor: executor,
		sink:     sink,
		logger:   logger,
		running:  make(map[string]*turnState),
	}
}

// RunStatus reports whether a task currently has a running turn.
func (c *Coordinator) RunStatus(taskID string) models.TurnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[taskID]; ok {
		return models.TurnStatusRunning
	}
	return models.TurnStatusIdle
}

// Send submits user text to a task. While the task is idle it starts a
// turn immediately; while running it enqueues a prompt instead.
// Returns true when the text was queued rather than started.
func (c *Coordinator) Send(ctx context.Context, taskID, text string, attachments []models.AttachmentRef) (bool, error) {
	c.mu.Lock()
	if _, ok := c.running[taskID]; ok {
		c.mu.Unlock()
		p := &models.QueuedPrompt{TaskID: taskID, Text: text, Attachments: attachments}
		if err := c.store.EnqueuePrompt(ctx, p); err != nil {
			return false, err
		}
		// The turn may have completed between the check and the
		// enqueue; advanceQueue no-ops if it is still running.
		c.advanceQueue(taskID)
		return true, nil
	}
	defer c.mu.Unlock()
	if err := c.startLocked(ctx, taskID, text, attachments); err != nil {
		return false, err
	}
	return false, nil
}

// Cancel requests cooperative cancellation of the running turn. The
// turn flips to idle immediately with a turn_canceled entry; when
// prompts are queued the queue is paused so the UI can offer resume.
// The slot stays locked until the settle is recorded, so a racing Send
// cannot start a turn that the settle would then mark idle.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.running[taskID]
	if !ok {
		return ErrNoRunningTurn
	}
	steps := c.finishCancelLocked(taskID, state)

	queued, err := c.store.ListQueuedPrompts(ctx, taskID)
	if err != nil {
		return err
	}
	return c.settleTurnLocked(ctx, taskID, models.TurnResultCanceled, len(queued) > 0, steps, "")
}

// CancelAndSend cancels the running turn and starts a new one with the
// given input, skipping the queue, all under one critical section so no
// other action can observe the gap between the two. Falls back to a
// plain start when the task is idle.
func (c *Coordinator) CancelAndSend(ctx context.Context, taskID, text string, attachments []models.AttachmentRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.running[taskID]; ok {
		steps := c.finishCancelLocked(taskID, state)
		if err := c.settleTurnLocked(ctx, taskID, models.TurnResultCanceled, false, steps, ""); err != nil {
			return err
		}
	}
	return c.startLocked(ctx, taskID, text, attachments)
}

// ResumeQueue lifts a cancellation pause. If the task is idle and a
// prompt is queued, it starts immediately.
func (c *Coordinator) ResumeQueue(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.QueuePaused {
		task.QueuePaused = false
		if err := c.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		c.sink.TaskUpdated(task)
	}
	c.advanceQueue(taskID)
	return nil
}

// ClearQueue drops all queued prompts and lifts any pause.
func (c *Coordinator) ClearQueue(ctx context.Context, taskID string) error {
	if err := c.store.ClearQueuedPrompts(ctx, taskID); err != nil {
		return err
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.QueuePaused {
		task.QueuePaused = false
		if err := c.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		c.sink.TaskUpdated(task)
	}
	return nil
}

// startLocked appends the user entry, marks the task running, and
// launches the executor. Caller holds c.mu.
func (c *Coordinator) startLocked(ctx context.Context, taskID, text string, attachments []models.AttachmentRef) error {
	if _, ok := c.running[taskID]; ok {
		return ErrTurnRunning
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	entry, err := c.log.Append(ctx, taskID, models.EntryUser,
		models.UserEventPayload{Text: text, Attachments: attachments})
	if err != nil {
		return err
	}

	task.TurnStatus = models.TurnStatusRunning
	if task.Status == models.TaskStatusTodo || task.Status == models.TaskStatusBacklog {
		task.Status = models.TaskStatusIterating
	}
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	state := &turnState{cancel: cancel}
	c.running[taskID] = state

	c.sink.EntryAppended(task, entry)
	c.sink.TaskUpdated(task)
	go c.run(runCtx, state, Request{TaskID: taskID, Text: text, Attachments: attachments})
	return nil
}

// run executes one turn in its own goroutine.
func (c *Coordinator) run(ctx context.Context, state *turnState, req Request) {
	err := c.executor.Run(ctx, req, func(payload models.AgentEventPayload) {
		c.emit(state, req.TaskID, payload)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[req.TaskID] != state || state.canceled {
		// Cancel bookkeeping already settled this turn.
		return
	}
	delete(c.running, req.TaskID)

	result := models.TurnResultSuccess
	errText := ""
	if err != nil {
		result = models.TurnResultError
		errText = err.Error()
		c.logger.Error("turn failed", "task_id", req.TaskID, "error", err)
	}
	if err := c.settleTurnLocked(context.Background(), req.TaskID, result, false, state.steps, errText); err != nil {
		c.logger.Error("settle turn", "task_id", req.TaskID, "error", err)
		return
	}
	c.advanceQueueLocked(req.TaskID)
}

// emit appends one agent item, dropping it if the turn was already
// settled by a cancel. The append runs under the coordinator lock so a
// concurrent cancel's turn_canceled entry cannot be overtaken by a
// late item from the canceled executor.
func (c *Coordinator) emit(state *turnState, taskID string, payload models.AgentEventPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.canceled {
		return
	}
	if payload.Type == models.AgentEventMessage || payload.Type == models.AgentEventToolItem {
		state.steps++
	}

	ctx := context.Background()
	entry, err := c.log.Append(ctx, taskID, models.EntryAgent, payload)
	if err != nil {
		c.logger.Error("append agent entry", "task_id", taskID, "error", err)
		return
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		c.logger.Error("load task after append", "task_id", taskID, "error", err)
		return
	}
	c.sink.EntryAppended(task, entry)
}

// finishCancelLocked signals the executor and removes the turn slot.
// Caller holds c.mu; returns the step count for the canceled entry.
func (c *Coordinator) finishCancelLocked(taskID string, state *turnState) int {
	state.canceled = true
	state.cancel()
	delete(c.running, taskID)
	return state.steps
}

// settleTurnLocked records how a turn ended: result entry, task row,
// and notifications. Caller holds c.mu.
func (c *Coordinator) settleTurnLocked(ctx context.Context, taskID string, result models.TurnResult, pauseQueue bool, steps int, errText string) error {
	var payload models.AgentEventPayload
	switch result {
	case models.TurnResultCanceled:
		payload = models.AgentEventPayload{Type: models.AgentEventTurnCanceled, Steps: steps}
	case models.TurnResultError:
		payload = models.AgentEventPayload{Type: models.AgentEventTurnError, Error: errText}
	}

	var entry *models.ConversationEntry
	if payload.Type != "" {
		var err error
		entry, err = c.log.Append(ctx, taskID, models.EntryAgent, payload)
		if err != nil {
			return fmt.Errorf("append %s entry: %w", payload.Type, err)
		}
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.TurnStatus = models.TurnStatusIdle
	task.LastTurnResult = result
	task.QueuePaused = pauseQueue
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if entry != nil {
		c.sink.EntryAppended(task, entry)
	}
	c.sink.TaskUpdated(task)
	return nil
}

// advanceQueue pops the oldest queued prompt into a new turn, unless
// the queue is paused or a turn is already running.
func (c *Coordinator) advanceQueue(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceQueueLocked(taskID)
}

// advanceQueueLocked is advanceQueue for callers already holding c.mu.
func (c *Coordinator) advanceQueueLocked(taskID string) {
	ctx := context.Background()
	if _, ok := c.running[taskID]; ok {
		return
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		c.logger.Error("advance queue", "task_id", taskID, "error", err)
		return
	}
	if task.QueuePaused {
		return
	}

	p, err := c.store.PopQueuedPrompt(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("pop queued prompt", "task_id", taskID, "error", err)
		return
	}
	if err := c.startLocked(ctx, taskID, p.Text, p.Attachments); err != nil {
		c.logger.Error("start queued turn", "task_id", taskID, "error", err)
	}
}
