package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/joescharf/crew/internal/models"
)

// Event tags.
const (
	EventAppChanged           = "app_changed"
	EventTaskSummariesChanged = "task_summaries_changed"
	EventWorkdirTasksChanged  = "workdir_tasks_changed"
	EventConversationChanged  = "conversation_changed"
	EventToast                = "toast"
)

// Event wraps one outbound broadcast payload.
type Event struct {
	Type  string       `json:"type"`
	Event EventPayload `json:"event"`
}

// EventPayload is implemented by every member of the event union.
type EventPayload interface {
	EventTag() string
}

// NewEvent wraps a payload in its envelope.
func NewEvent(p EventPayload) Event {
	return Event{Type: TypeEvent, Event: p}
}

// AppChanged carries a full application snapshot. It is the single
// resync mechanism: sent after a handshake with a stale last_seen_rev
// and to any subscriber whose channel overflowed.
type AppChanged struct {
	Tag      string            `json:"type"`
	Rev      uint64            `json:"rev"`
	Workdirs []*models.Workdir `json:"workdirs"`
	Tasks    []*models.Task    `json:"tasks"`
}

func (AppChanged) EventTag() string { return EventAppChanged }

// TaskSummariesChanged signals that the aggregated task list changed
// and clients should refetch it.
type TaskSummariesChanged struct {
	Tag string `json:"type"`
	Rev uint64 `json:"rev"`
}

func (TaskSummariesChanged) EventTag() string { return EventTaskSummariesChanged }

// WorkdirTasksChanged signals that one workdir's task list changed.
// Serialized with both its canonical tag and the legacy
// workspace_threads_changed alias accepted on input.
type WorkdirTasksChanged struct {
	Tag       string `json:"type"`
	Rev       uint64 `json:"rev"`
	WorkdirID string `json:"workdir_id"`
}

func (WorkdirTasksChanged) EventTag() string { return EventWorkdirTasksChanged }

// ConversationChanged signals new entries in one task's log. Carries
// the appended entries so synced clients need not refetch.
type ConversationChanged struct {
	Tag     string                      `json:"type"`
	Rev     uint64                      `json:"rev"`
	TaskID  string                      `json:"task_id"`
	Entries []*models.ConversationEntry `json:"entries,omitempty"`
}

func (ConversationChanged) EventTag() string { return EventConversationChanged }

// Toast is a transient user-facing notice.
type Toast struct {
	Tag     string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (Toast) EventTag() string { return EventToast }

// NewAppChanged builds a full-snapshot event at rev.
func NewAppChanged(rev uint64, workdirs []*models.Workdir, tasks []*models.Task) *AppChanged {
	return &AppChanged{Tag: EventAppChanged, Rev: rev, Workdirs: workdirs, Tasks: tasks}
}

// NewTaskSummariesChanged builds a task-list invalidation event.
func NewTaskSummariesChanged(rev uint64) *TaskSummariesChanged {
	return &TaskSummariesChanged{Tag: EventTaskSummariesChanged, Rev: rev}
}

// NewWorkdirTasksChanged builds a per-workdir invalidation event.
func NewWorkdirTasksChanged(rev uint64, workdirID string) *WorkdirTasksChanged {
	return &WorkdirTasksChanged{Tag: EventWorkdirTasksChanged, Rev: rev, WorkdirID: workdirID}
}

// NewConversationChanged builds a log-append event.
func NewConversationChanged(rev uint64, taskID string, entries []*models.ConversationEntry) *ConversationChanged {
	return &ConversationChanged{Tag: EventConversationChanged, Rev: rev, TaskID: taskID, Entries: entries}
}

// NewToast builds a transient notice.
func NewToast(level, message string) *Toast {
	return &Toast{Tag: EventToast, Level: level, Message: message}
}

// workspaceThreadsChangedAlias is the legacy tag for
// WorkdirTasksChanged, still accepted on decode.
const workspaceThreadsChangedAlias = "workspace_threads_changed"

// DecodeEvent parses one event message, rejecting unknown tags. Used
// by client-side consumers and tests.
func DecodeEvent(data []byte) (*Event, error) {
	var envelope struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if envelope.Type != TypeEvent {
		return nil, fmt.Errorf("expected %q message, got %q", TypeEvent, envelope.Type)
	}

	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(envelope.Event, &tag); err != nil {
		return nil, fmt.Errorf("decode event tag: %w", err)
	}

	var payload EventPayload
	switch tag.Type {
	case EventAppChanged:
		payload = &AppChanged{}
	case EventTaskSummariesChanged:
		payload = &TaskSummariesChanged{}
	case EventWorkdirTasksChanged, workspaceThreadsChangedAlias:
		payload = &WorkdirTasksChanged{}
	case EventConversationChanged:
		payload = &ConversationChanged{}
	case EventToast:
		payload = &Toast{}
	default:
		return nil, &UnknownTagError{Kind: "event", Tag: tag.Type}
	}
	if err := json.Unmarshal(envelope.Event, payload); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", tag.Type, err)
	}

	return &Event{Type: envelope.Type, Event: payload}, nil
}
