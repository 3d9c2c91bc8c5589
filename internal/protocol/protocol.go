// Package protocol defines the JSON wire messages exchanged over the
// events websocket. The action and event inventories are closed sets;
// decoding rejects unknown tags instead of passing them through.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/joescharf/crew/internal/models"
)

// Version is the wire protocol version. Handshakes require an exact
// match; there is no cross-version negotiation.
const Version = 1

// Message type tags.
const (
	TypeHello  = "hello"
	TypeAction = "action"
	TypeAck    = "ack"
	TypeError  = "error"
	TypeEvent  = "event"
)

// ClientHello opens a connection, carrying the last revision the
// client rendered so the server can decide whether to resync.
type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	LastSeenRev     uint64 `json:"last_seen_rev"`
}

// ServerHello acknowledges the handshake.
type ServerHello struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Rev             uint64 `json:"rev"`
}

// Ack confirms one action was applied, carrying the revision the
// mutation committed at.
type Ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Rev       uint64 `json:"rev"`
}

// ErrorMsg reports one failed action. An action produces either an Ack
// or an ErrorMsg, never both.
type ErrorMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// NewAck builds an Ack for request_id at rev.
func NewAck(requestID string, rev uint64) Ack {
	return Ack{Type: TypeAck, RequestID: requestID, Rev: rev}
}

// NewError builds an ErrorMsg for request_id.
func NewError(requestID, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, RequestID: requestID, Message: message}
}

// UnknownTagError is returned when an action or event tag is not part
// of the closed inventory.
type UnknownTagError struct {
	Kind string
	Tag  string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown %s tag: %q", e.Kind, e.Tag)
}

// Action tags.
const (
	ActionSendAgentMessage          = "send_agent_message"
	ActionCancelTurn                = "cancel_turn"
	ActionCancelAndSendAgentMessage = "cancel_and_send_agent_message"
	ActionTaskStatusSet             = "task_status_set"
	ActionStarTask                  = "star_task"
	ActionCreateTask                = "create_task"
	ActionRemoveQueuedPrompt        = "remove_queued_prompt"
	ActionReorderQueuedPrompt       = "reorder_queued_prompt"
	ActionUpdateQueuedPrompt        = "update_queued_prompt"
	ActionResumeQueue               = "resume_queue"
	ActionClearQueue                = "clear_queue"
)

// Action is one inbound command. Payload holds exactly one of the
// typed action structs, discriminated by the inner type tag.
type Action struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	Action    ActionPayload `json:"action"`
}

// ActionPayload is implemented by every member of the action union.
type ActionPayload interface {
	ActionTag() string
}

// SendAgentMessage submits user text to a task. While the task is idle
// it starts a turn; while running it enqueues a QueuedPrompt.
type SendAgentMessage struct {
	Tag         string                 `json:"type"`
	TaskID      string                 `json:"task_id"`
	Text        string                 `json:"text"`
	Attachments []models.AttachmentRef `json:"attachments,omitempty"`
}

func (SendAgentMessage) ActionTag() string { return ActionSendAgentMessage }

// CancelTurn requests cooperative cancellation of a task's running
// turn. The queue is paused until resumed or cleared.
type CancelTurn struct {
	Tag    string `json:"type"`
	TaskID string `json:"task_id"`
}

func (CancelTurn) ActionTag() string { return ActionCancelTurn }

// CancelAndSendAgentMessage atomically cancels the running turn and
// starts a new one with the given input, skipping the queue.
type CancelAndSendAgentMessage struct {
	Tag         string                 `json:"type"`
	TaskID      string                 `json:"task_id"`
	Text        string                 `json:"text"`
	Attachments []models.AttachmentRef `json:"attachments,omitempty"`
}

func (CancelAndSendAgentMessage) ActionTag() string { return ActionCancelAndSendAgentMessage }

// TaskStatusSet moves a task to an explicit lifecycle status. Legacy
// alias names are accepted and normalized.
type TaskStatusSet struct {
	Tag    string `json:"type"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (TaskStatusSet) ActionTag() string { return ActionTaskStatusSet }

// StarTask toggles the starred flag.
type StarTask struct {
	Tag     string `json:"type"`
	TaskID  string `json:"task_id"`
	Starred bool   `json:"starred"`
}

func (StarTask) ActionTag() string { return ActionStarTask }

// CreateTask creates a task in a workdir, optionally submitting an
// initial message in the same action.
type CreateTask struct {
	Tag       string `json:"type"`
	WorkdirID string `json:"workdir_id"`
	Title     string `json:"title"`
	Text      string `json:"text,omitempty"`
}

func (CreateTask) ActionTag() string { return ActionCreateTask }

// RemoveQueuedPrompt deletes a still-queued prompt.
type RemoveQueuedPrompt struct {
	Tag      string `json:"type"`
	TaskID   string `json:"task_id"`
	PromptID string `json:"prompt_id"`
}

func (RemoveQueuedPrompt) ActionTag() string { return ActionRemoveQueuedPrompt }

// ReorderQueuedPrompt moves the active prompt to the position of the
// over prompt, list-move semantics.
type ReorderQueuedPrompt struct {
	Tag      string `json:"type"`
	TaskID   string `json:"task_id"`
	ActiveID string `json:"active_id"`
	OverID   string `json:"over_id"`
}

func (ReorderQueuedPrompt) ActionTag() string { return ActionReorderQueuedPrompt }

// UpdateQueuedPrompt replaces a still-queued prompt's text.
type UpdateQueuedPrompt struct {
	Tag      string `json:"type"`
	TaskID   string `json:"task_id"`
	PromptID string `json:"prompt_id"`
	Text     string `json:"text"`
}

func (UpdateQueuedPrompt) ActionTag() string { return ActionUpdateQueuedPrompt }

// ResumeQueue lifts a pause set by cancellation, letting the oldest
// queued prompt start a turn.
type ResumeQueue struct {
	Tag    string `json:"type"`
	TaskID string `json:"task_id"`
}

func (ResumeQueue) ActionTag() string { return ActionResumeQueue }

// ClearQueue removes all queued prompts and lifts any pause.
type ClearQueue struct {
	Tag    string `json:"type"`
	TaskID string `json:"task_id"`
}

func (ClearQueue) ActionTag() string { return ActionClearQueue }

// DecodeAction parses one inbound action message, rejecting unknown
// tags with an UnknownTagError.
func DecodeAction(data []byte) (*Action, error) {
	var envelope struct {
		Type      string          `json:"type"`
		RequestID string          `json:"request_id"`
		Action    json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode action envelope: %w", err)
	}
	if envelope.Type != TypeAction {
		return nil, fmt.Errorf("expected %q message, got %q", TypeAction, envelope.Type)
	}

	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(envelope.Action, &tag); err != nil {
		return nil, fmt.Errorf("decode action tag: %w", err)
	}

	var payload ActionPayload
	switch tag.Type {
	case ActionSendAgentMessage:
		payload = &SendAgentMessage{}
	case ActionCancelTurn:
		payload = &CancelTurn{}
	case ActionCancelAndSendAgentMessage:
		payload = &CancelAndSendAgentMessage{}
	case ActionTaskStatusSet:
		payload = &TaskStatusSet{}
	case ActionStarTask:
		payload = &StarTask{}
	case ActionCreateTask:
		payload = &CreateTask{}
	case ActionRemoveQueuedPrompt:
		payload = &RemoveQueuedPrompt{}
	case ActionReorderQueuedPrompt:
		payload = &ReorderQueuedPrompt{}
	case ActionUpdateQueuedPrompt:
		payload = &UpdateQueuedPrompt{}
	case ActionResumeQueue:
		payload = &ResumeQueue{}
	case ActionClearQueue:
		payload = &ClearQueue{}
	default:
		return nil, &UnknownTagError{Kind: "action", Tag: tag.Type}
	}
	if err := json.Unmarshal(envelope.Action, payload); err != nil {
		return nil, fmt.Errorf("decode %s action: %w", tag.Type, err)
	}

	return &Action{
		Type:      envelope.Type,
		RequestID: envelope.RequestID,
		Action:    payload,
	}, nil
}
