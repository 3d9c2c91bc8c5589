package models

import "encoding/json"

// EntryKind tags a conversation entry by origin.
type EntryKind string

const (
	EntrySystem EntryKind = "system_event"
	EntryUser   EntryKind = "user_event"
	EntryAgent  EntryKind = "agent_event"
)

// AgentEventType discriminates agent_event payloads.
type AgentEventType string

const (
	AgentEventMessage      AgentEventType = "message"
	AgentEventToolItem     AgentEventType = "tool_item"
	AgentEventTurnUsage    AgentEventType = "turn_usage"
	AgentEventTurnDuration AgentEventType = "turn_duration"
	AgentEventTurnCanceled AgentEventType = "turn_canceled"
	AgentEventTurnError    AgentEventType = "turn_error"
)

// ConversationEntry is one immutable, timestamped record in a task's
// append-only event log. Streaming updates append new entries sharing a
// logical ItemID rather than mutating prior ones; consumers may fold
// entries with the same ItemID.
type ConversationEntry struct {
	ID        string          `json:"entry_id"`
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Kind      EntryKind       `json:"kind"`
	CreatedAt int64           `json:"created_at_ms"`
	Payload   json.RawMessage `json:"payload"`
}

// UnmarshalPayload decodes the entry payload into the struct matching
// its kind.
func (e *ConversationEntry) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// SystemEventPayload records a lifecycle transition or terminal
// session boundary.
type SystemEventPayload struct {
	Event      string     `json:"event"` // status_changed, terminal_started, terminal_exited
	FromStatus TaskStatus `json:"from_status,omitempty"`
	ToStatus   TaskStatus `json:"to_status,omitempty"`
	PtySession string     `json:"pty_session,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// UserEventPayload is an inbound user message with optional attachments.
type UserEventPayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// AgentEventPayload is one item emitted during a turn.
type AgentEventPayload struct {
	Type   AgentEventType `json:"type"`
	ItemID string         `json:"item_id,omitempty"`
	Text   string         `json:"text,omitempty"`

	// tool_item
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	// turn_usage
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	// turn_duration
	DurationMs int64 `json:"duration_ms,omitempty"`

	// turn_canceled: entries appended before the cancel stay in the log;
	// Steps lets the UI render "Cancelled after N steps".
	Steps int `json:"steps,omitempty"`

	// turn_error
	Error string `json:"error,omitempty"`
}

// AttachmentRef identifies an uploaded attachment blob.
type AttachmentRef struct {
	ID        string `json:"id"`
	WorkdirID string `json:"workdir_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// QueuedPrompt is a pending user input awaiting a turn slot. Queued
// prompts are consumed strictly FIFO and are mutable only while queued.
// Attachment refs ride along so a prompt dequeued later still carries
// the uploads it cited.
type QueuedPrompt struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Position    int             `json:"position"`
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	CreatedAt   int64           `json:"created_at_ms"`
}
