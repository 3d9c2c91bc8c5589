// Package conversation provides the per-task append-only event log and
// its cursor-based pagination.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

// Snapshot is one page of a task's conversation plus the live turn
// state a UI needs to render it.
type Snapshot struct {
	Entries []*models.ConversationEntry `json:"entries"`
	// EntriesTotal is the log length at the time of the initial
	// unpaginated fetch (or below the cursor bound on later pages).
	EntriesTotal int64 `json:"entries_total"`
	// EntriesStart is the seq-0-based index of the first returned entry
	// within that snapshot, so clients can prepend older pages.
	EntriesStart  int64                  `json:"entries_start"`
	RunStatus     models.TurnStatus      `json:"run_status"`
	QueuePaused   bool                   `json:"queue_paused"`
	QueuedPrompts []*models.QueuedPrompt `json:"queued_prompts,omitempty"`
}

// TurnStatusFunc reports the live run status of a task.
type TurnStatusFunc func(taskID string) models.TurnStatus

// Log is the conversation log for all tasks, backed by the store.
type Log struct {
	store      store.Store
	turnStatus TurnStatusFunc
}

// New creates a conversation log. turnStatus may be nil, in which case
// every snapshot reports idle.
func New(s store.Store, turnStatus TurnStatusFunc) *Log {
	return &Log{store: s, turnStatus: turnStatus}
}

// Append persists a new entry and returns it with id, seq, and
// timestamp assigned. Entries are immutable once appended.
func (l *Log) Append(ctx context.Context, taskID string, kind models.EntryKind, payload any) (*models.ConversationEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal entry payload: %w", err)
	}
	e := &models.ConversationEntry{
		TaskID:  taskID,
		Kind:    kind,
		Payload: raw,
	}
	if err := l.store.AppendEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Page returns a snapshot page. An empty before cursor fetches the
// trailing window of the live log; a non-empty cursor pins the upper
// bound at that entry so repeated calls return identical sets even
// under concurrent appends.
func (l *Log) Page(ctx context.Context, taskID, before string, limit int) (*Snapshot, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	queued, err := l.store.ListQueuedPrompts(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var beforeSeq int64
	if before != "" {
		cursor, err := l.store.GetEntry(ctx, taskID, before)
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
		// The cursor is the oldest entry the client already holds;
		// this page covers everything strictly older.
		beforeSeq = cursor.Seq - 1
		if beforeSeq == 0 {
			// Nothing older than the first entry.
			return l.snapshot(task, nil, 0, queued), nil
		}
	}

	page, err := l.store.ListEntries(ctx, taskID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	return l.snapshot(task, page.Entries, page.Total, queued), nil
}

func (l *Log) snapshot(task *models.Task, entries []*models.ConversationEntry, total int64, queued []*models.QueuedPrompt) *Snapshot {
	status := models.TurnStatusIdle
	if l.turnStatus != nil {
		status = l.turnStatus(task.ID)
	}
	return &Snapshot{
		Entries:       entries,
		EntriesTotal:  total,
		EntriesStart:  total - int64(len(entries)),
		RunStatus:     status,
		QueuePaused:   task.QueuePaused,
		QueuedPrompts: queued,
	}
}
