package store

import (
	"context"
	"errors"

	"github.com/joescharf/crew/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TaskListFilter specifies filters for the aggregated task list.
type TaskListFilter struct {
	ProjectID     string
	WorkdirID     string
	WorkdirStatus models.WorkdirStatus
	TaskStatus    models.TaskStatus
}

// EntryPage is one page of a task's conversation log.
type EntryPage struct {
	Entries []*models.ConversationEntry
	// Total is the number of entries in the log at read time, or the
	// count below the pinned cursor bound when one was given.
	Total int64
}

// Store defines the persistence interface for crew.
type Store interface {
	// Workdirs
	CreateWorkdir(ctx context.Context, w *models.Workdir) error
	GetWorkdir(ctx context.Context, id string) (*models.Workdir, error)
	UpdateWorkdir(ctx context.Context, w *models.Workdir) error
	ListWorkdirs(ctx context.Context, projectID string) ([]*models.Workdir, error)

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error

	// Conversation entries. AppendEntry assigns the entry id, the
	// per-task seq, and the creation timestamp, and bumps the owning
	// task's updated_at in the same transaction.
	AppendEntry(ctx context.Context, e *models.ConversationEntry) error
	// ListEntries returns entries with seq <= beforeSeq (or all entries
	// when beforeSeq <= 0), ordered by seq ascending, keeping at most
	// the last limit entries of that window (0 = no limit).
	ListEntries(ctx context.Context, taskID string, beforeSeq int64, limit int) (*EntryPage, error)
	GetEntry(ctx context.Context, taskID, entryID string) (*models.ConversationEntry, error)

	// Queued prompts
	EnqueuePrompt(ctx context.Context, p *models.QueuedPrompt) error
	ListQueuedPrompts(ctx context.Context, taskID string) ([]*models.QueuedPrompt, error)
	UpdateQueuedPromptText(ctx context.Context, taskID, promptID, text string) error
	RemoveQueuedPrompt(ctx context.Context, taskID, promptID string) error
	// ReorderQueuedPrompt moves the active prompt to the position held
	// by the over prompt, shifting the rest (list-move semantics).
	ReorderQueuedPrompt(ctx context.Context, taskID, activeID, overID string) error
	// PopQueuedPrompt removes and returns the oldest queued prompt,
	// or ErrNotFound when the queue is empty.
	PopQueuedPrompt(ctx context.Context, taskID string) (*models.QueuedPrompt, error)
	ClearQueuedPrompts(ctx context.Context, taskID string) error

	// Attachments
	CreateAttachment(ctx context.Context, ref *models.AttachmentRef, data []byte) error
	GetAttachment(ctx context.Context, id string) (*models.AttachmentRef, []byte, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
