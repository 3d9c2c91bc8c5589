package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusIterating  TaskStatus = "iterating"
	TaskStatusValidating TaskStatus = "validating"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// Legacy status names accepted on input and normalized on write.
var statusAliases = map[string]TaskStatus{
	"in_progress": TaskStatusIterating,
	"in_review":   TaskStatusValidating,
}

// ParseTaskStatus normalizes a status string, resolving legacy aliases
// to their canonical names. Unknown values return an error.
func ParseTaskStatus(s string) (TaskStatus, error) {
	if canonical, ok := statusAliases[s]; ok {
		return canonical, nil
	}
	switch st := TaskStatus(s); st {
	case TaskStatusBacklog, TaskStatusTodo, TaskStatusIterating,
		TaskStatusValidating, TaskStatusDone, TaskStatusCanceled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

// TurnStatus is the per-task turn sub-state.
type TurnStatus string

const (
	TurnStatusIdle    TurnStatus = "idle"
	TurnStatusRunning TurnStatus = "running"
)

// TurnResult records how the most recent turn ended.
type TurnResult string

const (
	TurnResultSuccess  TurnResult = "success"
	TurnResultError    TurnResult = "error"
	TurnResultCanceled TurnResult = "canceled"
)

// Task is a unit of user-visible work hosted in one workdir.
type Task struct {
	ID             string     `json:"id"`
	WorkdirID      string     `json:"workdir_id"`
	Title          string     `json:"title"`
	Status         TaskStatus `json:"task_status"`
	IsStarred      bool       `json:"is_starred"`
	TurnStatus     TurnStatus `json:"turn_status"`
	LastTurnResult TurnResult `json:"last_turn_result,omitempty"`
	QueuePaused    bool       `json:"queue_paused"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WorkdirStatus represents the state of a working copy.
type WorkdirStatus string

const (
	WorkdirStatusActive   WorkdirStatus = "active"
	WorkdirStatusArchived WorkdirStatus = "archived"
)

// Workdir is a git working copy (main checkout or additional worktree)
// that tasks execute against. Filesystem operations on it are handled
// by an external collaborator; crew only tracks identity and status.
type Workdir struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	Status    WorkdirStatus `json:"workdir_status"`
	CreatedAt time.Time     `json:"created_at"`
}
