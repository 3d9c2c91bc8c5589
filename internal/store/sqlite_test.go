package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func seedTask(t *testing.T, s *SQLiteStore) *models.Task {
	t.Helper()
	ctx := context.Background()
	w := &models.Workdir{ProjectID: "proj-1", Name: "main", Path: "/tmp/repo"}
	require.NoError(t, s.CreateWorkdir(ctx, w))
	task := &models.Task{WorkdirID: w.ID, Title: "add pagination", Status: models.TaskStatusTodo}
	require.NoError(t, s.CreateTask(ctx, task))
	return task
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestUpdateWorkdir(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &models.Workdir{ProjectID: "proj-1", Name: "main", Path: "/tmp/repo"}
	require.NoError(t, s.CreateWorkdir(ctx, w))

	w.Status = models.WorkdirStatusArchived
	require.NoError(t, s.UpdateWorkdir(ctx, w))

	got, err := s.GetWorkdir(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkdirStatusArchived, got.Status)

	missing := &models.Workdir{ID: "nope", Name: "x", Path: "/tmp/x", Status: models.WorkdirStatusActive}
	err = s.UpdateWorkdir(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := seedTask(t, s)
	assert.NotEmpty(t, task.ID)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, models.TaskStatusTodo, got.Status)
	assert.False(t, got.IsStarred)

	got.Status = models.TaskStatusIterating
	got.IsStarred = true
	require.NoError(t, s.UpdateTask(ctx, got))

	got2, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusIterating, got2.Status)
	assert.True(t, got2.IsStarred)
	assert.True(t, got2.UpdatedAt.After(task.CreatedAt) || got2.UpdatedAt.Equal(task.CreatedAt))

	_, err = s.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasks_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &models.Workdir{ProjectID: "p1", Name: "main", Path: "/tmp/a"}
	require.NoError(t, s.CreateWorkdir(ctx, active))
	archived := &models.Workdir{ProjectID: "p2", Name: "old", Path: "/tmp/b", Status: models.WorkdirStatusArchived}
	require.NoError(t, s.CreateWorkdir(ctx, archived))

	require.NoError(t, s.CreateTask(ctx, &models.Task{WorkdirID: active.ID, Title: "one", Status: models.TaskStatusTodo}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{WorkdirID: active.ID, Title: "two", Status: models.TaskStatusDone}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{WorkdirID: archived.ID, Title: "three", Status: models.TaskStatusTodo}))

	all, err := s.ListTasks(ctx, TaskListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byProject, err := s.ListTasks(ctx, TaskListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byWorkdirStatus, err := s.ListTasks(ctx, TaskListFilter{WorkdirStatus: models.WorkdirStatusArchived})
	require.NoError(t, err)
	assert.Len(t, byWorkdirStatus, 1)
	assert.Equal(t, "three", byWorkdirStatus[0].Title)

	byTaskStatus, err := s.ListTasks(ctx, TaskListFilter{TaskStatus: models.TaskStatusTodo})
	require.NoError(t, err)
	assert.Len(t, byTaskStatus, 2)
}

func TestAppendEntry_AssignsSeqAndTouchesTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	payload, _ := json.Marshal(models.UserEventPayload{Text: "hello"})
	e1 := &models.ConversationEntry{TaskID: task.ID, Kind: models.EntryUser, Payload: payload}
	require.NoError(t, s.AppendEntry(ctx, e1))
	assert.Equal(t, int64(1), e1.Seq)
	assert.NotEmpty(t, e1.ID)
	assert.NotZero(t, e1.CreatedAt)

	e2 := &models.ConversationEntry{TaskID: task.ID, Kind: models.EntryAgent, Payload: payload}
	require.NoError(t, s.AppendEntry(ctx, e2))
	assert.Equal(t, int64(2), e2.Seq)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(task.UpdatedAt))

	// Append to a missing task fails.
	err = s.AppendEntry(ctx, &models.ConversationEntry{TaskID: "missing", Kind: models.EntryUser, Payload: payload})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEntries_WindowAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	for i := 0; i < 10; i++ {
		payload, _ := json.Marshal(models.UserEventPayload{Text: "m"})
		require.NoError(t, s.AppendEntry(ctx, &models.ConversationEntry{
			TaskID: task.ID, Kind: models.EntryUser, Payload: payload,
		}))
	}

	// Unbounded fetch returns everything in seq order.
	page, err := s.ListEntries(ctx, task.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), page.Total)
	require.Len(t, page.Entries, 10)
	assert.Equal(t, int64(1), page.Entries[0].Seq)
	assert.Equal(t, int64(10), page.Entries[9].Seq)

	// Trailing window.
	page, err = s.ListEntries(ctx, task.ID, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), page.Total)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(8), page.Entries[0].Seq)

	// Cursor bound pins the upper edge even after more appends.
	page, err = s.ListEntries(ctx, task.ID, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(3), page.Entries[0].Seq)
	assert.Equal(t, int64(5), page.Entries[2].Seq)

	payload, _ := json.Marshal(models.UserEventPayload{Text: "late"})
	require.NoError(t, s.AppendEntry(ctx, &models.ConversationEntry{
		TaskID: task.ID, Kind: models.EntryUser, Payload: payload,
	}))

	again, err := s.ListEntries(ctx, task.ID, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, page.Total, again.Total)
	require.Len(t, again.Entries, 3)
	for i := range page.Entries {
		assert.Equal(t, page.Entries[i].ID, again.Entries[i].ID)
	}
}

func TestQueuedPrompts_FIFOAndReorder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	a := &models.QueuedPrompt{TaskID: task.ID, Text: "first"}
	b := &models.QueuedPrompt{TaskID: task.ID, Text: "second"}
	c := &models.QueuedPrompt{TaskID: task.ID, Text: "third"}
	require.NoError(t, s.EnqueuePrompt(ctx, a))
	require.NoError(t, s.EnqueuePrompt(ctx, b))
	require.NoError(t, s.EnqueuePrompt(ctx, c))

	prompts, err := s.ListQueuedPrompts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{prompts[0].Position, prompts[1].Position, prompts[2].Position})

	// Move c over a: c, a, b.
	require.NoError(t, s.ReorderQueuedPrompt(ctx, task.ID, c.ID, a.ID))
	prompts, err = s.ListQueuedPrompts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{prompts[0].ID, prompts[1].ID, prompts[2].ID})

	// Edit while queued.
	require.NoError(t, s.UpdateQueuedPromptText(ctx, task.ID, b.ID, "second, revised"))

	// FIFO pop respects the reorder.
	popped, err := s.PopQueuedPrompt(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, popped.ID)

	require.NoError(t, s.RemoveQueuedPrompt(ctx, task.ID, a.ID))

	popped, err = s.PopQueuedPrompt(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "second, revised", popped.Text)

	_, err = s.PopQueuedPrompt(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueuedPrompts_AttachmentsSurviveQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	refs := []models.AttachmentRef{
		{ID: "att-1", WorkdirID: task.WorkdirID, Name: "shot.png", MimeType: "image/png", Size: 42},
		{ID: "att-2", WorkdirID: task.WorkdirID, Name: "trace.log", MimeType: "text/plain", Size: 7},
	}
	withRefs := &models.QueuedPrompt{TaskID: task.ID, Text: "look at these", Attachments: refs}
	bare := &models.QueuedPrompt{TaskID: task.ID, Text: "no uploads"}
	require.NoError(t, s.EnqueuePrompt(ctx, withRefs))
	require.NoError(t, s.EnqueuePrompt(ctx, bare))

	prompts, err := s.ListQueuedPrompts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, refs, prompts[0].Attachments)
	assert.Empty(t, prompts[1].Attachments)

	popped, err := s.PopQueuedPrompt(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, popped.Attachments, 2)
	assert.Equal(t, "att-1", popped.Attachments[0].ID)
	assert.Equal(t, "shot.png", popped.Attachments[0].Name)

	popped, err = s.PopQueuedPrompt(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, popped.Attachments)
}

func TestListEntries_TotalConsistentUnderConcurrentAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s)

	payload, _ := json.Marshal(models.UserEventPayload{Text: "m"})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEntry(ctx, &models.ConversationEntry{
			TaskID: task.ID, Kind: models.EntryUser, Payload: payload,
		}))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.AppendEntry(ctx, &models.ConversationEntry{
				TaskID: task.ID, Kind: models.EntryUser, Payload: payload,
			})
		}
	}()

	// Total and the returned window come from one transaction, so the
	// window start can never land below zero however many appends race in.
	for i := 0; i < 50; i++ {
		page, err := s.ListEntries(ctx, task.ID, 0, 0)
		require.NoError(t, err)
		start := page.Total - int64(len(page.Entries))
		assert.GreaterOrEqual(t, start, int64(0))
	}
	close(stop)
	wg.Wait()
}

func TestAttachments_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := &models.AttachmentRef{WorkdirID: "wd-1", Name: "trace.log", MimeType: "text/plain"}
	data := []byte("line one\nline two\n")
	require.NoError(t, s.CreateAttachment(ctx, ref, data))
	assert.NotEmpty(t, ref.ID)
	assert.Equal(t, int64(len(data)), ref.Size)

	got, blob, err := s.GetAttachment(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, ref.Name, got.Name)
	assert.Equal(t, data, blob)

	_, _, err = s.GetAttachment(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
