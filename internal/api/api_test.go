package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/auth"
	"github.com/joescharf/crew/internal/conversation"
	"github.com/joescharf/crew/internal/dispatch"
	"github.com/joescharf/crew/internal/hub"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/turn"
)

// idleExecutor completes every turn immediately without emitting.
type idleExecutor struct{}

func (idleExecutor) Run(ctx context.Context, req turn.Request, emit turn.EmitFunc) error {
	return nil
}

type testEnv struct {
	server     *httptest.Server
	store      store.Store
	dispatcher *dispatch.Dispatcher
	workdir    *models.Workdir
	task       *models.Task
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "crew.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	wd := &models.Workdir{ProjectID: "proj1", Name: "wd", Path: "/tmp/wd"}
	require.NoError(t, s.CreateWorkdir(context.Background(), wd))
	task := &models.Task{WorkdirID: wd.ID, Title: "test", Status: models.TaskStatusTodo}
	require.NoError(t, s.CreateTask(context.Background(), task))

	h := hub.New()
	d := dispatch.New(s, h, idleExecutor{}, nil)
	srv := NewServer(s, d, h, nil, auth.NewGuard(token), nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: s, dispatcher: d, workdir: wd, task: task}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.get(t, "/api/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []*models.Task
	decodeBody(t, resp, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, env.task.ID, tasks[0].ID)
	assert.Equal(t, models.TurnStatusIdle, tasks[0].TurnStatus)

	// Status filter accepts legacy aliases.
	resp = env.get(t, "/api/tasks?task_status=in_progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tasks)
	assert.Empty(t, tasks)

	resp = env.get(t, "/api/tasks?task_status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWorkdirTasksAndLegacyThreadsRoute(t *testing.T) {
	env := newTestEnv(t, "")

	for _, path := range []string{
		"/api/workdirs/" + env.workdir.ID + "/tasks",
		"/api/workspaces/" + env.workdir.ID + "/threads",
	} {
		resp := env.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		var tasks []*models.Task
		decodeBody(t, resp, &tasks)
		require.Len(t, tasks, 1, path)
	}

	resp := env.get(t, "/api/workdirs/nope/tasks")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetConversation_Pagination(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	log := env.dispatcher.Log()

	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, env.task.ID, models.EntryUser,
			models.UserEventPayload{Text: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	base := "/api/workspaces/" + env.workdir.ID + "/conversations/" + env.task.ID
	resp := env.get(t, base+"?limit=4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap conversation.Snapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, int64(10), snap.EntriesTotal)
	assert.Equal(t, int64(6), snap.EntriesStart)
	require.Len(t, snap.Entries, 4)

	resp = env.get(t, base+"?limit=4&before="+snap.Entries[0].ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var older conversation.Snapshot
	decodeBody(t, resp, &older)
	assert.Equal(t, int64(6), older.EntriesTotal)
	require.Len(t, older.Entries, 4)
	assert.Less(t, older.Entries[3].Seq, snap.Entries[0].Seq)

	// A task id under the wrong workdir is not found.
	resp = env.get(t, "/api/workspaces/other/conversations/"+env.task.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAttachments_UploadAndDownload(t *testing.T) {
	env := newTestEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "screenshot.png")
	require.NoError(t, err)
	content := []byte("\x89PNG fake image data")
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(
		env.server.URL+"/api/workspaces/"+env.workdir.ID+"/attachments",
		mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ref models.AttachmentRef
	decodeBody(t, resp, &ref)
	assert.NotEmpty(t, ref.ID)
	assert.Equal(t, "screenshot.png", ref.Name)
	assert.Equal(t, int64(len(content)), ref.Size)

	resp = env.get(t, "/api/workspaces/"+env.workdir.ID+"/attachments/"+ref.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, data)

	resp = env.get(t, "/api/workspaces/other/attachments/"+ref.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateTaskAndStar(t *testing.T) {
	env := newTestEnv(t, "")

	body, _ := json.Marshal(map[string]string{
		"workdir_id": env.workdir.ID,
		"title":      "from http",
	})
	resp, err := http.Post(env.server.URL+"/api/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	starBody := bytes.NewReader([]byte(`{"starred":true}`))
	resp, err = http.Post(env.server.URL+"/api/tasks/"+env.task.ID+"/star", "application/json", starBody)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	got, err := env.store.GetTask(context.Background(), env.task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsStarred)
}

func TestAuth_GatesProtectedRoutes(t *testing.T) {
	env := newTestEnv(t, "topsecret")

	// Health stays open.
	resp := env.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Protected routes 401 without the cookie.
	resp = env.get(t, "/api/tasks")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "unauthorized", string(body))

	// Bootstrap then retry with the cookie.
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(env.server.URL + "/auth?token=topsecret")
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	cookies := resp.Cookies()
	resp.Body.Close()
	require.Len(t, cookies, 1)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/tasks", nil)
	req.AddCookie(cookies[0])
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
