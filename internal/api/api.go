// Package api exposes the HTTP surface: task and conversation reads,
// attachment upload, the events websocket, and the terminal stream.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/crew/internal/auth"
	"github.com/joescharf/crew/internal/dispatch"
	"github.com/joescharf/crew/internal/hub"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/protocol"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/term"
)

// maxAttachmentBytes caps one uploaded attachment.
const maxAttachmentBytes = 10 << 20

// Server provides the REST and websocket handlers.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	hub        *hub.Hub
	terms      *term.Manager
	guard      *auth.Guard
	logger     *slog.Logger
}

// NewServer creates an API server. terms may be nil when terminal
// sessions are disabled.
func NewServer(s store.Store, d *dispatch.Dispatcher, h *hub.Hub, terms *term.Manager, guard *auth.Guard, logger *slog.Logger) *Server {
	if guard == nil {
		guard = auth.NewGuard("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      s,
		dispatcher: d,
		hub:        h,
		terms:      terms,
		guard:      guard,
		logger:     logger,
	}
}

// Router returns the http.Handler for all routes. The health probe and
// the auth bootstrap stay outside the auth guard.
func (s *Server) Router() http.Handler {
	protected := http.NewServeMux()

	protected.HandleFunc("GET /api/tasks", s.listTasks)
	protected.HandleFunc("POST /api/tasks", s.createTask)
	protected.HandleFunc("POST /api/tasks/{id}/star", s.starTask)

	protected.HandleFunc("GET /api/workdirs", s.listWorkdirs)
	protected.HandleFunc("POST /api/workdirs", s.createWorkdir)
	protected.HandleFunc("GET /api/workdirs/{id}/tasks", s.listWorkdirTasks)
	// Legacy route names kept for older clients.
	protected.HandleFunc("GET /api/workspaces/{id}/threads", s.listWorkdirTasks)

	protected.HandleFunc("GET /api/workspaces/{id}/conversations/{task_id}", s.getConversation)
	protected.HandleFunc("POST /api/workspaces/{id}/attachments", s.uploadAttachment)
	protected.HandleFunc("GET /api/workspaces/{id}/attachments/{attachment_id}", s.getAttachment)

	protected.HandleFunc("GET /api/events", s.handleEvents)
	protected.HandleFunc("GET /api/pty/{workdir_id}/{task_id}", s.handlePTY)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /auth", s.guard.HandleBootstrap)
	mux.Handle("/", s.guard.Middleware(protected))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps lookup failures to 404 and the rest to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskListFilter{
		ProjectID:     r.URL.Query().Get("project_id"),
		WorkdirStatus: models.WorkdirStatus(r.URL.Query().Get("workdir_status")),
	}
	if raw := r.URL.Query().Get("task_status"); raw != "" {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.TaskStatus = status
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.fillTurnStatus(tasks)
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateTask
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Tag = protocol.ActionCreateTask
	if _, err := s.dispatcher.Apply(r.Context(), &protocol.Action{
		Type: protocol.TypeAction, Action: &req,
	}); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) starTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Starred bool `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	star := &protocol.StarTask{
		Tag: protocol.ActionStarTask, TaskID: r.PathValue("id"), Starred: req.Starred,
	}
	if _, err := s.dispatcher.Apply(r.Context(), &protocol.Action{
		Type: protocol.TypeAction, Action: star,
	}); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fillTurnStatus(tasks []*models.Task) {
	for _, t := range tasks {
		t.TurnStatus = s.dispatcher.Turns().RunStatus(t.ID)
	}
}

// --- Workdirs ---

func (s *Server) listWorkdirs(w http.ResponseWriter, r *http.Request) {
	workdirs, err := s.store.ListWorkdirs(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workdirs)
}

func (s *Server) createWorkdir(w http.ResponseWriter, r *http.Request) {
	var wd models.Workdir
	if err := json.NewDecoder(r.Body).Decode(&wd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if wd.ProjectID == "" || wd.Path == "" {
		writeError(w, http.StatusBadRequest, "project_id and path are required")
		return
	}
	if err := s.store.CreateWorkdir(r.Context(), &wd); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &wd)
}

func (s *Server) listWorkdirTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetWorkdir(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), store.TaskListFilter{WorkdirID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.fillTurnStatus(tasks)
	writeJSON(w, http.StatusOK, tasks)
}

// --- Conversations ---

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	workdirID := r.PathValue("id")
	taskID := r.PathValue("task_id")

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if task.WorkdirID != workdirID {
		writeError(w, http.StatusNotFound, "task not in workdir")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	snap, err := s.dispatcher.Log().Page(r.Context(), taskID, r.URL.Query().Get("before"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Attachments ---

func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	workdirID := r.PathValue("id")
	if _, err := s.store.GetWorkdir(r.Context(), workdirID); err != nil {
		writeStoreError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	ref := &models.AttachmentRef{
		WorkdirID: workdirID,
		Name:      header.Filename,
		MimeType:  mimeType,
	}
	if err := s.store.CreateAttachment(r.Context(), ref, data); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) getAttachment(w http.ResponseWriter, r *http.Request) {
	ref, data, err := s.store.GetAttachment(r.Context(), r.PathValue("attachment_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ref.WorkdirID != r.PathValue("id") {
		writeError(w, http.StatusNotFound, "attachment not in workdir")
		return
	}
	w.Header().Set("Content-Type", ref.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	w.Write(data)
}
