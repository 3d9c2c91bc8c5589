// Package mcp exposes crew's tasks and conversations as MCP tools over
// stdio, so other agents can inspect and drive sessions.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/crew/internal/dispatch"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/protocol"
	"github.com/joescharf/crew/internal/store"
)

// Server wraps the crew data layer and exposes it as MCP tools.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, d *dispatch.Dispatcher) *Server {
	return &Server{store: s, dispatcher: d}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("crew", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.getConversationTool())
	srv.AddTool(s.postMessageTool())
	srv.AddTool(s.setTaskStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// crew_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_list_tasks",
		mcp.WithDescription("List tasks. Returns a JSON array with id, workdir_id, title, task_status, turn_status, and is_starred."),
		mcp.WithString("project_id", mcp.Description("Filter by owning project id")),
		mcp.WithString("task_status", mcp.Description("Filter by task status (backlog, todo, iterating, validating, done, canceled)")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskListFilter{ProjectID: request.GetString("project_id", "")}
	if raw := request.GetString("task_status", ""); raw != "" {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.TaskStatus = status
	}

	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	for _, t := range tasks {
		t.TurnStatus = s.dispatcher.Turns().RunStatus(t.ID)
	}

	data, err := json.Marshal(tasks)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_get_conversation
func (s *Server) getConversationTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_get_conversation",
		mcp.WithDescription("Get a task's conversation snapshot: entries, run status, and queued prompts. Supports cursor pagination via before/limit."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("before", mcp.Description("Entry id cursor; returns entries older than it")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return")),
	)
	return tool, s.handleGetConversation
}

func (s *Server) handleGetConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	snap, err := s.dispatcher.Log().Page(ctx, taskID,
		request.GetString("before", ""), request.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load conversation: %v", err)), nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_post_message
func (s *Server) postMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_post_message",
		mcp.WithDescription("Send a message to a task. Starts a turn when the task is idle, otherwise queues the message."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
	)
	return tool, s.handlePostMessage
}

func (s *Server) handlePostMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}

	rev, err := s.dispatcher.Apply(ctx, &protocol.Action{
		Type: protocol.TypeAction,
		Action: &protocol.SendAgentMessage{
			Tag: protocol.ActionSendAgentMessage, TaskID: taskID, Text: text,
		},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"rev":%d}`, rev)), nil
}

// crew_set_task_status
func (s *Server) setTaskStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_set_task_status",
		mcp.WithDescription("Move a task to a lifecycle status. Accepts legacy aliases in_progress and in_review."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Target status")),
	)
	return tool, s.handleSetTaskStatus
}

func (s *Server) handleSetTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}

	rev, err := s.dispatcher.Apply(ctx, &protocol.Action{
		Type: protocol.TypeAction,
		Action: &protocol.TaskStatusSet{
			Tag: protocol.ActionTaskStatusSet, TaskID: taskID, Status: status,
		},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to set status: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"rev":%d}`, rev)), nil
}
