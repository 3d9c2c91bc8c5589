package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
	"github.com/joescharf/crew/internal/store"
)

var (
	taskStatusFilter string
	taskWorkdirID    string
	taskInitialText  string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(taskStatusFilter)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks across all workdirs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(taskStatusFilter)
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task in a workdir",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAddRun(taskWorkdirID, args[0], taskInitialText)
	},
}

var taskStarCmd = &cobra.Command{
	Use:   "star <task-id>",
	Short: "Toggle a task's starred flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskStarRun(args[0])
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <status>",
	Short: "Set a task's status",
	Long: `Set a task's status. Valid statuses: backlog, todo, iterating,
validating, done, canceled. The aliases in_progress and in_review are
accepted for iterating and validating.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskStatusRun(args[0], args[1])
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and the tail of its conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

func init() {
	taskCmd.PersistentFlags().StringVarP(&taskStatusFilter, "status", "s", "", "Filter by task status")
	taskAddCmd.Flags().StringVarP(&taskWorkdirID, "workdir", "w", "", "Workdir ID (required)")
	taskAddCmd.Flags().StringVarP(&taskInitialText, "message", "m", "", "Initial user message")
	_ = taskAddCmd.MarkFlagRequired("workdir")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskStarCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskListRun(statusFilter string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.TaskListFilter{}
	if statusFilter != "" {
		status, err := models.ParseTaskStatus(statusFilter)
		if err != nil {
			return err
		}
		filter.TaskStatus = status
	}

	tasks, err := s.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		ui.Info("No tasks found. Create one with 'crew task add'.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Starred", "Workdir", "Updated"})
	for _, t := range tasks {
		starred := ""
		if t.IsStarred {
			starred = "*"
		}
		table.Append([]string{
			t.ID,
			truncate(t.Title, 48),
			output.StatusColor(string(t.Status)),
			starred,
			t.WorkdirID,
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func taskAddRun(workdirID, title, text string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if _, err := s.GetWorkdir(ctx, workdirID); err != nil {
		return fmt.Errorf("workdir %s: %w", workdirID, err)
	}

	if dryRun {
		ui.DryRunMsg("Would create task %q in workdir %s", title, workdirID)
		return nil
	}

	t := &models.Task{WorkdirID: workdirID, Title: title}
	if err := s.CreateTask(ctx, t); err != nil {
		return err
	}

	if text != "" {
		payload, err := json.Marshal(models.UserEventPayload{Text: text})
		if err != nil {
			return err
		}
		entry := &models.ConversationEntry{TaskID: t.ID, Kind: models.EntryUser, Payload: payload}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}
	}

	ui.Success("Task created: %s", t.ID)
	return nil
}

func taskStarRun(taskID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	t.IsStarred = !t.IsStarred
	if err := s.UpdateTask(ctx, t); err != nil {
		return err
	}

	if t.IsStarred {
		ui.Success("Starred %s", t.ID)
	} else {
		ui.Success("Unstarred %s", t.ID)
	}
	return nil
}

func taskStatusRun(taskID, statusArg string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	status, err := models.ParseTaskStatus(statusArg)
	if err != nil {
		return err
	}

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if t.Status == status {
		ui.Info("Task %s already %s", t.ID, status)
		return nil
	}

	t.Status = status
	if err := s.UpdateTask(ctx, t); err != nil {
		return err
	}

	ui.Success("Task %s -> %s", t.ID, output.StatusColor(string(status)))
	return nil
}

func taskShowRun(taskID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(t.ID), t.Title)
	fmt.Fprintf(ui.Out, "  status: %s  starred: %v  workdir: %s\n",
		output.StatusColor(string(t.Status)), t.IsStarred, t.WorkdirID)
	if t.LastTurnResult != "" {
		fmt.Fprintf(ui.Out, "  last turn: %s\n", string(t.LastTurnResult))
	}

	page, err := s.ListEntries(ctx, t.ID, 0, 20)
	if err != nil {
		return err
	}
	if len(page.Entries) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	for _, e := range page.Entries {
		var payload struct {
			Text string `json:"text"`
		}
		_ = e.UnmarshalPayload(&payload)
		text := payload.Text
		if text == "" {
			text = string(e.Payload)
		}
		fmt.Fprintf(ui.Out, "  [%s] %s\n", e.Kind, truncate(strings.ReplaceAll(text, "\n", " "), 96))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
