package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crew/internal/agent"
	"github.com/joescharf/crew/internal/dispatch"
	"github.com/joescharf/crew/internal/hub"
	"github.com/joescharf/crew/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding-agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients query crew natively for tasks and conversation
logs, post messages, and move tasks between statuses. Configure with:

  {
    "mcpServers": {
      "crew": { "command": "crew", "args": ["mcp"] }
    }
  }

Available tools: crew_list_tasks, crew_get_conversation,
crew_post_message, crew_set_task_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		// stdout carries the MCP protocol, so logs go to stderr only.
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		executor := agent.NewExecutor(
			viper.GetString("anthropic.api_key"),
			viper.GetString("anthropic.model"),
			s,
		)
		d := dispatch.New(s, hub.New(), executor, logger)

		return mcp.NewServer(s, d).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
