package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/crew/internal/models"
)

var workdirCmd = &cobra.Command{
	Use:     "workdir",
	Aliases: []string{"wd"},
	Short:   "Manage workdirs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workdirListRun()
	},
}

var workdirListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workdirs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workdirListRun()
	},
}

var workdirAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a working copy as a workdir",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workdirAddRun(args[0], args[1])
	},
}

var workdirArchiveCmd = &cobra.Command{
	Use:   "archive <workdir-id>",
	Short: "Archive a workdir",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workdirArchiveRun(args[0])
	},
}

func init() {
	workdirCmd.AddCommand(workdirListCmd)
	workdirCmd.AddCommand(workdirAddCmd)
	workdirCmd.AddCommand(workdirArchiveCmd)
	rootCmd.AddCommand(workdirCmd)
}

func workdirListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	workdirs, err := s.ListWorkdirs(ctx, "")
	if err != nil {
		return err
	}

	if len(workdirs) == 0 {
		ui.Info("No workdirs found. Register one with 'crew workdir add'.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Path", "Status"})
	for _, w := range workdirs {
		table.Append([]string{w.ID, w.Name, w.Path, string(w.Status)})
	}
	table.Render()
	return nil
}

func workdirAddRun(name, path string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(absPath); err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absPath)
	}

	if dryRun {
		ui.DryRunMsg("Would register workdir %q at %s", name, absPath)
		return nil
	}

	w := &models.Workdir{Name: name, Path: absPath}
	if err := s.CreateWorkdir(ctx, w); err != nil {
		return err
	}

	ui.Success("Workdir registered: %s", w.ID)
	return nil
}

func workdirArchiveRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	w, err := s.GetWorkdir(ctx, id)
	if err != nil {
		return err
	}

	if w.Status == models.WorkdirStatusArchived {
		ui.Info("Workdir %s already archived", w.ID)
		return nil
	}

	w.Status = models.WorkdirStatusArchived
	if err := s.UpdateWorkdir(ctx, w); err != nil {
		return err
	}

	ui.Success("Workdir archived: %s", w.ID)
	return nil
}
