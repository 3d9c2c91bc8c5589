package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crew/internal/agent"
	"github.com/joescharf/crew/internal/api"
	"github.com/joescharf/crew/internal/auth"
	"github.com/joescharf/crew/internal/daemon"
	"github.com/joescharf/crew/internal/dispatch"
	"github.com/joescharf/crew/internal/hub"
	"github.com/joescharf/crew/internal/term"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator server",
	Long: `Start the HTTP/WebSocket coordinator server in the foreground.

Clients connect over REST for snapshots and over WebSocket for the
live event stream and task terminals. Use 'crew serve start' to run
it as a background daemon instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonize, _ := cmd.Flags().GetBool("daemon"); daemonize {
			return serveStartRun()
		}
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)

	serveCmd.Flags().IntP("port", "p", 7460, "port to listen on")
	serveCmd.Flags().String("auth-token", "", "bootstrap token (empty disables auth)")
	serveCmd.Flags().BoolP("daemon", "d", false, "run in the background (same as 'serve start')")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("auth.token", serveCmd.Flags().Lookup("auth-token"))
}

// pidFile returns the PID file manager for the background server.
func pidFile() *daemon.PIDFile {
	dir, err := configDirFunc()
	if err != nil {
		dir = "."
	}
	return daemon.NewPIDFile(filepath.Join(dir, "crew-serve.pid"))
}

// serveLogPath returns the log file path for the background server.
func serveLogPath() string {
	dir, err := configDirFunc()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "crew-serve.log")
}

func serveLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func defaultShell() string {
	if shell := viper.GetString("terminal.shell"); shell != "" {
		return shell
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// serveRun builds the full server stack and blocks until a shutdown
// signal arrives.
func serveRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	logger := serveLogger()

	executor := agent.NewExecutor(
		viper.GetString("anthropic.api_key"),
		viper.GetString("anthropic.model"),
		s,
	)

	h := hub.New()
	d := dispatch.New(s, h, executor, logger)

	terms := term.NewManager(
		defaultShell(),
		"",
		viper.GetInt("terminal.history_bytes"),
		d.TerminalEvent,
		logger,
	)
	defer terms.Close()

	guard := auth.NewGuard(viper.GetString("auth.token"))
	srv := api.NewServer(s, d, h, terms, guard, logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "auth", guard.Enabled())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// serveStartRun forks the server into the background and records its PID.
func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if dryRun {
		ui.DryRunMsg("Would start background server: %s serve", exe)
		return nil
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	if err := pf.WritePID(child.Process.Pid); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("write PID file: %w", err)
	}

	// Detach so the child survives this process.
	_ = child.Process.Release()

	ui.Success("Server started (pid %d), logs: %s", child.Process.Pid, serveLogPath())
	return nil
}

// serveStopRun signals the background server and waits for it to exit.
func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}

	// Give it a grace period before escalating.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			_ = pf.Remove()
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = pf.Signal(sigKILL())
	_ = pf.Remove()
	ui.Warning("Server killed after timeout (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Info("Server is running (pid %d)", pid)
	} else {
		ui.Info("Server is not running")
	}
	return nil
}
