//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs puts the background server in its own session so it
// survives the launching terminal.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals lists the signals that trigger graceful shutdown of
// the foreground server.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// sigTERM is the polite stop signal for `crew serve stop`.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL is the escalation when the server ignores sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
