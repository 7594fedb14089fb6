//go:build !windows

package mirror

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long a canceled rsync may take to exit after SIGTERM.
const waitDelay = 30 * time.Second

// createCommand creates the rsync exec.Cmd on Unix-like systems.
func (e *Executor) createCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cmd := e.commandContext(ctx, name, arg...)
	// rsync forks a receiver; run them in their own process group so a canceled
	// context can stop both, and a terminal Ctrl-C only reaches us.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// exitCode maps a process exit to a shell-style code: the exit status, or
// 128+signal when rsync was killed.
func exitCode(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}
