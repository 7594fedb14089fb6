//go:build windows

package mirror

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createCommand creates the rsync exec.Cmd on Windows.
func (e *Executor) createCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cmd := e.commandContext(ctx, name, arg...)
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}

func exitCode(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
