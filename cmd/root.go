// Package cmd implements the homelab-backup command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/buildinfo"
	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/plog"
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitWith(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "homelab-backup",
		Short: "Hardlinked rsync snapshots for homelab services",
		Long: `homelab-backup mirrors the data directory of a homelab service into a new
timestamped snapshot, hardlinking unchanged files against the previous one, and
keeps the newest N snapshots.

Every target root holds:
  snapshots/<YYYYMMDD_HHMMSS>/  one directory per snapshot
  latest                        the newest successful snapshot
  last_run.json                 the outcome of the last run, for monitoring

Examples:
  # Back up Vaultwarden with the built-in defaults
  homelab-backup backup vaultwarden

  # See what a Nextcloud backup would do
  homelab-backup backup nextcloud --dry-run

  # Check the last run from a monitoring script
  homelab-backup status vaultwarden --max-age 26h`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SuggestionsMinimumDistance = 2

	root.AddCommand(
		newBackupCommand(),
		newPruneCommand(),
		newListCommand(),
		newStatusCommand(),
		newInitCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return exitCode(root.ExecuteContext(ctx))
}

// exitCode logs err and maps it to an exit code. Errors that do not carry a
// code are usage errors.
func exitCode(err error) int {
	if err == nil {
		return engine.ExitOK
	}
	code := engine.ExitPrecondition
	if exitErr, ok := errors.AsType[*ExitError](err); ok {
		code = exitErr.Code
	}
	plog.Error(fmt.Sprintf("%s exited with error", buildinfo.Name), "error", err, "exit_code", code)
	return code
}
