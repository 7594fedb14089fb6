package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/buildinfo"
	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/planner"
)

func newPruneCommand() *cobra.Command {
	c := instanceCommand("prune", "Apply retention to an instance's snapshots without taking a backup", RunPrune)
	flagparse.RegisterTargetFlags(c.Flags())
	flagparse.RegisterRetentionFlags(c.Flags())
	c.Flags().Bool("force", false, "Delete without asking for confirmation.")
	return c
}

// RunPrune handles the logic for the prune command.
func RunPrune(c *cobra.Command, instance string) error {
	runConfig, err := loadConfig(c, instance)
	if err != nil {
		return err
	}
	force, _ := c.Flags().GetBool("force")

	if !runConfig.DryRun && !force {
		if !isInteractive() {
			return exitWith(engine.ExitPrecondition, errors.New("refusing to delete snapshots without --force in a non-interactive session"))
		}
		fmt.Fprintf(c.OutOrStdout(), "This operation will permanently delete all but the newest %d snapshot(s) in %s.\n",
			runConfig.Retention, runConfig.SnapshotsDir())
		fmt.Fprintf(c.OutOrStdout(), "The snapshot referenced by latest is always kept.\n")
		if !PromptForConfirmation(c.InOrStdin(), c.OutOrStdout(), "Are you sure you want to continue?", false) {
			fmt.Fprintln(c.OutOrStdout(), buildinfo.Name+" prune operation canceled.")
			return nil
		}
	}

	logger := newRunLogger(c, runConfig.Level(), "")
	defer logger.Close()
	runConfig.LogSummary(logger.Logger)

	prunePlan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return exitWith(engine.ExitPrecondition, err)
	}

	// Pruning never mirrors.
	runner := engine.NewRunner(nil, pathretention.NewPathRetainer(logger.Logger), engine.WithLogger(logger.Logger))

	startTime := time.Now()
	out, err := runner.ExecutePrune(c.Context(), prunePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return exitWith(out.ExitCode, err)
	}
	logger.Info(buildinfo.Name+" prune finished successfully.", "removed", len(out.Prune.Removed), "duration", duration)
	return nil
}
