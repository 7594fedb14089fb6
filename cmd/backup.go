package cmd

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/buildinfo"
	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
	"github.com/paulschiretz/homelab-backup/pkg/hook"
	"github.com/paulschiretz/homelab-backup/pkg/metrics"
	"github.com/paulschiretz/homelab-backup/pkg/mirror"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/planner"
	"github.com/paulschiretz/homelab-backup/pkg/preflight"
)

func newBackupCommand() *cobra.Command {
	c := instanceCommand("backup", "Take a snapshot of an instance and apply retention", RunBackup)
	flagparse.RegisterTargetFlags(c.Flags())
	flagparse.RegisterRetentionFlags(c.Flags())
	flagparse.RegisterBackupFlags(c.Flags())
	return c
}

// RunBackup handles the logic for the main backup execution.
func RunBackup(c *cobra.Command, instance string) error {
	runConfig, err := loadConfig(c, instance)
	if err != nil {
		return err
	}

	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return exitWith(engine.ExitPrecondition, err)
	}
	// The default log file lives under the target, so the checks must pass
	// before opening it creates anything.
	if err := preflight.Run(backupPlan.Preflight, backupPlan.Source, backupPlan.Target); err != nil {
		return exitWith(engine.ExitPrecondition, fmt.Errorf("preflight failed: %w", err))
	}

	// A dry run must not create the target just to hold its log file.
	logFile := runConfig.LogFile
	if runConfig.DryRun {
		logFile = ""
	}
	logger := newRunLogger(c, runConfig.Level(), logFile)
	defer logger.Close()

	logger.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "instance", instance)
	runConfig.LogSummary(logger.Logger)

	// Create the runner and feed it with our leaf workers
	mirrorer := mirror.NewExecutor(exec.CommandContext, logger.Logger)
	mirrorer.Stdout, mirrorer.Stderr = c.OutOrStdout(), c.ErrOrStderr()
	hooks := hook.NewHookExecutor(exec.CommandContext, logger.Logger)
	hooks.Stdout, hooks.Stderr = c.OutOrStdout(), c.ErrOrStderr()

	opts := []engine.Option{engine.WithLogger(logger.Logger), engine.WithHooks(hooks)}
	if runConfig.MetricsTextfile != "" {
		opts = append(opts, engine.WithMetrics(metrics.NewTextfileMetrics(runConfig.MetricsTextfile)))
	}
	runner := engine.NewRunner(mirrorer, pathretention.NewPathRetainer(logger.Logger), opts...)

	// Execute the plan
	startTime := time.Now()
	out, err := runner.ExecuteBackup(c.Context(), backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return exitWith(out.ExitCode, err)
	}
	logger.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}
