package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
	"github.com/paulschiretz/homelab-backup/pkg/status"
)

// Exit codes of the status command, for monitoring scripts.
const (
	statusHealthy   = 0
	statusUnhealthy = 1
	statusUnknown   = 2
)

// DefaultMaxAge allows a daily backup some slack.
const DefaultMaxAge = 26 * time.Hour

func newStatusCommand() *cobra.Command {
	c := instanceCommand("status", "Show the outcome of an instance's last backup", RunStatus)
	c.Long = `Show the outcome of an instance's last backup.

Exits 0 if the last run succeeded and is not older than --max-age, 1 if it
failed or is stale, and 2 if there is no readable status record.`
	flagparse.RegisterTargetFlags(c.Flags())
	c.Flags().Duration("max-age", DefaultMaxAge, "Report the backup as stale when the last run is older than this (0 disables the check).")
	return c
}

// RunStatus handles the logic for the status command.
func RunStatus(c *cobra.Command, instance string) error {
	runConfig, err := loadConfig(c, instance)
	if err != nil {
		return err
	}
	maxAge, _ := c.Flags().GetDuration("max-age")

	rec, err := status.Read(runConfig.Target)
	if errors.Is(err, os.ErrNotExist) {
		return exitWith(statusUnknown, fmt.Errorf("no status record at %s, has a backup run yet?", status.Path(runConfig.Target)))
	} else if err != nil {
		return exitWith(statusUnknown, err)
	}

	current := now()
	age := current.Sub(rec.Timestamp)

	w := tabwriter.NewWriter(c.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Instance:\t%s\n", instance)
	fmt.Fprintf(w, "Last run:\t%s (%s)\n", rec.Timestamp.Local().Format(time.DateTime), humanize.RelTime(rec.Timestamp, current, "ago", "from now"))
	if rec.Success {
		fmt.Fprintf(w, "Result:\tsuccess\n")
	} else {
		fmt.Fprintf(w, "Result:\tfailed (%s, exit code %d)\n", rec.FailureKind, rec.ExitCode)
		if rec.LastSuccess != nil {
			fmt.Fprintf(w, "Last success:\t%s (%s)\n", rec.LastSuccess.Local().Format(time.DateTime), humanize.RelTime(*rec.LastSuccess, current, "ago", "from now"))
		}
	}
	if snap := rec.SnapshotPath(); snap != "" {
		fmt.Fprintf(w, "Snapshot:\t%s\n", snap)
	}
	if rec.DurationSeconds > 0 {
		fmt.Fprintf(w, "Duration:\t%s\n", time.Duration(rec.DurationSeconds*float64(time.Second)).Round(time.Second))
	}
	if len(rec.PruneFailures) > 0 {
		fmt.Fprintf(w, "Prune failures:\t%s\n", humanize.Comma(int64(len(rec.PruneFailures))))
	}
	fmt.Fprintf(w, "Message:\t%s\n", rec.Message)
	if err := w.Flush(); err != nil {
		return err
	}

	if !rec.Success {
		return exitWith(statusUnhealthy, fmt.Errorf("last backup failed: %s", rec.Message))
	}
	if maxAge > 0 && age > maxAge {
		return exitWith(statusUnhealthy, fmt.Errorf("last backup is stale: it ran %s, maximum age is %s",
			humanize.RelTime(rec.Timestamp, current, "ago", "from now"), maxAge))
	}
	return nil
}
