package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/planner"
	"github.com/paulschiretz/homelab-backup/pkg/pointer"
)

func newListCommand() *cobra.Command {
	c := instanceCommand("list", "List an instance's snapshots", RunList)
	flagparse.RegisterTargetFlags(c.Flags())
	c.Flags().String("order", "asc", "Sort order: 'asc' (oldest first) or 'desc' (newest first).")
	return c
}

// RunList handles the logic for the list command.
func RunList(c *cobra.Command, instance string) error {
	runConfig, err := loadConfig(c, instance)
	if err != nil {
		return err
	}
	orderFlag, _ := c.Flags().GetString("order")
	order, err := planner.ParseSortOrder(orderFlag)
	if err != nil {
		return exitWith(engine.ExitPrecondition, err)
	}

	names, err := pathretention.ListSnapshots(runConfig.SnapshotsDir())
	if err != nil {
		return exitWith(engine.ExitFilesystem, err)
	}
	ref, err := pointer.New(runConfig.PointerKind(), runConfig.Target)
	if err != nil {
		return exitWith(engine.ExitPrecondition, err)
	}
	latest, err := ref.Resolve()
	if err != nil {
		return exitWith(engine.ExitFilesystem, err)
	}

	out := c.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintf(out, "No snapshots in %s\n", runConfig.SnapshotsDir())
		return nil
	}

	order.Apply(names)
	current := now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SNAPSHOT\tAGE\tLATEST")
	for _, name := range names {
		mark := ""
		if latest != "" && filepath.Base(latest) == name {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, snapshotAge(name, current), mark)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d snapshot(s) in %s\n", len(names), runConfig.SnapshotsDir())
	return nil
}

// snapshotAge derives the age of a snapshot from its name. Collision
// suffixes are ignored.
func snapshotAge(name string, current time.Time) string {
	layout := planner.SnapshotNameLayout
	if len(name) < len(layout) {
		return "-"
	}
	taken, err := time.ParseInLocation(layout, name[:len(layout)], time.UTC)
	if err != nil {
		return "-"
	}
	return humanize.RelTime(taken, current, "ago", "from now")
}
