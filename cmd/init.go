package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/config"
	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
)

func newInitCommand() *cobra.Command {
	c := instanceCommand("init", "Write a config file with the resolved settings of an instance", RunInit)
	flagparse.RegisterTargetFlags(c.Flags())
	flagparse.RegisterRetentionFlags(c.Flags())
	flagparse.RegisterBackupFlags(c.Flags())
	c.Flags().String("path", "", "Where to write the config file (default: /etc/homelab-backup/<instance>.yaml).")
	c.Flags().Bool("overwrite", false, "Replace an existing config file.")
	return c
}

// RunInit handles the logic for the 'init' command.
func RunInit(c *cobra.Command, instance string) error {
	runConfig, err := loadConfig(c, instance)
	if err != nil {
		return err
	}

	path, _ := c.Flags().GetString("path")
	if path == "" {
		path = filepath.Join(config.ConfigSearchDirs[0], runConfig.Instance+".yaml")
	}
	overwrite, _ := c.Flags().GetBool("overwrite")

	// The derived log file follows the target, so it is not pinned in the file.
	if runConfig.LogFile == filepath.Join(runConfig.Target, runConfig.Instance+"_backup.log") {
		runConfig.LogFile = ""
	}

	if err := config.Generate(path, runConfig, overwrite); err != nil {
		return exitWith(engine.ExitFilesystem, fmt.Errorf("failed to generate config file: %w", err))
	}
	fmt.Fprintf(c.OutOrStdout(), "Wrote configuration for %s to %s\n", runConfig.Instance, path)
	return nil
}
