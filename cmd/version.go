package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/buildinfo"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return RunVersion(c, buildinfo.Name, buildinfo.Version)
		},
	}
}

// RunVersion prints the application version.
func RunVersion(c *cobra.Command, appName, appVersion string) error {
	fmt.Fprintf(c.OutOrStdout(), "%s version %s\n", appName, appVersion)
	return nil
}
