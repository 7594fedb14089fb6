package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/paulschiretz/homelab-backup/pkg/config"
	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/flagparse"
	"github.com/paulschiretz/homelab-backup/pkg/plog"
)

var (
	// now is swapped in tests.
	now = time.Now

	// isInteractive reports whether a human can answer a prompt.
	isInteractive = func() bool {
		fd := os.Stdin.Fd()
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
)

// instanceCommand returns a command that takes exactly one known instance name.
func instanceCommand(use, short string, run func(c *cobra.Command, instance string) error) *cobra.Command {
	return &cobra.Command{
		Use:       use + " <instance>",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.ProfileNames(),
		RunE: func(c *cobra.Command, args []string) error {
			return run(c, args[0])
		},
	}
}

// loadConfig resolves and validates the configuration of instance from the
// profile defaults, the config file, the environment and the flags the user set.
func loadConfig(c *cobra.Command, instance string) (config.Config, error) {
	profile, err := config.LookupProfile(instance)
	if err != nil {
		return config.Config{}, exitWith(engine.ExitPrecondition, err)
	}
	flags, err := flagparse.ChangedValues(c.Flags())
	if err != nil {
		return config.Config{}, exitWith(engine.ExitPrecondition, err)
	}
	configFile, _ := c.Flags().GetString("config")

	cfg, err := config.Load(profile, config.LoadOptions{ConfigFile: configFile, Flags: flags})
	if err != nil {
		return config.Config{}, exitWith(engine.ExitPrecondition, err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, exitWith(engine.ExitPrecondition, err)
	}
	plog.SetLevel(cfg.Level())
	return cfg, nil
}

// newRunLogger returns a logger writing to the command's streams and, when
// logFile is set, to the log file. A log file that cannot be opened is
// reported and the run continues on the console.
func newRunLogger(c *cobra.Command, level slog.Level, logFile string) *plog.RunLogger {
	opts := plog.RunLoggerOptions{
		FilePath: logFile,
		Level:    level,
		Stdout:   c.OutOrStdout(),
		Stderr:   c.ErrOrStderr(),
	}
	l, err := plog.NewRunLogger(opts)
	if err == nil {
		return l
	}
	opts.FilePath = ""
	l, _ = plog.NewRunLogger(opts)
	l.Warn("Cannot open log file, logging to the console only", "path", logFile, "error", err)
	return l
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
