// Package flagparse registers the per-instance command-line flags and turns the
// flags a user actually set into configuration overrides.
package flagparse

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flag names mapped to their configuration keys. Only flags in this table are
// considered configuration overrides.
var flagToConfigKey = map[string]string{
	"source":           "source",
	"target":           "target",
	"log-file":         "log_file",
	"log-level":        "log_level",
	"retention":        "retention",
	"dry-run":          "dry_run",
	"rsync-path":       "rsync_path",
	"rsync-arg":        "rsync_args",
	"pointer":          "pointer",
	"mirror-timeout":   "mirror_timeout",
	"delete-workers":   "delete_workers",
	"require-mount":    "require_mount",
	"metrics-textfile": "metrics_textfile",
	"pre-backup-hook":  "pre_backup_hooks",
	"post-backup-hook": "post_backup_hooks",
}

// RegisterTargetFlags registers the flags that locate a target. Every
// instance command gets them.
func RegisterTargetFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file (default: /etc/homelab-backup/<instance>.yaml if present).")
	fs.String("source", "", "Source directory to back up.")
	fs.String("target", "", "Backup root holding snapshots/, latest and last_run.json.")
	fs.String("log-file", "", "Run log file (default: <target>/<instance>_backup.log).")
	fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	fs.String("pointer", "symlink", "How the latest snapshot is referenced: 'symlink' or 'file'.")
}

// RegisterRetentionFlags registers the flags shared by backup and prune.
func RegisterRetentionFlags(fs *pflag.FlagSet) {
	fs.Int("retention", 7, "Number of snapshots to keep (FIFO).")
	fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	fs.Int("delete-workers", 2, "Number of worker goroutines for deleting outdated snapshots.")
}

// RegisterBackupFlags registers the flags only the backup command uses.
func RegisterBackupFlags(fs *pflag.FlagSet) {
	fs.String("rsync-path", "rsync", "rsync binary to run.")
	fs.StringArray("rsync-arg", nil, "Extra argument passed to rsync before the paths (repeatable).")
	fs.Duration("mirror-timeout", 0, "Abort the mirror after this long (0 = no timeout).")
	fs.Bool("require-mount", false, "Refuse to back up to a target on the root filesystem.")
	fs.String("metrics-textfile", "", "Write Prometheus metrics to this file after each run.")
	fs.StringArray("pre-backup-hook", nil, "Shell command to run before the mirror (repeatable).")
	fs.StringArray("post-backup-hook", nil, "Shell command to run after a successful backup (repeatable).")
}

// ChangedValues returns the values of the flags the user explicitly set,
// keyed by configuration key.
func ChangedValues(fs *pflag.FlagSet) (map[string]any, error) {
	values := make(map[string]any)
	var firstErr error

	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagToConfigKey[f.Name]
		if !ok || firstErr != nil {
			return
		}

		var (
			v   any
			err error
		)
		switch f.Value.Type() {
		case "string":
			v, err = fs.GetString(f.Name)
		case "int":
			v, err = fs.GetInt(f.Name)
		case "bool":
			v, err = fs.GetBool(f.Name)
		case "duration":
			v, err = fs.GetDuration(f.Name)
		case "stringArray":
			v, err = fs.GetStringArray(f.Name)
		default:
			err = fmt.Errorf("unsupported flag type %q", f.Value.Type())
		}
		if err != nil {
			firstErr = fmt.Errorf("flag --%s: %w", f.Name, err)
			return
		}
		values[key] = v
	})

	if firstErr != nil {
		return nil, firstErr
	}
	return values, nil
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseArgList parses a comma-separated list of program arguments.
// Quotes only group items containing commas or spaces and are removed.
func ParseArgList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// Commands keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r {
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else {
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
