// Package mirror runs the external rsync process that populates a snapshot.
//
// A snapshot is a full mirror of the source. When a link source is given,
// rsync hardlinks unchanged files against it (--link-dest), so each snapshot
// only costs the space of what changed since the previous one.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/homelab-backup/pkg/plog"
	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// DefaultRsyncPath is the binary used when Options.RsyncPath is empty.
const DefaultRsyncPath = "rsync"

// ErrUnavailable is returned when the mirror binary cannot be started.
var ErrUnavailable = errors.New("mirror tool unavailable")

// ExitError is returned when rsync ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("rsync exited with code %d", e.Code)
	if detail := lastLine(e.Stderr); detail != "" {
		msg += ": " + detail
	}
	return msg
}

// Options describes one mirror operation.
type Options struct {
	RsyncPath string
	// ExtraArgs are passed to rsync before the paths.
	ExtraArgs []string

	Source      string
	Destination string
	// LinkDest is the previous snapshot to hardlink unchanged files against.
	// Empty means a full copy.
	LinkDest string

	DryRun bool
	// Timeout aborts the mirror after this long. Zero means no timeout.
	Timeout time.Duration
}

// Result describes a finished mirror process.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Mirrorer defines the interface for a component that populates a snapshot.
type Mirrorer interface {
	Mirror(ctx context.Context, o Options) (Result, error)
}

// BuildCommand returns the full rsync argument vector for o, binary first.
// Source and destination are made absolute and end in exactly one separator,
// so rsync copies the contents of the source rather than the directory
// itself. The link source is resolved to an absolute, symlink-free path.
func BuildCommand(o Options) ([]string, error) {
	if o.Source == "" || o.Destination == "" {
		return nil, fmt.Errorf("source and destination are required")
	}
	src, err := filepath.Abs(o.Source)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute source path: %w", err)
	}
	dst, err := filepath.Abs(o.Destination)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute destination path: %w", err)
	}

	rsyncPath := o.RsyncPath
	if rsyncPath == "" {
		rsyncPath = DefaultRsyncPath
	}

	// rsync arguments:
	// -a :: archive mode, recursive with permissions, times, owners and links.
	// --delete :: remove files from the destination that are gone from the source.
	// --numeric-ids :: keep uid/gid numbers, the backup host may not know the users.
	// --info=progress2 :: one overall progress line instead of per-file output.
	args := []string{rsyncPath, "-a", "--delete", "--numeric-ids", "--info=progress2"}

	if o.LinkDest != "" {
		linkDest, err := filepath.Abs(o.LinkDest)
		if err != nil {
			return nil, fmt.Errorf("could not determine absolute link source path: %w", err)
		}
		if linkDest, err = filepath.EvalSymlinks(linkDest); err != nil {
			return nil, fmt.Errorf("could not resolve link source: %w", err)
		}
		args = append(args, "--link-dest", linkDest)
	}
	if o.DryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, o.ExtraArgs...)
	args = append(args, util.WithTrailingSeparator(src), util.WithTrailingSeparator(dst))
	return args, nil
}

// Executor runs rsync as a child process.
type Executor struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	logger         *slog.Logger

	// Stdout and Stderr receive a live copy of rsync's output.
	Stdout io.Writer
	Stderr io.Writer
}

// Statically assert that *Executor implements the Mirrorer interface.
var _ Mirrorer = (*Executor)(nil)

// NewExecutor creates an Executor. A nil logger uses the package default.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd, logger *slog.Logger) *Executor {
	return &Executor{
		commandContext: commandContext,
		logger:         plog.Or(logger),
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

// Mirror runs rsync and waits for it to exit. A non-zero exit returns an
// *ExitError, a binary that cannot be started returns ErrUnavailable, and a
// canceled or timed out context returns the context's error.
func (e *Executor) Mirror(ctx context.Context, o Options) (Result, error) {
	args, err := BuildCommand(o)
	if err != nil {
		return Result{}, err
	}
	res := Result{Args: args, ExitCode: -1}

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if o.DryRun {
		e.logger.Info("[DRY RUN] Starting mirror with rsync", "command", strings.Join(args, " "))
	} else {
		e.logger.Info("Starting mirror with rsync", "command", strings.Join(args, " "))
	}

	var stdout, stderr bytes.Buffer
	cmd := e.createCommand(ctx, args[0], args[1:]...)
	cmd.Stdout = io.MultiWriter(&stdout, e.Stdout)
	cmd.Stderr = io.MultiWriter(&stderr, e.Stderr)

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err == nil {
		res.ExitCode = 0
		e.logger.Debug("Mirror finished", "duration", res.Duration)
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("mirror interrupted: %w", ctxErr)
	}
	if exitErr, ok := errors.AsType[*exec.ExitError](err); ok {
		res.ExitCode = exitCode(exitErr)
		return res, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("%w: %s: %v", ErrUnavailable, args[0], err)
}

// lastLine returns the last non-empty line of s, which for rsync is usually
// the summary of what went wrong.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
