// Package hook runs user supplied shell commands around a backup.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/paulschiretz/homelab-backup/pkg/hints"
	"github.com/paulschiretz/homelab-backup/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	logger         *slog.Logger

	// Stdout and Stderr receive the output of hook commands.
	Stdout io.Writer
	Stderr io.Writer
}

// NewHookExecutor creates a new HookExecutor. A nil logger uses the package default.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd, logger *slog.Logger) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
		logger:         plog.Or(logger),
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

// RunPreHooks runs the pre-backup commands in order and stops at the first
// failure. The backup must not start when a pre-backup hook failed.
func (e *HookExecutor) RunPreHooks(ctx context.Context, p *Plan) error {
	if len(p.PreHookCommands) == 0 {
		return ErrNothingToExecute
	}
	e.logger.Info("Running pre-backup hook commands", "count", len(p.PreHookCommands))
	for _, hookCommand := range p.PreHookCommands {
		if err := e.run(ctx, hookCommand, p); err != nil {
			return err
		}
	}
	return nil
}

// RunPostHooks runs every post-backup command even if earlier ones fail. The
// returned error joins all failures; a canceled context is returned as is.
func (e *HookExecutor) RunPostHooks(ctx context.Context, p *Plan) error {
	if len(p.PostHookCommands) == 0 {
		return ErrNothingToExecute
	}
	e.logger.Info("Running post-backup hook commands", "count", len(p.PostHookCommands))
	var errs []error
	for _, hookCommand := range p.PostHookCommands {
		err := e.run(ctx, hookCommand, p)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			e.logger.Warn("Hook command failed", "command", hookCommand, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *HookExecutor) run(ctx context.Context, hookCommand string, p *Plan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if p.DryRun {
		e.logger.Info("[DRY RUN] Executing command", "command", hookCommand)
		return nil
	}
	e.logger.Info("Executing command", "command", hookCommand)

	cmd := e.createCommand(ctx, hookCommand)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, p.Env...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	if err := cmd.Run(); err != nil {
		// A canceled context makes cmd.Run fail too; report the cancellation.
		if ctx.Err() == context.Canceled {
			return context.Canceled
		}
		return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
	}
	return nil
}
