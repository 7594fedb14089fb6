// Package engine runs the per-target backup state machine:
//
//	PREFLIGHT -> LOCK -> PLAN -> MIRROR -> ok:   ADVANCE_POINTER -> PRUNE -> RECORD_SUCCESS
//	                                      fail: RECORD_FAILURE
//
// Preflight failures and lock contention end the run before anything is
// written. Every later path ends by overwriting the status record, which is
// what monitoring reads. A failed mirror keeps its partial snapshot on disk
// and leaves the latest pointer where it was.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/homelab-backup/pkg/buildinfo"
	"github.com/paulschiretz/homelab-backup/pkg/hints"
	"github.com/paulschiretz/homelab-backup/pkg/hook"
	"github.com/paulschiretz/homelab-backup/pkg/lockfile"
	"github.com/paulschiretz/homelab-backup/pkg/metrics"
	"github.com/paulschiretz/homelab-backup/pkg/mirror"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/planner"
	"github.com/paulschiretz/homelab-backup/pkg/plog"
	"github.com/paulschiretz/homelab-backup/pkg/pointer"
	"github.com/paulschiretz/homelab-backup/pkg/preflight"
	"github.com/paulschiretz/homelab-backup/pkg/status"
	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// HookRunner runs the pre- and post-backup hooks.
type HookRunner interface {
	RunPreHooks(ctx context.Context, p *hook.Plan) error
	RunPostHooks(ctx context.Context, p *hook.Plan) error
}

// Runner executes backup and prune plans.
type Runner struct {
	mirrorer mirror.Mirrorer
	retainer pathretention.Retainer
	hooks    HookRunner
	metrics  metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	runID    string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithHooks sets the hook runner. Without one, hooks are skipped.
func WithHooks(h HookRunner) Option { return func(r *Runner) { r.hooks = h } }

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) Option { return func(r *Runner) { r.runID = id } }

// NewRunner creates a Runner around its leaf workers.
func NewRunner(m mirror.Mirrorer, ret pathretention.Retainer, opts ...Option) *Runner {
	r := &Runner{
		mirrorer: m,
		retainer: ret,
		metrics:  &metrics.NoopMetrics{},
		now:      time.Now,
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = plog.Or(r.logger)
	return r
}

// RunID identifies this runner's run in logs, the lock file and the status record.
func (r *Runner) RunID() string { return r.runID }

// backupRun holds the mutable state of one backup.
type backupRun struct {
	*Runner
	plan   *planner.BackupPlan
	logger *slog.Logger
	start  time.Time
	record status.Record
	notes  []string
}

// ExecuteBackup runs one backup. The returned Outcome always carries the exit
// code; the error is non-nil whenever the code is.
func (r *Runner) ExecuteBackup(ctx context.Context, p *planner.BackupPlan) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: ExitCanceled}, err
	}
	logger := r.logger.With("instance", p.Instance, "run", r.runID)

	if err := preflight.Run(p.Preflight, p.Source, p.Target); err != nil {
		return Outcome{ExitCode: ExitPrecondition}, fmt.Errorf("preflight failed: %w", err)
	}

	if p.DryRun {
		return r.dryRunBackup(ctx, p, logger)
	}

	if err := os.MkdirAll(p.Target, util.UserWritableDirPerms); err != nil {
		return Outcome{ExitCode: ExitFilesystem}, fmt.Errorf("failed to create target directory: %w", err)
	}

	lock, code, err := r.acquireTargetLock(ctx, p.Instance, p.Target, logger)
	if err != nil {
		return Outcome{ExitCode: code}, err
	}
	defer lock.Release()

	b := &backupRun{
		Runner: r,
		plan:   p,
		logger: logger,
		start:  r.now(),
		record: status.Record{Instance: p.Instance, RunID: r.runID},
	}
	return b.execute(ctx)
}

func (b *backupRun) execute(ctx context.Context) (Outcome, error) {
	p := b.plan
	b.logger.Info("Starting backup", "source", p.Source, "target", p.Target, "version", buildinfo.Version)

	ref, err := pointer.New(p.Pointer, p.Target)
	if err != nil {
		return b.fail(status.FailureFilesystem, ExitInternal, err, fmt.Sprintf("invalid pointer configuration: %v", err))
	}

	if err := os.MkdirAll(p.SnapshotsDir, util.UserWritableDirPerms); err != nil {
		return b.fail(status.FailureFilesystem, ExitFilesystem, err, fmt.Sprintf("failed to create snapshots directory: %v", err))
	}

	snap, err := planner.PlanSnapshot(p.SnapshotsDir, ref, b.start, b.logger)
	if err != nil {
		return b.fail(status.FailureFilesystem, ExitFilesystem, err, fmt.Sprintf("failed to plan snapshot: %v", err))
	}
	b.record.LinkSource = snap.LinkSource
	b.logger.Info("Planned snapshot", "snapshot", snap.SnapshotPath, "link_source", snap.LinkSource)

	hookPlan := b.hookPlan(snap)
	if err := b.runPreHooks(ctx, hookPlan); err != nil {
		if errors.Is(err, context.Canceled) {
			return b.fail(status.FailureCanceled, ExitCanceled, err, "backup canceled during pre-backup hooks")
		}
		return b.fail(status.FailureHook, ExitHookFailed, err, fmt.Sprintf("pre-backup hook failed: %v", err))
	}

	if err := os.Mkdir(snap.SnapshotPath, util.UserWritableDirPerms); err != nil {
		return b.fail(status.FailureFilesystem, ExitFilesystem, err, fmt.Sprintf("failed to create snapshot directory: %v", err))
	}
	// From here on the record names the snapshot, even if it ends up partial.
	b.record.Snapshot = status.StringPtr(snap.SnapshotPath)

	opts := p.Mirror
	opts.Destination = snap.SnapshotPath
	opts.LinkDest = snap.LinkSource
	if _, err := b.mirrorer.Mirror(ctx, opts); err != nil {
		kind, code := classifyMirrorError(err)
		return b.fail(kind, code, err, mirrorFailureMessage(err, kind))
	}
	b.logger.Info("Mirror completed", "snapshot", snap.SnapshotPath)

	if err := ref.Advance(snap.SnapshotPath); err != nil {
		return b.fail(status.FailurePointer, ExitFilesystem, err,
			fmt.Sprintf("snapshot %s completed but the latest pointer could not be advanced: %v", snap.SnapshotName, err))
	}
	b.logger.Info("Advanced latest pointer", "pointer", ref.Path(), "snapshot", snap.SnapshotName)

	b.prune(ctx, snap)
	b.runPostHooks(ctx, hookPlan)

	b.record.Success = true
	b.record.ExitCode = ExitOK
	b.record.Message = b.successMessage(snap)
	return b.finish()
}

// hookPlan returns the plan's hooks with the snapshot path in their environment.
func (b *backupRun) hookPlan(snap planner.SnapshotPlan) *hook.Plan {
	var hp hook.Plan
	if b.plan.Hooks != nil {
		hp = *b.plan.Hooks
	}
	hp.Env = append(append([]string(nil), hp.Env...), planner.EnvSnapshot+"="+snap.SnapshotPath)
	return &hp
}

func (b *backupRun) runPreHooks(ctx context.Context, hp *hook.Plan) error {
	if b.hooks == nil {
		return nil
	}
	if err := b.hooks.RunPreHooks(ctx, hp); err != nil && !hints.IsHint(err) {
		return err
	}
	return nil
}

func (b *backupRun) runPostHooks(ctx context.Context, hp *hook.Plan) {
	if b.hooks == nil {
		return
	}
	err := b.hooks.RunPostHooks(ctx, hp)
	switch {
	case err == nil || hints.IsHint(err):
	case errors.Is(err, context.Canceled):
		b.logger.Info("Post-backup hooks skipped due to cancellation")
		b.notes = append(b.notes, "post-backup hooks canceled")
	default:
		b.logger.Warn("Post-backup hook failed", "error", err)
		b.notes = append(b.notes, "post-backup hooks failed")
	}
}

// prune applies retention with the new snapshot protected. Failures are
// recorded but never fail the backup.
func (b *backupRun) prune(ctx context.Context, snap planner.SnapshotPlan) {
	if b.plan.Retention == nil {
		return
	}
	rp := *b.plan.Retention
	rp.Protected = []string{snap.SnapshotName}

	res, err := b.retainer.Prune(ctx, &rp)
	b.record.Pruned = append(b.record.Pruned, res.Removed...)
	for _, f := range res.Failed {
		b.record.PruneFailures = append(b.record.PruneFailures, status.PruneFailure{
			Snapshot: f.Path,
			Error:    f.Err.Error(),
		})
	}
	if len(res.Failed) > 0 {
		b.notes = append(b.notes, fmt.Sprintf("failed to prune %d snapshot(s)", len(res.Failed)))
	}

	switch {
	case err == nil:
	case hints.IsHint(err):
		b.logger.Debug("Retention skipped", "reason", err)
	case errors.Is(err, context.Canceled):
		b.logger.Warn("Prune interrupted", "error", err)
		b.notes = append(b.notes, "prune interrupted")
	default:
		b.logger.Warn("Error during prune, skipping prune", "error", err)
		b.notes = append(b.notes, fmt.Sprintf("prune failed: %v", err))
	}
}

func (b *backupRun) successMessage(snap planner.SnapshotPlan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "backup completed: snapshot %s", snap.SnapshotName)
	if snap.LinkSource != "" {
		fmt.Fprintf(&sb, " (linked against %s)", filepath.Base(snap.LinkSource))
	} else {
		sb.WriteString(" (full copy)")
	}
	if n := len(b.record.Pruned); n > 0 {
		fmt.Fprintf(&sb, ", pruned %d", n)
	}
	for _, note := range b.notes {
		sb.WriteString("; ")
		sb.WriteString(note)
	}
	return sb.String()
}

// fail records a failed run and returns its outcome.
func (b *backupRun) fail(kind status.FailureKind, code int, cause error, msg string) (Outcome, error) {
	b.record.Success = false
	b.record.FailureKind = kind
	b.record.ExitCode = code
	b.record.Message = msg
	b.logger.Error("Backup failed", "kind", kind, "exit_code", code, "error", cause)

	out, err := b.finish()
	if err != nil {
		return out, errors.Join(cause, err)
	}
	return out, cause
}

// finish writes the status record and the metrics. It is the last step of
// every run that got past the lock.
func (b *backupRun) finish() (Outcome, error) {
	finished := b.now()
	b.record.Timestamp = finished
	b.record.DurationSeconds = finished.Sub(b.start).Seconds()
	lastSuccess := finished
	if !b.record.Success {
		lastSuccess = status.PreviousSuccess(b.plan.Target)
	}
	if !lastSuccess.IsZero() {
		b.record.LastSuccess = &lastSuccess
	}

	snapshots, err := pathretention.ListSnapshots(b.plan.SnapshotsDir)
	if err != nil {
		b.logger.Debug("Cannot count snapshots", "error", err)
	}
	b.metrics.ObserveRun(metrics.Run{
		Instance:      b.plan.Instance,
		Success:       b.record.Success,
		ExitCode:      b.record.ExitCode,
		Duration:      finished.Sub(b.start),
		Finished:      finished,
		LastSuccess:   lastSuccess,
		Snapshots:     len(snapshots),
		Pruned:        len(b.record.Pruned),
		PruneFailures: len(b.record.PruneFailures),
	})
	if err := b.metrics.Flush(); err != nil {
		b.logger.Warn("Failed to write metrics", "error", err)
	}

	rec := b.record
	if err := status.Write(b.plan.Target, rec); err != nil {
		b.logger.Error("Failed to write status record", "path", status.Path(b.plan.Target), "error", err)
		code := rec.ExitCode
		if code == ExitOK {
			code = ExitFilesystem
		}
		return Outcome{ExitCode: code}, err
	}

	if rec.Success {
		b.logger.Info("Backup finished successfully", "message", rec.Message, "duration", finished.Sub(b.start))
	}
	return Outcome{ExitCode: rec.ExitCode, Record: &rec}, nil
}

// dryRunBackup reports what a backup would do without creating, moving or
// removing anything and without writing a status record.
func (r *Runner) dryRunBackup(ctx context.Context, p *planner.BackupPlan, logger *slog.Logger) (Outcome, error) {
	logger.Info("[DRY RUN] Starting backup", "source", p.Source, "target", p.Target)

	ref, err := pointer.New(p.Pointer, p.Target)
	if err != nil {
		return Outcome{ExitCode: ExitInternal}, err
	}
	snap, err := planner.PlanSnapshot(p.SnapshotsDir, ref, r.now(), logger)
	if err != nil {
		return Outcome{ExitCode: ExitFilesystem}, err
	}
	logger.Info("[DRY RUN] Would create snapshot", "snapshot", snap.SnapshotPath, "link_source", snap.LinkSource)

	b := &backupRun{Runner: r, plan: p, logger: logger}
	hookPlan := b.hookPlan(snap)
	if err := b.runPreHooks(ctx, hookPlan); err != nil {
		return Outcome{ExitCode: ExitHookFailed}, err
	}

	opts := p.Mirror
	opts.Destination = snap.SnapshotPath
	opts.LinkDest = snap.LinkSource
	opts.DryRun = true
	if _, err := r.mirrorer.Mirror(ctx, opts); err != nil {
		_, code := classifyMirrorError(err)
		return Outcome{ExitCode: code}, fmt.Errorf("mirror failed: %w", err)
	}

	logger.Info("[DRY RUN] Would advance latest pointer", "pointer", ref.Path(), "snapshot", snap.SnapshotName)

	if p.Retention != nil {
		// The new snapshot does not exist, so it takes one of the kept slots.
		rp := *p.Retention
		rp.Keep = max(rp.Keep-1, 0)
		rp.DryRun = true
		if _, err := r.retainer.Prune(ctx, &rp); err != nil && !hints.IsHint(err) {
			logger.Warn("[DRY RUN] Error during prune", "error", err)
		}
	}
	b.runPostHooks(ctx, hookPlan)

	logger.Info("[DRY RUN] Backup finished, nothing was changed")
	return Outcome{ExitCode: ExitOK}, nil
}

// acquireTargetLock takes the per-target lock. It returns the exit code to use
// when it fails.
func (r *Runner) acquireTargetLock(ctx context.Context, instance, target string, logger *slog.Logger) (*lockfile.Lock, int, error) {
	appID := fmt.Sprintf("%s:%s", buildinfo.AppID, instance)

	logger.Debug("Attempting to acquire lock", "path", target)
	lock, err := lockfile.Acquire(ctx, target, appID, r.runID, logger)
	if err != nil {
		if lockErr, ok := errors.AsType[*lockfile.ErrLockActive](err); ok {
			logger.Warn("Operation is already running for this target, skipping run", "details", lockErr.Error())
			return nil, ExitLocked, fmt.Errorf("target %s is locked: %w", target, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, ExitCanceled, err
		}
		return nil, ExitFilesystem, fmt.Errorf("failed to acquire lock: %w", err)
	}
	logger.Debug("Lock acquired successfully")
	return lock, ExitOK, nil
}

// ExecutePrune applies retention outside of a backup. The snapshot the latest
// pointer names is never removed. No status record is written.
func (r *Runner) ExecutePrune(ctx context.Context, p *planner.PrunePlan) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: ExitCanceled}, err
	}
	logger := r.logger.With("instance", p.Instance, "run", r.runID)

	if err := preflight.Run(p.Preflight, "", p.Target); err != nil {
		return Outcome{ExitCode: ExitPrecondition}, fmt.Errorf("preflight failed: %w", err)
	}
	if _, err := os.Stat(p.SnapshotsDir); os.IsNotExist(err) {
		logger.Info("No snapshots directory, nothing to prune", "path", p.SnapshotsDir)
		return Outcome{ExitCode: ExitOK}, nil
	}

	if !p.DryRun {
		lock, code, err := r.acquireTargetLock(ctx, p.Instance, p.Target, logger)
		if err != nil {
			return Outcome{ExitCode: code}, err
		}
		defer lock.Release()
	}

	ref, err := pointer.New(p.Pointer, p.Target)
	if err != nil {
		return Outcome{ExitCode: ExitInternal}, err
	}
	latest, err := ref.Resolve()
	if err != nil {
		// Without knowing the newest good snapshot nothing is safe to delete.
		return Outcome{ExitCode: ExitFilesystem}, fmt.Errorf("cannot resolve latest pointer, refusing to prune: %w", err)
	}

	rp := *p.Retention
	if latest != "" {
		rp.Protected = []string{filepath.Base(latest)}
	}

	res, err := r.retainer.Prune(ctx, &rp)
	out := Outcome{ExitCode: ExitOK, Prune: res}
	switch {
	case err == nil:
	case hints.Is(err, pathretention.ErrNothingToPrune):
		logger.Info("Nothing to prune", "keep", rp.Keep)
		return out, nil
	case errors.Is(err, context.Canceled):
		out.ExitCode = ExitCanceled
		return out, err
	default:
		out.ExitCode = ExitFilesystem
		return out, fmt.Errorf("prune failed: %w", err)
	}

	if n := len(res.Failed); n > 0 {
		out.ExitCode = ExitFilesystem
		return out, fmt.Errorf("failed to remove %d of %d snapshot(s)", n, n+len(res.Removed))
	}
	logger.Info("Prune finished", "removed", len(res.Removed), "dry_run", p.DryRun)
	return out, nil
}
