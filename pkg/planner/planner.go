// Package planner turns a validated configuration into the plans the engine
// executes, and decides the identity of each new snapshot.
package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/homelab-backup/pkg/config"
	"github.com/paulschiretz/homelab-backup/pkg/hook"
	"github.com/paulschiretz/homelab-backup/pkg/mirror"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/plog"
	"github.com/paulschiretz/homelab-backup/pkg/pointer"
	"github.com/paulschiretz/homelab-backup/pkg/preflight"
)

// SnapshotNameLayout is the time layout of snapshot directory names. Names
// sort lexicographically in chronological order.
const SnapshotNameLayout = "20060102_150405"

// maxCollisionSuffix bounds the "_NN" suffixes tried when a name is taken.
const maxCollisionSuffix = 99

// ErrNoFreeName is returned when every suffixed name for a second is taken.
var ErrNoFreeName = errors.New("no free snapshot name")

// Hook environment variables.
const (
	EnvInstance = "HOMELAB_BACKUP_INSTANCE"
	EnvSource   = "HOMELAB_BACKUP_SOURCE"
	EnvTarget   = "HOMELAB_BACKUP_TARGET"
	EnvSnapshot = "HOMELAB_BACKUP_SNAPSHOT"
)

type BackupPlan struct {
	Instance     string
	DryRun       bool
	Source       string
	Target       string
	SnapshotsDir string
	Pointer      pointer.Kind

	Preflight *preflight.Plan
	// Mirror carries everything but the per-snapshot paths.
	Mirror    mirror.Options
	Retention *pathretention.Plan
	Hooks     *hook.Plan
}

type PrunePlan struct {
	Instance     string
	DryRun       bool
	Target       string
	SnapshotsDir string
	Pointer      pointer.Kind

	Preflight *preflight.Plan
	Retention *pathretention.Plan
}

// SnapshotPlan is the identity of the snapshot a run creates.
type SnapshotPlan struct {
	SnapshotsDir string
	SnapshotName string
	SnapshotPath string
	// LinkSource is the previous snapshot to link against, "" for a full copy.
	LinkSource string
}

func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {
	kind, err := parsePointerKind(cfg.Pointer)
	if err != nil {
		return nil, err
	}

	return &BackupPlan{
		Instance:     cfg.Instance,
		DryRun:       cfg.DryRun,
		Source:       cfg.Source,
		Target:       cfg.Target,
		SnapshotsDir: cfg.SnapshotsDir(),
		Pointer:      kind,

		Preflight: &preflight.Plan{
			SourceAccessible: true,
			TargetAccessible: true,
			RequireMount:     cfg.RequireMount,
		},
		Mirror: mirror.Options{
			RsyncPath: cfg.RsyncPath,
			ExtraArgs: cfg.RsyncArgs,
			Source:    cfg.Source,
			DryRun:    cfg.DryRun,
			Timeout:   cfg.MirrorTimeout,
		},
		Retention: &pathretention.Plan{
			Dir:     cfg.SnapshotsDir(),
			Keep:    cfg.Retention,
			Workers: cfg.DeleteWorkers,
			DryRun:  cfg.DryRun,
		},
		Hooks: &hook.Plan{
			PreHookCommands:  cfg.PreBackupHooks,
			PostHookCommands: cfg.PostBackupHooks,
			Env: []string{
				EnvInstance + "=" + cfg.Instance,
				EnvSource + "=" + cfg.Source,
				EnvTarget + "=" + cfg.Target,
			},
			DryRun: cfg.DryRun,
		},
	}, nil
}

func GeneratePrunePlan(cfg config.Config) (*PrunePlan, error) {
	kind, err := parsePointerKind(cfg.Pointer)
	if err != nil {
		return nil, err
	}

	return &PrunePlan{
		Instance:     cfg.Instance,
		DryRun:       cfg.DryRun,
		Target:       cfg.Target,
		SnapshotsDir: cfg.SnapshotsDir(),
		Pointer:      kind,

		// Pruning needs no source.
		Preflight: &preflight.Plan{
			TargetAccessible: true,
			RequireMount:     cfg.RequireMount,
		},
		Retention: &pathretention.Plan{
			Dir:     cfg.SnapshotsDir(),
			Keep:    cfg.Retention,
			Workers: cfg.DeleteWorkers,
			DryRun:  cfg.DryRun,
		},
	}, nil
}

func parsePointerKind(s string) (pointer.Kind, error) {
	switch kind := pointer.Kind(s); kind {
	case pointer.KindSymlink, pointer.KindFile:
		return kind, nil
	case "":
		return pointer.KindSymlink, nil
	default:
		return "", fmt.Errorf("invalid pointer kind %q: must be 'symlink' or 'file'", s)
	}
}

// SnapshotName formats now as a snapshot name. Names are in UTC so that their
// order stays chronological across DST and timezone changes.
func SnapshotName(now time.Time) string {
	return now.UTC().Format(SnapshotNameLayout)
}

// PlanSnapshot decides the name and link source of the next snapshot. It
// creates nothing. When a snapshot of the same second exists, a "_01".."_99"
// suffix is appended, which keeps the names in chronological order. A pointer
// that cannot be resolved is logged and treated as absent, so the run falls
// back to a full copy instead of failing.
func PlanSnapshot(snapshotsDir string, ref pointer.Reference, now time.Time, logger *slog.Logger) (SnapshotPlan, error) {
	logger = plog.Or(logger)

	base := SnapshotName(now)
	name := base
	for i := 1; ; i++ {
		_, err := os.Lstat(filepath.Join(snapshotsDir, name))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return SnapshotPlan{}, fmt.Errorf("failed to check snapshot name %s: %w", name, err)
		}
		if i > maxCollisionSuffix {
			return SnapshotPlan{}, fmt.Errorf("%w for %s", ErrNoFreeName, base)
		}
		name = fmt.Sprintf("%s_%02d", base, i)
	}
	if name != base {
		logger.Debug("Snapshot name taken, using suffix", "name", base, "using", name)
	}

	plan := SnapshotPlan{
		SnapshotsDir: snapshotsDir,
		SnapshotName: name,
		SnapshotPath: filepath.Join(snapshotsDir, name),
	}

	linkSource, err := ref.Resolve()
	if err != nil {
		logger.Warn("Cannot resolve latest pointer, taking a full copy", "pointer", ref.Path(), "error", err)
		linkSource = ""
	}
	plan.LinkSource = linkSource
	if linkSource == "" {
		logger.Debug("No previous snapshot, taking a full copy")
	}
	return plan, nil
}
