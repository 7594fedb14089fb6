// Package pathretention implements FIFO keep-count pruning of snapshot
// directories.
//
// Snapshot names sort chronologically, so "oldest" means lexicographically
// smallest. A prune lists the subdirectories of the snapshots directory,
// selects everything but the newest Keep entries, skips protected names and
// removes the rest. Removal is best-effort: a snapshot that cannot be removed
// is reported in the Result and the prune carries on.
package pathretention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/paulschiretz/homelab-backup/pkg/hints"
	"github.com/paulschiretz/homelab-backup/pkg/plog"
)

// ErrNothingToPrune is returned when no snapshot is eligible for removal.
var ErrNothingToPrune = hints.New("nothing to prune")

// Failure is a snapshot that could not be removed.
type Failure struct {
	Path string
	Err  error
}

// Result lists the paths of the snapshots a prune removed (or would remove,
// in dry-run mode) and the ones it failed to remove, both oldest first.
type Result struct {
	Removed []string
	Failed  []Failure
}

// Retainer defines the interface for a component that prunes a snapshots directory.
type Retainer interface {
	Prune(ctx context.Context, p *Plan) (Result, error)
}

// PathRetainer prunes snapshot directories on the local filesystem.
type PathRetainer struct {
	logger *slog.Logger
	// removeAll is swappable for tests.
	removeAll func(path string) error
}

// Statically assert that *PathRetainer implements the Retainer interface.
var _ Retainer = (*PathRetainer)(nil)

// NewPathRetainer creates a PathRetainer. A nil logger uses the package default.
func NewPathRetainer(logger *slog.Logger) *PathRetainer {
	return &PathRetainer{
		logger:    plog.Or(logger),
		removeAll: forceRemoveAll,
	}
}

// ListSnapshots returns the names of all subdirectories of dir in ascending
// order. A missing dir has no snapshots.
func ListSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshots directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// SelectForRemoval returns the names, oldest first, that a FIFO policy keeping
// the newest keep entries removes. names must be sorted ascending. Protected
// names are never selected. A negative keep is treated as zero.
func SelectForRemoval(names []string, keep int, protected ...string) []string {
	keep = max(keep, 0)
	if len(names) <= keep {
		return nil
	}

	var selected []string
	for _, name := range names[:len(names)-keep] {
		if slices.Contains(protected, name) {
			continue
		}
		selected = append(selected, name)
	}
	return selected
}

// Prune applies the plan. It returns ErrNothingToPrune when nothing is
// eligible, and the context's error if it was canceled mid-way; removal
// failures are listed in the Result, never returned.
func (r *PathRetainer) Prune(ctx context.Context, p *Plan) (Result, error) {
	names, err := ListSnapshots(p.Dir)
	if err != nil {
		return Result{}, err
	}

	toRemove := SelectForRemoval(names, p.Keep, p.Protected...)
	r.logger.Debug("Retention plan", "snapshots", len(names), "keep", p.Keep, "protected", p.Protected, "eligible", len(toRemove))
	if len(toRemove) == 0 {
		if p.DryRun {
			r.logger.Debug("[DRY RUN] No snapshots need deletion")
		} else {
			r.logger.Debug("No snapshots need deletion")
		}
		return Result{}, ErrNothingToPrune
	}

	if p.DryRun {
		var res Result
		for _, name := range toRemove {
			path := filepath.Join(p.Dir, name)
			plog.NoticeTo(r.logger, "[DRY RUN] DELETE", "path", path)
			res.Removed = append(res.Removed, path)
		}
		return res, nil
	}

	r.logger.Info("Deleting outdated snapshots", "count", len(toRemove))
	t := &task{
		PathRetainer: r,
		ctx:          ctx,
		absBasePath:  p.Dir,
		toRemove:     toRemove,
		numWorkers:   max(p.Workers, 1),
	}
	res, err := t.execute()
	r.logger.Info("Delete finished", "deleted", len(res.Removed), "failed", len(res.Failed))
	return res, err
}
