package pathretention

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/homelab-backup/pkg/plog"
	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// task holds the mutable state for a single prune.
type task struct {
	*PathRetainer

	ctx         context.Context
	absBasePath string
	toRemove    []string
	numWorkers  int
}

// execute removes the selected snapshots with a bounded worker pool and
// collects the outcomes in selection order.
func (t *task) execute() (Result, error) {
	errs := make([]error, len(t.toRemove))
	done := make([]bool, len(t.toRemove))

	var g errgroup.Group
	g.SetLimit(t.numWorkers)
	for i, name := range t.toRemove {
		// Stop handing out work once canceled; running removals finish.
		if t.ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if t.ctx.Err() != nil {
				return nil
			}
			path := filepath.Join(t.absBasePath, name)
			plog.NoticeTo(t.logger, "DELETE", "path", path)
			if err := t.removeAll(path); err != nil {
				t.logger.Warn("Failed to delete outdated snapshot", "path", path, "error", err)
				errs[i] = err
			} else {
				plog.NoticeTo(t.logger, "DELETED", "path", path)
			}
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for i, name := range t.toRemove {
		if !done[i] {
			continue
		}
		path := filepath.Join(t.absBasePath, name)
		if errs[i] != nil {
			res.Failed = append(res.Failed, Failure{Path: path, Err: errs[i]})
		} else {
			res.Removed = append(res.Removed, path)
		}
	}
	return res, t.ctx.Err()
}

// forceRemoveAll removes path recursively. Snapshots copied with archive mode
// keep the source's permissions, so a read-only directory can block the
// removal of its entries; on a permission error, owner rwx is added to every
// directory of the tree and the removal retried. File modes are left alone:
// files are hardlinks shared with other snapshots and their mode is shared too.
func forceRemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || !d.IsDir() {
			// Unreadable entries are retried after their parent was fixed.
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		perm := util.WithUserWritePermission(info.Mode().Perm()) | 0500
		if perm != info.Mode().Perm() {
			_ = os.Chmod(p, perm)
		}
		return nil
	})
	return os.RemoveAll(path)
}
