//go:build !windows

package lockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/homelab-backup/pkg/plog"
	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// Lock is a held target lock.
type Lock struct {
	path    string
	f       *os.File
	content LockContent
	logger  *slog.Logger

	mu   sync.Mutex
	held bool
}

// Acquire takes the lock in dirPath without blocking.
// It returns (nil, *ErrLockActive) if another process holds the lock and
// (nil, error) for any other failure. A nil logger logs to the console.
func Acquire(ctx context.Context, dirPath, appID, runID string, logger *slog.Logger) (*Lock, error) {
	logger = plog.Or(logger)
	absLockFilePath := filepath.Join(dirPath, LockFileName)

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(absLockFilePath, os.O_RDWR|os.O_CREATE, util.UserWritableFilePerms)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, activeError(absLockFilePath)
			}
			return nil, fmt.Errorf("failed to lock %s: %w", absLockFilePath, err)
		}

		// A releasing holder unlinks the file before unlocking. If that happened
		// between our open and our flock we now hold a lock on an orphaned inode.
		same, err := sameFile(f, absLockFilePath)
		if err != nil {
			f.Close()
			return nil, err
		}
		if !same {
			logger.Debug("Lock file was replaced while locking, retrying", "path", absLockFilePath)
			f.Close()
			continue
		}

		content, err := newLockContent(appID, runID)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := rewrite(f, content); err != nil {
			f.Close()
			return nil, err
		}

		logger.Debug("Lock acquired", "path", absLockFilePath)
		return &Lock{
			path:    absLockFilePath,
			f:       f,
			content: content,
			logger:  logger,
			held:    true,
		}, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlinks the lock file and drops the lock. It is safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.held = false

	// Unlink while still holding the lock so a contender never locks a file
	// that is about to disappear.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to remove lock file", "path", l.path, "error", err)
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.logger.Warn("Failed to unlock lock file", "path", l.path, "error", err)
	}
	if err := l.f.Close(); err != nil {
		l.logger.Warn("Failed to close lock file", "path", l.path, "error", err)
	}
	l.logger.Debug("Lock released", "path", l.path)
}

// sameFile reports whether the open file f is still the file at path.
func sameFile(f *os.File, path string) (bool, error) {
	var fdStat, pathStat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &fdStat); err != nil {
		return false, fmt.Errorf("failed to stat lock file descriptor: %w", err)
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat lock file: %w", err)
	}
	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino, nil
}

// rewrite replaces the content of the locked file in place. Renaming a temp
// file over it would swap the inode out from under the lock.
func rewrite(f *os.File, content LockContent) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind lock file: %w", err)
	}
	if err := writeLockContent(f, content); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}
