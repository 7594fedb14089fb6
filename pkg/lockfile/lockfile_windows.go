//go:build windows

package lockfile

import (
	"context"
	"log/slog"
)

// Lock is a held target lock.
type Lock struct{}

// Acquire always fails on Windows; backup targets are Linux hosts.
func Acquire(ctx context.Context, dirPath, appID, runID string, logger *slog.Logger) (*Lock, error) {
	return nil, ErrUnsupported
}

// Path returns the lock file path.
func (l *Lock) Path() string { return "" }

// Release is a no-op.
func (l *Lock) Release() {}
