//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// platformValidateMountPoint checks if the path resides on the root filesystem.
// If it does, it assumes the backup drive is NOT mounted (ghost detection).
func platformValidateMountPoint(path string) error {
	var rootStat, pathStat unix.Stat_t
	if err := unix.Stat("/", &rootStat); err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		return fmt.Errorf("failed to stat target path: %w", err)
	}

	// The user specifically targeting "/" is unlikely, but valid.
	if pathStat.Dev == rootStat.Dev && path != "/" {
		return fmt.Errorf("%w: %s is on the root filesystem (system disk), ensure the backup drive is mounted", ErrNotMounted, path)
	}
	return nil
}
