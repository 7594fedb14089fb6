//go:build !windows

package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestCheckBackupTargetAccessible_RequireMount(t *testing.T) {
	base := t.TempDir()
	targetDir := filepath.Join(base, "backup")
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		t.Fatalf("failed to create test directories: %v", err)
	}

	var rootStat, baseStat unix.Stat_t
	if err := unix.Stat("/", &rootStat); err != nil {
		t.Fatal(err)
	}
	if err := unix.Stat(base, &baseStat); err != nil {
		t.Fatal(err)
	}
	onRootFS := rootStat.Dev == baseStat.Dev

	for _, path := range []string{targetDir, filepath.Join(targetDir, "not", "yet", "created")} {
		err := CheckBackupTargetAccessible(path, true)
		if onRootFS && !errors.Is(err, ErrNotMounted) {
			t.Errorf("expected ErrNotMounted for %s on the root filesystem, got %v", path, err)
		}
		if !onRootFS && err != nil {
			t.Errorf("expected no error for %s on a separate filesystem, got %v", path, err)
		}
	}

	if err := CheckBackupTargetAccessible(targetDir, false); err != nil {
		t.Errorf("expected the mount check to be skipped without requireMount, got %v", err)
	}
}
