//go:build !windows

package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestAcquireAndRelease verifies the basic functionality of acquiring and releasing a lock.
func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	expectedLockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, "test-app", "run-1", nil)
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}
	if lock.Path() != expectedLockPath {
		t.Errorf("expected lock path %s, got %s", expectedLockPath, lock.Path())
	}

	content, err := Read(expectedLockPath)
	if err != nil {
		t.Fatalf("failed to read lock content: %v", err)
	}
	if content.PID != int64(os.Getpid()) {
		t.Errorf("expected PID %d, got %d", os.Getpid(), content.PID)
	}
	if content.AppID != "test-app" || content.RunID != "run-1" {
		t.Errorf("unexpected lock content: %+v", content)
	}

	lock.Release()

	if _, err := os.Stat(expectedLockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}

	// A second release must not panic or fail.
	lock.Release()
}

// TestContention ensures that a second holder cannot acquire an active lock.
// flock locks belong to the open file description, so two opens in one
// process contend just like two processes.
func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, "app-1", "run-1", nil)
	if err != nil {
		t.Fatalf("first holder failed to acquire lock: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, "app-2", "run-2", nil)
	if err == nil {
		t.Fatal("second holder unexpectedly acquired an active lock")
	}

	lockErr, ok := errors.AsType[*ErrLockActive](err)
	if !ok {
		t.Fatalf("expected error of type *ErrLockActive, but got %T: %v", err, err)
	}
	if lockErr.AppID != "app-1" {
		t.Errorf("expected lock error to report AppID 'app-1', but got '%s'", lockErr.AppID)
	}
	if lockErr.PID != int64(os.Getpid()) {
		t.Errorf("expected lock error to report PID %d, got %d", os.Getpid(), lockErr.PID)
	}
	if !strings.Contains(lockErr.Error(), "lock is active") {
		t.Errorf("unexpected error message: %s", lockErr.Error())
	}
}

// TestReacquireAfterRelease ensures a released lock can be taken again.
func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, "app", "run-1", nil)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	lock1.Release()

	lock2, err := Acquire(context.Background(), dir, "app", "run-2", nil)
	if err != nil {
		t.Fatalf("failed to re-acquire lock: %v", err)
	}
	lock2.Release()
}

// TestLeftoverLockFileIsNotHeld ensures a lock file left by a crashed run does
// not block the next run, since the kernel lock died with the process.
func TestLeftoverLockFileIsNotHeld(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(lockPath, []byte(`{"pid":12345,"hostname":"old-host","appID":"old"}`), 0644); err != nil {
		t.Fatalf("failed to write leftover lock file: %v", err)
	}

	lock, err := Acquire(context.Background(), dir, "new-app", "run-3", nil)
	if err != nil {
		t.Fatalf("expected leftover lock file to be taken over, got: %v", err)
	}
	defer lock.Release()

	content, err := Read(lockPath)
	if err != nil {
		t.Fatalf("failed to read lock content: %v", err)
	}
	if content.AppID != "new-app" {
		t.Errorf("expected lock content to be rewritten, got %+v", content)
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Acquire(ctx, t.TempDir(), "app", "run", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadCorruptLockFile(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), LockFileName)
	if err := os.WriteFile(lockPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt lock file: %v", err)
	}
	if _, err := Read(lockPath); !errors.Is(err, ErrCorruptLockFile) {
		t.Fatalf("expected ErrCorruptLockFile, got %v", err)
	}
}
