package mirror_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/homelab-backup/pkg/mirror"
)

// TestHelperProcess stands in for rsync. HELPER_EXIT selects the exit code,
// HELPER_STDERR is written to stderr and HELPER_SLEEP delays the exit.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	fmt.Fprintln(os.Stdout, strings.Join(args, " "))
	if msg := os.Getenv("HELPER_STDERR"); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	if d, err := time.ParseDuration(os.Getenv("HELPER_SLEEP")); err == nil {
		time.Sleep(d)
	}
	code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT"))
	os.Exit(code)
}

func helperExecutor(env ...string) *mirror.Executor {
	commandContext := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append([]string{"GO_WANT_HELPER_PROCESS=1"}, env...)
		return cmd
	}
	e := mirror.NewExecutor(commandContext, nil)
	e.Stdout = io.Discard
	e.Stderr = io.Discard
	return e
}

func TestBuildCommand(t *testing.T) {
	base := t.TempDir()
	prev := filepath.Join(base, "snapshots", "20240101_000000")
	if err := os.MkdirAll(prev, 0755); err != nil {
		t.Fatal(err)
	}
	latest := filepath.Join(base, "latest")
	if err := os.Symlink(filepath.Join("snapshots", "20240101_000000"), latest); err != nil {
		t.Fatal(err)
	}
	resolvedPrev, err := filepath.EvalSymlinks(prev)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name     string
		opts     mirror.Options
		expected []string
	}{
		{
			name: "Full copy",
			opts: mirror.Options{Source: "/data/vw", Destination: "/backups/snapshots/20240102_000000"},
			expected: []string{"rsync", "-a", "--delete", "--numeric-ids", "--info=progress2",
				"/data/vw/", "/backups/snapshots/20240102_000000/"},
		},
		{
			name: "Trailing separators are normalized",
			opts: mirror.Options{Source: "/data/vw///", Destination: "/backups/s/"},
			expected: []string{"rsync", "-a", "--delete", "--numeric-ids", "--info=progress2",
				"/data/vw/", "/backups/s/"},
		},
		{
			name: "Link dest is resolved through the pointer",
			opts: mirror.Options{Source: "/data/vw", Destination: "/backups/s", LinkDest: latest},
			expected: []string{"rsync", "-a", "--delete", "--numeric-ids", "--info=progress2",
				"--link-dest", resolvedPrev, "/data/vw/", "/backups/s/"},
		},
		{
			name: "Dry run with custom binary and extra args",
			opts: mirror.Options{
				RsyncPath: "/usr/local/bin/rsync", ExtraArgs: []string{"--exclude=cache/"},
				Source: "/data/vw", Destination: "/backups/s", DryRun: true,
			},
			expected: []string{"/usr/local/bin/rsync", "-a", "--delete", "--numeric-ids", "--info=progress2",
				"--dry-run", "--exclude=cache/", "/data/vw/", "/backups/s/"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mirror.BuildCommand(tc.opts)
			if err != nil {
				t.Fatalf("BuildCommand failed: %v", err)
			}
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}

	t.Run("Missing link dest is an error", func(t *testing.T) {
		_, err := mirror.BuildCommand(mirror.Options{Source: "/a", Destination: "/b", LinkDest: filepath.Join(base, "gone")})
		if err == nil {
			t.Fatal("expected an error for an unresolvable link source")
		}
	})

	t.Run("Missing destination is an error", func(t *testing.T) {
		if _, err := mirror.BuildCommand(mirror.Options{Source: "/a"}); err == nil {
			t.Fatal("expected an error without a destination")
		}
	})
}

func TestExecutorMirror(t *testing.T) {
	opts := mirror.Options{Source: "/data/vw", Destination: "/backups/snapshots/20240102_000000"}

	t.Run("Success", func(t *testing.T) {
		res, err := helperExecutor().Mirror(context.Background(), opts)
		if err != nil {
			t.Fatalf("Mirror failed: %v", err)
		}
		if res.ExitCode != 0 {
			t.Errorf("expected exit code 0, got %d", res.ExitCode)
		}
		if !strings.Contains(res.Stdout, "/data/vw/ /backups/snapshots/20240102_000000/") {
			t.Errorf("expected captured stdout to echo the paths, got %q", res.Stdout)
		}
		if res.Args[0] != "rsync" {
			t.Errorf("expected args to start with rsync, got %v", res.Args)
		}
	})

	t.Run("Non-zero exit", func(t *testing.T) {
		res, err := helperExecutor("HELPER_EXIT=11", "HELPER_STDERR=rsync: write failed: disk full").Mirror(context.Background(), opts)
		exitErr, ok := errors.AsType[*mirror.ExitError](err)
		if !ok {
			t.Fatalf("expected *mirror.ExitError, got %v", err)
		}
		if exitErr.Code != 11 || res.ExitCode != 11 {
			t.Errorf("expected exit code 11, got %d / %d", exitErr.Code, res.ExitCode)
		}
		if !strings.Contains(exitErr.Error(), "disk full") {
			t.Errorf("expected error to carry stderr, got %q", exitErr.Error())
		}
		if !strings.Contains(res.Stderr, "disk full") {
			t.Errorf("expected captured stderr, got %q", res.Stderr)
		}
	})

	t.Run("Binary unavailable", func(t *testing.T) {
		e := mirror.NewExecutor(exec.CommandContext, nil)
		o := opts
		o.RsyncPath = filepath.Join(t.TempDir(), "no-such-rsync")
		_, err := e.Mirror(context.Background(), o)
		if !errors.Is(err, mirror.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		o := opts
		o.Timeout = 200 * time.Millisecond
		_, err := helperExecutor("HELPER_SLEEP=10s").Mirror(context.Background(), o)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
	})

	t.Run("Canceled before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := helperExecutor().Mirror(ctx, opts)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
