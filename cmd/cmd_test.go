//go:build !windows

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/homelab-backup/pkg/buildinfo"
	"github.com/paulschiretz/homelab-backup/pkg/config"
	"github.com/paulschiretz/homelab-backup/pkg/engine"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/pointer"
	"github.com/paulschiretz/homelab-backup/pkg/status"
)

// isolate keeps a host config in /etc/homelab-backup out of the test and
// makes every prompt non-interactive unless a test says otherwise.
func isolate(t *testing.T) {
	t.Helper()
	oldDirs, oldInteractive, oldNow := config.ConfigSearchDirs, isInteractive, now
	config.ConfigSearchDirs = []string{t.TempDir()}
	isInteractive = func() bool { return false }
	t.Cleanup(func() {
		config.ConfigSearchDirs, isInteractive, now = oldDirs, oldInteractive, oldNow
	})
}

// runCommand executes the command tree and returns its exit code and output.
func runCommand(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	return exitCode(root.ExecuteContext(context.Background())), out.String()
}

// newInstanceDirs creates a source with one file and returns it together with
// a target path that does not exist yet.
func newInstanceDirs(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	source := filepath.Join(root, "data")
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "db.sqlite3"), []byte("vault"), 0644); err != nil {
		t.Fatal(err)
	}
	return source, filepath.Join(root, "backups")
}

func createSnapshots(t *testing.T, target string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(target, "snapshots", name), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	code, out := runCommand(t, "", "version")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, buildinfo.Version) {
		t.Errorf("expected version %q in output, got %q", buildinfo.Version, out)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, c := range NewRootCommand().Commands() {
		found[c.Name()] = true
	}
	for _, name := range []string{"backup", "prune", "list", "status", "init", "version"} {
		if !found[name] {
			t.Errorf("expected command %q to be registered", name)
		}
	}
}

func TestUsageErrors(t *testing.T) {
	isolate(t)
	testCases := []struct {
		name string
		args []string
	}{
		{"Unknown instance", []string{"backup", "gitea"}},
		{"Missing instance", []string{"backup"}},
		{"Unknown flag", []string{"backup", "vaultwarden", "--no-such-flag"}},
		{"Invalid retention", []string{"backup", "vaultwarden", "--retention=-1"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if code, out := runCommand(t, "", tc.args...); code != engine.ExitPrecondition {
				t.Errorf("expected exit code %d, got %d (output %q)", engine.ExitPrecondition, code, out)
			}
		})
	}
}

func TestBackupCommand(t *testing.T) {
	t.Run("Missing source", func(t *testing.T) {
		isolate(t)
		source, target := newInstanceDirs(t)
		os.RemoveAll(source)

		code, _ := runCommand(t, "", "backup", "vaultwarden", "--source", source, "--target", target, "--log-file", filepath.Join(t.TempDir(), "run.log"))
		if code != engine.ExitPrecondition {
			t.Errorf("expected exit code %d, got %d", engine.ExitPrecondition, code)
		}
		if _, err := os.Stat(status.Path(target)); !os.IsNotExist(err) {
			t.Error("expected no status record for a missing source")
		}
	})

	t.Run("Missing source with default log file", func(t *testing.T) {
		isolate(t)
		source, target := newInstanceDirs(t)
		os.RemoveAll(source)

		code, _ := runCommand(t, "", "backup", "vaultwarden", "--source", source, "--target", target)
		if code != engine.ExitPrecondition {
			t.Errorf("expected exit code %d, got %d", engine.ExitPrecondition, code)
		}
		if entries, err := os.ReadDir(target); !os.IsNotExist(err) {
			t.Errorf("expected the target to stay absent, got entries %v (err %v)", entries, err)
		}
	})

	t.Run("Unavailable rsync", func(t *testing.T) {
		isolate(t)
		source, target := newInstanceDirs(t)

		code, _ := runCommand(t, "", "backup", "vaultwarden", "--source", source, "--target", target, "--rsync-path", filepath.Join(t.TempDir(), "no-rsync"))
		if code != engine.ExitUnavailable {
			t.Errorf("expected exit code %d, got %d", engine.ExitUnavailable, code)
		}
		rec, err := status.Read(target)
		if err != nil {
			t.Fatalf("expected a status record: %v", err)
		}
		if rec.Success || rec.FailureKind != status.FailureMirrorUnavailable {
			t.Errorf("unexpected record: %+v", rec)
		}
		if _, err := os.Stat(filepath.Join(target, "vaultwarden_backup.log")); err != nil {
			t.Errorf("expected the run log under the target: %v", err)
		}
	})
}

func TestStatusCommand(t *testing.T) {
	testCases := []struct {
		name         string
		record       *status.Record
		raw          string
		args         []string
		expectedCode int
	}{
		{"Fresh success", &status.Record{Timestamp: time.Now().Add(-time.Hour), Success: true, Message: "ok"}, "", nil, 0},
		{"Failed run", &status.Record{Timestamp: time.Now().Add(-time.Hour), Message: "mirror failed", FailureKind: status.FailureMirror, ExitCode: 23}, "", nil, 1},
		{"Stale success", &status.Record{Timestamp: time.Now().Add(-30 * time.Hour), Success: true}, "", nil, 1},
		{"Stale within custom max age", &status.Record{Timestamp: time.Now().Add(-30 * time.Hour), Success: true}, "", []string{"--max-age", "48h"}, 0},
		{"Age check disabled", &status.Record{Timestamp: time.Now().Add(-300 * time.Hour), Success: true}, "", []string{"--max-age", "0"}, 0},
		{"Missing record", nil, "", nil, 2},
		{"Corrupt record", nil, "{not json", nil, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			isolate(t)
			_, target := newInstanceDirs(t)
			if err := os.MkdirAll(target, 0755); err != nil {
				t.Fatal(err)
			}
			if tc.record != nil {
				if err := status.Write(target, *tc.record); err != nil {
					t.Fatal(err)
				}
			}
			if tc.raw != "" {
				if err := os.WriteFile(status.Path(target), []byte(tc.raw), 0644); err != nil {
					t.Fatal(err)
				}
			}

			args := append([]string{"status", "vaultwarden", "--target", target}, tc.args...)
			code, out := runCommand(t, "", args...)
			if code != tc.expectedCode {
				t.Errorf("expected exit code %d, got %d (output %q)", tc.expectedCode, code, out)
			}
			if tc.record != nil && !strings.Contains(out, "Last run:") {
				t.Errorf("expected the record to be printed, got %q", out)
			}
		})
	}
}

func TestListCommand(t *testing.T) {
	isolate(t)
	now = func() time.Time { return time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) }
	_, target := newInstanceDirs(t)
	createSnapshots(t, target, "20240101_000000", "20240102_000000", "20240102_000000_01")
	ref, _ := pointer.New(pointer.KindSymlink, target)
	if err := ref.Advance(filepath.Join(target, "snapshots", "20240102_000000_01")); err != nil {
		t.Fatal(err)
	}

	checkOrder := func(t *testing.T, out string, names ...string) {
		t.Helper()
		last := -1
		for _, name := range names {
			idx := strings.Index(out, name+" ")
			if idx < 0 {
				t.Fatalf("expected %s in output:\n%s", name, out)
			}
			if idx < last {
				t.Errorf("expected %s after the previous snapshot:\n%s", name, out)
			}
			last = idx
		}
	}

	t.Run("Oldest first", func(t *testing.T) {
		code, out := runCommand(t, "", "list", "vaultwarden", "--target", target)
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d: %s", code, out)
		}
		checkOrder(t, out, "20240101_000000", "20240102_000000", "20240102_000000_01")
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "20240102_000000_01") != strings.HasSuffix(strings.TrimSpace(line), "*") {
				t.Errorf("expected only the latest snapshot to be marked, got line %q", line)
			}
		}
		if !strings.Contains(out, "ago") {
			t.Errorf("expected humanized ages, got:\n%s", out)
		}
	})

	t.Run("Newest first", func(t *testing.T) {
		code, out := runCommand(t, "", "list", "vaultwarden", "--target", target, "--order", "desc")
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d: %s", code, out)
		}
		checkOrder(t, out, "20240102_000000_01", "20240102_000000", "20240101_000000")
	})

	t.Run("Invalid order", func(t *testing.T) {
		if code, _ := runCommand(t, "", "list", "vaultwarden", "--target", target, "--order", "random"); code != engine.ExitPrecondition {
			t.Errorf("expected exit code %d, got %d", engine.ExitPrecondition, code)
		}
	})
}

func TestPruneCommand(t *testing.T) {
	names := []string{"20240101_000000", "20240102_000000", "20240103_000000"}

	testCases := []struct {
		name         string
		interactive  bool
		stdin        string
		args         []string
		expectedCode int
		remaining    []string
	}{
		{"Non-interactive without force", false, "", nil, engine.ExitPrecondition, names},
		{"Force", false, "", []string{"--force"}, 0, names[2:]},
		{"Declined prompt", true, "n\n", nil, 0, names},
		{"Confirmed prompt", true, "y\n", nil, 0, names[2:]},
		{"Dry run needs no confirmation", false, "", []string{"--dry-run"}, 0, names},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			isolate(t)
			isInteractive = func() bool { return tc.interactive }
			_, target := newInstanceDirs(t)
			createSnapshots(t, target, names...)

			args := append([]string{"prune", "vaultwarden", "--target", target, "--retention", "1"}, tc.args...)
			code, out := runCommand(t, tc.stdin, args...)
			if code != tc.expectedCode {
				t.Errorf("expected exit code %d, got %d (output %q)", tc.expectedCode, code, out)
			}
			got, err := pathretention.ListSnapshots(filepath.Join(target, "snapshots"))
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, ",") != strings.Join(tc.remaining, ",") {
				t.Errorf("expected %v to remain, got %v", tc.remaining, got)
			}
		})
	}
}

func TestInitCommand(t *testing.T) {
	isolate(t)
	source, target := newInstanceDirs(t)
	path := filepath.Join(t.TempDir(), "etc", "vaultwarden.yaml")

	code, out := runCommand(t, "", "init", "vaultwarden", "--source", source, "--target", target, "--retention", "14", "--path", path)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if !strings.Contains(string(data), "retention: 14") {
		t.Errorf("expected retention in config file, got:\n%s", data)
	}
	if strings.Contains(string(data), "vaultwarden_backup.log") {
		t.Errorf("expected the derived log file not to be pinned, got:\n%s", data)
	}

	if code, _ := runCommand(t, "", "init", "vaultwarden", "--path", path); code == 0 {
		t.Error("expected init to refuse overwriting an existing file")
	}
	if code, out := runCommand(t, "", "init", "vaultwarden", "--path", path, "--overwrite", "--config", path, "--retention", "3"); code != 0 {
		t.Errorf("expected --overwrite to succeed, got %d: %s", code, out)
	}

	p, _ := config.LookupProfile("vaultwarden")
	cfg, err := config.Load(p, config.LoadOptions{ConfigFile: path})
	if err != nil {
		t.Fatalf("failed to load generated config: %v", err)
	}
	if cfg.Retention != 3 || cfg.Source != source {
		t.Errorf("expected updated retention and kept source, got %+v", cfg)
	}
}
