package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTextfileMetrics_ObserveRun(t *testing.T) {
	finished := time.Unix(1704423600, 0)

	t.Run("Success sets the last success timestamp", func(t *testing.T) {
		m := NewTextfileMetrics(filepath.Join(t.TempDir(), "backup.prom"))
		m.ObserveRun(Run{
			Instance: "vaultwarden", Success: true, Duration: 90 * time.Second,
			Finished: finished, Snapshots: 7, Pruned: 1,
		})

		if got := testutil.ToFloat64(m.success.WithLabelValues("vaultwarden")); got != 1 {
			t.Errorf("expected success 1, got %v", got)
		}
		if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues("vaultwarden")); got != 1704423600 {
			t.Errorf("expected last success timestamp, got %v", got)
		}
		if got := testutil.ToFloat64(m.duration.WithLabelValues("vaultwarden")); got != 90 {
			t.Errorf("expected duration 90, got %v", got)
		}
		if got := testutil.ToFloat64(m.snapshots.WithLabelValues("vaultwarden")); got != 7 {
			t.Errorf("expected 7 snapshots, got %v", got)
		}
	})

	t.Run("Failure leaves the last success unset", func(t *testing.T) {
		m := NewTextfileMetrics(filepath.Join(t.TempDir(), "backup.prom"))
		m.ObserveRun(Run{Instance: "nextcloud", ExitCode: 23, Finished: finished})

		if got := testutil.ToFloat64(m.success.WithLabelValues("nextcloud")); got != 0 {
			t.Errorf("expected success 0, got %v", got)
		}
		if got := testutil.ToFloat64(m.exitCode.WithLabelValues("nextcloud")); got != 23 {
			t.Errorf("expected exit code 23, got %v", got)
		}
		if got := testutil.CollectAndCount(m.lastSuccess); got != 0 {
			t.Errorf("expected no last success series, got %d", got)
		}
	})
}

func TestTextfileMetrics_LastSuccessSurvivesFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homelab_backup.prom")
	succeeded := time.Unix(1704423600, 0)
	const series = `homelab_backup_last_success_timestamp_seconds{instance="vaultwarden"} 1.7044236e+09`

	// Each run is its own process with a fresh registry.
	first := NewTextfileMetrics(path)
	first.ObserveRun(Run{Instance: "vaultwarden", Success: true, Finished: succeeded})
	if err := first.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	second := NewTextfileMetrics(path)
	second.ObserveRun(Run{
		Instance: "vaultwarden", ExitCode: 23,
		Finished: succeeded.Add(24 * time.Hour), LastSuccess: succeeded,
	})
	if err := second.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	if !strings.Contains(string(data), series) {
		t.Errorf("expected the last success series after a failed run, got:\n%s", data)
	}
	if !strings.Contains(string(data), `homelab_backup_last_run_success{instance="vaultwarden"} 0`) {
		t.Errorf("expected the failed run to be reported, got:\n%s", data)
	}
}

func TestTextfileMetrics_Flush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "homelab_backup.prom")
	m := NewTextfileMetrics(path)
	m.ObserveRun(Run{Instance: "vaultwarden", Success: true, Finished: time.Now()})

	if err := m.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	if !strings.Contains(string(data), `homelab_backup_last_run_success{instance="vaultwarden"} 1`) {
		t.Errorf("expected success series in textfile, got:\n%s", data)
	}
}

func TestNoopMetrics(t *testing.T) {
	m := &NoopMetrics{}
	m.ObserveRun(Run{Instance: "vaultwarden"})
	if err := m.Flush(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
