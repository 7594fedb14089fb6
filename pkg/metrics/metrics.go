// Package metrics exports the outcome of a run as Prometheus metrics, written
// to a file for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// Run summarizes one finished backup run.
type Run struct {
	Instance      string
	Success       bool
	ExitCode      int
	Duration      time.Duration
	Finished      time.Time
	Snapshots     int
	Pruned        int
	PruneFailures int

	// LastSuccess is when the most recent successful run finished. For a
	// successful run it is Finished; zero means there never was one.
	LastSuccess time.Time
}

// Metrics defines the interface for reporting run outcomes.
type Metrics interface {
	ObserveRun(r Run)
	Flush() error
}

// TextfileMetrics collects run metrics in a private registry and writes them
// to a .prom file.
type TextfileMetrics struct {
	path     string
	registry *prometheus.Registry

	lastRun       *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	success       *prometheus.GaugeVec
	exitCode      *prometheus.GaugeVec
	duration      *prometheus.GaugeVec
	snapshots     *prometheus.GaugeVec
	pruned        *prometheus.GaugeVec
	pruneFailures *prometheus.GaugeVec
}

// NewTextfileMetrics creates metrics that Flush writes to path.
func NewTextfileMetrics(path string) *TextfileMetrics {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "homelab_backup",
			Name:      name,
			Help:      help,
		}, []string{"instance"})
	}

	m := &TextfileMetrics{
		path:          path,
		registry:      prometheus.NewRegistry(),
		lastRun:       gauge("last_run_timestamp_seconds", "Unix time the last run finished"),
		lastSuccess:   gauge("last_success_timestamp_seconds", "Unix time the last successful run finished"),
		success:       gauge("last_run_success", "Whether the last run succeeded (1) or failed (0)"),
		exitCode:      gauge("last_run_exit_code", "Exit code of the last run"),
		duration:      gauge("last_run_duration_seconds", "Duration of the last run in seconds"),
		snapshots:     gauge("snapshots", "Number of snapshots after the last run"),
		pruned:        gauge("last_run_pruned_snapshots", "Snapshots removed by the last run"),
		pruneFailures: gauge("last_run_prune_failures", "Snapshots the last run failed to remove"),
	}
	m.registry.MustRegister(m.lastRun, m.lastSuccess, m.success, m.exitCode,
		m.duration, m.snapshots, m.pruned, m.pruneFailures)
	return m
}

// ObserveRun records r. The textfile is rewritten in full, so a failed run
// must carry the previous success time in r.LastSuccess to keep that series.
func (m *TextfileMetrics) ObserveRun(r Run) {
	finished := float64(r.Finished.Unix())
	m.lastRun.WithLabelValues(r.Instance).Set(finished)
	m.exitCode.WithLabelValues(r.Instance).Set(float64(r.ExitCode))
	m.duration.WithLabelValues(r.Instance).Set(r.Duration.Seconds())
	m.snapshots.WithLabelValues(r.Instance).Set(float64(r.Snapshots))
	m.pruned.WithLabelValues(r.Instance).Set(float64(r.Pruned))
	m.pruneFailures.WithLabelValues(r.Instance).Set(float64(r.PruneFailures))
	lastSuccess := r.LastSuccess
	if r.Success {
		m.success.WithLabelValues(r.Instance).Set(1)
		lastSuccess = r.Finished
	} else {
		m.success.WithLabelValues(r.Instance).Set(0)
	}
	if !lastSuccess.IsZero() {
		m.lastSuccess.WithLabelValues(r.Instance).Set(float64(lastSuccess.Unix()))
	}
}

// Flush writes the collected metrics to the textfile, atomically.
func (m *TextfileMetrics) Flush() error {
	if err := os.MkdirAll(filepath.Dir(m.path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", m.path, err)
	}
	return nil
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) ObserveRun(r Run) {}
func (m *NoopMetrics) Flush() error     { return nil }

// Statically assert that our types implement the interface.
var _ Metrics = (*TextfileMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
