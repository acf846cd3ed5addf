package cmd

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/airframesio/snapshot-pipeline/cmd/fetcher"
	"github.com/airframesio/snapshot-pipeline/cmd/telemetry"
)

func newTestScheduler(config *Config) *scheduler {
	return newScheduler(config, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIsSnapshotArchive(t *testing.T) {
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"created zip", fsnotify.Event{Name: "/drop/insights_2024-03-15.zip", Op: fsnotify.Create}, true},
		{"renamed into place", fsnotify.Event{Name: "/drop/snap.ZIP", Op: fsnotify.Rename}, true},
		{"write only", fsnotify.Event{Name: "/drop/snap.zip", Op: fsnotify.Write}, false},
		{"hidden temp file", fsnotify.Event{Name: "/drop/.snap.zip", Op: fsnotify.Create}, false},
		{"not a zip", fsnotify.Event{Name: "/drop/readme.txt", Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSnapshotArchive(tt.event); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSchedulerTrigger(t *testing.T) {
	s := newTestScheduler(validConfig())
	calls := 0
	s.run = func(context.Context, fetcher.Fetcher) error {
		calls++
		return nil
	}

	if !s.trigger(context.Background(), "test", nil) || calls != 1 {
		t.Fatalf("expected one run, got %d", calls)
	}

	// Simulate an active run
	s.mu.Lock()
	if s.trigger(context.Background(), "test", nil) {
		t.Error("trigger should be skipped while a run is active")
	}
	s.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected the overlapping trigger to be skipped, got %d runs", calls)
	}
}

func TestSchedulerCron(t *testing.T) {
	config := validConfig()
	config.Schedule.Cron = "0 6 * * *"
	s := newTestScheduler(config)
	c, err := s.newCron(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one cron entry, got %d", len(c.Entries()))
	}

	config.Schedule.Cron = "@daily"
	if _, err := s.newCron(context.Background(), nil); err != nil {
		t.Errorf("descriptors should be accepted: %v", err)
	}

	config.Schedule.Cron = "every morning"
	if _, err := s.newCron(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "invalid cron expression") {
		t.Errorf("expected invalid cron expression error, got %v", err)
	}
}

func TestSchedulerWatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "drop")
	s := newTestScheduler(validConfig())
	s.settle = 10 * time.Millisecond
	triggered := make(chan string, 16)
	s.run = func(_ context.Context, src fetcher.Fetcher) error {
		select {
		case triggered <- src.(fetcher.LocalFetcher).Path:
		default:
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- s.watch(ctx, dir) }()

	// Keep dropping files until the watcher is up and reports one
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case path := <-triggered:
			if filepath.Ext(path) != ".zip" {
				t.Errorf("unexpected archive %s", path)
			}
			cancel()
			if err := <-watchErr; err != nil {
				t.Errorf("watch returned error: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("no run was triggered for the dropped archive")
		case <-tick.C:
			_ = os.WriteFile(filepath.Join(dir, "ignored-"+strconv.Itoa(i)+".txt"), nil, 0o600)
			_ = os.WriteFile(filepath.Join(dir, "snap-"+strconv.Itoa(i)+".zip"), []byte("PK"), 0o600)
		}
	}
}

func TestSchedulerMetrics(t *testing.T) {
	s := newScheduler(validConfig(), telemetry.NewProvider(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.metrics.RecordRun(string(ProfileProcess), true, time.Second, nil)

	w := get(s.metricsRouter(), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "snapshot_pipeline_runs_total") || !strings.Contains(body, `profile="process"`) {
		t.Errorf("scheduled runs should be visible on /metrics:\n%s", body)
	}
}
