package diskstat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sealmark/sealmark/internal/metrics"
)

func TestDirBytes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "history.db"), make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "history.db-wal"), make([]byte, 1024), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := dirBytes(dir)
	if err != nil {
		t.Fatalf("dirBytes: %v", err)
	}
	if got != 5120 {
		t.Errorf("dirBytes = %d, want 5120", got)
	}
}

func TestStatFS(t *testing.T) {
	total, free, err := statFS(t.TempDir())
	if err != nil {
		t.Fatalf("statFS: %v", err)
	}
	if total == 0 {
		t.Error("total = 0")
	}
	if free > total {
		t.Errorf("free %d exceeds total %d", free, total)
	}
}

func TestSamplerPublishesGauges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "history.db"), make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}

	m := metrics.New(prometheus.NewRegistry())
	s := &Sampler{DataDir: dir, Interval: time.Hour, Metrics: m}
	s.Start(context.Background())
	defer s.Stop()

	// Start samples once before the first tick.
	if got := testutil.ToFloat64(m.DataDirBytes); got != 2048 {
		t.Errorf("data_dir_bytes = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(m.DiskFreeBytes); got <= 0 {
		t.Errorf("disk_free_bytes = %v, want > 0", got)
	}
}

func TestSamplerStopIsIdempotentBeforeStart(t *testing.T) {
	var s Sampler
	s.Stop()
}
