// Package diskstat watches the storage footprint of the data directory.
// The history database grows with every session and scan until retention
// prunes it; these gauges are how an operator sees that happening before
// the disk does.
package diskstat

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sealmark/sealmark/internal/metrics"
)

// Sampler polls data-directory usage and free disk space on a fixed
// interval and publishes both as gauges.
type Sampler struct {
	DataDir  string
	Interval time.Duration
	Metrics  *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.sample()
	go s.loop(ctx)
	slog.Info("storage sampler started", "data_dir", s.DataDir, "interval", s.Interval)
}

func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	used, err := dirBytes(s.DataDir)
	if err != nil {
		slog.Warn("storage sampler: measure data dir", "error", err)
		return
	}
	_, free, err := statFS(s.DataDir)
	if err != nil {
		slog.Warn("storage sampler: statfs", "error", err)
		return
	}
	s.Metrics.SetStorage(used, free)
}

// dirBytes sums file sizes under dir. Files that vanish mid-walk are
// skipped; the WAL checkpointer deletes under us routinely.
func dirBytes(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

func statFS(path string) (total, free uint64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return bsize * stat.Blocks, bsize * stat.Bfree, nil
}
