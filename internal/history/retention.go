package history

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Cleaner prunes history past its retention windows on a fixed interval.
// Versions survive for VersionWindow after they close, which bounds the
// detection lag a leak can still be attributed across; scans and their
// notes survive for ScanWindow after completion.
type Cleaner struct {
	DB            *sql.DB
	Interval      time.Duration
	VersionWindow time.Duration
	ScanWindow    time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
}

func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
	slog.Info("retention scheduler started",
		"interval", c.Interval, "versions", c.VersionWindow, "scans", c.ScanWindow)
}

func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	slog.Info("retention scheduler stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer close(c.done)

	c.runOnce()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce()
		}
	}
}

func (c *Cleaner) runOnce() {
	now := time.Now()

	if n, err := DeleteVersionsBefore(c.DB, now.Add(-c.VersionWindow)); err != nil {
		slog.Error("retention: prune versions", "error", err)
	} else if n > 0 {
		slog.Info("retention: pruned closed versions", "count", n)
	}

	if n, err := DeleteScansBefore(c.DB, now.Add(-c.ScanWindow)); err != nil {
		slog.Error("retention: prune scans", "error", err)
	} else if n > 0 {
		slog.Info("retention: pruned scans", "count", n)
	}
}
