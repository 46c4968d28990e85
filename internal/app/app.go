// Package app wires the service together and runs it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	sealmark "github.com/sealmark/sealmark"
	"github.com/sealmark/sealmark/internal/alert"
	"github.com/sealmark/sealmark/internal/applier"
	"github.com/sealmark/sealmark/internal/bus"
	"github.com/sealmark/sealmark/internal/config"
	"github.com/sealmark/sealmark/internal/detector"
	"github.com/sealmark/sealmark/internal/diskstat"
	"github.com/sealmark/sealmark/internal/history"
	"github.com/sealmark/sealmark/internal/ingest"
	"github.com/sealmark/sealmark/internal/invisible"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/metrics"
	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/provider"
)

func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	// Open database
	database, err := history.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	// Run migrations
	if err := history.Migrate(database, sealmark.MigrationFS); err != nil {
		return err
	}
	slog.Info("database ready")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	hub := bus.New()

	// Codec-facing embed/extract engine, shared by both sides.
	engineCfg := invisible.DefaultConfig()
	engineCfg.PSNRFloor = cfg.PSNRFloor
	engine, err := invisible.NewService(engineCfg)
	if err != nil {
		return err
	}

	// Session side: embeds payloads into live frames.
	sessions := applier.New(engine, database, hub, m, cfg.MasterKey)
	defer sessions.Shutdown()

	// Forensic side: recovers payloads from leaked samples.
	det, err := detector.New(engine, database, hub, m, nil, detector.Config{
		AcceptThreshold:    cfg.AcceptThreshold,
		FrameTimeout:       cfg.FrameTimeout,
		MaxFramesPerSample: cfg.MaxFramesPerSample,
		Workers:            cfg.ScanWorkers,
	})
	if err != nil {
		return err
	}
	scans := &scanGateway{detector: det, database: database, master: cfg.MasterKey}

	// Provider webhooks drive the session lifecycle. No frame source is
	// wired yet; capture integration plugs in here.
	dispatcher := provider.NewDispatcher(sessions, model.SessionWatermarkConfig{
		RotationInterval: cfg.RotationInterval,
		Codec:            cfg.Codec,
		Policy:           cfg.Policy,
		QueueCapacity:    cfg.QueueCapacity,
	})
	if err := registerProviders(dispatcher, cfg, nil); err != nil {
		return err
	}

	// Alert notifier pushes tamper findings out.
	notifier, err := alert.New(alert.Config{URL: cfg.AlertURL, Secret: cfg.AlertSecret}, hub, m)
	if err != nil {
		return err
	}
	notifier.Start(ctx)
	defer notifier.Stop()

	// Start retention scheduler
	cleaner := &history.Cleaner{
		DB:            database,
		Interval:      cfg.CleanupInterval,
		VersionWindow: cfg.VersionRetention,
		ScanWindow:    cfg.ScanRetention,
	}
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// Start storage sampler
	sampler := &diskstat.Sampler{DataDir: cfg.DataDir, Interval: time.Minute, Metrics: m}
	sampler.Start(ctx)
	defer sampler.Stop()

	// Rate limiter for scan submissions
	scanRL := ingest.NewRateLimiter(rate.Limit(cfg.ScanRatePerSecond), cfg.ScanBurst)
	defer scanRL.Stop()

	// Build handler and routes
	h := &ingest.Handler{
		Dispatcher: dispatcher,
		Scanner:    scans,
		Metrics:    m,
		Registry:   registry,
	}
	router := h.Routes(scanRL)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		srv.Shutdown(context.Background())
	}()

	slog.Info("server starting", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// registerProviders wires every provider with a configured secret into
// the dispatcher, all sharing one frame source.
func registerProviders(dispatcher *provider.Dispatcher, cfg *config.Config, frames provider.FrameSource) error {
	if cfg.CitrixSecret != "" {
		p, err := provider.NewCitrix([]byte(cfg.CitrixSecret), frames)
		if err != nil {
			return err
		}
		if err := dispatcher.Register(p); err != nil {
			return err
		}
	}
	if cfg.HorizonSecret != "" {
		p, err := provider.NewHorizon([]byte(cfg.HorizonSecret), frames)
		if err != nil {
			return err
		}
		if err := dispatcher.Register(p); err != nil {
			return err
		}
	}
	names := dispatcher.Names()
	if len(names) == 0 {
		return nil
	}
	slog.Info("providers registered", "providers", names)
	if frames == nil {
		// Frame capture is deployment plumbing; without it the session
		// lifecycle still works but frame.ready events fail.
		slog.Warn("no frame source configured, frame events will be rejected")
	}
	return nil
}

// scanGateway fronts the detector for the HTTP layer. A scan arriving
// without suspect keys gets candidates derived for every session the
// version history knows about.
type scanGateway struct {
	detector *detector.Service
	database *sql.DB
	master   []byte
}

func (g *scanGateway) Scan(ctx context.Context, sample *model.FrameSample, opts detector.ScanOptions) (*model.ScanResult, error) {
	if len(opts.Keys) == 0 {
		idents, err := history.SessionIdentities(g.database)
		if err != nil {
			return nil, fmt.Errorf("load session identities: %w", err)
		}
		for _, id := range idents {
			keys, err := keyring.Derive(g.master, id.TenantID, id.SessionID)
			if err != nil {
				return nil, fmt.Errorf("derive keys for session %s: %w", id.SessionID, err)
			}
			opts.Keys = append(opts.Keys, keys)
		}
	}
	return g.detector.Scan(ctx, sample, opts)
}

func (g *scanGateway) ScanRecord(scanID string) (*model.ScanResult, []model.InvestigationUpdate, error) {
	return g.detector.ScanRecord(scanID)
}

func (g *scanGateway) RecentScans(limit int) ([]model.ScanResult, error) {
	return g.detector.RecentScans(limit)
}

func (g *scanGateway) AttachInvestigation(scanID, author, disposition, note string) (*model.InvestigationUpdate, error) {
	return g.detector.AttachInvestigation(scanID, author, disposition, note)
}
