// Package ingest is the HTTP edge of the service: provider webhooks,
// scan submission and review, health, and metrics. Nothing else in the
// module speaks HTTP.
package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sealmark/sealmark/internal/detector"
	"github.com/sealmark/sealmark/internal/metrics"
	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/provider"
)

// Dispatcher routes a raw provider webhook to session handling.
type Dispatcher interface {
	Handle(ctx context.Context, providerName string, req provider.WebhookRequest) error
}

// Scanner is the slice of the detector the API needs.
type Scanner interface {
	Scan(ctx context.Context, sample *model.FrameSample, opts detector.ScanOptions) (*model.ScanResult, error)
	ScanRecord(scanID string) (*model.ScanResult, []model.InvestigationUpdate, error)
	RecentScans(limit int) ([]model.ScanResult, error)
	AttachInvestigation(scanID, author, disposition, note string) (*model.InvestigationUpdate, error)
}

type Handler struct {
	Dispatcher Dispatcher
	Scanner    Scanner
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
}

// Routes builds the router. Scan submission sits behind the rate
// limiter; webhooks do not, since providers burst on reconnect and
// authenticate with signatures instead.
func (h *Handler) Routes(scanLimiter *RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	if h.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}))
	}

	r.Post("/hooks/{provider}", h.ProviderWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if scanLimiter != nil {
				r.Use(scanLimiter.Middleware)
			}
			r.Post("/scans", h.ScanSubmit)
		})
		r.Get("/scans", h.ScanList)
		r.Get("/scans/{scanID}", h.ScanGet)
		r.Post("/scans/{scanID}/notes", h.ScanNoteCreate)
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
