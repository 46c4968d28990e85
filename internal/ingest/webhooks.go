package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/provider"
)

// maxWebhookBody caps provider payloads. Session events are small;
// anything near the cap is malformed or hostile.
const maxWebhookBody = 1 << 20

func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Metrics.RecordWebhook(name, "error")
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body")
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	err = h.Dispatcher.Handle(r.Context(), name, provider.WebhookRequest{Body: body, Headers: headers})
	switch {
	case err == nil:
		h.Metrics.RecordWebhook(name, "accepted")
		renderJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, errs.ErrProviderWebhookInvalid):
		h.Metrics.RecordWebhook(name, "rejected")
		slog.Warn("webhook rejected", "provider", name, "error", err)
		renderJSONError(w, http.StatusUnauthorized, "WEBHOOK_INVALID", "signature or payload rejected")
	case errors.Is(err, errs.ErrSessionNotFound):
		h.Metrics.RecordWebhook(name, "rejected")
		renderJSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no session for event")
	default:
		h.Metrics.RecordWebhook(name, "error")
		slog.Error("webhook dispatch failed", "provider", name, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "webhook processing failed")
	}
}
