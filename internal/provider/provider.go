// Package provider adapts VDI-backend webhooks onto the session
// lifecycle. Each backend is a closed variant of the same contract:
// verify the webhook is authentic, translate it into session events,
// and fetch frame buffers on demand.
package provider

import (
	"context"
	"strings"

	"github.com/sealmark/sealmark/internal/model"
)

// WebhookRequest is an inbound webhook stripped of its transport.
type WebhookRequest struct {
	Body    []byte
	Headers map[string]string
}

// Header looks a header up case-insensitively.
func (r WebhookRequest) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// FrameSource supplies raw frame buffers for a provider-side session
// handle. The capture plumbing behind it belongs to the deployment, not
// to this package.
type FrameSource interface {
	Frame(ctx context.Context, providerSessionID string) (*model.Frame, error)
}

// Provider is one VDI backend integration. VerifySignature must pass
// before TranslateWebhook output is acted on; both reject bad input
// with ErrProviderWebhookInvalid.
type Provider interface {
	Name() string
	VerifySignature(req WebhookRequest) error
	TranslateWebhook(req WebhookRequest) ([]model.SessionEvent, error)
	AcquireFrame(ctx context.Context, providerSessionID string) (*model.Frame, error)
}
