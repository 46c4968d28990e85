package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/model"
)

// Applier is the slice of the session service the dispatcher drives.
type Applier interface {
	Start(meta model.SessionMeta, cfg model.SessionWatermarkConfig) error
	SubmitFrame(sessionID string, frame *model.Frame) (model.FrameWatermarkResult, error)
	Stop(sessionID string) error
}

// Dispatcher routes verified webhooks from registered providers onto
// the applier. Verification always runs before translation, so an
// unsigned body never reaches session logic.
type Dispatcher struct {
	applier   Applier
	defaults  model.SessionWatermarkConfig
	providers map[string]Provider
}

func NewDispatcher(applier Applier, defaults model.SessionWatermarkConfig) *Dispatcher {
	return &Dispatcher{
		applier:   applier,
		defaults:  defaults,
		providers: make(map[string]Provider),
	}
}

func (d *Dispatcher) Register(p Provider) error {
	if _, exists := d.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	d.providers[p.Name()] = p
	return nil
}

// Names lists the registered providers.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.providers))
	for name := range d.providers {
		names = append(names, name)
	}
	return names
}

// Handle verifies and translates one webhook, then applies its events
// in order. The returned error wraps ErrProviderWebhookInvalid for
// anything the caller should answer with a client error.
func (d *Dispatcher) Handle(ctx context.Context, providerName string, req WebhookRequest) error {
	p, ok := d.providers[providerName]
	if !ok {
		return fmt.Errorf("unknown provider %q: %w", providerName, errs.ErrProviderWebhookInvalid)
	}
	if err := p.VerifySignature(req); err != nil {
		return err
	}
	events, err := p.TranslateWebhook(req)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := d.apply(ctx, p, ev); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, p Provider, ev model.SessionEvent) error {
	switch ev.Type {
	case model.EventSessionStart:
		meta := model.SessionMeta{SessionID: ev.SessionID, TenantID: ev.TenantID, UserID: ev.UserID}
		if err := d.applier.Start(meta, d.defaults); err != nil {
			return fmt.Errorf("%s session start: %w", p.Name(), err)
		}
		slog.Info("provider session started", "provider", p.Name(), "session", ev.SessionID)

	case model.EventFrameReady:
		frame, err := p.AcquireFrame(ctx, ev.ProviderSessionID)
		if err != nil {
			return fmt.Errorf("%s acquire frame: %w", p.Name(), err)
		}
		res, err := d.applier.SubmitFrame(ev.SessionID, frame)
		if err != nil {
			return fmt.Errorf("%s submit frame: %w", p.Name(), err)
		}
		if res.Disposition != model.FrameQueued {
			slog.Warn("frame not queued", "provider", p.Name(), "session", ev.SessionID,
				"disposition", res.Disposition, "depth", res.QueueDepth)
		}

	case model.EventSessionStop:
		err := d.applier.Stop(ev.SessionID)
		if err != nil && !errors.Is(err, errs.ErrSessionStopped) {
			return fmt.Errorf("%s session stop: %w", p.Name(), err)
		}
		// Providers retry webhooks; a second stop for the same session
		// is routine, not a failure.
		slog.Info("provider session stopped", "provider", p.Name(), "session", ev.SessionID)

	default:
		return fmt.Errorf("unhandled session event type %q: %w", ev.Type, errs.ErrProviderWebhookInvalid)
	}
	return nil
}
