package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/model"
)

const citrixSignatureHeader = "X-Citrix-Signature"

// Citrix handles Citrix broker webhooks. Payloads are single JSON
// events signed sha256=<hex> over the raw body.
type Citrix struct {
	secret []byte
	source FrameSource
}

func NewCitrix(secret []byte, source FrameSource) (*Citrix, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("citrix: webhook secret is required")
	}
	return &Citrix{secret: secret, source: source}, nil
}

func (c *Citrix) Name() string { return "citrix" }

func (c *Citrix) VerifySignature(req WebhookRequest) error {
	header := req.Header(citrixSignatureHeader)
	if header == "" {
		return fmt.Errorf("citrix: missing signature: %w", errs.ErrProviderWebhookInvalid)
	}
	encoded, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("citrix: malformed signature header: %w", errs.ErrProviderWebhookInvalid)
	}
	got, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("citrix: malformed signature hex: %w", errs.ErrProviderWebhookInvalid)
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(req.Body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("citrix: signature mismatch: %w", errs.ErrProviderWebhookInvalid)
	}
	return nil
}

type citrixEvent struct {
	EventType        string `json:"eventType"`
	SessionID        string `json:"sessionId"`
	TenantID         string `json:"tenantId"`
	UserID           string `json:"userId"`
	CitrixSessionKey string `json:"citrixSessionKey"`
	Timestamp        string `json:"timestamp"`
}

func (c *Citrix) TranslateWebhook(req WebhookRequest) ([]model.SessionEvent, error) {
	var raw citrixEvent
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, fmt.Errorf("citrix: decode webhook: %v: %w", err, errs.ErrProviderWebhookInvalid)
	}

	var kind model.SessionEventType
	switch raw.EventType {
	case "session.start":
		kind = model.EventSessionStart
	case "frame.ready":
		kind = model.EventFrameReady
	case "session.stop":
		kind = model.EventSessionStop
	default:
		return nil, fmt.Errorf("citrix: unknown event type %q: %w", raw.EventType, errs.ErrProviderWebhookInvalid)
	}

	if raw.SessionID == "" {
		return nil, fmt.Errorf("citrix: missing sessionId: %w", errs.ErrProviderWebhookInvalid)
	}
	if kind == model.EventSessionStart && (raw.TenantID == "" || raw.UserID == "") {
		return nil, fmt.Errorf("citrix: session.start without tenant or user: %w", errs.ErrProviderWebhookInvalid)
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("citrix: bad timestamp %q: %w", raw.Timestamp, errs.ErrProviderWebhookInvalid)
	}

	providerID := raw.CitrixSessionKey
	if providerID == "" {
		providerID = raw.SessionID
	}
	return []model.SessionEvent{{
		Type:              kind,
		SessionID:         raw.SessionID,
		TenantID:          raw.TenantID,
		UserID:            raw.UserID,
		ProviderSessionID: providerID,
		Timestamp:         ts.UTC(),
	}}, nil
}

func (c *Citrix) AcquireFrame(ctx context.Context, providerSessionID string) (*model.Frame, error) {
	if c.source == nil {
		return nil, fmt.Errorf("citrix: no frame source configured")
	}
	return c.source.Frame(ctx, providerSessionID)
}
