package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/model"
)

const (
	horizonSignatureHeader = "X-Horizon-Signature"
	horizonTimestampHeader = "X-Horizon-Timestamp"

	// horizonMaxSkew bounds how stale a signed timestamp may be. Replays
	// outside the window fail verification even with a valid signature.
	horizonMaxSkew = 5 * time.Minute
)

// Horizon handles VMware Horizon connection-server webhooks. The
// signature is a base64 HMAC over "<unix timestamp>.<body>" so a
// captured body cannot be replayed later.
type Horizon struct {
	secret []byte
	source FrameSource
	now    func() time.Time
}

func NewHorizon(secret []byte, source FrameSource) (*Horizon, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("horizon: webhook secret is required")
	}
	return &Horizon{secret: secret, source: source, now: time.Now}, nil
}

func (h *Horizon) Name() string { return "horizon" }

func (h *Horizon) VerifySignature(req WebhookRequest) error {
	tsHeader := req.Header(horizonTimestampHeader)
	sigHeader := req.Header(horizonSignatureHeader)
	if tsHeader == "" || sigHeader == "" {
		return fmt.Errorf("horizon: missing signature headers: %w", errs.ErrProviderWebhookInvalid)
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("horizon: bad timestamp header %q: %w", tsHeader, errs.ErrProviderWebhookInvalid)
	}
	if skew := h.now().Sub(time.Unix(unix, 0)); skew > horizonMaxSkew || skew < -horizonMaxSkew {
		return fmt.Errorf("horizon: timestamp outside replay window: %w", errs.ErrProviderWebhookInvalid)
	}
	got, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		return fmt.Errorf("horizon: malformed signature: %w", errs.ErrProviderWebhookInvalid)
	}
	mac := hmac.New(sha256.New, h.secret)
	fmt.Fprintf(mac, "%s.", tsHeader)
	mac.Write(req.Body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("horizon: signature mismatch: %w", errs.ErrProviderWebhookInvalid)
	}
	return nil
}

type horizonEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	AgentID    string `json:"agentId"`
	OccurredAt string `json:"occurredAt"`
}

func (h *Horizon) TranslateWebhook(req WebhookRequest) ([]model.SessionEvent, error) {
	var raw horizonEvent
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, fmt.Errorf("horizon: decode webhook: %v: %w", err, errs.ErrProviderWebhookInvalid)
	}

	var kind model.SessionEventType
	switch raw.Type {
	case "SESSION_START":
		kind = model.EventSessionStart
	case "FRAME_READY":
		kind = model.EventFrameReady
	case "SESSION_STOP":
		kind = model.EventSessionStop
	default:
		return nil, fmt.Errorf("horizon: unknown event type %q: %w", raw.Type, errs.ErrProviderWebhookInvalid)
	}

	if raw.SessionID == "" {
		return nil, fmt.Errorf("horizon: missing sessionId: %w", errs.ErrProviderWebhookInvalid)
	}
	if kind == model.EventSessionStart && (raw.TenantID == "" || raw.UserID == "") {
		return nil, fmt.Errorf("horizon: SESSION_START without tenant or user: %w", errs.ErrProviderWebhookInvalid)
	}
	ts, err := time.Parse(time.RFC3339, raw.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("horizon: bad occurredAt %q: %w", raw.OccurredAt, errs.ErrProviderWebhookInvalid)
	}

	providerID := raw.AgentID
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

func (h *Horizon) AcquireFrame(ctx context.Context, providerSessionID string) (*model.Frame, error) {
	if h.source == nil {
		return nil, fmt.Errorf("horizon: no frame source configured")
	}
	return h.source.Frame(ctx, providerSessionID)
}
