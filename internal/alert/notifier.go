// Package alert forwards security events from the bus to an operator
// webhook so tamper findings page someone instead of sitting in a table.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sealmark/sealmark/internal/bus"
	"github.com/sealmark/sealmark/internal/metrics"
)

var backoffSchedule = []time.Duration{
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

type Config struct {
	// URL receives the alert posts. Empty disables the notifier.
	URL    string
	Secret string

	// Timeout bounds one delivery attempt. Zero means 10s.
	Timeout time.Duration
}

type Notifier struct {
	cfg     Config
	hub     *bus.Hub
	metrics *metrics.Metrics
	client  *http.Client

	cancel context.CancelFunc
	unsub  func()
	done   chan struct{}
}

func New(cfg Config, hub *bus.Hub, m *metrics.Metrics) (*Notifier, error) {
	if cfg.URL != "" && cfg.Secret == "" {
		return nil, fmt.Errorf("alert: webhook secret is required when a url is configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:     cfg,
		hub:     hub,
		metrics: m,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (n *Notifier) Start(ctx context.Context) {
	if n.cfg.URL == "" {
		slog.Info("alert webhook disabled, no url configured")
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)
	events, unsub := n.hub.Subscribe(bus.TopicSecurity)
	n.unsub = unsub
	n.done = make(chan struct{})
	go n.loop(ctx, events)
	slog.Info("alert notifier started", "url", n.cfg.URL)
}

func (n *Notifier) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	n.unsub()
	<-n.done
}

func (n *Notifier) loop(ctx context.Context, events <-chan bus.Event) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			n.deliver(ctx, ev)
		}
	}
}

type alertEnvelope struct {
	AlertID   string `json:"alert_id"`
	EventType string `json:"event_type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

func (n *Notifier) deliver(ctx context.Context, ev bus.Event) {
	envelope := alertEnvelope{
		AlertID:   uuid.New().String(),
		EventType: ev.Type,
		SessionID: ev.SessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      ev.Payload,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("alert marshal", "error", err)
		n.metrics.RecordAlert("error")
		return
	}

	for attempt := 1; ; attempt++ {
		err := n.post(payload)
		if err == nil {
			n.metrics.RecordAlert("delivered")
			slog.Info("alert delivered", "alert", envelope.AlertID, "event", ev.Type, "attempt", attempt)
			return
		}
		if attempt > len(backoffSchedule) {
			n.metrics.RecordAlert("exhausted")
			slog.Warn("alert exhausted", "alert", envelope.AlertID, "event", ev.Type,
				"attempts", attempt, "error", err)
			return
		}
		wait := backoffSchedule[attempt-1]
		n.metrics.RecordAlert("retried")
		slog.Warn("alert failed, will retry", "alert", envelope.AlertID, "event", ev.Type,
			"attempt", attempt, "next_retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (n *Notifier) post(payload []byte) error {
	mac := hmac.New(sha256.New, []byte(n.cfg.Secret))
	mac.Write(payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest("POST", n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sealmark-Signature", "sha256="+signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 500))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
