// Package applier owns the embedding side of a live session: one worker
// per session pulls frames off a bounded queue, embeds the session's
// current payload, rotates that payload on schedule, and publishes the
// marked frames back toward the streaming pipeline through the bus.
package applier

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sealmark/sealmark/internal/bus"
	"github.com/sealmark/sealmark/internal/codec"
	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/history"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/metrics"
	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/payload"
)

const (
	defaultQueueCapacity    = 32
	defaultRotationInterval = 5 * time.Minute
)

// Embedder produces a marked copy of a frame. *invisible.Service is the
// production implementation.
type Embedder interface {
	Embed(frame *model.Frame, p *model.WatermarkPayload, keys *keyring.Keys, cdc codec.Codec) (*model.EmbedResult, error)
}

// Service manages the set of active sessions.
type Service struct {
	embedder Embedder
	database *sql.DB
	hub      *bus.Hub
	metrics  *metrics.Metrics
	master   []byte

	mu       sync.Mutex
	sessions map[string]*session
}

func New(embedder Embedder, database *sql.DB, hub *bus.Hub, m *metrics.Metrics, masterKey []byte) *Service {
	return &Service{
		embedder: embedder,
		database: database,
		hub:      hub,
		metrics:  m,
		master:   masterKey,
		sessions: make(map[string]*session),
	}
}

type session struct {
	meta model.SessionMeta
	cfg  model.SessionWatermarkConfig
	cdc  codec.Codec
	keys *keyring.Keys

	mu    sync.Mutex
	state model.SessionState
	drops int

	// payload is the current rotation version. The worker goroutine owns
	// it once the session is running, so no frame ever sees a half-swapped
	// payload.
	payload *model.WatermarkPayload

	frames chan *model.Frame
	rotate chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

var legalTransitions = map[model.SessionState][]model.SessionState{
	model.StateIdle:     {model.StateActive},
	model.StateActive:   {model.StateRotating, model.StateStopped},
	model.StateRotating: {model.StateActive, model.StateStopped},
	model.StateStopped:  {},
}

func (sess *session) transition(to model.SessionState) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, allowed := range legalTransitions[sess.state] {
		if allowed == to {
			sess.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal session state transition %s -> %s", sess.state, to)
}

func (sess *session) currentState() model.SessionState {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

func newPayload(meta model.SessionMeta) (*model.WatermarkPayload, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("draw rotation nonce: %w", err)
	}
	return &model.WatermarkPayload{
		SessionID:     meta.SessionID,
		TenantID:      meta.TenantID,
		UserID:        meta.UserID,
		IssuedAt:      time.Now().UTC().Truncate(time.Second),
		Nonce:         binary.BigEndian.Uint64(b[:]),
		FormatVersion: payload.FormatVersion,
	}, nil
}

// Start registers the session, records its first payload version, and
// launches the embedding worker. Starting an id twice is an error; a
// stopped id stays stopped.
func (s *Service) Start(meta model.SessionMeta, cfg model.SessionWatermarkConfig) error {
	if meta.SessionID == "" || meta.TenantID == "" {
		return fmt.Errorf("applier: session and tenant ids are required")
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = defaultRotationInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Codec == "" {
		cfg.Codec = model.CodecDCT
	}
	if cfg.Policy == "" {
		cfg.Policy = model.PolicyFailClosed
	}
	cdc, err := codec.ForChoice(cfg.Codec)
	if err != nil {
		return fmt.Errorf("applier: %w", err)
	}
	keys, err := keyring.Derive(s.master, meta.TenantID, meta.SessionID)
	if err != nil {
		return fmt.Errorf("applier: derive session keys: %w", err)
	}

	sess := &session{
		meta:   meta,
		cfg:    cfg,
		cdc:    cdc,
		keys:   keys,
		state:  model.StateIdle,
		frames: make(chan *model.Frame, cfg.QueueCapacity),
		rotate: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if existing := s.sessions[meta.SessionID]; existing != nil {
		s.mu.Unlock()
		if existing.currentState() == model.StateStopped {
			return fmt.Errorf("applier: session %s: %w", meta.SessionID, errs.ErrSessionStopped)
		}
		return fmt.Errorf("applier: session %s already started", meta.SessionID)
	}
	s.sessions[meta.SessionID] = sess
	s.mu.Unlock()

	p, err := newPayload(meta)
	if err == nil {
		err = history.AppendVersion(s.database, &model.PayloadVersion{Payload: *p, ValidFrom: p.IssuedAt})
		if err != nil {
			err = fmt.Errorf("record initial version: %w", err)
		}
	}
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, meta.SessionID)
		s.mu.Unlock()
		return fmt.Errorf("applier: %w", err)
	}
	sess.payload = p

	if err := sess.transition(model.StateActive); err != nil {
		return fmt.Errorf("applier: %w", err)
	}
	go s.run(sess)

	s.metrics.SessionStarted()
	s.hub.Publish(bus.FrameTopic(meta.SessionID), bus.Event{Type: "session_started", SessionID: meta.SessionID})
	slog.Info("session started",
		"session", meta.SessionID, "tenant", meta.TenantID,
		"codec", cfg.Codec, "policy", cfg.Policy, "rotation", cfg.RotationInterval)
	return nil
}

func (s *Service) lookup(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// SubmitFrame hands a captured frame to the session's worker. It never
// blocks: when the queue is full the oldest queued frame is dropped so
// the newest capture always wins.
func (s *Service) SubmitFrame(sessionID string, frame *model.Frame) (model.FrameWatermarkResult, error) {
	if frame == nil {
		return model.FrameWatermarkResult{Disposition: model.FrameRejected},
			fmt.Errorf("applier: nil frame: %w", errs.ErrInvalidFrame)
	}
	sess := s.lookup(sessionID)
	if sess == nil {
		return model.FrameWatermarkResult{Disposition: model.FrameRejected},
			fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == model.StateStopped {
		return model.FrameWatermarkResult{Disposition: model.FrameRejected},
			fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionStopped)
	}

	disposition := model.FrameQueued
	select {
	case sess.frames <- frame:
	default:
		select {
		case <-sess.frames:
			disposition = model.FrameDroppedOldest
		default:
			// The worker drained the queue between our two looks.
		}
		sess.frames <- frame
	}
	depth := len(sess.frames)
	s.metrics.RecordFrame(sessionID, disposition, depth)

	if disposition == model.FrameDroppedOldest {
		sess.drops++
		// One overflow event per full queue's worth of lost frames, so a
		// sustained stall pages once per window instead of per frame.
		if sess.drops%cap(sess.frames) == 0 {
			s.hub.Publish(bus.TopicSecurity, bus.Event{
				Type:      "queue_overflow",
				SessionID: sessionID,
				Payload:   sess.drops,
			})
			slog.Warn("sustained queue overflow",
				"session", sessionID, "dropped_total", sess.drops, "capacity", cap(sess.frames))
		}
	}
	return model.FrameWatermarkResult{Disposition: disposition, QueueDepth: depth}, nil
}

// Rotate asks the session's worker to swap payloads before its next
// frame. Concurrent requests coalesce into one rotation.
func (s *Service) Rotate(sessionID string) error {
	sess := s.lookup(sessionID)
	if sess == nil {
		return fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if sess.currentState() == model.StateStopped {
		return fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionStopped)
	}
	select {
	case sess.rotate <- struct{}{}:
	default:
	}
	return nil
}

// Stop moves the session to its terminal state, waits for the in-flight
// frame to finish, and discards anything still queued.
func (s *Service) Stop(sessionID string) error {
	sess := s.lookup(sessionID)
	if sess == nil {
		return fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if err := sess.transition(model.StateStopped); err != nil {
		return fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionStopped)
	}
	close(sess.stop)
	<-sess.done
	return nil
}

// State reports the session's lifecycle state.
func (s *Service) State(sessionID string) (model.SessionState, error) {
	sess := s.lookup(sessionID)
	if sess == nil {
		return "", fmt.Errorf("applier: session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	return sess.currentState(), nil
}

// Shutdown stops every session that is still running.
func (s *Service) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil && !errors.Is(err, errs.ErrSessionStopped) {
			slog.Error("shutdown: stop session", "session", id, "error", err)
		}
	}
}
