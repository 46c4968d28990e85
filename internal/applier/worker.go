package applier

import (
	"log/slog"
	"time"

	"github.com/sealmark/sealmark/internal/bus"
	"github.com/sealmark/sealmark/internal/history"
	"github.com/sealmark/sealmark/internal/model"
)

func (s *Service) run(sess *session) {
	defer close(sess.done)
	ticker := time.NewTicker(sess.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		// A stop beats any queued work.
		select {
		case <-sess.stop:
			s.finish(sess)
			return
		default:
		}

		select {
		case <-sess.stop:
			s.finish(sess)
			return
		case <-ticker.C:
			s.rotateSession(sess, "interval")
		case <-sess.rotate:
			s.rotateSession(sess, "manual")
			ticker.Reset(sess.cfg.RotationInterval)
		case frame := <-sess.frames:
			s.embedFrame(sess, frame)
		}
	}
}

func (s *Service) embedFrame(sess *session, frame *model.Frame) {
	started := time.Now()
	res, err := s.embedder.Embed(frame, sess.payload, sess.keys, sess.cdc)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		s.metrics.RecordEmbed(sess.cdc.Name(), 0, elapsed, err)
		if sess.cfg.Policy == model.PolicyFailOpen {
			slog.Warn("embed failed, passing frame through unmarked",
				"session", sess.meta.SessionID, "error", err)
			s.hub.Publish(bus.FrameTopic(sess.meta.SessionID),
				bus.Event{Type: "frame_ready", SessionID: sess.meta.SessionID, Payload: frame})
		} else {
			slog.Warn("embed failed, withholding frame",
				"session", sess.meta.SessionID, "error", err)
			s.hub.Publish(bus.FrameTopic(sess.meta.SessionID),
				bus.Event{Type: "frame_withheld", SessionID: sess.meta.SessionID})
		}
		return
	}
	s.metrics.RecordEmbed(sess.cdc.Name(), res.PSNR, elapsed, nil)
	s.hub.Publish(bus.FrameTopic(sess.meta.SessionID),
		bus.Event{Type: "frame_ready", SessionID: sess.meta.SessionID, Payload: res.Frame})
}

// rotateSession appends the replacement version before closing the old
// one, so a crash between the two writes leaves an overlap in the
// history rather than a gap. The old payload stays live if the append
// fails.
func (s *Service) rotateSession(sess *session, trigger string) {
	if err := sess.transition(model.StateRotating); err != nil {
		// A stop raced in; the loop exits on its next pass.
		return
	}

	next, err := newPayload(sess.meta)
	if err == nil {
		err = history.AppendVersion(s.database, &model.PayloadVersion{Payload: *next, ValidFrom: next.IssuedAt})
	}
	if err != nil {
		slog.Error("rotation failed, keeping current payload",
			"session", sess.meta.SessionID, "trigger", trigger, "error", err)
		_ = sess.transition(model.StateActive)
		return
	}

	if err := history.CloseVersion(s.database, sess.meta.SessionID, sess.payload.Nonce, next.IssuedAt); err != nil {
		slog.Error("close previous version", "session", sess.meta.SessionID, "error", err)
	}
	sess.payload = next
	s.metrics.RecordRotation(trigger)
	s.hub.Publish(bus.FrameTopic(sess.meta.SessionID),
		bus.Event{Type: "rotation", SessionID: sess.meta.SessionID})
	slog.Info("payload rotated", "session", sess.meta.SessionID, "trigger", trigger)

	// Restoring Active fails only when a stop raced the rotation, which
	// the loop notices on its next pass.
	_ = sess.transition(model.StateActive)
}

func (s *Service) finish(sess *session) {
	now := time.Now().UTC().Truncate(time.Second)
	if err := history.CloseVersion(s.database, sess.meta.SessionID, sess.payload.Nonce, now); err != nil {
		slog.Error("close final version", "session", sess.meta.SessionID, "error", err)
	}
	discarded := len(sess.frames)
	s.metrics.SessionStopped(sess.meta.SessionID)
	s.hub.Publish(bus.FrameTopic(sess.meta.SessionID),
		bus.Event{Type: "session_stopped", SessionID: sess.meta.SessionID})
	slog.Info("session stopped", "session", sess.meta.SessionID, "discarded_frames", discarded)
}
