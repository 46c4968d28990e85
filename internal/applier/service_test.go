package applier_test

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	sealmark "github.com/sealmark/sealmark"
	"github.com/sealmark/sealmark/internal/applier"
	"github.com/sealmark/sealmark/internal/bus"
	"github.com/sealmark/sealmark/internal/codec"
	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/history"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/model"
)

const (
	testSession = "0f8fad5b-d9cb-469f-a165-70867728950e"
	testTenant  = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	testUser    = "886313e1-3b8a-5372-9b90-0c9aee199e5d"
)

// fakeEmbedder records the payload used for every call and optionally
// blocks inside Embed until the gate channel is closed.
type fakeEmbedder struct {
	mu    sync.Mutex
	gate  chan struct{}
	calls []uint64
	err   error
}

func (f *fakeEmbedder) Embed(frame *model.Frame, p *model.WatermarkPayload, keys *keyring.Keys, cdc codec.Codec) (*model.EmbedResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.Nonce)
	gate := f.gate
	err := f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	marked := *frame
	return &model.EmbedResult{Frame: &marked, BitsEmbedded: 896, CapacityUsedRatio: 0.1, PSNR: 45}, nil
}

func (f *fakeEmbedder) nonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestService(t *testing.T, fake *fakeEmbedder) (*applier.Service, *sql.DB, *bus.Hub) {
	t.Helper()
	database, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := history.Migrate(database, sealmark.MigrationFS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := bus.New()
	master := make([]byte, keyring.MasterKeySize)
	for i := range master {
		master[i] = byte(i*7 + 3)
	}
	return applier.New(fake, database, hub, nil, master), database, hub
}

func taggedFrame(id byte) *model.Frame {
	return &model.Frame{
		Pixels:     []byte{id},
		Width:      1,
		Height:     1,
		Format:     model.ColorGray8,
		CapturedAt: time.Unix(1770000000, 0).UTC(),
	}
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartSubmitStop(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, database, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st, err := svc.State(testSession); err != nil || st != model.StateActive {
		t.Fatalf("state after start = %v, %v; want active", st, err)
	}

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	for id := byte(1); id <= 3; id++ {
		res, err := svc.SubmitFrame(testSession, taggedFrame(id))
		if err != nil {
			t.Fatalf("submit frame %d: %v", id, err)
		}
		if res.Disposition != model.FrameQueued {
			t.Fatalf("disposition = %q, want queued", res.Disposition)
		}
	}
	for id := byte(1); id <= 3; id++ {
		ev := nextEvent(t, events)
		if ev.Type != "frame_ready" {
			t.Fatalf("event %d type = %q, want frame_ready", id, ev.Type)
		}
		frame, ok := ev.Payload.(*model.Frame)
		if !ok {
			t.Fatalf("event payload is %T, want *model.Frame", ev.Payload)
		}
		if frame.Pixels[0] != id {
			t.Fatalf("frames delivered out of order: got tag %d, want %d", frame.Pixels[0], id)
		}
	}

	if err := svc.Stop(testSession); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != "session_stopped" {
		t.Fatalf("event type = %q, want session_stopped", ev.Type)
	}
	if st, err := svc.State(testSession); err != nil || st != model.StateStopped {
		t.Fatalf("state after stop = %v, %v; want stopped", st, err)
	}

	versions, err := history.VersionsForSession(database, testSession)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("got %d versions, want 1", len(versions))
	}
	if versions[0].ValidUntil == nil {
		t.Fatal("final version still open after stop")
	}
	if got := fake.nonces(); len(got) != 3 || got[0] != versions[0].Payload.Nonce {
		t.Fatalf("embeds used nonces %v, want 3 uses of %d", got, versions[0].Payload.Nonce)
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEmbedder{})
	res, err := svc.SubmitFrame("nope", taggedFrame(1))
	if !errors.Is(err, errs.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if res.Disposition != model.FrameRejected {
		t.Fatalf("disposition = %q, want rejected", res.Disposition)
	}
}

func TestSubmitNilFrame(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEmbedder{})
	if _, err := svc.SubmitFrame(testSession, nil); !errors.Is(err, errs.ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestStoppedSessionStaysStopped(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEmbedder{})
	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Stop(testSession); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := svc.SubmitFrame(testSession, taggedFrame(1)); !errors.Is(err, errs.ErrSessionStopped) {
		t.Fatalf("submit err = %v, want ErrSessionStopped", err)
	}
	if err := svc.Rotate(testSession); !errors.Is(err, errs.ErrSessionStopped) {
		t.Fatalf("rotate err = %v, want ErrSessionStopped", err)
	}
	if err := svc.Stop(testSession); !errors.Is(err, errs.ErrSessionStopped) {
		t.Fatalf("second stop err = %v, want ErrSessionStopped", err)
	}
	if err := svc.Start(meta, model.SessionWatermarkConfig{}); !errors.Is(err, errs.ErrSessionStopped) {
		t.Fatalf("restart err = %v, want ErrSessionStopped", err)
	}
}

func TestDuplicateStart(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEmbedder{})
	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(testSession)
	if err := svc.Start(meta, model.SessionWatermarkConfig{}); err == nil {
		t.Fatal("second start succeeded, want error")
	}
}

func TestStartValidation(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEmbedder{})
	if err := svc.Start(model.SessionMeta{SessionID: testSession}, model.SessionWatermarkConfig{}); err == nil {
		t.Fatal("start without tenant succeeded")
	}
	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant}
	cfg := model.SessionWatermarkConfig{Codec: "jpeg2000"}
	if err := svc.Start(meta, cfg); err == nil {
		t.Fatal("start with unknown codec succeeded")
	}
}

func TestDropOldestUnderPressure(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeEmbedder{gate: gate}
	svc, _, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	cfg := model.SessionWatermarkConfig{QueueCapacity: 2}
	if err := svc.Start(meta, cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	// Frame 1 occupies the worker, which then blocks at the gate.
	if _, err := svc.SubmitFrame(testSession, taggedFrame(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return len(fake.nonces()) == 1 }, "worker never picked up the first frame")

	for id := byte(2); id <= 3; id++ {
		res, err := svc.SubmitFrame(testSession, taggedFrame(id))
		if err != nil || res.Disposition != model.FrameQueued {
			t.Fatalf("submit %d = %+v, %v; want queued", id, res, err)
		}
	}
	res, err := svc.SubmitFrame(testSession, taggedFrame(4))
	if err != nil {
		t.Fatalf("submit over capacity: %v", err)
	}
	if res.Disposition != model.FrameDroppedOldest {
		t.Fatalf("disposition = %q, want dropped_oldest", res.Disposition)
	}
	if res.QueueDepth != 2 {
		t.Fatalf("queue depth = %d, want 2", res.QueueDepth)
	}

	close(gate)
	want := []byte{1, 3, 4}
	for _, id := range want {
		ev := nextEvent(t, events)
		if ev.Type != "frame_ready" {
			t.Fatalf("event type = %q, want frame_ready", ev.Type)
		}
		if got := ev.Payload.(*model.Frame).Pixels[0]; got != id {
			t.Fatalf("delivered tag %d, want %d", got, id)
		}
	}
	if err := svc.Stop(testSession); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSustainedOverflowPublishesSecurityEvent(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeEmbedder{gate: gate}
	svc, _, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{QueueCapacity: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}

	security, unsub := hub.Subscribe(bus.TopicSecurity)
	defer unsub()

	// Worker stalls on frame 1; frames 2 and 3 then fill the queue.
	if _, err := svc.SubmitFrame(testSession, taggedFrame(1)); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	waitFor(t, func() bool { return len(fake.nonces()) == 1 }, "worker never picked up the first frame")
	for id := byte(2); id <= 3; id++ {
		if _, err := svc.SubmitFrame(testSession, taggedFrame(id)); err != nil {
			t.Fatalf("submit %d: %v", id, err)
		}
	}

	// First drop stays quiet; the second completes a queue's worth of
	// losses and raises the overflow event.
	if _, err := svc.SubmitFrame(testSession, taggedFrame(4)); err != nil {
		t.Fatalf("submit 4: %v", err)
	}
	select {
	case ev := <-security:
		t.Fatalf("single drop already published %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := svc.SubmitFrame(testSession, taggedFrame(5)); err != nil {
		t.Fatalf("submit 5: %v", err)
	}
	ev := nextEvent(t, security)
	if ev.Type != "queue_overflow" {
		t.Fatalf("event type = %q, want queue_overflow", ev.Type)
	}
	if ev.SessionID != testSession {
		t.Fatalf("event session = %q", ev.SessionID)
	}
	if dropped, ok := ev.Payload.(int); !ok || dropped != 2 {
		t.Fatalf("event payload = %v, want dropped count 2", ev.Payload)
	}

	close(gate)
	if err := svc.Stop(testSession); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRotateSwapsPayload(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, database, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(testSession)

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	if _, err := svc.SubmitFrame(testSession, taggedFrame(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != "frame_ready" {
		t.Fatalf("event type = %q, want frame_ready", ev.Type)
	}

	if err := svc.Rotate(testSession); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != "rotation" {
		t.Fatalf("event type = %q, want rotation", ev.Type)
	}

	if _, err := svc.SubmitFrame(testSession, taggedFrame(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != "frame_ready" {
		t.Fatalf("event type = %q, want frame_ready", ev.Type)
	}

	nonces := fake.nonces()
	if len(nonces) != 2 || nonces[0] == nonces[1] {
		t.Fatalf("nonces = %v, want two distinct values", nonces)
	}

	versions, err := history.VersionsForSession(database, testSession)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
	if versions[0].Payload.Nonce != nonces[0] || versions[1].Payload.Nonce != nonces[1] {
		t.Fatalf("version nonces %d,%d do not match embed order %v",
			versions[0].Payload.Nonce, versions[1].Payload.Nonce, nonces)
	}
	if versions[0].ValidUntil == nil {
		t.Fatal("rotated-out version still open")
	}
	if !versions[0].ValidUntil.Equal(versions[1].ValidFrom) {
		t.Fatalf("history gap: first closed %v, second opened %v",
			versions[0].ValidUntil, versions[1].ValidFrom)
	}
	if versions[1].ValidUntil != nil {
		t.Fatal("current version already closed")
	}
}

func TestIntervalRotation(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, database, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	cfg := model.SessionWatermarkConfig{RotationInterval: 30 * time.Millisecond}
	if err := svc.Start(meta, cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(testSession)

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	if ev := nextEvent(t, events); ev.Type != "rotation" {
		t.Fatalf("event type = %q, want rotation", ev.Type)
	}
	versions, err := history.VersionsForSession(database, testSession)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("got %d versions after interval rotation, want at least 2", len(versions))
	}
}

func TestFailClosedWithholdsFrame(t *testing.T) {
	fake := &fakeEmbedder{err: errs.ErrQualityFloor}
	svc, _, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{Policy: model.PolicyFailClosed}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(testSession)

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	if _, err := svc.SubmitFrame(testSession, taggedFrame(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Type != "frame_withheld" {
		t.Fatalf("event type = %q, want frame_withheld", ev.Type)
	}
	if ev.Payload != nil {
		t.Fatalf("withheld event carries a payload: %v", ev.Payload)
	}
}

func TestFailOpenPassesOriginal(t *testing.T) {
	fake := &fakeEmbedder{err: errs.ErrCapacityExceeded}
	svc, _, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{Policy: model.PolicyFailOpen}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(testSession)

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	frame := taggedFrame(9)
	if _, err := svc.SubmitFrame(testSession, frame); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Type != "frame_ready" {
		t.Fatalf("event type = %q, want frame_ready", ev.Type)
	}
	if ev.Payload.(*model.Frame) != frame {
		t.Fatal("fail-open did not pass the original frame through")
	}
}

func TestStopDiscardsQueuedFrames(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeEmbedder{gate: gate}
	svc, _, hub := newTestService(t, fake)

	meta := model.SessionMeta{SessionID: testSession, TenantID: testTenant, UserID: testUser}
	if err := svc.Start(meta, model.SessionWatermarkConfig{QueueCapacity: 4}); err != nil {
		t.Fatalf("start: %v", err)
	}

	events, unsub := hub.Subscribe(bus.FrameTopic(testSession))
	defer unsub()

	for id := byte(1); id <= 3; id++ {
		if _, err := svc.SubmitFrame(testSession, taggedFrame(id)); err != nil {
			t.Fatalf("submit %d: %v", id, err)
		}
	}
	waitFor(t, func() bool { return len(fake.nonces()) == 1 }, "worker never picked up the first frame")

	stopped := make(chan error, 1)
	go func() { stopped <- svc.Stop(testSession) }()
	waitFor(t, func() bool {
		st, err := svc.State(testSession)
		return err == nil && st == model.StateStopped
	}, "state never reached stopped")

	// Release the in-flight frame; the two queued behind it are dropped.
	close(gate)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}

	if ev := nextEvent(t, events); ev.Type != "frame_ready" {
		t.Fatalf("event type = %q, want frame_ready", ev.Type)
	}
	if ev := nextEvent(t, events); ev.Type != "session_stopped" {
		t.Fatalf("event type = %q, want session_stopped", ev.Type)
	}
	if got := fake.nonces(); len(got) != 1 {
		t.Fatalf("worker embedded %d frames after stop, want 1", len(got))
	}
}

func TestShutdownStopsAllSessions(t *testing.T) {
	svc, database, _ := newTestService(t, &fakeEmbedder{})
	other := "11111111-2222-4333-8444-555555555555"

	for _, id := range []string{testSession, other} {
		meta := model.SessionMeta{SessionID: id, TenantID: testTenant, UserID: testUser}
		if err := svc.Start(meta, model.SessionWatermarkConfig{}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	svc.Shutdown()

	for _, id := range []string{testSession, other} {
		st, err := svc.State(id)
		if err != nil || st != model.StateStopped {
			t.Fatalf("state(%s) = %v, %v; want stopped", id, st, err)
		}
		versions, err := history.VersionsForSession(database, id)
		if err != nil {
			t.Fatalf("versions %s: %v", id, err)
		}
		for _, v := range versions {
			if v.ValidUntil == nil {
				t.Fatalf("session %s still has an open version after shutdown", id)
			}
		}
	}
}
