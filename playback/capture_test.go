package playback

import (
	"sync"
	"testing"
	"time"
)

type sendRec struct {
	mu  sync.Mutex
	ups []Update
}

func (r *sendRec) send(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ups = append(r.ups, u)
}

func (r *sendRec) sent() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.ups...)
}

type captureRig struct {
	clk  *fakeClock
	lp   *loop
	p    *fakePlayer
	echo *EchoSuppressor
	rec  *sendRec
	c    *capture
}

func newCaptureRig(t *testing.T, window time.Duration) *captureRig {
	clk := newFakeClock()
	lp := startLoop(t, clk)
	r := &captureRig{
		clk:  clk,
		lp:   lp,
		p:    newFakePlayer(0, false),
		echo: newEchoSuppressor(lp, 100*time.Millisecond),
		rec:  &sendRec{},
	}
	r.c = newCapture(lp, testLogger(), r.p, r.echo, r.rec.send, "R1", "A", window)
	lp.call(r.c.start)
	return r
}

// sync waits for every task queued so far.
func (r *captureRig) sync() {
	r.lp.call(func() {})
}

func TestCaptureSendsLocalChange(t *testing.T) {
	r := newCaptureRig(t, 500*time.Millisecond)

	r.p.user(EventPause, 42)
	r.sync()

	sent := r.rec.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 update, got %d", len(sent))
	}
	u := sent[0]
	if u.RoomID != "R1" || u.OriginID != "A" || u.Action != ActionPause || u.Position != 42 {
		t.Fatalf("unexpected update: %+v", u)
	}
	if !u.CreatedAt.Equal(r.clk.Now()) {
		t.Fatalf("expected CreatedAt from the clock, got %v", u.CreatedAt)
	}
}

func TestCaptureCoalesces(t *testing.T) {
	r := newCaptureRig(t, 500*time.Millisecond)

	// Rapid scrubbing.
	for _, pos := range []float64{10, 20, 30, 40} {
		r.p.user(EventSeek, pos)
		r.sync()
		r.clk.Advance(50 * time.Millisecond)
	}
	r.sync()

	sent := r.rec.sent()
	if len(sent) != 1 || sent[0].Position != 10 {
		t.Fatalf("expected only the leading update inside the window, got %+v", sent)
	}

	r.clk.Advance(500 * time.Millisecond)
	r.sync()

	sent = r.rec.sent()
	if len(sent) != 2 {
		t.Fatalf("expected the window to flush one update, got %d", len(sent))
	}
	if sent[1].Position != 40 || sent[1].Action != ActionSeek {
		t.Fatalf("expected the latest update to be flushed, got %+v", sent[1])
	}

	// Quiet window, nothing more to send.
	r.clk.Advance(time.Second)
	r.sync()
	if n := len(r.rec.sent()); n != 2 {
		t.Fatalf("expected no more updates, got %d", n)
	}
}

func TestCaptureDropsSuppressed(t *testing.T) {
	r := newCaptureRig(t, 0)

	r.lp.call(r.echo.Start)
	r.p.user(EventPlay, 5)
	r.sync()
	if n := len(r.rec.sent()); n != 0 {
		t.Fatalf("suppressed event was sent: %d", n)
	}

	// Dropped, not queued.
	r.clk.Advance(100 * time.Millisecond)
	r.sync()
	if n := len(r.rec.sent()); n != 0 {
		t.Fatalf("suppressed event was sent after the window: %d", n)
	}

	r.p.user(EventPause, 6)
	r.sync()
	if n := len(r.rec.sent()); n != 1 {
		t.Fatalf("expected capture to resume after the window, got %d", n)
	}
}

func TestCaptureStop(t *testing.T) {
	r := newCaptureRig(t, 500*time.Millisecond)

	r.p.user(EventPlay, 1)
	r.p.user(EventSeek, 2)
	r.sync()
	r.lp.call(r.c.stop)

	r.clk.Advance(time.Second)
	r.p.user(EventPause, 3)
	r.sync()

	if n := len(r.rec.sent()); n != 1 {
		t.Fatalf("expected nothing sent after stop, got %d updates", n)
	}
}
