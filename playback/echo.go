package playback

import "time"

// EchoSuppressor is a short lived guard set right before the engine mutates
// the player on behalf of a remote update. While it's set, native events
// are treated as echoes of that mutation and aren't captured. The guard
// always clears on its own once the window passes.
type EchoSuppressor struct {
	lp     *loop
	window time.Duration

	active bool
	timer  Timer

	// Incremented on every Start so that a timer that was stopped too late
	// can't clear a newer guard.
	token uint64
}

func newEchoSuppressor(lp *loop, window time.Duration) *EchoSuppressor {
	return &EchoSuppressor{lp: lp, window: window}
}

// Start sets the guard and (re)starts its expiry timer.
func (e *EchoSuppressor) Start() {
	stopTimer(&e.timer)
	e.active = true
	e.token++

	tok := e.token
	e.timer = e.lp.after(e.window, func() {
		if e.token == tok {
			e.active = false
			e.timer = nil
		}
	})
}

// End clears the guard immediately.
func (e *EchoSuppressor) End() {
	stopTimer(&e.timer)
	e.active = false
	e.token++
}

// Suppressed reports whether the guard is set.
func (e *EchoSuppressor) Suppressed() bool {
	return e.active
}
