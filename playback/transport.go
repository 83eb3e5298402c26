package playback

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport carries updates between the engine and the room service. It
// first tries to open a push subscription and falls back to polling when the
// service can't push or the handshake doesn't complete in time. Dropped
// channels are reconnected following the backoff policy. Once the policy is
// exhausted the Transport stays in StateError.
//
// Every method must be called from the engine loop.
type Transport struct {
	lp  *loop
	log *logrus.Logger
	svc RoomService
	cfg Config

	roomID   string
	originID string

	onUpdate func(Update)
	onState  func(ConnectionState)
	onError  func()

	backoff *Backoff
	state   ConnectionState

	// Incremented on every connect, strategy change and teardown. Completions
	// carrying an older value are stale.
	attempt uint64

	sub        Subscription
	connCancel context.CancelFunc
	handshake  Timer
	retry      Timer

	// Poll strategy.
	pollTimer    Timer
	pollSeq      uint64
	pollCancel   context.CancelFunc
	pollFailures int
	cursor       time.Time

	// Outbound. At most one post is in flight; newer updates replace the
	// pending one.
	sending    bool
	pending    *Update
	sendCancel context.CancelFunc

	closed bool
}

type transportHooks struct {
	onUpdate func(Update)
	onState  func(ConnectionState)
	onError  func()
}

func newTransport(lp *loop, l *logrus.Logger, svc RoomService, cfg Config, roomID, originID string, h transportHooks) *Transport {
	t := &Transport{
		lp:       lp,
		log:      l,
		svc:      svc,
		cfg:      cfg,
		roomID:   roomID,
		originID: originID,
		onUpdate: h.onUpdate,
		onState:  h.onState,
		onError:  h.onError,
		backoff:  NewBackoff(cfg),
		state:    StateDisconnected,
	}
	if t.onUpdate == nil {
		t.onUpdate = func(Update) {}
	}
	if t.onState == nil {
		t.onState = func(ConnectionState) {}
	}
	if t.onError == nil {
		t.onError = func() {}
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	return t.state
}

// Start connects with a fresh retry budget.
func (t *Transport) Start() {
	if t.closed {
		return
	}
	t.backoff.Reset()
	t.connect()
}

// Close tears down the channel and cancels every pending timer and request.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.teardown()
	t.pending = nil
	t.sending = false
	if t.sendCancel != nil {
		t.sendCancel()
		t.sendCancel = nil
	}
	t.setState(StateDisconnected)
}

// Send posts an update to the room service. It never blocks or fails from
// the caller's point of view.
func (t *Transport) Send(u Update) {
	if t.closed {
		return
	}
	if t.state == StateError {
		t.log.Debugf("connection failed, dropping outbound %s", u)
		return
	}
	if t.sending {
		t.pending = &u
		return
	}
	t.transmit(u, 0)
}

func (t *Transport) connect() {
	t.teardown()
	t.setState(StateConnecting)

	att := t.attempt
	ctx, cancel := context.WithCancel(context.Background())
	t.connCancel = cancel

	t.handshake = t.lp.after(t.cfg.HandshakeTimeout, func() {
		if att != t.attempt || t.state != StateConnecting {
			return
		}
		t.handshake = nil
		t.log.Warnf("push handshake timed out after %v, falling back to polling", t.cfg.HandshakeTimeout)
		t.fallback()
	})

	go func() {
		sub, err := t.svc.Subscribe(ctx, t.roomID, t.originID)
		ok := t.lp.post(func() {
			t.onSubscribed(att, sub, err)
		})
		if !ok && sub != nil {
			sub.Close()
		}
	}()
}

func (t *Transport) onSubscribed(att uint64, sub Subscription, err error) {
	if att != t.attempt || t.state != StateConnecting {
		if sub != nil {
			sub.Close()
		}
		return
	}
	stopTimer(&t.handshake)

	if err != nil {
		if !errors.Is(err, ErrPushUnsupported) {
			t.log.Warnf("error subscribing to room %s: %v", t.roomID, err)
		}
		t.fallback()
		return
	}

	t.sub = sub
	t.backoff.Reset()
	t.setState(StateConnected)
	go t.read(att, sub)
}

// read forwards pushed updates to the loop until the subscription closes.
func (t *Transport) read(att uint64, sub Subscription) {
	for u := range sub.Updates() {
		u := u
		if !t.lp.post(func() {
			if att == t.attempt {
				t.receive(u)
			}
		}) {
			return
		}
	}

	err := sub.Err()
	t.lp.post(func() {
		if att != t.attempt || t.sub != sub {
			return
		}
		if err == nil {
			err = errors.New("subscription closed")
		}
		t.drop(err)
	})
}

// fallback abandons the push handshake and probes the poll strategy. A
// successful probe moves the Transport to StateDegraded.
func (t *Transport) fallback() {
	t.attempt++
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	stopTimer(&t.handshake)
	t.pollFailures = 0
	t.poll(t.attempt)
}

// degrade switches a live push channel over to polling.
func (t *Transport) degrade() {
	t.teardown()
	t.setState(StateDegraded)
	att := t.attempt
	t.poll(att)
	t.schedulePoll(att)
}

func (t *Transport) schedulePoll(att uint64) {
	t.pollTimer = t.lp.after(t.cfg.PollInterval, func() {
		if att != t.attempt || t.state != StateDegraded {
			return
		}
		t.pollTimer = nil
		t.poll(att)
		t.schedulePoll(att)
	})
}

// poll queries updates since the cursor. Starting a poll cancels the
// previous one and its result is discarded.
func (t *Transport) poll(att uint64) {
	if t.pollCancel != nil {
		t.pollCancel()
	}
	t.pollSeq++
	seq := t.pollSeq

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PollInterval)
	t.pollCancel = cancel
	since := t.cursor

	go func() {
		ups, err := t.svc.QueryUpdatesSince(ctx, t.roomID, since, t.originID)
		cancel()
		t.lp.post(func() {
			t.onPoll(att, seq, ups, err)
		})
	}()
}

func (t *Transport) onPoll(att, seq uint64, ups []Update, err error) {
	if att != t.attempt || seq != t.pollSeq {
		return
	}
	t.pollCancel = nil

	if err != nil {
		// The probe after a failed handshake.
		if t.state == StateConnecting {
			t.drop(err)
			return
		}

		t.pollFailures++
		t.log.Debugf("poll failed (%d/%d): %v", t.pollFailures, t.cfg.PollFailures, err)
		if t.pollFailures >= t.cfg.PollFailures {
			t.drop(err)
		}
		return
	}

	t.pollFailures = 0
	if t.state == StateConnecting {
		t.backoff.Reset()
		t.setState(StateDegraded)
		t.schedulePoll(att)
	}
	for _, u := range ups {
		t.receive(u)
	}
}

func (t *Transport) receive(u Update) {
	if u.OriginID == t.originID {
		return
	}
	if u.RoomID == "" {
		u.RoomID = t.roomID
	} else if u.RoomID != t.roomID {
		t.log.Debugf("dropping update for another room: %s", u)
		return
	}

	if u.CreatedAt.After(t.cursor) {
		t.cursor = u.CreatedAt
	}
	t.onUpdate(u)
}

// drop handles a lost channel: tear down and schedule a reconnect, or give
// up once the retry budget is spent.
func (t *Transport) drop(err error) {
	t.teardown()
	t.setState(StateDisconnected)

	d, ok := t.backoff.Next()
	if !ok {
		t.log.Errorf("giving up on room %s after %d retries: %v", t.roomID, t.cfg.MaxRetries, err)
		t.setState(StateError)
		t.onError()
		return
	}

	t.log.Warnf("connection to room %s lost (%v), retrying in %v (%d/%d)",
		t.roomID, err, d.Round(time.Millisecond), t.backoff.Attempts(), t.cfg.MaxRetries)

	att := t.attempt
	t.retry = t.lp.after(d, func() {
		if att != t.attempt || t.state != StateDisconnected {
			return
		}
		t.retry = nil
		t.connect()
	})
}

// teardown closes the current channel and invalidates everything in flight
// on it. Outbound sends aren't affected.
func (t *Transport) teardown() {
	t.attempt++
	stopTimer(&t.handshake)
	stopTimer(&t.retry)
	stopTimer(&t.pollTimer)

	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
	if t.sub != nil {
		if err := t.sub.Close(); err != nil {
			t.log.Debugf("error closing subscription: %v", err)
		}
		t.sub = nil
	}
	t.pollFailures = 0
}

func (t *Transport) transmit(u Update, try int) {
	t.sending = true
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	t.sendCancel = cancel

	go func() {
		err := t.svc.PostUpdate(ctx, u)
		cancel()
		t.lp.post(func() {
			t.onSent(u, try, err)
		})
	}()
}

func (t *Transport) onSent(u Update, try int, err error) {
	if t.closed {
		return
	}
	t.sendCancel = nil

	switch {
	case err == nil:
	case errors.Is(err, ErrRejected):
		t.log.Warnf("room service rejected %s: %v", u, err)
	case try < t.cfg.SendRetries && t.pending == nil:
		t.log.Debugf("error posting %s, retrying: %v", u, err)
		t.transmit(u, try+1)
		return
	case t.pending != nil:
		// Superseded by a newer local change.
		t.log.Debugf("error posting %s, sending newer update instead: %v", u, err)
	default:
		t.log.Warnf("error posting %s, dropping it: %v", u, err)
		switch t.state {
		case StateConnected:
			t.log.Warn("switching to polling after failed send")
			t.degrade()
		case StateDegraded:
			t.drop(err)
		}
	}

	t.sending = false
	if t.state == StateError {
		t.pending = nil
	}
	if t.pending != nil {
		p := *t.pending
		t.pending = nil
		t.transmit(p, 0)
	}
}

func (t *Transport) setState(s ConnectionState) {
	if t.state == s {
		return
	}
	t.log.Debugf("connection %s -> %s", t.state, s)
	t.state = s
	t.onState(s)
}
