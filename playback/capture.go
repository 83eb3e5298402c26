package playback

import (
	"time"

	"github.com/sirupsen/logrus"
)

// capture turns native player events into outbound updates. The first
// change goes out immediately and opens a coalescing window. Changes made
// inside the window overwrite each other and only the last one is sent when
// the window closes.
type capture struct {
	lp     *loop
	log    *logrus.Logger
	player Player
	echo   *EchoSuppressor
	send   func(Update)

	roomID   string
	originID string
	window   time.Duration

	unsub   func()
	pending *Update
	timer   Timer
	stopped bool
}

func newCapture(lp *loop, l *logrus.Logger, p Player, e *EchoSuppressor, send func(Update),
	roomID, originID string, window time.Duration) *capture {
	return &capture{
		lp:       lp,
		log:      l,
		player:   p,
		echo:     e,
		send:     send,
		roomID:   roomID,
		originID: originID,
		window:   window,
	}
}

func (c *capture) start() {
	c.unsub = c.player.Subscribe(func(ev PlayerEvent) {
		c.lp.post(func() {
			c.handle(ev)
		})
	})
}

func (c *capture) stop() {
	c.stopped = true
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	stopTimer(&c.timer)
	c.pending = nil
}

func (c *capture) handle(ev PlayerEvent) {
	if c.stopped {
		return
	}

	// Native events that show up while a remote update is being applied are
	// that update's echoes.
	if c.echo.Suppressed() {
		c.log.Debugf("suppressed echo of %s at %.2fs", ev.Kind, ev.Time)
		return
	}

	var action Action
	switch ev.Kind {
	case EventPlay:
		action = ActionPlay
	case EventPause:
		action = ActionPause
	case EventSeek:
		action = ActionSeek
	default:
		return
	}

	pos, err := c.player.Position()
	if err != nil {
		c.log.Debugf("error reading player position, using event time: %v", err)
		pos = ev.Time
	}
	if pos < 0 {
		pos = 0
	}

	u := Update{
		RoomID:    c.roomID,
		OriginID:  c.originID,
		Action:    action,
		Position:  pos,
		CreatedAt: c.lp.now(),
	}

	if c.timer != nil {
		c.pending = &u
		return
	}
	c.send(u)
	c.openWindow()
}

func (c *capture) openWindow() {
	if c.window <= 0 {
		return
	}
	c.timer = c.lp.after(c.window, c.flush)
}

func (c *capture) flush() {
	c.timer = nil
	if c.stopped || c.pending == nil {
		return
	}

	u := *c.pending
	c.pending = nil
	c.send(u)
	c.openWindow()
}
