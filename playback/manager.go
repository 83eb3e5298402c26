package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const roomIDLen = 10

// NewRoomID returns a random room ID.
func NewRoomID() string {
	return lo.RandomString(roomIDLen, lo.AlphanumericCharset)
}

// Manager owns the membership of one participant in one room at a time. On
// join it starts the Transport, the local capture and the reconciler for the
// room and tears them down again on leave.
type Manager struct {
	cfg    Config
	svc    RoomService
	player Player
	notify Notifier
	log    *logrus.Logger
	lp     *loop

	originID string

	// Everything below is owned by the loop.
	state SessionState

	// Incremented on every join and leave. Completions of network calls
	// made for an older generation are discarded.
	gen uint64

	session *Session
	handle  RoomHandle

	// Join in progress.
	joining     string
	joinCreate  bool
	joinCancel  context.CancelFunc
	joinWaiters []func(RoomHandle, error)

	echo       *EchoSuppressor
	transport  *Transport
	capture    *capture
	reconciler *reconciler
	heartbeat  Timer

	// Closed when the last remote leave has been answered. Joins wait for it.
	leaveDone chan struct{}

	closed bool
}

// NewManager returns a Manager for player that talks to svc. n may be nil.
func NewManager(cfg Config, svc RoomService, p Player, n Notifier, l *logrus.Logger) (*Manager, error) {
	return newManager(cfg, svc, p, n, l, realClock{})
}

func newManager(cfg Config, svc RoomService, p Player, n Notifier, l *logrus.Logger, c Clock) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	if n == nil {
		n = NopNotifier{}
	}

	m := &Manager{
		cfg:      cfg,
		svc:      svc,
		player:   p,
		notify:   n,
		log:      l,
		lp:       newLoop(c, 256),
		originID: cfg.OriginID,
		state:    SessionIdle,
	}
	if m.originID == "" {
		m.originID = uuid.NewString()
	}

	go m.lp.run()
	return m, nil
}

// OriginID returns the participant ID this Manager produces updates as.
func (m *Manager) OriginID() string {
	return m.originID
}

// State returns the session state.
func (m *Manager) State() SessionState {
	var s SessionState
	if !m.lp.call(func() { s = m.state }) {
		return SessionIdle
	}
	return s
}

// ConnectionState returns the state of the Transport of the active session.
func (m *Manager) ConnectionState() ConnectionState {
	s := StateDisconnected
	m.lp.call(func() {
		if m.transport != nil {
			s = m.transport.State()
		}
	})
	return s
}

// Session returns the active session, if any.
func (m *Manager) Session() (Session, bool) {
	var (
		s  Session
		ok bool
	)
	m.lp.call(func() {
		if m.session != nil {
			s, ok = *m.session, true
		}
	})
	return s, ok
}

// CreateRoom creates a room and joins it as its host. A random ID is used
// when roomID is empty.
func (m *Manager) CreateRoom(ctx context.Context, roomID string) (RoomHandle, error) {
	if roomID == "" {
		roomID = NewRoomID()
	}
	return m.join(ctx, roomID, true)
}

// JoinRoom joins an existing room. Joining the room that's already active is
// a no-op. Joining another room leaves the current one first.
// ErrRoomNotFound is returned when the room doesn't exist.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) (RoomHandle, error) {
	if roomID == "" {
		return RoomHandle{}, errors.New("empty room ID")
	}
	return m.join(ctx, roomID, false)
}

// Retry rejoins the room after the session has failed.
func (m *Manager) Retry(ctx context.Context) (RoomHandle, error) {
	var (
		roomID string
		err    error
		h      RoomHandle
		active bool
	)
	if !m.lp.call(func() {
		switch {
		case m.state == SessionError && m.session != nil:
			roomID = m.session.RoomID
			m.teardown()
			m.state = SessionIdle
		case m.state == SessionActive:
			h, active = m.handle, true
		default:
			err = ErrNotActive
		}
	}) {
		return RoomHandle{}, ErrClosed
	}
	if err != nil || active {
		return h, err
	}

	m.log.Infof("retrying room %s", roomID)
	return m.join(ctx, roomID, false)
}

// LeaveRoom leaves the active room. The room service is told on a best
// effort basis since it evicts inactive participants on its own.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	done := make(chan struct{})
	if !m.lp.post(func() {
		m.leave(func() { close(done) })
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the active room and stops the Manager.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	defer cancel()

	err := m.LeaveRoom(ctx)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	m.lp.call(func() { m.closed = true })
	m.lp.stop()
	return err
}

func (m *Manager) join(ctx context.Context, roomID string, create bool) (RoomHandle, error) {
	type result struct {
		h   RoomHandle
		err error
	}

	res := make(chan result, 1)
	if !m.lp.post(func() {
		m.startJoin(roomID, create, func(h RoomHandle, err error) {
			res <- result{h, err}
		})
	}) {
		return RoomHandle{}, ErrClosed
	}

	select {
	case r := <-res:
		return r.h, r.err
	case <-ctx.Done():
		return RoomHandle{}, ctx.Err()
	}
}

func (m *Manager) startJoin(roomID string, create bool, done func(RoomHandle, error)) {
	if m.closed {
		done(RoomHandle{}, ErrClosed)
		return
	}

	switch m.state {
	case SessionActive:
		if m.session.RoomID == roomID {
			done(m.handle, nil)
			return
		}
		m.log.Infof("leaving room %s to join %s", m.session.RoomID, roomID)
		m.leaveRemote(m.teardown(), nil)
		m.notify.OnRoomLeft()

	case SessionJoining:
		if m.joining == roomID && m.joinCreate == create {
			m.joinWaiters = append(m.joinWaiters, done)
			return
		}
		m.teardown()

	case SessionError:
		// The service still holds the session. Rejoining the same room
		// reuses it like Retry does.
		if prev := m.teardown(); prev != roomID {
			m.leaveRemote(prev, nil)
		}
	}

	m.gen++
	gen := m.gen
	m.state = SessionJoining
	m.joining = roomID
	m.joinCreate = create
	m.joinWaiters = []func(RoomHandle, error){done}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	m.joinCancel = cancel
	leaving := m.leaveDone

	go func() {
		if leaving != nil {
			select {
			case <-leaving:
			case <-ctx.Done():
			}
		}

		var (
			h   RoomHandle
			err error
		)
		if create {
			h, err = m.svc.CreateRoom(ctx, roomID, m.originID, m.cfg.Handle)
		} else {
			h, err = m.svc.JoinRoom(ctx, roomID, m.originID, m.cfg.Handle)
		}
		cancel()

		if !m.lp.post(func() { m.onJoined(gen, roomID, h, err) }) && err == nil {
			m.leaveRemoteNow(roomID)
		}
	}()
}

func (m *Manager) onJoined(gen uint64, roomID string, h RoomHandle, err error) {
	if gen != m.gen {
		// The join was abandoned but the service may have accepted it.
		if err == nil && !m.wants(roomID) {
			m.leaveRemote(roomID, nil)
		}
		return
	}

	waiters := m.joinWaiters
	m.joinWaiters = nil
	m.joinCancel = nil
	m.joining = ""

	if err != nil {
		m.state = SessionIdle
		if !errors.Is(err, ErrRoomNotFound) {
			m.log.Errorf("error joining room %s: %v", roomID, err)
		}
		err = fmt.Errorf("joining room %s: %w", roomID, err)
		for _, w := range waiters {
			w(RoomHandle{}, err)
		}
		return
	}

	if h.RoomID == "" {
		h.RoomID = roomID
	}
	if h.Role == "" {
		h.Role = RoleGuest
	}
	m.handle = h
	m.session = &Session{
		ID:         m.originID,
		RoomID:     h.RoomID,
		Role:       h.Role,
		LastSeenAt: m.lp.now(),
	}

	m.activate(gen)
	m.state = SessionActive
	m.notify.OnRoomJoined(h.RoomID, m.originID, h.Role)

	// Catch up with the room.
	if h.Latest != nil {
		m.reconciler.apply(*h.Latest)
	}

	for _, w := range waiters {
		w(h, nil)
	}
}

// activate wires up the components for the session.
func (m *Manager) activate(gen uint64) {
	roomID := m.session.RoomID

	m.echo = newEchoSuppressor(m.lp, m.cfg.SuppressWindow)
	m.reconciler = newReconciler(m.log, m.player, m.echo, m.notify, m.originID, m.cfg.DriftThreshold)

	m.transport = newTransport(m.lp, m.log, m.svc, m.cfg, roomID, m.originID, transportHooks{
		onUpdate: func(u Update) {
			if gen == m.gen {
				m.reconciler.apply(u)
			}
		},
		onState: func(s ConnectionState) {
			if gen == m.gen {
				m.notify.OnConnectionStateChanged(s)
			}
		},
		onError: func() {
			if gen == m.gen && m.state == SessionActive {
				m.log.Errorf("sync for room %s stopped, retry to resume", roomID)
				m.state = SessionError
			}
		},
	})

	tr := m.transport
	m.capture = newCapture(m.lp, m.log, m.player, m.echo, tr.Send, roomID, m.originID, m.cfg.CoalesceWindow)
	m.capture.start()
	m.transport.Start()
	m.scheduleHeartbeat(gen)
}

func (m *Manager) scheduleHeartbeat(gen uint64) {
	m.heartbeat = m.lp.after(m.cfg.HeartbeatInterval, func() {
		if gen != m.gen {
			return
		}
		m.heartbeat = nil

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		go func() {
			err := m.svc.Heartbeat(ctx, m.originID)
			cancel()
			m.lp.post(func() {
				if gen != m.gen || m.session == nil {
					return
				}
				if err != nil {
					m.log.Warnf("error sending heartbeat: %v", err)
					return
				}
				m.session.LastSeenAt = m.lp.now()
			})
		}()
		m.scheduleHeartbeat(gen)
	})
}

func (m *Manager) leave(done func()) {
	switch m.state {
	case SessionIdle, SessionLeaving:
		done()
		return
	case SessionJoining:
		m.teardown()
		m.state = SessionIdle
		done()
		return
	}

	roomID := m.teardown()
	gen := m.gen
	m.state = SessionLeaving
	m.notify.OnRoomLeft()

	m.leaveRemote(roomID, func() {
		if !m.lp.post(func() {
			if gen == m.gen && m.state == SessionLeaving {
				m.state = SessionIdle
			}
			done()
		}) {
			done()
		}
	})
}

// wants reports whether the Manager is joining or in roomID.
func (m *Manager) wants(roomID string) bool {
	if m.state == SessionJoining && m.joining == roomID {
		return true
	}
	return m.session != nil && m.session.RoomID == roomID
}

// teardown stops every component of the current session and returns the
// ID of the room that was active.
func (m *Manager) teardown() string {
	m.gen++

	if m.joinCancel != nil {
		m.joinCancel()
		m.joinCancel = nil
	}
	for _, w := range m.joinWaiters {
		w(RoomHandle{}, ErrSuperseded)
	}
	m.joinWaiters = nil
	m.joining = ""

	stopTimer(&m.heartbeat)
	if m.capture != nil {
		m.capture.stop()
		m.capture = nil
	}
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	if m.echo != nil {
		m.echo.End()
		m.echo = nil
	}
	m.reconciler = nil

	var roomID string
	if m.session != nil {
		roomID = m.session.RoomID
		m.session = nil
	}
	m.handle = RoomHandle{}
	return roomID
}

// leaveRemote tells the room service in the background and then calls
// then, if set. Remote leaves run one at a time and later joins wait for
// them, so a slow leave can't remove the session of a newer join.
func (m *Manager) leaveRemote(roomID string, then func()) {
	if roomID == "" {
		if then != nil {
			go then()
		}
		return
	}

	prev := m.leaveDone
	done := make(chan struct{})
	m.leaveDone = done

	go func() {
		if prev != nil {
			<-prev
		}
		m.leaveRemoteNow(roomID)
		close(done)
		if then != nil {
			then()
		}
	}()
}

func (m *Manager) leaveRemoteNow(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	defer cancel()

	if err := m.svc.LeaveRoom(ctx, roomID, m.originID); err != nil {
		m.log.Warnf("error leaving room %s: %v", roomID, err)
	}
}
