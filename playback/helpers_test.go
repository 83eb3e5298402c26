package playback

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffJitter = 0
	return cfg
}

func testLogger() *logrus.Logger {
	l, _ := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return l
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// pending returns the durations of the timers that haven't fired.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fakePlayer is an in-memory video element. Mutations fire native events the
// way a real element does.
type fakePlayer struct {
	mu      sync.Mutex
	pos     float64
	playing bool
	calls   []string
	subs    map[int]func(PlayerEvent)
	nextSub int

	failPlay error
	failPos  error
}

func newFakePlayer(pos float64, playing bool) *fakePlayer {
	return &fakePlayer{pos: pos, playing: playing, subs: map[int]func(PlayerEvent){}}
}

func (p *fakePlayer) Position() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPos != nil {
		return 0, p.failPos
	}
	return p.pos, nil
}

func (p *fakePlayer) IsPlaying() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing, nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	p.calls = append(p.calls, "play")
	if p.failPlay != nil {
		p.mu.Unlock()
		return p.failPlay
	}
	p.playing = true
	p.mu.Unlock()
	p.emit(PlayerEvent{Kind: EventPlay})
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	p.calls = append(p.calls, "pause")
	p.playing = false
	p.mu.Unlock()
	p.emit(PlayerEvent{Kind: EventPause})
	return nil
}

func (p *fakePlayer) SeekTo(s float64) error {
	p.mu.Lock()
	p.calls = append(p.calls, "seek")
	p.pos = s
	p.mu.Unlock()
	p.emit(PlayerEvent{Kind: EventSeek, Time: s})
	return nil
}

func (p *fakePlayer) Subscribe(fn func(PlayerEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *fakePlayer) emit(ev PlayerEvent) {
	p.mu.Lock()
	if ev.Time == 0 {
		ev.Time = p.pos
	}
	fns := make([]func(PlayerEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// user simulates the viewer changing the player directly.
func (p *fakePlayer) user(kind EventKind, pos float64) {
	p.mu.Lock()
	p.pos = pos
	switch kind {
	case EventPlay:
		p.playing = true
	case EventPause:
		p.playing = false
	}
	p.mu.Unlock()
	p.emit(PlayerEvent{Kind: kind, Time: pos})
}

func (p *fakePlayer) state() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, p.playing
}

func (p *fakePlayer) mutations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// fakeService is an in-memory room service shared by any number of
// engines. Updates posted to a room are pushed to every other subscriber.
type fakeService struct {
	mu    sync.Mutex
	rooms map[string]*fakeRoom

	subErr   error
	subBlock bool
	queryErr error
	postErr  error
	joinErr  error

	// When set, PostUpdate waits for it before answering.
	postGate chan struct{}

	// LeaveRoom waits for leaveGate. A join to a room in joinGates waits for
	// that gate and goes through even if the caller gave up meanwhile.
	leaveGate chan struct{}
	joinGates map[string]chan struct{}

	// Taken by the next QueryUpdatesSince, which then answers only once
	// it's closed.
	queryGate chan struct{}

	// Time left on the context of the last post and query.
	postBudget  time.Duration
	queryBudget time.Duration

	subscribes   int
	queries      int
	posts        []Update
	leaves       []string
	joins        []string
	joinsStarted int
	heartbeats   int

	// Completed joins and leaves in the order the service handled them.
	order []string
}

type fakeRoom struct {
	members []string
	updates []Update
	subs    []*fakeSub
}

func newFakeService() *fakeService {
	return &fakeService{rooms: map[string]*fakeRoom{}}
}

func (s *fakeService) CreateRoom(_ context.Context, roomID, originID, _ string) (RoomHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; ok {
		return RoomHandle{}, ErrRoomExists
	}
	s.rooms[roomID] = &fakeRoom{members: []string{originID}}
	s.joins = append(s.joins, roomID)
	return RoomHandle{RoomID: roomID, Role: RoleHost}, nil
}

func (s *fakeService) JoinRoom(_ context.Context, roomID, originID, _ string) (RoomHandle, error) {
	s.mu.Lock()
	s.joinsStarted++
	gate := s.joinGates[roomID]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joinErr != nil {
		return RoomHandle{}, s.joinErr
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return RoomHandle{}, ErrRoomNotFound
	}
	r.members = append(r.members, originID)
	s.joins = append(s.joins, roomID)
	s.order = append(s.order, "join "+roomID)

	h := RoomHandle{RoomID: roomID, Role: RoleGuest}
	if n := len(r.updates); n > 0 {
		u := r.updates[n-1]
		h.Latest = &u
	}
	return h, nil
}

func (s *fakeService) LeaveRoom(ctx context.Context, roomID, originID string) error {
	s.mu.Lock()
	gate := s.leaveGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, roomID)
	s.order = append(s.order, "leave "+roomID)
	if r, ok := s.rooms[roomID]; ok {
		members := r.members[:0]
		for _, m := range r.members {
			if m != originID {
				members = append(members, m)
			}
		}
		r.members = members
	}
	return nil
}

func (s *fakeService) leavesOf(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, l := range s.leaves {
		if l == roomID {
			out = append(out, l)
		}
	}
	return out
}

func (s *fakeService) isMember(roomID, originID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	for _, m := range r.members {
		if m == originID {
			return true
		}
	}
	return false
}

func (s *fakeService) PostUpdate(ctx context.Context, u Update) error {
	s.mu.Lock()
	s.posts = append(s.posts, u)
	gate := s.postGate
	s.postBudget = budget(ctx)
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postErr != nil {
		return s.postErr
	}
	r, ok := s.rooms[u.RoomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.updates = append(r.updates, u)
	for _, sub := range r.subs {
		if sub.originID != u.OriginID {
			sub.push(u)
		}
	}
	return nil
}

func (s *fakeService) QueryUpdatesSince(ctx context.Context, roomID string, since time.Time, exclude string) ([]Update, error) {
	s.mu.Lock()
	s.queries++
	s.queryBudget = budget(ctx)
	gate := s.queryGate
	s.queryGate = nil
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	var out []Update
	for _, u := range r.updates {
		if u.CreatedAt.After(since) && u.OriginID != exclude {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeService) Subscribe(ctx context.Context, roomID, originID string) (Subscription, error) {
	s.mu.Lock()
	s.subscribes++
	block, err := s.subBlock, s.subErr
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	sub := &fakeSub{originID: originID, ch: make(chan Update, 16)}
	r.subs = append(r.subs, sub)
	return sub, nil
}

func (s *fakeService) Heartbeat(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeService) set(fn func(s *fakeService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeService) get(fn func(s *fakeService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeService) postsBy(originID string) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Update
	for _, u := range s.posts {
		if u.OriginID == originID {
			out = append(out, u)
		}
	}
	return out
}

// lastSub returns the most recent live subscription to roomID.
func (s *fakeService) lastSub(roomID string) *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok || len(r.subs) == 0 {
		return nil
	}
	return r.subs[len(r.subs)-1]
}

type fakeSub struct {
	originID string
	ch       chan Update

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *fakeSub) Updates() <-chan Update { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.fail(nil)
	return nil
}

func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

func (s *fakeSub) push(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- u
	}
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recNotifier records notifications.
type recNotifier struct {
	mu      sync.Mutex
	states  []ConnectionState
	joined  []string
	left    int
	applied []Update
}

func (n *recNotifier) OnConnectionStateChanged(s ConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s)
}

func (n *recNotifier) OnRoomJoined(roomID, _ string, _ Role) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = append(n.joined, roomID)
}

func (n *recNotifier) OnRoomLeft() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.left++
}

func (n *recNotifier) OnRemoteUpdateApplied(u Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, u)
}

func (n *recNotifier) appliedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applied)
}

// budget returns the time left until ctx's deadline, or 0 without one.
func budget(ctx context.Context) time.Duration {
	d, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(d)
}

var errBoom = errors.New("boom")
