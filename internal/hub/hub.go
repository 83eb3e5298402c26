package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/watchsync/watchsync/broker"
	"github.com/watchsync/watchsync/playback"
	"github.com/watchsync/watchsync/store"
)

// Types of messages sent to peers.
const (
	TypeUpdate      = "update"
	TypeHeartbeat   = "heartbeat"
	TypePeerJoin    = "peer.join"
	TypePeerLeave   = "peer.leave"
	TypeRoomDispose = "room.dispose"
	TypeNotice      = "notice"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomFull        = errors.New("room is full")
	ErrNotMember       = errors.New("not a member of the room")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidUpdate   = errors.New("invalid update")
	ErrRateLimited     = errors.New("too many updates")
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`

	Name              string        `koanf:"name"`
	RoomIDLen         int           `koanf:"room_id_length"`
	MaxCachedUpdates  int           `koanf:"max_cached_updates"`
	MaxMessageLen     int           `koanf:"max_message_length"`
	WSTimeout         time.Duration `koanf:"websocket_timeout"`
	PingInterval      time.Duration `koanf:"ping_interval"`
	MaxMessageQueue   int           `koanf:"max_message_queue"`
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`
	RateLimitUpdates  int           `koanf:"rate_limit_updates"`
	MaxPeersPerRoom   int           `koanf:"max_peers_per_room"`
	RoomAge           time.Duration `koanf:"room_age"`
	SessionTimeout    time.Duration `koanf:"session_timeout"`
	EvictInterval     time.Duration `koanf:"evict_interval"`
}

// event is a room event relayed between nodes through the broker.
type event struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RoomInfo describes a room and its participants.
type RoomInfo struct {
	ID           string                 `json:"id"`
	CreatedAt    time.Time              `json:"created_at"`
	Participants []playback.Participant `json:"participants"`
}

// Hub acts as the controller and container for all watch rooms. Room and
// membership state lives in the store. The hub keeps a local Room only for
// rooms that have websocket peers connected to this node.
type Hub struct {
	Store  store.Store
	broker broker.Broker
	rooms  map[string]*Room

	// Membership changes on this node are serialized so that host election
	// and room disposal see a consistent participant list.
	memberMut sync.Mutex

	limits   map[string]*limit
	limitMut sync.Mutex

	cfg *Config
	mut sync.RWMutex
	log *logrus.Logger
}

// limit is a fixed window update counter for a session.
type limit struct {
	start time.Time
	count int
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, st store.Store, b broker.Broker, l *logrus.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]*Room),
		limits: make(map[string]*limit),

		cfg:    cfg,
		Store:  st,
		broker: b,
		log:    l,
	}
}

// CreateRoom creates a room and joins originID to it as the host. An empty
// id generates a random one.
func (h *Hub) CreateRoom(id, originID, handle string) (playback.RoomHandle, error) {
	if originID == "" {
		return playback.RoomHandle{}, ErrSessionNotFound
	}

	if id == "" {
		newID, err := h.generateRoomID(h.cfg.RoomIDLen, 5)
		if err != nil {
			return playback.RoomHandle{}, err
		}
		id = newID
	} else {
		exists, err := h.Store.RoomExists(id)
		if err != nil {
			h.log.Errorf("error checking room ID in store: %v", err)
			return playback.RoomHandle{}, errors.New("error checking room ID")
		}
		if exists {
			return playback.RoomHandle{}, ErrRoomExists
		}
	}

	if err := h.Store.AddRoom(store.Room{ID: id, CreatedAt: time.Now()}, h.cfg.RoomAge); err != nil {
		h.log.Errorf("error creating room in the store: %v", err)
		return playback.RoomHandle{}, errors.New("error creating room")
	}
	h.log.Infof("created room %s", id)

	return h.JoinRoom(id, originID, handle)
}

// JoinRoom adds originID to a room. The first participant of a room is its
// host. Rejoining a room keeps the participant's role.
func (h *Hub) JoinRoom(roomID, originID, handle string) (playback.RoomHandle, error) {
	if originID == "" {
		return playback.RoomHandle{}, ErrSessionNotFound
	}

	h.memberMut.Lock()
	defer h.memberMut.Unlock()

	room, err := h.Store.GetRoom(roomID)
	if err != nil {
		return playback.RoomHandle{}, h.storeErr(err, "error fetching room")
	}

	// A participant is in one room at a time.
	if old, err := h.Store.GetSession(originID); err == nil && old.RoomID != roomID {
		if err := h.leave(old); err != nil {
			return playback.RoomHandle{}, err
		}
	}

	sessions, err := h.Store.GetSessions(roomID)
	if err != nil {
		return playback.RoomHandle{}, h.storeErr(err, "error fetching participants")
	}

	now := time.Now()
	sess, ok := lo.Find(sessions, func(s store.Sess) bool { return s.ID == originID })
	if !ok {
		if h.cfg.MaxPeersPerRoom > 0 && len(sessions) >= h.cfg.MaxPeersPerRoom {
			return playback.RoomHandle{}, ErrRoomFull
		}
		sess = store.Sess{
			ID:       originID,
			RoomID:   roomID,
			Role:     string(lo.Ternary(len(sessions) == 0, playback.RoleHost, playback.RoleGuest)),
			JoinedAt: now,
		}
	}
	if handle != "" {
		sess.Handle = handle
	}
	sess.LastSeenAt = now

	if err := h.Store.AddSession(sess); err != nil {
		h.log.Errorf("error adding session to the store: %v", err)
		return playback.RoomHandle{}, errors.New("error joining room")
	}
	if err := h.Store.ExtendRoomTTL(roomID, h.cfg.RoomAge); err != nil {
		h.log.Warnf("error extending room TTL: %v", err)
	}

	if !ok {
		h.publish(roomID, TypePeerJoin, originID, toParticipant(sess))
		h.log.Infof("%s@%s joined %s as %s", sess.Handle, sess.ID, roomID, sess.Role)
	}

	parts, err := h.participants(roomID)
	if err != nil {
		return playback.RoomHandle{}, err
	}
	latest, err := h.latest(roomID)
	if err != nil {
		return playback.RoomHandle{}, err
	}

	return playback.RoomHandle{
		RoomID:       roomID,
		Role:         playback.Role(sess.Role),
		Participants: parts,
		CreatedAt:    room.CreatedAt,
		Latest:       latest,
	}, nil
}

// LeaveRoom removes originID from a room. Leaving a room one is not in is a
// no-op.
func (h *Hub) LeaveRoom(roomID, originID string) error {
	h.memberMut.Lock()
	defer h.memberMut.Unlock()

	sess, err := h.Store.GetSession(originID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return h.storeErr(err, "error fetching session")
	}
	if sess.RoomID != roomID {
		return nil
	}
	return h.leave(sess)
}

// leave removes a session, hands the host role over to the oldest remaining
// participant and disposes of the room when it becomes empty. memberMut
// must be held.
func (h *Hub) leave(sess store.Sess) error {
	if err := h.Store.RemoveSession(sess.ID); err != nil {
		h.log.Errorf("error removing session: %v", err)
		return errors.New("error leaving room")
	}
	h.clearLimit(sess.ID)
	h.publish(sess.RoomID, TypePeerLeave, sess.ID, toParticipant(sess))
	h.log.Infof("%s@%s left %s", sess.Handle, sess.ID, sess.RoomID)

	rest, err := h.Store.GetSessions(sess.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil
		}
		h.log.Errorf("error fetching participants: %v", err)
		return nil
	}

	if len(rest) == 0 {
		return h.removeRoom(sess.RoomID)
	}

	if sess.Role != string(playback.RoleHost) {
		return nil
	}
	if lo.ContainsBy(rest, func(s store.Sess) bool { return s.Role == string(playback.RoleHost) }) {
		return nil
	}

	// Sessions come oldest first.
	next := rest[0]
	next.Role = string(playback.RoleHost)
	if err := h.Store.AddSession(next); err != nil {
		h.log.Errorf("error promoting host: %v", err)
		return nil
	}
	h.publish(sess.RoomID, TypePeerJoin, next.ID, toParticipant(next))
	h.log.Infof("%s@%s is now the host of %s", next.Handle, next.ID, sess.RoomID)
	return nil
}

// RoomInfo returns a room and its participants.
func (h *Hub) RoomInfo(roomID string) (RoomInfo, error) {
	room, err := h.Store.GetRoom(roomID)
	if err != nil {
		return RoomInfo{}, h.storeErr(err, "error fetching room")
	}
	parts, err := h.participants(roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	return RoomInfo{ID: room.ID, CreatedAt: room.CreatedAt, Participants: parts}, nil
}

// PostUpdate validates an update from a room member, appends it to the
// room's log and broadcasts it to every other peer of the room.
func (h *Hub) PostUpdate(u playback.Update) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	sess, err := h.Store.GetSession(u.OriginID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrNotMember
		}
		return h.storeErr(err, "error fetching session")
	}
	if sess.RoomID != u.RoomID {
		return ErrNotMember
	}

	if !h.allow(u.OriginID, time.Now()) {
		return ErrRateLimited
	}

	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := h.Store.AddUpdate(store.Update{RoomID: u.RoomID, CreatedAt: u.CreatedAt, Data: b}, h.cfg.MaxCachedUpdates); err != nil {
		return h.storeErr(err, "error saving update")
	}
	if err := h.Store.TouchSession(u.OriginID, time.Now()); err != nil {
		h.log.Warnf("error touching session: %v", err)
	}

	h.publish(u.RoomID, TypeUpdate, u.OriginID, json.RawMessage(b))
	h.log.Debugf("update %s", u)
	return nil
}

// Updates returns a room's updates created after since, oldest first,
// leaving out those posted by exclude.
func (h *Hub) Updates(roomID string, since time.Time, exclude string) ([]playback.Update, error) {
	list, err := h.Store.GetUpdates(roomID, since)
	if err != nil {
		return nil, h.storeErr(err, "error fetching updates")
	}

	out := make([]playback.Update, 0, len(list))
	for _, su := range list {
		var u playback.Update
		if err := json.Unmarshal(su.Data, &u); err != nil {
			h.log.Warnf("error decoding stored update in %s: %v", roomID, err)
			continue
		}
		if exclude != "" && u.OriginID == exclude {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Heartbeat records that a participant is still around.
func (h *Hub) Heartbeat(originID string) error {
	if err := h.Store.TouchSession(originID, time.Now()); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return h.storeErr(err, "error updating session")
	}
	return nil
}

// Evict removes the sessions that haven't been seen for the session timeout
// and returns how many were removed.
func (h *Hub) Evict(now time.Time) int {
	stale, err := h.Store.StaleSessions(now.Add(-h.cfg.SessionTimeout))
	if err != nil {
		h.log.Errorf("error fetching stale sessions: %v", err)
		return 0
	}

	h.memberMut.Lock()
	defer h.memberMut.Unlock()

	n := 0
	for _, s := range stale {
		// It may have been touched since it was fetched.
		cur, err := h.Store.GetSession(s.ID)
		if err != nil || !cur.LastSeenAt.Before(now.Add(-h.cfg.SessionTimeout)) {
			continue
		}
		h.log.Infof("evicting inactive session %s@%s from %s", cur.Handle, cur.ID, cur.RoomID)
		if err := h.leave(cur); err == nil {
			n++
		}
	}
	return n
}

// RunEvictor evicts inactive sessions periodically until ctx is done.
func (h *Hub) RunEvictor(ctx context.Context) {
	t := time.NewTicker(h.cfg.EvictInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			h.Evict(now)
		}
	}
}

// Listen relays room events from the broker to the local peers of each room
// until ctx is done.
func (h *Hub) Listen(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.deliver)
}

// AddPeer attaches a websocket connection of a room member to the room.
func (h *Hub) AddPeer(roomID, originID string, ws *websocket.Conn) error {
	sess, err := h.Store.GetSession(originID)
	if err != nil || sess.RoomID != roomID {
		return ErrNotMember
	}

	r := h.activateRoom(roomID)
	if !r.queuePeerReq(TypePeerJoin, newPeer(sess.ID, sess.Handle, ws, r), nil) {
		return ErrRoomNotFound
	}
	return nil
}

// GetRoom retrieves an active room from the hub.
func (h *Hub) GetRoom(id string) *Room {
	h.mut.RLock()
	r := h.rooms[id]
	h.mut.RUnlock()
	return r
}

// activateRoom returns the local room, starting it if it isn't running.
func (h *Hub) activateRoom(id string) *Room {
	h.mut.Lock()
	defer h.mut.Unlock()

	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := NewRoom(id, h)
	h.rooms[id] = r
	go r.run()
	return r
}

// deliver hands a broker message to the local room, if there's one.
func (h *Hub) deliver(roomID string, data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		h.log.Warnf("error decoding room event: %v", err)
		return
	}
	if r := h.GetRoom(roomID); r != nil {
		r.Broadcast(ev)
	}
}

// publish sends a room event to every node.
func (h *Hub) publish(roomID, typ, origin string, data interface{}) {
	ev := event{Type: typ, Origin: origin}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.log.Errorf("error encoding %s event: %v", typ, err)
			return
		}
		ev.Data = b
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := h.broker.Publish(context.Background(), roomID, b); err != nil {
		h.log.Errorf("error publishing %s event to %s: %v", typ, roomID, err)
	}
}

// removeRoom removes a room from the store and tells its peers.
func (h *Hub) removeRoom(id string) error {
	if err := h.Store.RemoveRoom(id); err != nil {
		h.log.Errorf("error removing room from store: %v", err)
		return err
	}
	h.publish(id, TypeRoomDispose, "", nil)
	h.log.Infof("removed empty room %s", id)
	return nil
}

// participants returns the members of a room, oldest first.
func (h *Hub) participants(roomID string) ([]playback.Participant, error) {
	sessions, err := h.Store.GetSessions(roomID)
	if err != nil {
		return nil, h.storeErr(err, "error fetching participants")
	}
	return lo.Map(sessions, func(s store.Sess, _ int) playback.Participant {
		return toParticipant(s)
	}), nil
}

// latest returns the newest update of a room.
func (h *Hub) latest(roomID string) (*playback.Update, error) {
	list, err := h.Updates(roomID, time.Time{}, "")
	if err != nil {
		return nil, err
	}
	u, ok := lo.Last(list)
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// allow counts an update against the session's rate limit.
func (h *Hub) allow(id string, now time.Time) bool {
	if h.cfg.RateLimitUpdates <= 0 {
		return true
	}

	h.limitMut.Lock()
	defer h.limitMut.Unlock()

	l, ok := h.limits[id]
	if !ok || now.Sub(l.start) >= h.cfg.RateLimitInterval {
		h.limits[id] = &limit{start: now, count: 1}
		return true
	}
	l.count++
	return l.count <= h.cfg.RateLimitUpdates
}

func (h *Hub) clearLimit(id string) {
	h.limitMut.Lock()
	delete(h.limits, id)
	h.limitMut.Unlock()
}

// storeErr maps store errors to hub errors, logging unexpected ones.
func (h *Hub) storeErr(err error, msg string) error {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return ErrRoomNotFound
	case errors.Is(err, store.ErrSessionNotFound):
		return ErrSessionNotFound
	}
	h.log.Errorf("%s: %v", msg, err)
	return errors.New(msg)
}

// generateRoomID generates a random room ID while checking the store for
// uniqueness up to numTries times.
func (h *Hub) generateRoomID(length, numTries int) (string, error) {
	for i := 0; i < numTries; i++ {
		id := lo.RandomString(length, lo.AlphanumericCharset)

		exists, err := h.Store.RoomExists(id)
		if err != nil {
			h.log.Errorf("error checking room ID in store: %v", err)
			return "", errors.New("error checking room ID")
		}

		// Got a unique ID.
		if !exists {
			return id, nil
		}
	}
	return "", errors.New("unable to generate unique room ID")
}

func toParticipant(s store.Sess) playback.Participant {
	return playback.Participant{
		ID:         s.ID,
		Handle:     s.Handle,
		Role:       playback.Role(s.Role),
		LastSeenAt: s.LastSeenAt,
	}
}
