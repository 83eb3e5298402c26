package mem

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/watchsync/watchsync/store"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg      *Config
	rooms    map[string]*room
	sessions map[string]store.Sess
	mu       sync.Mutex

	// Incremented on every write.
	version uint64
}

type room struct {
	store.Room
	Expire  time.Time
	Updates []store.Update
}

type dump struct {
	Rooms    map[string]*room      `json:"rooms"`
	Sessions map[string]store.Sess `json:"sessions"`
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	m := &InMemory{
		cfg:      &cfg,
		rooms:    map[string]*room{},
		sessions: map[string]store.Sess{},
	}
	go m.watch()
	return m, nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		m.Cleanup(time.Now())
	}
}

// Cleanup removes the rooms that expired before now.
func (m *InMemory) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.rooms {
		if !r.Expire.IsZero() && r.Expire.Before(now) {
			m.removeRoom(id)
		}
	}
}

// AddRoom adds a room to the store.
func (m *InMemory) AddRoom(r store.Room, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := &room{Room: r}
	if ttl > 0 {
		rm.Expire = r.CreatedAt.Add(ttl)
	}
	m.rooms[r.ID] = rm
	m.version++
	return nil
}

// ExtendRoomTTL extends a room's TTL.
func (m *InMemory) ExtendRoomTTL(id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[id]
	if !ok {
		return store.ErrRoomNotFound
	}

	room.Expire = time.Now().Add(ttl)
	m.version++
	return nil
}

// GetRoom gets a room from the store.
func (m *InMemory) GetRoom(id string) (store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.rooms[id]
	if !ok {
		return store.Room{}, store.ErrRoomNotFound
	}
	return out.Room, nil
}

// RoomExists checks if a room exists in the store.
func (m *InMemory) RoomExists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.rooms[id]
	return ok, nil
}

// RemoveRoom deletes a room from the store.
func (m *InMemory) RemoveRoom(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeRoom(id)
	return nil
}

func (m *InMemory) removeRoom(id string) {
	delete(m.rooms, id)
	for sid, s := range m.sessions {
		if s.RoomID == id {
			delete(m.sessions, sid)
		}
	}
	m.version++
}

// AddSession adds a session to the store.
func (m *InMemory) AddSession(s store.Sess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[s.RoomID]; !ok {
		return store.ErrRoomNotFound
	}
	m.sessions[s.ID] = s
	m.version++
	return nil
}

// GetSession retrieves a session from the store.
func (m *InMemory) GetSession(id string) (store.Sess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.Sess{}, store.ErrSessionNotFound
	}
	return s, nil
}

// GetSessions returns the sessions of a room, oldest first.
func (m *InMemory) GetSessions(roomID string) ([]store.Sess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return nil, store.ErrRoomNotFound
	}

	out := []store.Sess{}
	for _, s := range m.sessions {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	store.SortSessions(out)
	return out, nil
}

// TouchSession updates a session's last seen time.
func (m *InMemory) TouchSession(id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	s.LastSeenAt = t
	m.sessions[id] = s
	m.version++
	return nil
}

// RemoveSession deletes a session.
func (m *InMemory) RemoveSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.version++
	}
	return nil
}

// StaleSessions returns the sessions last seen before the given time.
func (m *InMemory) StaleSessions(before time.Time) ([]store.Sess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Sess
	for _, s := range m.sessions {
		if s.LastSeenAt.Before(before) {
			out = append(out, s)
		}
	}
	store.SortSessions(out)
	return out, nil
}

// AddUpdate appends an update to a room's log.
func (m *InMemory) AddUpdate(u store.Update, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[u.RoomID]
	if !ok {
		return store.ErrRoomNotFound
	}

	u.Data = append([]byte(nil), u.Data...)

	// Keep the log ordered. Updates mostly arrive in order.
	i := sort.Search(len(room.Updates), func(i int) bool {
		return room.Updates[i].CreatedAt.After(u.CreatedAt)
	})
	room.Updates = append(room.Updates, store.Update{})
	copy(room.Updates[i+1:], room.Updates[i:])
	room.Updates[i] = u

	if max > 0 && len(room.Updates) > max {
		room.Updates = append([]store.Update(nil), room.Updates[len(room.Updates)-max:]...)
	}
	m.version++
	return nil
}

// GetUpdates returns a room's updates created after since.
func (m *InMemory) GetUpdates(roomID string, since time.Time) ([]store.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, store.ErrRoomNotFound
	}

	out := []store.Update{}
	for _, u := range room.Updates {
		if u.CreatedAt.After(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Version returns a counter that changes on every write.
func (m *InMemory) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Dump serializes the store's contents.
func (m *InMemory) Dump() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(dump{Rooms: m.rooms, Sessions: m.sessions})
}

// Load replaces the store's contents with a Dump.
func (m *InMemory) Load(b []byte) error {
	var d dump
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	if d.Rooms == nil {
		d.Rooms = map[string]*room{}
	}
	if d.Sessions == nil {
		d.Sessions = map[string]store.Sess{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = d.Rooms
	m.sessions = d.Sessions
	return nil
}
