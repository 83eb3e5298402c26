package store

import (
	"errors"
	"sort"
	"time"
)

// Store represents a backend store.
type Store interface {
	AddRoom(r Room, ttl time.Duration) error
	GetRoom(id string) (Room, error)
	ExtendRoomTTL(id string, ttl time.Duration) error
	RoomExists(id string) (bool, error)

	// RemoveRoom deletes a room along with its sessions and updates.
	RemoveRoom(id string) error

	// AddSession adds or replaces a session. A participant has one session,
	// so adding it to a room moves it out of any other.
	AddSession(s Sess) error
	GetSession(id string) (Sess, error)
	GetSessions(roomID string) ([]Sess, error)
	TouchSession(id string, t time.Time) error
	RemoveSession(id string) error

	// StaleSessions returns the sessions last seen before t.
	StaleSessions(before time.Time) ([]Sess, error)

	// AddUpdate appends an update to its room's log and trims the log to
	// the newest max entries.
	AddUpdate(u Update, max int) error

	// GetUpdates returns the updates of a room created after since, oldest
	// first.
	GetUpdates(roomID string, since time.Time) ([]Update, error)
}

// Room represents the properties of a room in the store.
type Room struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Sess represents a participant's session in a room.
type Sess struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	Handle     string    `json:"handle"`
	Role       string    `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Update is an encoded playback update in a room's log.
type Update struct {
	RoomID    string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
	Data      []byte    `json:"data"`
}

// ErrRoomNotFound indicates that the requested room was not found.
var ErrRoomNotFound = errors.New("room not found")

// ErrSessionNotFound indicates that the requested session was not found.
var ErrSessionNotFound = errors.New("session not found")

// SortSessions orders sessions by join time, oldest first.
func SortSessions(s []Sess) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].JoinedAt.Equal(s[j].JoinedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].JoinedAt.Before(s[j].JoinedAt)
	})
}
