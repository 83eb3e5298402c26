// Package playback keeps a shared play/pause/seek position consistent across
// independent viewers. Each viewer runs its own Player and talks to a remote
// room service. The Manager owns the room membership and wires together the
// Transport (push or poll delivery), the local capture of player events, the
// remote reconciler and the echo suppressor that sits between them.
package playback

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Action is the kind of playback change carried by an Update.
type Action string

// Known playback actions.
const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionSeek  Action = "seek"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionPlay, ActionPause, ActionSeek:
		return true
	}
	return false
}

// Role of a participant in a room.
type Role string

// Participant roles.
const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

var (
	// ErrRoomNotFound is returned when joining a room that doesn't exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExists is returned when creating a room with an ID that's taken.
	ErrRoomExists = errors.New("room already exists")

	// ErrRejected is returned by the room service when it refuses an update.
	ErrRejected = errors.New("update rejected")

	// ErrPushUnsupported is returned by RoomService.Subscribe when the service
	// can't push updates and the client has to poll.
	ErrPushUnsupported = errors.New("push updates not supported")

	// ErrClosed is returned by a Manager that has been closed.
	ErrClosed = errors.New("engine closed")

	// ErrSuperseded is returned to a join whose result was overtaken by a
	// later join or leave.
	ErrSuperseded = errors.New("superseded by a later request")

	// ErrNotActive is returned when an operation requires room membership.
	ErrNotActive = errors.New("not in a room")
)

// Update is a single playback change produced by one participant. It is
// immutable once created.
type Update struct {
	RoomID    string    `json:"room_id"`
	OriginID  string    `json:"origin_id"`
	Action    Action    `json:"action"`
	Position  float64   `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the update is well formed.
func (u Update) Validate() error {
	if u.RoomID == "" {
		return errors.New("missing room_id")
	}
	if u.OriginID == "" {
		return errors.New("missing origin_id")
	}
	if !u.Action.Valid() {
		return fmt.Errorf("unknown action %q", u.Action)
	}
	if math.IsNaN(u.Position) || math.IsInf(u.Position, 0) || u.Position < 0 {
		return fmt.Errorf("invalid position %v", u.Position)
	}
	if u.CreatedAt.IsZero() {
		return errors.New("missing created_at")
	}
	return nil
}

func (u Update) String() string {
	return fmt.Sprintf("%s@%.2fs by %s in %s", u.Action, u.Position, u.OriginID, u.RoomID)
}

// Participant is a member of a room as seen by the room service.
type Participant struct {
	ID         string    `json:"id"`
	Handle     string    `json:"handle"`
	Role       Role      `json:"role"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RoomHandle is the room service's answer to a create or join.
type RoomHandle struct {
	RoomID       string        `json:"room_id"`
	Role         Role          `json:"role"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`

	// Latest is the most recent update posted to the room, if any.
	Latest *Update `json:"latest,omitempty"`
}

// Session is the engine's membership in a room. Exactly one is active per
// Manager.
type Session struct {
	ID         string
	RoomID     string
	Role       Role
	LastSeenAt time.Time
}

// ConnectionState is the state of the Transport's channel to the room service.
type ConnectionState int

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// SessionState is the lifecycle state of the Manager.
type SessionState int

// Session states.
const (
	SessionIdle SessionState = iota
	SessionJoining
	SessionActive
	SessionLeaving
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionJoining:
		return "joining"
	case SessionActive:
		return "active"
	case SessionLeaving:
		return "leaving"
	case SessionError:
		return "error"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}
