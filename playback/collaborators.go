package playback

import (
	"context"
	"time"
)

// EventKind is the kind of a native player event.
type EventKind string

// Player event kinds the engine listens to.
const (
	EventPlay  EventKind = "play"
	EventPause EventKind = "pause"
	EventSeek  EventKind = "seek"
)

// PlayerEvent is fired by a Player whenever its native state changes,
// regardless of who caused the change.
type PlayerEvent struct {
	Kind EventKind
	Time float64
}

// Player is the local video element.
type Player interface {
	// Position returns the current playback position in seconds.
	Position() (float64, error)

	// IsPlaying reports whether the player is currently playing.
	IsPlaying() (bool, error)

	Play() error
	Pause() error
	SeekTo(seconds float64) error

	// Subscribe registers fn to receive native events. fn may be called from
	// any goroutine. The returned func removes the subscription.
	Subscribe(fn func(PlayerEvent)) (unsubscribe func())
}

// Subscription is a push stream of updates for one room.
type Subscription interface {
	// Updates delivers inbound updates. It's closed when the channel drops.
	Updates() <-chan Update

	// Err returns the reason the channel dropped, if any.
	Err() error

	Close() error
}

// RoomService is the remote room service the engine talks to.
type RoomService interface {
	CreateRoom(ctx context.Context, roomID, originID, handle string) (RoomHandle, error)

	// JoinRoom returns ErrRoomNotFound if the room doesn't exist.
	JoinRoom(ctx context.Context, roomID, originID, handle string) (RoomHandle, error)
	LeaveRoom(ctx context.Context, roomID, originID string) error

	// PostUpdate returns ErrRejected if the service refuses the update.
	PostUpdate(ctx context.Context, u Update) error

	// QueryUpdatesSince returns the room's updates created after since,
	// leaving out the ones produced by excludeOrigin.
	QueryUpdatesSince(ctx context.Context, roomID string, since time.Time, excludeOrigin string) ([]Update, error)

	// Subscribe opens a push channel. It returns ErrPushUnsupported when the
	// service can only be polled.
	Subscribe(ctx context.Context, roomID, originID string) (Subscription, error)

	Heartbeat(ctx context.Context, originID string) error
}
