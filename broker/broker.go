// Package broker relays room events between the nodes of a room service
// that share a store, so that every node can push them to its own peers.
package broker

import "context"

// Handler receives a message published to a room.
type Handler func(roomID string, data []byte)

// Broker represents a pub/sub backend.
type Broker interface {
	Publish(ctx context.Context, roomID string, data []byte) error

	// Subscribe delivers every message published to any room to fn until ctx
	// is cancelled. It blocks.
	Subscribe(ctx context.Context, fn Handler) error

	Close() error
}
