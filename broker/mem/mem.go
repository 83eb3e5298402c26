package mem

import (
	"context"
	"sync"

	"github.com/watchsync/watchsync/broker"
)

// InMemory is a single node Broker that delivers messages in process.
type InMemory struct {
	mu     sync.RWMutex
	subs   map[int]broker.Handler
	nextID int
}

// New returns a new in-memory broker.
func New() *InMemory {
	return &InMemory{subs: map[int]broker.Handler{}}
}

// Publish delivers data to every subscriber synchronously.
func (b *InMemory) Publish(_ context.Context, roomID string, data []byte) error {
	b.mu.RLock()
	subs := make([]broker.Handler, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(roomID, data)
	}
	return nil
}

// Subscribe registers fn until ctx is done.
func (b *InMemory) Subscribe(ctx context.Context, fn broker.Handler) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// Len returns the number of active subscribers.
func (b *InMemory) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close is a no-op.
func (b *InMemory) Close() error {
	return nil
}
