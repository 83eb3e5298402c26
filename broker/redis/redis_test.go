package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPubSub(t *testing.T) {
	addr := os.Getenv("WATCHSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("WATCHSYNC_TEST_REDIS not set")
	}

	b, err := New(Config{Address: addr, Timeout: time.Second, Prefix: "watchsync-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("couldn't connect to redis: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type msg struct {
		room, data string
	}
	got := make(chan msg, 1)
	go b.Subscribe(ctx, func(roomID string, data []byte) {
		got <- msg{roomID, string(data)}
	})

	// Publish until the subscription is live.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case m := <-got:
			if m.room != "R1" || m.data != "hello" {
				t.Fatalf("unexpected message: %+v", m)
			}
			return
		case <-tick.C:
			if err := b.Publish(ctx, "R1", []byte("hello")); err != nil {
				t.Fatalf("error publishing: %v", err)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}
}
