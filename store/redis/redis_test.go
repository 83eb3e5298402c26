package redis

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/watchsync/watchsync/store"
)

// newStore connects to the redis at $WATCHSYNC_TEST_REDIS, using a random
// key prefix.
func newStore(t *testing.T) *Redis {
	addr := os.Getenv("WATCHSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("WATCHSYNC_TEST_REDIS not set")
	}

	p := "watchsync-test:" + uuid.NewString() + ":"
	r, err := New(Config{
		Address:       addr,
		ActiveConns:   5,
		IdleConns:     2,
		Timeout:       time.Second,
		PrefixRoom:    p + "room:%s",
		PrefixSession: p + "sess:%s",
		KeySessions:   p + "sessions",
	})
	if err != nil {
		t.Fatalf("couldn't connect to redis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRoomLifecycle(t *testing.T) {
	r := newStore(t)
	now := time.Now().Truncate(time.Millisecond).UTC()

	if err := r.AddRoom(store.Room{ID: "R1", CreatedAt: now}, time.Minute); err != nil {
		t.Fatalf("error adding room: %v", err)
	}
	rm, err := r.GetRoom("R1")
	if err != nil || !rm.CreatedAt.Equal(now) {
		t.Fatalf("couldn't get room: %+v %v", rm, err)
	}

	s := store.Sess{ID: "a", RoomID: "R1", Handle: "ann", Role: "host", JoinedAt: now, LastSeenAt: now}
	if err := r.AddSession(s); err != nil {
		t.Fatalf("error adding session: %v", err)
	}
	got, err := r.GetSession("a")
	if err != nil || got != s {
		t.Fatalf("session mismatch: %+v %v", got, err)
	}

	ss, err := r.GetSessions("R1")
	if err != nil || len(ss) != 1 {
		t.Fatalf("unexpected sessions: %+v %v", ss, err)
	}

	stale, err := r.StaleSessions(now.Add(time.Second))
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected 1 stale session, got %+v %v", stale, err)
	}
	r.TouchSession("a", now.Add(2*time.Second))
	if stale, _ := r.StaleSessions(now.Add(time.Second)); len(stale) != 0 {
		t.Fatalf("touched session is stale: %+v", stale)
	}

	if err := r.RemoveRoom("R1"); err != nil {
		t.Fatalf("error removing room: %v", err)
	}
	if _, err := r.GetRoom("R1"); !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := r.GetSession("a"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateLog(t *testing.T) {
	r := newStore(t)
	now := time.Now().Truncate(time.Millisecond).UTC()
	r.AddRoom(store.Room{ID: "R1", CreatedAt: now}, time.Minute)
	defer r.RemoveRoom("R1")

	for i := 1; i <= 4; i++ {
		u := store.Update{RoomID: "R1", CreatedAt: now.Add(time.Duration(i) * time.Second), Data: []byte{'0' + byte(i)}}
		if err := r.AddUpdate(u, 3); err != nil {
			t.Fatalf("error adding update: %v", err)
		}
	}

	ups, err := r.GetUpdates("R1", time.Time{})
	if err != nil || len(ups) != 3 || string(ups[0].Data) != "2" {
		t.Fatalf("expected the 3 newest updates, got %+v %v", ups, err)
	}

	ups, _ = r.GetUpdates("R1", now.Add(3*time.Second))
	if len(ups) != 1 || string(ups[0].Data) != "4" || !ups[0].CreatedAt.Equal(now.Add(4*time.Second)) {
		t.Fatalf("unexpected updates: %+v", ups)
	}
}
