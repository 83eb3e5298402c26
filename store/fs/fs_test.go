package fs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/watchsync/watchsync/store"
)

func TestPersistence(t *testing.T) {
	var (
		path   = filepath.Join(t.TempDir(), "rooms.json")
		log, _ = test.NewNullLogger()
		now    = time.Now().Truncate(time.Millisecond)
	)

	f, err := New(Config{Path: path, SaveInterval: time.Hour}, log)
	if err != nil {
		t.Fatalf("error creating store: %v", err)
	}
	f.AddRoom(store.Room{ID: "R1", CreatedAt: now}, time.Hour)
	f.AddSession(store.Sess{ID: "a", RoomID: "R1", Role: "host", JoinedAt: now, LastSeenAt: now})
	if err := f.Save(); err != nil {
		t.Fatalf("error saving: %v", err)
	}

	f2, err := New(Config{Path: path, SaveInterval: time.Hour}, log)
	if err != nil {
		t.Fatalf("error reopening store: %v", err)
	}
	if ok, _ := f2.RoomExists("R1"); !ok {
		t.Fatal("room wasn't persisted")
	}
	s, err := f2.GetSession("a")
	if err != nil || s.Role != "host" || !s.JoinedAt.Equal(now) {
		t.Fatalf("session wasn't persisted: %+v %v", s, err)
	}
}
