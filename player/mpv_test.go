package player

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/watchsync/watchsync/playback"
)

// fakeMPV speaks enough of mpv's JSON-IPC protocol to drive MPV.
type fakeMPV struct {
	path string
	ln   net.Listener

	mu        sync.Mutex
	props     map[string]interface{}
	observers []net.Conn
	conns     []net.Conn
}

func newFakeMPV(t *testing.T) *fakeMPV {
	dir, err := os.MkdirTemp("", "mpv")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "mpv.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}

	f := &fakeMPV{
		path:  path,
		ln:    ln,
		props: map[string]interface{}{"pause": true, "time-pos": 0.0},
	}
	go f.serve()
	return f
}

func (f *fakeMPV) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeMPV) handle(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var cmd ipcCommand
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil || len(cmd.Command) == 0 {
			continue
		}

		f.mu.Lock()
		reply := map[string]interface{}{"request_id": cmd.RequestID, "error": "success"}
		var initial map[string]interface{}

		switch cmd.Command[0] {
		case "get_property":
			if v, ok := f.props[cmd.Command[1].(string)]; ok {
				reply["data"] = v
			} else {
				reply["error"] = "property unavailable"
			}
		case "set_property":
			f.props[cmd.Command[1].(string)] = cmd.Command[2]
		case "seek":
			f.props["time-pos"] = cmd.Command[1]
		case "observe_property":
			name := cmd.Command[2].(string)
			f.observers = append(f.observers, conn)
			initial = map[string]interface{}{"event": "property-change", "id": cmd.Command[1], "name": name, "data": f.props[name]}
		default:
			reply["error"] = "invalid parameter"
		}

		f.write(conn, reply)
		if initial != nil {
			f.write(conn, initial)
		}
		f.mu.Unlock()
	}
}

func (f *fakeMPV) write(conn net.Conn, v interface{}) {
	b, _ := json.Marshal(v)
	conn.Write(append(b, '\n'))
}

// push sends a message to every observing connection.
func (f *fakeMPV) push(v map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := map[net.Conn]bool{}
	for _, c := range f.observers {
		if !sent[c] {
			f.write(c, v)
			sent[c] = true
		}
	}
}

func (f *fakeMPV) prop(name string) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props[name]
}

func (f *fakeMPV) close() {
	f.ln.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	os.RemoveAll(filepath.Dir(f.path))
}

func propChange(name string, v interface{}) map[string]interface{} {
	return map[string]interface{}{"event": "property-change", "name": name, "data": v}
}

func nextEvent(ch chan playback.PlayerEvent) (playback.PlayerEvent, bool) {
	select {
	case ev := <-ch:
		return ev, true
	case <-time.After(2 * time.Second):
		return playback.PlayerEvent{}, false
	}
}

func TestMPV(t *testing.T) {
	Convey("Given an mpv listening on its IPC socket", t, func() {
		f := newFakeMPV(t)
		log, _ := test.NewNullLogger()

		m := New(Config{Socket: f.path}, log)
		So(m.Start(), ShouldBeNil)

		events := make(chan playback.PlayerEvent, 10)
		unsub := m.Subscribe(func(ev playback.PlayerEvent) { events <- ev })

		Reset(func() {
			m.Close()
			f.close()
		})

		Convey("Properties are read", func() {
			f.mu.Lock()
			f.props["time-pos"] = 12.5
			f.mu.Unlock()

			pos, err := m.Position()
			So(err, ShouldBeNil)
			So(pos, ShouldEqual, 12.5)

			playing, err := m.IsPlaying()
			So(err, ShouldBeNil)
			So(playing, ShouldBeFalse)
		})

		Convey("Commands change mpv's state", func() {
			So(m.Play(), ShouldBeNil)
			So(f.prop("pause"), ShouldEqual, false)

			So(m.Pause(), ShouldBeNil)
			So(f.prop("pause"), ShouldEqual, true)

			So(m.SeekTo(42), ShouldBeNil)
			So(f.prop("time-pos"), ShouldEqual, 42.0)
		})

		Convey("mpv's errors are returned", func() {
			f.mu.Lock()
			delete(f.props, "time-pos")
			f.mu.Unlock()

			_, err := m.Position()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "property unavailable")
		})

		Convey("Pause changes are reported as play and pause", func() {
			f.push(propChange("time-pos", 7.0))
			f.push(propChange("pause", false))

			ev, ok := nextEvent(events)
			So(ok, ShouldBeTrue)
			So(ev.Kind, ShouldEqual, playback.EventPlay)
			So(ev.Time, ShouldEqual, 7.0)

			// Unchanged values aren't events.
			f.push(propChange("pause", false))
			f.push(propChange("pause", true))

			ev, ok = nextEvent(events)
			So(ok, ShouldBeTrue)
			So(ev.Kind, ShouldEqual, playback.EventPause)
		})

		Convey("Seeks are reported once playback restarts", func() {
			f.push(map[string]interface{}{"event": "seek"})
			f.push(propChange("time-pos", 30.0))
			f.push(map[string]interface{}{"event": "playback-restart"})

			ev, ok := nextEvent(events)
			So(ok, ShouldBeTrue)
			So(ev.Kind, ShouldEqual, playback.EventSeek)
			So(ev.Time, ShouldEqual, 30.0)

			// A restart without a seek is nothing.
			f.push(map[string]interface{}{"event": "playback-restart"})
			f.push(propChange("pause", false))
			ev, ok = nextEvent(events)
			So(ok, ShouldBeTrue)
			So(ev.Kind, ShouldEqual, playback.EventPlay)
		})

		Convey("Unsubscribed callbacks get nothing", func() {
			unsub()
			f.push(propChange("pause", false))

			_, ok := nextEvent(events)
			So(ok, ShouldBeFalse)
		})

		Convey("Wait ends when mpv goes away", func() {
			f.close()

			select {
			case <-m.Wait():
			case <-time.After(2 * time.Second):
				So("timed out", ShouldBeEmpty)
			}
		})
	})
}

func TestStart(t *testing.T) {
	Convey("Start needs media or a socket", t, func() {
		log, _ := test.NewNullLogger()
		So(New(Config{}, log).Start(), ShouldEqual, errNoMedia)
	})

	Convey("Media targets are sanitized", t, func() {
		for _, bad := range []string{"", "-flag", "a\nb", "ftp://x/y"} {
			_, err := sanitizeMediaTarget(bad)
			So(err, ShouldNotBeNil)
		}

		out, err := sanitizeMediaTarget(" https://example.com/v.mp4 ")
		So(err, ShouldBeNil)
		So(out, ShouldEqual, "https://example.com/v.mp4")

		out, err = sanitizeMediaTarget("movies/../film.mkv")
		So(err, ShouldBeNil)
		So(out, ShouldEqual, "film.mkv")
	})
}
