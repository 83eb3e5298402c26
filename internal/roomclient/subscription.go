package roomclient

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/watchsync/watchsync/playback"
)

// Types of messages the daemon pushes.
const (
	typeUpdate      = "update"
	typeRoomDispose = "room.dispose"
	typeNotice      = "notice"
)

var errRoomDisposed = errors.New("room disposed")

type msgWrap struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// subscription is a websocket to a room. Pings from the daemon are answered
// by the websocket library while the connection is being read.
type subscription struct {
	ws  *websocket.Conn
	log *logrus.Logger

	updates chan playback.Update
	done    chan struct{}
	closed  chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(ws *websocket.Conn, l *logrus.Logger) *subscription {
	s := &subscription{
		ws:      ws,
		log:     l,
		updates: make(chan playback.Update, 16),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) Updates() <-chan playback.Update {
	return s.updates
}

// Err returns the reason the updates channel was closed.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the websocket and waits for the reader to stop.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.ws.Close()
	})
	<-s.closed
	return nil
}

func (s *subscription) run() {
	defer close(s.closed)
	defer close(s.updates)

	for {
		var m msgWrap
		if err := s.ws.ReadJSON(&m); err != nil {
			s.fail(err)
			return
		}

		switch m.Type {
		case typeUpdate:
			var u playback.Update
			if err := json.Unmarshal(m.Data, &u); err != nil {
				s.log.Debugf("error decoding pushed update: %v", err)
				continue
			}
			select {
			case s.updates <- u:
			case <-s.done:
				return
			}

		case typeRoomDispose:
			s.fail(errRoomDisposed)
			s.ws.Close()
			return

		case typeNotice:
			var msg string
			json.Unmarshal(m.Data, &msg)
			s.log.Warnf("notice from server: %s", msg)
		}
	}
}

func (s *subscription) fail(err error) {
	select {
	case <-s.done:
		// Closed by us.
		return
	default:
	}

	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
