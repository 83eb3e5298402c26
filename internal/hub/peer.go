package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/watchsync/watchsync/playback"
)

// Peer represents an individual websocket connection into a room.
type Peer struct {
	// Participant (origin) ID and display handle.
	ID     string
	Handle string

	ws *websocket.Conn

	// Channel for outbound messages.
	dataQ chan []byte

	// Peer's room.
	room *Room
}

// payloadMsgWrap is a message sent by a peer.
type payloadMsgWrap struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// newPeer returns a new instance of Peer.
func newPeer(id, handle string, ws *websocket.Conn, room *Room) *Peer {
	size := room.hub.cfg.MaxMessageQueue
	if size <= 0 {
		size = 100
	}
	return &Peer{
		ID:     id,
		Handle: handle,
		ws:     ws,
		dataQ:  make(chan []byte, size),
		room:   room,
	}
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error. This should be invoked
// as a goroutine.
func (p *Peer) RunListener() {
	cfg := p.room.hub.cfg
	if cfg.MaxMessageLen > 0 {
		p.ws.SetReadLimit(int64(cfg.MaxMessageLen))
	}

	// Pongs keep the connection alive.
	wait := cfg.PingInterval + cfg.WSTimeout
	extend := func(string) error {
		if wait <= 0 {
			return nil
		}
		return p.ws.SetReadDeadline(time.Now().Add(wait))
	}
	extend("")
	p.ws.SetPongHandler(extend)

	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			break
		}
		extend("")
		p.processMessage(m)
	}

	// WS connection is closed.
	p.ws.Close()
	p.room.queuePeerReq(TypePeerLeave, p, nil)
}

// RunWriter is a blocking function that writes messages in a peer's queue to the
// peer's WS connection. This should be invoked as a goroutine.
func (p *Peer) RunWriter() {
	defer p.ws.Close()
	for message := range p.dataQ {
		if err := p.writeWSData(websocket.TextMessage, message); err != nil {
			return
		}
	}
	p.writeWSControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// SendData queues a message to be written to the peer's WS. A peer that
// can't keep up is disconnected.
func (p *Peer) SendData(b []byte) {
	select {
	case p.dataQ <- b:
	default:
		p.room.hub.log.Warnf("%s@%s is too slow, disconnecting", p.Handle, p.ID)
		p.ws.Close()
	}
}

// ping sends a ping to the peer. WriteControl is safe to call alongside the
// writer.
func (p *Peer) ping() {
	p.writeWSControl(websocket.PingMessage, nil)
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(p.deadline())
	return p.ws.WriteMessage(msgType, payload)
}

// writeWSControl writes the given control payload to the peer's WS connection.
func (p *Peer) writeWSControl(control int, payload []byte) error {
	return p.ws.WriteControl(control, payload, p.deadline())
}

func (p *Peer) deadline() time.Time {
	if p.room.hub.cfg.WSTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.room.hub.cfg.WSTimeout)
}

// processMessage processes incoming messages from peers.
func (p *Peer) processMessage(b []byte) {
	var m payloadMsgWrap
	if err := json.Unmarshal(b, &m); err != nil {
		p.notice("invalid message")
		return
	}

	switch m.Type {
	// Playback update to the room.
	case TypeUpdate:
		var u playback.Update
		if err := json.Unmarshal(m.Data, &u); err != nil {
			p.notice("invalid update")
			return
		}
		if u.OriginID != p.ID || u.RoomID != p.room.ID {
			p.notice(ErrNotMember.Error())
			return
		}
		if err := p.room.hub.PostUpdate(u); err != nil {
			p.notice(err.Error())
		}

	// Keepalive from the participant.
	case TypeHeartbeat:
		if err := p.room.hub.Heartbeat(p.ID); err != nil {
			p.notice(err.Error())
		}
	default:
	}
}

// notice sends an error notice to the peer through the room, which owns
// the peer's queue.
func (p *Peer) notice(msg string) {
	p.room.queuePeerReq(TypeNotice, p, p.room.makePayload(msg, TypeNotice))
}
