package hub

import (
	"encoding/json"
	"time"
)

type msgWrap struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// peerReq represents a peer request (join, leave etc.) that's processed
// by a Room.
type peerReq struct {
	reqType string
	peer    *Peer
	data    []byte
}

// Room fans out the events of a room to the websocket peers connected to
// this node.
type Room struct {
	ID  string
	hub *Hub

	// List of connected peers.
	peers map[*Peer]bool

	// Broadcast channel for room events.
	broadcastQ chan event

	// Peer related requests.
	peerQ chan peerReq

	// Closed when the room stops.
	done chan struct{}
}

// NewRoom returns a new instance of Room.
func NewRoom(id string, h *Hub) *Room {
	return &Room{
		ID:         id,
		hub:        h,
		peers:      make(map[*Peer]bool, 100),
		broadcastQ: make(chan event, 100),
		peerQ:      make(chan peerReq, 100),
		done:       make(chan struct{}),
	}
}

// Broadcast queues a room event for all connected peers.
func (r *Room) Broadcast(ev event) {
	select {
	case r.broadcastQ <- ev:
	case <-r.done:
	}
}

// run is a blocking function that starts the main event loop for a room that
// handles peer connection events and event broadcasts. This should be invoked
// as a goroutine.
func (r *Room) run() {
	interval := r.hub.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

loop:
	for {
		select {
		// Incoming peer request.
		case req := <-r.peerQ:
			switch req.reqType {
			// A new peer has connected.
			case TypePeerJoin:
				r.peers[req.peer] = true
				go req.peer.RunListener()
				go req.peer.RunWriter()

				// Bring the peer up to date.
				if u, err := r.hub.latest(r.ID); err == nil && u != nil {
					req.peer.SendData(r.makePayload(u, TypeUpdate))
				}
				r.hub.log.Debugf("%s@%s connected to %s", req.peer.Handle, req.peer.ID, r.ID)

			// A peer has disconnected.
			case TypePeerLeave:
				r.removePeer(req.peer)
				r.hub.log.Debugf("%s@%s disconnected from %s", req.peer.Handle, req.peer.ID, r.ID)

			// A message for a single peer.
			case TypeNotice:
				if r.peers[req.peer] {
					req.peer.SendData(req.data)
				}
			}

		// Fanout to all peers.
		case ev := <-r.broadcastQ:
			if ev.Type == TypeRoomDispose {
				break loop
			}

			b := r.makePayload(ev.Data, ev.Type)
			for p := range r.peers {
				// Never echo an update back to its author.
				if ev.Type == TypeUpdate && p.ID == ev.Origin {
					continue
				}
				p.SendData(b)
			}

			// The peer's participant is gone.
			if ev.Type == TypePeerLeave {
				for p := range r.peers {
					if p.ID == ev.Origin {
						r.removePeer(p)
					}
				}
			}

		case <-ping.C:
			// The room may have expired in the store.
			if ok, err := r.hub.Store.RoomExists(r.ID); err == nil && !ok {
				break loop
			}
			for p := range r.peers {
				p.ping()
			}
		}
	}

	r.hub.log.Debugf("stopped room: %v", r.ID)
	r.remove()
}

// remove stops the room, disconnecting all its peers.
func (r *Room) remove() {
	r.hub.mut.Lock()
	delete(r.hub.rooms, r.ID)
	r.hub.mut.Unlock()
	close(r.done)

	for p := range r.peers {
		p.SendData(r.makePayload(nil, TypeRoomDispose))
		r.removePeer(p)
	}

	// Turn away peers that were queued while stopping.
	for {
		select {
		case req := <-r.peerQ:
			if req.reqType == TypePeerJoin {
				req.peer.ws.Close()
			}
		default:
			return
		}
	}
}

// queuePeerReq queues a peer addition / removal request to the room. It
// returns false if the room has stopped.
func (r *Room) queuePeerReq(reqType string, p *Peer, data []byte) bool {
	select {
	case r.peerQ <- peerReq{reqType: reqType, peer: p, data: data}:
		return true
	case <-r.done:
		return false
	}
}

// removePeer removes a peer from the room. Its writer closes the
// connection once the queue is drained.
func (r *Room) removePeer(p *Peer) {
	if _, ok := r.peers[p]; !ok {
		return
	}
	close(p.dataQ)
	delete(r.peers, p)
}

// makePayload prepares a message payload.
func (r *Room) makePayload(data interface{}, typ string) []byte {
	m := msgWrap{
		Timestamp: time.Now(),
		Type:      typ,
		Data:      data,
	}
	b, _ := json.Marshal(m)
	return b
}
