package player

import (
	"bufio"
	"fmt"
	"net"
)

// Observed properties and their observer IDs.
var observed = []struct {
	id   int64
	name string
}{
	{1, "pause"},
	{2, "time-pos"},
}

// eventListener keeps a connection to mpv open for property changes and
// events. mpv scopes property observers to the connection they were made
// on.
type eventListener struct {
	socketPath string
	handle     func(ipcMessage)

	conn net.Conn
	r    *bufio.Reader
	done chan struct{}
}

func newEventListener(socketPath string, handle func(ipcMessage)) *eventListener {
	return &eventListener{
		socketPath: socketPath,
		handle:     handle,
		done:       make(chan struct{}),
	}
}

// start observes the properties and starts reading. It returns once mpv
// has acknowledged every observer.
func (el *eventListener) start() error {
	conn, err := net.Dial("unix", el.socketPath)
	if err != nil {
		return fmt.Errorf("event listener connect: %w", err)
	}
	el.r = bufio.NewReader(conn)

	for i, p := range observed {
		id := int64(i + 1)
		if err := writeCommand(conn, id, []interface{}{"observe_property", p.id, p.name}); err != nil {
			conn.Close()
			return err
		}
		if _, err := readReply(el.r, id, el.handle); err != nil {
			conn.Close()
			return fmt.Errorf("observe %s: %w", p.name, err)
		}
	}

	el.conn = conn
	go el.readLoop()
	return nil
}

// stop closes the connection and waits for the read loop.
func (el *eventListener) stop() {
	if el.conn == nil {
		return
	}
	el.conn.Close()
	<-el.done
}

// readLoop dispatches events until the connection drops.
func (el *eventListener) readLoop() {
	defer close(el.done)
	for {
		if _, err := readReply(el.r, -1, el.handle); err != nil {
			return
		}
	}
}
