// Package player drives mpv over its JSON-IPC socket as the video element
// of a watch party.
package player

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// ipcCommand is the JSON structure sent to mpv's IPC socket.
type ipcCommand struct {
	Command   []interface{} `json:"command"`
	RequestID int64         `json:"request_id"`
}

// ipcMessage is a line received from mpv's IPC socket. It's either the
// reply to a command or an event.
type ipcMessage struct {
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID int64           `json:"request_id"`

	Event string `json:"event"`
	Name  string `json:"name"`
	ID    int64  `json:"id"`
}

const (
	maxRetries   = 3
	retryDelay   = 100 * time.Millisecond
	readDeadline = 1 * time.Second
)

// sendCommand sends a JSON-IPC command to mpv, retrying transient
// connection errors.
func (m *MPV) sendCommand(command ...interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}

		m.reqID++
		result, err := doSendCommand(m.socketPath, m.reqID, command)
		if err == nil {
			return result, nil
		}

		// mpv understood and refused the command.
		if _, ok := err.(mpvError); ok {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("ipc command failed after %d attempts: %w", maxRetries, lastErr)
}

// mpvError is an error reported by mpv for a command.
type mpvError string

func (e mpvError) Error() string {
	return "mpv error: " + string(e)
}

// doSendCommand performs a single IPC command attempt on a new connection.
func doSendCommand(socketPath string, id int64, command []interface{}) (json.RawMessage, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := writeCommand(conn, id, command); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	return readReply(bufio.NewReader(conn), id, nil)
}

// writeCommand writes a newline terminated command.
func writeCommand(conn net.Conn, id int64, command []interface{}) error {
	payload, err := json.Marshal(ipcCommand{Command: command, RequestID: id})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readReply reads lines until the reply to request id shows up. mpv
// broadcasts events to every client, so they may come first. They're
// passed to onEvent when it's set.
func readReply(r *bufio.Reader, id int64, onEvent func(ipcMessage)) (json.RawMessage, error) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}

		var msg ipcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Event != "" {
			if onEvent != nil {
				onEvent(msg)
			}
			continue
		}
		if msg.RequestID != id {
			continue
		}

		if msg.Error != "" && msg.Error != "success" {
			return nil, mpvError(msg.Error)
		}
		return msg.Data, nil
	}
}
