package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/watchsync/watchsync/playback"
)

const (
	socketWaitRetries = 10
	socketWaitDelay   = 300 * time.Millisecond
	quitTimeout       = 3 * time.Second
)

// Config represents the mpv configuration.
type Config struct {
	// Binary is the mpv executable. Defaults to "mpv".
	Binary string `koanf:"binary"`

	// Socket is the IPC socket path. With no Media, an mpv that's already
	// listening on it is attached to.
	Socket string `koanf:"socket"`

	// Media is a file or http(s) URL to launch mpv with.
	Media string `koanf:"media"`

	// Args are passed to mpv as is.
	Args []string `koanf:"args"`
}

// MPV is a playback.Player backed by mpv's JSON-IPC protocol.
type MPV struct {
	cfg Config
	log *logrus.Logger

	socketPath string
	cmd        *exec.Cmd
	exited     chan struct{}
	exitOnce   sync.Once

	// Serializes IPC commands.
	mu    sync.Mutex
	reqID int64

	events *eventListener

	subMut  sync.Mutex
	subs    map[int]func(playback.PlayerEvent)
	nextSub int

	// Last known state from observed properties. Guarded by subMut.
	pauseKnown bool
	paused     bool
	timePos    float64
	seeking    bool
}

var errNoMedia = errors.New("either media or an IPC socket is required")

// New returns a new mpv player. Start launches or attaches to it.
func New(cfg Config, l *logrus.Logger) *MPV {
	if cfg.Binary == "" {
		cfg.Binary = "mpv"
	}
	return &MPV{
		cfg:    cfg,
		log:    l,
		exited: make(chan struct{}),
		subs:   make(map[int]func(playback.PlayerEvent)),
	}
}

// Start launches mpv paused on the configured media, or attaches to an
// already running mpv when only a socket is configured.
func (m *MPV) Start() error {
	switch {
	case m.cfg.Media != "":
		if err := m.launch(); err != nil {
			return err
		}
	case m.cfg.Socket != "":
		m.socketPath = m.cfg.Socket
	default:
		return errNoMedia
	}

	m.events = newEventListener(m.socketPath, m.onMessage)
	if err := m.events.start(); err != nil {
		if m.cmd != nil {
			_ = killProcess(m.cmd)
		}
		return err
	}

	// An attached mpv is gone when its socket is.
	if m.cmd == nil {
		go func() {
			<-m.events.done
			m.markExited()
		}()
	}
	return nil
}

func (m *MPV) launch() error {
	media, err := sanitizeMediaTarget(m.cfg.Media)
	if err != nil {
		return fmt.Errorf("invalid media target: %w", err)
	}

	m.socketPath = m.cfg.Socket
	if m.socketPath == "" {
		m.socketPath = filepath.Join(os.TempDir(), "watchsync-"+uuid.NewString()[:8]+".sock")
	}

	args := []string{
		"--no-terminal",
		"--really-quiet",
		"--input-ipc-server=" + m.socketPath,
		"--force-window=yes",
		"--idle=yes",
		"--pause",
	}
	args = append(args, m.cfg.Args...)
	args = append(args, "--", media)

	m.cmd = exec.Command(m.cfg.Binary, args...)
	m.cmd.SysProcAttr = sysProcAttr()
	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("start mpv: %w", err)
	}

	go func() {
		_ = m.cmd.Wait()
		m.markExited()
	}()

	if err := m.waitForSocket(); err != nil {
		select {
		case <-m.exited:
		default:
			m.log.Warn("killing mpv: socket never became ready")
			_ = killProcess(m.cmd)
		}
		return fmt.Errorf("mpv socket not ready: %w", err)
	}
	return nil
}

// waitForSocket polls until the IPC socket accepts connections.
func (m *MPV) waitForSocket() error {
	for i := 0; i < socketWaitRetries; i++ {
		time.Sleep(socketWaitDelay)

		select {
		case <-m.exited:
			return errors.New("mpv exited before socket was ready")
		default:
		}

		conn, err := net.Dial("unix", m.socketPath)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("socket %s not ready after %d attempts", m.socketPath, socketWaitRetries)
}

// Wait returns a channel that's closed when mpv goes away.
func (m *MPV) Wait() <-chan struct{} {
	return m.exited
}

func (m *MPV) markExited() {
	m.exitOnce.Do(func() { close(m.exited) })
}

// Close stops listening for events. A launched mpv is asked to quit and
// killed if it doesn't.
func (m *MPV) Close() error {
	if m.events != nil {
		m.events.stop()
	}
	if m.cmd == nil {
		return nil
	}

	_, _ = m.sendCommand("quit")
	select {
	case <-m.exited:
	case <-time.After(quitTimeout):
		_ = killProcess(m.cmd)
	}

	if m.cfg.Socket == "" {
		_ = os.Remove(m.socketPath)
	}
	return nil
}

// Position returns the current playback position in seconds.
func (m *MPV) Position() (float64, error) {
	data, err := m.sendCommand("get_property", "time-pos")
	if err != nil {
		return 0, err
	}

	var pos *float64
	if err := json.Unmarshal(data, &pos); err != nil {
		return 0, fmt.Errorf("property time-pos: %w", err)
	}
	if pos == nil {
		return 0, errors.New("property time-pos: nil response")
	}
	return *pos, nil
}

// IsPlaying reports whether mpv is not paused.
func (m *MPV) IsPlaying() (bool, error) {
	data, err := m.sendCommand("get_property", "pause")
	if err != nil {
		return false, err
	}

	var paused bool
	if err := json.Unmarshal(data, &paused); err != nil {
		return false, fmt.Errorf("property pause: %w", err)
	}
	return !paused, nil
}

func (m *MPV) Play() error {
	_, err := m.sendCommand("set_property", "pause", false)
	return err
}

func (m *MPV) Pause() error {
	_, err := m.sendCommand("set_property", "pause", true)
	return err
}

// SeekTo moves playback to an absolute position in seconds.
func (m *MPV) SeekTo(seconds float64) error {
	_, err := m.sendCommand("seek", seconds, "absolute")
	return err
}

// Subscribe registers fn for play, pause and seek events. fn is called on
// the event listener's goroutine.
func (m *MPV) Subscribe(fn func(playback.PlayerEvent)) func() {
	m.subMut.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMut.Unlock()

	return func() {
		m.subMut.Lock()
		delete(m.subs, id)
		m.subMut.Unlock()
	}
}

// onMessage turns mpv's property changes and events into player events.
// pause changes map to play/pause after the initial value. A seek is
// reported when playback restarts after it.
func (m *MPV) onMessage(msg ipcMessage) {
	m.subMut.Lock()

	var ev *playback.PlayerEvent
	switch msg.Event {
	case "property-change":
		switch msg.Name {
		case "pause":
			var paused bool
			if err := json.Unmarshal(msg.Data, &paused); err != nil {
				break
			}
			if m.pauseKnown && paused != m.paused {
				kind := playback.EventPlay
				if paused {
					kind = playback.EventPause
				}
				ev = &playback.PlayerEvent{Kind: kind, Time: m.timePos}
			}
			m.pauseKnown = true
			m.paused = paused

		case "time-pos":
			var pos *float64
			if err := json.Unmarshal(msg.Data, &pos); err == nil && pos != nil {
				m.timePos = *pos
			}
		}

	case "seek":
		m.seeking = true

	case "playback-restart":
		if m.seeking {
			m.seeking = false
			ev = &playback.PlayerEvent{Kind: playback.EventSeek, Time: m.timePos}
		}

	case "end-file":
		m.seeking = false
	}

	if ev == nil {
		m.subMut.Unlock()
		return
	}

	subs := make([]func(playback.PlayerEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMut.Unlock()

	m.log.WithFields(logrus.Fields{"kind": ev.Kind, "time": ev.Time}).Debug("player event")
	for _, fn := range subs {
		fn(*ev)
	}
}

// sanitizeMediaTarget validates that a media target is safe to pass to mpv.
func sanitizeMediaTarget(link string) (string, error) {
	l := strings.TrimSpace(link)
	if l == "" {
		return "", errors.New("empty media target")
	}
	if strings.ContainsAny(l, "\x00\n\r") {
		return "", errors.New("invalid control characters in media target")
	}
	if strings.HasPrefix(l, "-") {
		return "", errors.New("media target must not start with '-'")
	}

	if strings.Contains(l, "://") {
		u, err := url.Parse(l)
		if err != nil {
			return "", fmt.Errorf("invalid URL: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return l, nil
		default:
			return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
		}
	}
	return filepath.Clean(l), nil
}
