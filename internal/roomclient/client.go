// Package roomclient talks to the watchsync daemon. It implements
// playback.RoomService over the daemon's JSON API, with updates pushed over
// a websocket or polled.
package roomclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/watchsync/watchsync/playback"
)

// Config represents the client configuration.
type Config struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`

	// Push subscribes to updates over a websocket. When it's off the
	// engine polls.
	Push bool `koanf:"push"`
}

// Client is a playback.RoomService backed by the daemon's HTTP API.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *logrus.Logger
}

// jsonResp is the envelope of all API responses.
type jsonResp struct {
	Error *string         `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type reqRoom struct {
	RoomID   string `json:"room_id,omitempty"`
	OriginID string `json:"origin_id"`
	Handle   string `json:"handle,omitempty"`
}

// New returns a new client.
func New(cfg Config, l *logrus.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL scheme '%s'", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		base:   u,
		http:   &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		log:    l,
	}, nil
}

// CreateRoom creates a room. An empty roomID lets the daemon pick one.
func (c *Client) CreateRoom(ctx context.Context, roomID, originID, handle string) (playback.RoomHandle, error) {
	var out playback.RoomHandle
	err := c.do(ctx, http.MethodPost, "/api/rooms", reqRoom{RoomID: roomID, OriginID: originID, Handle: handle}, &out)
	return out, err
}

// JoinRoom joins an existing room.
func (c *Client) JoinRoom(ctx context.Context, roomID, originID, handle string) (playback.RoomHandle, error) {
	var out playback.RoomHandle
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join",
		reqRoom{OriginID: originID, Handle: handle}, &out)
	return out, err
}

// LeaveRoom leaves a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID, originID string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/leave",
		reqRoom{OriginID: originID}, nil)
}

// PostUpdate posts a playback update.
func (c *Client) PostUpdate(ctx context.Context, u playback.Update) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(u.RoomID)+"/updates", u, nil)
}

// QueryUpdatesSince returns the updates of a room created after since,
// oldest first, leaving out those by excludeOrigin.
func (c *Client) QueryUpdatesSince(ctx context.Context, roomID string, since time.Time, excludeOrigin string) ([]playback.Update, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if excludeOrigin != "" {
		q.Set("exclude", excludeOrigin)
	}

	var list []playback.Update
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/updates?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}

	// The daemon works in milliseconds.
	out := list[:0]
	for _, u := range list {
		if since.IsZero() || u.CreatedAt.After(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Heartbeat tells the daemon that the participant is still around.
func (c *Client) Heartbeat(ctx context.Context, originID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(originID)+"/heartbeat", nil, nil)
}

// Subscribe opens a websocket to the room. ctx bounds the handshake only.
func (c *Client) Subscribe(ctx context.Context, roomID, originID string) (playback.Subscription, error) {
	if !c.cfg.Push {
		return nil, playback.ErrPushUnsupported
	}

	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path += "/ws/" + url.PathEscape(roomID)
	u.RawQuery = url.Values{"origin_id": {originID}}.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, statusErr(resp.StatusCode, "")
		}
		return nil, err
	}
	return newSubscription(ws, c.log), nil
}

// do sends a JSON request and decodes the data of the response envelope
// into out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var r jsonResp
	if err := json.Unmarshal(b, &r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return statusErr(resp.StatusCode, "")
		}
		return fmt.Errorf("error decoding response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := ""
		if r.Error != nil {
			msg = *r.Error
		}
		return statusErr(resp.StatusCode, msg)
	}

	if out == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

// statusErr maps a non-OK API response to the engine's errors.
func statusErr(code int, msg string) error {
	var err error
	switch code {
	case http.StatusNotFound:
		err = playback.ErrRoomNotFound
	case http.StatusConflict:
		err = playback.ErrRoomExists
	case http.StatusBadRequest, http.StatusForbidden, http.StatusTooManyRequests:
		err = playback.ErrRejected
	default:
		if msg == "" {
			msg = http.StatusText(code)
		}
		return fmt.Errorf("server error (%d): %s", code, msg)
	}

	if msg == "" || msg == err.Error() {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}
