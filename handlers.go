package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/watchsync/watchsync/internal/hub"
	"github.com/watchsync/watchsync/playback"
)

const (
	hasRoom = 1 << iota
)

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app    *App
	roomID string
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

type reqRoom struct {
	RoomID   string `json:"room_id"`
	OriginID string `json:"origin_id"`
	Handle   string `json:"handle"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// initRouter registers the HTTP routes.
func initRouter(app *App) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/ws/{roomID}", wrap(handleWS, app, hasRoom))

	// API.
	r.Post("/api/rooms", wrap(handleCreateRoom, app, 0))
	r.Get("/api/rooms/{roomID}", wrap(handleGetRoom, app, hasRoom))
	r.Post("/api/rooms/{roomID}/join", wrap(handleJoinRoom, app, hasRoom))
	r.Post("/api/rooms/{roomID}/leave", wrap(handleLeaveRoom, app, 0))
	r.Post("/api/rooms/{roomID}/updates", wrap(handlePostUpdate, app, hasRoom))
	r.Get("/api/rooms/{roomID}/updates", wrap(handleGetUpdates, app, hasRoom))
	r.Post("/api/sessions/{originID}/heartbeat", wrap(handleHeartbeat, app, 0))
	return r
}

// handleCreateRoom handles the creation of a new room.
func handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var req reqRoom
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}
	if req.OriginID == "" {
		respondJSON(w, nil, errors.New("invalid origin_id"), http.StatusBadRequest)
		return
	}
	if req.RoomID != "" && (len(req.RoomID) < 3 || len(req.RoomID) > 100) {
		respondJSON(w, nil, errors.New("invalid room ID (3 - 100 chars)"), http.StatusBadRequest)
		return
	}

	out, err := app.hub.CreateRoom(req.RoomID, req.OriginID, req.Handle)
	if err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleGetRoom returns a room and its participants.
func handleGetRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	out, err := app.hub.RoomInfo(ctx.roomID)
	if err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleJoinRoom adds a participant to a room.
func handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var req reqRoom
	if err := readJSONReq(r, &req); err != nil || req.OriginID == "" {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	out, err := app.hub.JoinRoom(ctx.roomID, req.OriginID, req.Handle)
	if err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleLeaveRoom removes a participant from a room.
func handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var req reqRoom
	if err := readJSONReq(r, &req); err != nil || req.OriginID == "" {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	if err := app.hub.LeaveRoom(ctx.roomID, req.OriginID); err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, true, nil, http.StatusOK)
}

// handlePostUpdate posts a playback update to a room.
func handlePostUpdate(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var u playback.Update
	if err := readJSONReq(r, &u); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}
	if u.RoomID != ctx.roomID {
		respondJSON(w, nil, errors.New("room_id doesn't match the room"), http.StatusBadRequest)
		return
	}

	if err := app.hub.PostUpdate(u); err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, true, nil, http.StatusOK)
}

// handleGetUpdates returns the updates of a room created after the `since`
// unix millisecond timestamp.
func handleGetUpdates(w http.ResponseWriter, r *http.Request) {
	var (
		ctx   = r.Context().Value(ctxKey{}).(*reqCtx)
		app   = ctx.app
		since time.Time
	)

	if s := r.URL.Query().Get("since"); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			respondJSON(w, nil, errors.New("invalid since"), http.StatusBadRequest)
			return
		}
		since = time.UnixMilli(ms)
	}

	out, err := app.hub.Updates(ctx.roomID, since, r.URL.Query().Get("exclude"))
	if err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleHeartbeat marks a participant as alive.
func handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	if err := app.hub.Heartbeat(chi.URLParam(r, "originID")); err != nil {
		respondJSON(w, nil, err, errStatus(err))
		return
	}
	respondJSON(w, true, nil, http.StatusOK)
}

// handleWS handles incoming websocket connections of room members.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx    = r.Context().Value(ctxKey{}).(*reqCtx)
		app    = ctx.app
		origin = r.URL.Query().Get("origin_id")
	)

	s, err := app.hub.Store.GetSession(origin)
	if err != nil || s.RoomID != ctx.roomID {
		respondJSON(w, nil, hub.ErrNotMember, http.StatusForbidden)
		return
	}

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Warnf("websocket upgrade failed: %s: %v", r.RemoteAddr, err)
		return
	}

	// Create a new peer instance and add to the room.
	if err := app.hub.AddPeer(ctx.roomID, origin, ws); err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(time.Second))
		ws.Close()
	}
}

// errStatus maps hub errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, hub.ErrRoomNotFound), errors.Is(err, hub.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrRoomExists):
		return http.StatusConflict
	case errors.Is(err, hub.ErrRoomFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, hub.ErrInvalidUpdate):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, hub.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Errorf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// wrap is a middleware that handles the room check for various HTTP handlers.
// It attaches the app and room contexts to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app, roomID: chi.URLParam(r, "roomID")}

		// Check if the room exists.
		if opts&hasRoom != 0 {
			ok, err := app.hub.Store.RoomExists(req.roomID)
			if err != nil {
				app.logger.Errorf("error checking room: %v", err)
				respondJSON(w, nil, errors.New("error checking room"), http.StatusInternalServerError)
				return
			}
			if !ok {
				respondJSON(w, nil, hub.ErrRoomNotFound, http.StatusNotFound)
				return
			}
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}
