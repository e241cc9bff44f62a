// Package server is an interface-only stub of the request/response
// envelope spec §6.3 describes for embedding monocle behind a
// WebSocket. Per spec.md's Non-goals ("WebSocket server and its
// envelope protocol: only the request/result shape is noted"), this
// package wires the transport (go-chi/chi router + gorilla/websocket
// upgrade, the same libraries the teacher's stages/websocket.go uses
// for its listen mode) without implementing any method dispatch —
// Handler is the seam a full implementation would fill in.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Envelope is the request shape spec §6.3 defines.
type Envelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseKind is the discriminator on every reply.
type ResponseKind string

const (
	ResponseResult   ResponseKind = "result"
	ResponseError    ResponseKind = "error"
	ResponseProgress ResponseKind = "progress"
	ResponseStream   ResponseKind = "stream"
)

// Response is the reply shape spec §6.3 defines. Progress/stream
// replies carry OpID; a non-streaming method MUST NOT set it.
type Response struct {
	ID   string       `json:"id"`
	Type ResponseKind `json:"type"`
	OpID string       `json:"op_id,omitempty"`
	Data any          `json:"data,omitempty"`
}

// Handler dispatches one decoded Envelope, writing zero or more
// Responses to send (a terminal result/error, or progress/stream
// events followed by exactly one terminal reply). The concrete method
// table (search, validate, rpki status, ...) is outside this package's
// scope per spec.md's Non-goals.
type Handler func(Envelope, func(Response)) error

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Router builds the chi mux exposing a single WebSocket endpoint at
// path that upgrades the connection and dispatches every decoded
// Envelope to handler.
func Router(path string, handler Handler, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		serveWS(w, req, handler, log)
	})
	return r
}

func serveWS(w http.ResponseWriter, req *http.Request, handler Handler, log zerolog.Logger) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("server: websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("server: connection closed")
			}
			return
		}

		send := func(resp Response) {
			if err := conn.WriteJSON(resp); err != nil {
				log.Warn().Err(err).Msg("server: write failed")
			}
		}

		if err := handler(env, send); err != nil {
			send(Response{ID: env.ID, Type: ResponseError, Data: err.Error()})
		}
	}
}
