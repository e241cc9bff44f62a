package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRouterRoundTripsEnvelope(t *testing.T) {
	handler := func(env Envelope, send func(Response)) error {
		send(Response{ID: env.ID, Type: ResponseResult, Data: "ok:" + env.Method})
		return nil
	}

	mux := Router("/ws", handler, zerolog.Nop())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{ID: "1", Method: "ping"}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "1", resp.ID)
	require.Equal(t, ResponseResult, resp.Type)
	require.Equal(t, "ok:ping", resp.Data)
}

func TestRouterSurfacesHandlerErrorAsErrorResponse(t *testing.T) {
	handler := func(env Envelope, send func(Response)) error {
		return assertErr{}
	}

	mux := Router("/ws", handler, zerolog.Nop())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{ID: "2", Method: "boom"}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, ResponseError, resp.Type)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
