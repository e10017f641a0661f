////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// newEchoServer starts a websocket server that accepts only the bearer token
// "good" and echoes every frame back.
func newEchoServer(t *testing.T) Params {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer ws.Close()
			for {
				kind, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				if err = ws.WriteMessage(kind, data); err != nil {
					return
				}
			}
		}))
	t.Cleanup(srv.Close)

	p := GetDefaultParams()
	p.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	p.HandshakeTimeout = time.Second
	return p
}

// Tests a frame round trip over a real websocket.
func TestWebsocketTransport_Dial(t *testing.T) {
	wt := NewWebsocketTransport(newEchoServer(t))

	conn, err := wt.Dial(context.Background(), "good")
	require.NoError(t, err)
	defer conn.Close()

	frame := []byte(`{"event":"send_message","data":{}}`)
	require.NoError(t, conn.WriteFrame(frame))
	got, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame, got)

	require.NoError(t, conn.Close())
	_, err = conn.ReadFrame()
	require.Error(t, err)
}

// Tests that an unauthorized handshake maps to ErrAuthRejected.
func TestWebsocketTransport_Dial_Rejected(t *testing.T) {
	wt := NewWebsocketTransport(newEchoServer(t))

	_, err := wt.Dial(context.Background(), "bad")
	require.True(t, errors.Is(err, ErrAuthRejected), "%+v", err)
}

// Tests that an unreachable server is a transient error.
func TestWebsocketTransport_Dial_Unreachable(t *testing.T) {
	p := GetDefaultParams()
	p.URL = "ws://127.0.0.1:1/ws"
	p.HandshakeTimeout = time.Second

	_, err := NewWebsocketTransport(p).Dial(context.Background(), "good")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrAuthRejected))
}
