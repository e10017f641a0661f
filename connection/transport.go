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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is one established transport connection carrying JSON frames.
type Conn interface {
	// ReadFrame blocks until a frame arrives or the connection fails.
	ReadFrame() ([]byte, error)

	// WriteFrame sends a frame. It is safe for concurrent use.
	WriteFrame(frame []byte) error

	// Close closes the connection and unblocks ReadFrame.
	Close() error
}

// Transport establishes connections. Dial returns an error wrapping
// ErrAuthRejected if the server refused the token.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketTransport dials the server over a websocket, sending the token in
// the Authorization header of the handshake.
type WebsocketTransport struct {
	url          string
	writeTimeout time.Duration
	dialer       *websocket.Dialer
}

// NewWebsocketTransport returns a transport for the URL in the params.
func NewWebsocketTransport(p Params) *WebsocketTransport {
	return &WebsocketTransport{
		url:          p.URL,
		writeTimeout: p.WriteTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: p.HandshakeTimeout,
		},
	}
}

// Dial opens a websocket to the server.
func (wt *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := wt.dialer.DialContext(ctx, wt.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden) {
			return nil, errors.WithMessagef(ErrAuthRejected,
				"handshake with %s returned %s", wt.url, resp.Status)
		}
		return nil, errors.Wrapf(err, "failed to dial %s", wt.url)
	}

	return &wsConn{ws: ws, writeTimeout: wt.writeTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMux     sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame and closes the socket. WriteControl may run
// concurrently with WriteFrame, so no lock is taken.
func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
