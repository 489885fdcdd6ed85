// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live bidirectional connection. Implementations must allow
// concurrent Send calls; Receive is called from a single reader goroutine.
type Conn interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer establishes a new Conn.
type Dialer func(ctx context.Context) (Conn, error)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// wsConn adapts a gorilla websocket connection to Conn. gorilla allows at
// most one concurrent writer, so Send serializes through a mutex.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// WebsocketDialer returns a Dialer for the given URL. header may be nil.
func WebsocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		ws, resp, err := d.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("transport: dial %s: status %d: %w", url, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("transport: dial %s: %w", url, err)
		}
		return &wsConn{ws: ws}, nil
	}
}

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Receive() ([]byte, error) {
	_, frame, err := c.ws.ReadMessage()
	return frame, err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
