// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package hub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
	sendBuffer     = 256
)

// clientIDCounter assigns unique ids so broadcast order is deterministic.
var clientIDCounter atomic.Uint64

// Client is the hub's handle on one websocket connection.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	routes map[string]bool // empty means all routes

	sendMu sync.Mutex
	closed bool
}

// NewClient creates a Client for the given connection.
func NewClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 { return c.id }

// setRoutes replaces the client's route subscription set. An empty list
// subscribes to everything.
func (c *Client) setRoutes(routeIDs []string) {
	set := make(map[string]bool, len(routeIDs))
	for _, id := range routeIDs {
		set[id] = true
	}
	c.mu.Lock()
	c.routes = set
	c.mu.Unlock()
	logging.Debug().Uint64("client_id", c.id).Strs("routes", routeIDs).Msg("Route subscription updated")
}

// wantsRoute reports whether the client should receive updates for a route.
func (c *Client) wantsRoute(routeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.routes) == 0 {
		return true
	}
	return c.routes[routeID]
}

// trySend queues a frame without blocking; a client that cannot keep up
// loses the frame rather than stalling the hub. Frames offered after the
// client has been removed are discarded.
func (c *Client) trySend(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		metrics.HubDroppedMessages.Inc()
		logging.Warn().Uint64("client_id", c.id).Msg("Client send buffer full, dropping frame")
	}
}

// closeSend terminates the send channel exactly once. The sendMu handshake
// with trySend guarantees no frame is ever offered to a closed channel.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump forwards frames from the connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("Failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("client_id", c.id).Msg("Unexpected websocket close")
			}
			return
		}
		c.hub.inbound <- inboundFrame{from: c, frame: frame}
	}
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware in front.
		return true
	},
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := NewClient(h, conn)
	h.Register <- client

	go client.writePump()
	go client.readPump()
}
