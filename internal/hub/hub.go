// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package hub is the server-side rebroadcast point: driver clients push
// position updates in, the hub folds them into the spatial index and fans
// them out to every subscribed observer client.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/message"
	"github.com/transitus/transitus/internal/metrics"
	"github.com/transitus/transitus/internal/models"
	"github.com/transitus/transitus/internal/spatial"
)

// Hub maintains the set of active clients and rebroadcasts position
// traffic. A single Run goroutine owns the client set transitions.
type Hub struct {
	index *spatial.Index
	codec *message.Codec

	Register   chan *Client
	Unregister chan *Client
	inbound    chan inboundFrame

	mu      sync.RWMutex
	clients map[*Client]bool
}

type inboundFrame struct {
	from  *Client
	frame []byte
}

// New creates a Hub around the given spatial index.
func New(index *spatial.Index, codec *message.Codec) *Hub {
	if codec == nil {
		codec = &message.Codec{}
	}
	return &Hub{
		index:      index,
		codec:      codec,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, 256),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub until ctx is cancelled. Implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// Lifecycle events take priority over traffic so the client set
		// is consistent before messages are processed.
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case in := <-h.inbound:
			h.handleFrame(in)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(total))
	logging.Info().Uint64("client_id", c.id).Int("total_clients", total).Msg("Client connected")

	h.sendSnapshot(c)
	h.broadcastPeerEvent(message.TypePeerConnected, c)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	c.closeSend()
	total := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(total))
	logging.Info().Uint64("client_id", c.id).Int("total_clients", total).Msg("Client disconnected")

	h.broadcastPeerEvent(message.TypePeerDisconnected, c)
}

// sendSnapshot delivers the current latest-position set to a newly
// connected client so its map is populated without waiting for traffic.
func (h *Hub) sendSnapshot(c *Client) {
	positions := h.index.All()
	if len(positions) == 0 {
		return
	}
	msg, err := message.New(message.TypeSnapshot, positions, message.PriorityHigh)
	if err != nil {
		logging.Error().Err(err).Msg("Snapshot encode failed")
		return
	}
	frame, err := h.codec.Encode(msg)
	if err != nil {
		logging.Error().Err(err).Msg("Snapshot encode failed")
		return
	}
	c.trySend(frame)
}

func (h *Hub) broadcastPeerEvent(msgType string, c *Client) {
	msg, err := message.New(msgType, map[string]uint64{"clientId": c.id}, message.PriorityNormal)
	if err != nil {
		return
	}
	h.broadcastMessage(msg, nil)
}

// handleFrame processes one inbound frame from a client.
func (h *Hub) handleFrame(in inboundFrame) {
	msg, err := h.codec.Decode(in.frame)
	if err != nil {
		logging.Warn().Err(err).Uint64("client_id", in.from.id).Msg("Dropping undecodable client frame")
		return
	}

	switch msg.Type {
	case message.TypeHeartbeatPing:
		if pong, err := message.New(message.TypeHeartbeatPong, nil, message.PriorityHigh); err == nil {
			if frame, err := h.codec.Encode(pong); err == nil {
				in.from.trySend(frame)
			}
		}

	case message.TypeSubscribe:
		var sub struct {
			RouteIDs []string `json:"routeIds"`
		}
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			logging.Warn().Err(err).Uint64("client_id", in.from.id).Msg("Bad subscribe payload")
			return
		}
		in.from.setRoutes(sub.RouteIDs)

	case message.TypePositionUpdate:
		var pos models.PositionUpdate
		if err := json.Unmarshal(msg.Data, &pos); err != nil {
			logging.Warn().Err(err).Uint64("client_id", in.from.id).Msg("Bad position payload")
			return
		}
		outcome := h.index.Apply(pos)
		if outcome == spatial.OutcomeStale || outcome == spatial.OutcomeInvalid {
			return
		}
		h.broadcastMessage(msg, &pos)

	default:
		logging.Debug().Str("type", msg.Type).Msg("Ignoring unknown message type")
	}
}

// broadcastMessage fans a message out to clients in ascending client id
// order. pos filters delivery to clients subscribed to its route; nil
// delivers to everyone.
func (h *Hub) broadcastMessage(msg *message.Message, pos *models.PositionUpdate) {
	frame, err := h.codec.Encode(msg)
	if err != nil {
		logging.Error().Err(err).Str("type", msg.Type).Msg("Broadcast encode failed")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		if pos != nil && !c.wantsRoute(pos.RouteID) {
			continue
		}
		c.trySend(frame)
	}
	metrics.HubBroadcasts.Inc()
}

// BroadcastPosition injects a position from outside the websocket path
// (e.g. an HTTP ingest endpoint) into the same apply-and-fanout flow.
func (h *Hub) BroadcastPosition(pos models.PositionUpdate) error {
	outcome := h.index.Apply(pos)
	if outcome == spatial.OutcomeStale || outcome == spatial.OutcomeInvalid {
		return nil
	}
	msg, err := message.New(message.TypePositionUpdate, pos, message.PriorityHigh)
	if err != nil {
		return err
	}
	h.broadcastMessage(msg, &pos)
	return nil
}

// BroadcastRemovals tells connected clients that vehicles left the map.
// Each removal goes out as an inactive position update so clients reuse
// their normal removal path.
func (h *Hub) BroadcastRemovals(vehicleIDs []string) {
	now := time.Now().UnixMilli()
	for _, id := range vehicleIDs {
		pos := models.PositionUpdate{
			VehicleID:    id,
			IsActive:     false,
			CapturedAtMs: now,
		}
		msg, err := message.New(message.TypePositionUpdate, pos, message.PriorityHigh)
		if err != nil {
			logging.Error().Err(err).Str("vehicle_id", id).Msg("Removal encode failed")
			continue
		}
		h.broadcastMessage(msg, &pos)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	count := len(h.clients)
	for c := range h.clients {
		c.closeSend()
		delete(h.clients, c)
	}
	h.mu.Unlock()

	metrics.HubClients.Set(0)
	logging.Info().
		Str("component", "hub").
		Int("clients_closed", count).
		Msg("Hub stopped")
}
