// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package transport owns one logical connection to the rebroadcast server.
// Outbound messages pass through the priority queue and the circuit
// breaker; inbound frames are decompressed and fanned out to per-type
// listeners. Network offline flips the session into queued-write mode and
// the offline backlog replays when connectivity returns.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/transitus/transitus/internal/breaker"
	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/message"
	"github.com/transitus/transitus/internal/metrics"
	"github.com/transitus/transitus/internal/models"
	"github.com/transitus/transitus/internal/offline"
	"github.com/transitus/transitus/internal/reconnect"
	"github.com/transitus/transitus/internal/signals"
)

// Application-level outcomes from the server. These are never retried and
// never count toward the circuit breaker threshold.
var (
	ErrNotFound  = errors.New("transport: not found")
	ErrForbidden = errors.New("transport: forbidden")
)

// ErrNoConnection is returned when a send is attempted with no live
// connection and the session is not in offline mode.
var ErrNoConnection = errors.New("transport: no connection")

// ErrSessionClosed is returned by SendMessage after Close.
var ErrSessionClosed = errors.New("transport: session closed")

// Listener receives inbound messages of one type. Listeners run on the
// session's read goroutine; a panic in one listener does not stop the
// others.
type Listener func(msg *message.Message)

// PositionHandler receives decoded position updates.
type PositionHandler func(models.PositionUpdate)

// Config tunes a Session.
type Config struct {
	// HeartbeatInterval is the keep-alive period while connected and not
	// paused.
	HeartbeatInterval time.Duration
	// CompressThreshold is forwarded to the message codec.
	CompressThreshold int
	// MaxQueueSize bounds the outbound priority queue.
	MaxQueueSize int
	// Reconnect tunes the reconnection controller.
	Reconnect reconnect.Config
	// Breaker tunes the circuit breaker. Name defaults to "transport".
	Breaker breaker.Config
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		CompressThreshold: 1024,
		MaxQueueSize:      256,
		Reconnect:         reconnect.DefaultConfig(),
		Breaker:           breaker.DefaultConfig("transport"),
	}
}

// Session is one resilient client connection.
type Session struct {
	cfg    Config
	dialer Dialer
	codec  *message.Codec
	queue  *message.Queue
	brk    *breaker.Breaker
	store  offline.Queue
	ctrl   *reconnect.Controller
	clk    clock.Clock

	mu          sync.RWMutex
	conn        Conn
	listeners   map[string][]Listener
	paused      bool
	offlineMode bool
	closed      bool
}

// NewSession wires a Session from its collaborators. store may be nil to
// fall back to an in-memory offline queue. src may be nil when the runtime
// provides no connectivity or visibility signals.
func NewSession(cfg Config, dialer Dialer, store offline.Queue, src *signals.Source) *Session {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = def.CompressThreshold
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "transport"
	}
	if store == nil {
		store = offline.NewMemoryQueue()
	}

	codec := &message.Codec{CompressThreshold: cfg.CompressThreshold}
	s := &Session{
		cfg:       cfg,
		dialer:    dialer,
		codec:     codec,
		queue:     message.NewQueue(cfg.MaxQueueSize, codec),
		store:     store,
		clk:       cfg.Clock,
		listeners: make(map[string][]Listener),
	}

	brkCfg := cfg.Breaker
	brkCfg.Clock = cfg.Clock
	if brkCfg.IsExpected == nil {
		brkCfg.IsExpected = func(err error) bool {
			return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
		}
	}
	s.brk = breaker.New(brkCfg)

	rcCfg := cfg.Reconnect
	rcCfg.Clock = cfg.Clock
	s.ctrl = reconnect.New(rcCfg, s.establish, s.probe)

	if src != nil {
		src.OnNetwork(s.onNetwork)
		src.OnVisibility(s.onVisibility)
	}
	return s
}

// Run drives the session until ctx is cancelled: connects, reconnects,
// reads inbound traffic and sends heartbeats.
func (s *Session) Run(ctx context.Context) error {
	go s.heartbeatLoop(ctx)
	err := s.ctrl.Run(ctx)
	s.closeConn()
	return err
}

// establish dials a fresh connection and starts its read loop.
func (s *Session) establish(ctx context.Context) error {
	conn, err := s.dialer(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go s.readLoop(conn)

	// Drain anything queued while disconnected.
	if err := s.queue.Process(s.transmit); err != nil {
		logging.Warn().Err(err).Msg("Backlog drain incomplete after connect")
	}
	return nil
}

// probe verifies the connection is still writable.
func (s *Session) probe(ctx context.Context) error {
	ping, err := message.New(message.TypeHeartbeatPing, nil, message.PriorityHigh)
	if err != nil {
		return err
	}
	frame, err := s.codec.Encode(ping)
	if err != nil {
		return err
	}
	return s.transmit(frame)
}

// transmit pushes one frame through the circuit breaker onto the wire.
func (s *Session) transmit(frame []byte) error {
	return s.brk.Do(func() error {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return ErrNoConnection
		}
		return conn.Send(frame)
	})
}

// SendMessage queues a message for delivery. While offline the write is
// persisted to the durable queue instead and replayed on the next online
// transition. When the connection or breaker rejects the drain the error
// is swallowed: critical messages stay queued for the next drain, lower
// priorities are dropped with the failed attempt.
func (s *Session) SendMessage(msgType string, data any, priority message.Priority) error {
	msg, err := message.New(msgType, data, priority)
	if err != nil {
		return err
	}

	s.mu.RLock()
	off := s.offlineMode
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	if off {
		return s.store.Enqueue(offline.Entry{
			Operation: offline.OpCreate,
			Channel:   msgType,
			Payload:   msg.Data,
		})
	}

	s.queue.Enqueue(msg)
	if err := s.queue.Process(s.transmit); err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, ErrNoConnection) {
			// Only critical messages were requeued; the rest are gone.
			return nil
		}
		return err
	}
	return nil
}

// On subscribes a listener for one inbound message type.
func (s *Session) On(msgType string, l Listener) {
	s.mu.Lock()
	s.listeners[msgType] = append(s.listeners[msgType], l)
	s.mu.Unlock()
}

// OnPositionUpdate subscribes to decoded position updates for one vehicle.
// An empty vehicleID receives updates for every vehicle.
func (s *Session) OnPositionUpdate(vehicleID string, h PositionHandler) {
	s.On(message.TypePositionUpdate, func(msg *message.Message) {
		var pos models.PositionUpdate
		if err := json.Unmarshal(msg.Data, &pos); err != nil {
			logging.Warn().Err(err).Str("message_id", msg.ID).Msg("Undecodable position update")
			return
		}
		if vehicleID != "" && pos.VehicleID != vehicleID {
			return
		}
		h(pos)
	})
}

// OnPeerConnected subscribes to peer arrival notifications.
func (s *Session) OnPeerConnected(l Listener) { s.On(message.TypePeerConnected, l) }

// OnPeerDisconnected subscribes to peer departure notifications.
func (s *Session) OnPeerDisconnected(l Listener) { s.On(message.TypePeerDisconnected, l) }

// readLoop consumes frames from one connection until it fails.
func (s *Session) readLoop(conn Conn) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			logging.Debug().Err(err).Msg("Read loop ended")
			return
		}
		s.dispatch(frame)
	}
}

// dispatch decodes one inbound frame and fans it out. A decode failure
// drops only that frame.
func (s *Session) dispatch(frame []byte) {
	msg, err := s.codec.Decode(frame)
	if err != nil {
		logging.Warn().Err(err).Msg("Dropping undecodable frame")
		return
	}

	if msg.Type == message.TypeHeartbeatPing {
		if pong, err := message.New(message.TypeHeartbeatPong, nil, message.PriorityHigh); err == nil {
			if frame, err := s.codec.Encode(pong); err == nil {
				s.transmit(frame)
			}
		}
		return
	}

	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners[msg.Type]))
	copy(listeners, s.listeners[msg.Type])
	s.mu.RUnlock()

	for _, l := range listeners {
		invoke(l, msg)
	}
}

func invoke(l Listener, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("type", msg.Type).Msg("Listener panicked")
		}
	}()
	l(msg)
}

// heartbeatLoop sends a keep-alive while connected, not paused and not in
// offline mode.
func (s *Session) heartbeatLoop(ctx context.Context) {
	for {
		if err := s.clk.Sleep(ctx, s.cfg.HeartbeatInterval); err != nil {
			return
		}

		s.mu.RLock()
		skip := s.paused || s.offlineMode || s.conn == nil
		s.mu.RUnlock()
		if skip {
			continue
		}

		if err := s.SendMessage(message.TypeHeartbeatPing, nil, message.PriorityHigh); err != nil {
			logging.Debug().Err(err).Msg("Heartbeat send failed")
			continue
		}
		metrics.HeartbeatsSent.Inc()
	}
}

// onNetwork flips offline mode and replays the durable queue when the
// network returns.
func (s *Session) onNetwork(state signals.NetworkState) {
	s.mu.Lock()
	s.offlineMode = state == signals.NetworkOffline
	s.mu.Unlock()

	if state == signals.NetworkOnline {
		go s.replayOffline()
	}
}

// onVisibility pauses the heartbeat (not the connection) while hidden.
func (s *Session) onVisibility(v signals.Visibility) {
	s.mu.Lock()
	s.paused = v == signals.VisibilityHidden
	s.mu.Unlock()
}

// replayOffline flushes the durable queue through the live send path.
func (s *Session) replayOffline() {
	sent, err := s.store.Flush(func(e offline.Entry) error {
		msg, merr := message.New(e.Channel, nil, message.PriorityHigh)
		if merr != nil {
			return merr
		}
		msg.Data = e.Payload
		frame, ferr := s.codec.Encode(msg)
		if ferr != nil {
			return ferr
		}
		return s.transmit(frame)
	})
	if err != nil {
		logging.Warn().Err(err).Int("sent", sent).Msg("Offline replay interrupted")
	}
}

// ConnectionState returns the reconnection controller snapshot.
func (s *Session) ConnectionState() reconnect.State {
	return s.ctrl.State()
}

// ConnectionQuality returns the controller's quality score.
func (s *Session) ConnectionQuality() float64 {
	return s.ctrl.Quality()
}

// QueueDepth returns pending outbound messages plus offline backlog.
func (s *Session) QueueDepth() int {
	return s.queue.Depth() + s.store.Depth()
}

// BreakerState returns the circuit breaker snapshot for health reporting.
func (s *Session) BreakerState() breaker.State {
	return s.brk.State()
}

// Close tears down the active connection and rejects further sends. It
// is idempotent and safe to call concurrently with Run.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
