// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package reconnect drives repeated connection attempts with exponential
// backoff, runs periodic health checks once connected, and abandons after
// too many consecutive failures. All timing goes through an injectable
// clock so the state machine is testable without real timers.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/transitus/transitus/internal/backoff"
	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/metrics"
)

// ErrAbandoned is returned by Run when the controller gives up.
var ErrAbandoned = errors.New("reconnect: abandoned after repeated failures")

// Phase is the connection lifecycle phase.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// Event kinds emitted to subscribers.
type Event string

const (
	EventAttempting        Event = "attempting"
	EventSucceeded         Event = "succeeded"
	EventFailed            Event = "failed"
	EventHealthCheckFailed Event = "health-check-failed"
	EventAbandoned         Event = "abandoned"
)

// State is a snapshot of the controller.
type State struct {
	Phase               Phase     `json:"phase"`
	AttemptCount        int       `json:"attemptCount"`
	LastAttemptAt       time.Time `json:"lastAttemptAt,omitempty"`
	NextAttemptAt       time.Time `json:"nextAttemptAt,omitempty"`
	BackoffDelayMs      int64     `json:"backoffDelayMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitempty"`
}

// ConnectFunc establishes (or probes) the connection.
type ConnectFunc func(ctx context.Context) error

// EventHandler observes controller events. Handlers run on the controller
// goroutine and must not block.
type EventHandler func(Event, State)

// Config tunes the controller.
type Config struct {
	// MaxAttempts is the consecutive-failure limit before abandoning.
	MaxAttempts int
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// HealthCheckInterval is the probe period while connected.
	HealthCheckInterval time.Duration
	// ResetDelayAfter is the quiet period after a success before the
	// backoff delay resets to its initial value. A failure inside the
	// quiet period continues the previous escalation.
	ResetDelayAfter time.Duration
	// Backoff computes retry delays. Zero value uses the default policy.
	Backoff backoff.Policy
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         10,
		ConnectTimeout:      10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ResetDelayAfter:     60 * time.Second,
		Backoff:             backoff.DefaultPolicy(),
	}
}

// outcomeWindow keeps the most recent attempt outcomes for the quality
// score. Not safe for concurrent use on its own.
type outcomeWindow struct {
	outcomes []bool
	size     int
}

func (w *outcomeWindow) record(ok bool) {
	w.outcomes = append(w.outcomes, ok)
	if len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[1:]
	}
}

func (w *outcomeWindow) successRate() float64 {
	if len(w.outcomes) == 0 {
		return 1
	}
	ok := 0
	for _, o := range w.outcomes {
		if o {
			ok++
		}
	}
	return float64(ok) / float64(len(w.outcomes))
}

// Controller owns the reconnection state machine for one connection.
type Controller struct {
	cfg     Config
	connect ConnectFunc
	probe   ConnectFunc
	clk     clock.Clock

	mu             sync.RWMutex
	state          State
	window         outcomeWindow
	backoffAttempt int

	// backoffReset marks that the stale-success reset already fired for
	// the current outage, so escalation is not restarted on every failure.
	backoffReset bool
	handlers     []EventHandler
}

// New creates a Controller. probe may be nil, in which case connect is
// reused as the health check.
func New(cfg Config, connect ConnectFunc, probe ConnectFunc) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.ResetDelayAfter <= 0 {
		cfg.ResetDelayAfter = def.ResetDelayAfter
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.Backoff.Clock = cfg.Clock
	if probe == nil {
		probe = connect
	}
	return &Controller{
		cfg:     cfg,
		connect: connect,
		probe:   probe,
		clk:     cfg.Clock,
		state:   State{Phase: PhaseDisconnected},
		window:  outcomeWindow{size: 10},
	}
}

// OnEvent subscribes to controller events.
func (c *Controller) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Quality returns a score in [0,1] combining recency of the last success
// and the recent attempt success rate. Observability only.
func (c *Controller) Quality() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	recency := 0.0
	if !c.state.LastSuccessAt.IsZero() {
		age := c.clk.Now().Sub(c.state.LastSuccessAt)
		staleAfter := 2 * c.cfg.HealthCheckInterval
		if age < 0 {
			age = 0
		}
		if age < staleAfter {
			recency = 1 - float64(age)/float64(staleAfter)
		}
	}
	q := 0.5*recency + 0.5*c.window.successRate()
	metrics.ConnectionQuality.Set(q)
	return q
}

func (c *Controller) emit(ev Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	st := c.state
	c.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Interface("panic", r).Str("event", string(ev)).Msg("Reconnect event handler panicked")
				}
			}()
			h(ev, st)
		}()
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
	metrics.ConnectionPhase.Set(phaseToFloat(p))
}

func phaseToFloat(p Phase) float64 {
	switch p {
	case PhaseConnecting:
		return 1
	case PhaseConnected:
		return 2
	case PhaseReconnecting:
		return 3
	default:
		return 0
	}
}

// Run connects and keeps the connection healthy until ctx is cancelled or
// the controller abandons. Returns nil on cancellation, ErrAbandoned when
// giving up.
func (c *Controller) Run(ctx context.Context) error {
	reconnecting := false
	for {
		if err := c.connectLoop(ctx, reconnecting); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		c.healthLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// health check failed; re-enter the reconnection loop
		reconnecting = true
	}
}

// connectLoop attempts up to MaxAttempts connects with backoff between
// failures. Returns nil once connected.
func (c *Controller) connectLoop(ctx context.Context, reconnecting bool) error {
	if reconnecting {
		c.setPhase(PhaseReconnecting)
	} else {
		c.setPhase(PhaseConnecting)
	}

	started := c.clk.Now()
	elapsedLimit := 10 * c.cfg.Backoff.Max

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := c.clk.Now()
		c.mu.Lock()
		c.state.AttemptCount++
		c.state.LastAttemptAt = now
		c.state.NextAttemptAt = time.Time{}
		c.mu.Unlock()
		c.emit(EventAttempting)

		err := c.attempt(ctx, c.connect)
		if err == nil {
			c.mu.Lock()
			c.state.ConsecutiveFailures = 0
			c.state.LastSuccessAt = c.clk.Now()
			c.state.BackoffDelayMs = 0
			c.backoffReset = false
			c.window.record(true)
			c.mu.Unlock()
			metrics.ReconnectAttempts.WithLabelValues("succeeded").Inc()
			c.setPhase(PhaseConnected)
			c.emit(EventSucceeded)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now = c.clk.Now()
		c.mu.Lock()
		c.state.ConsecutiveFailures++
		c.window.record(false)

		// A stable connection before this failure restarts the backoff
		// escalation from its initial delay. LastSuccessAt stays intact
		// so the state snapshot and quality score keep the real history.
		if !c.backoffReset && !c.state.LastSuccessAt.IsZero() && now.Sub(c.state.LastSuccessAt) > c.cfg.ResetDelayAfter {
			c.backoffAttempt = 0
			c.backoffReset = true
		}
		c.backoffAttempt++
		delay := c.cfg.Backoff.JitteredDelay(c.backoffAttempt)
		c.state.BackoffDelayMs = delay.Milliseconds()
		c.state.NextAttemptAt = now.Add(delay)
		failures := c.state.ConsecutiveFailures
		c.mu.Unlock()

		metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
		logging.Warn().
			Err(err).
			Int("consecutive_failures", failures).
			Dur("next_delay", delay).
			Msg("Connection attempt failed")
		c.emit(EventFailed)

		if failures >= c.cfg.MaxAttempts || c.clk.Now().Sub(started) > elapsedLimit {
			c.setPhase(PhaseDisconnected)
			metrics.ReconnectAttempts.WithLabelValues("abandoned").Inc()
			c.emit(EventAbandoned)
			return ErrAbandoned
		}

		if err := c.clk.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// attempt races one connect call against the connect timeout.
func (c *Controller) attempt(ctx context.Context, fn ConnectFunc) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(attemptCtx) }()

	select {
	case err := <-done:
		return err
	case <-c.clk.After(c.cfg.ConnectTimeout):
		cancel()
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// healthLoop probes the connection on the configured interval and returns
// when a probe fails or ctx is cancelled.
func (c *Controller) healthLoop(ctx context.Context) {
	for {
		if err := c.clk.Sleep(ctx, c.cfg.HealthCheckInterval); err != nil {
			return
		}

		if err := c.attempt(ctx, c.probe); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ReconnectAttempts.WithLabelValues("health_check_failed").Inc()
			logging.Warn().Err(err).Msg("Health check failed, reconnecting")
			c.emit(EventHealthCheckFailed)
			return
		}

		c.mu.Lock()
		c.state.LastSuccessAt = c.clk.Now()
		c.window.record(true)
		c.mu.Unlock()
	}
}
