// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package breaker wraps sony/gobreaker with the failure semantics the
// live-tracking transport needs: expected application errors (not found,
// forbidden) pass through without tripping the circuit, while transport
// failures count toward a consecutive-failure threshold.
package breaker

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/metrics"
)

// ErrCircuitOpen is returned when the circuit rejects a call without
// attempting it. Callers distinguish it from operation errors to decide
// whether to queue for later replay.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is a point-in-time snapshot of the circuit.
type State struct {
	Name                string    `json:"name"`
	Status              string    `json:"status"` // "closed", "half-open", "open"
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	TotalFailures       uint32    `json:"totalFailures"`
	TotalSuccesses      uint32    `json:"totalSuccesses"`
	LastTransition      time.Time `json:"lastTransition"`
	NextProbeAt         time.Time `json:"nextProbeAt,omitempty"`
}

// Config controls trip and recovery behaviour.
type Config struct {
	// Name labels the circuit in logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive unexpected failures
	// that opens the circuit.
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before allowing a
	// single half-open probe.
	ResetTimeout time.Duration
	// IsExpected reports whether an error is an application-level outcome
	// that should pass through without counting as a failure. May be nil.
	IsExpected func(error) bool
	// Clock supplies time for the NextProbeAt snapshot field. Defaults to
	// the real clock. The underlying gobreaker timeout always uses real
	// time.
	Clock clock.Clock
	// OnStateChange is invoked after each transition, outside any lock.
	// May be nil.
	OnStateChange func(name string, from, to string)
}

// DefaultConfig returns the production configuration: open after 5
// consecutive failures, probe after 30 seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker protects an unreliable dependency behind a circuit.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker[any]
	cfg Config

	mu             sync.RWMutex
	lastTransition time.Time
	nextProbeAt    time.Time
}

// New creates a Breaker from cfg. Zero-valued threshold and timeout fall
// back to DefaultConfig values.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	b := &Breaker{cfg: cfg, lastTransition: cfg.Clock.Now()}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(cfg.Name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.ResetTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= cfg.FailureThreshold
			if trip {
				logging.Warn().
					Str("breaker", cfg.Name).
					Uint32("consecutive_failures", counts.ConsecutiveFailures).
					Msg("Opening circuit")
			}
			return trip
		},

		// Expected application errors count as successes so they never
		// trip the circuit, but the error is still returned to the caller.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return cfg.IsExpected != nil && cfg.IsExpected(err)
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().
				Str("breaker", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Circuit state transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}

			now := cfg.Clock.Now()
			b.mu.Lock()
			b.lastTransition = now
			if to == gobreaker.StateOpen {
				b.nextProbeAt = now.Add(cfg.ResetTimeout)
			} else {
				b.nextProbeAt = time.Time{}
			}
			b.mu.Unlock()

			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromStr, toStr)
			}
		},
	})

	return b
}

// Do runs op through the circuit. When the circuit is open the call is
// rejected with ErrCircuitOpen without invoking op. Expected errors pass
// through unchanged and do not count against the threshold.
func (b *Breaker) Do(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		metrics.CircuitBreakerRequests.WithLabelValues(b.cfg.Name, "success").Inc()
		metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.cfg.Name).Set(0)
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRequests.WithLabelValues(b.cfg.Name, "rejected").Inc()
		return ErrCircuitOpen
	}

	if b.cfg.IsExpected != nil && b.cfg.IsExpected(err) {
		// Counted as success by IsSuccessful; report success for metrics
		// since the dependency is healthy.
		metrics.CircuitBreakerRequests.WithLabelValues(b.cfg.Name, "success").Inc()
		return err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.cfg.Name, "failure").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.cfg.Name).Set(float64(b.cb.Counts().ConsecutiveFailures))
	return err
}

// DoWithFallback runs op through the circuit and invokes fallback when the
// call is rejected or fails with an unexpected error. The fallback result
// replaces the original error.
func (b *Breaker) DoWithFallback(op func() error, fallback func(error) error) error {
	err := b.Do(op)
	if err == nil {
		return nil
	}
	if b.cfg.IsExpected != nil && b.cfg.IsExpected(err) {
		return err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.cfg.Name, "fallback").Inc()
	return fallback(err)
}

// State returns a snapshot of the circuit for health reporting.
func (b *Breaker) State() State {
	counts := b.cb.Counts()

	b.mu.RLock()
	lastTransition := b.lastTransition
	nextProbeAt := b.nextProbeAt
	b.mu.RUnlock()

	return State{
		Name:                b.cfg.Name,
		Status:              stateToString(b.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
		LastTransition:      lastTransition,
		NextProbeAt:         nextProbeAt,
	}
}

// Open reports whether calls would currently be rejected.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
