// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package signals models the runtime signals a tracking client reacts to:
// network online/offline transitions and foreground/background visibility.
// Producers (platform glue, simulators, tests) push states through a
// Source; consumers subscribe for change notifications.
package signals

import (
	"sync"

	"github.com/transitus/transitus/internal/logging"
)

// NetworkState is the perceived network reachability.
type NetworkState int

const (
	NetworkOnline NetworkState = iota
	NetworkOffline
)

func (s NetworkState) String() string {
	if s == NetworkOffline {
		return "offline"
	}
	return "online"
}

// Visibility is whether the client UI is in the foreground.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityHidden
)

func (v Visibility) String() string {
	if v == VisibilityHidden {
		return "hidden"
	}
	return "visible"
}

// NetworkHandler receives network state transitions.
type NetworkHandler func(NetworkState)

// VisibilityHandler receives visibility transitions.
type VisibilityHandler func(Visibility)

// Source fans out signal transitions to subscribers. Handlers run on the
// publisher's goroutine; a panicking handler is isolated from the rest.
type Source struct {
	mu         sync.RWMutex
	network    NetworkState
	visibility Visibility
	netSubs    []NetworkHandler
	visSubs    []VisibilityHandler
}

// NewSource creates a Source starting online and visible.
func NewSource() *Source {
	return &Source{}
}

// Network returns the current network state.
func (s *Source) Network() NetworkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.network
}

// Visibility returns the current visibility.
func (s *Source) Visibility() Visibility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibility
}

// OnNetwork subscribes to network transitions.
func (s *Source) OnNetwork(h NetworkHandler) {
	s.mu.Lock()
	s.netSubs = append(s.netSubs, h)
	s.mu.Unlock()
}

// OnVisibility subscribes to visibility transitions.
func (s *Source) OnVisibility(h VisibilityHandler) {
	s.mu.Lock()
	s.visSubs = append(s.visSubs, h)
	s.mu.Unlock()
}

// SetNetwork publishes a network transition. No-op if unchanged.
func (s *Source) SetNetwork(state NetworkState) {
	s.mu.Lock()
	if s.network == state {
		s.mu.Unlock()
		return
	}
	s.network = state
	subs := make([]NetworkHandler, len(s.netSubs))
	copy(subs, s.netSubs)
	s.mu.Unlock()

	logging.Info().Str("network", state.String()).Msg("Network state changed")
	for _, h := range subs {
		invokeNetwork(h, state)
	}
}

// SetVisibility publishes a visibility transition. No-op if unchanged.
func (s *Source) SetVisibility(v Visibility) {
	s.mu.Lock()
	if s.visibility == v {
		s.mu.Unlock()
		return
	}
	s.visibility = v
	subs := make([]VisibilityHandler, len(s.visSubs))
	copy(subs, s.visSubs)
	s.mu.Unlock()

	logging.Debug().Str("visibility", v.String()).Msg("Visibility changed")
	for _, h := range subs {
		invokeVisibility(h, v)
	}
}

func invokeNetwork(h NetworkHandler, state NetworkState) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("Network handler panicked")
		}
	}()
	h(state)
}

func invokeVisibility(h VisibilityHandler, v Visibility) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("Visibility handler panicked")
		}
	}()
	h(v)
}
