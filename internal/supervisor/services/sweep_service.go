// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package services

import (
	"context"
	"time"

	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/spatial"
)

// SweepService periodically removes vehicles from the spatial index
// whose last position is older than the staleness cutoff. Without it,
// a bus whose tracker died mid-route would sit on the map forever.
type SweepService struct {
	index     *spatial.Index
	interval  time.Duration
	staleable time.Duration
	clk       clock.Clock

	// Notify, when set, receives the removed vehicle IDs after each
	// sweep so clients learn about the removal instead of holding a
	// ghost marker.
	Notify func(vehicleIDs []string)
}

// NewSweepService creates a sweeper over the given index. interval
// controls how often the sweep runs, staleAfter how old a vehicle's
// last fix may be before it is dropped.
func NewSweepService(index *spatial.Index, interval, staleAfter time.Duration, clk clock.Clock) *SweepService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SweepService{
		index:     index,
		interval:  interval,
		staleable: staleAfter,
		clk:       clk,
	}
}

// Serve implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	for {
		if err := s.clk.Sleep(ctx, s.interval); err != nil {
			return err
		}
		removed := s.index.Expire(s.staleable)
		if len(removed) > 0 {
			logging.Info().
				Str("component", "sweeper").
				Strs("vehicle_ids", removed).
				Msg("removed stale vehicles")
			if s.Notify != nil {
				s.Notify(removed)
			}
		}
	}
}

// String identifies the service in suture log messages.
func (s *SweepService) String() string {
	return "stale-vehicle-sweeper"
}
