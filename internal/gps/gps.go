// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package gps abstracts the source of position fixes for a driver client.
// Production builds wrap a platform location service; the simulator walks
// a route of waypoints at a configurable speed.
package gps

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/geo"
)

// Fix is one GPS reading.
type Fix struct {
	Lat       float64
	Lng       float64
	Heading   float64
	SpeedMps  float64
	AccuracyM float64
	At        time.Time
}

// Source delivers a stream of fixes. Watch blocks until ctx is cancelled
// or the source fails; fixes are sent on the returned channel, which is
// closed when the stream ends.
type Source interface {
	Watch(ctx context.Context) (<-chan Fix, error)
}

// ErrNoWaypoints is returned when a simulated route has fewer than two
// waypoints.
var ErrNoWaypoints = errors.New("gps: route needs at least two waypoints")

// Waypoint is a point on a simulated route.
type Waypoint struct {
	Lat float64 `json:"lat" koanf:"lat"`
	Lng float64 `json:"lng" koanf:"lng"`
}

// SimulatedSource walks a closed loop over a list of waypoints, emitting a
// fix per interval with slight positional noise.
type SimulatedSource struct {
	Waypoints []Waypoint
	SpeedMps  float64
	Interval  time.Duration
	AccuracyM float64
	Clock     clock.Clock
	Rand      *rand.Rand
}

// Watch starts the walk. The stream ends when ctx is cancelled.
func (s *SimulatedSource) Watch(ctx context.Context) (<-chan Fix, error) {
	if len(s.Waypoints) < 2 {
		return nil, ErrNoWaypoints
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.33
	}

	out := make(chan Fix)
	go func() {
		defer close(out)

		seg := 0
		lat, lng := s.Waypoints[0].Lat, s.Waypoints[0].Lng
		for {
			target := s.Waypoints[(seg+1)%len(s.Waypoints)]
			remaining := geo.DistanceMeters(lat, lng, target.Lat, target.Lng)
			step := speed * interval.Seconds()

			if remaining <= step || remaining == 0 {
				lat, lng = target.Lat, target.Lng
				seg = (seg + 1) % len(s.Waypoints)
			} else {
				frac := step / remaining
				lat += (target.Lat - lat) * frac
				lng += (target.Lng - lng) * frac
			}

			fix := Fix{
				Lat:       lat,
				Lng:       lng,
				Heading:   headingDegrees(lat, lng, target.Lat, target.Lng),
				SpeedMps:  speed,
				AccuracyM: s.AccuracyM,
				At:        clk.Now(),
			}
			if s.Rand != nil {
				// noise within the stated accuracy radius
				noise := s.AccuracyM / 111000.0
				fix.Lat += (s.Rand.Float64()*2 - 1) * noise
				fix.Lng += (s.Rand.Float64()*2 - 1) * noise
			}

			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}

			if err := clk.Sleep(ctx, interval); err != nil {
				return
			}
		}
	}()
	return out, nil
}

// headingDegrees returns the initial bearing from the current point to the
// target in compass degrees.
func headingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLng := (lng2 - lng1) * rad
	y := math.Sin(dLng) * math.Cos(lat2*rad)
	x := math.Cos(lat1*rad)*math.Sin(lat2*rad) -
		math.Sin(lat1*rad)*math.Cos(lat2*rad)*math.Cos(dLng)
	deg := math.Atan2(y, x) / rad
	return math.Mod(deg+360, 360)
}
