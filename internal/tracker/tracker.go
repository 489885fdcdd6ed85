// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package tracker runs the driver-side position loop: it consumes GPS
// fixes, filters insignificant movement, throttles the send rate, and
// publishes position updates through the transport session. All state is
// owned by the single Run goroutine; external toggles go through the
// struct's mutex-guarded flags read fresh on every fix.
package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/geo"
	"github.com/transitus/transitus/internal/gps"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/message"
	"github.com/transitus/transitus/internal/models"
)

// Sender publishes messages toward the server. *transport.Session
// satisfies it.
type Sender interface {
	SendMessage(msgType string, data any, priority message.Priority) error
}

// Config tunes the tracking loop.
type Config struct {
	VehicleID string
	RouteID   string

	// MinDeltaMeters is the movement below which a fix is not worth
	// broadcasting.
	MinDeltaMeters float64
	// MaxSilence forces a broadcast even without movement, so a stopped
	// bus does not look stale.
	MaxSilence time.Duration
	// MaxAccuracyM rejects fixes with worse GPS accuracy outright.
	MaxAccuracyM float64
	// MaxSendsPerSecond caps the publish rate regardless of fix cadence.
	MaxSendsPerSecond float64

	Clock clock.Clock
}

// DefaultConfig returns production settings: 1 m movement threshold,
// 2 s staleness fallback, 100 m accuracy cutoff, 2 updates/s cap.
func DefaultConfig(vehicleID, routeID string) Config {
	return Config{
		VehicleID:         vehicleID,
		RouteID:           routeID,
		MinDeltaMeters:    1.0,
		MaxSilence:        2 * time.Second,
		MaxAccuracyM:      100,
		MaxSendsPerSecond: 2,
	}
}

// Tracker is the driver-side tracking loop for one vehicle.
type Tracker struct {
	cfg     Config
	sender  Sender
	source  gps.Source
	limiter *rate.Limiter
	clk     clock.Clock

	mu         sync.RWMutex
	paused     bool
	lastSent   gps.Fix
	lastSentAt time.Time
	hasSent    bool
}

// New creates a Tracker.
func New(cfg Config, sender Sender, source gps.Source) *Tracker {
	def := DefaultConfig(cfg.VehicleID, cfg.RouteID)
	if cfg.MinDeltaMeters <= 0 {
		cfg.MinDeltaMeters = def.MinDeltaMeters
	}
	if cfg.MaxSilence <= 0 {
		cfg.MaxSilence = def.MaxSilence
	}
	if cfg.MaxAccuracyM <= 0 {
		cfg.MaxAccuracyM = def.MaxAccuracyM
	}
	if cfg.MaxSendsPerSecond <= 0 {
		cfg.MaxSendsPerSecond = def.MaxSendsPerSecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Tracker{
		cfg:     cfg,
		sender:  sender,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSecond), 1),
		clk:     cfg.Clock,
	}
}

// SetPaused toggles location sharing. The transition itself is broadcast
// so observers see the paused flag immediately.
func (t *Tracker) SetPaused(paused bool) {
	t.mu.Lock()
	changed := t.paused != paused
	t.paused = paused
	hasSent := t.hasSent
	last := t.lastSent
	t.mu.Unlock()

	if changed && hasSent {
		t.publish(last, paused, true)
	}
}

// Paused returns the current sharing toggle.
func (t *Tracker) Paused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paused
}

// Run consumes fixes until ctx is cancelled, then synchronously publishes
// one final inactive update so observers never see a stale active marker.
func (t *Tracker) Run(ctx context.Context) error {
	fixes, err := t.source.Watch(ctx)
	if err != nil {
		return err
	}

	logging.Info().
		Str("vehicle_id", t.cfg.VehicleID).
		Str("route_id", t.cfg.RouteID).
		Msg("Tracking started")

	for {
		select {
		case <-ctx.Done():
			t.sendFinal()
			return nil
		case fix, ok := <-fixes:
			if !ok {
				t.sendFinal()
				return nil
			}
			t.handleFix(fix)
		}
	}
}

// handleFix applies the accuracy, movement and rate filters, reading the
// pause flag fresh at the moment of use.
func (t *Tracker) handleFix(fix gps.Fix) {
	if t.Paused() {
		return
	}
	if !models.ValidCoordinates(fix.Lat, fix.Lng) {
		return
	}
	if t.cfg.MaxAccuracyM > 0 && fix.AccuracyM > t.cfg.MaxAccuracyM {
		logging.Debug().Float64("accuracy_m", fix.AccuracyM).Msg("Dropping low-accuracy fix")
		return
	}

	t.mu.RLock()
	hasSent := t.hasSent
	last := t.lastSent
	lastAt := t.lastSentAt
	t.mu.RUnlock()

	if hasSent {
		moved := geo.DistanceMeters(last.Lat, last.Lng, fix.Lat, fix.Lng)
		silence := fix.At.Sub(lastAt)
		if moved < t.cfg.MinDeltaMeters && silence < t.cfg.MaxSilence {
			return
		}
	}

	if !t.limiter.Allow() {
		return
	}

	if t.publish(fix, false, true) {
		t.mu.Lock()
		t.lastSent = fix
		t.lastSentAt = fix.At
		t.hasSent = true
		t.mu.Unlock()
	}
}

// sendFinal emits the terminal inactive update.
func (t *Tracker) sendFinal() {
	t.mu.RLock()
	fix := t.lastSent
	hasSent := t.hasSent
	t.mu.RUnlock()
	if !hasSent {
		fix = gps.Fix{At: t.clk.Now()}
	}
	fix.At = t.clk.Now()
	t.publish(fix, t.Paused(), false)
	logging.Info().Str("vehicle_id", t.cfg.VehicleID).Msg("Tracking stopped")
}

func (t *Tracker) publish(fix gps.Fix, paused, active bool) bool {
	pos := models.PositionUpdate{
		VehicleID:    t.cfg.VehicleID,
		Lat:          fix.Lat,
		Lng:          fix.Lng,
		Heading:      fix.Heading,
		SpeedMps:     fix.SpeedMps,
		AccuracyM:    fix.AccuracyM,
		RouteID:      t.cfg.RouteID,
		IsActive:     active,
		IsPaused:     paused,
		CapturedAtMs: fix.At.UnixMilli(),
	}

	priority := message.PriorityHigh
	if !active {
		// The final inactive marker must survive a flaky send path.
		priority = message.PriorityCritical
	}

	if err := t.sender.SendMessage(message.TypePositionUpdate, pos, priority); err != nil {
		logging.Warn().Err(err).Str("vehicle_id", t.cfg.VehicleID).Msg("Position publish failed")
		return false
	}
	return true
}
