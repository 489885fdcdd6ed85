// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package main is a driver-side simulator. It walks a simulated GPS
// source along a waypoint loop and publishes position updates to a
// Transitus server through the resilient transport session, exercising
// the same reconnect, breaker and offline-queue paths a real driver
// app would.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/transitus/transitus/internal/backoff"
	"github.com/transitus/transitus/internal/breaker"
	"github.com/transitus/transitus/internal/config"
	"github.com/transitus/transitus/internal/gps"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/offline"
	"github.com/transitus/transitus/internal/reconnect"
	"github.com/transitus/transitus/internal/signals"
	"github.com/transitus/transitus/internal/tracker"
	"github.com/transitus/transitus/internal/transport"
)

// defaultLoop is a small campus circuit used when no waypoint file is
// given.
var defaultLoop = []gps.Waypoint{
	{Lat: 40.0015, Lng: -74.0010},
	{Lat: 40.0042, Lng: -74.0010},
	{Lat: 40.0042, Lng: -73.9965},
	{Lat: 40.0015, Lng: -73.9965},
}

func main() {
	var (
		serverURL = flag.String("server", "", "websocket URL of the Transitus server (overrides config)")
		vehicleID = flag.String("vehicle", "", "vehicle ID (overrides config)")
		routeID   = flag.String("route", "", "route ID (overrides config)")
		waypoints = flag.String("waypoints", "", "path to a JSON array of {lat,lng} waypoints")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	if *serverURL != "" {
		cfg.Transport.ServerURL = *serverURL
	}
	if *vehicleID != "" {
		cfg.Tracker.VehicleID = *vehicleID
	}
	if *routeID != "" {
		cfg.Tracker.RouteID = *routeID
	}
	if cfg.Transport.ServerURL == "" {
		logging.Fatal().Msg("No server URL configured (use -server or TRANSITUS_TRANSPORT_SERVER_URL)")
	}
	if cfg.Tracker.VehicleID == "" {
		logging.Fatal().Msg("No vehicle ID configured (use -vehicle or TRANSITUS_TRACKER_VEHICLE_ID)")
	}

	loop := defaultLoop
	if *waypoints != "" {
		loop, err = loadWaypoints(*waypoints)
		if err != nil {
			logging.Fatal().Err(err).Str("path", *waypoints).Msg("Failed to load waypoints")
		}
	}

	store, err := openStore(cfg.Offline.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open offline queue")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing offline queue")
		}
	}()

	src := signals.NewSource()
	session := transport.NewSession(sessionConfig(&cfg.Transport),
		transport.WebsocketDialer(cfg.Transport.ServerURL, nil), store, src)

	source := &gps.SimulatedSource{
		Waypoints: loop,
		SpeedMps:  8.33,
	}
	trk := tracker.New(tracker.Config{
		VehicleID:         cfg.Tracker.VehicleID,
		RouteID:           cfg.Tracker.RouteID,
		MinDeltaMeters:    cfg.Tracker.MinDeltaMeters,
		MaxSilence:        cfg.Tracker.MaxSilence,
		MaxAccuracyM:      cfg.Tracker.MaxAccuracyM,
		MaxSendsPerSecond: cfg.Tracker.MaxSendsPerSecond,
	}, session, source)

	logging.Info().
		Str("server_url", cfg.Transport.ServerURL).
		Str("vehicle_id", cfg.Tracker.VehicleID).
		Str("route_id", cfg.Tracker.RouteID).
		Int("waypoints", len(loop)).
		Msg("Starting driver simulator")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Transport session stopped")
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := trk.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Tracker stopped")
			cancel()
		}
	}()
	wg.Wait()

	logging.Info().Msg("Driver simulator stopped")
}

func sessionConfig(tc *config.TransportConfig) transport.Config {
	cfg := transport.DefaultConfig()
	cfg.HeartbeatInterval = tc.HeartbeatInterval
	cfg.CompressThreshold = tc.CompressThreshold
	cfg.MaxQueueSize = tc.MaxQueueSize
	cfg.Breaker = breaker.Config{
		Name:             "transport",
		FailureThreshold: tc.FailureThreshold,
		ResetTimeout:     tc.ResetTimeout,
	}
	cfg.Reconnect = reconnect.Config{
		MaxAttempts:         tc.MaxAttempts,
		ConnectTimeout:      tc.ConnectTimeout,
		HealthCheckInterval: tc.HealthCheckInterval,
		ResetDelayAfter:     tc.ResetDelayAfter,
		Backoff: backoff.Policy{
			Initial:    tc.BackoffInitial,
			Max:        tc.BackoffMax,
			Multiplier: tc.BackoffMultiplier,
			Jitter:     tc.BackoffJitter,
		},
	}
	return cfg
}

func openStore(path string) (offline.Queue, error) {
	if path == "" {
		logging.Info().Msg("No offline queue path configured, using in-memory queue")
		return offline.NewMemoryQueue(), nil
	}
	return offline.Open(path)
}

func loadWaypoints(path string) ([]gps.Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wps []gps.Waypoint
	if err := json.Unmarshal(data, &wps); err != nil {
		return nil, err
	}
	return wps, nil
}
