// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package main is the entry point for the Transitus server.
//
// The server ingests live bus positions over websocket and HTTP, keeps
// the latest fix per vehicle in an R-tree index, rebroadcasts updates
// to map clients, and serves REST endpoints for vehicles, clusters and
// ETA estimates. All long-lived components run under a suture
// supervisor tree so a crash in one layer restarts only that layer.
//
// Configuration is loaded via koanf with layered sources (highest
// priority wins): environment variables with the TRANSITUS_ prefix, an
// optional config.yaml, and built-in defaults.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transitus/transitus/internal/api"
	"github.com/transitus/transitus/internal/config"
	"github.com/transitus/transitus/internal/hub"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/message"
	"github.com/transitus/transitus/internal/spatial"
	"github.com/transitus/transitus/internal/supervisor"
	"github.com/transitus/transitus/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	logging.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Dur("stale_after", cfg.Hub.StaleAfter).
		Strs("allowed_origins", cfg.Server.AllowedOrigins).
		Msg("Starting Transitus server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	index := spatial.NewIndex(nil)
	codec := &message.Codec{CompressThreshold: cfg.Transport.CompressThreshold}
	wsHub := hub.New(index, codec)

	handler := api.NewHandler(index, wsHub)
	router := api.NewRouter(handler, &cfg.Server)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	tree.AddRealtimeService(wsHub)
	sweeper := services.NewSweepService(
		index, cfg.Hub.ExpireInterval, cfg.Hub.StaleAfter, nil)
	sweeper.Notify = wsHub.BroadcastRemovals
	tree.AddRealtimeService(sweeper)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}
