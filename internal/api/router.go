// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transitus/transitus/internal/config"
	"github.com/transitus/transitus/internal/middleware"
)

// Router wires handlers and middleware into the chi mux.
type Router struct {
	handler *Handler
	cfg     *config.ServerConfig
}

// NewRouter creates a router over the given handler and server config.
func NewRouter(handler *Handler, cfg *config.ServerConfig) *Router {
	return &Router{
		handler: handler,
		cfg:     cfg,
	}
}

// Setup builds the full route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.AccessLog)
	// CORS is global so OPTIONS preflight is handled everywhere. The
	// origin list comes from config; there is no wildcard fallback.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints get a permissive limit so monitoring can poll
	// frequently without tripping the API limiter.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/healthz", router.handler.HealthLive)
		r.Get("/readyz", router.handler.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.rateLimit(), time.Minute))
		r.Use(middleware.PrometheusMetrics)

		// The websocket path must stay outside the compression wrapper.
		r.Get("/ws", router.handler.WebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compression)
			r.Get("/vehicles", router.handler.Vehicles)
			r.Get("/vehicles/{vehicleID}", router.handler.Vehicle)
			r.Get("/vehicles/{vehicleID}/eta", router.handler.ETA)
			r.Get("/clusters", router.handler.Clusters)
			r.Post("/positions", router.handler.IngestPosition)
		})
	})

	return r
}

func (router *Router) rateLimit() int {
	if router.cfg.RateLimit > 0 {
		return router.cfg.RateLimit
	}
	return 300
}
