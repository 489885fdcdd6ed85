// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/transitus/transitus/internal/geo"
	"github.com/transitus/transitus/internal/hub"
	"github.com/transitus/transitus/internal/models"
	"github.com/transitus/transitus/internal/spatial"
)

// Handler holds the dependencies shared by all endpoints.
type Handler struct {
	index     *spatial.Index
	hub       *hub.Hub
	startTime time.Time
}

// NewHandler creates the API handler over the spatial index and hub.
func NewHandler(index *spatial.Index, h *hub.Hub) *Handler {
	return &Handler{
		index:     index,
		hub:       h,
		startTime: time.Now(),
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// HealthReady reports readiness to serve traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"vehicles": h.index.Size(),
		"clients":  h.hub.ClientCount(),
	})
}

// Vehicles returns the latest known position of every tracked vehicle,
// ordered by vehicle ID.
func (h *Handler) Vehicles(w http.ResponseWriter, r *http.Request) {
	vehicles := h.index.All()
	respondList(w, r, vehicles, len(vehicles))
}

// Vehicle returns the latest position of a single vehicle.
func (h *Handler) Vehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "vehicleID")
	pos, ok := h.index.Latest(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound,
			fmt.Sprintf("vehicle %q not found", id))
		return
	}
	respondJSON(w, r, http.StatusOK, pos)
}

// Clusters computes zoom-dependent clusters for the viewport given in
// query parameters (min_lng, min_lat, max_lng, max_lat, zoom).
func (h *Handler) Clusters(w http.ResponseWriter, r *http.Request) {
	vp, err := parseViewport(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	clusters := h.index.ClustersIn(vp)
	respondList(w, r, clusters, len(clusters))
}

// ETA estimates arrival of a vehicle at the target point given by
// lat/lng query parameters.
func (h *Handler) ETA(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "vehicleID")
	pos, ok := h.index.Latest(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound,
			fmt.Sprintf("vehicle %q not found", id))
		return
	}

	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	lng, err := parseFloatParam(r, "lng")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	eta, err := geo.EstimateETA(pos, lat, lng)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	respondJSON(w, r, http.StatusOK, eta)
}

// IngestPosition accepts a position update over plain HTTP for trackers
// that cannot hold a websocket open. The update flows through the same
// hub path as websocket traffic.
func (h *Handler) IngestPosition(w http.ResponseWriter, r *http.Request) {
	var pos models.PositionUpdate
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"invalid position payload")
		return
	}
	if pos.VehicleID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"vehicleId is required")
		return
	}

	if err := h.hub.BroadcastPosition(pos); err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to broadcast position")
		return
	}
	respondJSON(w, r, http.StatusAccepted, map[string]string{
		"vehicleId": pos.VehicleID,
		"status":    "accepted",
	})
}

// WebSocket upgrades the connection and hands it to the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	hub.ServeWS(h.hub, w, r)
}

func parseViewport(r *http.Request) (models.Viewport, error) {
	minLng, err := parseFloatParam(r, "min_lng")
	if err != nil {
		return models.Viewport{}, err
	}
	minLat, err := parseFloatParam(r, "min_lat")
	if err != nil {
		return models.Viewport{}, err
	}
	maxLng, err := parseFloatParam(r, "max_lng")
	if err != nil {
		return models.Viewport{}, err
	}
	maxLat, err := parseFloatParam(r, "max_lat")
	if err != nil {
		return models.Viewport{}, err
	}
	zoom, err := parseFloatParam(r, "zoom")
	if err != nil {
		return models.Viewport{}, err
	}

	if minLng > maxLng || minLat > maxLat {
		return models.Viewport{}, fmt.Errorf("viewport bounds are inverted")
	}

	return models.Viewport{
		Bounds: [2][2]float64{{minLng, minLat}, {maxLng, maxLat}},
		Zoom:   zoom,
		Center: [2]float64{(minLat + maxLat) / 2, (minLng + maxLng) / 2},
	}, nil
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing query parameter %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %q: %s", name, raw)
	}
	return v, nil
}
