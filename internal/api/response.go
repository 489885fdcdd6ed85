// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package api provides the HTTP surface of the Transitus server: REST
// endpoints for vehicles, clusters and ETA plus the websocket upgrade
// path into the hub.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/middleware"
)

// APIResponse is the wrapper every endpoint returns, so clients get a
// consistent shape for both data and errors.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError carries a machine-readable code alongside the message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta holds response metadata.
type APIMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count,omitempty"`
}

// Error codes for API responses.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	resp := APIResponse{
		Success: status < http.StatusBadRequest,
		Data:    data,
		Meta: &APIMeta{
			RequestID: middleware.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	}
	writeResponse(w, status, resp)
}

func respondList(w http.ResponseWriter, r *http.Request, data interface{}, count int) {
	resp := APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			RequestID: middleware.GetRequestID(r.Context()),
			Timestamp: time.Now().UTC(),
			Count:     count,
		},
	}
	writeResponse(w, http.StatusOK, resp)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	resp := APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   msg,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}
	writeResponse(w, status, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Err(err).Msg("failed to encode response")
	}
}
