// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package metrics exposes Prometheus instrumentation for the live-tracking
// pipeline: circuit breaker state, reconnection behaviour, message queues,
// the offline durable queue, hub fan-out and cluster computation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total requests through the circuit breaker by outcome",
		},
		[]string{"name", "outcome"}, // "success", "failure", "rejected", "fallback"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive unexpected failures",
		},
		[]string{"name"},
	)

	// Reconnection metrics
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconnect_attempts_total",
			Help: "Total connection attempts by outcome",
		},
		[]string{"outcome"}, // "succeeded", "failed", "abandoned", "health_check_failed"
	)

	ConnectionQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connection_quality",
			Help: "Connection quality score in [0,1] from success recency and failure rate",
		},
	)

	ConnectionPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connection_phase",
			Help: "Connection phase (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	// Message optimizer metrics
	MessageQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "message_queue_depth",
			Help: "Current number of messages in the outbound priority queue",
		},
	)

	MessageQueueEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_queue_evictions_total",
			Help: "Messages evicted from the full outbound queue",
		},
		[]string{"reason"}, // "low_priority", "oldest"
	)

	MessagesCompressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_compressed_total",
			Help: "Outbound payloads compressed before send",
		},
	)

	MessageDecompressionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "message_decompression_failures_total",
			Help: "Inbound messages dropped because decompression failed",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages sent by priority",
		},
		[]string{"priority"},
	)

	// Offline durable queue metrics
	OfflineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_queue_depth",
			Help: "Entries currently persisted in the offline durable queue",
		},
	)

	OfflineQueueReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_queue_replayed_total",
			Help: "Offline queue entries replayed by outcome",
		},
		[]string{"outcome"}, // "sent", "failed"
	)

	OfflineQueuePersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_queue_persist_failures_total",
			Help: "Failures to persist offline queue entries (best-effort durability)",
		},
	)

	// Position pipeline metrics
	PositionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "position_updates_total",
			Help: "Position updates applied to the spatial index by outcome",
		},
		[]string{"outcome"}, // "applied", "stale", "invalid", "removed"
	)

	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeats_sent_total",
			Help: "Heartbeat pings sent while connected",
		},
	)

	// Hub metrics
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_clients",
			Help: "Currently connected websocket clients",
		},
	)

	HubBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Messages fanned out to hub clients",
		},
	)

	HubDroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_dropped_messages_total",
			Help: "Messages dropped because a client send buffer was full",
		},
	)

	// Cluster engine metrics
	ClusterComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluster_compute_duration_seconds",
			Help:    "Duration of cluster recomputation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	ClustersComputed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clusters_computed",
			Help: "Cluster count produced by the most recent recomputation",
		},
	)

	VisibleVehicles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "visible_vehicles",
			Help: "Vehicles inside the current viewport",
		},
	)

	// HTTP metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordClusterComputation records one cluster recomputation pass.
func RecordClusterComputation(d time.Duration, clusters, visible int) {
	ClusterComputeDuration.Observe(d.Seconds())
	ClustersComputed.Set(float64(clusters))
	VisibleVehicles.Set(float64(visible))
}
