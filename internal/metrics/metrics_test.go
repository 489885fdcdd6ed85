// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCircuitBreakerMetrics(t *testing.T) {
	CircuitBreakerState.WithLabelValues("transport").Set(2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("transport")); got != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", got)
	}

	before := testutil.ToFloat64(CircuitBreakerTransitions.WithLabelValues("transport", "closed", "open"))
	CircuitBreakerTransitions.WithLabelValues("transport", "closed", "open").Inc()
	after := testutil.ToFloat64(CircuitBreakerTransitions.WithLabelValues("transport", "closed", "open"))
	if after != before+1 {
		t.Errorf("CircuitBreakerTransitions = %v, want %v", after, before+1)
	}
}

func TestQueueGauges(t *testing.T) {
	MessageQueueDepth.Set(17)
	if got := testutil.ToFloat64(MessageQueueDepth); got != 17 {
		t.Errorf("MessageQueueDepth = %v, want 17", got)
	}

	OfflineQueueDepth.Set(4)
	if got := testutil.ToFloat64(OfflineQueueDepth); got != 4 {
		t.Errorf("OfflineQueueDepth = %v, want 4", got)
	}
}

func TestRecordClusterComputation(t *testing.T) {
	RecordClusterComputation(5*time.Millisecond, 3, 12)

	if got := testutil.ToFloat64(ClustersComputed); got != 3 {
		t.Errorf("ClustersComputed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(VisibleVehicles); got != 12 {
		t.Errorf("VisibleVehicles = %v, want 12", got)
	}
	if n := testutil.CollectAndCount(ClusterComputeDuration); n != 1 {
		t.Errorf("ClusterComputeDuration collected %d series, want 1", n)
	}
}

func TestPositionOutcomeCounter(t *testing.T) {
	before := testutil.ToFloat64(PositionUpdates.WithLabelValues("stale"))
	PositionUpdates.WithLabelValues("stale").Inc()
	if got := testutil.ToFloat64(PositionUpdates.WithLabelValues("stale")); got != before+1 {
		t.Errorf("PositionUpdates(stale) = %v, want %v", got, before+1)
	}
}
