// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package services

import (
	"context"
	"testing"
	"time"

	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/models"
	"github.com/transitus/transitus/internal/spatial"
)

func TestSweepRemovesStaleVehicles(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	idx := spatial.NewIndex(fc)
	idx.Apply(models.PositionUpdate{
		VehicleID:    "bus-1",
		Lat:          40.0,
		Lng:          -74.0,
		IsActive:     true,
		CapturedAtMs: fc.Now().UnixMilli(),
	})

	svc := NewSweepService(idx, 30*time.Second, 2*time.Minute, fc)
	removedCh := make(chan []string, 1)
	svc.Notify = func(ids []string) {
		select {
		case removedCh <- ids:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Serve(ctx)
		close(done)
	}()

	// Let the sweeper reach its first sleep, then push the clock past
	// the staleness cutoff and through several sweep intervals.
	deadline := time.After(2 * time.Second)
	for fc.PendingWaiters() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never slept")
		case <-time.After(time.Millisecond):
		}
	}
	for i := 0; i < 6; i++ {
		fc.Advance(30 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}

	sizeDeadline := time.After(2 * time.Second)
	for idx.Size() != 0 {
		select {
		case <-sizeDeadline:
			t.Fatalf("stale vehicle not removed, size = %d", idx.Size())
		case <-time.After(time.Millisecond):
		}
	}

	select {
	case ids := <-removedCh:
		if len(ids) != 1 || ids[0] != "bus-1" {
			t.Errorf("notified ids = %v, want [bus-1]", ids)
		}
	case <-time.After(time.Second):
		t.Error("removal notification not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSweepServiceDefaults(t *testing.T) {
	t.Parallel()

	svc := NewSweepService(spatial.NewIndex(nil), 0, 0, nil)
	if svc.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", svc.interval)
	}
	if svc.staleable != 2*time.Minute {
		t.Errorf("staleAfter = %v, want 2m", svc.staleable)
	}
}
