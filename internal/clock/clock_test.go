// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package clock

import (
	"context"
	"testing"
	"time"
)

func TestFake_AdvanceReleasesWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	ch := fc.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("waiter released before Advance")
	default:
	}

	fc.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter released before deadline")
	default:
	}

	fc.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("waiter time = %v, want %v", got, start.Add(5*time.Second))
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released after deadline")
	}
}

func TestFake_SleepCanceled(t *testing.T) {
	t.Parallel()

	fc := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fc.Sleep(ctx, time.Minute) }()

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Sleep err = %v, want context.Canceled", err)
	}
}

func TestFake_ZeroDurationImmediate(t *testing.T) {
	t.Parallel()

	fc := NewFake(time.Unix(100, 0))
	select {
	case <-fc.After(0):
	default:
		t.Error("After(0) should fire immediately")
	}
	if n := fc.PendingWaiters(); n != 0 {
		t.Errorf("PendingWaiters = %d, want 0", n)
	}
}

func TestReal_SleepRespectsContext(t *testing.T) {
	t.Parallel()

	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Hour); err == nil {
		t.Error("Sleep with canceled context should return an error")
	}
}
