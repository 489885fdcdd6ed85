// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")
var errNotFound = errors.New("not found")

func newTestBreaker(t *testing.T, threshold uint32, resetTimeout time.Duration) *Breaker {
	t.Helper()
	return New(Config{
		Name:             t.Name(),
		FailureThreshold: threshold,
		ResetTimeout:     resetTimeout,
		IsExpected: func(err error) bool {
			return errors.Is(err, errNotFound)
		},
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: got %v, want %v", i, err, errBoom)
		}
	}

	if !b.Open() {
		t.Fatal("circuit should be open after threshold failures")
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("operation must not run while circuit is open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 3, time.Minute)

	// two failures, then a success, then two more failures: never trips
	for _, fail := range []bool{true, true, false, true, true} {
		b.Do(func() error {
			if fail {
				return errBoom
			}
			return nil
		})
	}

	if b.Open() {
		t.Error("circuit should remain closed when failures are not consecutive")
	}
}

func TestBreakerExpectedErrorsPassThrough(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 2, time.Minute)

	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { return errNotFound }); !errors.Is(err, errNotFound) {
			t.Fatalf("got %v, want %v", err, errNotFound)
		}
	}

	if b.Open() {
		t.Error("expected errors must not trip the circuit")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 2, 50*time.Millisecond)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	if !b.Open() {
		t.Fatal("circuit should be open")
	}

	// gobreaker's reset timeout runs on real time
	time.Sleep(80 * time.Millisecond)

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if b.Open() {
		t.Error("circuit should close after successful probe")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 2, 50*time.Millisecond)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	time.Sleep(80 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want %v", err, errBoom)
	}
	if !b.Open() {
		t.Error("circuit should reopen after failed probe")
	}
}

func TestBreakerFallback(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 1, time.Minute)

	b.Do(func() error { return errBoom })
	if !b.Open() {
		t.Fatal("circuit should be open")
	}

	fallbackRan := false
	err := b.DoWithFallback(
		func() error { return nil },
		func(err error) error {
			if !errors.Is(err, ErrCircuitOpen) {
				t.Errorf("fallback got %v, want ErrCircuitOpen", err)
			}
			fallbackRan = true
			return nil
		},
	)
	if err != nil {
		t.Errorf("fallback result = %v, want nil", err)
	}
	if !fallbackRan {
		t.Error("fallback did not run")
	}
}

func TestBreakerStateSnapshot(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t, 2, time.Minute)

	st := b.State()
	if st.Status != "closed" {
		t.Errorf("Status = %q, want closed", st.Status)
	}

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	st = b.State()
	if st.Status != "open" {
		t.Errorf("Status = %q, want open", st.Status)
	}
	if st.NextProbeAt.IsZero() {
		t.Error("NextProbeAt should be set while open")
	}
	if got := st.NextProbeAt.Sub(st.LastTransition); got != time.Minute {
		t.Errorf("probe delay = %v, want 1m", got)
	}
}

func TestBreakerOnStateChangeCallback(t *testing.T) {
	t.Parallel()

	var transitions []string
	b := New(Config{
		Name:             t.Name(),
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(_ string, from, to string) {
			transitions = append(transitions, from+">"+to)
		},
	})

	b.Do(func() error { return errBoom })

	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Errorf("transitions = %v, want [closed>open]", transitions)
	}
}
