// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transitus/transitus/internal/backoff"
	"github.com/transitus/transitus/internal/clock"
)

func testConfig(fc *clock.Fake, maxAttempts int) Config {
	return Config{
		MaxAttempts:         maxAttempts,
		ConnectTimeout:      10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ResetDelayAfter:     60 * time.Second,
		Backoff: backoff.Policy{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0,
			Clock:      fc,
		},
		Clock: fc,
	}
}

// driveClock advances the fake clock until done closes, so state machine
// sleeps and timeouts fire without real waiting.
func driveClock(fc *clock.Fake, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			fc.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event, _ State) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func TestAbandonsAfterExactlyMaxAttempts(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	var attempts atomic.Int32
	connect := func(context.Context) error {
		attempts.Add(1)
		return errors.New("refused")
	}

	c := New(testConfig(fc, 3), connect, nil)
	log := &eventLog{}
	c.OnEvent(log.record)

	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = c.Run(context.Background())
		close(done)
	}()
	driveClock(fc, done)

	if !errors.Is(runErr, ErrAbandoned) {
		t.Fatalf("Run = %v, want ErrAbandoned", runErr)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("connect called %d times, want exactly 3", got)
	}

	events := log.snapshot()
	if len(events) == 0 || events[len(events)-1] != EventAbandoned {
		t.Errorf("events = %v, want abandoned last", events)
	}

	st := c.State()
	if st.Phase != PhaseDisconnected {
		t.Errorf("Phase = %v, want disconnected", st.Phase)
	}
	if st.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", st.ConsecutiveFailures)
	}
}

func TestSuccessResetsFailuresAndEntersConnected(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	var attempts atomic.Int32
	connect := func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("refused")
		}
		return nil
	}

	c := New(testConfig(fc, 10), connect, nil)

	connected := make(chan struct{})
	var once sync.Once
	c.OnEvent(func(ev Event, _ State) {
		if ev == EventSucceeded {
			once.Do(func() { close(connected) })
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	go driveClock(fc, done)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}

	st := c.State()
	if st.Phase != PhaseConnected {
		t.Errorf("Phase = %v, want connected", st.Phase)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after success", st.ConsecutiveFailures)
	}
	if st.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt not recorded")
	}

	cancel()
	<-done
}

func TestHealthCheckFailureTriggersReconnect(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	connect := func(context.Context) error { return nil }

	var probes atomic.Int32
	probe := func(context.Context) error {
		if probes.Add(1) == 1 {
			return errors.New("stale connection")
		}
		return nil
	}

	c := New(testConfig(fc, 10), connect, probe)

	log := &eventLog{}
	reconnected := make(chan struct{})
	var once sync.Once
	c.OnEvent(func(ev Event, st State) {
		log.record(ev, st)
		if ev == EventSucceeded && st.AttemptCount > 1 {
			once.Do(func() { close(reconnected) })
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	go driveClock(fc, done)

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("never reconnected after failed health check")
	}
	cancel()
	<-done

	sawHealthFailure := false
	for _, ev := range log.snapshot() {
		if ev == EventHealthCheckFailed {
			sawHealthFailure = true
		}
	}
	if !sawHealthFailure {
		t.Errorf("events = %v, want health-check-failed", log.snapshot())
	}
}

func TestConnectTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	connect := func(ctx context.Context) error {
		<-ctx.Done() // hang until the attempt is cancelled
		return ctx.Err()
	}

	c := New(testConfig(fc, 1), connect, nil)

	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = c.Run(context.Background())
		close(done)
	}()
	driveClock(fc, done)

	if !errors.Is(runErr, ErrAbandoned) {
		t.Fatalf("Run = %v, want ErrAbandoned", runErr)
	}
	if st := c.State(); st.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", st.ConsecutiveFailures)
	}
}

// A failure long after a stable connection restarts the backoff from its
// initial delay, but the recorded success must stay in the state snapshot.
func TestBackoffResetKeepsLastSuccessRecorded(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	cfg := testConfig(fc, 3)
	cfg.ResetDelayAfter = 5 * time.Second

	var calls atomic.Int32
	connect := func(context.Context) error {
		// two failures escalate the backoff, then one stable connection
		switch n := calls.Add(1); {
		case n <= 2:
			return errors.New("refused")
		case n == 3:
			return nil
		default:
			return errors.New("refused")
		}
	}
	probe := func(context.Context) error { return errors.New("stale connection") }

	c := New(cfg, connect, probe)

	var mu sync.Mutex
	var failStates []State
	c.OnEvent(func(ev Event, st State) {
		if ev == EventFailed {
			mu.Lock()
			failStates = append(failStates, st)
			mu.Unlock()
		}
	})

	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = c.Run(context.Background())
		close(done)
	}()
	driveClock(fc, done)

	if !errors.Is(runErr, ErrAbandoned) {
		t.Fatalf("Run = %v, want ErrAbandoned", runErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failStates) != 5 {
		t.Fatalf("recorded %d failures, want 5 (2 before connecting, 3 after)", len(failStates))
	}

	// failures 3..5 happen after the stable connection
	reconnectFails := failStates[2:]
	for i, st := range reconnectFails {
		if st.LastSuccessAt.IsZero() {
			t.Errorf("failure %d erased LastSuccessAt", i+3)
		}
	}
	if got := reconnectFails[0].BackoffDelayMs; got != 1000 {
		t.Errorf("first delay after stable connection = %dms, want 1000 (reset to initial)", got)
	}
	if got := reconnectFails[1].BackoffDelayMs; got != 2000 {
		t.Errorf("second delay after stable connection = %dms, want 2000 (escalation resumes)", got)
	}
	if st := c.State(); st.LastSuccessAt.IsZero() {
		t.Error("final state lost LastSuccessAt")
	}
}

func TestQualityBounds(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(1000, 0))
	c := New(testConfig(fc, 3), func(context.Context) error { return nil }, nil)

	if q := c.Quality(); q < 0 || q > 1 {
		t.Errorf("Quality = %v, want within [0,1]", q)
	}

	// after a recorded success the score improves
	c.mu.Lock()
	c.state.LastSuccessAt = fc.Now()
	c.window.record(true)
	c.mu.Unlock()

	if q := c.Quality(); q <= 0.5 {
		t.Errorf("Quality = %v, want > 0.5 right after a success", q)
	}
}
