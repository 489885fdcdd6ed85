// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package backoff computes retry delays with exponential growth, a hard cap
// and optional jitter, and runs cooperative retry loops on top of them.
//
// Jitter spreads simultaneous retries from many clients so a recovering
// server is not hit by a synchronized thundering herd.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/transitus/transitus/internal/clock"
)

// Policy describes one retry schedule. Independent callers of Retry share no
// state: each call owns its own attempt counter.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Multiplier is the per-attempt growth factor.
	Multiplier float64

	// Jitter is the uniform random perturbation as a fraction of the delay,
	// in [0,1]. Zero disables jitter.
	Jitter float64

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Rand supplies jitter randomness; defaults to the global source.
	// Injectable so tests stay deterministic.
	Rand *rand.Rand
}

// DefaultPolicy matches the production reconnection schedule:
// 1s initial, doubling, capped at 30s, ±30% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.3,
	}
}

// Delay returns the pre-jitter delay for the given 1-based attempt number:
// min(Initial * Multiplier^(attempt-1), Max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) || d < 0 || math.IsInf(d, 0) {
		return p.Max
	}
	return time.Duration(d)
}

// JitteredDelay returns Delay(attempt) perturbed by a uniform offset in
// [-delay*Jitter, +delay*Jitter], clamped to be non-negative.
func (p Policy) JitteredDelay(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 {
		return d
	}

	var u float64
	if p.Rand != nil {
		u = p.Rand.Float64()
	} else {
		u = rand.Float64()
	}

	offset := time.Duration((2*u - 1) * p.Jitter * float64(d))
	d += offset
	if d < 0 {
		d = 0
	}
	return d
}

// Result reports the outcome of a Retry loop.
type Result struct {
	// Attempts is the number of times the operation ran.
	Attempts int

	// Elapsed is the wall time spent across attempts and sleeps.
	Elapsed time.Duration

	// LastErr is the error from the final attempt, nil on success.
	LastErr error
}

// Operation is a fallible unit of work driven by Retry.
type Operation func(ctx context.Context) error

// OnRetry is invoked after a failed attempt, before the backoff sleep.
type OnRetry func(attempt int, delay time.Duration, err error)

// Retry runs op up to maxAttempts times, sleeping the jittered delay between
// attempts. The sleep is cooperative: context cancellation aborts the loop
// immediately and surfaces ctx.Err() as LastErr.
func (p Policy) Retry(ctx context.Context, op Operation, maxAttempts int, onRetry OnRetry) Result {
	ck := p.Clock
	if ck == nil {
		ck = clock.New()
	}

	start := ck.Now()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Attempts: attempt, Elapsed: ck.Now().Sub(start)}
		}

		if attempt == maxAttempts {
			break
		}

		delay := p.JitteredDelay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, lastErr)
		}
		if err := ck.Sleep(ctx, delay); err != nil {
			return Result{Attempts: attempt, Elapsed: ck.Now().Sub(start), LastErr: err}
		}
	}

	return Result{Attempts: maxAttempts, Elapsed: ck.Now().Sub(start), LastErr: lastErr}
}
