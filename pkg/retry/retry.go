// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package retry computes capped exponential backoff delays and runs
// operations under them.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

var randFloat64 = rand.Float64

const (
	DefaultBase       = time.Second
	DefaultCap        = 60 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
)

// Policy is an exponential backoff schedule. The zero value is not useful;
// start from Default or Fast.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay that is randomized in both
	// directions. 0.2 spreads delays uniformly over [-20%, +20%].
	Jitter float64
}

// Default returns the schedule used for reconnects: 1s doubling up to 60s
// with 20% jitter.
func Default() Policy {
	return Policy{
		Base:       DefaultBase,
		Cap:        DefaultCap,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// Fast returns the schedule used for identity lookups: 500ms·2^attempt
// without jitter, capped at 5s.
func Fast() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Cap:        5 * time.Second,
		Multiplier: 2,
	}
}

// BaseDelay returns the delay for the 1-based attempt before jitter.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return time.Duration(d)
}

// Delay returns BaseDelay(attempt) with uniform jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay(attempt))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*randFloat64()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// OnRetryFunc is called after a failed attempt, before waiting for the next one.
type OnRetryFunc func(attempt int, err error)

// Do runs fn up to maxAttempts times, waiting Delay(attempt) between
// failures. It returns nil on the first success, ctx.Err() if the context
// ends while waiting, or the last error once attempts are exhausted.
func (p Policy) Do(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error, onRetry OnRetryFunc) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
