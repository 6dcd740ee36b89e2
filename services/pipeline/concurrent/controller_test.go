// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concurrent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/breaker"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/ratelimit"
)

var errBoom = errors.New("boom")

// fastConfig returns a controller config that does not slow tests down.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialWorkers = 4
	cfg.UnitTimeout = time.Second
	cfg.Rate = ratelimit.Config{
		TokensPerSecond:    1000,
		Burst:              1000,
		MinTokensPerSecond: 1,
		MaxTokensPerSecond: 2000,
	}
	return cfg
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg, slog.Default())
	require.NoError(t, err)
	return c
}

func makeUnits(n int, work func(ctx context.Context, endpoint string) (*artifact.Artifact, error)) []Unit {
	units := make([]Unit, n)
	for i := range units {
		units[i] = Unit{ID: fmt.Sprintf("u%d", i), Work: work}
	}
	return units
}

// TestOneResultPerUnit verifies no silent drops: every submitted unit
// yields exactly one result even when some fail.
func TestOneResultPerUnit(t *testing.T) {
	c := newTestController(t, fastConfig())

	var calls int64
	units := makeUnits(17, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		n := atomic.AddInt64(&calls, 1)
		if n%3 == 0 {
			return nil, errBoom
		}
		return artifact.New(artifact.KindEpic, "parent"), nil
	})

	results := c.ProcessBatch(context.Background(), units)

	require.Len(t, results, 17)
	seen := make(map[string]bool)
	for _, r := range results {
		assert.False(t, seen[r.UnitID], "duplicate result for %s", r.UnitID)
		seen[r.UnitID] = true
	}
	assert.Len(t, seen, 17)
}

// TestBackpressureReducesWorkers verifies that a ~30% failure rate
// strictly reduces the worker count within one adjustment cycle and
// never below the configured minimum.
func TestBackpressureReducesWorkers(t *testing.T) {
	cfg := fastConfig()
	cfg.MinWorkers = 2
	cfg.InitialWorkers = 8
	cfg.MaxWorkers = 8
	c := newTestController(t, cfg)

	var calls int64
	failing := makeUnits(20, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		if atomic.AddInt64(&calls, 1)%3 == 0 { // ~33% failures
			return nil, errBoom
		}
		return artifact.New(artifact.KindEpic, "p"), nil
	})

	before := c.Workers()
	rateBefore := c.Rate()
	c.ProcessBatch(context.Background(), failing)

	assert.Less(t, c.Workers(), before, "worker count must strictly decrease")
	assert.Less(t, c.Rate(), rateBefore, "refill rate must decrease")

	// Repeated failing batches floor at MinWorkers.
	for i := 0; i < 10; i++ {
		c.ProcessBatch(context.Background(), failing)
	}
	assert.GreaterOrEqual(t, c.Workers(), cfg.MinWorkers)
	assert.Equal(t, cfg.MinWorkers, c.Workers())
}

// TestBackpressureRaisesWorkers verifies clean fast batches grow the
// pool up to the ceiling.
func TestBackpressureRaisesWorkers(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialWorkers = 2
	cfg.MaxWorkers = 6
	c := newTestController(t, cfg)

	clean := makeUnits(20, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		return artifact.New(artifact.KindEpic, "p"), nil
	})

	for i := 0; i < 10; i++ {
		c.ProcessBatch(context.Background(), clean)
	}
	assert.Equal(t, cfg.MaxWorkers, c.Workers())
}

// TestBreakerShortCircuits verifies that once the breaker opens, new
// dispatches fail fast without calling the generator.
func TestBreakerShortCircuits(t *testing.T) {
	cfg := fastConfig()
	cfg.Breaker = breaker.Config{FailureThreshold: 3, ReopenAfter: time.Hour}
	cfg.InitialWorkers = 1 // serialize so failures land before later units
	cfg.MinWorkers = 1
	c := newTestController(t, cfg)

	var calls int64
	alwaysFail := makeUnits(3, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errBoom
	})
	c.ProcessBatch(context.Background(), alwaysFail)
	require.Equal(t, int64(3), atomic.LoadInt64(&calls))

	// Breaker is now open: the generator must not be contacted again.
	results := c.ProcessBatch(context.Background(), makeUnits(5, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		atomic.AddInt64(&calls, 1)
		return artifact.New(artifact.KindEpic, "p"), nil
	}))

	assert.Equal(t, int64(3), atomic.LoadInt64(&calls), "open breaker must not contact the backend")
	require.Len(t, results, 5)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, breaker.ErrOpen)
	}
}

// TestOpenBreakerSparesRateTokens verifies a short-circuited unit does
// not spend a rate-limiter token that healthy dispatches could use.
func TestOpenBreakerSparesRateTokens(t *testing.T) {
	cfg := fastConfig()
	cfg.Breaker = breaker.Config{FailureThreshold: 1, ReopenAfter: time.Hour}
	cfg.InitialWorkers = 1
	cfg.MinWorkers = 1
	cfg.Rate = ratelimit.Config{
		TokensPerSecond:    1, // negligible refill over the test's lifetime
		Burst:              4,
		MinTokensPerSecond: 1,
		MaxTokensPerSecond: 2000,
	}
	c := newTestController(t, cfg)

	// One failing call trips the breaker and spends one token.
	c.ProcessBatch(context.Background(), makeUnits(1, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		return nil, errBoom
	}))

	tokensBefore := c.limiter.Tokens()
	results := c.ProcessBatch(context.Background(), makeUnits(3, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		return artifact.New(artifact.KindEpic, "p"), nil
	}))

	require.Len(t, results, 3)
	for _, r := range results {
		require.ErrorIs(t, r.Err, breaker.ErrOpen)
	}
	assert.GreaterOrEqual(t, c.limiter.Tokens(), tokensBefore,
		"short-circuited units must not drain the bucket")
}

// TestUnitTimeout verifies a hung generator call is cut off and counted
// as a failure.
func TestUnitTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.UnitTimeout = 30 * time.Millisecond
	c := newTestController(t, cfg)

	results := c.ProcessBatch(context.Background(), makeUnits(2, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return artifact.New(artifact.KindEpic, "p"), nil
		}
	}))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
	}
}

// TestEndpointRotation verifies round-robin distribution and
// independent per-endpoint tracking.
func TestEndpointRotation(t *testing.T) {
	cfg := fastConfig()
	cfg.Endpoints = []string{"primary", "secondary"}
	c := newTestController(t, cfg)

	counts := make(map[string]*int64)
	counts["primary"] = new(int64)
	counts["secondary"] = new(int64)

	c.ProcessBatch(context.Background(), makeUnits(10, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		atomic.AddInt64(counts[endpoint], 1)
		return artifact.New(artifact.KindEpic, "p"), nil
	}))

	assert.Equal(t, int64(5), atomic.LoadInt64(counts["primary"]))
	assert.Equal(t, int64(5), atomic.LoadInt64(counts["secondary"]))

	stats := c.Stats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, 5, s.Dispatches)
		assert.Equal(t, 0, s.Failures)
		assert.Equal(t, breaker.StateClosed, s.BreakerState)
	}
}

func TestEmptyBatch(t *testing.T) {
	c := newTestController(t, fastConfig())
	assert.Nil(t, c.ProcessBatch(context.Background(), nil))
}

func TestCancelledContext(t *testing.T) {
	c := newTestController(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := c.ProcessBatch(ctx, makeUnits(4, func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
		return artifact.New(artifact.KindEpic, "p"), nil
	}))

	// Every unit still yields a result; each reports the cancellation.
	require.Len(t, results, 4)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinWorkers = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxWorkers = 1
	bad.MinWorkers = 2
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.InitialWorkers = 100
	assert.Error(t, bad.Validate())
}
