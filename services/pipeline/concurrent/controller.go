// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package concurrent implements the adaptive concurrency controller
// for one pipeline stage. The controller owns a bounded worker pool,
// a token-bucket rate limiter, and one circuit breaker per backend
// endpoint, and retunes the pool size and refill rate from rolling
// error/latency metrics after every batch.
//
// Controllers are constructed per stage at job start and are never
// shared across stages: one stage's failures must not throttle another.
package concurrent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/breaker"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/ratelimit"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/telemetry"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a stage's concurrency controller.
type Config struct {
	// MinWorkers is the lower bound for adaptive pool sizing.
	// Default: 1
	MinWorkers int `yaml:"min_workers"`

	// MaxWorkers is the upper bound for adaptive pool sizing.
	// Default: 8
	MaxWorkers int `yaml:"max_workers"`

	// InitialWorkers is the starting pool size.
	// Default: 4
	InitialWorkers int `yaml:"initial_workers"`

	// UnitTimeout is the per-dispatch deadline. A timed-out unit counts
	// as a failure for breaker and backpressure purposes.
	// Default: 90s
	UnitTimeout time.Duration `yaml:"unit_timeout"`

	// WindowSize is how many recent dispatches feed the backpressure
	// calculation. Default: 20
	WindowSize int `yaml:"window_size"`

	// HighLatency is the average latency above which the controller
	// backs off. Default: 30s
	HighLatency time.Duration `yaml:"high_latency"`

	// LowLatency is the average latency below which the controller may
	// speed up. Default: 5s
	LowLatency time.Duration `yaml:"low_latency"`

	// Rate configures the token bucket.
	Rate ratelimit.Config `yaml:"rate"`

	// Breaker configures the per-endpoint circuit breakers.
	Breaker breaker.Config `yaml:"breaker"`

	// Endpoints optionally lists equivalent backend endpoints for
	// round-robin rotation. Empty means a single anonymous endpoint.
	Endpoints []string `yaml:"endpoints"`
}

// DefaultConfig returns sensible defaults for LLM generation stages.
func DefaultConfig() Config {
	return Config{
		MinWorkers:     1,
		MaxWorkers:     8,
		InitialWorkers: 4,
		UnitTimeout:    90 * time.Second,
		WindowSize:     20,
		HighLatency:    30 * time.Second,
		LowLatency:     5 * time.Second,
		Rate:           ratelimit.DefaultConfig(),
		Breaker:        breaker.DefaultConfig(),
	}
}

// Validate checks the configuration for fatal errors.
func (c Config) Validate() error {
	if c.MinWorkers < 1 {
		return errors.New("min_workers must be at least 1")
	}
	if c.MaxWorkers < c.MinWorkers {
		return errors.New("max_workers must be >= min_workers")
	}
	if c.InitialWorkers < c.MinWorkers || c.InitialWorkers > c.MaxWorkers {
		return errors.New("initial_workers must lie within [min_workers, max_workers]")
	}
	if c.UnitTimeout <= 0 {
		return errors.New("unit_timeout must be positive")
	}
	if c.WindowSize < 1 {
		return errors.New("window_size must be at least 1")
	}
	if c.LowLatency > c.HighLatency {
		return errors.New("low_latency must be <= high_latency")
	}
	if err := c.Rate.Validate(); err != nil {
		return err
	}
	return c.Breaker.Validate()
}

// =============================================================================
// Units and Results
// =============================================================================

// Unit is one generation request: produce a child artifact from a
// single parent. The endpoint argument names the backend chosen by
// rotation; it is empty when no rotation is configured.
type Unit struct {
	// ID identifies the unit for result correlation.
	ID string

	// Work performs the generation call. It must respect the context
	// deadline.
	Work func(ctx context.Context, endpoint string) (*artifact.Artifact, error)
}

// UnitResult is the outcome of one unit. Every submitted unit yields
// exactly one result; order is not guaranteed to match input order.
type UnitResult struct {
	// UnitID is the submitted unit's ID.
	UnitID string

	// Artifact is the success payload, nil on failure.
	Artifact *artifact.Artifact

	// Err is the failure marker, nil on success. ErrOpen from the
	// breaker package means the backend was never contacted.
	Err error

	// Endpoint is the backend the unit was routed to.
	Endpoint string

	// Duration is the dispatch latency (zero for short-circuits).
	Duration time.Duration
}

// =============================================================================
// Semaphore
// =============================================================================

// semaphore is a counting semaphore bounding in-flight dispatches.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	<-s.ch
}

// =============================================================================
// Endpoint tracking
// =============================================================================

// endpointState tracks per-endpoint health for rotation.
type endpointState struct {
	name    string
	breaker *breaker.Breaker

	mu           sync.Mutex
	dispatches   int
	failures     int
	totalLatency time.Duration
}

func (e *endpointState) record(failed bool, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatches++
	if failed {
		e.failures++
	}
	e.totalLatency += latency
}

// EndpointStats is a per-endpoint health snapshot.
type EndpointStats struct {
	Name         string
	Dispatches   int
	Failures     int
	AvgLatency   time.Duration
	BreakerState breaker.State
}

// =============================================================================
// Controller
// =============================================================================

// observation is one dispatch outcome in the rolling window.
// Breaker short-circuits are not recorded: they carry no new signal
// about the backend.
type observation struct {
	failed  bool
	latency time.Duration
}

// Controller parallelizes generation units for one stage under a
// bounded, self-tuning worker pool.
//
// Thread Safety: Safe for concurrent use, though the orchestrator
// drives it from a single goroutine between batches.
type Controller struct {
	config    Config
	limiter   *ratelimit.Limiter
	endpoints []*endpointState
	logger    *slog.Logger

	next uint64 // round-robin cursor

	mu      sync.Mutex
	workers int
	window  []observation
}

// New creates a controller from a validated configuration.
//
// Inputs:
//   - cfg: Controller configuration. Must pass Validate.
//   - logger: Structured logger. Must not be nil.
//
// Outputs:
//   - *Controller: Ready to process batches.
//   - error: Non-nil if the configuration is invalid.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	names := cfg.Endpoints
	if len(names) == 0 {
		names = []string{""}
	}
	endpoints := make([]*endpointState, len(names))
	for i, name := range names {
		bcfg := cfg.Breaker
		bcfg.OnStateChange = func(from, to breaker.State) {
			telemetry.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			logger.Warn("breaker state change",
				"endpoint", name, "from", from.String(), "to", to.String())
		}
		endpoints[i] = &endpointState{
			name:    name,
			breaker: breaker.New(bcfg),
		}
	}

	return &Controller{
		config:    cfg,
		limiter:   ratelimit.New(cfg.Rate),
		endpoints: endpoints,
		logger:    logger,
		workers:   cfg.InitialWorkers,
	}, nil
}

// ProcessBatch dispatches all units across the worker pool and returns
// one result per unit, in completion order.
//
// Each dispatch spends one rate-limiter token (blocking until refill)
// and runs under the per-unit timeout. Units routed to an endpoint with
// an open breaker fail fast with breaker.ErrOpen without contacting the
// backend. After the batch completes, the backpressure rule retunes the
// worker count and refill rate.
//
// Inputs:
//   - ctx: Cancelling it stops admission of new work; in-flight units
//     finish or time out.
//   - units: The batch. May be empty.
//
// Outputs:
//   - []UnitResult: Exactly len(units) results.
func (c *Controller) ProcessBatch(ctx context.Context, units []Unit) []UnitResult {
	if len(units) == 0 {
		return nil
	}

	c.mu.Lock()
	workers := c.workers
	c.mu.Unlock()

	sem := newSemaphore(workers)
	resultCh := make(chan UnitResult, len(units))
	var wg sync.WaitGroup

	for _, unit := range units {
		unit := unit
		wg.Add(1)
		go func() {
			defer wg.Done()
			resultCh <- c.dispatch(ctx, sem, unit)
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]UnitResult, 0, len(units))
	for r := range resultCh {
		results = append(results, r)
	}

	c.adjust()
	return results
}

// dispatch runs one unit: breaker check, pool slot, token, timed call.
func (c *Controller) dispatch(ctx context.Context, sem *semaphore, unit Unit) UnitResult {
	// An open breaker short-circuits immediately, before the unit
	// blocks on a pool slot or spends a rate-limiter token healthy
	// endpoints could use.
	ep := c.pickEndpoint()
	if !ep.breaker.Allow() {
		return UnitResult{UnitID: unit.ID, Endpoint: ep.name, Err: breaker.ErrOpen}
	}

	if err := sem.acquire(ctx); err != nil {
		ep.breaker.ReleaseProbe()
		return UnitResult{UnitID: unit.ID, Endpoint: ep.name, Err: err}
	}
	defer sem.release()

	if err := c.limiter.Acquire(ctx); err != nil {
		ep.breaker.ReleaseProbe()
		return UnitResult{UnitID: unit.ID, Endpoint: ep.name, Err: err}
	}

	unitCtx, cancel := context.WithTimeout(ctx, c.config.UnitTimeout)
	defer cancel()

	start := time.Now()
	art, err := unit.Work(unitCtx, ep.name)
	latency := time.Since(start)

	failed := err != nil
	if failed {
		ep.breaker.RecordFailure()
	} else {
		ep.breaker.RecordSuccess()
	}
	ep.record(failed, latency)
	c.observe(failed, latency)

	return UnitResult{
		UnitID:   unit.ID,
		Artifact: art,
		Err:      err,
		Endpoint: ep.name,
		Duration: latency,
	}
}

// pickEndpoint rotates round-robin across configured endpoints.
func (c *Controller) pickEndpoint() *endpointState {
	n := atomic.AddUint64(&c.next, 1)
	return c.endpoints[int(n-1)%len(c.endpoints)]
}

// observe appends a dispatch outcome to the rolling window.
func (c *Controller) observe(failed bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, observation{failed: failed, latency: latency})
	if len(c.window) > c.config.WindowSize {
		c.window = c.window[len(c.window)-c.config.WindowSize:]
	}
}

// adjust applies the backpressure rule over the rolling window:
//
//   - error rate > 20% or high average latency: workers -25%, rate -50%
//   - error rate < 5% and low average latency: workers +33%, rate +25%
//   - otherwise: no change
//
// Bounds are clamped to [MinWorkers, MaxWorkers] and the limiter's
// configured rate bounds.
func (c *Controller) adjust() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window) == 0 {
		return
	}

	failures := 0
	var total time.Duration
	for _, o := range c.window {
		if o.failed {
			failures++
		}
		total += o.latency
	}
	errRate := float64(failures) / float64(len(c.window))
	avgLatency := total / time.Duration(len(c.window))

	switch {
	case errRate > 0.20 || avgLatency > c.config.HighLatency:
		next := (c.workers * 3) / 4
		if next >= c.workers {
			next = c.workers - 1
		}
		if next < c.config.MinWorkers {
			next = c.config.MinWorkers
		}
		newRate := c.limiter.Scale(0.5)
		c.logger.Warn("backpressure: reducing concurrency",
			"error_rate", errRate,
			"avg_latency", avgLatency.String(),
			"workers", next,
			"tokens_per_second", newRate,
		)
		c.workers = next

	case errRate < 0.05 && avgLatency < c.config.LowLatency:
		next := c.workers * 4 / 3
		if next == c.workers {
			next++
		}
		if next > c.config.MaxWorkers {
			next = c.config.MaxWorkers
		}
		newRate := c.limiter.Scale(1.25)
		if next != c.workers {
			c.logger.Debug("backpressure: raising concurrency",
				"error_rate", errRate,
				"workers", next,
				"tokens_per_second", newRate,
			)
		}
		c.workers = next
	}
}

// Workers returns the current adaptive worker count.
func (c *Controller) Workers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers
}

// Rate returns the current token refill rate in tokens per second.
func (c *Controller) Rate() float64 {
	return c.limiter.Rate()
}

// Stats returns per-endpoint health snapshots.
func (c *Controller) Stats() []EndpointStats {
	stats := make([]EndpointStats, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		ep.mu.Lock()
		avg := time.Duration(0)
		if ep.dispatches > 0 {
			avg = ep.totalLatency / time.Duration(ep.dispatches)
		}
		stats = append(stats, EndpointStats{
			Name:         ep.name,
			Dispatches:   ep.dispatches,
			Failures:     ep.failures,
			AvgLatency:   avg,
			BreakerState: ep.breaker.State(),
		})
		ep.mu.Unlock()
	}
	return stats
}
