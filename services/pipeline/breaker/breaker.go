// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the circuit breaker guarding generator
// calls. Each stage owns its own breaker; one stage tripping never
// throttles another.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a dispatch is short-circuited because the
// breaker is open. The generator is not contacted.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the breaker state.
type State int

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests immediately.
	StateOpen

	// StateHalfOpen allows a single probe request to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before
	// the breaker opens. Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// ReopenAfter is how long the breaker stays open before allowing
	// a half-open probe. Default: 30s
	ReopenAfter time.Duration `yaml:"reopen_after"`

	// OnStateChange, if set, is invoked on every state transition.
	// It is called with the breaker's lock held and must not call
	// back into the breaker.
	OnStateChange func(from, to State) `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ReopenAfter:      30 * time.Second,
	}
}

// Validate checks the configuration for fatal errors.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return errors.New("failure_threshold must be at least 1")
	}
	if c.ReopenAfter <= 0 {
		return errors.New("reopen_after must be positive")
	}
	return nil
}

// Breaker is a failure-threshold circuit breaker.
//
// States:
//   - Closed: requests flow; consecutive failures are counted.
//   - Open: requests are rejected immediately until ReopenAfter elapses.
//   - Half-open: exactly one probe is allowed regardless of how many
//     callers are queued. A successful probe closes the breaker and
//     resets the counter; a failed probe reopens it and restarts the
//     reopen timer.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	config Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	probeInFlight       bool
	lastFailureTime     time.Time
	lastTransition      time.Time
}

// New creates a breaker in the closed state.
func New(config Config) *Breaker {
	return &Breaker{
		config:         config,
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// Allow reports whether a request may proceed.
//
// In the open state this transitions to half-open once ReopenAfter has
// elapsed since the last failure, admitting exactly one probe.
//
// Outputs:
//   - bool: True if the request is allowed; false means the caller
//     must fail fast with ErrOpen without contacting the backend.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(b.lastFailureTime) >= b.config.ReopenAfter {
			b.transitionTo(StateHalfOpen, now)
			b.probeInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		// Only one probe at a time.
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful request.
//
// A successful half-open probe closes the breaker and resets the
// failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.transitionTo(StateClosed, time.Now())
	}
}

// RecordFailure records a failed request.
//
// Crossing the failure threshold opens the breaker. Any half-open
// probe failure reopens it and restarts the reopen timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, now)
	}
}

// ReleaseProbe abandons an admitted half-open probe without recording
// an outcome, so a later caller may probe instead. Used when the
// caller aborts between admission and the backend call. No-op in
// other states.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's internal counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		LastTransition:      b.lastTransition,
	}
}

// transitionTo changes state. Must be called with the lock held.
func (b *Breaker) transitionTo(next State, now time.Time) {
	prev := b.state
	b.state = next
	b.lastTransition = now
	b.probeInFlight = false
	if next == StateClosed {
		b.consecutiveFailures = 0
	}
	if b.config.OnStateChange != nil && prev != next {
		b.config.OnStateChange(prev, next)
	}
}

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	State               State
	ConsecutiveFailures int
	LastFailureTime     time.Time
	LastTransition      time.Time
}
