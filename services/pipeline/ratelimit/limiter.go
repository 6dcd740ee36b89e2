// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides an adaptive token bucket for generation
// dispatch. The bucket refills continuously and its refill rate can be
// retuned at runtime within configured bounds, which is how the
// concurrency controller applies backpressure.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures the adaptive token bucket.
type Config struct {
	// TokensPerSecond is the initial continuous refill rate.
	// Default: 2.0
	TokensPerSecond float64 `yaml:"tokens_per_second"`

	// Burst is the maximum bucket capacity.
	// Default: 5
	Burst int `yaml:"burst"`

	// MinTokensPerSecond is the lower bound for adaptive tuning.
	// Default: 0.25
	MinTokensPerSecond float64 `yaml:"min_tokens_per_second"`

	// MaxTokensPerSecond is the upper bound for adaptive tuning.
	// Default: 10.0
	MaxTokensPerSecond float64 `yaml:"max_tokens_per_second"`
}

// DefaultConfig returns sensible defaults for LLM-backed generation.
func DefaultConfig() Config {
	return Config{
		TokensPerSecond:    2.0,
		Burst:              5,
		MinTokensPerSecond: 0.25,
		MaxTokensPerSecond: 10.0,
	}
}

// Validate checks the configuration for fatal errors.
func (c Config) Validate() error {
	if c.TokensPerSecond <= 0 {
		return errors.New("tokens_per_second must be positive")
	}
	if c.Burst < 1 {
		return errors.New("burst must be at least 1")
	}
	if c.MinTokensPerSecond <= 0 {
		return errors.New("min_tokens_per_second must be positive")
	}
	if c.MaxTokensPerSecond < c.MinTokensPerSecond {
		return errors.New("max_tokens_per_second must be >= min_tokens_per_second")
	}
	if c.TokensPerSecond < c.MinTokensPerSecond || c.TokensPerSecond > c.MaxTokensPerSecond {
		return errors.New("tokens_per_second must lie within [min, max]")
	}
	return nil
}

// Limiter is an adaptive token bucket.
//
// Each dispatch spends one token via Acquire; refill is continuous at
// the current rate, capped at the burst capacity. Rate changes clamp
// to the configured bounds.
//
// Thread Safety: Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current float64
	min     float64
	max     float64
	burst   int
}

// New creates a limiter from the given configuration.
// The configuration must have been validated.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.Burst),
		current: cfg.TokensPerSecond,
		min:     cfg.MinTokensPerSecond,
		max:     cfg.MaxTokensPerSecond,
		burst:   cfg.Burst,
	}
}

// Acquire spends one token, blocking until refill makes one available.
//
// Outputs:
//   - error: Non-nil if the context was cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Tokens returns the current token count for observability.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}

// Burst returns the maximum bucket capacity.
func (l *Limiter) Burst() int {
	return l.burst
}

// Scale multiplies the refill rate by factor, clamped to the
// configured [min, max] bounds, and returns the new rate.
//
// Inputs:
//   - factor: Multiplier, e.g. 0.5 to halve or 1.25 to raise by 25%.
//
// Thread Safety: Safe for concurrent use.
func (l *Limiter) Scale(factor float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.current * factor
	if next < l.min {
		next = l.min
	}
	if next > l.max {
		next = l.max
	}
	l.current = next
	l.limiter.SetLimit(rate.Limit(next))
	return next
}
