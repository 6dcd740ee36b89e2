// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes Prometheus instrumentation for the
// pipeline: generation attempts and outcomes, adaptive pool levels,
// breaker transitions, and delivery results.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationAttempts counts generation dispatches by stage and
	// outcome (accepted, rejected, error).
	GenerationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "generation_attempts_total",
		Help:      "Generation dispatches by stage and outcome.",
	}, []string{"stage", "outcome"})

	// QualityScores observes gate scores per stage.
	QualityScores = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "quality_score",
		Help:      "Quality gate scores by stage.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	}, []string{"stage"})

	// WorkerPoolSize tracks the adaptive pool size per stage after
	// each batch.
	WorkerPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "worker_pool_size",
		Help:      "Adaptive worker pool size by stage.",
	}, []string{"stage"})

	// RequestRate tracks the adaptive token-bucket rate per stage.
	RequestRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "request_rate_per_second",
		Help:      "Adaptive request rate by stage.",
	}, []string{"stage"})

	// BreakerTransitions counts circuit breaker state changes per
	// endpoint.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by endpoint and new state.",
	}, []string{"endpoint", "state"})

	// StagesExhausted counts stages that hit the attempt ceiling
	// before meeting quota.
	StagesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "stages_exhausted_total",
		Help:      "Stages that reached the attempt ceiling short of quota.",
	}, []string{"stage"})

	// DeliveryOutcomes counts delivery results by outcome
	// (delivered, failed, skipped).
	DeliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "delivery_outcomes_total",
		Help:      "Delivery pass outcomes by result.",
	}, []string{"outcome"})

	// JobsCompleted counts terminal jobs by status.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backlog",
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Terminal jobs by status.",
	}, []string{"status"})
)
