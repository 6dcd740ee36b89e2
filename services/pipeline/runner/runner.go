// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner manages pipeline job lifecycles: it starts runs in the
// background, tracks cancellation handles, and chains delivery after a
// successful generation pass.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/orchestrator"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/staging"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/telemetry"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/uploader"
)

// ErrJobNotFound is returned when the job id is unknown.
var ErrJobNotFound = errors.New("job not found")

// ErrJobNotRunning is returned when cancelling a job with no active run.
var ErrJobNotRunning = errors.New("job is not running")

// Runner owns background job execution.
//
// Thread Safety: Safe for concurrent use.
type Runner struct {
	engine   *orchestrator.Engine
	uploader *uploader.Uploader
	ledger   *staging.Ledger
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a runner.
func New(engine *orchestrator.Engine, up *uploader.Uploader, ledger *staging.Ledger, logger *slog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		uploader: up,
		ledger:   ledger,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartJob creates a job for the vision text, persists it, and launches
// generation plus delivery in the background.
func (r *Runner) StartJob(ctx context.Context, vision string) (*artifact.Job, error) {
	if vision == "" {
		return nil, errors.New("vision must not be empty")
	}

	job := artifact.NewJob(vision)
	if err := r.ledger.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[job.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, job.ID)
			r.mu.Unlock()
			cancel()
		}()
		r.execute(runCtx, job)
	}()

	return job, nil
}

// RunJob executes a job synchronously. Used by the CLI one-shot mode.
func (r *Runner) RunJob(ctx context.Context, vision string) (*artifact.Job, *orchestrator.Result, *uploader.Report, error) {
	job := artifact.NewJob(vision)
	if err := r.ledger.SaveJob(ctx, job); err != nil {
		return nil, nil, nil, err
	}

	result, err := r.engine.Run(ctx, job)
	if err != nil {
		return job, result, nil, err
	}

	report, err := r.uploader.DeliverAll(ctx, job.ID)
	r.recordDelivery(&report)
	return job, result, &report, err
}

// execute drives one background run: generation, then delivery when
// generation carried through.
func (r *Runner) execute(ctx context.Context, job *artifact.Job) {
	result, err := r.engine.Run(ctx, job)
	if err != nil {
		// Degraded-but-continued runs still land here with staged
		// output; deliver whatever made it into the ledger.
		r.logger.Error("generation run failed",
			"job_id", job.ID, "error", err.Error())
		if result == nil || result.StagedRecords == 0 {
			return
		}
	}

	report, err := r.uploader.DeliverAll(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		r.logger.Error("delivery pass failed",
			"job_id", job.ID, "error", err.Error())
	}
	r.recordDelivery(&report)
	r.logger.Info("delivery pass finished",
		"job_id", job.ID,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
}

// CancelJob signals the job's run context. Accepted artifacts and
// staged records written so far stay intact.
func (r *Runner) CancelJob(jobID string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotRunning
	}
	cancel()
	return nil
}

// Job returns the persisted job snapshot.
func (r *Runner) Job(ctx context.Context, jobID string) (*artifact.Job, error) {
	job, err := r.ledger.GetJob(ctx, jobID)
	if errors.Is(err, staging.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Records lists the job's staging records, parent-before-child.
func (r *Runner) Records(ctx context.Context, jobID string) ([]staging.Record, error) {
	return r.ledger.ListByStatus(ctx, jobID,
		staging.StatusPending, staging.StatusDelivering,
		staging.StatusDelivered, staging.StatusFailed)
}

// RetryDelivery re-attempts failed deliveries for the job.
func (r *Runner) RetryDelivery(ctx context.Context, jobID string) (uploader.Report, error) {
	if _, err := r.Job(ctx, jobID); err != nil {
		return uploader.Report{JobID: jobID}, err
	}
	report, err := r.uploader.RetryFailed(ctx, jobID)
	r.recordDelivery(&report)
	return report, err
}

// Wait blocks until all background runs finish. Used during shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) recordDelivery(report *uploader.Report) {
	telemetry.DeliveryOutcomes.WithLabelValues("delivered").Add(float64(report.Delivered))
	telemetry.DeliveryOutcomes.WithLabelValues("failed").Add(float64(report.Failed))
	telemetry.DeliveryOutcomes.WithLabelValues("skipped").Add(float64(report.Skipped))
}
