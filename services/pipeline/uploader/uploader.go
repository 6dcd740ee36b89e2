// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uploader delivers staged artifacts to the system of record
// with at-least-once semantics: retries may re-attempt a record, but a
// record that already holds a remote identifier is never re-created
// remotely.
//
// Delivery proceeds level by level so a child is never attempted
// before its parent holds a remote identifier. Siblings within a level
// deliver concurrently. Failed records stay in the ledger and remain
// repairable through RetryFailed without regenerating content.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/progress"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/remote"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/staging"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures delivery behavior.
type Config struct {
	// Timeout is the deadline for one delivery attempt. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the retry ceiling per record per call. Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the wait before the first retry. Default: 1s
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff. Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffFactor is the exponential multiplier. Default: 2.0
	BackoffFactor float64 `yaml:"backoff_factor"`

	// JitterFactor adds up to this fraction of random jitter to each
	// backoff to avoid thundering herd. Default: 0.2
	JitterFactor float64 `yaml:"jitter_factor"`

	// Spacing is the fixed pause before each remote request, honoring
	// downstream rate limits. Default: 100ms
	Spacing time.Duration `yaml:"spacing"`

	// Concurrency bounds parallel sibling deliveries. Default: 4
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns sensible delivery defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
		Spacing:        100 * time.Millisecond,
		Concurrency:    4,
	}
}

// Validate checks the configuration for fatal errors.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("initial_backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("max_backoff must be >= initial_backoff")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("backoff_factor must be >= 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("jitter_factor must lie within [0, 1]")
	}
	if c.Spacing < 0 {
		return errors.New("spacing must not be negative")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	return nil
}

// =============================================================================
// Reports
// =============================================================================

// Outcome is the per-record result of one delivery pass.
type Outcome struct {
	RecordID string                 `json:"record_id"`
	Status   staging.DeliveryStatus `json:"status"`
	RemoteID string                 `json:"remote_id,omitempty"`
	Attempts int                    `json:"attempts"`
	Error    string                 `json:"error,omitempty"`
}

// Report summarizes one DeliverAll or RetryFailed pass.
type Report struct {
	JobID     string        `json:"job_id"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Outcomes  []Outcome     `json:"outcomes"`
}

// =============================================================================
// Uploader
// =============================================================================

// Uploader drains the staging ledger into the system of record.
//
// Thread Safety: Safe for concurrent use, though callers normally run
// one delivery pass per job at a time.
type Uploader struct {
	config   Config
	ledger   *staging.Ledger
	client   remote.Client
	reporter *progress.Reporter
	logger   *slog.Logger
}

// New creates an uploader.
//
// Inputs:
//   - cfg: Delivery configuration. Must pass Validate.
//   - ledger: The staging ledger. Must not be nil.
//   - client: The system-of-record client. Must not be nil.
//   - reporter: Progress reporter. May be nil.
//   - logger: Structured logger. Must not be nil.
func New(cfg Config, ledger *staging.Ledger, client remote.Client, reporter *progress.Reporter, logger *slog.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || client == nil {
		return nil, errors.New("uploader: ledger and client must not be nil")
	}
	return &Uploader{
		config:   cfg,
		ledger:   ledger,
		client:   client,
		reporter: reporter,
		logger:   logger,
	}, nil
}

// DeliverAll delivers every undelivered record of the job in
// parent-before-child order and updates the job's delivery state.
//
// The scan includes records stuck in the delivering status: a crash
// after the claim commit but before any terminal transition leaves a
// record there durably, and the claim's remote-id check keeps
// re-attempting it safe.
func (u *Uploader) DeliverAll(ctx context.Context, jobID string) (Report, error) {
	records, err := u.ledger.ListByStatus(ctx, jobID,
		staging.StatusPending, staging.StatusDelivering, staging.StatusFailed)
	if err != nil {
		return Report{JobID: jobID}, err
	}
	return u.deliver(ctx, jobID, records)
}

// RetryFailed re-attempts only failed records. Already-delivered
// records are untouched; calling it twice with no intervening state
// change is a no-op on the second call.
func (u *Uploader) RetryFailed(ctx context.Context, jobID string) (Report, error) {
	records, err := u.ledger.ListByStatus(ctx, jobID, staging.StatusFailed)
	if err != nil {
		return Report{JobID: jobID}, err
	}
	return u.deliver(ctx, jobID, records)
}

// deliver runs one delivery pass over records already sorted in
// ascending level order.
func (u *Uploader) deliver(ctx context.Context, jobID string, records []staging.Record) (Report, error) {
	start := time.Now()
	report := Report{JobID: jobID}

	var mu sync.Mutex
	appendOutcome := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		report.Outcomes = append(report.Outcomes, o)
		switch {
		case o.Status == staging.StatusDelivered && o.Error == "":
			report.Delivered++
		case o.Status == staging.StatusFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	// Group into contiguous level batches; the ledger returns records
	// in ascending level order.
	for i := 0; i < len(records); {
		level := records[i].Level
		j := i
		for j < len(records) && records[j].Level == level {
			j++
		}
		batch := records[i:j]
		i = j

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(u.config.Concurrency)
		for _, rec := range batch {
			rec := rec
			g.Go(func() error {
				appendOutcome(u.deliverRecord(gctx, rec))
				return nil
			})
		}
		_ = g.Wait()

		u.publishProgress(ctx, jobID, len(records), &report)

		if ctx.Err() != nil {
			break
		}
	}

	report.Duration = time.Since(start)
	if err := u.updateJobDelivery(ctx, jobID); err != nil {
		u.logger.Warn("failed to update job delivery state",
			"job_id", jobID, "error", err.Error())
	}
	return report, ctx.Err()
}

// deliverRecord attempts one record with timeout, backoff, and retry.
func (u *Uploader) deliverRecord(ctx context.Context, rec staging.Record) Outcome {
	// Claim the record. The transition resolves idempotency: records
	// already delivered, or holding a remote id from a lost status
	// write, are finalized without another remote call.
	var alreadyDone bool
	claimed, err := u.ledger.Transition(ctx, rec.ID, func(r *staging.Record) error {
		if r.Status == staging.StatusDelivered {
			alreadyDone = true
			return nil
		}
		if r.RemoteID != "" {
			r.Status = staging.StatusDelivered
			alreadyDone = true
			return nil
		}
		r.Status = staging.StatusDelivering
		return nil
	})
	if err != nil {
		return Outcome{RecordID: rec.ID, Status: rec.Status, Attempts: rec.Attempts, Error: err.Error()}
	}
	if alreadyDone {
		return Outcome{
			RecordID: claimed.ID,
			Status:   staging.StatusDelivered,
			RemoteID: claimed.RemoteID,
			Attempts: claimed.Attempts,
			Error:    "already delivered",
		}
	}

	// The parent must hold a remote id before any child attempt.
	parentRemoteID := ""
	if claimed.ParentID != "" {
		parent, err := u.ledger.Get(ctx, claimed.ParentID)
		if err != nil || parent.Status != staging.StatusDelivered || parent.RemoteID == "" {
			return u.failRecord(ctx, claimed.ID, "parent not delivered")
		}
		parentRemoteID = parent.RemoteID
	}

	item := remote.WorkItem{
		Kind:               claimed.Artifact.Kind,
		Title:              claimed.Artifact.Title,
		Description:        claimed.Artifact.Description,
		AcceptanceCriteria: claimed.Artifact.AcceptanceCriteria,
		ParentRemoteID:     parentRemoteID,
	}

	backoff := u.config.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= u.config.MaxAttempts; attempt++ {
		if err := sleepCtx(ctx, u.config.Spacing); err != nil {
			return u.failRecord(ctx, claimed.ID, err.Error())
		}

		attemptCtx, cancel := context.WithTimeout(ctx, u.config.Timeout)
		remoteID, err := u.client.CreateWorkItem(attemptCtx, item)
		cancel()

		var updated staging.Record
		if err == nil {
			updated, err = u.ledger.Transition(ctx, claimed.ID, func(r *staging.Record) error {
				r.Attempts++
				r.Status = staging.StatusDelivered
				r.RemoteID = remoteID
				r.LastError = ""
				return nil
			})
			if err == nil {
				return Outcome{
					RecordID: updated.ID,
					Status:   staging.StatusDelivered,
					RemoteID: updated.RemoteID,
					Attempts: updated.Attempts,
				}
			}
		}

		lastErr = err
		if _, terr := u.ledger.Transition(ctx, claimed.ID, func(r *staging.Record) error {
			r.Attempts++
			r.LastError = err.Error()
			return nil
		}); terr != nil {
			u.logger.Error("failed to record delivery attempt",
				"record_id", claimed.ID, "error", terr.Error())
		}

		u.logger.Warn("delivery attempt failed",
			"record_id", claimed.ID,
			"attempt", attempt,
			"max_attempts", u.config.MaxAttempts,
			"error", err.Error(),
		)

		if attempt < u.config.MaxAttempts {
			wait := backoff
			if u.config.JitterFactor > 0 {
				wait += time.Duration(rand.Float64() * u.config.JitterFactor * float64(backoff))
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return u.failRecord(ctx, claimed.ID, err.Error())
			}
			backoff = time.Duration(float64(backoff) * u.config.BackoffFactor)
			if backoff > u.config.MaxBackoff {
				backoff = u.config.MaxBackoff
			}
		}
	}

	return u.failRecord(ctx, claimed.ID, fmt.Sprintf("retries exhausted: %v", lastErr))
}

// failRecord marks the record failed with the given reason. The record
// stays in the ledger, eligible for RetryFailed.
func (u *Uploader) failRecord(ctx context.Context, recordID, reason string) Outcome {
	updated, err := u.ledger.Transition(context.WithoutCancel(ctx), recordID, func(r *staging.Record) error {
		r.Status = staging.StatusFailed
		r.LastError = reason
		return nil
	})
	if err != nil {
		return Outcome{RecordID: recordID, Status: staging.StatusFailed, Error: reason}
	}
	return Outcome{
		RecordID: updated.ID,
		Status:   staging.StatusFailed,
		Attempts: updated.Attempts,
		Error:    reason,
	}
}

// updateJobDelivery recomputes the job's delivery state from the
// ledger: complete when nothing remains undelivered, partial otherwise.
func (u *Uploader) updateJobDelivery(ctx context.Context, jobID string) error {
	ctx = context.WithoutCancel(ctx)
	job, err := u.ledger.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			return nil // job snapshot not persisted (tests, ad hoc runs)
		}
		return err
	}

	remaining, err := u.ledger.ListByStatus(ctx, jobID,
		staging.StatusPending, staging.StatusDelivering, staging.StatusFailed)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		job.Delivery = artifact.DeliveryComplete
	} else {
		job.Delivery = artifact.DeliveryPartial
	}
	job.UpdatedAt = time.Now().UTC()
	return u.ledger.SaveJob(ctx, job)
}

// publishProgress emits a delivery progress update; tolerates a nil
// reporter.
func (u *Uploader) publishProgress(ctx context.Context, jobID string, total int, report *Report) {
	if u.reporter == nil {
		return
	}
	delivered := report.Delivered
	failed := report.Failed
	done := report.Delivered + report.Failed + report.Skipped

	percent := 100.0
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	u.reporter.Publish(progress.Update{
		JobID:    jobID,
		Stage:    "delivery",
		Accepted: delivered,
		Rejected: failed,
		Progress: percent,
		Status:   "delivering",
	})
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
