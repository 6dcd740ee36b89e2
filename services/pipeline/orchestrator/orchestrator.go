// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator sequences generation stages: each stage expands
// the previous stage's accepted artifacts into children, regenerating
// rejected candidates with feedback until the quota is met or the
// attempt ceiling is hit.
//
// The control loop is single-threaded between batches; only generation
// dispatch runs in parallel, inside the stage's concurrency controller.
// Quality scoring and ledger writes run synchronously after each batch
// returns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/llm"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/concurrent"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/progress"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/quality"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/staging"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/telemetry"
)

// =============================================================================
// Stage Definitions
// =============================================================================

// StageDefinition describes one generation stage.
type StageDefinition struct {
	// Name identifies the stage in status, logs, and metrics.
	Name string `yaml:"name"`

	// Kind is the artifact type this stage produces.
	Kind artifact.Kind `yaml:"kind"`

	// QuotaPerParent is how many accepted children each parent must
	// yield. Zero means the stage trivially completes.
	QuotaPerParent int `yaml:"quota_per_parent"`

	// AttemptCeiling bounds the regeneration loop: the number of
	// batch attempts allowed to meet the quota.
	AttemptCeiling int `yaml:"attempt_ceiling"`

	// HaltOnExhaustion decides the policy when the ceiling is reached
	// short of quota: true fails the whole job, false marks it
	// degraded and continues with the accepted subset.
	HaltOnExhaustion bool `yaml:"halt_on_exhaustion"`
}

// Validate checks one stage definition for fatal errors.
func (s StageDefinition) Validate() error {
	if s.Name == "" {
		return errors.New("stage name must not be empty")
	}
	if s.Kind <= artifact.KindVision || s.Kind > artifact.KindTask {
		return fmt.Errorf("stage %s: kind %q cannot be generated", s.Name, s.Kind)
	}
	if s.QuotaPerParent < 0 {
		return fmt.Errorf("stage %s: quota_per_parent must not be negative", s.Name)
	}
	if s.AttemptCeiling < 1 {
		return fmt.Errorf("stage %s: attempt_ceiling must be at least 1", s.Name)
	}
	return nil
}

// DefaultStages returns the standard four-level backlog decomposition.
func DefaultStages() []StageDefinition {
	return []StageDefinition{
		{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: 3, AttemptCeiling: 3, HaltOnExhaustion: true},
		{Name: "features", Kind: artifact.KindFeature, QuotaPerParent: 3, AttemptCeiling: 3, HaltOnExhaustion: false},
		{Name: "stories", Kind: artifact.KindStory, QuotaPerParent: 3, AttemptCeiling: 3, HaltOnExhaustion: false},
		{Name: "tasks", Kind: artifact.KindTask, QuotaPerParent: 4, AttemptCeiling: 3, HaltOnExhaustion: false},
	}
}

// Config configures the engine.
type Config struct {
	// Stages is the ordered stage sequence. Must be non-empty with
	// strictly increasing artifact levels.
	Stages []StageDefinition `yaml:"stages"`

	// Concurrency configures each stage's controller. Every stage
	// gets its own controller instance so breaker state and
	// backpressure windows never bleed across stages.
	Concurrency concurrent.Config `yaml:"concurrency"`
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Stages:      DefaultStages(),
		Concurrency: concurrent.DefaultConfig(),
	}
}

// Validate checks the configuration for fatal errors.
func (c Config) Validate() error {
	if len(c.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	prevLevel := 0
	for _, s := range c.Stages {
		if err := s.Validate(); err != nil {
			return err
		}
		if s.Kind.Level() <= prevLevel {
			return fmt.Errorf("stage %s: level must increase monotonically", s.Name)
		}
		prevLevel = s.Kind.Level()
	}
	return c.Concurrency.Validate()
}

// =============================================================================
// Errors and Results
// =============================================================================

// StageExhaustedError reports a stage that reached its attempt ceiling
// short of quota under a halt-on-exhaustion policy.
type StageExhaustedError struct {
	Stage       string
	Accepted    int
	TargetQuota int
	Attempts    int
}

func (e *StageExhaustedError) Error() string {
	return fmt.Sprintf("stage %s exhausted: %d/%d accepted after %d attempts",
		e.Stage, e.Accepted, e.TargetQuota, e.Attempts)
}

// Result is the outcome of one pipeline run.
type Result struct {
	// Stages holds the final execution state per stage, in order.
	Stages []artifact.StageExecutionState `json:"stages"`

	// Accepted is every quality-accepted artifact across all stages,
	// in parent-before-child order.
	Accepted []*artifact.Artifact `json:"accepted"`

	// StagedRecords is the count of ledger records written.
	StagedRecords int `json:"staged_records"`

	// Duration is the wall-clock run time.
	Duration time.Duration `json:"duration"`
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs the generation pipeline for one job at a time.
//
// Thread Safety: Safe for concurrent Run calls on distinct jobs; each
// run builds its own per-stage controllers and slot state.
type Engine struct {
	config    Config
	generator llm.Generator
	gate      *quality.Gate
	ledger    *staging.Ledger
	reporter  *progress.Reporter
	logger    *slog.Logger
}

// New creates an engine.
//
// Inputs:
//   - cfg: Pipeline configuration. Must pass Validate; failures here
//     are fatal configuration errors rejected before any generation.
//   - gen: The generation collaborator. Must not be nil.
//   - gate: The quality gate. Must not be nil.
//   - ledger: The staging ledger. Must not be nil.
//   - reporter: Progress reporter. May be nil.
//   - logger: Structured logger. Must not be nil.
func New(cfg Config, gen llm.Generator, gate *quality.Gate, ledger *staging.Ledger, reporter *progress.Reporter, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if gen == nil || gate == nil || ledger == nil {
		return nil, errors.New("orchestrator: generator, gate, and ledger must not be nil")
	}
	return &Engine{
		config:    cfg,
		generator: gen,
		gate:      gate,
		ledger:    ledger,
		reporter:  reporter,
		logger:    logger,
	}, nil
}

// slot is one outstanding quota position: a single child owed by a
// single parent, carrying the rejection history of its prior attempts.
type slot struct {
	parent   *artifact.Artifact
	feedback []string
	attempts int
	filled   *artifact.Artifact
}

// Run executes every configured stage in sequence, stages the accepted
// artifacts durably, and persists the job's terminal state.
//
// Cancellation aborts further batch submission; artifacts accepted
// before the cancel are still staged and the job is marked failed
// without rolling anything back.
func (e *Engine) Run(ctx context.Context, job *artifact.Job) (*Result, error) {
	start := time.Now()
	result := &Result{}

	job.Status = artifact.JobRunning
	e.saveJob(ctx, job)

	// The vision text acts as the synthetic root parent for the first
	// stage. It is never staged or delivered.
	root := artifact.New(artifact.KindVision, "")
	root.Title = "Vision"
	root.Description = job.Vision

	parents := []*artifact.Artifact{root}
	var runErr error

	for i, stage := range e.config.Stages {
		job.CurrentStage = stage.Name
		e.saveJob(ctx, job)

		state, accepted, err := e.runStage(ctx, job, stage, parents, i)
		result.Stages = append(result.Stages, state)
		result.Accepted = append(result.Accepted, accepted...)

		if state.Exhausted {
			telemetry.StagesExhausted.WithLabelValues(stage.Name).Inc()
			if stage.HaltOnExhaustion {
				runErr = &StageExhaustedError{
					Stage:       stage.Name,
					Accepted:    state.Accepted,
					TargetQuota: state.TargetQuota,
					Attempts:    state.Attempts,
				}
				break
			}
			job.Degraded = true
			e.logger.Warn("stage exhausted, continuing with partial output",
				"job_id", job.ID,
				"stage", stage.Name,
				"accepted", state.Accepted,
				"target_quota", state.TargetQuota,
			)
		}
		if err != nil {
			runErr = err
			break
		}
		parents = accepted
	}

	// Stage whatever was accepted, even on failure or cancellation.
	staged, stageErr := e.stageAccepted(ctx, job.ID, result.Accepted)
	result.StagedRecords = staged
	if stageErr != nil && runErr == nil {
		runErr = stageErr
	}

	job.CurrentStage = ""
	job.Progress = e.overallProgress(result.Stages)
	if runErr != nil {
		job.Status = artifact.JobFailed
		job.Error = runErr.Error()
	} else {
		job.Status = artifact.JobCompleted
		job.Progress = 100
	}
	job.UpdatedAt = time.Now().UTC()
	e.saveJob(ctx, job)
	telemetry.JobsCompleted.WithLabelValues(string(job.Status)).Inc()

	e.publish(job, "", "")
	result.Duration = time.Since(start)

	e.logger.Info("pipeline run finished",
		"job_id", job.ID,
		"status", string(job.Status),
		"degraded", job.Degraded,
		"accepted", len(result.Accepted),
		"staged", staged,
		"duration", result.Duration.String(),
	)
	return result, runErr
}

// runStage drives one stage's regeneration loop to quota or ceiling.
func (e *Engine) runStage(ctx context.Context, job *artifact.Job, stage StageDefinition, parents []*artifact.Artifact, stageIndex int) (artifact.StageExecutionState, []*artifact.Artifact, error) {
	state := artifact.StageExecutionState{
		Stage:          stage.Name,
		TargetQuota:    stage.QuotaPerParent * len(parents),
		AttemptCeiling: stage.AttemptCeiling,
	}
	if state.TargetQuota == 0 {
		state.Complete = true
		return state, nil, nil
	}

	controller, err := concurrent.New(e.config.Concurrency, e.logger.With("stage", stage.Name))
	if err != nil {
		return state, nil, err
	}

	// Slots exist only for accepted parents, so a child of a rejected
	// candidate can never be dispatched.
	slots := make([]*slot, 0, state.TargetQuota)
	for _, parent := range parents {
		for i := 0; i < stage.QuotaPerParent; i++ {
			slots = append(slots, &slot{parent: parent})
		}
	}

	for state.Attempts < stage.AttemptCeiling {
		if ctx.Err() != nil {
			return state, e.filledArtifacts(slots), ctx.Err()
		}

		units := e.buildUnits(job, stage, slots)
		if len(units.units) == 0 {
			break
		}
		state.Attempts++

		results := controller.ProcessBatch(ctx, units.units)
		for _, res := range results {
			s := units.byID[res.UnitID]
			if res.Err != nil {
				// Transient failure: the slot stays outstanding and
				// the breaker/backpressure machinery already saw it.
				telemetry.GenerationAttempts.WithLabelValues(stage.Name, "error").Inc()
				e.logger.Warn("generation unit failed",
					"job_id", job.ID,
					"stage", stage.Name,
					"endpoint", res.Endpoint,
					"error", res.Err.Error(),
				)
				continue
			}

			s.attempts++
			qa := e.gate.Assess(res.Artifact, s.attempts)
			if err := e.ledger.AppendAssessment(ctx, qa); err != nil {
				e.logger.Error("failed to persist assessment",
					"artifact_id", res.Artifact.ID, "error", err.Error())
			}
			telemetry.QualityScores.WithLabelValues(stage.Name).Observe(float64(qa.Score))

			if qa.Accepted {
				s.filled = res.Artifact
				state.Accepted++
				telemetry.GenerationAttempts.WithLabelValues(stage.Name, "accepted").Inc()
			} else {
				s.feedback = append(s.feedback, qa.Reasons...)
				state.Rejected++
				telemetry.GenerationAttempts.WithLabelValues(stage.Name, "rejected").Inc()
			}
		}

		telemetry.WorkerPoolSize.WithLabelValues(stage.Name).Set(float64(controller.Workers()))
		telemetry.RequestRate.WithLabelValues(stage.Name).Set(controller.Rate())

		job.Progress = e.progressAt(stageIndex, &state)
		if e.reporter != nil {
			e.reporter.Publish(progress.Update{
				JobID:    job.ID,
				Stage:    stage.Name,
				Accepted: state.Accepted,
				Rejected: state.Rejected,
				Progress: job.Progress,
				Status:   "running",
			})
		}

		if state.Satisfied() {
			break
		}
	}

	if !state.Satisfied() {
		state.Exhausted = true
	}
	state.Complete = true
	return state, e.filledArtifacts(slots), nil
}

// unitBatch pairs the dispatchable units with their owning slots.
type unitBatch struct {
	units []concurrent.Unit
	byID  map[string]*slot
}

// buildUnits creates one unit per outstanding slot.
func (e *Engine) buildUnits(job *artifact.Job, stage StageDefinition, slots []*slot) unitBatch {
	batch := unitBatch{byID: make(map[string]*slot)}
	for i, s := range slots {
		if s.filled != nil {
			continue
		}
		s := s
		id := fmt.Sprintf("%s/%d", stage.Name, i)
		req := llm.Request{
			Parent:            s.parent,
			Kind:              stage.Kind,
			ProjectContext:    job.Vision,
			RejectionFeedback: s.feedback,
		}
		batch.byID[id] = s
		batch.units = append(batch.units, concurrent.Unit{
			ID: id,
			Work: func(ctx context.Context, endpoint string) (*artifact.Artifact, error) {
				return e.generator.Generate(ctx, req)
			},
		})
	}
	return batch
}

// filledArtifacts returns the accepted artifacts in slot order, which
// preserves parent grouping.
func (e *Engine) filledArtifacts(slots []*slot) []*artifact.Artifact {
	out := make([]*artifact.Artifact, 0, len(slots))
	for _, s := range slots {
		if s.filled != nil {
			out = append(out, s.filled)
		}
	}
	return out
}

// stageAccepted writes accepted artifacts to the ledger in
// parent-before-child order, threading staging ids for parent links.
func (e *Engine) stageAccepted(ctx context.Context, jobID string, accepted []*artifact.Artifact) (int, error) {
	// Detached context: staging must complete even when the run was
	// cancelled, so accepted output survives.
	ctx = context.WithoutCancel(ctx)

	stagingIDs := make(map[string]string, len(accepted))
	staged := 0
	for _, art := range accepted {
		parentStagingID := ""
		if art.ParentID != "" {
			if id, ok := stagingIDs[art.ParentID]; ok {
				parentStagingID = id
			}
		}
		id, err := e.ledger.Stage(ctx, jobID, art, parentStagingID)
		if err != nil {
			return staged, fmt.Errorf("stage artifact %s: %w", art.ID, err)
		}
		stagingIDs[art.ID] = id
		staged++
	}
	return staged, nil
}

// progressAt estimates overall completion from the stage index and the
// in-stage quota fraction, weighting all stages equally.
func (e *Engine) progressAt(stageIndex int, state *artifact.StageExecutionState) float64 {
	per := 100.0 / float64(len(e.config.Stages))
	frac := 0.0
	if state.TargetQuota > 0 {
		frac = float64(state.Accepted) / float64(state.TargetQuota)
	}
	return per*float64(stageIndex) + per*frac
}

// overallProgress recomputes progress from final stage states.
func (e *Engine) overallProgress(stages []artifact.StageExecutionState) float64 {
	if len(e.config.Stages) == 0 {
		return 0
	}
	per := 100.0 / float64(len(e.config.Stages))
	total := 0.0
	for _, s := range stages {
		if s.TargetQuota == 0 {
			total += per
			continue
		}
		total += per * float64(s.Accepted) / float64(s.TargetQuota)
	}
	if total > 100 {
		total = 100
	}
	return total
}

func (e *Engine) saveJob(ctx context.Context, job *artifact.Job) {
	job.UpdatedAt = time.Now().UTC()
	if err := e.ledger.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		e.logger.Error("failed to persist job", "job_id", job.ID, "error", err.Error())
	}
}

func (e *Engine) publish(job *artifact.Job, stage, status string) {
	if e.reporter == nil {
		return
	}
	if status == "" {
		status = string(job.Status)
	}
	e.reporter.Publish(progress.Update{
		JobID:    job.ID,
		Stage:    stage,
		Progress: job.Progress,
		Status:   status,
	})
}
