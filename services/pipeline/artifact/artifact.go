// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact defines the data model shared across the backlog
// generation pipeline: artifacts, jobs, stage execution state, and
// quality assessments.
//
// Artifacts form a tree. The root is the product vision; each stage
// expands accepted parents into children one level deeper:
//
//	vision → epic → feature → story → task
//
// Every non-root artifact carries the ID of its parent from the
// immediately preceding stage.
package artifact

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Artifact Kinds
// =============================================================================

// Kind identifies the type of a generated artifact.
type Kind int

const (
	// KindVision is the synthetic root artifact for a pipeline run.
	KindVision Kind = iota

	// KindEpic is a top-level backlog item generated from the vision.
	KindEpic

	// KindFeature is a mid-level item generated from an epic.
	KindFeature

	// KindStory is a user story generated from a feature.
	KindStory

	// KindTask is a work task generated from a user story.
	KindTask
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindVision:
		return "vision"
	case KindEpic:
		return "epic"
	case KindFeature:
		return "feature"
	case KindStory:
		return "story"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// Level returns the hierarchy depth of the kind (vision = 0).
func (k Kind) Level() int {
	return int(k)
}

// KindFromString parses a kind name. Returns KindVision, false for
// unrecognized names.
func KindFromString(s string) (Kind, bool) {
	switch s {
	case "vision":
		return KindVision, true
	case "epic":
		return KindEpic, true
	case "feature":
		return KindFeature, true
	case "story":
		return KindStory, true
	case "task":
		return KindTask, true
	default:
		return KindVision, false
	}
}

// =============================================================================
// Artifact
// =============================================================================

// Artifact is one generated backlog item.
//
// Thread Safety: Artifacts are treated as immutable once accepted by
// the quality gate. Mutation before acceptance is confined to the
// goroutine that generated the artifact.
type Artifact struct {
	// ID is a stable unique identifier assigned at creation.
	ID string `json:"id"`

	// Kind is the artifact type (epic, feature, story, task).
	Kind Kind `json:"kind"`

	// ParentID references the accepted parent artifact from the
	// previous stage. Empty for the root vision artifact.
	ParentID string `json:"parent_id,omitempty"`

	// Title is the short summary line.
	Title string `json:"title"`

	// Description is the full body text.
	Description string `json:"description"`

	// AcceptanceCriteria lists testable conditions. Populated for
	// features, stories, and tasks.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	// CreatedAt is the generation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// New creates an artifact with a fresh UUID and creation timestamp.
func New(kind Kind, parentID string) *Artifact {
	return &Artifact{
		ID:        uuid.NewString(),
		Kind:      kind,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Quality Assessment
// =============================================================================

// Rating buckets a quality score into a coarse band.
type Rating string

const (
	RatingExcellent Rating = "excellent"
	RatingGood      Rating = "good"
	RatingFair      Rating = "fair"
	RatingPoor      Rating = "poor"
)

// QualityAssessment is the gate's verdict on one generation attempt.
//
// One assessment exists per attempt; an artifact regenerated after
// rejection accumulates several. Immutable once created.
type QualityAssessment struct {
	// ArtifactID is the assessed artifact.
	ArtifactID string `json:"artifact_id"`

	// Attempt is the 1-based generation attempt this assessment belongs to.
	Attempt int `json:"attempt"`

	// Score is the numeric quality score in [0, 100].
	Score int `json:"score"`

	// Rating is the bucket derived from Score via configured thresholds.
	Rating Rating `json:"rating"`

	// Reasons lists human-readable deficiencies found by the scorer.
	// Empty when the artifact is flawless.
	Reasons []string `json:"reasons,omitempty"`

	// Accepted is true when Score met the minimum threshold.
	Accepted bool `json:"accepted"`

	// CreatedAt is the assessment timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Job
// =============================================================================

// JobStatus is the lifecycle state of a pipeline run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// DeliveryState summarizes how far delivery to the system of record got.
//
// A job never reports overall success while concealing undelivered
// artifacts; DeliveryState keeps that visible independently of the
// generation outcome.
type DeliveryState string

const (
	// DeliveryNone means delivery has not been attempted.
	DeliveryNone DeliveryState = "none"

	// DeliveryComplete means every staged record reached the remote system.
	DeliveryComplete DeliveryState = "complete"

	// DeliveryPartial means some records remain failed and are
	// eligible for RetryFailed.
	DeliveryPartial DeliveryState = "partial"
)

// Job is one end-to-end pipeline run.
//
// Mutated only by the stage orchestrator (generation fields) and the
// uploader (delivery field); persisted through the staging ledger.
type Job struct {
	// ID is the job identifier.
	ID string `json:"id"`

	// Status is the lifecycle state.
	Status JobStatus `json:"status"`

	// CurrentStage names the stage being executed, empty when idle.
	CurrentStage string `json:"current_stage,omitempty"`

	// Progress is the overall completion percentage in [0, 100].
	Progress float64 `json:"progress"`

	// Degraded is true when at least one stage exhausted its attempt
	// ceiling and the run continued with partial output.
	Degraded bool `json:"degraded"`

	// Delivery summarizes the delivery outcome.
	Delivery DeliveryState `json:"delivery"`

	// Error holds the terminal error message for failed jobs.
	Error string `json:"error,omitempty"`

	// Vision is the root input text the run was started from.
	Vision string `json:"vision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a pending job for the given vision text.
func NewJob(vision string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Status:    JobPending,
		Delivery:  DeliveryNone,
		Vision:    vision,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// Stage Execution State
// =============================================================================

// StageExecutionState tracks quota progress for one stage of one job.
//
// Mutated only by the stage orchestrator while the stage runs;
// a snapshot is retained in the run result afterwards.
type StageExecutionState struct {
	// Stage is the stage name.
	Stage string `json:"stage"`

	// TargetQuota is the desired count of accepted artifacts.
	TargetQuota int `json:"target_quota"`

	// Accepted is the count of quality-accepted artifacts. Invariant:
	// Accepted <= TargetQuota.
	Accepted int `json:"accepted"`

	// Rejected is the count of quality-rejected generation results.
	Rejected int `json:"rejected"`

	// Attempts is the number of batch attempts made.
	Attempts int `json:"attempts"`

	// AttemptCeiling is the maximum number of batch attempts.
	AttemptCeiling int `json:"attempt_ceiling"`

	// Exhausted is true when the ceiling was reached before quota.
	Exhausted bool `json:"exhausted"`

	// Complete is true once the stage finished (satisfied or exhausted).
	Complete bool `json:"complete"`
}

// Satisfied reports whether the accepted count reached the target quota.
func (s *StageExecutionState) Satisfied() bool {
	return s.Accepted >= s.TargetQuota
}
