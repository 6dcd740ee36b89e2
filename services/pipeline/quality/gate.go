// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quality implements the acceptance gate applied to every
// generated artifact. Scoring is delegated to a pluggable scorer per
// artifact kind; the gate itself only makes the accept/reject decision
// and aggregates deficiency reasons for the regeneration feedback loop.
//
// The gate is deterministic: identical input always yields an identical
// assessment. Retries belong to the orchestrator, never to the gate.
package quality

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

// Scorer produces a 0–100 quality score and deficiency reasons for one
// artifact kind. Implementations must be deterministic and side-effect
// free.
type Scorer interface {
	Score(a *artifact.Artifact) (int, []string)
}

// RatingThresholds maps scores to rating buckets. A score at or above
// Excellent is "excellent", at or above Good is "good", and so on;
// anything below Fair is "poor".
type RatingThresholds struct {
	Excellent int `yaml:"excellent"`
	Good      int `yaml:"good"`
	Fair      int `yaml:"fair"`
}

// DefaultRatingThresholds returns the standard bucket boundaries.
func DefaultRatingThresholds() RatingThresholds {
	return RatingThresholds{Excellent: 90, Good: 75, Fair: 60}
}

// Rating buckets a score using the thresholds.
func (rt RatingThresholds) Rating(score int) artifact.Rating {
	switch {
	case score >= rt.Excellent:
		return artifact.RatingExcellent
	case score >= rt.Good:
		return artifact.RatingGood
	case score >= rt.Fair:
		return artifact.RatingFair
	default:
		return artifact.RatingPoor
	}
}

// Config configures the quality gate.
type Config struct {
	// MinScore is the acceptance threshold: an artifact scoring at or
	// above it is accepted. Default: 75
	MinScore int `yaml:"min_score"`

	// Ratings are the bucket boundaries.
	Ratings RatingThresholds `yaml:"ratings"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinScore: 75,
		Ratings:  DefaultRatingThresholds(),
	}
}

// Validate checks the configuration for fatal errors.
func (c Config) Validate() error {
	if c.MinScore < 0 || c.MinScore > 100 {
		return errors.New("min_score must lie within [0, 100]")
	}
	if c.Ratings.Excellent < c.Ratings.Good || c.Ratings.Good < c.Ratings.Fair {
		return errors.New("rating thresholds must be ordered excellent >= good >= fair")
	}
	return nil
}

// Gate applies the accept/reject decision to generated artifacts.
//
// Thread Safety: Safe for concurrent use; all state is read-only after
// construction.
type Gate struct {
	config  Config
	scorers map[artifact.Kind]Scorer
}

// NewGate creates a gate with the default per-kind scorers.
func NewGate(config Config) (*Gate, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		config: config,
		scorers: map[artifact.Kind]Scorer{
			artifact.KindEpic:    EpicScorer{},
			artifact.KindFeature: FeatureScorer{},
			artifact.KindStory:   StoryScorer{},
			artifact.KindTask:    TaskScorer{},
		},
	}, nil
}

// RegisterScorer replaces the scorer for a kind. Intended for tests
// and custom deployments; must be called before concurrent use.
func (g *Gate) RegisterScorer(kind artifact.Kind, s Scorer) {
	g.scorers[kind] = s
}

// Assess scores the artifact and classifies it against the minimum
// threshold.
//
// Inputs:
//   - a: The artifact to assess. Must not be nil.
//   - attempt: The 1-based generation attempt the artifact came from.
//
// Outputs:
//   - artifact.QualityAssessment: Immutable verdict for this attempt.
func (g *Gate) Assess(a *artifact.Artifact, attempt int) artifact.QualityAssessment {
	score := 0
	var reasons []string

	if scorer, ok := g.scorers[a.Kind]; ok {
		score, reasons = scorer.Score(a)
	} else {
		reasons = []string{fmt.Sprintf("no scorer registered for kind %q", a.Kind)}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return artifact.QualityAssessment{
		ArtifactID: a.ID,
		Attempt:    attempt,
		Score:      score,
		Rating:     g.config.Ratings.Rating(score),
		Reasons:    reasons,
		Accepted:   score >= g.config.MinScore,
		CreatedAt:  time.Now().UTC(),
	}
}

// MinScore returns the acceptance threshold.
func (g *Gate) MinScore() int {
	return g.config.MinScore
}

// =============================================================================
// Built-in Scorers
// =============================================================================

// scoreCommon applies the structural checks shared by all kinds:
// title presence and description substance.
func scoreCommon(a *artifact.Artifact) (int, []string) {
	score := 100
	var reasons []string

	title := strings.TrimSpace(a.Title)
	if title == "" {
		score -= 40
		reasons = append(reasons, "missing title")
	} else if len(title) < 8 {
		score -= 15
		reasons = append(reasons, "title too short to be descriptive")
	}

	desc := strings.TrimSpace(a.Description)
	switch {
	case desc == "":
		score -= 40
		reasons = append(reasons, "missing description")
	case len(desc) < 40:
		score -= 25
		reasons = append(reasons, "description lacks detail")
	case len(desc) < 120:
		score -= 10
		reasons = append(reasons, "description is thin")
	}

	return score, reasons
}

// EpicScorer scores epics: structure only, epics carry no acceptance
// criteria.
type EpicScorer struct{}

func (EpicScorer) Score(a *artifact.Artifact) (int, []string) {
	return scoreCommon(a)
}

// FeatureScorer scores features: structure plus at least one
// acceptance criterion.
type FeatureScorer struct{}

func (FeatureScorer) Score(a *artifact.Artifact) (int, []string) {
	score, reasons := scoreCommon(a)
	if len(a.AcceptanceCriteria) == 0 {
		score -= 20
		reasons = append(reasons, "no acceptance criteria")
	}
	return score, reasons
}

// StoryScorer scores user stories: structure, user-story phrasing, and
// testable acceptance criteria.
type StoryScorer struct{}

func (StoryScorer) Score(a *artifact.Artifact) (int, []string) {
	score, reasons := scoreCommon(a)

	lower := strings.ToLower(a.Description + " " + a.Title)
	if !strings.Contains(lower, "as a") || !strings.Contains(lower, "so that") {
		score -= 15
		reasons = append(reasons, "not phrased as a user story (as a / so that)")
	}

	switch n := len(a.AcceptanceCriteria); {
	case n == 0:
		score -= 25
		reasons = append(reasons, "no acceptance criteria")
	case n < 2:
		score -= 10
		reasons = append(reasons, "fewer than two acceptance criteria")
	}
	return score, reasons
}

// TaskScorer scores tasks: structure plus an actionable title.
type TaskScorer struct{}

func (TaskScorer) Score(a *artifact.Artifact) (int, []string) {
	score, reasons := scoreCommon(a)
	if len(a.AcceptanceCriteria) == 0 {
		score -= 10
		reasons = append(reasons, "no completion criteria")
	}
	return score, reasons
}
