// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/llm"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/concurrent"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/quality"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/staging"
)

// =============================================================================
// Test collaborators
// =============================================================================

// scriptedGenerator drives generation from a per-request function and
// records every request it saw.
type scriptedGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
	fn       func(req llm.Request, call int) (*artifact.Artifact, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request) (*artifact.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	call := len(g.requests)
	g.mu.Unlock()
	return g.fn(req, call)
}

func (g *scriptedGenerator) seen() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// markerScorer accepts artifacts whose title contains "good".
type markerScorer struct{}

func (markerScorer) Score(a *artifact.Artifact) (int, []string) {
	if strings.Contains(a.Title, "good") {
		return 95, nil
	}
	return 20, []string{"title lacks substance"}
}

func goodArtifact(req llm.Request) *artifact.Artifact {
	a := artifact.New(req.Kind, req.Parent.ID)
	a.Title = fmt.Sprintf("good %s for %s", req.Kind, req.Parent.ID)
	a.Description = "Generated content."
	return a
}

func badArtifact(req llm.Request) *artifact.Artifact {
	a := artifact.New(req.Kind, req.Parent.ID)
	a.Title = "weak"
	a.Description = "Generated content."
	return a
}

func testConcurrency() concurrent.Config {
	cfg := concurrent.DefaultConfig()
	cfg.UnitTimeout = 5 * time.Second
	cfg.Rate.TokensPerSecond = 1000
	cfg.Rate.Burst = 1000
	cfg.Rate.MaxTokensPerSecond = 10000
	return cfg
}

func markerGate(t *testing.T) *quality.Gate {
	t.Helper()
	gate, err := quality.NewGate(quality.DefaultConfig())
	require.NoError(t, err)
	for _, k := range []artifact.Kind{artifact.KindEpic, artifact.KindFeature, artifact.KindStory, artifact.KindTask} {
		gate.RegisterScorer(k, markerScorer{})
	}
	return gate
}

func newTestEngine(t *testing.T, cfg Config, gen llm.Generator) (*Engine, *staging.Ledger) {
	t.Helper()
	ledger, err := staging.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	engine, err := New(cfg, gen, markerGate(t), ledger, nil, slog.Default())
	require.NoError(t, err)
	return engine, ledger
}

func singleStage(def StageDefinition) Config {
	return Config{Stages: []StageDefinition{def}, Concurrency: testConcurrency()}
}

// =============================================================================
// Tests
// =============================================================================

func TestRunMeetsQuotaFirstAttempt(t *testing.T) {
	gen := &scriptedGenerator{fn: func(req llm.Request, _ int) (*artifact.Artifact, error) {
		return goodArtifact(req), nil
	}}
	cfg := singleStage(StageDefinition{
		Name: "epics", Kind: artifact.KindEpic,
		QuotaPerParent: 3, AttemptCeiling: 2, HaltOnExhaustion: true,
	})
	engine, ledger := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("Build a unified onboarding experience")
	result, err := engine.Run(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, result.Stages, 1)
	state := result.Stages[0]
	assert.Equal(t, 3, state.TargetQuota)
	assert.Equal(t, 3, state.Accepted)
	assert.Equal(t, 0, state.Rejected)
	assert.Equal(t, 1, state.Attempts)
	assert.False(t, state.Exhausted)
	assert.True(t, state.Complete)

	assert.Equal(t, artifact.JobCompleted, job.Status)
	assert.False(t, job.Degraded)
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, 3, result.StagedRecords)

	records, err := ledger.ListByStatus(context.Background(), job.ID, staging.StatusPending)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRunExhaustionHaltsJob(t *testing.T) {
	gen := &scriptedGenerator{fn: func(req llm.Request, _ int) (*artifact.Artifact, error) {
		return badArtifact(req), nil
	}}
	cfg := singleStage(StageDefinition{
		Name: "epics", Kind: artifact.KindEpic,
		QuotaPerParent: 3, AttemptCeiling: 2, HaltOnExhaustion: true,
	})
	engine, _ := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("An ambitious product vision")
	result, err := engine.Run(context.Background(), job)

	var exhausted *StageExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "epics", exhausted.Stage)

	state := result.Stages[0]
	assert.Equal(t, 0, state.Accepted)
	assert.GreaterOrEqual(t, state.Rejected, 3)
	assert.Equal(t, 2, state.Attempts)
	assert.True(t, state.Exhausted)

	assert.Equal(t, artifact.JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

func TestRunExhaustionDegradesWhenPolicyContinues(t *testing.T) {
	// First slot succeeds, the rest never do.
	gen := &scriptedGenerator{fn: func(req llm.Request, call int) (*artifact.Artifact, error) {
		if call == 1 {
			return goodArtifact(req), nil
		}
		return badArtifact(req), nil
	}}
	cfg := singleStage(StageDefinition{
		Name: "epics", Kind: artifact.KindEpic,
		QuotaPerParent: 3, AttemptCeiling: 2, HaltOnExhaustion: false,
	})
	engine, _ := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("An ambitious product vision")
	result, err := engine.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, artifact.JobCompleted, job.Status)
	assert.True(t, job.Degraded)
	assert.True(t, result.Stages[0].Exhausted)
	assert.Equal(t, 1, result.Stages[0].Accepted)
	assert.Equal(t, 1, result.StagedRecords)
}

func TestRunFeedsRejectionReasonsBack(t *testing.T) {
	// Reject everything on the first batch, accept on the second.
	gen := &scriptedGenerator{fn: func(req llm.Request, _ int) (*artifact.Artifact, error) {
		if len(req.RejectionFeedback) == 0 {
			return badArtifact(req), nil
		}
		return goodArtifact(req), nil
	}}
	cfg := singleStage(StageDefinition{
		Name: "epics", Kind: artifact.KindEpic,
		QuotaPerParent: 2, AttemptCeiling: 3, HaltOnExhaustion: true,
	})
	engine, _ := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("A vision that needs iteration")
	result, err := engine.Run(context.Background(), job)
	require.NoError(t, err)

	state := result.Stages[0]
	assert.Equal(t, 2, state.Accepted)
	assert.Equal(t, 2, state.Rejected)
	assert.Equal(t, 2, state.Attempts)

	// Second-attempt requests carried the scorer's reasons.
	var withFeedback int
	for _, req := range gen.seen() {
		if len(req.RejectionFeedback) > 0 {
			assert.Contains(t, req.RejectionFeedback, "title lacks substance")
			withFeedback++
		}
	}
	assert.Equal(t, 2, withFeedback)
}

func TestRunNeverExpandsRejectedParents(t *testing.T) {
	// Stage 1 accepts only its first slot; stage 2 expands whatever
	// parents it is given.
	gen := &scriptedGenerator{fn: func(req llm.Request, call int) (*artifact.Artifact, error) {
		if req.Kind == artifact.KindEpic && call > 1 {
			return badArtifact(req), nil
		}
		return goodArtifact(req), nil
	}}
	cfg := Config{
		Stages: []StageDefinition{
			{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: 2, AttemptCeiling: 1, HaltOnExhaustion: false},
			{Name: "features", Kind: artifact.KindFeature, QuotaPerParent: 2, AttemptCeiling: 2, HaltOnExhaustion: true},
		},
		Concurrency: testConcurrency(),
	}
	engine, _ := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("A vision with a weak epic")
	result, err := engine.Run(context.Background(), job)
	require.NoError(t, err)

	// One epic accepted, so the feature stage owes 2, not 4.
	assert.Equal(t, 1, result.Stages[0].Accepted)
	assert.Equal(t, 2, result.Stages[1].TargetQuota)
	assert.Equal(t, 2, result.Stages[1].Accepted)

	acceptedEpicID := ""
	for _, a := range result.Accepted {
		if a.Kind == artifact.KindEpic {
			acceptedEpicID = a.ID
		}
	}
	require.NotEmpty(t, acceptedEpicID)
	for _, req := range gen.seen() {
		if req.Kind == artifact.KindFeature {
			assert.Equal(t, acceptedEpicID, req.Parent.ID,
				"feature units must only exist for accepted epics")
		}
	}
}

func TestRunZeroQuotaStageTriviallyCompletes(t *testing.T) {
	gen := &scriptedGenerator{fn: func(req llm.Request, _ int) (*artifact.Artifact, error) {
		t.Error("generator must not be called for a zero-quota stage")
		return nil, nil
	}}
	cfg := singleStage(StageDefinition{
		Name: "epics", Kind: artifact.KindEpic,
		QuotaPerParent: 0, AttemptCeiling: 1, HaltOnExhaustion: true,
	})
	engine, _ := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("Nothing to do")
	result, err := engine.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, artifact.JobCompleted, job.Status)
	assert.True(t, result.Stages[0].Complete)
	assert.Zero(t, result.StagedRecords)
}

func TestRunCancellationKeepsAcceptedOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Accept every epic, then cancel as soon as the feature stage
	// starts generating.
	gen := &scriptedGenerator{fn: func(req llm.Request, _ int) (*artifact.Artifact, error) {
		if req.Kind == artifact.KindFeature {
			cancel()
			return nil, context.Canceled
		}
		return goodArtifact(req), nil
	}}
	cfg := Config{
		Stages: []StageDefinition{
			{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: 2, AttemptCeiling: 2, HaltOnExhaustion: true},
			{Name: "features", Kind: artifact.KindFeature, QuotaPerParent: 2, AttemptCeiling: 5, HaltOnExhaustion: true},
		},
		Concurrency: testConcurrency(),
	}
	engine, ledger := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("A run that gets cancelled")
	result, err := engine.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, artifact.JobFailed, job.Status)

	// The two accepted epics survive in the ledger.
	assert.GreaterOrEqual(t, result.StagedRecords, 2)
	records, lerr := ledger.ListByStatus(context.Background(), job.ID, staging.StatusPending)
	require.NoError(t, lerr)
	assert.GreaterOrEqual(t, len(records), 2)
}

func TestRunFullPipelineStagesInParentOrder(t *testing.T) {
	gen := &scriptedGenerator{fn: func(req llm.Request, _ int) (*artifact.Artifact, error) {
		return goodArtifact(req), nil
	}}
	cfg := Config{
		Stages: []StageDefinition{
			{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: 2, AttemptCeiling: 2, HaltOnExhaustion: true},
			{Name: "features", Kind: artifact.KindFeature, QuotaPerParent: 2, AttemptCeiling: 2, HaltOnExhaustion: true},
			{Name: "stories", Kind: artifact.KindStory, QuotaPerParent: 2, AttemptCeiling: 2, HaltOnExhaustion: true},
		},
		Concurrency: testConcurrency(),
	}
	engine, ledger := newTestEngine(t, cfg, gen)

	job := artifact.NewJob("A full three-level decomposition")
	result, err := engine.Run(context.Background(), job)
	require.NoError(t, err)

	// 2 epics + 4 features + 8 stories.
	assert.Equal(t, 14, result.StagedRecords)
	assert.Len(t, result.Accepted, 14)

	records, err := ledger.ListByStatus(context.Background(), job.ID, staging.StatusPending)
	require.NoError(t, err)
	require.Len(t, records, 14)

	// Level-ordered listing, and every child's parent staging record
	// precedes it.
	seen := make(map[string]bool)
	lastLevel := 0
	for _, rec := range records {
		assert.GreaterOrEqual(t, rec.Level, lastLevel)
		lastLevel = rec.Level
		if rec.ParentID != "" {
			assert.True(t, seen[rec.ParentID], "parent of %s must be staged first", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestConfigRejectsFatalErrors(t *testing.T) {
	base := DefaultConfig()
	require.NoError(t, base.Validate())

	cfg := base
	cfg.Stages = nil
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Stages = []StageDefinition{{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: -1, AttemptCeiling: 1}}
	assert.Error(t, cfg.Validate(), "negative quota is a fatal configuration error")

	cfg = base
	cfg.Stages = []StageDefinition{{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: 1, AttemptCeiling: 0}}
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Stages = []StageDefinition{
		{Name: "tasks", Kind: artifact.KindTask, QuotaPerParent: 1, AttemptCeiling: 1},
		{Name: "epics", Kind: artifact.KindEpic, QuotaPerParent: 1, AttemptCeiling: 1},
	}
	assert.Error(t, cfg.Validate(), "stage levels must increase")

	cfg = base
	cfg.Concurrency.MinWorkers = 0
	assert.Error(t, cfg.Validate())
}
