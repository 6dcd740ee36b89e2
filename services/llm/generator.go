// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the Generator collaborator: an opaque,
// bounded-latency call that turns an accepted parent artifact into a
// candidate child artifact. The pipeline core is agnostic to the
// backing model; backends are selected by configuration.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

// Request describes one generation unit.
type Request struct {
	// Parent is the accepted artifact to expand. For the first stage
	// this is the synthetic vision root.
	Parent *artifact.Artifact

	// Kind is the artifact type to produce.
	Kind artifact.Kind

	// ProjectContext is free-form context shared across the job
	// (the vision text plus any project framing).
	ProjectContext string

	// RejectionFeedback carries the deficiency reasons from prior
	// rejected attempts for the same quota slot, so the backend can
	// be told what to fix.
	RejectionFeedback []string
}

// Generator is the external generation collaborator.
type Generator interface {
	// Generate produces one candidate artifact. Implementations must
	// respect the context deadline and may fail transiently.
	Generate(ctx context.Context, req Request) (*artifact.Artifact, error)
}

// buildPrompt renders the generation request as a model prompt.
func buildPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are generating an agile backlog. Produce exactly one %s.\n\n", req.Kind)
	if req.ProjectContext != "" {
		fmt.Fprintf(&b, "Project context:\n%s\n\n", req.ProjectContext)
	}
	if req.Parent != nil && req.Parent.Kind != artifact.KindVision {
		fmt.Fprintf(&b, "Parent %s:\nTitle: %s\nDescription: %s\n\n",
			req.Parent.Kind, req.Parent.Title, req.Parent.Description)
	}
	if len(req.RejectionFeedback) > 0 {
		b.WriteString("A previous attempt was rejected. Address these deficiencies:\n")
		for _, reason := range req.RejectionFeedback {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Respond with a single JSON object and nothing else:
{"title": "...", "description": "...", "acceptance_criteria": ["...", "..."]}`)

	return b.String()
}

// generatedPayload is the JSON shape expected from backends.
type generatedPayload struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// parseArtifact decodes a backend completion into an artifact.
//
// Models frequently wrap JSON in markdown fences; those are stripped
// before decoding. A malformed completion is a transient generation
// failure, not a quality rejection.
func parseArtifact(raw string, req Request) (*artifact.Artifact, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	// Tolerate leading prose before the object.
	if idx := strings.Index(cleaned, "{"); idx > 0 {
		cleaned = cleaned[idx:]
	}

	var payload generatedPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("decode generated %s: %w", req.Kind, err)
	}

	parentID := ""
	if req.Parent != nil {
		parentID = req.Parent.ID
	}
	a := artifact.New(req.Kind, parentID)
	a.Title = strings.TrimSpace(payload.Title)
	a.Description = strings.TrimSpace(payload.Description)
	a.AcceptanceCriteria = payload.AcceptanceCriteria
	return a, nil
}
