// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

// StubGenerator produces deterministic, well-formed artifacts without
// any network access. Used for dry runs and tests.
type StubGenerator struct {
	counter int64
}

// NewStubGenerator creates a stub generator.
func NewStubGenerator() *StubGenerator {
	return &StubGenerator{}
}

// Generate implements the Generator interface.
func (g *StubGenerator) Generate(ctx context.Context, req Request) (*artifact.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := atomic.AddInt64(&g.counter, 1)
	parentTitle := "the product vision"
	parentID := ""
	if req.Parent != nil {
		parentID = req.Parent.ID
		if req.Parent.Title != "" {
			parentTitle = req.Parent.Title
		}
	}

	a := artifact.New(req.Kind, parentID)
	kindName := req.Kind.String()
	kindName = strings.ToUpper(kindName[:1]) + kindName[1:]
	a.Title = fmt.Sprintf("%s %d derived from %s", kindName, n, parentTitle)
	a.Description = fmt.Sprintf(
		"As a stakeholder I want %s #%d expanded from %q so that the backlog "+
			"covers the full scope of the initiative with independently deliverable work.",
		req.Kind, n, parentTitle)
	a.AcceptanceCriteria = []string{
		fmt.Sprintf("%s #%d is demonstrable in isolation", req.Kind, n),
		"All checks pass in the delivery pipeline",
	}
	return a, nil
}
