// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindVision, KindEpic, KindFeature, KindStory, KindTask} {
		parsed, ok := KindFromString(kind.String())
		require.True(t, ok, "kind %s", kind)
		assert.Equal(t, kind, parsed)
	}

	_, ok := KindFromString("initiative")
	assert.False(t, ok)
}

func TestKindLevelsIncrease(t *testing.T) {
	assert.Equal(t, 0, KindVision.Level())
	assert.Equal(t, 1, KindEpic.Level())
	assert.Equal(t, 2, KindFeature.Level())
	assert.Equal(t, 3, KindStory.Level())
	assert.Equal(t, 4, KindTask.Level())
}

func TestNewAssignsIdentityAndParent(t *testing.T) {
	parent := New(KindEpic, "")
	child := New(KindFeature, parent.ID)

	assert.NotEmpty(t, child.ID)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.False(t, child.CreatedAt.IsZero())
}

func TestNewJobDefaults(t *testing.T) {
	job := NewJob("Modernize the billing platform")

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, DeliveryNone, job.Delivery)
	assert.Equal(t, "Modernize the billing platform", job.Vision)
	assert.False(t, job.Degraded)
	assert.Zero(t, job.Progress)
}

func TestStageExecutionStateSatisfied(t *testing.T) {
	state := StageExecutionState{TargetQuota: 3}
	assert.False(t, state.Satisfied())

	state.Accepted = 2
	assert.False(t, state.Satisfied())

	state.Accepted = 3
	assert.True(t, state.Satisfied())

	zero := StageExecutionState{TargetQuota: 0}
	assert.True(t, zero.Satisfied(), "zero quota is trivially satisfied")
}
