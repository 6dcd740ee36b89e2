// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote provides the system-of-record client consumed by the
// uploader. The production implementation targets an Azure DevOps
// style work-item REST API; an in-memory fake backs tests and dry
// runs.
package remote

import (
	"context"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

// WorkItem is the payload delivered to the system of record.
type WorkItem struct {
	// Kind is the work item type (epic, feature, story, task).
	Kind artifact.Kind

	// Title is the work item summary.
	Title string

	// Description is the body, plain text.
	Description string

	// AcceptanceCriteria is rendered into the tracker's criteria field.
	AcceptanceCriteria []string

	// ParentRemoteID links the item under its parent. Empty for
	// top-level items.
	ParentRemoteID string
}

// Client creates work items in the external system of record.
//
// Implementations must be safe for concurrent use: the uploader
// delivers sibling records in parallel.
type Client interface {
	// CreateWorkItem creates one item and returns its remote
	// identifier. The call must respect the context deadline.
	CreateWorkItem(ctx context.Context, item WorkItem) (string, error)
}
