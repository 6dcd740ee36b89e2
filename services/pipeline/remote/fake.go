// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client for tests and dry runs.
//
// FailuresPerItem injects transient failures: each distinct title
// fails that many times before succeeding, which exercises the
// uploader's retry path.
//
// Thread Safety: Safe for concurrent use.
type FakeClient struct {
	// FailuresPerItem is how many times each item fails before
	// succeeding. Zero means always succeed.
	FailuresPerItem int

	mu       sync.Mutex
	nextID   int
	attempts map[string]int
	items    map[string]WorkItem // remote id → item
}

// NewFakeClient creates an always-succeeding fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		attempts: make(map[string]int),
		items:    make(map[string]WorkItem),
	}
}

// CreateWorkItem implements the Client interface.
func (f *FakeClient) CreateWorkItem(ctx context.Context, item WorkItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[item.Title]++
	if f.attempts[item.Title] <= f.FailuresPerItem {
		return "", fmt.Errorf("fake backend: transient failure %d for %q",
			f.attempts[item.Title], item.Title)
	}

	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	f.items[id] = item
	return id, nil
}

// Items returns a copy of all created items keyed by remote id.
func (f *FakeClient) Items() map[string]WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]WorkItem, len(f.items))
	for k, v := range f.items {
		out[k] = v
	}
	return out
}

// Attempts returns how many create calls were made for the title.
func (f *FakeClient) Attempts(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[title]
}

// Created returns the total number of items created.
func (f *FakeClient) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
