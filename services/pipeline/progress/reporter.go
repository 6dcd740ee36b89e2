// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress implements the fire-and-forget progress reporter.
// The pipeline publishes a structured update after every stage batch
// and every delivery batch; consumers subscribe to a push stream or
// poll the latest snapshot. Zero listeners is the normal case for
// batch runs and must never block the pipeline.
package progress

import (
	"sync"
	"time"
)

// Update is one structured progress event.
type Update struct {
	JobID    string    `json:"job_id"`
	Stage    string    `json:"stage"`
	Accepted int       `json:"accepted"`
	Rejected int       `json:"rejected"`
	Progress float64   `json:"progress_percent"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// Reporter fans updates out to subscribers and keeps the latest
// snapshot per job.
//
// Thread Safety: Safe for concurrent use.
type Reporter struct {
	mu        sync.RWMutex
	subs      map[chan Update]struct{}
	snapshots map[string]Update
}

// NewReporter creates an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{
		subs:      make(map[chan Update]struct{}),
		snapshots: make(map[string]Update),
	}
}

// Publish delivers the update to all subscribers and stores it as the
// job's snapshot. Non-blocking: a subscriber whose buffer is full
// misses the event rather than stalling the pipeline.
func (r *Reporter) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	r.mu.Lock()
	r.snapshots[u.JobID] = u
	for ch := range r.subs {
		select {
		case ch <- u:
		default:
			// Slow consumer; drop rather than block generation.
		}
	}
	r.mu.Unlock()
}

// Subscribe returns a buffered channel of updates and a cancel
// function. The channel is closed on cancel.
func (r *Reporter) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Snapshot returns the latest update for a job, if any.
func (r *Reporter) Snapshot(jobID string) (Update, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.snapshots[jobID]
	return u, ok
}
