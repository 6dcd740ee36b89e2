// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package staging implements the durable ledger between generation and
// delivery. Every accepted artifact is recorded here with status
// "pending" before any delivery attempt, so partial delivery failures
// never require regenerating content.
//
// The ledger is backed by BadgerDB with synchronous writes: Stage does
// not return success until the record is committed. Records are never
// deleted; they are kept for audit and retry after job completion.
//
// Key layout:
//
//	job:<jobID>                         → Job JSON
//	rec:<stagingID>                     → StagingRecord JSON
//	jobrec:<jobID>:<level>:<stagingID>  → stagingID (ordered job index)
//	qa:<artifactID>:<attempt>           → QualityAssessment JSON
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

// ErrNotFound is returned when a record or job does not exist.
var ErrNotFound = errors.New("staging: record not found")

// DeliveryStatus is the delivery lifecycle state of a staging record.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusDelivering DeliveryStatus = "delivering"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
)

// Record is one artifact awaiting (or having completed) delivery to
// the external system of record.
//
// Mutated exclusively through Ledger.Transition, which serializes
// writers per record.
type Record struct {
	// ID is the staging record identifier.
	ID string `json:"id"`

	// JobID is the owning pipeline run.
	JobID string `json:"job_id"`

	// Level is the hierarchy depth (epic = 1, feature = 2, ...).
	Level int `json:"level"`

	// ParentID is the staging record of the artifact's parent; empty
	// for top-level records.
	ParentID string `json:"parent_id,omitempty"`

	// Artifact is the staged payload.
	Artifact artifact.Artifact `json:"artifact"`

	// Status is the delivery state.
	Status DeliveryStatus `json:"status"`

	// RemoteID is the system-of-record identifier, assigned after a
	// successful delivery. A non-empty RemoteID means the remote item
	// exists even if a later status write was lost.
	RemoteID string `json:"remote_id,omitempty"`

	// Attempts counts delivery attempts made so far.
	Attempts int `json:"attempts"`

	// LastError holds the most recent delivery error, kept for audit.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config configures the ledger's Badger instance.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string `yaml:"path"`

	// InMemory runs without disk persistence. For tests only.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync on commit. Stage's crash-safety contract
	// depends on this; disable only in tests. Default: true.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SyncWrites: true}
}

// Ledger is the durable staging store.
//
// Thread Safety: Safe for concurrent use. Concurrent Transition calls
// on the same record are serialized by a per-record lock; siblings
// proceed in parallel.
type Ledger struct {
	db *badger.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the ledger database.
func Open(cfg Config) (*Ledger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("staging: path is required for a persistent ledger")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open staging ledger: %w", err)
	}
	return &Ledger{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// OpenInMemory opens a throwaway in-memory ledger for tests.
func OpenInMemory() (*Ledger, error) {
	return Open(Config{InMemory: true})
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// lockFor returns the mutex serializing writers of one record.
func (l *Ledger) lockFor(recordID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[recordID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[recordID] = m
	}
	return m
}

// =============================================================================
// Staging
// =============================================================================

// Stage durably records an artifact with status pending.
//
// The call is synchronous and crash-safe: when it returns nil the
// record has been committed to disk (with SyncWrites enabled).
//
// Inputs:
//   - ctx: Context for cancellation.
//   - jobID: The owning job.
//   - art: The accepted artifact. Must not be nil.
//   - parentStagingID: The parent's staging record, empty for level 1.
//
// Outputs:
//   - string: The new staging record ID.
//   - error: Non-nil if the parent does not exist or the commit fails.
func (l *Ledger) Stage(ctx context.Context, jobID string, art *artifact.Artifact, parentStagingID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if art == nil {
		return "", errors.New("staging: artifact must not be nil")
	}

	now := time.Now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Level:     art.Kind.Level(),
		ParentID:  parentStagingID,
		Artifact:  *art,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		if parentStagingID != "" {
			if _, err := txn.Get(recordKey(parentStagingID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("staging: parent record %s does not exist", parentStagingID)
				}
				return err
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal staging record: %w", err)
		}
		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(jobIndexKey(jobID, rec.Level, rec.ID), []byte(rec.ID))
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Get loads one staging record.
func (l *Ledger) Get(ctx context.Context, recordID string) (Record, error) {
	var rec Record
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(recordID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// ListByStatus returns the job's records whose status is in the given
// set, ordered parent-before-child (ascending hierarchy level, then
// staging order within a level).
func (l *Ledger) ListByStatus(ctx context.Context, jobID string, statuses ...DeliveryStatus) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[DeliveryStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var records []Record
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("jobrec:%s:", jobID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var recID string
			if err := it.Item().Value(func(val []byte) error {
				recID = string(val)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get(recordKey(recID))
			if err != nil {
				return err
			}
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if len(want) == 0 || want[rec.Status] {
				records = append(records, rec)
			}
		}
		return nil
	})
	return records, err
}

// Transition applies fn to the record and commits the result.
//
// Writers of the same record are serialized: two delivery workers can
// never race a status change on one record. fn sees the freshest
// committed state; returning an error aborts without writing.
func (l *Ledger) Transition(ctx context.Context, recordID string, fn func(*Record) error) (Record, error) {
	lock := l.lockFor(recordID)
	lock.Lock()
	defer lock.Unlock()

	var rec Record
	if err := ctx.Err(); err != nil {
		return rec, err
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(recordID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(recordID), data)
	})
	return rec, err
}

// =============================================================================
// Jobs
// =============================================================================

// SaveJob persists the job snapshot.
func (l *Ledger) SaveJob(ctx context.Context, job *artifact.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.ID), data)
	})
}

// GetJob loads a job snapshot.
func (l *Ledger) GetJob(ctx context.Context, jobID string) (*artifact.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job artifact.Job
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// =============================================================================
// Quality Assessment Audit Log
// =============================================================================

// AppendAssessment records one quality verdict for audit of rejection
// patterns. Assessments are immutable and keyed by artifact + attempt.
func (l *Ledger) AppendAssessment(ctx context.Context, qa artifact.QualityAssessment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(qa)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(assessmentKey(qa.ArtifactID, qa.Attempt), data)
	})
}

// Assessments returns all recorded verdicts for an artifact in attempt
// order.
func (l *Ledger) Assessments(ctx context.Context, artifactID string) ([]artifact.QualityAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []artifact.QualityAssessment
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("qa:%s:", artifactID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var qa artifact.QualityAssessment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &qa)
			}); err != nil {
				return err
			}
			out = append(out, qa)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// Keys
// =============================================================================

func recordKey(id string) []byte {
	return []byte("rec:" + id)
}

func jobKey(id string) []byte {
	return []byte("job:" + id)
}

func jobIndexKey(jobID string, level int, recID string) []byte {
	return []byte(fmt.Sprintf("jobrec:%s:%02d:%s", jobID, level, recID))
}

func assessmentKey(artifactID string, attempt int) []byte {
	return []byte(fmt.Sprintf("qa:%s:%03d", artifactID, attempt))
}
