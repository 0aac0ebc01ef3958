// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CheckpointRecord is the durable outcome of one node in one run.
//
// Output must round-trip through the store's serialization (JSON for
// the provided persistent stores) for resume to hand dependents the
// same value a live run would have.
type CheckpointRecord struct {
	RunID     string     `json:"runId"`
	NodeID    string     `json:"nodeId"`
	Status    NodeStatus `json:"status"`
	Output    any        `json:"output,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// CheckpointStore persists per-node outcomes so an interrupted run can
// resume without recomputing finished work.
//
// Save is called from executor goroutines as nodes finish and must be
// safe for concurrent use. Saving the same (run, node) pair again
// replaces the earlier record. Load returns every record for a run
// keyed by node id; an unknown run id yields an empty map, not an
// error.
type CheckpointStore interface {
	Save(ctx context.Context, rec CheckpointRecord) error
	Load(ctx context.Context, runID string) (map[string]CheckpointRecord, error)
}

// MemoryStore is an in-process CheckpointStore for tests and
// single-process pipelines. Persistent implementations live in the
// checkpoint subpackages.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]CheckpointRecord
}

// NewMemoryStore returns an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[string]CheckpointRecord)}
}

// Save stores or replaces the record for (rec.RunID, rec.NodeID).
func (s *MemoryStore) Save(ctx context.Context, rec CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.RunID == "" || rec.NodeID == "" {
		return fmt.Errorf("%w: checkpoint record requires run and node ids", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[rec.RunID]
	if !ok {
		run = make(map[string]CheckpointRecord)
		s.runs[rec.RunID] = run
	}
	run[rec.NodeID] = rec
	return nil
}

// Load returns a copy of the run's records keyed by node id.
func (s *MemoryStore) Load(ctx context.Context, runID string) (map[string]CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CheckpointRecord, len(s.runs[runID]))
	for id, rec := range s.runs[runID] {
		out[id] = rec
	}
	return out, nil
}
