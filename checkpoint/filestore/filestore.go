// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filestore persists checkpoint records as JSON files on local
// disk, one file per node per run.
//
// Layout:
//
//	<dir>/<runID>/<nodeID>.json
//
// Each file is written atomically (temp file, sync, rename) so a crash
// mid-write never leaves a truncated record, and carries a format
// version plus a SHA-256 checksum that Load verifies before trusting
// the contents.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/DevilsDev/rag-pipeline-utils-sub008/dag"
)

// FormatVersion is written into every record file and must match on
// load.
const FormatVersion = "1.0.0"

// Run and node ids become path components, so they are restricted to
// filesystem-safe characters.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	// ErrInvalidName is returned when a run or node id cannot be used
	// as a file name.
	ErrInvalidName = errors.New("run and node ids must match [a-zA-Z0-9_-]+")

	// ErrCheckpointCorrupt is returned when a record fails checksum or
	// identity verification.
	ErrCheckpointCorrupt = errors.New("checkpoint record corrupt")

	// ErrVersionMismatch is returned when a record was written by an
	// incompatible format version.
	ErrVersionMismatch = errors.New("checkpoint format version mismatch")
)

// Store is a file-backed dag.CheckpointStore.
type Store struct {
	dir    string
	logger *slog.Logger
}

var _ dag.CheckpointStore = (*Store)(nil)

// New creates a store rooted at dir, creating the directory if needed.
// A nil logger falls back to slog.Default().
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// envelope is the on-disk shape of one record.
type envelope struct {
	Version  string               `json:"version"`
	Record   dag.CheckpointRecord `json:"record"`
	Checksum string               `json:"checksum"`
}

// computeChecksum hashes the versioned record, excluding the checksum
// field itself. The payload is normalized through a JSON decode before
// hashing: a struct output marshals in declaration order when saved
// but comes back as a key-sorted map on load, and only the decoded
// form is identical on both sides.
func computeChecksum(version string, rec dag.CheckpointRecord) (string, error) {
	payload := struct {
		Version string               `json:"version"`
		Record  dag.CheckpointRecord `json:"record"`
	}{Version: version, Record: rec}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint for checksum: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return "", fmt.Errorf("normalize checkpoint for checksum: %w", err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal normalized checkpoint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes the record for (rec.RunID, rec.NodeID), replacing any
// earlier record for the same pair. Safe for concurrent use; distinct
// nodes land in distinct files and same-node writers race only on the
// final atomic rename.
func (s *Store) Save(ctx context.Context, rec dag.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if err := validateIDs(rec.RunID, rec.NodeID); err != nil {
		return err
	}

	runDir := filepath.Join(s.dir, rec.RunID)
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return fmt.Errorf("create run directory %s: %w", runDir, err)
	}

	checksum, err := computeChecksum(FormatVersion, rec)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(envelope{
		Version:  FormatVersion,
		Record:   rec,
		Checksum: checksum,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}

	// Write to a temp file in the same directory, then rename into
	// place so readers never observe a partial record.
	tmp, err := os.CreateTemp(runDir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint record: %w", err)
	}

	final := filepath.Join(runDir, rec.NodeID+".json")
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("finalize checkpoint record: %w", err)
	}
	success = true

	s.logger.Debug("checkpoint record saved",
		slog.String("run_id", rec.RunID),
		slog.String("node", rec.NodeID),
		slog.String("status", rec.Status.String()))
	return nil
}

// Load reads every record for a run, keyed by node id. A run that was
// never checkpointed yields an empty map. Records that fail version or
// checksum verification fail the whole load; resuming from a corrupt
// checkpoint silently would recompute or, worse, trust bad outputs.
func (s *Store) Load(ctx context.Context, runID string) (map[string]dag.CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !validIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, runID)
	}

	runDir := filepath.Join(s.dir, runID)
	entries, err := os.ReadDir(runDir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]dag.CheckpointRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run directory %s: %w", runDir, err)
	}

	records := make(map[string]dag.CheckpointRecord, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := s.readRecord(filepath.Join(runDir, entry.Name()), runID)
		if err != nil {
			return nil, err
		}
		records[rec.NodeID] = rec
	}
	return records, nil
}

func (s *Store) readRecord(path, runID string) (dag.CheckpointRecord, error) {
	var zero dag.CheckpointRecord

	data, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("read checkpoint record %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	if env.Version != FormatVersion {
		return zero, fmt.Errorf("%w: %s has version %q, expected %q",
			ErrVersionMismatch, path, env.Version, FormatVersion)
	}
	if env.Record.RunID != runID {
		return zero, fmt.Errorf("%w: %s belongs to run %q, not %q",
			ErrCheckpointCorrupt, path, env.Record.RunID, runID)
	}

	checksum, err := computeChecksum(env.Version, env.Record)
	if err != nil {
		return zero, err
	}
	if checksum != env.Checksum {
		return zero, fmt.Errorf("%w: %s failed checksum verification",
			ErrCheckpointCorrupt, path)
	}
	return env.Record, nil
}

func validateIDs(runID, nodeID string) error {
	if !validIDPattern.MatchString(runID) {
		return fmt.Errorf("%w: run id %q", ErrInvalidName, runID)
	}
	if !validIDPattern.MatchString(nodeID) {
		return fmt.Errorf("%w: node id %q", ErrInvalidName, nodeID)
	}
	return nil
}
