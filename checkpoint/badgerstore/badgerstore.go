// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore persists checkpoint records in an embedded
// BadgerDB, for pipelines that checkpoint too frequently for the
// file-per-record store to keep up.
//
// Records are stored as JSON values under cp/<runID>/<nodeID>, so a
// run's records form one contiguous key range and resume is a single
// prefix scan.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/DevilsDev/rag-pipeline-utils-sub008/dag"
	storage "github.com/DevilsDev/rag-pipeline-utils-sub008/storage/badger"
)

const keyPrefix = "cp/"

// Ids are embedded in keys with "/" separators, so they must not
// contain one.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is a BadgerDB-backed dag.CheckpointStore.
type Store struct {
	db     *storage.DB
	owned  bool
	logger *slog.Logger
}

var _ dag.CheckpointStore = (*Store)(nil)

// New wraps an existing database. The caller keeps ownership and is
// responsible for closing it.
func New(db *storage.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Open creates a store with its own database at path, using the
// production configuration. Close releases it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	cfg := storage.DefaultConfig()
	cfg.Path = path
	cfg.Logger = logger
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	store, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// OpenInMemory creates a store with its own in-memory database, for
// tests.
func OpenInMemory() (*Store, error) {
	db, err := storage.OpenInMemory()
	if err != nil {
		return nil, err
	}
	store, err := New(db, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// Close closes the underlying database if this store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func recordKey(runID, nodeID string) []byte {
	return []byte(keyPrefix + runID + "/" + nodeID)
}

func runPrefix(runID string) []byte {
	return []byte(keyPrefix + runID + "/")
}

// Save stores or replaces the record for (rec.RunID, rec.NodeID).
func (s *Store) Save(ctx context.Context, rec dag.CheckpointRecord) error {
	if err := validateIDs(rec.RunID, rec.NodeID); err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.RunID, rec.NodeID), value)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint record %s/%s: %w", rec.RunID, rec.NodeID, err)
	}

	s.logger.Debug("checkpoint record saved",
		slog.String("run_id", rec.RunID),
		slog.String("node", rec.NodeID),
		slog.String("status", rec.Status.String()))
	return nil
}

// Load scans the run's key range and returns its records keyed by node
// id. An unknown run yields an empty map.
func (s *Store) Load(ctx context.Context, runID string) (map[string]dag.CheckpointRecord, error) {
	if !validIDPattern.MatchString(runID) {
		return nil, fmt.Errorf("%w: run id %q must match [a-zA-Z0-9_-]+", dag.ErrInvalidInput, runID)
	}

	prefix := runPrefix(runID)
	records := make(map[string]dag.CheckpointRecord)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			nodeID := strings.TrimPrefix(string(item.Key()), string(prefix))
			var rec dag.CheckpointRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode checkpoint record %s/%s: %w", runID, nodeID, err)
			}
			records[nodeID] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteRun removes every record for a run, for callers that prune
// finished runs.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if !validIDPattern.MatchString(runID) {
		return fmt.Errorf("%w: run id %q must match [a-zA-Z0-9_-]+", dag.ErrInvalidInput, runID)
	}

	prefix := runPrefix(runID)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete checkpoint record %s: %w", key, err)
			}
		}
		return nil
	})
}

func validateIDs(runID, nodeID string) error {
	if !validIDPattern.MatchString(runID) {
		return fmt.Errorf("%w: run id %q must match [a-zA-Z0-9_-]+", dag.ErrInvalidInput, runID)
	}
	if !validIDPattern.MatchString(nodeID) {
		return fmt.Errorf("%w: node id %q must match [a-zA-Z0-9_-]+", dag.ErrInvalidInput, nodeID)
	}
	return nil
}
