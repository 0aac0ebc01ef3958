// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore persists checkpoint records in a relational
// database, for deployments where runs must be resumable from any
// process that can reach the shared database.
//
// Records live in one table keyed by (run_id, node_id); node outputs
// are stored as JSON text. SQLite, PostgreSQL, and MySQL are
// supported through per-dialect upsert statements.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/DevilsDev/rag-pipeline-utils-sub008/dag"
)

// Dialect selects the SQL flavor for schema and upsert statements.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
	MySQL
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// Store is a SQL-backed dag.CheckpointStore.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	owned   bool
	logger  *slog.Logger
}

var _ dag.CheckpointStore = (*Store)(nil)

// checkpointRow is the table shape of one record.
type checkpointRow struct {
	RunID     string    `db:"run_id"`
	NodeID    string    `db:"node_id"`
	Status    int       `db:"status"`
	Output    string    `db:"output"`
	UpdatedAt time.Time `db:"updated_at"`
}

// New wraps an existing connection pool and ensures the checkpoint
// table exists. The caller keeps ownership of the pool.
func New(db *sqlx.DB, dialect Dialect, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to the database behind driverName/dsn and prepares the
// checkpoint table. Close releases the pool.
//
// The dialect is inferred from the driver name: sqlite3, postgres/pgx,
// or mysql. MySQL connections need parseTime=true in the DSN so
// timestamps scan into time.Time.
func Open(driverName, dsn string, logger *slog.Logger) (*Store, error) {
	dialect, err := dialectForDriver(driverName)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}
	store, err := New(db, dialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// Close closes the connection pool if this store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func dialectForDriver(driverName string) (Dialect, error) {
	switch driverName {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "postgres", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return 0, fmt.Errorf("unsupported driver %q", driverName)
	}
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(s.schema()); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// schema returns the CREATE TABLE statement for the dialect. The
// composite primary key also serves run-scoped lookups via its
// leftmost column.
func (s *Store) schema() string {
	switch s.dialect {
	case MySQL:
		// TEXT cannot be a MySQL primary key, and 191 keeps the
		// composite key inside the utf8mb4 index limit.
		return `CREATE TABLE IF NOT EXISTS dag_checkpoints (
			run_id     VARCHAR(191) NOT NULL,
			node_id    VARCHAR(191) NOT NULL,
			status     INT NOT NULL,
			output     TEXT NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`
	case Postgres:
		return `CREATE TABLE IF NOT EXISTS dag_checkpoints (
			run_id     TEXT NOT NULL,
			node_id    TEXT NOT NULL,
			status     INTEGER NOT NULL,
			output     TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`
	default:
		return `CREATE TABLE IF NOT EXISTS dag_checkpoints (
			run_id     TEXT NOT NULL,
			node_id    TEXT NOT NULL,
			status     INTEGER NOT NULL,
			output     TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`
	}
}

func (s *Store) upsert() string {
	if s.dialect == MySQL {
		return `INSERT INTO dag_checkpoints (run_id, node_id, status, output, updated_at)
			VALUES (:run_id, :node_id, :status, :output, :updated_at)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				output = VALUES(output),
				updated_at = VALUES(updated_at)`
	}
	// SQLite (3.24+) and PostgreSQL share the excluded-row syntax.
	return `INSERT INTO dag_checkpoints (run_id, node_id, status, output, updated_at)
		VALUES (:run_id, :node_id, :status, :output, :updated_at)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			updated_at = excluded.updated_at`
}

// Save stores or replaces the record for (rec.RunID, rec.NodeID).
func (s *Store) Save(ctx context.Context, rec dag.CheckpointRecord) error {
	if rec.RunID == "" || rec.NodeID == "" {
		return fmt.Errorf("%w: checkpoint record requires run and node ids", dag.ErrInvalidInput)
	}
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal checkpoint output: %w", err)
	}

	row := checkpointRow{
		RunID:     rec.RunID,
		NodeID:    rec.NodeID,
		Status:    int(rec.Status),
		Output:    string(output),
		UpdatedAt: rec.Timestamp.UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx, s.upsert(), row); err != nil {
		return fmt.Errorf("save checkpoint record %s/%s: %w", rec.RunID, rec.NodeID, err)
	}

	s.logger.Debug("checkpoint record saved",
		slog.String("run_id", rec.RunID),
		slog.String("node", rec.NodeID),
		slog.String("status", rec.Status.String()))
	return nil
}

// Load returns the run's records keyed by node id. An unknown run
// yields an empty map.
func (s *Store) Load(ctx context.Context, runID string) (map[string]dag.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", dag.ErrInvalidInput)
	}

	query := s.db.Rebind(`SELECT run_id, node_id, status, output, updated_at
		FROM dag_checkpoints WHERE run_id = ?`)
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("load checkpoint records for run %q: %w", runID, err)
	}

	records := make(map[string]dag.CheckpointRecord, len(rows))
	for _, row := range rows {
		var output any
		if err := json.Unmarshal([]byte(row.Output), &output); err != nil {
			return nil, fmt.Errorf("decode checkpoint output %s/%s: %w", row.RunID, row.NodeID, err)
		}
		records[row.NodeID] = dag.CheckpointRecord{
			RunID:     row.RunID,
			NodeID:    row.NodeID,
			Status:    dag.NodeStatus(row.Status),
			Output:    output,
			Timestamp: row.UpdatedAt,
		}
	}
	return records, nil
}

// DeleteRun removes every record for a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: run id is required", dag.ErrInvalidInput)
	}
	query := s.db.Rebind(`DELETE FROM dag_checkpoints WHERE run_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("delete checkpoint records for run %q: %w", runID, err)
	}
	return nil
}
