//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint saver using the pure-Go
// modernc.org/sqlite driver, suitable for single-node durable deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trpc.group/trpc-go/trpc-flow-go/flow"
)

const (
	driverName = "sqlite"

	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"execution_id TEXT NOT NULL, " +
		"version INTEGER NOT NULL, " +
		"created_at INTEGER NOT NULL, " +
		"marker TEXT NOT NULL DEFAULT '', " +
		"state_json BLOB NOT NULL, " +
		"PRIMARY KEY (execution_id, version)" +
		")"

	// INSERT OR IGNORE makes Put idempotent per (execution_id, version):
	// replaying an already-stored version is a no-op.
	insertCheckpoint = "INSERT OR IGNORE INTO checkpoints (" +
		"execution_id, version, created_at, marker, state_json) VALUES (?, ?, ?, ?, ?)"

	selectLatest = "SELECT version, created_at, marker, state_json FROM checkpoints " +
		"WHERE execution_id = ? ORDER BY version DESC LIMIT 1"

	selectByVersion = "SELECT created_at, marker, state_json FROM checkpoints " +
		"WHERE execution_id = ? AND version = ? LIMIT 1"

	selectDesc = "SELECT version, created_at, marker, state_json FROM checkpoints " +
		"WHERE execution_id = ? ORDER BY version DESC"

	deleteExecution = "DELETE FROM checkpoints WHERE execution_id = ?"
)

// Saver is a SQLite-backed implementation of flow.CheckpointSaver. Each
// checkpoint row stores the execution state as a JSON blob keyed by
// (execution_id, version).
type Saver struct {
	db    *sql.DB
	owned bool
}

// NewSaver opens (or creates) the database file at path and prepares the
// schema. The returned saver owns the connection and closes it on Close.
func NewSaver(path string) (*Saver, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The sqlite driver does not support concurrent writers on one file.
	db.SetMaxOpenConns(1)
	s, err := NewSaverWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSaverWithDB creates a saver on an existing DB handle. The DB must use a
// SQLite driver; the constructor creates the schema if needed. The caller
// keeps ownership of the handle.
func NewSaverWithDB(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &Saver{db: db}, nil
}

// Put persists the checkpoint. Saving an already-stored version is a no-op.
func (s *Saver) Put(ctx context.Context, checkpoint *flow.Checkpoint) error {
	if checkpoint == nil || checkpoint.ExecutionID == "" {
		return flow.ErrExecutionIDRequired
	}
	stateJSON, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertCheckpoint,
		checkpoint.ExecutionID,
		checkpoint.Version,
		checkpoint.CreatedAt.UnixNano(),
		checkpoint.Marker,
		stateJSON,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Latest returns the highest-version checkpoint for the execution.
func (s *Saver) Latest(ctx context.Context, executionID string) (*flow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectLatest, executionID)
	var (
		version   int64
		createdAt int64
		marker    string
		stateJSON []byte
	)
	if err := row.Scan(&version, &createdAt, &marker, &stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flow.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("select latest: %w", err)
	}
	return buildCheckpoint(executionID, version, createdAt, marker, stateJSON)
}

// Get returns the checkpoint stored at (executionID, version).
func (s *Saver) Get(ctx context.Context, executionID string, version int64) (*flow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectByVersion, executionID, version)
	var (
		createdAt int64
		marker    string
		stateJSON []byte
	)
	if err := row.Scan(&createdAt, &marker, &stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flow.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("select by version: %w", err)
	}
	return buildCheckpoint(executionID, version, createdAt, marker, stateJSON)
}

// List returns up to limit checkpoints for the execution, most recent first.
func (s *Saver) List(ctx context.Context, executionID string, limit int) ([]*flow.Checkpoint, error) {
	query := selectDesc
	args := []any{executionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()
	var out []*flow.Checkpoint
	for rows.Next() {
		var (
			version   int64
			createdAt int64
			marker    string
			stateJSON []byte
		)
		if err := rows.Scan(&version, &createdAt, &marker, &stateJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		ckpt, err := buildCheckpoint(executionID, version, createdAt, marker, stateJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, ckpt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// DeleteExecution removes all checkpoints for the execution.
func (s *Saver) DeleteExecution(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, deleteExecution, executionID); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// Close closes the underlying database when the saver owns it.
func (s *Saver) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func buildCheckpoint(executionID string, version, createdAt int64, marker string, stateJSON []byte) (*flow.Checkpoint, error) {
	var state flow.ExecutionState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &flow.Checkpoint{
		ExecutionID: executionID,
		Version:     version,
		CreatedAt:   time.Unix(0, createdAt).UTC(),
		Marker:      marker,
		State:       &state,
	}, nil
}
