//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package flow

import (
	"context"
	"time"
)

// MarkerExpired tags the final checkpoint written when the session supervisor
// reclaims an idle execution.
const MarkerExpired = "expired"

// Checkpoint is an immutable, timestamped snapshot of an ExecutionState at a
// version, stored under (execution_id, version). Checkpoints are write-once;
// rollback forks a new running state from an old checkpoint rather than
// mutating history.
type Checkpoint struct {
	// ExecutionID keys the checkpoint together with Version.
	ExecutionID string `json:"execution_id"`
	// Version is the snapshot version. No two checkpoints of one execution
	// share a version.
	Version int64 `json:"version"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
	// Marker optionally tags the checkpoint, e.g. MarkerExpired.
	Marker string `json:"marker,omitempty"`
	// State is the snapshotted execution state.
	State *ExecutionState `json:"state"`
}

// NewCheckpointFrom snapshots the state into a checkpoint. The state is
// cloned so later engine mutations cannot leak into the stored snapshot.
func NewCheckpointFrom(state *ExecutionState) *Checkpoint {
	return &Checkpoint{
		ExecutionID: state.ExecutionID,
		Version:     state.Version,
		CreatedAt:   time.Now().UTC(),
		State:       state.Clone(),
	}
}

// CheckpointSaver is the durable checkpoint store. Implementations must make
// Put idempotent per (execution_id, version) and must serialize writes for a
// given execution id; writes for different executions may proceed in
// parallel. Lookups for missing keys return ErrCheckpointNotFound.
type CheckpointSaver interface {
	// Put persists the checkpoint at (ExecutionID, Version). Saving the same
	// version twice is a no-op, not an error.
	Put(ctx context.Context, checkpoint *Checkpoint) error
	// Latest returns the highest-version checkpoint for the execution.
	Latest(ctx context.Context, executionID string) (*Checkpoint, error)
	// Get returns the checkpoint stored at (executionID, version).
	Get(ctx context.Context, executionID string, version int64) (*Checkpoint, error)
	// List returns up to limit checkpoints for the execution, most recent
	// first. limit <= 0 means no limit.
	List(ctx context.Context, executionID string, limit int) ([]*Checkpoint, error)
	// DeleteExecution removes all checkpoints for the execution.
	DeleteExecution(ctx context.Context, executionID string) error
	// Close releases resources held by the saver.
	Close() error
}
