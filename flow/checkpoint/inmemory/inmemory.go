//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint saver for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/flow"
)

// Saver stores checkpoints in process memory. It satisfies the saver contract
// exactly like the durable backends: Put is idempotent per
// (execution_id, version) and all reads return deep copies, so callers can
// mutate what they get back without corrupting the store.
type Saver struct {
	mu sync.RWMutex
	// checkpoints per execution id, kept sorted by ascending version.
	checkpoints map[string][]*flow.Checkpoint
}

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{checkpoints: make(map[string][]*flow.Checkpoint)}
}

// Put stores the checkpoint. Re-storing an existing version is a no-op.
func (s *Saver) Put(ctx context.Context, checkpoint *flow.Checkpoint) error {
	if checkpoint == nil || checkpoint.ExecutionID == "" {
		return flow.ErrExecutionIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[checkpoint.ExecutionID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].Version >= checkpoint.Version
	})
	if idx < len(list) && list[idx].Version == checkpoint.Version {
		return nil
	}
	stored := cloneCheckpoint(checkpoint)
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = stored
	s.checkpoints[checkpoint.ExecutionID] = list
	return nil
}

// Latest returns the highest-version checkpoint for the execution.
func (s *Saver) Latest(ctx context.Context, executionID string) (*flow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[executionID]
	if len(list) == 0 {
		return nil, flow.ErrCheckpointNotFound
	}
	return cloneCheckpoint(list[len(list)-1]), nil
}

// Get returns the checkpoint stored at (executionID, version).
func (s *Saver) Get(ctx context.Context, executionID string, version int64) (*flow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[executionID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].Version >= version
	})
	if idx >= len(list) || list[idx].Version != version {
		return nil, flow.ErrCheckpointNotFound
	}
	return cloneCheckpoint(list[idx]), nil
}

// List returns up to limit checkpoints for the execution, most recent first.
func (s *Saver) List(ctx context.Context, executionID string, limit int) ([]*flow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[executionID]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*flow.Checkpoint, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneCheckpoint(list[i]))
	}
	return out, nil
}

// DeleteExecution removes all checkpoints for the execution.
func (s *Saver) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, executionID)
	return nil
}

// Close implements flow.CheckpointSaver. It is a no-op.
func (s *Saver) Close() error { return nil }

func cloneCheckpoint(c *flow.Checkpoint) *flow.Checkpoint {
	out := *c
	if c.State != nil {
		out.State = c.State.Clone()
	}
	return &out
}
