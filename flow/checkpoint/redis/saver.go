//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides Redis-backed checkpoint storage for execution state
// persistence and recovery across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-flow-go/flow"
)

const (
	keyPrefixCheckpoint = "flow:ckpt:"
	keyPrefixIndex      = "flow:ckpt_idx:"
)

// Options configure the Redis saver.
type Options struct {
	client    redis.UniversalClient
	addr      string
	keyPrefix string
}

var defaultOptions = Options{
	addr:      "127.0.0.1:6379",
	keyPrefix: "",
}

// Option modifies saver options.
type Option func(*Options)

// WithClient supplies an existing client. The caller keeps ownership; Close
// will not close it.
func WithClient(client redis.UniversalClient) Option {
	return func(o *Options) {
		o.client = client
	}
}

// WithAddr sets the Redis address used when no client is supplied.
func WithAddr(addr string) Option {
	return func(o *Options) {
		o.addr = addr
	}
}

// WithKeyPrefix namespaces all keys written by the saver, for shared Redis
// deployments.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.keyPrefix = prefix
	}
}

// Saver is a Redis-backed implementation of flow.CheckpointSaver. Checkpoints
// are stored as JSON strings written with SETNX, so replaying a version is a
// no-op; a per-execution sorted set scored by version serves Latest and List.
type Saver struct {
	opts   Options
	client redis.UniversalClient
	owned  bool
	once   sync.Once // ensure Close runs only once
}

// NewSaver creates a saver from options. Without WithClient it dials
// opts.addr with a standalone client it owns.
func NewSaver(options ...Option) (*Saver, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}
	s := &Saver{opts: opts, client: opts.client}
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{Addr: opts.addr})
		s.owned = true
	}
	return s, nil
}

func (s *Saver) checkpointKey(executionID string, version int64) string {
	return fmt.Sprintf("%s%s%s:%d", s.opts.keyPrefix, keyPrefixCheckpoint, executionID, version)
}

func (s *Saver) indexKey(executionID string) string {
	return s.opts.keyPrefix + keyPrefixIndex + executionID
}

// Put persists the checkpoint. Saving an already-stored version is a no-op.
func (s *Saver) Put(ctx context.Context, checkpoint *flow.Checkpoint) error {
	if checkpoint == nil || checkpoint.ExecutionID == "" {
		return flow.ErrExecutionIDRequired
	}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := s.checkpointKey(checkpoint.ExecutionID, checkpoint.Version)
	stored, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	if !stored {
		return nil
	}
	err = s.client.ZAdd(ctx, s.indexKey(checkpoint.ExecutionID), redis.Z{
		Score:  float64(checkpoint.Version),
		Member: checkpoint.Version,
	}).Err()
	if err != nil {
		return fmt.Errorf("index checkpoint: %w", err)
	}
	return nil
}

// Latest returns the highest-version checkpoint for the execution.
func (s *Saver) Latest(ctx context.Context, executionID string) (*flow.Checkpoint, error) {
	members, err := s.client.ZRevRange(ctx, s.indexKey(executionID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	if len(members) == 0 {
		return nil, flow.ErrCheckpointNotFound
	}
	version, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint version %q: %w", members[0], err)
	}
	return s.Get(ctx, executionID, version)
}

// Get returns the checkpoint stored at (executionID, version).
func (s *Saver) Get(ctx context.Context, executionID string, version int64) (*flow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(executionID, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, flow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var ckpt flow.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &ckpt, nil
}

// List returns up to limit checkpoints for the execution, most recent first.
func (s *Saver) List(ctx context.Context, executionID string, limit int) ([]*flow.Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, s.indexKey(executionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	out := make([]*flow.Checkpoint, 0, len(members))
	for _, member := range members {
		version, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint version %q: %w", member, err)
		}
		ckpt, err := s.Get(ctx, executionID, version)
		if err != nil {
			return nil, err
		}
		out = append(out, ckpt)
	}
	return out, nil
}

// DeleteExecution removes all checkpoints for the execution.
func (s *Saver) DeleteExecution(ctx context.Context, executionID string) error {
	indexKey := s.indexKey(executionID)
	members, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read checkpoint index: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		version, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return fmt.Errorf("parse checkpoint version %q: %w", member, err)
		}
		keys = append(keys, s.checkpointKey(executionID, version))
	}
	keys = append(keys, indexKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the client when the saver owns it.
func (s *Saver) Close() error {
	var err error
	s.once.Do(func() {
		if s.owned {
			err = s.client.Close()
		}
	})
	return err
}
