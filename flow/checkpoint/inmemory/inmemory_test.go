//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/flow"
)

func checkpointAt(executionID string, version int64, node string) *flow.Checkpoint {
	st := flow.NewExecutionState(executionID, node, flow.State{"version": version})
	st.Version = version
	return &flow.Checkpoint{
		ExecutionID: executionID,
		Version:     version,
		CreatedAt:   time.Now().UTC(),
		State:       st,
	}
}

func TestPutIsIdempotentPerVersion(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()

	first := checkpointAt("exec-1", 1, "a")
	require.NoError(t, saver.Put(ctx, first))

	// Replaying the same version must not overwrite the stored snapshot.
	replay := checkpointAt("exec-1", 1, "different")
	require.NoError(t, saver.Put(ctx, replay))

	got, err := saver.Get(ctx, "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.State.CurrentNode)
}

func TestLatestAndGet(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()
	for _, version := range []int64{1, 3, 2} {
		require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", version, "a")))
	}

	latest, err := saver.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)

	got, err := saver.Get(ctx, "exec-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	_, err = saver.Get(ctx, "exec-1", 99)
	assert.ErrorIs(t, err, flow.ErrCheckpointNotFound)
	_, err = saver.Latest(ctx, "ghost")
	assert.ErrorIs(t, err, flow.ErrCheckpointNotFound)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()
	for version := int64(1); version <= 5; version++ {
		require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", version, "a")))
	}

	all, err := saver.List(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].Version)
	assert.Equal(t, int64(1), all[4].Version)

	limited, err := saver.List(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(5), limited[0].Version)
	assert.Equal(t, int64(4), limited[1].Version)
}

func TestDeleteExecution(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()
	require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", 1, "a")))
	require.NoError(t, saver.Put(ctx, checkpointAt("exec-2", 1, "a")))

	require.NoError(t, saver.DeleteExecution(ctx, "exec-1"))
	_, err := saver.Latest(ctx, "exec-1")
	assert.ErrorIs(t, err, flow.ErrCheckpointNotFound)
	_, err = saver.Latest(ctx, "exec-2")
	assert.NoError(t, err)
}

func TestReadsReturnCopies(t *testing.T) {
	saver := NewSaver()
	ctx := context.Background()
	require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", 1, "a")))

	got, err := saver.Latest(ctx, "exec-1")
	require.NoError(t, err)
	got.State.Payload["version"] = int64(99)

	again, err := saver.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.State.Payload["version"])
}
