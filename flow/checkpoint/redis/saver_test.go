//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/flow"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	saver, err := NewSaver(WithClient(client), WithKeyPrefix("test:"))
	require.NoError(t, err)
	return saver
}

func checkpointAt(executionID string, version int64, node string) *flow.Checkpoint {
	st := flow.NewExecutionState(executionID, node, flow.State{"answer": "42"})
	st.Version = version
	return &flow.Checkpoint{
		ExecutionID: executionID,
		Version:     version,
		CreatedAt:   time.Now().UTC(),
		State:       st,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", 1, "fetch")))

	got, err := saver.Get(ctx, "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "fetch", got.State.CurrentNode)
	assert.Equal(t, "42", got.State.Payload["answer"])
}

func TestPutIsIdempotentPerVersion(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", 1, "a")))
	require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", 1, "different")))

	got, err := saver.Get(ctx, "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.State.CurrentNode)
}

func TestLatestAndNotFound(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()
	for _, version := range []int64{2, 1, 3} {
		require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", version, "a")))
	}

	latest, err := saver.Latest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)

	_, err = saver.Latest(ctx, "ghost")
	assert.ErrorIs(t, err, flow.ErrCheckpointNotFound)
	_, err = saver.Get(ctx, "exec-1", 99)
	assert.ErrorIs(t, err, flow.ErrCheckpointNotFound)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()
	for version := int64(1); version <= 4; version++ {
		require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", version, "a")))
	}

	all, err := saver.List(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(4), all[0].Version)
	assert.Equal(t, int64(1), all[3].Version)

	limited, err := saver.List(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(4), limited[0].Version)
	assert.Equal(t, int64(3), limited[1].Version)
}

func TestDeleteExecution(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()
	require.NoError(t, saver.Put(ctx, checkpointAt("exec-1", 1, "a")))
	require.NoError(t, saver.Put(ctx, checkpointAt("exec-2", 1, "a")))

	require.NoError(t, saver.DeleteExecution(ctx, "exec-1"))
	_, err := saver.Latest(ctx, "exec-1")
	assert.ErrorIs(t, err, flow.ErrCheckpointNotFound)
	_, err = saver.Latest(ctx, "exec-2")
	assert.NoError(t, err)
}

func TestExecutorRunsAgainstRedis(t *testing.T) {
	saver := newTestSaver(t)
	graph := flow.NewGraphBuilder().
		AddNode("a", func(ctx context.Context, payload flow.State) (*flow.NodeResult, error) {
			return &flow.NodeResult{Patch: flow.State{"x": "done"}}, nil
		}, flow.WithProducedKeys("x")).
		SetEntryPoint("a").
		SetFinishPoint("a").
		MustCompile()

	executor, err := flow.NewExecutor(graph, flow.WithCheckpointSaver(saver))
	require.NoError(t, err)

	st, err := executor.LoadOrCreate(context.Background(), "", nil)
	require.NoError(t, err)
	final, err := executor.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, final.Status)

	latest, err := saver.Latest(context.Background(), final.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, final.Version, latest.Version)
	assert.Equal(t, "done", latest.State.Payload["x"])
}
