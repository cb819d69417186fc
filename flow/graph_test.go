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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, payload State) (*NodeResult, error) {
	return &NodeResult{}, nil
}

func TestBuilderRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Graph, error)
	}{
		{
			name: "no entry point",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode("a", noopHandler).
					SetFinishPoint("a").
					Compile()
			},
		},
		{
			name: "duplicate node",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode("a", noopHandler).
					AddNode("a", noopHandler).
					SetEntryPoint("a").
					SetFinishPoint("a").
					Compile()
			},
		},
		{
			name: "reserved node id",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode(End, noopHandler).
					SetEntryPoint(End).
					Compile()
			},
		},
		{
			name: "edge to unknown node",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode("a", noopHandler).
					AddEdge("a", "ghost").
					SetEntryPoint("a").
					Compile()
			},
		},
		{
			name: "unreachable node",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode("a", noopHandler).
					AddNode("island", noopHandler).
					SetEntryPoint("a").
					SetFinishPoint("a").
					SetFinishPoint("island").
					Compile()
			},
		},
		{
			name: "unknown fallback node",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode("a", noopHandler, WithFallbackNode("ghost")).
					SetEntryPoint("a").
					SetFinishPoint("a").
					Compile()
			},
		},
		{
			name: "conditional label to unknown node",
			build: func() (*Graph, error) {
				return NewGraphBuilder().
					AddNode("a", noopHandler).
					AddConditionalEdges("a", func(ctx context.Context, payload State) (string, error) {
						return "x", nil
					}, map[string]string{"x": "ghost"}).
					SetEntryPoint("a").
					Compile()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			assert.Error(t, err)
		})
	}
}

func TestNextFirstMatchingEdgeWins(t *testing.T) {
	graph := NewGraphBuilder().
		AddNode("a", noopHandler).
		AddNode("big", noopHandler).
		AddNode("small", noopHandler).
		AddConditionalEdge("a", "big", func(ctx context.Context, payload State) (bool, error) {
			return payload["n"].(int) > 10, nil
		}).
		AddEdge("a", "small").
		SetEntryPoint("a").
		SetFinishPoint("big").
		SetFinishPoint("small").
		MustCompile()

	next, err := graph.Next(context.Background(), "a", State{"n": 42}, "")
	require.NoError(t, err)
	assert.Equal(t, "big", next)

	next, err = graph.Next(context.Background(), "a", State{"n": 3}, "")
	require.NoError(t, err)
	assert.Equal(t, "small", next)
}

func TestNextConditionalPathMap(t *testing.T) {
	graph := NewGraphBuilder().
		AddNode("classify", noopHandler).
		AddNode("galaxy", noopHandler).
		AddNode("star", noopHandler).
		AddConditionalEdges("classify", func(ctx context.Context, payload State) (string, error) {
			return payload["kind"].(string), nil
		}, map[string]string{
			"galaxy": "galaxy",
			"star":   "star",
			"done":   End,
		}).
		SetEntryPoint("classify").
		SetFinishPoint("galaxy").
		SetFinishPoint("star").
		MustCompile()

	next, err := graph.Next(context.Background(), "classify", State{"kind": "star"}, "")
	require.NoError(t, err)
	assert.Equal(t, "star", next)

	next, err = graph.Next(context.Background(), "classify", State{"kind": "done"}, "")
	require.NoError(t, err)
	assert.Equal(t, End, next)

	_, err = graph.Next(context.Background(), "classify", State{"kind": "nebula"}, "")
	require.Error(t, err)
	assert.Equal(t, KindStateIncompatible, Classify(err))
}

func TestNextHonorsHintOnlyForDeclaredEdges(t *testing.T) {
	graph := NewGraphBuilder().
		AddNode("a", noopHandler).
		AddNode("b", noopHandler).
		AddNode("c", noopHandler).
		AddEdge("a", "b").
		AddEdge("a", "c").
		SetEntryPoint("a").
		SetFinishPoint("b").
		SetFinishPoint("c").
		MustCompile()

	next, err := graph.Next(context.Background(), "a", State{}, "c")
	require.NoError(t, err)
	assert.Equal(t, "c", next)

	// An undeclared hint falls back to ordered edge evaluation.
	next, err = graph.Next(context.Background(), "a", State{}, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "b", next)
}

func TestNextChecksRequiredKeys(t *testing.T) {
	graph := NewGraphBuilder().
		AddNode("a", noopHandler).
		AddNode("b", noopHandler, WithRequiredKeys("records")).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		MustCompile()

	_, err := graph.Next(context.Background(), "a", State{}, "")
	require.Error(t, err)
	assert.Equal(t, KindStateIncompatible, Classify(err))

	_, err = graph.Next(context.Background(), "a", State{"records": nil}, "")
	require.Error(t, err, "a nil value does not satisfy a required key")

	next, err := graph.Next(context.Background(), "a", State{"records": []any{}}, "")
	require.NoError(t, err)
	assert.Equal(t, "b", next)
}

func TestNextNoMatchingEdge(t *testing.T) {
	graph := NewGraphBuilder().
		AddNode("a", noopHandler).
		AddNode("b", noopHandler).
		AddConditionalEdge("a", "b", func(ctx context.Context, payload State) (bool, error) {
			return false, nil
		}).
		SetEntryPoint("a").
		SetFinishPoint("b").
		MustCompile()

	_, err := graph.Next(context.Background(), "a", State{}, "")
	require.Error(t, err)
	assert.Equal(t, KindStateIncompatible, Classify(err))
}

func TestNodeWithoutEdgesIsTerminal(t *testing.T) {
	graph := NewGraphBuilder().
		AddNode("a", noopHandler).
		SetEntryPoint("a").
		MustCompile()

	next, err := graph.Next(context.Background(), "a", State{}, "")
	require.NoError(t, err)
	assert.Equal(t, End, next)
}
