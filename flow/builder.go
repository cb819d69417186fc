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
	"errors"
	"fmt"
)

// GraphBuilder provides a fluent interface for building graphs.
// This is the primary public API for creating executable graphs.
//
// Example usage:
//
//	graph, err := flow.NewGraphBuilder().
//	  AddNode("fetch", fetchFunc, flow.WithProducedKeys("records")).
//	  AddNode("report", reportFunc,
//	    flow.WithRequiredKeys("records"),
//	    flow.WithProducedKeys("report")).
//	  AddEdge("fetch", "report").
//	  SetEntryPoint("fetch").
//	  SetFinishPoint("report").
//	  Compile()
//
// The compiled Graph can then be executed with NewExecutor(graph).
type GraphBuilder struct {
	graph *Graph
	errs  []error
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{graph: newGraph()}
}

// NodeOption is a function that configures a Node.
type NodeOption func(*Node)

// WithName sets the name of the node.
func WithName(name string) NodeOption {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) NodeOption {
	return func(node *Node) {
		node.Description = description
	}
}

// WithRequiredKeys declares the payload keys that must be present and non-nil
// before the node may be entered.
func WithRequiredKeys(keys ...string) NodeOption {
	return func(node *Node) {
		node.RequiredKeys = append(node.RequiredKeys, keys...)
	}
}

// WithProducedKeys declares the only payload keys the node's patches may
// write. A node with no produced keys is read-only.
func WithProducedKeys(keys ...string) NodeOption {
	return func(node *Node) {
		node.ProducedKeys = append(node.ProducedKeys, keys...)
	}
}

// WithFallbackNode declares the node routed to when retries are exhausted.
// End is allowed: the execution then stops with the failure as its LastError.
func WithFallbackNode(nodeID string) NodeOption {
	return func(node *Node) {
		node.FallbackNode = nodeID
	}
}

// WithNodeRetryPolicy overrides the executor's retry policy for this node.
func WithNodeRetryPolicy(policy *RetryPolicy) NodeOption {
	return func(node *Node) {
		node.RetryPolicy = policy
	}
}

// AddNode adds a node with the given ID and handler.
func (b *GraphBuilder) AddNode(id string, handler NodeFunc, opts ...NodeOption) *GraphBuilder {
	if id == "" {
		b.errs = append(b.errs, fmt.Errorf("node ID cannot be empty"))
		return b
	}
	if id == End {
		b.errs = append(b.errs, fmt.Errorf("node ID %q is reserved", End))
		return b
	}
	if _, exists := b.graph.nodes[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("node with ID %s already exists", id))
		return b
	}
	node := &Node{
		ID:      id,
		Name:    id,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(node)
	}
	node.produced = make(map[string]struct{}, len(node.ProducedKeys))
	for _, key := range node.ProducedKeys {
		node.produced[key] = struct{}{}
	}
	b.graph.nodes[id] = node
	return b
}

// AddEdge adds an unconditional edge between two nodes.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	return b.AddConditionalEdge(from, to, nil)
}

// AddConditionalEdge adds a predicate-guarded edge. Edges from one node are
// evaluated in the order they were added; the first match wins.
func (b *GraphBuilder) AddConditionalEdge(from, to string, predicate PredicateFunc) *GraphBuilder {
	if from == "" || to == "" {
		b.errs = append(b.errs, fmt.Errorf("edge from and to cannot be empty"))
		return b
	}
	b.graph.edges[from] = append(b.graph.edges[from], &Edge{
		From:      from,
		To:        to,
		Predicate: predicate,
	})
	return b
}

// AddConditionalEdges adds label-table routing from a node: the condition
// returns a label that pathMap resolves to a target node or End.
func (b *GraphBuilder) AddConditionalEdges(from string, condition ConditionFunc, pathMap map[string]string) *GraphBuilder {
	if from == "" {
		b.errs = append(b.errs, fmt.Errorf("conditional edge source cannot be empty"))
		return b
	}
	if condition == nil {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %s needs a condition", from))
		return b
	}
	if _, exists := b.graph.conditional[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %s already has conditional edges", from))
		return b
	}
	b.graph.conditional[from] = &ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}
	return b
}

// SetEntryPoint sets the entry point of the graph.
func (b *GraphBuilder) SetEntryPoint(nodeID string) *GraphBuilder {
	if b.graph.entryPoint != "" {
		b.errs = append(b.errs, fmt.Errorf("entry point already set to %s", b.graph.entryPoint))
		return b
	}
	b.graph.entryPoint = nodeID
	return b
}

// SetFinishPoint adds an edge from the node to End.
func (b *GraphBuilder) SetFinishPoint(nodeID string) *GraphBuilder {
	return b.AddEdge(nodeID, End)
}

// Compile validates the graph and returns it for execution.
func (b *GraphBuilder) Compile() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("invalid graph: %w", errors.Join(b.errs...))
	}
	if err := b.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return b.graph, nil
}

// MustCompile compiles the graph or panics if invalid.
func (b *GraphBuilder) MustCompile() *Graph {
	graph, err := b.Compile()
	if err != nil {
		panic(err)
	}
	return graph
}
