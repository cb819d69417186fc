//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package flow provides a checkpointed, graph-based task execution engine.
// A compiled Graph describes discrete work units (nodes) with declared
// payload contracts and data-dependent routing rules (edges); an Executor
// drives a versioned ExecutionState through the graph, persisting a
// checkpoint after every node attempt so execution can pause, crash and
// resume without loss or duplication.
package flow

import (
	"context"
	"fmt"
)

// End is the sentinel target marking graph completion. An edge to End, or a
// node with no outgoing edges at all, terminates the execution.
const End = "__end__"

// NodeResult is a successful handler outcome: a patch to merge into the
// payload and an optional routing hint.
type NodeResult struct {
	// Patch maps produced keys to their new values. Keys outside the node's
	// declared produced keys are rejected with a contract violation.
	Patch State
	// NextHint optionally names the label or node the handler wants to route
	// to. The router honors it only if a declared edge covers the target.
	NextHint string
}

// NodeFunc is the work-unit contract. It receives a read-only clone of the
// payload and returns either a result or an error. Returning an *InputRequest
// suspends the execution until an external caller supplies input; any other
// error is classified by the retry policy.
type NodeFunc func(ctx context.Context, payload State) (*NodeResult, error)

// PredicateFunc guards an edge. Predicates must be pure functions of the
// payload: the router may evaluate them any number of times.
type PredicateFunc func(ctx context.Context, payload State) (bool, error)

// ConditionFunc returns a label that is resolved to a target through a
// ConditionalEdge path map.
type ConditionFunc func(ctx context.Context, payload State) (string, error)

// Node is a discrete work unit with a declared input/output contract.
// Descriptors are immutable once the graph is compiled.
type Node struct {
	// ID is the unique node identifier.
	ID string
	// Name is the human-readable name of the node.
	Name string
	// Description is the description of the node.
	Description string
	// RequiredKeys are payload keys that must be present and non-nil before
	// the node may be entered.
	RequiredKeys []string
	// ProducedKeys are the only payload keys the node's patches may write.
	ProducedKeys []string
	// Handler is the work-unit logic.
	Handler NodeFunc
	// RetryPolicy overrides the executor's policy for this node, if set.
	RetryPolicy *RetryPolicy
	// FallbackNode is routed to when retries on this node are exhausted.
	// End stops the execution instead of routing to a recovery node.
	FallbackNode string

	produced map[string]struct{}
}

// Produces reports whether the node's contract allows writing key.
func (n *Node) Produces(key string) bool {
	_, ok := n.produced[key]
	return ok
}

// Edge is a (from, predicate, to) routing rule. A nil predicate always
// matches. Edges from one node are evaluated in declared order; the first
// match wins.
type Edge struct {
	// From is the source node id.
	From string
	// To is the target node id or End.
	To string
	// Predicate guards the edge; nil means unconditional.
	Predicate PredicateFunc
}

// ConditionalEdge routes through a label table: the condition returns a label
// that the path map resolves to a target node or End.
type ConditionalEdge struct {
	// From is the source node id.
	From string
	// Condition computes the routing label from the payload.
	Condition ConditionFunc
	// PathMap resolves labels to target node ids or End.
	PathMap map[string]string
}

// Graph is a compiled, immutable directed graph of nodes and edges. Compile
// it with a GraphBuilder; a compiled graph is safe for concurrent use across
// any number of executions.
type Graph struct {
	nodes       map[string]*Node
	edges       map[string][]*Edge
	conditional map[string]*ConditionalEdge
	entryPoint  string
}

func newGraph() *Graph {
	return &Graph{
		nodes:       make(map[string]*Node),
		edges:       make(map[string][]*Edge),
		conditional: make(map[string]*ConditionalEdge),
	}
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// EntryPoint returns the declared entry node id.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Edges returns the ordered outgoing edges of a node.
func (g *Graph) Edges(nodeID string) []*Edge { return g.edges[nodeID] }

// IsTerminal reports whether a node has no outgoing routes at all.
func (g *Graph) IsTerminal(nodeID string) bool {
	return len(g.edges[nodeID]) == 0 && g.conditional[nodeID] == nil
}

// Next evaluates the outgoing routes of nodeID against the payload and
// returns the next node id, or End. A handler hint is honored when a declared
// edge covers it. Routing failures are state-incompatible errors and are
// never retried: they indicate a graph configuration bug, not a transient
// fault.
func (g *Graph) Next(ctx context.Context, nodeID string, payload State, hint string) (string, error) {
	if g.IsTerminal(nodeID) {
		return End, nil
	}
	target, err := g.selectTarget(ctx, nodeID, payload, hint)
	if err != nil {
		return "", err
	}
	if target == End {
		return End, nil
	}
	next, ok := g.nodes[target]
	if !ok {
		return "", Errorf(KindStateIncompatible, nodeID, "route selected unknown node %q", target)
	}
	if err := g.checkRequiredKeys(next, payload); err != nil {
		return "", err
	}
	return target, nil
}

func (g *Graph) selectTarget(ctx context.Context, nodeID string, payload State, hint string) (string, error) {
	if hint != "" {
		if target, ok := g.resolveHint(nodeID, hint); ok {
			return target, nil
		}
	}
	if cond := g.conditional[nodeID]; cond != nil {
		label, err := cond.Condition(ctx, payload)
		if err != nil {
			return "", Errorf(KindStateIncompatible, nodeID, "condition evaluation failed: %v", err)
		}
		if target, ok := cond.PathMap[label]; ok {
			return target, nil
		}
		return "", Errorf(KindStateIncompatible, nodeID, "condition returned label %q with no path entry", label)
	}
	for _, edge := range g.edges[nodeID] {
		if edge.Predicate == nil {
			return edge.To, nil
		}
		match, err := edge.Predicate(ctx, payload)
		if err != nil {
			return "", Errorf(KindStateIncompatible, nodeID, "predicate evaluation failed: %v", err)
		}
		if match {
			return edge.To, nil
		}
	}
	return "", Errorf(KindStateIncompatible, nodeID, "no edge matched and no default edge declared")
}

// resolveHint maps a handler hint to a declared target: a path-map label
// first, then a direct edge target.
func (g *Graph) resolveHint(nodeID, hint string) (string, bool) {
	if cond := g.conditional[nodeID]; cond != nil {
		if target, ok := cond.PathMap[hint]; ok {
			return target, true
		}
	}
	for _, edge := range g.edges[nodeID] {
		if edge.To == hint {
			return hint, true
		}
	}
	return "", false
}

func (g *Graph) checkRequiredKeys(node *Node, payload State) error {
	for _, key := range node.RequiredKeys {
		value, ok := payload[key]
		if !ok || value == nil {
			return Errorf(KindStateIncompatible, node.ID,
				"required key %q is missing from the payload", key)
		}
	}
	return nil
}

// validate checks the compiled structure: an entry point, known edge targets
// and reachability of every node. Cycles are allowed; the executor bounds
// them with its iteration ceiling.
func (g *Graph) validate() error {
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmt.Errorf("entry point %q is not a registered node", g.entryPoint)
	}
	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source node %q does not exist", from)
		}
		for _, edge := range edges {
			if edge.To != End {
				if _, ok := g.nodes[edge.To]; !ok {
					return fmt.Errorf("edge target node %q does not exist", edge.To)
				}
			}
		}
	}
	for from, cond := range g.conditional {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("conditional edge source node %q does not exist", from)
		}
		for label, target := range cond.PathMap {
			if target != End {
				if _, ok := g.nodes[target]; !ok {
					return fmt.Errorf("conditional edge label %q targets unknown node %q", label, target)
				}
			}
		}
	}
	for id, node := range g.nodes {
		if node.Handler == nil {
			return fmt.Errorf("node %q has no handler", id)
		}
		if node.FallbackNode != "" && node.FallbackNode != End {
			if _, ok := g.nodes[node.FallbackNode]; !ok {
				return fmt.Errorf("node %q declares unknown fallback node %q", id, node.FallbackNode)
			}
		}
	}
	visited := make(map[string]bool)
	g.visit(g.entryPoint, visited)
	for id := range g.nodes {
		if !visited[id] {
			return fmt.Errorf("node %q is not reachable from the entry point", id)
		}
	}
	return nil
}

func (g *Graph) visit(nodeID string, visited map[string]bool) {
	if nodeID == End || visited[nodeID] {
		return
	}
	visited[nodeID] = true
	for _, edge := range g.edges[nodeID] {
		g.visit(edge.To, visited)
	}
	if cond := g.conditional[nodeID]; cond != nil {
		for _, target := range cond.PathMap {
			g.visit(target, visited)
		}
	}
	if node := g.nodes[nodeID]; node != nil && node.FallbackNode != "" {
		g.visit(node.FallbackNode, visited)
	}
}
