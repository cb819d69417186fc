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
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
)

// Status is the lifecycle status of an execution.
type Status string

const (
	// StatusRunning indicates the execution is in progress.
	StatusRunning Status = "running"
	// StatusCompleted indicates the execution reached a terminal node.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the execution terminated with a failure.
	StatusFailed Status = "failed"
	// StatusAwaitingInput indicates the execution is paused until an external
	// caller supplies additional payload.
	StatusAwaitingInput Status = "awaiting_input"
)

// Outcome is the result of a single node attempt.
type Outcome string

const (
	// OutcomeSucceeded indicates the attempt produced a patch that was applied.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed indicates the attempt returned a failure.
	OutcomeFailed Outcome = "failed"
	// OutcomeInterrupted indicates the attempt suspended awaiting external input.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeForked indicates the state was forked from an earlier checkpoint.
	OutcomeForked Outcome = "forked"
	// OutcomeExpired indicates the supervisor reclaimed the execution after
	// its idle TTL elapsed.
	OutcomeExpired Outcome = "expired"
)

// State is the schema-less payload that flows through the graph. The engine
// imposes no schema; individual nodes declare which keys they require and
// produce.
type State map[string]any

// Clone creates a deep copy of the state. Nested maps and slices are copied
// so that a handler working on a clone can never mutate the engine's payload.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, nested := range val {
			m[k] = cloneValue(nested)
		}
		return m
	case State:
		return map[string]any(val.Clone())
	case []any:
		list := make([]any, len(val))
		for i, nested := range val {
			list[i] = cloneValue(nested)
		}
		return list
	default:
		return v
	}
}

// AttemptRecord is one entry in the execution history. History is append-only:
// every node invocation, including each retry, is recorded exactly once.
type AttemptRecord struct {
	// Node is the node id that was invoked.
	Node string `json:"node"`
	// StartedAt is when the attempt started.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the attempt ended.
	EndedAt time.Time `json:"ended_at"`
	// Outcome is the attempt result.
	Outcome Outcome `json:"outcome"`
	// Error carries the failure detail for failed attempts.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ExecutionState is the versioned unit of truth for one run of the graph.
// It is mutated only by the Executor; node handlers receive a read-only clone
// of the payload and return a patch.
type ExecutionState struct {
	// ExecutionID is the opaque identifier, stable for the life of the run.
	ExecutionID string `json:"execution_id"`
	// SessionID is the external session this execution is bound to, if any.
	SessionID string `json:"session_id,omitempty"`
	// Version counts persisted checkpoints and strictly increases with each.
	Version int64 `json:"version"`
	// CurrentNode is the node the run loop is positioned at.
	CurrentNode string `json:"current_node"`
	// NextNode is the routed successor, set once the current node succeeds.
	NextNode string `json:"next_node,omitempty"`
	// Payload is the domain data nodes read and write.
	Payload State `json:"payload"`
	// History is the ordered, append-only record of node attempts.
	History []AttemptRecord `json:"history"`
	// RetryCount counts retries of the current node. It resets to zero when a
	// different node is entered.
	RetryCount int `json:"retry_count"`
	// Status is the lifecycle status.
	Status Status `json:"status"`
	// Terminal is true once the execution can never advance again.
	Terminal bool `json:"terminal"`
	// PendingInput names the input the execution is suspended on.
	PendingInput *InputRequest `json:"pending_input,omitempty"`
	// LastError is the most recent failure, surfaced verbatim by Get status.
	LastError *ErrorDetail `json:"last_error,omitempty"`
	// CreatedAt is when the execution was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExecutionState creates a fresh running state positioned at entryNode.
// An empty executionID is replaced with a generated one.
func NewExecutionState(executionID, entryNode string, payload State) *ExecutionState {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	if payload == nil {
		payload = make(State)
	}
	now := time.Now().UTC()
	return &ExecutionState{
		ExecutionID: executionID,
		Version:     0,
		CurrentNode: entryNode,
		Payload:     payload.Clone(),
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone creates a deep copy of the execution state.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Payload = s.Payload.Clone()
	clone.History = make([]AttemptRecord, len(s.History))
	copy(clone.History, s.History)
	if s.PendingInput != nil {
		pending := *s.PendingInput
		pending.Keys = append([]string(nil), s.PendingInput.Keys...)
		clone.PendingInput = &pending
	}
	if s.LastError != nil {
		detail := *s.LastError
		clone.LastError = &detail
	}
	return &clone
}

// Apply merges a node's patch into the payload and records the successful
// attempt. The merge is atomic with respect to the attempt: every patch key is
// validated against the node's produced keys before any write happens, so a
// rejected patch leaves the payload untouched.
func (s *ExecutionState) Apply(node *Node, patch State, startedAt, endedAt time.Time) error {
	for key := range patch {
		if !node.Produces(key) {
			return Errorf(KindContractViolation, node.ID,
				"patch writes key %q outside produced keys %v", key, node.ProducedKeys)
		}
	}
	for key, value := range patch {
		if merged, ok := s.mergeMapValue(key, value); ok {
			s.Payload[key] = merged
			continue
		}
		s.Payload[key] = cloneValue(value)
	}
	s.appendHistory(AttemptRecord{
		Node:      node.ID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Outcome:   OutcomeSucceeded,
	})
	return nil
}

// mergeMapValue deep-merges a map-valued patch entry over an existing
// map-valued payload entry, patch values winning on conflict.
func (s *ExecutionState) mergeMapValue(key string, value any) (any, bool) {
	dst, ok := asStringMap(s.Payload[key])
	if !ok {
		return nil, false
	}
	src, ok := asStringMap(value)
	if !ok {
		return nil, false
	}
	merged, _ := cloneValue(dst).(map[string]any)
	if err := mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
		// Merge only fails on invalid argument kinds, which both maps exclude.
		// Fall back to replacing the value wholesale.
		return nil, false
	}
	return merged, true
}

func asStringMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case State:
		return val, true
	default:
		return nil, false
	}
}

// RecordFailure appends a failed attempt and updates the last error. The
// payload is not touched: node execution is all-or-nothing from the state's
// perspective.
func (s *ExecutionState) RecordFailure(nodeID string, detail *ErrorDetail, startedAt, endedAt time.Time) {
	s.appendHistory(AttemptRecord{
		Node:      nodeID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Outcome:   OutcomeFailed,
		Error:     detail,
	})
	s.LastError = detail
}

// RecordInterrupt appends an interrupted attempt for a node that suspended
// awaiting external input.
func (s *ExecutionState) RecordInterrupt(nodeID string, startedAt, endedAt time.Time) {
	s.appendHistory(AttemptRecord{
		Node:      nodeID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Outcome:   OutcomeInterrupted,
	})
}

func (s *ExecutionState) appendHistory(record AttemptRecord) {
	s.History = append(s.History, record)
	s.UpdatedAt = record.EndedAt
}

// EnterNode positions the run loop at nodeID. Entering a node different from
// the current one resets the retry counter.
func (s *ExecutionState) EnterNode(nodeID string) {
	if nodeID != s.CurrentNode {
		s.RetryCount = 0
	}
	s.CurrentNode = nodeID
	s.NextNode = ""
}

// Summary is the caller-facing view of an execution returned by Get status.
type Summary struct {
	// ExecutionID identifies the execution.
	ExecutionID string `json:"execution_id"`
	// SessionID is the bound external session, if any.
	SessionID string `json:"session_id,omitempty"`
	// Status is the lifecycle status.
	Status Status `json:"status"`
	// CurrentNode is the node the execution is positioned at.
	CurrentNode string `json:"current_node"`
	// Version is the latest checkpointed version.
	Version int64 `json:"version"`
	// Terminal is true once the execution can never advance again.
	Terminal bool `json:"terminal"`
	// LastError is the most recent failure, verbatim.
	LastError *ErrorDetail `json:"last_error,omitempty"`
	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the caller-facing view of the state.
func (s *ExecutionState) Summary() Summary {
	return Summary{
		ExecutionID: s.ExecutionID,
		SessionID:   s.SessionID,
		Status:      s.Status,
		CurrentNode: s.CurrentNode,
		Version:     s.Version,
		Terminal:    s.Terminal,
		LastError:   s.LastError,
		UpdatedAt:   s.UpdatedAt,
	}
}
