//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package flow

import "time"

// ExecutionEvent is one observable state transition. Events for a given
// execution are emitted in version order; the stream terminates when the
// execution reaches a terminal status.
type ExecutionEvent struct {
	// ExecutionID identifies the execution.
	ExecutionID string `json:"execution_id"`
	// SessionID is the bound external session, if any.
	SessionID string `json:"session_id,omitempty"`
	// Version is the checkpoint version the event corresponds to.
	Version int64 `json:"version"`
	// Node is the node the transition concerns.
	Node string `json:"node"`
	// NextNode is the routed successor, when known.
	NextNode string `json:"next_node,omitempty"`
	// Status is the execution status after the transition.
	Status Status `json:"status"`
	// Outcome is the attempt outcome that caused the transition.
	Outcome Outcome `json:"outcome"`
	// Error carries the failure detail for failed attempts.
	Error *ErrorDetail `json:"error,omitempty"`
	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends the stream.
func (e ExecutionEvent) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// EventSink receives execution events as they happen. Sinks are called from
// the execution's own goroutine and must not block.
type EventSink func(ExecutionEvent)

func (s *ExecutionState) event(node string, outcome Outcome, detail *ErrorDetail) ExecutionEvent {
	return ExecutionEvent{
		ExecutionID: s.ExecutionID,
		SessionID:   s.SessionID,
		Version:     s.Version,
		Node:        node,
		NextNode:    s.NextNode,
		Status:      s.Status,
		Outcome:     outcome,
		Error:       detail,
		Timestamp:   time.Now().UTC(),
	}
}
