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

// DefaultMaxRetries is the per-node retry ceiling applied when no policy is
// configured.
const DefaultMaxRetries = 3

// RetryPolicy decides how node failures are handled. A policy applies
// per node attempt: transient failures are retried up to MaxRetries, then the
// node's fallback is taken if declared, otherwise the execution fails.
// Structural failures (contract violations, incompatible state) and
// cancellations are never retried.
type RetryPolicy struct {
	// MaxRetries is the retry ceiling for one node. The counter resets when a
	// different node is entered.
	MaxRetries int
	// Backoff is the fixed delay between retries of the same node.
	Backoff time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: DefaultMaxRetries}
}

// recoveryAction is the outcome of consulting the retry policy for a failed
// attempt.
type recoveryAction int

const (
	// actionRetry re-runs the same node.
	actionRetry recoveryAction = iota
	// actionFallback routes to the node's declared fallback.
	actionFallback
	// actionAbort escalates to a terminal failure.
	actionAbort
)

// decide classifies the failure and picks the recovery action, given the
// number of retries already spent on the node.
func (p *RetryPolicy) decide(node *Node, retryCount int, ferr *Error) recoveryAction {
	if !ferr.Retryable() {
		return actionAbort
	}
	if retryCount < p.MaxRetries {
		return actionRetry
	}
	if node.FallbackNode != "" {
		return actionFallback
	}
	return actionAbort
}

// policyFor returns the effective policy for a node: its override if
// declared, otherwise the executor-wide policy.
func (e *Executor) policyFor(node *Node) *RetryPolicy {
	if node.RetryPolicy != nil {
		return node.RetryPolicy
	}
	return e.retryPolicy
}
