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
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and recovery decisions.
type ErrorKind string

const (
	// KindTransient marks a failure that may succeed on retry, such as a
	// timeout or an external-service error.
	KindTransient ErrorKind = "transient"
	// KindContractViolation marks a node patch that writes keys outside the
	// node's declared produced keys. Never retried.
	KindContractViolation ErrorKind = "contract_violation"
	// KindStateIncompatible marks a routing failure: no edge matched, or the
	// target node's required keys are missing from the payload. Never retried.
	KindStateIncompatible ErrorKind = "state_incompatible"
	// KindBudgetExceeded marks an execution that hit its attempt or iteration
	// ceiling. Terminal.
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	// KindCancelled marks a caller-initiated cancellation. Terminal.
	KindCancelled ErrorKind = "cancelled"
	// KindStorageFailure marks a checkpoint read or write failure. The engine
	// never advances past an unpersisted transition.
	KindStorageFailure ErrorKind = "storage_failure"
	// KindExpired marks an execution reclaimed by the session supervisor after
	// its idle TTL elapsed. Terminal.
	KindExpired ErrorKind = "expired"
)

var (
	// ErrExecutionIDRequired is returned when an operation is missing the execution id.
	ErrExecutionIDRequired = errors.New("execution id is required")
	// ErrCheckpointNotFound is returned when no checkpoint exists for the requested key.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrExecutionTerminal is returned when an operation targets an execution
	// that already reached a terminal status.
	ErrExecutionTerminal = errors.New("execution already terminal")
	// ErrNotAwaitingInput is returned when Resume is called on an execution
	// whose status is not awaiting_input.
	ErrNotAwaitingInput = errors.New("execution is not awaiting input")
	// ErrAwaitingInput is returned when Execute is called on an execution that
	// is suspended awaiting input; such executions resume via Resume.
	ErrAwaitingInput = errors.New("execution is awaiting input")
	// ErrMissingInput is returned when a resume patch does not supply all keys
	// named by the pending input request.
	ErrMissingInput = errors.New("resume patch is missing requested keys")
)

// Error is a classified execution failure. Node handlers may return an *Error
// to control retry behavior; any other error is classified by Classify.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind
	// Node is the node id the failure is attributed to, if any.
	Node string
	// Message describes the failure.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Node != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.Node, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on retry.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Detail returns the serializable form recorded in execution history.
func (e *Error) Detail() *ErrorDetail {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorDetail{Kind: e.Kind, Node: e.Node, Message: msg}
}

// NewError creates a classified error attributed to a node.
func NewError(kind ErrorKind, node, message string) *Error {
	return &Error{Kind: kind, Node: node, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, node, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err and attributes it to a node. Context deadline
// errors become transient failures; context cancellation becomes a terminal
// cancellation. Unclassified errors default to transient, matching the
// handler contract: external collaborators that want a structural failure
// must say so with a typed *Error.
func WrapError(node string, err error) *Error {
	var ferr *Error
	if errors.As(err, &ferr) {
		if ferr.Node == "" {
			ferr.Node = node
		}
		return ferr
	}
	kind := KindTransient
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTransient
	}
	return &Error{Kind: kind, Node: node, Err: err}
}

// Classify returns the ErrorKind for err.
func Classify(err error) ErrorKind {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}

// ErrorDetail is the serializable failure record carried in execution history
// and surfaced verbatim by status queries.
type ErrorDetail struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`
	// Node is the node id the failure occurred in, if any.
	Node string `json:"node,omitempty"`
	// Message describes the failure.
	Message string `json:"message"`
}

// String implements fmt.Stringer.
func (d *ErrorDetail) String() string {
	if d == nil {
		return ""
	}
	if d.Node != "" {
		return fmt.Sprintf("%s: node %s: %s", d.Kind, d.Node, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}
