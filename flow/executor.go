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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-flow-go/log"
)

const (
	// DefaultMaxIterations is the hard ceiling on run-loop iterations per
	// Execute call. It bounds intended cycles (review loops re-entering
	// earlier nodes) and turns accidental infinite loops into a
	// budget-exceeded failure.
	DefaultMaxIterations = 100
	// DefaultChannelBufferSize is the buffer size for event channels.
	DefaultChannelBufferSize = 256

	instrumentName = "trpc.group/trpc-go/trpc-flow-go/flow"
)

// Executor drives an ExecutionState through a compiled graph. Within one
// execution node attempts are strictly sequential; a single Executor is safe
// for concurrent use across independent executions.
type Executor struct {
	graph         *Graph
	saver         CheckpointSaver
	retryPolicy   *RetryPolicy
	maxIterations int
	nodeTimeout   time.Duration
	bufferSize    int
	tracer        trace.Tracer
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointSaver sets the checkpoint store. Required.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(e *Executor) {
		e.saver = saver
	}
}

// WithRetryPolicy sets the executor-wide retry policy. Individual nodes may
// override it.
func WithRetryPolicy(policy *RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.retryPolicy = policy
	}
}

// WithMaxIterations sets the run-loop iteration ceiling (default 100).
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		e.maxIterations = n
	}
}

// WithNodeTimeout bounds each handler invocation. A handler that exceeds the
// timeout is treated as a transient failure.
func WithNodeTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.nodeTimeout = timeout
	}
}

// WithChannelBufferSize sets the buffer size for event channels (default 256).
func WithChannelBufferSize(size int) ExecutorOption {
	return func(e *Executor) {
		e.bufferSize = size
	}
}

// NewExecutor creates an executor for a compiled graph.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is required")
	}
	e := &Executor{
		graph:         graph,
		retryPolicy:   DefaultRetryPolicy(),
		maxIterations: DefaultMaxIterations,
		bufferSize:    DefaultChannelBufferSize,
		tracer:        otel.Tracer(instrumentName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.saver == nil {
		return nil, errors.New("checkpoint saver is required")
	}
	if e.maxIterations <= 0 {
		return nil, errors.New("max iterations must be positive")
	}
	return e, nil
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	sink EventSink
}

// WithEventSink registers a sink receiving every state transition of this
// call.
func WithEventSink(sink EventSink) ExecuteOption {
	return func(o *executeOptions) {
		o.sink = sink
	}
}

func (o *executeOptions) emit(evt ExecutionEvent) {
	if o.sink != nil {
		o.sink(evt)
	}
}

// LoadOrCreate returns the state to run for executionID: the latest
// checkpoint if one exists, otherwise a fresh state at the entry node seeded
// with payload. An empty executionID always creates a fresh state with a
// generated id.
func (e *Executor) LoadOrCreate(ctx context.Context, executionID string, payload State) (*ExecutionState, error) {
	if executionID == "" {
		return NewExecutionState(uuid.NewString(), e.graph.EntryPoint(), payload), nil
	}
	ckpt, err := e.saver.Latest(ctx, executionID)
	if errors.Is(err, ErrCheckpointNotFound) {
		return NewExecutionState(executionID, e.graph.EntryPoint(), payload), nil
	}
	if err != nil {
		return nil, &Error{Kind: KindStorageFailure, Message: "load latest checkpoint failed", Err: err}
	}
	return ckpt.State.Clone(), nil
}

// Execute drives the state until it reaches a terminal status, suspends
// awaiting external input, or the context is cancelled. Graph-level terminal
// failures (exhausted retries, budget, cancellation) are reported through the
// returned state, not the error; a non-nil error means an engine fault such
// as a checkpoint write failure, past which the engine refuses to advance.
func (e *Executor) Execute(ctx context.Context, st *ExecutionState, opts ...ExecuteOption) (*ExecutionState, error) {
	if st == nil {
		return nil, errors.New("execution state is required")
	}
	options := &executeOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if st.Terminal {
		return st, nil
	}
	if st.Status == StatusAwaitingInput {
		return st, ErrAwaitingInput
	}
	ctx, span := e.tracer.Start(ctx, "flow.execute",
		trace.WithAttributes(
			attribute.String("flow.execution_id", st.ExecutionID),
			attribute.String("flow.current_node", st.CurrentNode),
		))
	defer span.End()

	st.Status = StatusRunning
	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return e.failTerminal(ctx, st, &Error{
				Kind: KindCancelled, Node: st.CurrentNode,
				Message: "execution cancelled", Err: err,
			}, true, options)
		}
		if iteration >= e.maxIterations {
			return e.failTerminal(ctx, st, Errorf(KindBudgetExceeded, st.CurrentNode,
				"iteration ceiling %d reached", e.maxIterations), true, options)
		}
		if st.NextNode != "" {
			st.EnterNode(st.NextNode)
		}
		node, ok := e.graph.Node(st.CurrentNode)
		if !ok {
			return e.failTerminal(ctx, st, Errorf(KindStateIncompatible, st.CurrentNode,
				"node is not registered"), true, options)
		}
		done, err := e.runNode(ctx, st, node, options)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return st, err
		}
		if done {
			return st, nil
		}
	}
}

// Resume re-enters an execution that is awaiting external input. The patch
// must supply every key named by the pending input request; it is merged into
// the payload and the interrupted node runs again with the input present.
func (e *Executor) Resume(ctx context.Context, executionID string, patch State, opts ...ExecuteOption) (*ExecutionState, error) {
	if executionID == "" {
		return nil, ErrExecutionIDRequired
	}
	ckpt, err := e.saver.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	st := ckpt.State.Clone()
	if st.Status != StatusAwaitingInput {
		return st, ErrNotAwaitingInput
	}
	if st.PendingInput != nil && !st.PendingInput.Satisfied(patch) {
		return st, ErrMissingInput
	}
	for key, value := range patch {
		st.Payload[key] = cloneValue(value)
	}
	st.PendingInput = nil
	st.Status = StatusRunning
	// Persist the supplied input before re-entering the node, so a crash
	// between resume and the next attempt cannot lose it.
	if err := e.checkpoint(ctx, st, ""); err != nil {
		return st, err
	}
	return e.Execute(ctx, st, opts...)
}

// Stream is the channel-based variant of Execute: it runs the execution in
// its own goroutine and returns an ordered stream of state transitions,
// closed once the execution stops.
func (e *Executor) Stream(ctx context.Context, st *ExecutionState) (<-chan ExecutionEvent, error) {
	if st == nil {
		return nil, errors.New("execution state is required")
	}
	ch := make(chan ExecutionEvent, e.bufferSize)
	go func() {
		defer close(ch)
		sink := func(evt ExecutionEvent) {
			select {
			case ch <- evt:
			default:
				log.Warnf("execution %s: event buffer full, dropping event for node %s",
					evt.ExecutionID, evt.Node)
			}
		}
		if _, err := e.Execute(ctx, st, WithEventSink(sink)); err != nil {
			log.Errorf("execution %s: %v", st.ExecutionID, err)
		}
	}()
	return ch, nil
}

// Fork creates a new running execution copied from an old checkpoint of
// executionID. The source execution and its history are untouched; the fork
// gets a fresh execution id, a fresh attempt budget and a fork record.
func (e *Executor) Fork(ctx context.Context, executionID string, version int64) (*ExecutionState, error) {
	ckpt, err := e.saver.Get(ctx, executionID, version)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	st := ckpt.State.Clone()
	st.ExecutionID = uuid.NewString()
	st.Status = StatusRunning
	st.Terminal = false
	st.RetryCount = 0
	st.PendingInput = nil
	st.LastError = nil
	st.Version = 0
	st.History = append(st.History, AttemptRecord{
		Node:      st.CurrentNode,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   OutcomeForked,
	})
	if err := e.checkpoint(ctx, st, ""); err != nil {
		return nil, err
	}
	return st, nil
}

// Expire finalizes an idle execution on behalf of the session supervisor:
// the latest state is marked failed with an expiry record and a final
// checkpoint tagged MarkerExpired is written. Expiring a terminal execution
// is a no-op.
func (e *Executor) Expire(ctx context.Context, executionID string) error {
	ckpt, err := e.saver.Latest(ctx, executionID)
	if err != nil {
		return err
	}
	st := ckpt.State.Clone()
	if st.Terminal {
		return nil
	}
	now := time.Now().UTC()
	detail := &ErrorDetail{Kind: KindExpired, Node: st.CurrentNode, Message: "idle TTL elapsed"}
	st.History = append(st.History, AttemptRecord{
		Node:      st.CurrentNode,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   OutcomeExpired,
		Error:     detail,
	})
	st.LastError = detail
	st.Status = StatusFailed
	st.Terminal = true
	st.NextNode = ""
	return e.checkpoint(ctx, st, MarkerExpired)
}

// Cancel finalizes an execution that is not actively running, such as one
// suspended awaiting input: the latest state is marked failed with a
// cancellation record and a final checkpoint is written. Cancelling a
// terminal execution is a no-op. In-flight executions are cancelled through
// their context instead.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	ckpt, err := e.saver.Latest(ctx, executionID)
	if err != nil {
		return err
	}
	st := ckpt.State.Clone()
	if st.Terminal {
		return nil
	}
	now := time.Now().UTC()
	detail := &ErrorDetail{Kind: KindCancelled, Node: st.CurrentNode, Message: "cancelled by caller"}
	st.History = append(st.History, AttemptRecord{
		Node:      st.CurrentNode,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   OutcomeFailed,
		Error:     detail,
	})
	st.LastError = detail
	st.Status = StatusFailed
	st.Terminal = true
	st.NextNode = ""
	st.PendingInput = nil
	return e.checkpoint(ctx, st, "")
}

// Graph returns the compiled graph this executor drives.
func (e *Executor) Graph() *Graph { return e.graph }

// Saver returns the checkpoint store.
func (e *Executor) Saver() CheckpointSaver { return e.saver }

// runNode performs one node attempt: snapshot, invoke, and either apply and
// route or consult the retry policy. It reports done=true when the execution
// stopped (terminal or awaiting input).
func (e *Executor) runNode(ctx context.Context, st *ExecutionState, node *Node, options *executeOptions) (bool, error) {
	startedAt := time.Now().UTC()
	ctx, span := e.tracer.Start(ctx, "flow.node",
		trace.WithAttributes(
			attribute.String("flow.execution_id", st.ExecutionID),
			attribute.String("flow.node_id", node.ID),
			attribute.Int("flow.retry_count", st.RetryCount),
		))
	defer span.End()

	// Snapshot before invoking: a failed attempt never partially mutates the
	// payload.
	snapshot := st.Payload.Clone()
	result, herr := e.invokeHandler(ctx, node, st.Payload.Clone())
	endedAt := time.Now().UTC()

	if herr != nil {
		st.Payload = snapshot
		if req, ok := AsInputRequest(herr); ok {
			return true, e.suspend(ctx, st, node, req, startedAt, endedAt, options)
		}
		return e.recover(ctx, st, node, WrapError(node.ID, herr), startedAt, endedAt, span, options)
	}

	if result == nil {
		result = &NodeResult{}
	}
	if err := st.Apply(node, result.Patch, startedAt, endedAt); err != nil {
		st.Payload = snapshot
		return e.recover(ctx, st, node, WrapError(node.ID, err), startedAt, endedAt, span, options)
	}
	next, rerr := e.graph.Next(ctx, node.ID, st.Payload, result.NextHint)
	if rerr != nil {
		ferr := WrapError(node.ID, rerr)
		detail := ferr.Detail()
		st.RecordFailure(node.ID, detail, startedAt, endedAt)
		if err := e.checkpoint(ctx, st, ""); err != nil {
			return false, err
		}
		options.emit(st.event(node.ID, OutcomeFailed, detail))
		span.SetStatus(codes.Error, ferr.Error())
		_, err := e.failTerminal(ctx, st, ferr, false, options)
		return true, err
	}
	if next == End {
		st.NextNode = ""
		st.Status = StatusCompleted
		st.Terminal = true
		if err := e.checkpoint(ctx, st, ""); err != nil {
			return false, err
		}
		options.emit(st.event(node.ID, OutcomeSucceeded, nil))
		log.Infof("execution %s completed at node %s (version %d)",
			st.ExecutionID, node.ID, st.Version)
		return true, nil
	}
	st.NextNode = next
	if err := e.checkpoint(ctx, st, ""); err != nil {
		return false, err
	}
	options.emit(st.event(node.ID, OutcomeSucceeded, nil))
	log.Debugf("execution %s: node %s succeeded, next %s (version %d)",
		st.ExecutionID, node.ID, next, st.Version)
	return false, nil
}

// suspend checkpoints the execution as awaiting external input.
func (e *Executor) suspend(ctx context.Context, st *ExecutionState, node *Node,
	req *InputRequest, startedAt, endedAt time.Time, options *executeOptions) error {
	st.RecordInterrupt(node.ID, startedAt, endedAt)
	st.Status = StatusAwaitingInput
	st.PendingInput = req
	st.NextNode = ""
	if err := e.checkpoint(ctx, st, ""); err != nil {
		return err
	}
	options.emit(st.event(node.ID, OutcomeInterrupted, nil))
	log.Infof("execution %s awaiting input at node %s: keys %v",
		st.ExecutionID, node.ID, req.Keys)
	return nil
}

// recover records a failed attempt and applies the retry policy. The retry
// counter advances before the failure checkpoint is written, so an execution
// resumed from that checkpoint keeps the same retry budget.
func (e *Executor) recover(ctx context.Context, st *ExecutionState, node *Node,
	ferr *Error, startedAt, endedAt time.Time, span trace.Span, options *executeOptions) (bool, error) {
	detail := ferr.Detail()
	st.RecordFailure(node.ID, detail, startedAt, endedAt)
	policy := e.policyFor(node)
	action := policy.decide(node, st.RetryCount, ferr)
	if action == actionRetry {
		st.RetryCount++
	}
	if err := e.checkpoint(ctx, st, ""); err != nil {
		return false, err
	}
	options.emit(st.event(node.ID, OutcomeFailed, detail))
	span.SetStatus(codes.Error, ferr.Error())

	switch action {
	case actionRetry:
		log.Debugf("execution %s: node %s failed transiently, retry %d/%d",
			st.ExecutionID, node.ID, st.RetryCount, policy.MaxRetries)
		if policy.Backoff > 0 {
			e.sleep(ctx, policy.Backoff)
		}
		return false, nil
	case actionFallback:
		if node.FallbackNode == End {
			// An End fallback stops the execution here, keeping the failure
			// as LastError instead of routing to a recovery node.
			_, err := e.failTerminal(ctx, st, ferr, false, options)
			return true, err
		}
		log.Infof("execution %s: node %s retries exhausted, falling back to %s",
			st.ExecutionID, node.ID, node.FallbackNode)
		st.EnterNode(node.FallbackNode)
		return false, nil
	default:
		_, err := e.failTerminal(ctx, st, ferr, false, options)
		return true, err
	}
}

// failTerminal marks the execution failed, writes the final checkpoint and
// emits the terminal event. When record is true the failure gets its own
// history entry; engine-level terminations (budget, cancellation) need one,
// node failures were already recorded by the attempt.
func (e *Executor) failTerminal(ctx context.Context, st *ExecutionState,
	ferr *Error, record bool, options *executeOptions) (*ExecutionState, error) {
	detail := ferr.Detail()
	now := time.Now().UTC()
	if record {
		st.RecordFailure(st.CurrentNode, detail, now, now)
	} else {
		st.LastError = detail
	}
	st.Status = StatusFailed
	st.Terminal = true
	st.NextNode = ""
	if err := e.checkpoint(ctx, st, ""); err != nil {
		return st, err
	}
	options.emit(st.event(st.CurrentNode, OutcomeFailed, detail))
	log.Errorf("execution %s failed at node %s: %v", st.ExecutionID, st.CurrentNode, ferr)
	return st, nil
}

// checkpoint persists the next version of the state. The version counter
// only advances when the write succeeds: the engine never proceeds past an
// unpersisted transition. The write is shielded from cancellation so a
// cancelled execution still gets its final checkpoint.
func (e *Executor) checkpoint(ctx context.Context, st *ExecutionState, marker string) error {
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	ckpt := NewCheckpointFrom(st)
	ckpt.Marker = marker
	if err := e.saver.Put(context.WithoutCancel(ctx), ckpt); err != nil {
		st.Version--
		return &Error{
			Kind: KindStorageFailure, Node: st.CurrentNode,
			Message: "checkpoint save failed", Err: err,
		}
	}
	return nil
}

// invokeHandler calls the node handler with the per-node timeout applied.
// Handler panics are contained and surface as failures of the attempt.
func (e *Executor) invokeHandler(ctx context.Context, node *Node, view State) (result *NodeResult, err error) {
	if e.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = Errorf(KindTransient, node.ID, "handler panic: %v", r)
		}
	}()
	return node.Handler(ctx, view)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
