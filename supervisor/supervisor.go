//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package supervisor manages concurrent executions on behalf of external
// sessions: it enforces the one-active-execution-per-session rule, runs
// executions on a bounded worker pool, fans their event streams out to
// subscribers and reclaims executions whose idle TTL elapsed.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/flow/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-flow-go/log"
)

var (
	// ErrConflict is returned when a session already has a non-terminal
	// execution.
	ErrConflict = errors.New("session already has an active execution")
	// ErrExecutionNotFound is returned when no execution exists for the id.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor is closed")
	// ErrExecutionBusy is returned when an operation needs the execution to be
	// idle but a worker is driving it.
	ErrExecutionBusy = errors.New("execution is currently running")
)

const (
	defaultPoolSize   = 64
	defaultSessionTTL = 30 * time.Minute
	defaultGCInterval = time.Minute
)

// Options configure a Supervisor.
type Options struct {
	saver        flow.CheckpointSaver
	poolSize     int
	sessionTTL   time.Duration
	gcInterval   time.Duration
	executorOpts []flow.ExecutorOption
	bufferSize   int
}

// Option modifies supervisor options.
type Option func(*Options)

// WithCheckpointSaver sets the checkpoint store shared by all executions.
// Without it an in-memory saver owned by the supervisor is used.
func WithCheckpointSaver(saver flow.CheckpointSaver) Option {
	return func(o *Options) {
		o.saver = saver
	}
}

// WithPoolSize bounds the number of concurrently running executions
// (default 64). Submissions beyond the bound queue until a worker frees up.
func WithPoolSize(size int) Option {
	return func(o *Options) {
		o.poolSize = size
	}
}

// WithSessionTTL sets the idle TTL after which a non-terminal execution is
// reclaimed (default 30m). Zero disables reclamation.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.sessionTTL = ttl
	}
}

// WithGCInterval sets how often idle executions are swept (default 1m).
func WithGCInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.gcInterval = interval
	}
}

// WithExecutorOptions forwards options to the underlying executor, such as
// flow.WithRetryPolicy or flow.WithMaxIterations.
func WithExecutorOptions(opts ...flow.ExecutorOption) Option {
	return func(o *Options) {
		o.executorOpts = append(o.executorOpts, opts...)
	}
}

// execution is the supervisor's bookkeeping for one execution.
type execution struct {
	id         string
	sessionID  string
	broker     *broker
	cancel     context.CancelFunc
	running    bool
	terminal   bool
	lastActive time.Time
}

// Supervisor runs executions for sessions. All methods are safe for
// concurrent use.
type Supervisor struct {
	opts       Options
	executor   *flow.Executor
	saver      flow.CheckpointSaver
	ownedSaver bool
	pool       *ants.Pool

	mu         sync.Mutex
	sessions   map[string]string // session id -> non-terminal execution id
	executions map[string]*execution
	closed     bool

	wg     sync.WaitGroup
	gcStop chan struct{}
	gcDone chan struct{}
}

// New creates a supervisor driving the compiled graph.
func New(graph *flow.Graph, opts ...Option) (*Supervisor, error) {
	options := Options{
		poolSize:   defaultPoolSize,
		sessionTTL: defaultSessionTTL,
		gcInterval: defaultGCInterval,
		bufferSize: flow.DefaultChannelBufferSize,
	}
	for _, opt := range opts {
		opt(&options)
	}
	saver := options.saver
	owned := false
	if saver == nil {
		saver = inmemory.NewSaver()
		owned = true
	}
	executorOpts := append([]flow.ExecutorOption{flow.WithCheckpointSaver(saver)}, options.executorOpts...)
	executor, err := flow.NewExecutor(graph, executorOpts...)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(options.poolSize)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		opts:       options,
		executor:   executor,
		saver:      saver,
		ownedSaver: owned,
		pool:       pool,
		sessions:   make(map[string]string),
		executions: make(map[string]*execution),
		gcStop:     make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	if options.sessionTTL > 0 && options.gcInterval > 0 {
		go s.gcLoop()
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// Submit starts a new execution for the session with the given initial
// payload. A session may have at most one non-terminal execution; a second
// Submit returns ErrConflict until the first reaches a terminal status.
func (s *Supervisor) Submit(ctx context.Context, sessionID string, payload flow.State) (flow.Summary, error) {
	if sessionID == "" {
		return flow.Summary{}, errors.New("session id is required")
	}
	st, err := s.executor.LoadOrCreate(ctx, "", payload)
	if err != nil {
		return flow.Summary{}, err
	}
	st.SessionID = sessionID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return flow.Summary{}, ErrClosed
	}
	if _, busy := s.sessions[sessionID]; busy {
		s.mu.Unlock()
		return flow.Summary{}, ErrConflict
	}
	exec := &execution{
		id:         st.ExecutionID,
		sessionID:  sessionID,
		broker:     newBroker(),
		running:    true,
		lastActive: time.Now().UTC(),
	}
	s.sessions[sessionID] = exec.id
	s.executions[exec.id] = exec
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.pool.Submit(func() { s.run(exec, st) }); err != nil {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		delete(s.executions, exec.id)
		s.mu.Unlock()
		s.wg.Done()
		return flow.Summary{}, err
	}
	log.Infof("session %s: execution %s submitted", sessionID, exec.id)
	return st.Summary(), nil
}

// ResumeWithInput re-enters an execution suspended awaiting input. The patch
// must satisfy the pending input request; validation happens synchronously,
// the execution itself continues on the worker pool.
func (s *Supervisor) ResumeWithInput(ctx context.Context, executionID string, patch flow.State) (flow.Summary, error) {
	ckpt, err := s.saver.Latest(ctx, executionID)
	if errors.Is(err, flow.ErrCheckpointNotFound) {
		return flow.Summary{}, ErrExecutionNotFound
	}
	if err != nil {
		return flow.Summary{}, err
	}
	st := ckpt.State
	if st.Status != flow.StatusAwaitingInput {
		return st.Summary(), flow.ErrNotAwaitingInput
	}
	if st.PendingInput != nil && !st.PendingInput.Satisfied(patch) {
		return st.Summary(), flow.ErrMissingInput
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return flow.Summary{}, ErrClosed
	}
	exec, ok := s.executions[executionID]
	if !ok {
		// Execution persisted by a previous process: adopt it.
		exec = &execution{id: executionID, sessionID: st.SessionID, broker: newBroker()}
		s.executions[executionID] = exec
		if st.SessionID != "" {
			if _, busy := s.sessions[st.SessionID]; !busy {
				s.sessions[st.SessionID] = executionID
			}
		}
	}
	if exec.running {
		s.mu.Unlock()
		return st.Summary(), ErrExecutionBusy
	}
	exec.running = true
	exec.terminal = false
	exec.lastActive = time.Now().UTC()
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.pool.Submit(func() { s.resume(exec, patch) }); err != nil {
		s.mu.Lock()
		exec.running = false
		s.mu.Unlock()
		s.wg.Done()
		return flow.Summary{}, err
	}
	log.Infof("execution %s: resumed with input", executionID)
	return st.Summary(), nil
}

// Fork creates a new running execution from an old checkpoint of the source
// execution, bound to the source's session. The source and its history are
// untouched. The session must not have another active execution.
func (s *Supervisor) Fork(ctx context.Context, executionID string, version int64) (flow.Summary, error) {
	srcCkpt, err := s.saver.Get(ctx, executionID, version)
	if errors.Is(err, flow.ErrCheckpointNotFound) {
		return flow.Summary{}, ErrExecutionNotFound
	}
	if err != nil {
		return flow.Summary{}, err
	}
	sessionID := srcCkpt.State.SessionID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return flow.Summary{}, ErrClosed
	}
	if sessionID != "" {
		if _, busy := s.sessions[sessionID]; busy {
			s.mu.Unlock()
			return flow.Summary{}, ErrConflict
		}
	}
	s.mu.Unlock()

	st, err := s.executor.Fork(ctx, executionID, version)
	if err != nil {
		return flow.Summary{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return flow.Summary{}, ErrClosed
	}
	if sessionID != "" {
		// Re-check: another submission may have raced the fork.
		if _, busy := s.sessions[sessionID]; busy {
			s.mu.Unlock()
			return flow.Summary{}, ErrConflict
		}
	}
	exec := &execution{
		id:         st.ExecutionID,
		sessionID:  sessionID,
		broker:     newBroker(),
		running:    true,
		lastActive: time.Now().UTC(),
	}
	if sessionID != "" {
		s.sessions[sessionID] = exec.id
	}
	s.executions[exec.id] = exec
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.pool.Submit(func() { s.run(exec, st) }); err != nil {
		s.mu.Lock()
		if sessionID != "" && s.sessions[sessionID] == exec.id {
			delete(s.sessions, sessionID)
		}
		delete(s.executions, exec.id)
		s.mu.Unlock()
		s.wg.Done()
		return flow.Summary{}, err
	}
	log.Infof("execution %s: forked from %s version %d", exec.id, executionID, version)
	return st.Summary(), nil
}

// Status returns the latest checkpointed summary of the execution.
func (s *Supervisor) Status(ctx context.Context, executionID string) (flow.Summary, error) {
	ckpt, err := s.saver.Latest(ctx, executionID)
	if errors.Is(err, flow.ErrCheckpointNotFound) {
		return flow.Summary{}, ErrExecutionNotFound
	}
	if err != nil {
		return flow.Summary{}, err
	}
	return ckpt.State.Summary(), nil
}

// Inspect returns the latest full execution state, including payload and
// history.
func (s *Supervisor) Inspect(ctx context.Context, executionID string) (*flow.ExecutionState, error) {
	ckpt, err := s.saver.Latest(ctx, executionID)
	if errors.Is(err, flow.ErrCheckpointNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return ckpt.State, nil
}

// Checkpoints returns up to limit checkpoints of the execution, most recent
// first.
func (s *Supervisor) Checkpoints(ctx context.Context, executionID string, limit int) ([]*flow.Checkpoint, error) {
	return s.saver.List(ctx, executionID, limit)
}

// List returns summaries of the executions this supervisor knows about.
func (s *Supervisor) List(ctx context.Context) ([]flow.Summary, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.executions))
	for id := range s.executions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	out := make([]flow.Summary, 0, len(ids))
	for _, id := range ids {
		summary, err := s.Status(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// SessionExecution returns the id of the session's non-terminal execution.
func (s *Supervisor) SessionExecution(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sessionID]
	return id, ok
}

// Subscribe returns the execution's event stream: replayed history followed
// by live events, closed once the execution reaches a terminal status. The
// returned cancel function must be called when done.
func (s *Supervisor) Subscribe(executionID string) (<-chan flow.ExecutionEvent, func(), error) {
	s.mu.Lock()
	exec, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrExecutionNotFound
	}
	ch, cancel := exec.broker.subscribe(s.opts.bufferSize)
	return ch, cancel, nil
}

// Cancel stops the execution. A running execution is cancelled through its
// context and finalizes itself; a suspended one gets its terminal checkpoint
// written here.
func (s *Supervisor) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	exec, ok := s.executions[executionID]
	if ok && exec.running {
		cancel := exec.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	s.mu.Unlock()
	err := s.executor.Cancel(ctx, executionID)
	if errors.Is(err, flow.ErrCheckpointNotFound) {
		return ErrExecutionNotFound
	}
	if err != nil {
		return err
	}
	if ok {
		s.finalize(exec, flow.ExecutionEvent{
			ExecutionID: executionID,
			SessionID:   exec.sessionID,
			Node:        "",
			Status:      flow.StatusFailed,
			Outcome:     flow.OutcomeFailed,
			Error:       &flow.ErrorDetail{Kind: flow.KindCancelled, Message: "cancelled by caller"},
			Timestamp:   time.Now().UTC(),
		})
	}
	return nil
}

// Close stops the GC, cancels all running executions, waits for them to
// finalize and releases the pool.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.executions))
	for _, exec := range s.executions {
		if exec.running && exec.cancel != nil {
			cancels = append(cancels, exec.cancel)
		}
	}
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	s.pool.Release()

	s.mu.Lock()
	for _, exec := range s.executions {
		exec.broker.close()
	}
	s.mu.Unlock()

	if s.ownedSaver {
		return s.saver.Close()
	}
	return nil
}

// run drives a fresh or forked execution to its next stopping point.
func (s *Supervisor) run(exec *execution, st *flow.ExecutionState) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.mu.Lock()
	exec.cancel = cancel
	s.mu.Unlock()

	final, err := s.executor.Execute(ctx, st, flow.WithEventSink(s.sinkFor(exec)))
	s.finish(exec, final, err)
}

// resume continues a suspended execution on the worker pool.
func (s *Supervisor) resume(exec *execution, patch flow.State) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.mu.Lock()
	exec.cancel = cancel
	s.mu.Unlock()

	final, err := s.executor.Resume(ctx, exec.id, patch, flow.WithEventSink(s.sinkFor(exec)))
	s.finish(exec, final, err)
}

func (s *Supervisor) sinkFor(exec *execution) flow.EventSink {
	return func(evt flow.ExecutionEvent) {
		exec.broker.publish(evt)
		s.mu.Lock()
		exec.lastActive = time.Now().UTC()
		s.mu.Unlock()
	}
}

// finish updates bookkeeping once an execution's worker returns.
func (s *Supervisor) finish(exec *execution, final *flow.ExecutionState, err error) {
	now := time.Now().UTC()
	terminal := true
	if final != nil && !final.Terminal && err == nil {
		// Suspended awaiting input: the session stays occupied and the broker
		// stays open for a later resume.
		terminal = false
	}

	s.mu.Lock()
	exec.running = false
	exec.cancel = nil
	exec.lastActive = now
	exec.terminal = terminal
	if terminal && exec.sessionID != "" && s.sessions[exec.sessionID] == exec.id {
		delete(s.sessions, exec.sessionID)
	}
	s.mu.Unlock()

	if err != nil {
		// Engine fault, e.g. a checkpoint write failure. The executor emitted no
		// terminal event, so synthesize one to end subscriber streams.
		log.Errorf("execution %s: %v", exec.id, err)
		detail := &flow.ErrorDetail{Kind: flow.Classify(err), Message: err.Error()}
		var version int64
		node := ""
		if final != nil {
			version = final.Version
			node = final.CurrentNode
		}
		exec.broker.publish(flow.ExecutionEvent{
			ExecutionID: exec.id,
			SessionID:   exec.sessionID,
			Version:     version,
			Node:        node,
			Status:      flow.StatusFailed,
			Outcome:     flow.OutcomeFailed,
			Error:       detail,
			Timestamp:   now,
		})
	}
	if terminal {
		exec.broker.close()
	}
}

// finalize marks an execution terminal outside a worker, publishing the given
// terminal event.
func (s *Supervisor) finalize(exec *execution, evt flow.ExecutionEvent) {
	s.mu.Lock()
	exec.running = false
	exec.cancel = nil
	exec.terminal = true
	exec.lastActive = evt.Timestamp
	if exec.sessionID != "" && s.sessions[exec.sessionID] == exec.id {
		delete(s.sessions, exec.sessionID)
	}
	s.mu.Unlock()
	exec.broker.publish(evt)
	exec.broker.close()
}

// gcLoop sweeps idle non-terminal executions.
func (s *Supervisor) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(s.opts.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// reapIdle expires suspended executions whose idle TTL elapsed. Running
// executions are never reaped; their events keep lastActive fresh.
func (s *Supervisor) reapIdle() {
	cutoff := time.Now().UTC().Add(-s.opts.sessionTTL)
	s.mu.Lock()
	var idle []*execution
	for _, exec := range s.executions {
		if !exec.running && !exec.terminal && exec.lastActive.Before(cutoff) {
			idle = append(idle, exec)
		}
	}
	s.mu.Unlock()

	for _, exec := range idle {
		if err := s.executor.Expire(context.Background(), exec.id); err != nil {
			log.Errorf("execution %s: expire failed: %v", exec.id, err)
			continue
		}
		log.Infof("execution %s: expired after idle TTL", exec.id)
		s.finalize(exec, flow.ExecutionEvent{
			ExecutionID: exec.id,
			SessionID:   exec.sessionID,
			Status:      flow.StatusFailed,
			Outcome:     flow.OutcomeExpired,
			Error:       &flow.ErrorDetail{Kind: flow.KindExpired, Message: "idle TTL elapsed"},
			Timestamp:   time.Now().UTC(),
		})
	}
}
