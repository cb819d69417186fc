//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package debug provides an HTTP server exposing the session supervisor for
// local development and operational inspection: submitting work, querying
// execution state and history, resuming suspended executions and streaming
// live transitions over SSE.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/supervisor"
)

// Server is the debug HTTP server over a session supervisor.
type Server struct {
	supervisor *supervisor.Supervisor
	router     *mux.Router
	addr       string
	httpServer *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithAddr sets the listen address (default ":8090").
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// New creates a debug server over the supervisor.
func New(sup *supervisor.Supervisor, opts ...Option) *Server {
	s := &Server{
		supervisor: sup,
		router:     mux.NewRouter(),
		addr:       ":8090",
	}
	for _, opt := range opts {
		opt(s)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions/{sessionID}/submit", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{executionID}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{executionID}/checkpoints", s.handleListCheckpoints).Methods(http.MethodGet)
	api.HandleFunc("/executions/{executionID}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/executions/{executionID}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/executions/{executionID}/fork", s.handleFork).Methods(http.MethodPost)
	api.HandleFunc("/executions/{executionID}/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("debug server listening on %s", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type submitRequest struct {
	Payload flow.State `json:"payload"`
}

type resumeRequest struct {
	Input flow.State `json:"input"`
}

type forkRequest struct {
	Version int64 `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.Body.Close()
	summary, err := s.supervisor.Submit(r.Context(), sessionID, req.Payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.supervisor.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	state, err := s.supervisor.Inspect(r.Context(), executionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
	}
	checkpoints, err := s.supervisor.Checkpoints(r.Context(), executionID, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.Body.Close()
	summary, err := s.supervisor.ResumeWithInput(r.Context(), executionID, req.Input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	if err := s.supervisor.Cancel(r.Context(), executionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.Body.Close()
	summary, err := s.supervisor.Fork(r.Context(), executionID, req.Version)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

// handleEvents streams the execution's transitions over SSE: replayed history
// first, then live events, until the execution terminates or the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	events, cancel, err := s.supervisor.Subscribe(executionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Errorf("marshal SSE event: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrConflict),
		errors.Is(err, supervisor.ErrExecutionBusy),
		errors.Is(err, flow.ErrNotAwaitingInput):
		return http.StatusConflict
	case errors.Is(err, flow.ErrMissingInput):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
