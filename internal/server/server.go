// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package server exposes health, metrics and run completion endpoints of
// the scheduler process.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/changkun/monsched"
)

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Completer reports a finished run back to the scheduler.
type Completer func(ctx context.Context, run *monsched.Run) error

// Server wires operational HTTP handlers.
type Server struct {
	router  chi.Router
	log     *zap.Logger
	checks  map[string]Checker
	done    Completer
	timeout time.Duration
}

// New constructs a Server. metrics serves /metrics, checks back /readyz and
// done receives the runs posted to /runs/complete. A nil done leaves the
// route out.
func New(log *zap.Logger, metrics http.Handler, checks map[string]Checker, done Completer) *Server {
	s := &Server{
		log:     log.Named("server"),
		checks:  checks,
		done:    done,
		timeout: 2 * time.Second,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics)
	if done != nil {
		r.Post("/runs/complete", s.complete)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// finalStatus lists the states a run can be completed with.
var finalStatus = map[monsched.Status]bool{
	monsched.StatusCompleted: true,
	monsched.StatusFailed:    true,
	monsched.StatusThrottled: true,
	monsched.StatusSkipped:   true,
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var run monsched.Run
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&run); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decode run: " + err.Error()})
		return
	}
	if run.MonitorID == "" || run.UserID == "" || run.Site == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "monitorId, userId and site are required"})
		return
	}
	if !finalStatus[run.Status] {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status " + string(run.Status) + " is not final"})
		return
	}
	if err := s.done(r.Context(), &run); err != nil {
		s.log.Error("complete run",
			zap.String("run_id", run.ID),
			zap.String("monitor_id", run.MonitorID),
			zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(run.Status)})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}
