// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the operator surface of the sync daemon: manual
// run triggers, run inspection, checkpoint administration, health and
// metrics. All /api/v1 routes require a bearer JWT.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retailbridge/channelsync/channelsync"
	"github.com/retailbridge/channelsync/internal/checkpoint"
	"github.com/retailbridge/channelsync/revsync"
)

// SyncRunner triggers a forward reconciliation run.
type SyncRunner interface {
	Run(ctx context.Context, opts channelsync.RunOptions) (channelsync.SyncStats, error)
}

// ReverseRunner triggers a reverse synchronization cycle.
type ReverseRunner interface {
	Run(ctx context.Context, opts revsync.Options) (channelsync.SyncStats, error)
}

// Server wires the operator HTTP API.
type Server struct {
	engine      SyncRunner
	reverse     ReverseRunner
	checkpoints checkpoint.Store
	auth        *JWTAuth
	registry    *prometheus.Registry
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	lastRun *RunReport
}

// RunReport is the stored outcome of the most recent run of either direction.
type RunReport struct {
	Direction  string                `json:"direction"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Stats      channelsync.SyncStats `json:"stats"`
	Error      string                `json:"error,omitempty"`
}

// NewServer creates the operator API server.
func NewServer(
	engine SyncRunner,
	reverse ReverseRunner,
	checkpoints checkpoint.Store,
	auth *JWTAuth,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:      engine,
		reverse:     reverse,
		checkpoints: checkpoints,
		auth:        auth,
		registry:    registry,
		logger:      logger,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/sync", s.handleSync)
		r.Post("/revsync", s.handleReverseSync)
		r.Get("/runs/last", s.handleLastRun)
		r.Get("/checkpoints", s.handleListCheckpoints)
		r.Delete("/checkpoints/{id}", s.handleDeleteCheckpoint)
	})

	return r
}

// TriggerRequest is the body of a manual sync trigger.
type TriggerRequest struct {
	WindowMinutes int  `json:"window_minutes,omitempty"`
	BatchSize     int  `json:"batch_size,omitempty"`
	MaxPages      int  `json:"max_pages,omitempty"`
	DryRun        bool `json:"dry_run,omitempty"`
	Resume        bool `json:"resume,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse trigger request")
			return
		}
	}

	if !s.tryAcquireRun() {
		s.writeError(w, http.StatusConflict, "run_in_progress", "Another run is already executing")
		return
	}
	defer s.releaseRun()

	windowMinutes := req.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	now := time.Now()
	opts := channelsync.RunOptions{
		Window:    channelsync.Window{Start: now.Add(-time.Duration(windowMinutes) * time.Minute), End: now},
		BatchSize: req.BatchSize,
		MaxPages:  req.MaxPages,
		DryRun:    req.DryRun,
		Resume:    req.Resume,
	}

	operator, _ := OperatorFrom(r.Context())
	s.logger.Info("Manual sync triggered",
		"operator", operator, "dry_run", req.DryRun, "resume", req.Resume,
		"window_minutes", windowMinutes)

	started := time.Now()
	stats, err := s.engine.Run(r.Context(), opts)
	s.storeReport("forward", started, stats, err)

	if err != nil {
		s.logger.Error("Manual sync failed", "operator", operator, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// ReverseTriggerRequest is the body of a manual reverse-sync trigger.
type ReverseTriggerRequest struct {
	PageSize int  `json:"page_size,omitempty"`
	MaxPages int  `json:"max_pages,omitempty"`
	DryRun   bool `json:"dry_run,omitempty"`
}

func (s *Server) handleReverseSync(w http.ResponseWriter, r *http.Request) {
	if s.reverse == nil {
		s.writeError(w, http.StatusNotImplemented, "reverse_disabled", "Reverse sync is not enabled")
		return
	}

	var req ReverseTriggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse trigger request")
			return
		}
	}

	if !s.tryAcquireRun() {
		s.writeError(w, http.StatusConflict, "run_in_progress", "Another run is already executing")
		return
	}
	defer s.releaseRun()

	operator, _ := OperatorFrom(r.Context())
	s.logger.Info("Manual reverse sync triggered", "operator", operator, "dry_run", req.DryRun)

	started := time.Now()
	stats, err := s.reverse.Run(r.Context(), revsync.Options{
		PageSize: req.PageSize,
		MaxPages: req.MaxPages,
		DryRun:   req.DryRun,
	})
	s.storeReport("reverse", started, stats, err)

	if err != nil {
		s.logger.Error("Manual reverse sync failed", "operator", operator, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleLastRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	report := s.lastRun
	s.mu.Unlock()

	if report == nil {
		s.writeError(w, http.StatusNotFound, "no_runs", "No run has executed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.checkpoints.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list checkpoints", "error", err)
		s.writeError(w, http.StatusInternalServerError, "checkpoint_list_failed", "Failed to list checkpoints")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": list})
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Checkpoint ID must be a UUID")
		return
	}

	operator, _ := OperatorFrom(r.Context())
	if err := s.checkpoints.Delete(r.Context(), id); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", "Checkpoint does not exist")
			return
		}
		s.logger.Error("Failed to delete checkpoint", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "checkpoint_delete_failed", "Failed to delete checkpoint")
		return
	}

	s.logger.Info("Checkpoint deleted", "id", id, "operator", operator)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) tryAcquireRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Server) releaseRun() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Server) storeReport(direction string, started time.Time, stats channelsync.SyncStats, err error) {
	report := &RunReport{
		Direction:  direction,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Stats:      stats,
	}
	if err != nil {
		report.Error = err.Error()
	}
	s.mu.Lock()
	s.lastRun = report
	s.mu.Unlock()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}
