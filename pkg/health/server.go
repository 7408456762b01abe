// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mbeema/interpose/pkg/locator"
	"github.com/mbeema/interpose/pkg/memguard"
	"github.com/mbeema/interpose/pkg/registry"
	"go.uber.org/zap"
)

// Controller is the administrative surface the server exposes over HTTP.
// The agent implements it.
type Controller interface {
	InstallHook() error
	UninstallHook() error
	ForceUninstallHook() error
	HookStatus() []registry.RecordStatus
}

// Server provides health, status, metrics, and hook-control endpoints.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	ctrl    Controller
	version string
	addr    string
	ready   atomic.Bool
	server  *http.Server
}

// NewServer creates an admin server. ctrl may be nil, in which case the
// hook-control endpoints respond 503.
func NewServer(addr, version string, stats *Stats, ctrl Controller, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		ctrl:    ctrl,
		logger:  logger,
	}
}

// SetReady marks the agent as ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start begins serving.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/hook/install", s.handleHookOp(func(c Controller) error { return c.InstallHook() }))
	mux.HandleFunc("/hook/uninstall", s.handleHookOp(func(c Controller) error { return c.UninstallHook() }))
	mux.HandleFunc("/hook/force-uninstall", s.handleHookOp(func(c Controller) error { return c.ForceUninstallHook() }))

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()

	s.logger.Info("admin server started", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}

type statusResponse struct {
	Hooks []registry.RecordStatus `json:"hooks"`
	Stats Snapshot                `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Stats: s.stats.Snapshot()}
	if s.ctrl != nil {
		resp.Hooks = s.ctrl.HookStatus()
	}
	if resp.Hooks == nil {
		resp.Hooks = []registry.RecordStatus{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func (s *Server) handleHookOp(op func(Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.ctrl == nil {
			http.Error(w, `{"error":"controller unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if err := op(s.ctrl); err != nil {
			s.logger.Warn("hook operation failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// writeError maps the error taxonomy onto HTTP codes: state-machine
// misuse and foreign patches are conflicts, unresolvable targets are not
// found, privilege failures are forbidden.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrAlreadyInstalled),
		errors.Is(err, registry.ErrNotInstalled),
		errors.Is(err, registry.ErrForeignPatch):
		code = http.StatusConflict
	case errors.Is(err, locator.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, locator.ErrPermissionDenied),
		errors.Is(err, memguard.ErrPermissionDenied):
		code = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
