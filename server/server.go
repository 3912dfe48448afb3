// Package server exposes the HTTP surface: webhook ingest, health and
// readiness probes, prometheus metrics, and the read-only runs API with
// approval resolution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quellops/quell/engine"
	"github.com/quellops/quell/ingest"
	"github.com/quellops/quell/store"
)

// maxBodyBytes caps webhook and API request bodies.
const maxBodyBytes = 1 << 20

// Dispatcher handles webhook deliveries.
type Dispatcher interface {
	Handle(ctx context.Context, path string, r *http.Request, body []byte) (*ingest.Receipt, error)
}

// Runs resolves approvals and reports engine state.
type Runs interface {
	Running() bool
	ResolveApproval(ctx context.Context, approvalID string, approved bool) error
	PendingApprovals() []engine.PendingApproval
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	store      store.Store
	dispatcher Dispatcher
	engine     Runs
	logger     *slog.Logger
}

// New builds the server and its routes.
func New(addr string, st store.Store, dispatcher Dispatcher, eng Runs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:      st,
		dispatcher: dispatcher,
		engine:     eng,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{path...}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}", s.handleResolveApproval)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	path := "/" + r.PathValue("path")
	receipt, err := s.dispatcher.Handle(r.Context(), path, r, body)
	if err != nil {
		s.writeDispatchError(w, path, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

// writeDispatchError maps ingest failures to status codes.
func (s *Server) writeDispatchError(w http.ResponseWriter, path string, err error) {
	var (
		notFound  *ingest.NotFoundError
		authErr   *ingest.AuthError
		parseErr  *ingest.ParseError
		rateErr   *ingest.RateLimitError
		queueFull *engine.BackpressureError
	)
	switch {
	case errors.As(err, &notFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &authErr):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &parseErr):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rateErr), errors.As(err, &queueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("Webhook handling failed", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil || !s.engine.Running() {
		s.writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("List runs failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
			return
		}
		s.logger.Error("Get run failed", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	steps, err := s.store.GetStepRecords(r.Context(), id)
	if err != nil {
		s.logger.Error("Get step records failed", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": s.engine.PendingApprovals()})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Approved *bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		s.writeError(w, http.StatusBadRequest, `body must be {"approved": true|false}`)
		return
	}

	err := s.engine.ResolveApproval(r.Context(), id, *req.Approved)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{"approval_id": id, "approved": *req.Approved})
	case errors.Is(err, engine.ErrApprovalNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrApprovalConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Resolve approval failed", "approval_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message, "code": status})
}
