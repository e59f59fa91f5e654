// Package httpapi exposes the operator surface: run lifecycle, stats,
// breaker and queue controls, and replay access.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"metabuilder/pkg/breaker"
	"metabuilder/pkg/chaos"
	"metabuilder/pkg/dispatch"
	"metabuilder/pkg/limiter"
	"metabuilder/pkg/logx"
	"metabuilder/pkg/metrics"
	"metabuilder/pkg/orch"
	"metabuilder/pkg/orcherrors"
	"metabuilder/pkg/persistence"
	"metabuilder/pkg/proto"
	"metabuilder/pkg/replay"
)

// Server is the JSON API over the orchestration core.
type Server struct {
	orch       *orch.Orchestrator
	dispatcher *dispatch.Dispatcher
	breakers   *breaker.Registry
	chaos      *chaos.Engine
	recorder   *replay.Recorder
	store      *persistence.Store
	limiter    *limiter.Limiter
	query      *metrics.QueryService
	exportDir  string
	logger     *logx.Logger
}

// SetQueryService enables Prometheus-backed aggregate pipeline stats.
func (s *Server) SetQueryService(q *metrics.QueryService) {
	s.query = q
}

// SetExportDir enables bundle file export under dir.
func (s *Server) SetExportDir(dir string) {
	s.exportDir = dir
}

// NewServer wires the API server. The chaos engine and limiter may be nil.
func NewServer(
	orchestrator *orch.Orchestrator,
	dispatcher *dispatch.Dispatcher,
	breakers *breaker.Registry,
	chaosEngine *chaos.Engine,
	recorder *replay.Recorder,
	store *persistence.Store,
	lim *limiter.Limiter,
) *Server {
	return &Server{
		orch:       orchestrator,
		dispatcher: dispatcher,
		breakers:   breakers,
		chaos:      chaosEngine,
		recorder:   recorder,
		store:      store,
		limiter:    lim,
		logger:     logx.NewLogger("httpapi"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.Post("/runs/{runID}/promote", s.handlePromoteRun)
		r.Get("/runs/{runID}/timeline", s.handleTimeline)

		r.Get("/stats", s.handleStats)
		r.Get("/logs", s.handleLogs)

		r.Get("/breakers", s.handleListBreakers)
		r.Post("/breakers/{class}/reset", s.handleResetBreaker)

		r.Get("/queues", s.handleQueues)
		r.Post("/queues/drain", s.handleDrainQueues)
		r.Post("/queues/resume", s.handleResumeQueues)
		r.Post("/workers/shutdown", s.handleShutdownWorkers)

		r.Get("/replay", s.handleListBundles)
		r.Post("/replay/{bundleID}", s.handleReplayBundle)
		r.Post("/replay/{bundleID}/export", s.handleExportBundle)
	})
	return r
}

type startRunBody struct {
	TenantID           string           `json:"tenant_id"`
	Spec               *proto.BuildSpec `json:"spec"`
	PlanID             string           `json:"plan_id,omitempty"`
	MaxIterations      int              `json:"max_iterations,omitempty"`
	AcceptanceCriteria []string         `json:"acceptance_criteria,omitempty"`
	Hardened           bool             `json:"hardened,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeValidation, err, "invalid request body"))
		return
	}
	run, err := s.orch.StartRun(r.Context(), orch.StartRunRequest{
		TenantID:           body.TenantID,
		Spec:               body.Spec,
		PlanID:             body.PlanID,
		MaxIterations:      body.MaxIterations,
		AcceptanceCriteria: body.AcceptanceCriteria,
		Hardened:           body.Hardened,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.orch.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	canceled, err := s.orch.CancelRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handlePromoteRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenant_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, orcherrors.NewErrorWithCause(orcherrors.ErrorTypeValidation, err, "invalid request body"))
			return
		}
	}
	run, err := s.orch.PromoteRun(r.Context(), chi.URLParam(r, "runID"), body.TenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.orch.Timeline(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"queues": s.dispatcher.GetStats(),
	}
	if counts, err := s.store.CountRunsByStatus(r.Context()); err == nil {
		byStatus := make(map[string]int, len(counts))
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		out["runs_by_status"] = byStatus
	}
	if s.chaos != nil {
		out["chaos"] = s.chaos.GetChaosStats()
	}
	if s.limiter != nil {
		out["quota"] = s.limiter.GetUsage()
	}
	if s.query != nil {
		if pipeline, err := s.query.GetPipelineStats(r.Context()); err == nil {
			out["pipeline"] = pipeline
		} else {
			s.logger.Warn("pipeline stats query failed: %v", err)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListBreakers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshots()})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	class := proto.FailureClass(chi.URLParam(r, "class"))
	known := false
	for _, c := range proto.KnownFailureClasses() {
		if c == class {
			known = true
			break
		}
	}
	if !known {
		s.writeError(w, orcherrors.NewError(orcherrors.ErrorTypeValidation, "unknown failure class "+string(class)))
		return
	}
	s.breakers.Reset(class, r.URL.Query().Get("tenant_id"))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.GetStats())
}

func (s *Server) handleDrainQueues(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.DrainQueues(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

func (s *Server) handleResumeQueues(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepting"})
}

func (s *Server) handleShutdownWorkers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithQueryDeadline(r, 30*time.Second)
	defer cancel()
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.recorder.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bundles": bundles})
}

// resolveBundle looks a bundle up by its ID, falling back to a run ID lookup
// so both identifiers work against the replay routes.
func (s *Server) resolveBundle(ctx context.Context, id string) (*proto.ReplayBundle, error) {
	if s.store != nil {
		bundle, err := s.store.GetReplayBundle(ctx, id)
		if err == nil {
			return bundle, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}
	return s.recorder.Bundle(ctx, id)
}

func (s *Server) handleReplayBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.resolveBundle(r.Context(), chi.URLParam(r, "bundleID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := replay.NewReplayer().ReplayRun(bundle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExportBundle(w http.ResponseWriter, r *http.Request) {
	if s.exportDir == "" {
		s.writeError(w, orcherrors.NewError(orcherrors.ErrorTypeValidation, "bundle export is not configured"))
		return
	}
	bundle, err := s.resolveBundle(r.Context(), chi.URLParam(r, "bundleID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	path, err := replay.WriteBundleFile(s.exportDir, bundle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := logx.RecentEntries(r.URL.Query().Get("component"))
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps classified errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""

	switch {
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case orcherrors.IsValidation(err):
		status = http.StatusBadRequest
		code = orcherrors.CodeValidationError
	case orcherrors.IsCircuitOpen(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrDraining), errors.Is(err, dispatch.ErrNotRunning), errors.Is(err, dispatch.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, replay.ErrBundleFrozen):
		status = http.StatusConflict
	case orcherrors.Is(err, orcherrors.ErrorTypeInfra):
		code = orcherrors.CodeInfraError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// contextWithQueryDeadline honors an optional ?timeout= duration parameter.
// Shutdown must not inherit the request context: the deadline should outlive
// the request's own middleware timeout.
func contextWithQueryDeadline(r *http.Request, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := fallback
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}
	return context.WithTimeout(context.Background(), timeout)
}
