// Package api exposes the memory engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/engine"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/scorer"
	"github.com/nidhogg/mnemo/internal/sweeper"
	"github.com/nidhogg/mnemo/internal/upstream"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

// maxBodyBytes caps request bodies; the largest legal one is a 5000
// character memory plus metadata.
const maxBodyBytes = 1 << 20

// Service is the engine surface the handlers use. *engine.Engine
// implements it.
type Service interface {
	AddMemory(ctx context.Context, req engine.AddRequest) (*engine.AddResult, error)
	GetMemory(ctx context.Context, id string) (*engine.MemoryView, error)
	AccessLog(ctx context.Context, id string, limit int) ([]memory.AccessLog, error)
	Reinforce(ctx context.Context, id string) (float64, error)
	ScheduleReview(ctx context.Context, id string, performance int) (*engine.ReviewResult, error)
	Related(ctx context.Context, id string, opts graph.ActivationOpts) ([]engine.RelatedMemory, error)
	MemoryCurve(ctx context.Context, id string, days int) ([]engine.CurvePoint, error)
	Query(ctx context.Context, req engine.QueryRequest) ([]engine.Hit, error)
	Recall(ctx context.Context, req engine.QueryRequest, budget scorer.ContextBudget) ([]scorer.ContextBlock, string, error)
	GetDecayStats(ctx context.Context, ids []string) (decay.Stats, error)
	CreateWaypoint(ctx context.Context, req engine.WaypointRequest) (memory.Waypoint, error)
	ReinforceWaypoint(ctx context.Context, id string) (memory.Waypoint, error)
	Sectors(ctx context.Context) ([]memory.Sector, error)
	IndexStats() vectorindex.Stats
}

// Sweeps triggers and reports decay sweeps. *sweeper.Sweeper implements it.
type Sweeps interface {
	RunNow(ctx context.Context) (engine.SweepReport, error)
	Status() sweeper.Status
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc    Service
	sweeps Sweeps
	logger *zap.Logger
}

// NewHandler creates a new API handler. sweeps may be nil, in which case the
// sweep routes answer 503.
func NewHandler(svc Service, sweeps Sweeps, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, sweeps: sweeps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/memories", h.addMemory)
		r.Get("/memories/{id}", h.getMemory)
		r.Post("/memories/{id}/reinforce", h.reinforce)
		r.Post("/memories/{id}/review", h.review)
		r.Get("/memories/{id}/related", h.related)
		r.Get("/memories/{id}/curve", h.memoryCurve)
		r.Get("/memories/{id}/access", h.accessLog)

		r.Post("/query", h.query)
		r.Post("/context", h.recall)
		r.Post("/stats", h.decayStats)
		r.Get("/decay/curve", h.decayCurve)

		r.Post("/waypoints", h.createWaypoint)
		r.Post("/waypoints/{id}/reinforce", h.reinforceWaypoint)
		r.Get("/sectors", h.listSectors)

		r.Get("/index/stats", h.indexStats)
		r.Get("/sweep", h.sweepStatus)
		r.Post("/sweep", h.runSweep)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.svc.IndexStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"index_initialized": st.Initialized,
		"index_count":       st.Count,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// writeError maps engine errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		body   = map[string]string{"error": err.Error()}
		verr   *memory.ValidationError
		uerr   *upstream.Error
	)
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body["field"] = verr.Field
	case errors.Is(err, memory.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sweeper.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, vectorindex.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never read.
		status = 499
	case upstream.IsRetryable(err):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	case errors.As(err, &uerr):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
