package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/engine"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/scorer"
)

const defaultCurveDays = 30

type addMemoryRequest struct {
	Content        string           `json:"content"`
	OwnerID        string           `json:"owner_id"`
	ConversationID string           `json:"conversation_id"`
	OwnerType      memory.OwnerType `json:"owner_type"`
	TierOverride   memory.DecayTier `json:"tier_override,omitempty"`
	Kind           decay.Kind       `json:"kind,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

func (req addMemoryRequest) validate() error {
	if _, err := uuid.Parse(req.OwnerID); err != nil {
		return &memory.ValidationError{Field: "owner_id", Reason: "must be a UUID"}
	}
	if _, err := uuid.Parse(req.ConversationID); err != nil {
		return &memory.ValidationError{Field: "conversation_id", Reason: "must be a UUID"}
	}
	if req.OwnerType == "" {
		return &memory.ValidationError{Field: "owner_type", Reason: "is required"}
	}
	return nil
}

type addMemoryResponse struct {
	ID         string            `json:"id"`
	Label      int64             `json:"label"`
	Sector     string            `json:"sector"`
	Classified bool              `json:"classified"`
	Strength   float64           `json:"strength"`
	Waypoints  []memory.Waypoint `json:"waypoints,omitempty"`
}

func (h *Handler) addMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.AddMemory(r.Context(), engine.AddRequest{
		Content:        req.Content,
		OwnerID:        req.OwnerID,
		ConversationID: req.ConversationID,
		OwnerType:      req.OwnerType,
		TierOverride:   req.TierOverride,
		Kind:           req.Kind,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addMemoryResponse{
		ID:         res.Memory.ID,
		Label:      res.Label,
		Sector:     res.Sector,
		Classified: res.Classified,
		Strength:   res.Memory.Strength,
		Waypoints:  res.Waypoints,
	})
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.svc.GetMemory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) reinforce(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	strength, err := h.svc.Reinforce(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memory_id": id,
		"strength":  strength,
	})
}

type reviewRequest struct {
	Performance *int `json:"performance"`
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Performance == nil {
		h.writeError(w, r, &memory.ValidationError{Field: "performance", Reason: "is required"})
		return
	}
	res, err := h.svc.ScheduleReview(r.Context(), chi.URLParam(r, "id"), *req.Performance)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) related(w http.ResponseWriter, r *http.Request) {
	opts := graph.DefaultActivationOpts()
	q := r.URL.Query()
	var err error
	if opts.MaxDepth, err = intParam(q.Get("depth"), opts.MaxDepth, "depth"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if opts.MaxNodes, err = intParam(q.Get("limit"), opts.MaxNodes, "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if opts.DecayFactor, err = floatParam(q.Get("decay"), opts.DecayFactor, "decay"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if opts.Threshold, err = floatParam(q.Get("threshold"), opts.Threshold, "threshold"); err != nil {
		h.writeError(w, r, err)
		return
	}

	related, err := h.svc.Related(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, related)
}

func (h *Handler) memoryCurve(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"), defaultCurveDays, "days")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	points, err := h.svc.MemoryCurve(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (h *Handler) accessLog(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	log, err := h.svc.AccessLog(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if log == nil {
		log = []memory.AccessLog{}
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *Handler) decayCurve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	initial, err := floatParam(q.Get("initial"), memory.DefaultInitialStrength, "initial")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rate, err := floatParam(q.Get("rate"), memory.DefaultDecayRate, "rate")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	days, err := intParam(q.Get("days"), defaultCurveDays, "days")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	points, err := engine.DecayCurve(initial, rate, days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

type queryRequest struct {
	Text    string `json:"text"`
	K       int    `json:"k"`
	OwnerID string `json:"owner_id,omitempty"`
}

func (q queryRequest) engineRequest() engine.QueryRequest {
	return engine.QueryRequest{Text: q.Text, K: q.K, OwnerID: q.OwnerID}
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hits, err := h.svc.Query(r.Context(), req.engineRequest())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []engine.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

type contextRequest struct {
	queryRequest
	MaxTokens int `json:"max_tokens"`
	MaxBlocks int `json:"max_blocks"`
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	budget := scorer.DefaultContextBudget()
	if req.MaxTokens > 0 {
		budget.MaxTokens = req.MaxTokens
	}
	if req.MaxBlocks > 0 {
		budget.MaxBlocks = req.MaxBlocks
	}
	blocks, prompt, err := h.svc.Recall(r.Context(), req.engineRequest(), budget)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []scorer.ContextBlock{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocks": blocks,
		"prompt": prompt,
	})
}

type statsRequest struct {
	MemoryIDs []string `json:"memory_ids"`
}

func (h *Handler) decayStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := h.svc.GetDecayStats(r.Context(), req.MemoryIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) createWaypoint(w http.ResponseWriter, r *http.Request) {
	var req engine.WaypointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wp, err := h.svc.CreateWaypoint(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wp)
}

func (h *Handler) reinforceWaypoint(w http.ResponseWriter, r *http.Request) {
	wp, err := h.svc.ReinforceWaypoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wp)
}

func (h *Handler) listSectors(w http.ResponseWriter, r *http.Request) {
	sectors, err := h.svc.Sectors(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sectors == nil {
		sectors = []memory.Sector{}
	}
	writeJSON(w, http.StatusOK, sectors)
}

func (h *Handler) indexStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.IndexStats())
}

func (h *Handler) sweepStatus(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweeper not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, h.sweeps.Status())
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweeper not initialized"})
		return
	}
	report, err := h.sweeps.RunNow(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func intParam(raw string, def int, name string) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &memory.ValidationError{Field: name, Reason: fmt.Sprintf("not an integer: %q", raw)}
	}
	return v, nil
}

func floatParam(raw string, def float64, name string) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &memory.ValidationError{Field: name, Reason: fmt.Sprintf("not a number: %q", raw)}
	}
	return v, nil
}
