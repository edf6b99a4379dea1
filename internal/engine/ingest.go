package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/sector"
	"github.com/nidhogg/mnemo/internal/vectorindex"
)

// evictTimeout bounds label cleanup after the caller's context is gone.
const evictTimeout = 5 * time.Second

// AddRequest is the input of AddMemory.
type AddRequest struct {
	Content        string           `json:"content"`
	OwnerID        string           `json:"owner_id"`
	ConversationID string           `json:"conversation_id"`
	OwnerType      memory.OwnerType `json:"owner_type"`
	TierOverride   memory.DecayTier `json:"tier_override,omitempty"`
	// Kind picks the starting decay rate when no tier override is given.
	Kind     decay.Kind     `json:"kind,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r *AddRequest) validate() error {
	if err := memory.ValidateContent(r.Content); err != nil {
		return err
	}
	if r.OwnerType == "" {
		r.OwnerType = memory.OwnerUser
	}
	if !r.OwnerType.Valid() {
		return &memory.ValidationError{Field: "owner_type", Reason: "must be user or ai"}
	}
	if r.TierOverride != "" && !r.TierOverride.Valid() {
		return &memory.ValidationError{Field: "tier_override", Reason: fmt.Sprintf("unknown tier %q", r.TierOverride)}
	}
	if r.Kind != "" && !r.Kind.Valid() {
		return &memory.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	return nil
}

// AddResult describes a stored memory.
type AddResult struct {
	Memory     memory.Memory     `json:"memory"`
	Label      int64             `json:"label"`
	Sector     string            `json:"sector"`
	Classified bool              `json:"classified"`
	Waypoints  []memory.Waypoint `json:"waypoints,omitempty"`
}

// AddMemory embeds, classifies, indexes and persists content. Embedding and
// classification run before the index is touched, so their failures leave no
// trace. Once a label is allocated, a persistence failure or cancellation
// evicts it again. Waypoint extraction against the previous memory of the
// conversation is best effort.
func (e *Engine) AddMemory(ctx context.Context, req AddRequest) (*AddResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	vec, err := embedding.EmbedOne(ctx, e.embedder, req.Content)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}

	res, err := e.classifier.Classify(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	name, topics := res.Resolve()
	_, classified := res.(sector.Valid)

	label, err := e.index.Insert(ctx, vec, vectorindex.Owner{OwnerID: req.OwnerID, ConversationID: req.ConversationID})
	if err != nil {
		return nil, fmt.Errorf("index memory: %w", err)
	}

	now := e.now()
	m := memory.Memory{
		ID:              uuid.NewString(),
		Content:         req.Content,
		OwnerID:         req.OwnerID,
		ConversationID:  req.ConversationID,
		OwnerType:       req.OwnerType,
		EmbeddingID:     label,
		Strength:        e.cfg.InitialStrength,
		InitialStrength: e.cfg.InitialStrength,
		DecayRate:       e.cfg.DecayRate,
		LastAccessed:    now,
		CreatedAt:       now,
		TierOverride:    req.TierOverride,
		Metadata:        withTopics(req.Metadata, topics),
	}
	switch {
	case req.TierOverride != "":
		m.DecayRate = decay.TierRate(req.TierOverride)
	case req.Kind != "":
		m.DecayRate = decay.RateForKind(req.Kind)
		m.Metadata["kind"] = string(req.Kind)
	}

	saved, err := e.persist(ctx, m, sector.ForName(name, topics), vec)
	if err != nil {
		return nil, err
	}

	out := &AddResult{Memory: saved, Label: label, Sector: saved.SectorID, Classified: classified}
	e.logger.Info("memory stored",
		zap.String("id", saved.ID),
		zap.Int64("label", label),
		zap.String("sector", saved.SectorID),
		zap.Bool("classified", classified))

	if e.graph != nil {
		if err := e.graph.UpsertMemory(ctx, saved); err != nil {
			e.logger.Warn("graph mirror upsert failed", zap.String("id", saved.ID), zap.Error(err))
		}
	}
	if e.cfg.LinkConversation && e.extractor != nil {
		out.Waypoints = e.linkPrevious(ctx, saved)
	}
	return out, nil
}

func (e *Engine) persist(ctx context.Context, m memory.Memory, sec memory.Sector, vec []float32) (memory.Memory, error) {
	err := ctx.Err()
	var saved memory.Memory
	if err == nil {
		saved, err = e.repo.CreateMemoryWithSector(ctx, m, sec, vec)
	}
	if err == nil {
		return saved, nil
	}

	evictCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evictTimeout)
	defer cancel()
	if evictErr := e.index.Evict(evictCtx, m.EmbeddingID); evictErr != nil {
		e.logger.Error("evict label after failed persist",
			zap.Int64("label", m.EmbeddingID), zap.Error(evictErr))
	}
	return memory.Memory{}, fmt.Errorf("persist memory: %w", err)
}

func withTopics(meta map[string]any, topics []string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	if len(topics) > 0 {
		out["topics"] = topics
	}
	return out
}

// linkPrevious extracts waypoints from m to the previous memory of its
// conversation. Failures are logged and skipped.
func (e *Engine) linkPrevious(ctx context.Context, m memory.Memory) []memory.Waypoint {
	prev, err := e.repo.PreviousInConversation(ctx, m)
	if err != nil {
		e.logger.Warn("load previous memory", zap.String("id", m.ID), zap.Error(err))
		return nil
	}
	if prev == nil {
		return nil
	}

	ex, err := e.extractor.Extract(ctx, *prev, m)
	if err != nil {
		e.logger.Warn("waypoint extraction failed", zap.String("id", m.ID), zap.Error(err))
		return nil
	}

	var created []memory.Waypoint
	for _, w := range ex.Waypoints(*prev, m, e.now()) {
		if err := e.repo.CreateWaypoint(ctx, w); err != nil {
			e.logger.Warn("store extracted waypoint", zap.String("id", w.ID), zap.Error(err))
			continue
		}
		e.mirrorWaypoint(ctx, w)
		created = append(created, w)
	}
	return created
}
