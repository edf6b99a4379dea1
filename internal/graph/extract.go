package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/provider"
)

const extractPrompt = `You build knowledge graphs from short messages written by the same user.
You are given two messages, A (older) and B (newer). Identify the key entities
(people, places, concepts, events) they mention and decide whether B relates to A.

Allowed relationship types:
- semantic: same subject or meaning
- temporal: one happens before/after the other
- causal: one causes or influences the other
- reference: one explicitly refers to the other
- elaboration: one adds detail to the other
- contradiction: one conflicts with the other

Respond with JSON only:
{"entities":["..."],"relationships":[{"type":"semantic","strength":0.7,"reason":"..."}]}
Use an empty relationships list when the messages are unrelated. Strength is between 0 and 1.`

// Relation is one relationship the extractor accepted.
type Relation struct {
	Type     memory.RelationshipType `json:"type"`
	Strength float64                 `json:"strength"`
	Reason   string                  `json:"reason,omitempty"`
}

// Extraction is the parsed answer of the graph model. Dropped counts the
// relationships rejected for an unknown type or out-of-range strength.
type Extraction struct {
	Entities  []string   `json:"entities,omitempty"`
	Relations []Relation `json:"relationships"`
	Dropped   int        `json:"dropped,omitempty"`
}

type rawExtraction struct {
	Entities      []string `json:"entities"`
	Relationships []struct {
		Type     string  `json:"type"`
		Strength float64 `json:"strength"`
		Reason   string  `json:"reason"`
	} `json:"relationships"`
}

// ParseExtraction decodes raw model output. Duplicate types keep the
// strongest entry.
func ParseExtraction(raw string) (Extraction, error) {
	var r rawExtraction
	if err := json.Unmarshal([]byte(provider.ExtractJSON(raw)), &r); err != nil {
		return Extraction{}, fmt.Errorf("parse relationships: %w", err)
	}

	out := Extraction{Entities: r.Entities, Relations: []Relation{}}
	index := make(map[memory.RelationshipType]int)
	for _, rel := range r.Relationships {
		t := memory.RelationshipType(strings.ToLower(strings.TrimSpace(rel.Type)))
		if !t.Valid() || rel.Strength < 0 || rel.Strength > 1 {
			out.Dropped++
			continue
		}
		if rel.Strength == 0 {
			rel.Strength = memory.DefaultWaypointStrength
		}
		if i, ok := index[t]; ok {
			if rel.Strength > out.Relations[i].Strength {
				out.Relations[i].Strength = rel.Strength
			}
			continue
		}
		index[t] = len(out.Relations)
		out.Relations = append(out.Relations, Relation{Type: t, Strength: rel.Strength, Reason: rel.Reason})
	}
	return out, nil
}

// Completer answers a system + user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Extractor asks an LLM how two memories relate.
type Extractor struct {
	llm    Completer
	logger *zap.Logger
}

func NewExtractor(llm Completer, logger *zap.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Extract compares older memory a with newer memory b. Upstream failures and
// unparsable answers are returned as errors.
func (e *Extractor) Extract(ctx context.Context, a, b memory.Memory) (Extraction, error) {
	user := fmt.Sprintf("Message A:\n%s\n\nMessage B:\n%s", a.Content, b.Content)
	raw, err := e.llm.Complete(ctx, extractPrompt, user)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract relationships: %w", err)
	}
	ex, err := ParseExtraction(raw)
	if err != nil {
		return Extraction{}, err
	}
	if ex.Dropped > 0 {
		e.logger.Debug("dropped invalid relationships",
			zap.String("source", a.ID),
			zap.String("target", b.ID),
			zap.Int("dropped", ex.Dropped))
	}
	return ex, nil
}

// Waypoints turns an extraction into validated edges from b to a, the
// newer memory pointing at the one it relates to.
func (ex Extraction) Waypoints(a, b memory.Memory, now time.Time) []memory.Waypoint {
	out := make([]memory.Waypoint, 0, len(ex.Relations))
	for _, r := range ex.Relations {
		meta := map[string]any{"source": "llm"}
		if r.Reason != "" {
			meta["reason"] = r.Reason
		}
		if len(ex.Entities) > 0 {
			meta["entities"] = ex.Entities
		}
		w, err := NewWaypoint(b.ID, a.ID, r.Type, r.Strength, meta, now)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}
