// Package graph maintains the typed relationship graph ("waypoints") between
// memories: validation, LLM-driven relation extraction, spreading activation
// and the optional Neo4j mirror.
package graph

import (
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/mnemo/internal/memory"
)

// NewWaypoint builds a validated edge. A zero strength takes the default.
// Endpoint existence is checked by the store inside its transaction.
func NewWaypoint(source, target string, rel memory.RelationshipType, strength float64, meta map[string]any, now time.Time) (memory.Waypoint, error) {
	if strength == 0 {
		strength = memory.DefaultWaypointStrength
	}
	w := memory.Waypoint{
		ID:               uuid.NewString(),
		SourceMemoryID:   source,
		TargetMemoryID:   target,
		RelationshipType: rel,
		Strength:         strength,
		CreatedAt:        now,
		Metadata:         meta,
	}
	if err := w.Validate(); err != nil {
		return memory.Waypoint{}, err
	}
	return w, nil
}
