package memory

import (
	"time"
)

const (
	MaxContentLength        = 5000
	DefaultDecayRate        = 0.95
	DefaultInitialStrength  = 0.8
	DefaultWaypointStrength = 0.8
	DefaultIntervalHours    = 1

	MinDecayRate = 0.85
	MaxDecayRate = 0.99
)

// DecayTier is a coarse retention bucket.
type DecayTier string

const (
	TierCritical  DecayTier = "CRITICAL"
	TierImportant DecayTier = "IMPORTANT"
	TierRegular   DecayTier = "REGULAR"
	TierEphemeral DecayTier = "EPHEMERAL"
)

// Tiers lists every tier from slowest to fastest decay.
var Tiers = []DecayTier{TierCritical, TierImportant, TierRegular, TierEphemeral}

// Valid reports whether t is one of the known tiers.
func (t DecayTier) Valid() bool {
	switch t {
	case TierCritical, TierImportant, TierRegular, TierEphemeral:
		return true
	}
	return false
}

// RelationshipType labels a waypoint edge.
type RelationshipType string

const (
	RelSemantic      RelationshipType = "semantic"
	RelTemporal      RelationshipType = "temporal"
	RelCausal        RelationshipType = "causal"
	RelReference     RelationshipType = "reference"
	RelElaboration   RelationshipType = "elaboration"
	RelContradiction RelationshipType = "contradiction"
)

// RelationshipTypes is the closed set of waypoint types.
var RelationshipTypes = []RelationshipType{
	RelSemantic, RelTemporal, RelCausal, RelReference, RelElaboration, RelContradiction,
}

// Valid reports whether r is a known relationship type.
func (r RelationshipType) Valid() bool {
	for _, known := range RelationshipTypes {
		if r == known {
			return true
		}
	}
	return false
}

// AccessType records why a memory was touched.
type AccessType string

const (
	AccessQuery     AccessType = "query"
	AccessReinforce AccessType = "reinforce"
	AccessManual    AccessType = "manual"
	AccessAuto      AccessType = "auto"
)

// OwnerType is the author role of a memory.
type OwnerType string

const (
	OwnerUser OwnerType = "user"
	OwnerAI   OwnerType = "ai"
)

// Valid reports whether o is user or ai.
func (o OwnerType) Valid() bool {
	return o == OwnerUser || o == OwnerAI
}

// Memory is a stored unit of content together with its decay parameters.
// Values are treated as immutable snapshots by the decay package.
type Memory struct {
	ID                 string         `json:"id"`
	Content            string         `json:"content"`
	OwnerID            string         `json:"owner_id"`
	ConversationID     string         `json:"conversation_id"`
	OwnerType          OwnerType      `json:"owner_type"`
	EmbeddingID        int64          `json:"embedding_id"`
	Strength           float64        `json:"strength"`
	InitialStrength    float64        `json:"initial_strength"`
	DecayRate          float64        `json:"decay_rate"`
	AccessCount        int            `json:"access_count"`
	ReinforcementCount int            `json:"reinforcement_count"`
	LastAccessed       time.Time      `json:"last_accessed"`
	CreatedAt          time.Time      `json:"created_at"`
	SectorID           string         `json:"sector_id,omitempty"`
	TierOverride       DecayTier      `json:"tier_override,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Sector is a node in the topical category tree.
type Sector struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ParentID        string         `json:"parent_id,omitempty"`
	DecayMultiplier float64        `json:"decay_multiplier"`
	MemoryCount     int            `json:"memory_count"`
	Topics          []string       `json:"topics"`
	LastAccessed    *time.Time     `json:"last_accessed,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Waypoint is a directed, typed edge between two memories.
type Waypoint struct {
	ID               string           `json:"id"`
	SourceMemoryID   string           `json:"source_memory_id"`
	TargetMemoryID   string           `json:"target_memory_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Strength         float64          `json:"strength"`
	CreatedAt        time.Time        `json:"created_at"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// DecaySchedule is the per-memory review bookkeeping.
type DecaySchedule struct {
	MemoryID           string    `json:"memory_id"`
	LastDecayAt        time.Time `json:"last_decay_at"`
	NextDecayAt        time.Time `json:"next_decay_at"`
	DecayIntervalHours int       `json:"decay_interval_hours"`
	IsActive           bool      `json:"is_active"`
}

// AccessLog is one row of the access audit trail.
type AccessLog struct {
	MemoryID       string     `json:"memory_id"`
	AccessType     AccessType `json:"access_type"`
	QueryContext   string     `json:"query_context,omitempty"`
	StrengthBefore float64    `json:"strength_before"`
	StrengthAfter  float64    `json:"strength_after"`
	AccessedAt     time.Time  `json:"accessed_at"`
}

// Setting is a typed row of runtime configuration.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	ValueType string `json:"value_type"`
}
