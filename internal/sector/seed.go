package sector

import (
	"strconv"

	"github.com/nidhogg/mnemo/internal/memory"
)

// ForName builds the sector row created the first time the classifier
// assigns name. Only the topics vary between calls.
func ForName(name string, topics []string) memory.Sector {
	if topics == nil {
		topics = []string{}
	}
	return memory.Sector{
		ID:              ID(name),
		Name:            Normalize(name),
		DecayMultiplier: 1.0,
		Topics:          topics,
		Metadata:        map[string]any{"type": "classified"},
	}
}

// SeedSectors returns the default sector tree, parents before children.
func SeedSectors() []memory.Sector {
	return []memory.Sector{
		{
			ID: "work", Name: "Work", DecayMultiplier: 0.95,
			Topics:   []string{"projects", "meetings", "documentation"},
			Metadata: map[string]any{"type": "root", "color": "blue"},
		},
		{
			ID: "personal", Name: "Personal", DecayMultiplier: 0.97,
			Topics:   []string{"health", "finance", "hobbies"},
			Metadata: map[string]any{"type": "root", "color": "green"},
		},
		{
			ID: "learning", Name: "Learning", DecayMultiplier: 0.90,
			Topics:   []string{"programming", "ai", "mathematics"},
			Metadata: map[string]any{"type": "root", "color": "purple"},
		},
		{
			ID: "programming", Name: "Programming", ParentID: "learning", DecayMultiplier: 0.90,
			Topics:   []string{"python", "javascript", "typescript", "rust"},
			Metadata: map[string]any{"type": "subcategory", "color": "purple"},
		},
		{
			ID: "ai-ml", Name: "AI/ML", ParentID: "learning", DecayMultiplier: 0.88,
			Topics:   []string{"machine learning", "neural networks", "llms", "rag"},
			Metadata: map[string]any{"type": "subcategory", "color": "purple"},
		},
		{
			ID: "project-alpha", Name: "Project Alpha", ParentID: "work", DecayMultiplier: 0.92,
			Topics:   []string{"development", "api", "database"},
			Metadata: map[string]any{"type": "project", "status": "active"},
		},
		{
			ID: Fallback, Name: Fallback, DecayMultiplier: 1.0,
			Topics:   []string{},
			Metadata: map[string]any{"type": "fallback"},
		},
	}
}

// Setting keys stored in system_config.
const (
	SettingDefaultDecayRate      = "default_decay_rate"
	SettingMinStrengthThreshold  = "min_strength_threshold"
	SettingAutoReinforceOnAccess = "auto_reinforce_on_access"
	SettingReinforcementStrength = "reinforcement_strength"
	SettingMaxMemoriesPerSector  = "max_memories_per_sector"
	SettingAutoSplitSectors      = "auto_split_sectors"
	SettingVectorDimension       = "vector_dimension"
)

// SeedSettings returns the default runtime configuration rows. The vector
// dimension row records the configured index dimension.
func SeedSettings(dimension int) []memory.Setting {
	return []memory.Setting{
		{Key: SettingDefaultDecayRate, Value: "0.95", ValueType: "number"},
		{Key: SettingMinStrengthThreshold, Value: "0.1", ValueType: "number"},
		{Key: SettingAutoReinforceOnAccess, Value: "true", ValueType: "boolean"},
		{Key: SettingReinforcementStrength, Value: "0.15", ValueType: "number"},
		{Key: SettingMaxMemoriesPerSector, Value: "5000", ValueType: "number"},
		{Key: SettingAutoSplitSectors, Value: "true", ValueType: "boolean"},
		{Key: SettingVectorDimension, Value: itoa(dimension), ValueType: "number"},
	}
}

func itoa(n int) string {
	if n <= 0 {
		n = 768
	}
	return strconv.Itoa(n)
}
