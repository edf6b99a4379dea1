package memory

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalid matches every *ValidationError.
	ErrInvalid = errors.New("invalid input")
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// ValidateContent checks the content bounds shared by ingestion and storage.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalid("content", "must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return invalid("content", "length %d exceeds %d", n, MaxContentLength)
	}
	return nil
}

// Validate enforces the write-time invariants of a memory row.
func (m *Memory) Validate() error {
	if err := ValidateContent(m.Content); err != nil {
		return err
	}
	if !inUnit(m.Strength) {
		return invalid("strength", "%v outside [0,1]", m.Strength)
	}
	if !inUnit(m.InitialStrength) {
		return invalid("initial_strength", "%v outside [0,1]", m.InitialStrength)
	}
	if m.DecayRate < MinDecayRate || m.DecayRate > MaxDecayRate {
		return invalid("decay_rate", "%v outside [%v,%v]", m.DecayRate, MinDecayRate, MaxDecayRate)
	}
	if m.AccessCount < 0 {
		return invalid("access_count", "must be non-negative")
	}
	if m.ReinforcementCount < 0 {
		return invalid("reinforcement_count", "must be non-negative")
	}
	if m.TierOverride != "" && !m.TierOverride.Valid() {
		return invalid("tier_override", "unknown tier %q", m.TierOverride)
	}
	if m.OwnerType != "" && !m.OwnerType.Valid() {
		return invalid("owner_type", "must be user or ai")
	}
	return nil
}

// Validate enforces the sector row invariants.
func (s *Sector) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if s.ParentID != "" && s.ParentID == s.ID {
		return invalid("parent_id", "sector cannot be its own parent")
	}
	if s.DecayMultiplier < 0 {
		return invalid("decay_multiplier", "must be non-negative")
	}
	return nil
}

// Validate enforces the waypoint invariants checked before commit.
func (w *Waypoint) Validate() error {
	if w.SourceMemoryID == "" {
		return invalid("source_memory_id", "required")
	}
	if w.TargetMemoryID == "" {
		return invalid("target_memory_id", "required")
	}
	if w.SourceMemoryID == w.TargetMemoryID {
		return invalid("target_memory_id", "waypoint cannot reference its own source")
	}
	if !w.RelationshipType.Valid() {
		return invalid("relationship_type", "unknown type %q", w.RelationshipType)
	}
	if !inUnit(w.Strength) {
		return invalid("strength", "%v outside [0,1]", w.Strength)
	}
	return nil
}

// ValidateSectorParent rejects a parent assignment that references an
// unknown sector or would close a cycle in the tree.
func ValidateSectorParent(sectors map[string]*Sector, id, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == id {
		return invalid("parent_id", "sector cannot be its own parent")
	}
	seen := map[string]bool{id: true}
	for cur := parentID; cur != ""; {
		if seen[cur] {
			return invalid("parent_id", "assigning %s under %s creates a cycle", id, parentID)
		}
		seen[cur] = true
		s, ok := sectors[cur]
		if !ok {
			if cur == parentID {
				return invalid("parent_id", "unknown sector %q", parentID)
			}
			break
		}
		cur = s.ParentID
	}
	return nil
}
