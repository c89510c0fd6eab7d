package mnemo

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a memory's belief tier.
type Tier string

const (
	TierAssertedFact     Tier = "asserted_fact"
	TierObservedFact     Tier = "observed_fact"
	TierPreference       Tier = "preference"
	TierHypothesis       Tier = "hypothesis"
	TierTemporaryContext Tier = "temporary_context"
)

// Memory is the public representation of a stored memory unit.
// It is a curated view of internal/model.Memory for embedding consumers.
// No internal package imports — safe to use from outside the module.
type Memory struct {
	ID                uuid.UUID
	CreatedAt         time.Time
	Summary           string
	Entities          []string
	Facts             []string
	Tier              Tier
	Confidence        float64
	BaseImportance    float64
	CurrentImportance float64
	AccessCount       int
	IsActive          bool
	Supersedes        []uuid.UUID
}

// Preference is the public representation of a stored preference.
type Preference struct {
	ID       uuid.UUID
	Entity   string
	Valence  string
	Strength float64
	Context  string
	IsActive bool
}

// RetrievedMemory is a memory plus its retrieval score and the activation
// sources that contributed to it.
type RetrievedMemory struct {
	Memory            Memory
	CombinedScore     float64
	ActivationSources []string
}
