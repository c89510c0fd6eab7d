// Package model holds the domain types persisted and passed between
// mnemo's internal components. Types here are the storage-facing shape;
// the root package exposes a curated public view for extension authors.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Tier is the confidence band a Memory belongs to.
type Tier string

const (
	TierAssertedFact     Tier = "asserted_fact"
	TierObservedFact     Tier = "observed_fact"
	TierPreference       Tier = "preference"
	TierHypothesis       Tier = "hypothesis"
	TierTemporaryContext Tier = "temporary_context"
)

// TierBounds holds the confidence floor/ceiling and resolution priority
// for a tier, plus which tiers it may be promoted or demoted to.
type TierBounds struct {
	Floor     float64
	Ceiling   float64
	Priority  int
	PromoteTo Tier
	DemoteTo  Tier
}

// Bounds maps each tier to its floor/ceiling/priority/promotion rules, per
// the fixed table: asserted_fact > observed_fact > preference > hypothesis >
// temporary_context in resolution priority.
var Bounds = map[Tier]TierBounds{
	TierAssertedFact:     {Floor: 0.90, Ceiling: 1.00, Priority: 5, DemoteTo: TierObservedFact},
	TierObservedFact:     {Floor: 0.80, Ceiling: 1.00, Priority: 4, PromoteTo: TierAssertedFact, DemoteTo: TierHypothesis},
	TierPreference:       {Floor: 0.75, Ceiling: 1.00, Priority: 3, PromoteTo: TierAssertedFact, DemoteTo: TierHypothesis},
	TierHypothesis:       {Floor: 0.30, Ceiling: 0.50, Priority: 2, PromoteTo: TierObservedFact},
	TierTemporaryContext: {Floor: 0.40, Ceiling: 1.00, Priority: 1, PromoteTo: TierObservedFact},
}

// Temporality marks whether a structured fact describes the present, past,
// future, or an unspecified time.
type Temporality string

const (
	TemporalCurrent Temporality = "current"
	TemporalPast    Temporality = "past"
	TemporalFuture  Temporality = "future"
	TemporalUnknown Temporality = "unknown"
)

// StructuredFact is a subject-predicate-object triple with its own
// confidence and temporal qualifier, independent of the owning memory's
// belief tier.
type StructuredFact struct {
	Subject    string      `json:"subject"`
	Predicate  string      `json:"predicate"`
	Object     string      `json:"object"`
	Confidence float64     `json:"confidence"`
	Temporal   Temporality `json:"temporal"`
}

// Memory is the atomic stored belief (Memory Unit).
type Memory struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Summary         string           `json:"summary"`
	Entities        []string         `json:"entities"`
	Facts           []string         `json:"facts"`
	StructuredFacts []StructuredFact `json:"structured_facts"`

	Tier       Tier    `json:"tier"`
	Confidence float64 `json:"confidence"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	BaseImportance    float64   `json:"base_importance"`
	CurrentImportance float64   `json:"current_importance"`
	LastDecayAt       time.Time `json:"last_decay_at"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	Embedding pgvector.Vector `json:"-"`

	IsActive   bool        `json:"is_active"`
	Supersedes []uuid.UUID `json:"supersedes"`

	SourceConversationID string `json:"source_conversation_id,omitempty"`
}

// Valence is the polarity of a Preference.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
)

// Preference is a first-class, content-immutable preference record.
// Updates insert a new row and mark the prior one superseded.
type Preference struct {
	ID           uuid.UUID  `json:"id"`
	Subject      string     `json:"subject"`
	Entity       string     `json:"entity"`
	Valence      Valence    `json:"valence"`
	Strength     float64    `json:"strength"`
	Context      string     `json:"context,omitempty"`
	Confidence   float64    `json:"confidence"`
	MemoryID     *uuid.UUID `json:"memory_id,omitempty"`
	IsActive     bool       `json:"is_active"`
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EntityType classifies an Entity's kind, inferred from surface patterns.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityPlace        EntityType = "place"
	EntityOrganization EntityType = "organization"
	EntityUnknown      EntityType = "unknown"
)

// Entity is a canonicalized real-world referent with aliases and the set
// of memories that mention it.
type Entity struct {
	ID            uuid.UUID   `json:"id"`
	CanonicalName string      `json:"canonical_name"`
	Aliases       []string    `json:"aliases"`
	EntityType    EntityType  `json:"entity_type"`
	Confidence    float64     `json:"confidence"`
	Confirmed     bool        `json:"confirmed"`
	MemoryIDs     []uuid.UUID `json:"memory_ids"`
	FirstSeenAt   time.Time   `json:"first_seen_at"`
	LastSeenAt    time.Time   `json:"last_seen_at"`
}

// Relation is a directed, weighted edge between two memories.
type Relation struct {
	SourceID      uuid.UUID `json:"source_id"`
	TargetID      uuid.UUID `json:"target_id"`
	RelationType  string    `json:"relation_type"`
	Weight        float64   `json:"weight"`
	Bidirectional bool      `json:"bidirectional"`
	CreatedAt     time.Time `json:"created_at"`
}

// ResolutionKind enumerates how a Contradiction was or should be resolved.
type ResolutionKind string

const (
	ResolutionPending      ResolutionKind = "pending"
	ResolutionASupersedes  ResolutionKind = "a_supersedes"
	ResolutionBSupersedes  ResolutionKind = "b_supersedes"
	ResolutionCoexist      ResolutionKind = "coexist"
	ResolutionMerged       ResolutionKind = "merged"
	ResolutionUserResolved ResolutionKind = "user_resolved"
)

// Contradiction records a detected conflict between two memories and its
// resolution lifecycle.
type Contradiction struct {
	ID             uuid.UUID      `json:"id"`
	MemoryA        uuid.UUID      `json:"memory_a"`
	MemoryB        uuid.UUID      `json:"memory_b"`
	FieldPath      string         `json:"field_path"`
	Reason         string         `json:"reason"`
	Resolution     ResolutionKind `json:"resolution"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// DecayLogEntry is an append-only audit record of a single decay update.
type DecayLogEntry struct {
	ID            uuid.UUID `json:"id"`
	MemoryID      uuid.UUID `json:"memory_id"`
	OldImportance float64   `json:"old_importance"`
	NewImportance float64   `json:"new_importance"`
	DecayFactor   float64   `json:"decay_factor"`
	Reinforcement float64   `json:"reinforcement"`
	RunAt         time.Time `json:"run_at"`
}
