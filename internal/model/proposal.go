package model

// PreferenceProposal is a single preference item inside a MemoryProposal,
// prior to sanitization.
type PreferenceProposal struct {
	Entity   string  `json:"entity"`
	Valence  Valence `json:"valence"`
	Strength float64 `json:"strength"`
	Context  string  `json:"context,omitempty"`
}

// EntityLink is an explicit mention-to-canonical link supplied by the
// deep extractor, consumed by the entity resolver as source=explicit_link.
type EntityLink struct {
	Mention      string `json:"mention"`
	Canonical    string `json:"canonical"`
	Relationship string `json:"relationship,omitempty"`
}

// ContradictsHint is an extractor-supplied hint that the new memory
// conflicts with an existing one; the contradiction detector still runs
// its own passes and is not bound by this hint's suggested_resolution.
type ContradictsHint struct {
	MemoryID            string `json:"memory_id"`
	Reason              string `json:"reason"`
	SuggestedResolution string `json:"suggested_resolution,omitempty"`
}

// MemoryProposal is the wire schema produced by the deep extractor (and,
// for the instant extractor, synthesized directly in Go). It is untrusted
// input: every field is sanitized and clamped before it reaches storage.
type MemoryProposal struct {
	ShouldWrite     bool                 `json:"should_write"`
	Summary         string               `json:"summary"`
	Tier            Tier                 `json:"tier"`
	Confidence      float64              `json:"confidence"`
	Entities        []string             `json:"entities"`
	Facts           []string             `json:"facts"`
	StructuredFacts []StructuredFact     `json:"structured_facts"`
	Preferences     []PreferenceProposal `json:"preferences"`
	EntityLinks     []EntityLink         `json:"entity_links"`
	RelatedTo       []string             `json:"related_to"`
	Contradicts     []ContradictsHint    `json:"contradicts"`
	Importance      float64              `json:"importance"`
	Supersedes      []string             `json:"supersedes"`
	ValidFrom       *string              `json:"valid_from,omitempty"`
	ValidTo         *string              `json:"valid_to,omitempty"`

	// SourceConversationID is stamped by the orchestrator for provenance,
	// not part of the extractor's wire schema.
	SourceConversationID string `json:"-"`
}

// ConflictKind distinguishes the two contradiction-detection passes.
type ConflictKind string

const (
	ConflictIdentity        ConflictKind = "identity_conflict"
	ConflictFact            ConflictKind = "fact_conflict"
	ConflictPotentialUpdate ConflictKind = "potential_update"
)

// Conflict is a single detected conflict between the candidate proposal
// (or its resulting memory) and an existing memory, prior to resolution.
type Conflict struct {
	Kind            ConflictKind
	ExistingMemory  Memory
	FieldPath       string
	Reason          string
	Similarity      float64
	SuggestedAction ResolutionKind
}
