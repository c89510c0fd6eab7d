package contradiction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemo-ai/mnemo/internal/model"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"User's name is Costa.", "Costa"},
		{"my name is Alex", "Alex"},
		{"I am Maria", "Maria"},
		{"call me Sam", "Sam"},
		{"Petra introduces herself", "Petra"},
		{"The user is asking about the weather", ""},
		{"i am The greatest", ""}, // stopword
		{"nothing here", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractName(tt.text), "text: %q", tt.text)
	}
}

func conflictWith(m model.Memory) model.Conflict {
	return model.Conflict{
		Kind:           model.ConflictFact,
		ExistingMemory: m,
		FieldPath:      "user.lives_in",
	}
}

func TestResolveTemporalRule(t *testing.T) {
	existing := model.Memory{
		Tier:       model.TierObservedFact,
		Confidence: 0.8,
		StructuredFacts: []model.StructuredFact{
			{Subject: "user", Predicate: "lives_in", Object: "Athens", Temporal: model.TemporalPast},
		},
	}
	newFacts := []model.StructuredFact{
		{Subject: "user", Predicate: "lives_in", Object: "Berlin", Temporal: model.TemporalCurrent},
	}
	got := Resolve(conflictWith(existing), model.TierObservedFact, 0.8, newFacts)
	assert.Equal(t, model.ResolutionASupersedes, got)
}

func TestResolveTierHierarchy(t *testing.T) {
	existing := model.Memory{Tier: model.TierHypothesis, Confidence: 0.45}
	got := Resolve(conflictWith(existing), model.TierAssertedFact, 0.95, nil)
	assert.Equal(t, model.ResolutionASupersedes, got)

	existingStrong := model.Memory{Tier: model.TierAssertedFact, Confidence: 0.95}
	got = Resolve(conflictWith(existingStrong), model.TierHypothesis, 0.45, nil)
	assert.Equal(t, model.ResolutionBSupersedes, got)
}

func TestResolveConfidenceGap(t *testing.T) {
	existing := model.Memory{Tier: model.TierObservedFact, Confidence: 0.8}

	got := Resolve(conflictWith(existing), model.TierObservedFact, 0.81, nil)
	assert.Equal(t, model.ResolutionPending, got, "gap below 0.2 stays pending")

	existingLow := model.Memory{Tier: model.TierObservedFact, Confidence: 0.55}
	got = Resolve(conflictWith(existingLow), model.TierObservedFact, 0.99, nil)
	assert.Equal(t, model.ResolutionASupersedes, got)

	existingHigh := model.Memory{Tier: model.TierObservedFact, Confidence: 0.99}
	got = Resolve(conflictWith(existingHigh), model.TierObservedFact, 0.55, nil)
	assert.Equal(t, model.ResolutionBSupersedes, got)
}

func TestResolveIdentityConflictHonorsSuggestion(t *testing.T) {
	c := model.Conflict{
		Kind:            model.ConflictIdentity,
		ExistingMemory:  model.Memory{Tier: model.TierAssertedFact, Confidence: 0.95},
		SuggestedAction: model.ResolutionASupersedes,
	}
	// Even with an equal tier and confidence, the identity guard's
	// new-wins suggestion applies.
	got := Resolve(c, model.TierAssertedFact, 0.95, nil)
	assert.Equal(t, model.ResolutionASupersedes, got)
}

func TestResolveOrdering(t *testing.T) {
	// The temporal rule fires before tier hierarchy: a current-temporal
	// new fact beats an existing higher-tier past fact.
	existing := model.Memory{
		Tier:       model.TierAssertedFact,
		Confidence: 0.95,
		StructuredFacts: []model.StructuredFact{
			{Subject: "user", Predicate: "works_at", Object: "Acme", Temporal: model.TemporalPast},
		},
	}
	newFacts := []model.StructuredFact{
		{Subject: "user", Predicate: "works_at", Object: "Globex", Temporal: model.TemporalCurrent},
	}
	got := Resolve(conflictWith(existing), model.TierObservedFact, 0.8, newFacts)
	assert.Equal(t, model.ResolutionASupersedes, got)
}

func TestFactConflictFieldPath(t *testing.T) {
	proposal := model.MemoryProposal{
		StructuredFacts: []model.StructuredFact{
			{Subject: "User", Predicate: "Lives_In", Object: "Berlin"},
		},
	}
	existing := model.Memory{
		StructuredFacts: []model.StructuredFact{
			{Subject: "user", Predicate: "lives_in", Object: "Athens"},
		},
	}
	fc := factConflict(proposal, existing)
	assert.NotNil(t, fc)
	assert.Equal(t, "User.Lives_In", fc.FieldPath)
	assert.Equal(t, model.ConflictFact, fc.Kind)

	// Same object (case-insensitively) is not a conflict.
	existing.StructuredFacts[0].Object = "berlin"
	assert.Nil(t, factConflict(proposal, existing))
}

func TestEntitiesOverlap(t *testing.T) {
	assert.True(t, entitiesOverlap([]string{"Athens", "Greece"}, []string{"athens"}))
	assert.False(t, entitiesOverlap([]string{"Athens"}, []string{"Berlin"}))
	assert.False(t, entitiesOverlap(nil, []string{"Berlin"}))
}
