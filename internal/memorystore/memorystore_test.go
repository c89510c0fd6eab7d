package memorystore_test

import (
	"context"
	"flag"
	"os"
	"sync"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/contradiction"
	"github.com/mnemo-ai/mnemo/internal/memorystore"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/storage"
	"github.com/mnemo-ai/mnemo/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	tc := testutil.MustStartPgvector()
	defer tc.Terminate()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db
	code := m.Run()
	db.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

// fakeEmbedder returns deterministic one-hot unit vectors: texts registered
// as aliases share a vector, every other distinct text gets its own basis
// dimension (so unrelated texts have cosine 0).
type fakeEmbedder struct {
	mu      sync.Mutex
	aliases map[string]string
	dims    map[string]int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	key := text
	if f.aliases != nil {
		if canon, ok := f.aliases[text]; ok {
			key = canon
		}
	}
	f.mu.Lock()
	if f.dims == nil {
		f.dims = make(map[string]int)
	}
	dim, ok := f.dims[key]
	if !ok {
		dim = len(f.dims)
		f.dims[key] = dim
	}
	f.mu.Unlock()
	v := make([]float32, 384)
	v[dim%384] = 1
	return pgvector.NewVector(v), nil
}

func newStore(t *testing.T, emb *fakeEmbedder) *memorystore.Store {
	t.Helper()
	detector := contradiction.New(testDB, emb, contradiction.DefaultParams())
	return memorystore.New(testDB, emb, detector, testutil.TestLogger())
}

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
}

func TestInsertMemoryUnitBasic(t *testing.T) {
	skipShort(t)
	store := newStore(t, &fakeEmbedder{})

	res, err := store.InsertMemoryUnit(context.Background(), model.MemoryProposal{
		ShouldWrite: true,
		Summary:     "User works as a marine biologist.",
		Tier:        model.TierAssertedFact,
		Confidence:  0.92,
		Entities:    []string{"Marine Biology"},
		Facts:       []string{"The user works as a marine biologist."},
		Importance:  7,
	})
	require.NoError(t, err)

	m, err := testDB.GetMemory(context.Background(), res.MemoryID)
	require.NoError(t, err)
	assert.True(t, m.IsActive)
	assert.Equal(t, model.TierAssertedFact, m.Tier)
	assert.InDelta(t, 0.92, m.Confidence, 1e-9)
	assert.InDelta(t, 7, m.CurrentImportance, 1e-9)
	assert.Equal(t, m.BaseImportance, m.CurrentImportance)
	assert.Equal(t, 1, res.Entities)
}

func TestInsertEnforcesTierBounds(t *testing.T) {
	skipShort(t)
	store := newStore(t, &fakeEmbedder{})

	res, err := store.InsertMemoryUnit(context.Background(), model.MemoryProposal{
		Summary:    "User might enjoy sailing.",
		Tier:       model.TierHypothesis,
		Confidence: 0.99, // above the hypothesis ceiling of 0.50
		Importance: 3,
	})
	require.NoError(t, err)

	m, err := testDB.GetMemory(context.Background(), res.MemoryID)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, m.Confidence, 1e-9, "confidence clamped to tier ceiling")
}

func TestIdentityContradictionSupersedes(t *testing.T) {
	skipShort(t)
	store := newStore(t, &fakeEmbedder{})
	ctx := context.Background()

	first, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User's name is Costa.",
		Tier:       model.TierAssertedFact,
		Confidence: 0.95,
		Entities:   []string{"Costa"},
		Importance: 8,
	})
	require.NoError(t, err)

	second, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User's name is Alex.",
		Tier:       model.TierAssertedFact,
		Confidence: 0.95,
		Entities:   []string{"Alex"},
		Importance: 8,
	})
	require.NoError(t, err)

	old, err := testDB.GetMemory(ctx, first.MemoryID)
	require.NoError(t, err)
	assert.False(t, old.IsActive, "superseded identity memory deactivated")

	winner, err := testDB.GetMemory(ctx, second.MemoryID)
	require.NoError(t, err)
	assert.True(t, winner.IsActive)
	assert.Contains(t, winner.Supersedes, first.MemoryID)
	assert.Zero(t, second.PendingConflicts, "auto-resolved, nothing left pending")

	pending, err := testDB.ListPendingContradictions(ctx, 50)
	require.NoError(t, err)
	for _, c := range pending {
		assert.NotEqual(t, second.MemoryID, c.MemoryA, "no pending row for the auto-resolved identity conflict")
	}
}

func TestPreferenceSupersession(t *testing.T) {
	skipShort(t)
	store := newStore(t, &fakeEmbedder{})
	ctx := context.Background()

	_, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User likes espresso.",
		Tier:       model.TierPreference,
		Confidence: 0.85,
		Importance: 6,
		Preferences: []model.PreferenceProposal{
			{Entity: "espresso", Valence: model.ValencePositive, Strength: 0.7},
		},
	})
	require.NoError(t, err)

	second, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User now dislikes espresso.",
		Tier:       model.TierPreference,
		Confidence: 0.85,
		Importance: 6,
		Preferences: []model.PreferenceProposal{
			{Entity: "espresso", Valence: model.ValenceNegative, Strength: 0.8},
		},
	})
	require.NoError(t, err)

	active, err := testDB.ListActivePreferences(ctx, "espresso", "")
	require.NoError(t, err)
	require.Len(t, active, 1, "only the newest espresso preference is active")
	assert.Equal(t, model.ValenceNegative, active[0].Valence)
	require.NotNil(t, active[0].MemoryID)
	assert.Equal(t, second.MemoryID, *active[0].MemoryID)
}

func TestRelationAutoDiscovery(t *testing.T) {
	skipShort(t)
	store := newStore(t, &fakeEmbedder{})
	ctx := context.Background()

	first, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User visited Lisbon last spring.",
		Tier:       model.TierObservedFact,
		Confidence: 0.8,
		Entities:   []string{"Lisbon"},
		Importance: 4,
	})
	require.NoError(t, err)

	second, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User wants to move to Lisbon.",
		Tier:       model.TierObservedFact,
		Confidence: 0.8,
		Entities:   []string{"Lisbon"},
		Importance: 5,
	})
	require.NoError(t, err)

	rels, err := testDB.GetRelationsForMemory(ctx, second.MemoryID)
	require.NoError(t, err)
	var found bool
	for _, r := range rels {
		if r.TargetID == first.MemoryID || r.SourceID == first.MemoryID {
			found = true
			assert.Equal(t, "related_to", r.RelationType)
			assert.True(t, r.Bidirectional)
			assert.InDelta(t, 1.0, r.Weight, 1e-9, "identical entity sets overlap fully")
		}
	}
	assert.True(t, found, "entity overlap produced a related_to relation")
}

func TestSemanticFactConflictRecordsContradiction(t *testing.T) {
	skipShort(t)
	// Both summaries embed to the same vector so the semantic pass sees
	// them as near-identical candidates.
	emb := &fakeEmbedder{aliases: map[string]string{
		"User lives in Athens.": "residence",
		"User lives in Berlin.": "residence",
	}}
	store := newStore(t, emb)
	ctx := context.Background()

	first, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User lives in Athens.",
		Tier:       model.TierObservedFact,
		Confidence: 0.8,
		Entities:   []string{"Athens"},
		StructuredFacts: []model.StructuredFact{
			{Subject: "user", Predicate: "lives_in", Object: "Athens", Confidence: 0.8, Temporal: model.TemporalPast},
		},
		Importance: 5,
	})
	require.NoError(t, err)

	second, err := store.InsertMemoryUnit(ctx, model.MemoryProposal{
		Summary:    "User lives in Berlin.",
		Tier:       model.TierObservedFact,
		Confidence: 0.8,
		Entities:   []string{"Berlin"},
		StructuredFacts: []model.StructuredFact{
			{Subject: "user", Predicate: "lives_in", Object: "Berlin", Confidence: 0.8, Temporal: model.TemporalCurrent},
		},
		Importance: 5,
	})
	require.NoError(t, err)

	// Temporal rule: new current vs existing past — the new memory wins.
	old, err := testDB.GetMemory(ctx, first.MemoryID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	winner, err := testDB.GetMemory(ctx, second.MemoryID)
	require.NoError(t, err)
	assert.Contains(t, winner.Supersedes, first.MemoryID)
}

func TestEmbeddingFailureAborts(t *testing.T) {
	skipShort(t)
	detector := contradiction.New(testDB, failingEmbedder{}, contradiction.DefaultParams())
	store := memorystore.New(testDB, failingEmbedder{}, detector, testutil.TestLogger())

	_, err := store.InsertMemoryUnit(context.Background(), model.MemoryProposal{
		Summary:    "Never stored.",
		Tier:       model.TierObservedFact,
		Confidence: 0.8,
		Importance: 5,
	})
	require.Error(t, err)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.Vector{}, assert.AnError
}
