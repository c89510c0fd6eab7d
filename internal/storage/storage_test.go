package storage_test

import (
	"context"
	"flag"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
}

func unitVector(dim int) pgvector.Vector {
	v := make([]float32, 384)
	v[dim%384] = 1
	return pgvector.NewVector(v)
}

func insertTestMemory(t *testing.T, summary string, entities []string, dim int) model.Memory {
	t.Helper()
	now := time.Now().UTC()
	m := model.Memory{
		ID:                uuid.New(),
		CreatedAt:         now,
		Summary:           summary,
		Entities:          entities,
		Tier:              model.TierObservedFact,
		Confidence:        0.8,
		ValidFrom:         now,
		BaseImportance:    5,
		CurrentImportance: 5,
		LastDecayAt:       now,
		Embedding:         unitVector(dim),
		IsActive:          true,
	}
	tx, err := testDB.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, storage.InsertMemory(context.Background(), tx, m))
	require.NoError(t, tx.Commit(context.Background()))
	return m
}

func insertTestEntity(t *testing.T, canonical string, aliases []string, memoryIDs []uuid.UUID) model.Entity {
	t.Helper()
	now := time.Now().UTC()
	e := model.Entity{
		ID:            uuid.New(),
		CanonicalName: canonical,
		Aliases:       aliases,
		EntityType:    model.EntityUnknown,
		Confidence:    0.7,
		MemoryIDs:     memoryIDs,
		FirstSeenAt:   now,
		LastSeenAt:    now,
	}
	tx, err := testDB.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, storage.CreateEntityTx(context.Background(), tx, e))
	require.NoError(t, tx.Commit(context.Background()))
	return e
}

func mergedContent(t *testing.T, id uuid.UUID) (aliases []string, memoryIDs []string) {
	t.Helper()
	e, err := testDB.GetEntity(context.Background(), id)
	require.NoError(t, err)
	aliases = append(aliases, e.Aliases...)
	sort.Strings(aliases)
	for _, m := range e.MemoryIDs {
		memoryIDs = append(memoryIDs, m.String())
	}
	sort.Strings(memoryIDs)
	return aliases, memoryIDs
}

func TestMergeEntitiesCommutativeOnContent(t *testing.T) {
	skipShort(t)
	ctx := context.Background()

	m1 := insertTestMemory(t, "Memory about the first city.", []string{"Firstopolis"}, 100)
	m2 := insertTestMemory(t, "Memory about the second city.", []string{"Secondburg"}, 101)

	// Two independent X/Y pairs with identical content, merged in opposite
	// directions; the surviving entity's alias and memory sets must match.
	x1 := insertTestEntity(t, "MergeX One", []string{"xa"}, []uuid.UUID{m1.ID})
	y1 := insertTestEntity(t, "MergeY One", []string{"ya"}, []uuid.UUID{m2.ID})
	x2 := insertTestEntity(t, "MergeX Two", []string{"xa"}, []uuid.UUID{m1.ID})
	y2 := insertTestEntity(t, "MergeY Two", []string{"ya"}, []uuid.UUID{m2.ID})

	tx, err := testDB.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.MergeEntitiesTx(ctx, tx, x1.ID, y1.ID)) // X into Y
	require.NoError(t, tx.Commit(ctx))

	tx, err = testDB.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.MergeEntitiesTx(ctx, tx, y2.ID, x2.ID)) // Y into X
	require.NoError(t, tx.Commit(ctx))

	aliases1, mems1 := mergedContent(t, y1.ID)
	aliases2, mems2 := mergedContent(t, x2.ID)

	// Alias sets differ only by which canonical name was absorbed; strip
	// the canonical names before comparing.
	strip := func(ss []string, drop ...string) []string {
		out := []string{}
		for _, s := range ss {
			skip := false
			for _, d := range drop {
				if s == d {
					skip = true
				}
			}
			if !skip {
				out = append(out, s)
			}
		}
		return out
	}
	assert.Equal(t,
		strip(aliases1, "MergeX One", "MergeY One"),
		strip(aliases2, "MergeX Two", "MergeY Two"))
	assert.Equal(t, mems1, mems2)

	// Sources are gone.
	_, err = testDB.GetEntity(ctx, x1.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetEntity(ctx, y2.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReinforceMemoriesMonotonic(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	m := insertTestMemory(t, "Reinforcement target.", nil, 102)

	require.NoError(t, testDB.ReinforceMemories(ctx, []uuid.UUID{m.ID}))
	first, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AccessCount)
	require.NotNil(t, first.LastAccessedAt)

	require.NoError(t, testDB.ReinforceMemories(ctx, []uuid.UUID{m.ID}))
	second, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AccessCount)
	assert.False(t, second.LastAccessedAt.Before(*first.LastAccessedAt))
}

func TestUpsertRelationMaxMergesWeight(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	a := insertTestMemory(t, "Relation endpoint A.", nil, 103)
	b := insertTestMemory(t, "Relation endpoint B.", nil, 104)

	upsert := func(weight float64, bidi bool) {
		tx, err := testDB.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, storage.UpsertRelationTx(ctx, tx, model.Relation{
			SourceID:      a.ID,
			TargetID:      b.ID,
			RelationType:  "related_to",
			Weight:        weight,
			Bidirectional: bidi,
		}))
		require.NoError(t, tx.Commit(ctx))
	}

	upsert(0.4, false)
	upsert(0.9, true)
	upsert(0.2, false) // lower weight must not win

	rels, err := testDB.GetRelationsForMemory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.InDelta(t, 0.9, rels[0].Weight, 1e-9)
	assert.True(t, rels[0].Bidirectional)
}

func TestDeactivateIsMonotonic(t *testing.T) {
	skipShort(t)
	ctx := context.Background()
	m := insertTestMemory(t, "Deactivation target.", nil, 105)

	tx, err := testDB.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.DeactivateMemoriesTx(ctx, tx, []uuid.UUID{m.ID}))
	require.NoError(t, tx.Commit(ctx))

	got, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	// Archival and decay paths never reactivate.
	_, err = testDB.ArchiveStaleMemories(ctx, 10, 0)
	require.NoError(t, err)
	got, err = testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
