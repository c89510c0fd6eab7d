package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/extractor"
	"github.com/mnemo-ai/mnemo/internal/memorystore"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/testutil"
)

type fakeStore struct {
	mu        sync.Mutex
	proposals []model.MemoryProposal
	ids       []uuid.UUID
	err       error
}

func (f *fakeStore) InsertMemoryUnit(_ context.Context, p model.MemoryProposal) (memorystore.InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return memorystore.InsertResult{}, f.err
	}
	id := uuid.New()
	f.proposals = append(f.proposals, p)
	f.ids = append(f.ids, id)
	return memorystore.InsertResult{MemoryID: id}, nil
}

func (f *fakeStore) stored() []model.MemoryProposal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MemoryProposal(nil), f.proposals...)
}

type fakeRetriever struct {
	results []retrieval.Result
	fn      func() []retrieval.Result
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ retrieval.Params) ([]retrieval.Result, error) {
	if f.fn != nil {
		return f.fn(), f.err
	}
	return f.results, f.err
}

type fakeReinforcer struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeReinforcer) ReinforceMemories(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, ids...)
	return nil
}

type fakePrefs struct {
	prefs []model.Preference
}

func (f *fakePrefs) GetUserPreferences(_ context.Context) ([]model.Preference, error) {
	return f.prefs, nil
}

type fakeGenerator struct {
	reply string
	err   error
	// lastUserPrompt captures what the generator was asked.
	lastUserPrompt string
}

func (f *fakeGenerator) Stream(_ context.Context, _, user string, onChunk func(string) error) (string, error) {
	f.lastUserPrompt = user
	if f.err != nil {
		return "", f.err
	}
	_ = onChunk(f.reply)
	return f.reply, f.err
}

type fakeExtractor struct {
	mu       sync.Mutex
	proposal model.MemoryProposal
	err      error
	called   chan struct{}
	shown    []extractor.RetrievedMemory
}

func (f *fakeExtractor) RunMemoryAgent(_ context.Context, _, _ string, shown []extractor.RetrievedMemory) (model.MemoryProposal, error) {
	f.mu.Lock()
	f.shown = shown
	f.mu.Unlock()
	defer close(f.called)
	return f.proposal, f.err
}

func newTestOrchestrator(store *fakeStore, ret *fakeRetriever, gen *fakeGenerator, ext *fakeExtractor) (*Orchestrator, *fakeReinforcer) {
	reinf := &fakeReinforcer{}
	o := New(store, ret, reinf, &fakePrefs{}, gen, ext, retrieval.DefaultParams(), testutil.TestLogger())
	return o, reinf
}

func TestTurnEmptyInput(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeStore{}, &fakeRetriever{}, &fakeGenerator{}, &fakeExtractor{called: make(chan struct{})})
	_, err := o.Turn(context.Background(), "c1", "", func(string) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInput)
}

func TestTurnInstantWriteThenStream(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{reply: "Nice to meet you, Costa!"}
	ext := &fakeExtractor{proposal: model.MemoryProposal{ShouldWrite: false}, called: make(chan struct{})}
	o, _ := newTestOrchestrator(store, &fakeRetriever{}, gen, ext)

	var streamed string
	res, err := o.Turn(context.Background(), "c1", "My name is Costa", func(c string) error {
		streamed += c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you, Costa!", streamed)
	assert.Equal(t, res.FullReply, streamed)
	assert.Equal(t, 1, res.InstantWrites)

	stored := store.stored()
	require.NotEmpty(t, stored)
	assert.Equal(t, "User's name is Costa.", stored[0].Summary)
	assert.Equal(t, model.TierAssertedFact, stored[0].Tier)
	assert.Equal(t, "c1", stored[0].SourceConversationID)

	// Extraction runs detached; wait for the extractor to have been invoked.
	select {
	case <-ext.called:
	case <-time.After(2 * time.Second):
		t.Fatal("deep extractor never ran")
	}
}

func TestTurnExcludesJustWrittenFromRetrieval(t *testing.T) {
	// The retriever echoes back whatever the store holds, including the id
	// the instant pass wrote this turn; the orchestrator must filter it so
	// the name stated this turn is only retrievable from the next turn on.
	store := &fakeStore{}
	gen := &fakeGenerator{reply: "ok"}
	ext := &fakeExtractor{called: make(chan struct{})}

	oldID := uuid.New()
	ret := &fakeRetriever{fn: func() []retrieval.Result {
		store.mu.Lock()
		defer store.mu.Unlock()
		out := []retrieval.Result{{Memory: model.Memory{ID: oldID, Summary: "old", IsActive: true}}}
		for _, id := range store.ids {
			out = append(out, retrieval.Result{Memory: model.Memory{ID: id, Summary: "just written", IsActive: true}})
		}
		return out
	}}
	o, _ := newTestOrchestrator(store, ret, gen, ext)

	res, err := o.Turn(context.Background(), "c1", "My name is Costa", func(string) error { return nil })
	require.NoError(t, err)
	require.Len(t, res.Retrieved, 1, "the just-written name memory is filtered out")
	assert.Equal(t, oldID, res.Retrieved[0].Memory.ID)
	<-ext.called
}

func TestTurnReinforcesRetrieved(t *testing.T) {
	id := uuid.New()
	ret := &fakeRetriever{results: []retrieval.Result{
		{Memory: model.Memory{ID: id, Summary: "User's name is Costa.", IsActive: true}},
	}}
	ext := &fakeExtractor{called: make(chan struct{})}
	o, reinf := newTestOrchestrator(&fakeStore{}, ret, &fakeGenerator{reply: "You're Costa."}, ext)

	_, err := o.Turn(context.Background(), "c1", "Who am I?", func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, reinf.ids)
}

func TestTurnGeneratorErrorSurfaces(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream 503")}
	ext := &fakeExtractor{called: make(chan struct{})}
	o, _ := newTestOrchestrator(&fakeStore{}, &fakeRetriever{}, gen, ext)

	_, err := o.Turn(context.Background(), "c1", "hello there", func(string) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerator)
}

func TestDetachedStoreWritesProposal(t *testing.T) {
	store := &fakeStore{}
	ext := &fakeExtractor{
		proposal: model.MemoryProposal{
			ShouldWrite: true,
			Summary:     "User works remotely.",
			Tier:        model.TierObservedFact,
			Confidence:  0.8,
			Importance:  5,
		},
		called: make(chan struct{}),
	}
	o, _ := newTestOrchestrator(store, &fakeRetriever{}, &fakeGenerator{reply: "noted"}, ext)

	_, err := o.Turn(context.Background(), "c9", "I work remotely these days", func(string) error { return nil })
	require.NoError(t, err)

	<-ext.called
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Drain(drainCtx)

	stored := store.stored()
	require.NotEmpty(t, stored)
	last := stored[len(stored)-1]
	assert.Equal(t, "User works remotely.", last.Summary)
	assert.Equal(t, "c9", last.SourceConversationID)
}

func TestDetachedExtractionErrorDoesNotFailTurn(t *testing.T) {
	ext := &fakeExtractor{err: extractor.ErrParse, called: make(chan struct{})}
	o, _ := newTestOrchestrator(&fakeStore{}, &fakeRetriever{}, &fakeGenerator{reply: "ok"}, ext)

	_, err := o.Turn(context.Background(), "c1", "hello world", func(string) error { return nil })
	require.NoError(t, err)

	<-ext.called
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Drain(drainCtx)
}

func TestHedgedUtteranceDemotesExtractedTier(t *testing.T) {
	// "I think ..." classifies as hypothesis; even if the extractor claims
	// an asserted fact, the stored proposal is demoted.
	store := &fakeStore{}
	ext := &fakeExtractor{
		proposal: model.MemoryProposal{
			ShouldWrite: true,
			Summary:     "User is from Greece.",
			Tier:        model.TierAssertedFact,
			Confidence:  0.95,
			Importance:  5,
		},
		called: make(chan struct{}),
	}
	o, _ := newTestOrchestrator(store, &fakeRetriever{}, &fakeGenerator{reply: "ok"}, ext)

	_, err := o.Turn(context.Background(), "c1", "I think I'm from Greece", func(string) error { return nil })
	require.NoError(t, err)
	<-ext.called
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Drain(drainCtx)

	stored := store.stored()
	require.NotEmpty(t, stored)
	last := stored[len(stored)-1]
	assert.Equal(t, model.TierHypothesis, last.Tier)
	assert.LessOrEqual(t, last.Confidence, 0.50)
}

func TestRetrievedMemoriesShownToExtractor(t *testing.T) {
	id := uuid.New()
	ret := &fakeRetriever{results: []retrieval.Result{
		{Memory: model.Memory{ID: id, Summary: "User likes jazz.", Tier: model.TierPreference, IsActive: true}},
	}}
	ext := &fakeExtractor{called: make(chan struct{})}
	gen := &fakeGenerator{reply: "ok"}
	o, _ := newTestOrchestrator(&fakeStore{}, ret, gen, ext)

	_, err := o.Turn(context.Background(), "c1", "recommend some music", func(string) error { return nil })
	require.NoError(t, err)
	<-ext.called

	ext.mu.Lock()
	defer ext.mu.Unlock()
	require.Len(t, ext.shown, 1)
	assert.Equal(t, id.String(), ext.shown[0].ID)
	assert.Equal(t, "User likes jazz.", ext.shown[0].Summary)
	assert.Contains(t, gen.lastUserPrompt, "User likes jazz.")
}
