// Package orchestrator runs the per-turn pipeline: instant extraction,
// retrieval, streamed response, then detached deep extraction and storage.
// The first three phases run synchronously on the request; extraction and
// storage run fire-and-forget after the stream completes and never fail
// the turn that produced them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemo-ai/mnemo/internal/extractor"
	"github.com/mnemo-ai/mnemo/internal/instant"
	"github.com/mnemo-ai/mnemo/internal/memorystore"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/responder"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/tiering"
)

// Sentinel errors the HTTP layer maps onto status codes or SSE error
// events depending on whether headers are out.
var (
	// ErrInput marks a malformed request (400, no side effects).
	ErrInput = errors.New("orchestrator: invalid input")
	// ErrGenerator marks a response-generator failure (SSE error event).
	ErrGenerator = errors.New("orchestrator: response generator failed")
)

// Store is the write-pipeline contract the orchestrator needs.
type Store interface {
	InsertMemoryUnit(ctx context.Context, proposal model.MemoryProposal) (memorystore.InsertResult, error)
}

// Retriever is the read contract.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, params retrieval.Params) ([]retrieval.Result, error)
}

// Reinforcer bumps access counters after retrieval.
type Reinforcer interface {
	ReinforceMemories(ctx context.Context, ids []uuid.UUID) error
}

// PreferenceSource supplies the user's active preferences for the prompt.
type PreferenceSource interface {
	GetUserPreferences(ctx context.Context) ([]model.Preference, error)
}

// Extractor runs the deep extraction call.
type Extractor interface {
	RunMemoryAgent(ctx context.Context, userText, assistantReply string, retrieved []extractor.RetrievedMemory) (model.MemoryProposal, error)
}

// Notifier publishes turn-completion events for the SSE broker. Optional.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Orchestrator wires the per-turn pipeline together.
type Orchestrator struct {
	store      Store
	retriever  Retriever
	reinforcer Reinforcer
	prefs      PreferenceSource
	generator  responder.Generator
	extractor  Extractor
	params     retrieval.Params
	logger     *slog.Logger
	notifier   Notifier

	detached sync.WaitGroup
}

// SetNotifier attaches an optional event publisher; completed detached
// stores announce themselves on the chat-done channel.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// New creates an Orchestrator.
func New(
	store Store,
	retriever Retriever,
	reinforcer Reinforcer,
	prefs PreferenceSource,
	generator responder.Generator,
	ext Extractor,
	params retrieval.Params,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		retriever:  retriever,
		reinforcer: reinforcer,
		prefs:      prefs,
		generator:  generator,
		extractor:  ext,
		params:     params,
		logger:     logger,
	}
}

// TurnResult summarizes the synchronous part of a turn.
type TurnResult struct {
	FullReply     string
	Retrieved     []retrieval.Result
	InstantWrites int
}

var turnTracer = otel.Tracer("mnemo/orchestrator")

// Turn runs one conversational turn. onChunk receives each response delta
// as it streams; an onChunk error stops forwarding without aborting the
// turn (the client went away, the memory pipeline continues).
func (o *Orchestrator) Turn(ctx context.Context, conversationID, userText string, onChunk func(chunk string) error) (TurnResult, error) {
	if userText == "" {
		return TurnResult{}, fmt.Errorf("%w: empty message", ErrInput)
	}

	ctx, turnSpan := turnTracer.Start(ctx, "turn",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer turnSpan.End()

	// Instant extraction. These writes commit before retrieval begins, but
	// what they wrote this turn is excluded from this turn's retrieval so
	// the next turn is the first to see them.
	instantCtx, instantSpan := turnTracer.Start(ctx, "instant")
	justWritten := make(map[uuid.UUID]bool)
	instantWrites := 0
	for _, proposal := range instant.Proposals(userText) {
		proposal.SourceConversationID = conversationID
		res, err := o.store.InsertMemoryUnit(instantCtx, proposal)
		if err != nil {
			instantSpan.End()
			// Synchronous path: embedding/storage failures surface.
			return TurnResult{}, fmt.Errorf("orchestrator: instant write: %w", err)
		}
		justWritten[res.MemoryID] = true
		instantWrites++
	}
	instantSpan.End()

	// Retrieval plus preference lookup.
	retrieveCtx, retrieveSpan := turnTracer.Start(ctx, "retrieve")
	retrieved, err := o.retriever.Retrieve(retrieveCtx, userText, o.params)
	if err != nil {
		retrieveSpan.End()
		return TurnResult{}, fmt.Errorf("orchestrator: retrieve: %w", err)
	}
	retrieved = excludeJustWritten(retrieved, justWritten)
	retrieveSpan.SetAttributes(attribute.Int("retrieved", len(retrieved)))
	retrieveSpan.End()

	if len(retrieved) > 0 {
		ids := make([]uuid.UUID, len(retrieved))
		for i, r := range retrieved {
			ids[i] = r.Memory.ID
		}
		if err := o.reinforcer.ReinforceMemories(ctx, ids); err != nil {
			o.logger.Warn("orchestrator: reinforcement failed", "error", err)
		}
	}

	prefs, err := o.prefs.GetUserPreferences(ctx)
	if err != nil {
		o.logger.Warn("orchestrator: preference lookup failed", "error", err)
		prefs = nil
	}

	// Stream the response.
	respondCtx, respondSpan := turnTracer.Start(ctx, "respond")
	userPrompt := responder.FormatUserPrompt(userText, retrieved, prefs)
	fullReply, err := o.generator.Stream(respondCtx, responder.SystemPrompt, userPrompt, onChunk)
	respondSpan.End()
	if err != nil {
		return TurnResult{FullReply: fullReply, Retrieved: retrieved}, fmt.Errorf("%w: %v", ErrGenerator, err)
	}

	// Extraction and storage are detached: they outlive the request and
	// only log their failures. context.WithoutCancel keeps trace baggage
	// without tying the work to the inbound connection's lifetime.
	o.detached.Add(1)
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer o.detached.Done()
		o.extractAndStore(bgCtx, conversationID, userText, fullReply, retrieved)
	}()

	return TurnResult{FullReply: fullReply, Retrieved: retrieved, InstantWrites: instantWrites}, nil
}

// detachedTimeout bounds a single extract+store pass so a hung extractor
// can't pin the drain on shutdown forever.
const detachedTimeout = 3 * time.Minute

func (o *Orchestrator) extractAndStore(ctx context.Context, conversationID, userText, fullReply string, retrieved []retrieval.Result) {
	ctx, cancel := context.WithTimeout(ctx, detachedTimeout)
	defer cancel()

	ctx, span := turnTracer.Start(ctx, "extract_store",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	shown := make([]extractor.RetrievedMemory, len(retrieved))
	for i, r := range retrieved {
		shown[i] = extractor.RetrievedMemory{
			ID:      r.Memory.ID.String(),
			Summary: r.Memory.Summary,
			Tier:    r.Memory.Tier,
		}
	}

	proposal, err := o.extractor.RunMemoryAgent(ctx, userText, fullReply, shown)
	if err != nil {
		if errors.Is(err, extractor.ErrParse) {
			o.logger.Warn("orchestrator: extractor output unparseable, nothing written", "error", err)
		} else {
			o.logger.Warn("orchestrator: deep extraction failed", "error", err)
		}
		return
	}
	if !proposal.ShouldWrite {
		return
	}

	// The utterance classifier guards the extractor's tier: a hedged or
	// explicitly temporary utterance can't produce a fact-tier memory, no
	// matter how confident the extraction model was.
	classifiedTier, classifiedConf := tiering.Classify(userText)
	if (classifiedTier == model.TierHypothesis || classifiedTier == model.TierTemporaryContext) &&
		tiering.Priority(proposal.Tier) > tiering.Priority(classifiedTier) {
		proposal.Tier = classifiedTier
		proposal.Confidence = classifiedConf
	}

	proposal.SourceConversationID = conversationID
	res, err := o.store.InsertMemoryUnit(ctx, proposal)
	if err != nil {
		o.logger.Warn("orchestrator: detached store failed", "error", err)
		return
	}
	o.logger.Info("orchestrator: memory stored",
		"memory_id", res.MemoryID,
		"superseded", len(res.Superseded),
		"pending_conflicts", res.PendingConflicts,
		"conversation_id", conversationID)

	if o.notifier != nil {
		payload := fmt.Sprintf(`{"conversation_id":%q,"memory_id":%q}`, conversationID, res.MemoryID)
		if err := o.notifier.Notify(ctx, storageChannelChatDone, payload); err != nil {
			o.logger.Warn("orchestrator: chat-done notify failed", "error", err)
		}
	}
}

// storageChannelChatDone matches storage.ChannelChatDone.
const storageChannelChatDone = "mnemo_chat_done"

// Drain blocks until all detached extract+store tasks finish or ctx
// expires, for graceful shutdown.
func (o *Orchestrator) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("orchestrator: drain timed out with detached work outstanding")
	}
}

func excludeJustWritten(results []retrieval.Result, justWritten map[uuid.UUID]bool) []retrieval.Result {
	if len(justWritten) == 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if !justWritten[r.Memory.ID] {
			out = append(out, r)
		}
	}
	return out
}
