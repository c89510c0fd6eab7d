// Package memorystore implements the memory write pipeline: it embeds the
// proposal and runs contradiction detection, then in a single transaction
// inserts the memory with its preferences and entity links, applies
// supersessions, and discovers relations.
package memorystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/mnemo-ai/mnemo/internal/contradiction"
	"github.com/mnemo-ai/mnemo/internal/entityresolve"
	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/storage"
	"github.com/mnemo-ai/mnemo/internal/telemetry"
	"github.com/mnemo-ai/mnemo/internal/tiering"
)

// Embedder is the narrow embedding contract the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// writeRetries and writeRetryBase drive the serialization/deadlock retry
// around the whole transaction.
const (
	writeRetries   = 3
	writeRetryBase = 50 * time.Millisecond
)

var writePipelineDuration, _ = telemetry.Meter("mnemo/memorystore").Float64Histogram(
	"write_pipeline_duration", metric.WithUnit("ms"))

// Store runs the write pipeline.
type Store struct {
	db       *storage.DB
	embedder Embedder
	detector *contradiction.Detector
	index    *retrieval.QdrantIndex // optional external vector index
	logger   *slog.Logger
}

// New creates a Store.
func New(db *storage.DB, embedder Embedder, detector *contradiction.Detector, logger *slog.Logger) *Store {
	return &Store{db: db, embedder: embedder, detector: detector, logger: logger}
}

// WithIndex attaches an optional external vector index kept in sync with
// committed writes (upsert on insert, delete on supersession).
func (s *Store) WithIndex(index *retrieval.QdrantIndex) *Store {
	s.index = index
	return s
}

// InsertResult reports what a single write did.
type InsertResult struct {
	MemoryID         uuid.UUID
	Superseded       []uuid.UUID
	PendingConflicts int
	Preferences      int
	Entities         int
}

// InsertMemoryUnit runs the full write pipeline in one transaction. An
// embedding failure aborts before the transaction opens; any later error
// rolls everything back.
func (s *Store) InsertMemoryUnit(ctx context.Context, proposal model.MemoryProposal) (InsertResult, error) {
	if proposal.Summary == "" {
		return InsertResult{}, fmt.Errorf("memorystore: proposal has no summary")
	}
	start := time.Now()
	defer func() {
		writePipelineDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	// Step 1: embedding. Fatal to the write if unavailable.
	embedding, err := s.embedder.Embed(ctx, proposal.Summary)
	if err != nil {
		return InsertResult{}, fmt.Errorf("memorystore: embed summary: %w", err)
	}

	// Step 2: contradiction detection runs before the transaction so its
	// similarity scan sees the committed state; the resulting resolutions
	// are applied inside the transaction.
	conflicts, err := s.detector.Detect(ctx, proposal)
	if err != nil {
		return InsertResult{}, fmt.Errorf("memorystore: detect conflicts: %w", err)
	}

	var result InsertResult
	err = storage.WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		r, txErr := s.insertTx(ctx, proposal, embedding, conflicts)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		return InsertResult{}, err
	}

	// Best-effort index sync; Postgres is the source of truth and the
	// retriever falls back to it when the index lags.
	if s.index != nil {
		point := retrieval.Point{
			ID:         result.MemoryID,
			Tier:       string(proposal.Tier),
			Importance: proposal.Importance,
			CreatedAt:  time.Now().UTC(),
			Embedding:  embedding.Slice(),
		}
		if ierr := s.index.Upsert(ctx, []retrieval.Point{point}); ierr != nil {
			s.logger.Warn("memorystore: index upsert failed", "error", ierr)
		}
		if ierr := s.index.DeleteByIDs(ctx, result.Superseded); ierr != nil {
			s.logger.Warn("memorystore: index delete failed", "error", ierr)
		}
	}

	// Best-effort event publication for the SSE broker; a failed notify
	// never fails a committed write.
	if result.PendingConflicts > 0 {
		payload, merr := json.Marshal(map[string]any{
			"memory_id": result.MemoryID,
			"pending":   result.PendingConflicts,
		})
		if merr == nil {
			if nerr := s.db.Notify(ctx, storage.ChannelContradiction, string(payload)); nerr != nil {
				s.logger.Warn("memorystore: contradiction notify failed", "error", nerr)
			}
		}
	}
	return result, nil
}

func (s *Store) insertTx(ctx context.Context, proposal model.MemoryProposal, embedding pgvector.Vector, conflicts []model.Conflict) (InsertResult, error) {
	now := time.Now().UTC()
	memoryID := uuid.New()

	tier := proposal.Tier
	if _, ok := model.Bounds[tier]; !ok {
		tier = model.TierObservedFact
	}
	confidence := tiering.Enforce(tier, proposal.Confidence)

	// Resolve every detected conflict up front so the row insert already
	// carries the final supersedes set and active flag.
	supersedes := parseUUIDs(proposal.Supersedes)
	active := true
	var pending []model.Conflict
	type resolved struct {
		conflict   model.Conflict
		resolution model.ResolutionKind
	}
	var resolutions []resolved
	for _, c := range conflicts {
		action := contradiction.Resolve(c, tier, confidence, proposal.StructuredFacts)
		resolutions = append(resolutions, resolved{conflict: c, resolution: action})
		switch action {
		case model.ResolutionASupersedes:
			supersedes = appendUnique(supersedes, c.ExistingMemory.ID)
		case model.ResolutionBSupersedes:
			// The existing memory wins: the new one is recorded for the
			// audit trail but lands inactive, superseded on arrival.
			active = false
		case model.ResolutionPending:
			pending = append(pending, c)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return InsertResult{}, fmt.Errorf("memorystore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Repeatable read: a conflicting concurrent write fails with a
	// serialization error, which WithRetry retries.
	if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return InsertResult{}, fmt.Errorf("memorystore: set isolation: %w", err)
	}

	// Step 3: insert the memory row.
	m := model.Memory{
		ID:                   memoryID,
		CreatedAt:            now,
		Summary:              proposal.Summary,
		Entities:             proposal.Entities,
		Facts:                proposal.Facts,
		StructuredFacts:      proposal.StructuredFacts,
		Tier:                 tier,
		Confidence:           confidence,
		ValidFrom:            parseDate(proposal.ValidFrom, now),
		ValidTo:              parseDatePtr(proposal.ValidTo),
		BaseImportance:       proposal.Importance,
		CurrentImportance:    proposal.Importance,
		LastDecayAt:          now,
		Embedding:            embedding,
		IsActive:             active,
		Supersedes:           supersedes,
		SourceConversationID: proposal.SourceConversationID,
	}
	if err := storage.InsertMemory(ctx, tx, m); err != nil {
		return InsertResult{}, err
	}

	// Step 4: deactivate superseded memories.
	if err := storage.DeactivateMemoriesTx(ctx, tx, supersedes); err != nil {
		return InsertResult{}, err
	}

	// Step 5: record every detected conflict, resolved or pending, now that
	// the new id exists. Auto-resolved conflicts land with their resolution
	// and resolved_at already set so the audit trail is complete.
	for _, r := range resolutions {
		c := model.Contradiction{
			ID:         uuid.New(),
			MemoryA:    memoryID,
			MemoryB:    r.conflict.ExistingMemory.ID,
			FieldPath:  r.conflict.FieldPath,
			Reason:     r.conflict.Reason,
			Resolution: r.resolution,
			DetectedAt: now,
		}
		if r.resolution != model.ResolutionPending {
			resolvedAt := now
			c.ResolvedAt = &resolvedAt
		}
		if err := storage.InsertContradictionTx(ctx, tx, c); err != nil {
			return InsertResult{}, err
		}
	}

	// Step 6: preference rows, superseding any prior active preference for
	// the same entity.
	for _, pref := range proposal.Preferences {
		newPref := model.Preference{
			ID:         uuid.New(),
			Subject:    "user",
			Entity:     pref.Entity,
			Valence:    pref.Valence,
			Strength:   pref.Strength,
			Context:    pref.Context,
			Confidence: confidence,
			MemoryID:   &memoryID,
			IsActive:   true,
			CreatedAt:  now,
		}
		existing, err := storage.FindActivePreferenceByEntityTx(ctx, tx, pref.Entity)
		if err != nil {
			return InsertResult{}, err
		}
		if err := storage.InsertPreferenceTx(ctx, tx, newPref); err != nil {
			return InsertResult{}, err
		}
		if existing != nil {
			if err := storage.SupersedePreferenceTx(ctx, tx, existing.ID, newPref.ID); err != nil {
				return InsertResult{}, err
			}
		}
	}

	// Step 7: entity resolution and membership union.
	links := make(map[string]string, len(proposal.EntityLinks))
	for _, l := range proposal.EntityLinks {
		links[strings.ToLower(l.Mention)] = l.Canonical
	}
	resolver := entityresolve.NewTx(tx)
	entities := 0
	for _, mention := range proposal.Entities {
		res, err := resolver.Resolve(ctx, mention, links[strings.ToLower(mention)])
		if err != nil {
			return InsertResult{}, err
		}
		if res.Entity == nil {
			continue
		}
		if res.Source == entityresolve.SourceNewEntity {
			if err := storage.CreateEntityTx(ctx, tx, *res.Entity); err != nil {
				return InsertResult{}, err
			}
		}
		if err := storage.UnionMemoryIDTx(ctx, tx, res.Entity.ID, memoryID); err != nil {
			return InsertResult{}, err
		}
		entities++
	}

	// Step 8: explicit related_to links from the proposal.
	for _, raw := range proposal.RelatedTo {
		targetID, err := uuid.Parse(raw)
		if err != nil {
			s.logger.Warn("memorystore: skipping malformed related_to id", "id", raw)
			continue
		}
		if err := retrieval.UpsertExplicitRelationTx(ctx, tx, memoryID, targetID); err != nil {
			return InsertResult{}, err
		}
	}

	// Step 9: relation auto-discovery by entity overlap.
	if active {
		if err := retrieval.DiscoverRelations(ctx, tx, s.db, m); err != nil {
			return InsertResult{}, err
		}
	}

	// Step 10: commit.
	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, fmt.Errorf("memorystore: commit: %w", err)
	}

	return InsertResult{
		MemoryID:         memoryID,
		Superseded:       supersedes,
		PendingConflicts: len(pending),
		Preferences:      len(proposal.Preferences),
		Entities:         entities,
	}, nil
}

func parseUUIDs(raw []string) []uuid.UUID {
	var out []uuid.UUID
	for _, r := range raw {
		if id, err := uuid.Parse(r); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func parseDate(raw *string, fallback time.Time) time.Time {
	if t := parseDatePtr(raw); t != nil {
		return *t
	}
	return fallback
}

func parseDatePtr(raw *string) *time.Time {
	if raw == nil || *raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, *raw); err == nil {
			return &t
		}
	}
	return nil
}
