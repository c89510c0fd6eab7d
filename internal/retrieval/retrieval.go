// Package retrieval finds the memories most relevant to a query: hybrid
// vector/text/importance scoring over candidates, followed by bounded
// spreading activation through memory relations, plus the relation
// auto-discovery heuristic run after every write.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/storage"
	"github.com/mnemo-ai/mnemo/internal/telemetry"
)

// Embedder is the narrow embedding contract the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Params holds the retrieval tunables.
type Params struct {
	K             int
	Depth         int
	SpreadDecay   float64
	MinSimilarity float64 // candidates below this cosine never seed the frontier
}

// DefaultParams returns the standard production tunables.
func DefaultParams() Params {
	return Params{K: 5, Depth: 2, SpreadDecay: 0.5, MinSimilarity: 0.3}
}

// Result is a single retrieved memory with its combined score and the
// activation sources that contributed to it.
type Result struct {
	Memory            model.Memory
	CombinedScore     float64
	ActivationSources []string
}

// Retriever runs retrieval against storage.
type Retriever struct {
	db       *storage.DB
	embedder Embedder
	index    *QdrantIndex // optional external vector index
	logger   *slog.Logger
}

// New creates a Retriever.
func New(db *storage.DB, embedder Embedder, logger *slog.Logger) *Retriever {
	return &Retriever{db: db, embedder: embedder, logger: logger}
}

// WithIndex attaches an optional external vector index used for candidate
// finding when healthy; the in-Postgres scan remains the fallback.
func (r *Retriever) WithIndex(index *QdrantIndex) *Retriever {
	r.index = index
	return r
}

// hybridOverfetch over-fetches candidates (top 2k for a final top k) so
// spreading activation and re-ranking have room to reorder.
const hybridOverfetch = 2

var retrievalDuration, _ = telemetry.Meter("mnemo/retrieval").Float64Histogram(
	"retrieval_duration", metric.WithUnit("ms"))

// Retrieve runs hybrid candidate scoring, bounded spreading activation
// through relations, then selects the top k by final score. Output
// contains only active memories; order is deterministic given identical
// data.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, params Params) ([]Result, error) {
	start := time.Now()
	defer func() {
		retrievalDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	q, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	candidates, err := r.findCandidates(ctx, q, queryText, params.K*hybridOverfetch)
	if err != nil {
		return nil, fmt.Errorf("retrieval: hybrid candidates: %w", err)
	}

	scores := make(map[uuid.UUID]float64, len(candidates))
	sources := make(map[uuid.UUID][]string)
	memories := make(map[uuid.UUID]model.Memory, len(candidates))
	frontier := make([]uuid.UUID, 0, len(candidates))

	for _, c := range candidates {
		if c.Cosine < params.MinSimilarity {
			continue
		}
		base := 0.6*c.Cosine + 0.2*c.TextRank + 0.2*(c.Memory.CurrentImportance/10)
		scores[c.Memory.ID] = base
		memories[c.Memory.ID] = c.Memory
		frontier = append(frontier, c.Memory.ID)
	}

	if err := r.spreadActivation(ctx, q, frontier, params.Depth, params.SpreadDecay, scores, sources, memories); err != nil {
		return nil, fmt.Errorf("retrieval: spreading activation: %w", err)
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		m, ok := memories[id]
		if !ok || !m.IsActive {
			continue
		}
		results = append(results, Result{Memory: m, CombinedScore: score, ActivationSources: sources[id]})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		// Deterministic tie-break on id given identical scores.
		return results[i].Memory.ID.String() < results[j].Memory.ID.String()
	})

	if len(results) > params.K {
		results = results[:params.K]
	}
	return results, nil
}

// findCandidates finds scoring candidates through the external vector
// index when one is configured and healthy, otherwise the in-Postgres
// HNSW scan. Either way the cosine/ts_rank scoring comes from Postgres so
// the ranking formula is identical.
func (r *Retriever) findCandidates(ctx context.Context, q pgvector.Vector, queryText string, limit int) ([]storage.HybridCandidate, error) {
	if r.index != nil && r.index.Healthy(ctx) == nil {
		hits, err := r.index.Search(ctx, q.Slice(), limit)
		if err == nil {
			ids := make([]uuid.UUID, len(hits))
			for i, h := range hits {
				ids[i] = h.MemoryID
			}
			return r.db.HybridCandidatesByIDs(ctx, ids, q, queryText)
		}
		r.logger.Warn("retrieval: index search failed, falling back to postgres", "error", err)
	}
	return r.db.HybridCandidates(ctx, q, queryText, limit)
}

// spreadActivation walks outgoing (and bidirectional incoming) relations
// from the frontier up to depth levels, squaring spreadDecay at each
// level so influence attenuates geometrically. A memory reached by
// multiple paths accumulates spread from each.
func (r *Retriever) spreadActivation(
	ctx context.Context,
	q pgvector.Vector,
	frontier []uuid.UUID,
	depth int,
	spreadDecay float64,
	scores map[uuid.UUID]float64,
	sources map[uuid.UUID][]string,
	memories map[uuid.UUID]model.Memory,
) error {
	visited := make(map[uuid.UUID]bool, len(frontier))
	for _, id := range frontier {
		visited[id] = true
	}

	current := frontier
	decay := spreadDecay
	for level := 0; level < depth && len(current) > 0; level++ {
		// Targets first reached at this level. Promotion into visited
		// happens only after the whole level is walked, so a memory reached
		// by several same-level paths accumulates spread from each.
		reached := make(map[uuid.UUID]bool)
		var next []uuid.UUID
		for _, id := range current {
			relations, err := r.db.GetOutgoingRelations(ctx, id)
			if err != nil {
				return err
			}
			for _, rel := range relations {
				targetID := rel.TargetID
				if targetID == id {
					targetID = rel.SourceID
				}
				if visited[targetID] {
					continue
				}
				target, ok := memories[targetID]
				if !ok {
					m, err := r.db.GetMemory(ctx, targetID)
					if err != nil {
						if err == storage.ErrNotFound {
							continue
						}
						return err
					}
					target = m
					memories[targetID] = m
				}
				if !target.IsActive {
					continue
				}
				cosine := cosineSimilarity(q, target.Embedding)
				spread := cosine * rel.Weight * decay
				scores[targetID] += spread
				sources[targetID] = append(sources[targetID], "spread_"+rel.RelationType)
				if !reached[targetID] {
					reached[targetID] = true
					next = append(next, targetID)
				}
			}
		}
		for id := range reached {
			visited[id] = true
		}
		current = next
		decay *= decay
	}
	return nil
}

func cosineSimilarity(a, b pgvector.Vector) float64 {
	av, bv := a.Slice(), b.Slice()
	if len(av) != len(bv) || len(av) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range av {
		da, db := float64(av[i]), float64(bv[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Relation auto-discovery gates: memories sharing at least one entity,
// with entity overlap of at least 0.3.
const (
	overlapCandidateLimit  = 10
	overlapThreshold       = 0.3
	explicitRelationWeight = 0.8
)

// DiscoverRelations implements the post-insert relation auto-discovery
// heuristic: computes Jaccard-like entity overlap between the new memory
// and up to 10 other active memories sharing any entity, and upserts a
// bidirectional related_to relation wherever the overlap clears the
// threshold.
func DiscoverRelations(ctx context.Context, tx pgx.Tx, db *storage.DB, m model.Memory) error {
	if len(m.Entities) == 0 {
		return nil
	}
	candidates, err := db.FindActiveByEntityOverlap(ctx, m.ID, m.Entities, overlapCandidateLimit)
	if err != nil {
		return fmt.Errorf("retrieval: find entity-overlap candidates: %w", err)
	}
	for _, other := range candidates {
		overlap := jaccardOverlap(m.Entities, other.Entities)
		if overlap < overlapThreshold {
			continue
		}
		rel := model.Relation{
			SourceID:      m.ID,
			TargetID:      other.ID,
			RelationType:  "related_to",
			Weight:        overlap,
			Bidirectional: true,
		}
		if err := storage.UpsertRelationTx(ctx, tx, rel); err != nil {
			return err
		}
	}
	return nil
}

func jaccardOverlap(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[s] = true
	}
	var intersection int
	for s := range setA {
		if setB[s] {
			intersection++
		}
	}
	maxLen := len(setA)
	if len(setB) > maxLen {
		maxLen = len(setB)
	}
	if maxLen == 0 {
		return 0
	}
	return float64(intersection) / float64(maxLen)
}

// UpsertExplicitRelationTx links an explicit related_to id from the
// proposal with weight 0.8.
func UpsertExplicitRelationTx(ctx context.Context, tx pgx.Tx, sourceID, targetID uuid.UUID) error {
	rel := model.Relation{
		SourceID:      sourceID,
		TargetID:      targetID,
		RelationType:  "related_to",
		Weight:        explicitRelationWeight,
		Bidirectional: true,
	}
	return storage.UpsertRelationTx(ctx, tx, rel)
}
