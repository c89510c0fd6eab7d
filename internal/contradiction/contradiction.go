// Package contradiction detects conflicts between a new memory proposal
// and what is already stored: an identity-guard pass and a semantic pass
// prior to insert, plus the ordered resolution-strategy dispatch used by
// the write pipeline and the manual resolution endpoint.
package contradiction

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/storage"
	"github.com/mnemo-ai/mnemo/internal/tiering"
)

// Embedder is the narrow embedding contract the semantic pass needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Params holds the detector's tunables.
type Params struct {
	SimilarityThreshold    float64 // semantic-pass candidate gate (cosine > threshold).
	ContradictionThreshold float64 // potential_update summary-similarity gate.
}

// DefaultParams returns the standard production tunables.
func DefaultParams() Params {
	return Params{SimilarityThreshold: 0.75, ContradictionThreshold: 0.85}
}

// Detector runs both detection passes.
type Detector struct {
	db       *storage.DB
	embedder Embedder
	params   Params
}

// New creates a Detector.
func New(db *storage.DB, embedder Embedder, params Params) *Detector {
	return &Detector{db: db, embedder: embedder, params: params}
}

var nameStopwords = map[string]bool{
	"user": true, "asking": true, "the": true, "a": true, "an": true, "here": true, "there": true,
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)user'?s name is ([A-Z][a-zA-Z]*)`),
	regexp.MustCompile(`(?i)my name is ([A-Z][a-zA-Z]*)`),
	regexp.MustCompile(`(?i)\bi am ([A-Z][a-zA-Z]*)`),
	regexp.MustCompile(`(?i)call me ([A-Z][a-zA-Z]*)`),
	regexp.MustCompile(`(?i)([A-Z][a-zA-Z]*) introduces`),
}

// extractName pulls a candidate user name out of text using the ordered
// identity regexes, rejecting stopword hits.
func extractName(text string) string {
	for _, pat := range namePatterns {
		m := pat.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		name := m[1]
		if nameStopwords[strings.ToLower(name)] {
			continue
		}
		return name
	}
	return ""
}

const identityGuardLookback = 5

// detectIdentityConflict is the identity guard: extract a name from the
// proposal, scan recent name-bearing memories, flag a conflict if they
// disagree.
func (d *Detector) detectIdentityConflict(ctx context.Context, proposal model.MemoryProposal) (*model.Conflict, error) {
	newName := extractName(proposal.Summary)
	if newName == "" {
		for _, f := range proposal.Facts {
			if newName = extractName(f); newName != "" {
				break
			}
		}
	}
	if newName == "" {
		return nil, nil
	}

	recent, err := d.db.FindRecentNameMemories(ctx, identityGuardLookback)
	if err != nil {
		return nil, fmt.Errorf("contradiction: identity lookup: %w", err)
	}
	for _, existing := range recent {
		existingName := extractName(existing.Summary)
		if existingName == "" {
			for _, f := range existing.Facts {
				if existingName = extractName(f); existingName != "" {
					break
				}
			}
		}
		if existingName == "" || strings.EqualFold(existingName, newName) {
			continue
		}
		return &model.Conflict{
			Kind:            model.ConflictIdentity,
			ExistingMemory:  existing,
			FieldPath:       "summary",
			Reason:          fmt.Sprintf("existing name %q conflicts with new name %q", existingName, newName),
			Similarity:      0.95,
			SuggestedAction: model.ResolutionASupersedes,
		}, nil
	}
	return nil, nil
}

const semanticCandidateLimit = 10

// detectSemanticConflicts embeds the proposal summary, finds active
// memories above the similarity threshold, and flags fact_conflict /
// potential_update pairs.
func (d *Detector) detectSemanticConflicts(ctx context.Context, proposal model.MemoryProposal) ([]model.Conflict, error) {
	if proposal.Summary == "" {
		return nil, nil
	}
	embedding, err := d.embedder.Embed(ctx, proposal.Summary)
	if err != nil {
		return nil, fmt.Errorf("contradiction: embed proposal summary: %w", err)
	}
	candidates, err := d.db.FindSimilarActiveMemories(ctx, embedding, d.params.SimilarityThreshold, semanticCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("contradiction: semantic lookup: %w", err)
	}

	var conflicts []model.Conflict
	for _, existing := range candidates {
		similarity := cosineSimilarity(embedding, existing.Embedding)

		if fc := factConflict(proposal, existing); fc != nil {
			fc.Similarity = similarity
			conflicts = append(conflicts, *fc)
			continue
		}

		if similarity > d.params.ContradictionThreshold &&
			entitiesOverlap(proposal.Entities, existing.Entities) &&
			existing.Summary != proposal.Summary {
			conflicts = append(conflicts, model.Conflict{
				Kind:            model.ConflictPotentialUpdate,
				ExistingMemory:  existing,
				FieldPath:       "summary",
				Reason:          "overlapping entities and high summary similarity with differing summaries",
				Similarity:      similarity,
				SuggestedAction: model.ResolutionPending,
			})
		}
	}
	return conflicts, nil
}

func factConflict(proposal model.MemoryProposal, existing model.Memory) *model.Conflict {
	for _, nf := range proposal.StructuredFacts {
		for _, ef := range existing.StructuredFacts {
			if strings.EqualFold(nf.Subject, ef.Subject) &&
				strings.EqualFold(nf.Predicate, ef.Predicate) &&
				!strings.EqualFold(nf.Object, ef.Object) {
				return &model.Conflict{
					Kind:           model.ConflictFact,
					ExistingMemory: existing,
					FieldPath:      nf.Subject + "." + nf.Predicate,
					Reason:         fmt.Sprintf("conflicting object %q vs %q for %s.%s", nf.Object, ef.Object, nf.Subject, nf.Predicate),
				}
			}
		}
	}
	return nil
}

func entitiesOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = true
	}
	for _, s := range b {
		if set[strings.ToLower(s)] {
			return true
		}
	}
	return false
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

// Detect runs the identity and semantic passes and returns every detected
// conflict.
func (d *Detector) Detect(ctx context.Context, proposal model.MemoryProposal) ([]model.Conflict, error) {
	var conflicts []model.Conflict

	identity, err := d.detectIdentityConflict(ctx, proposal)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		conflicts = append(conflicts, *identity)
	}

	semantic, err := d.detectSemanticConflicts(ctx, proposal)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, semantic...)

	return conflicts, nil
}

// Resolve applies the ordered resolution-selection rules to a single
// conflict, given the new memory's tier/confidence and structured facts.
// Returns the resolution action to apply.
func Resolve(conflict model.Conflict, newTier model.Tier, newConfidence float64, newFacts []model.StructuredFact) model.ResolutionKind {
	if conflict.SuggestedAction != "" && conflict.Kind == model.ConflictIdentity {
		return conflict.SuggestedAction
	}

	// Rule 1: Temporal — new current vs existing past.
	for _, nf := range newFacts {
		if nf.Temporal != model.TemporalCurrent {
			continue
		}
		for _, ef := range conflict.ExistingMemory.StructuredFacts {
			if strings.EqualFold(nf.Subject, ef.Subject) && strings.EqualFold(nf.Predicate, ef.Predicate) && ef.Temporal == model.TemporalPast {
				return model.ResolutionASupersedes
			}
		}
	}

	// Rule 2: Tier hierarchy.
	newPriority := tiering.Priority(newTier)
	existingPriority := tiering.Priority(conflict.ExistingMemory.Tier)
	if newPriority != existingPriority {
		if newPriority > existingPriority {
			return model.ResolutionASupersedes
		}
		return model.ResolutionBSupersedes
	}

	// Rule 3: Confidence gap.
	delta := newConfidence - conflict.ExistingMemory.Confidence
	if delta > 0.2 {
		return model.ResolutionASupersedes
	}
	if delta < -0.2 {
		return model.ResolutionBSupersedes
	}

	// Rule 4: Default.
	return model.ResolutionPending
}

// ManualResolve applies an operator-driven resolution to a pending
// contradiction: stamps resolved_at and, for a_supersedes/b_supersedes,
// deactivates the losing side and appends it to the winner's supersedes,
// all within one transaction.
func ManualResolve(ctx context.Context, db *storage.DB, contradictionID uuid.UUID, resolution model.ResolutionKind, note string) error {
	c, err := db.GetContradiction(ctx, contradictionID)
	if err != nil {
		return err
	}
	if c.Resolution != model.ResolutionPending {
		return fmt.Errorf("contradiction: %s already resolved (%s)", contradictionID, c.Resolution)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contradiction: begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	switch resolution {
	case model.ResolutionASupersedes:
		if err := applySupersession(ctx, tx, c.MemoryA, c.MemoryB); err != nil {
			return err
		}
	case model.ResolutionBSupersedes:
		if err := applySupersession(ctx, tx, c.MemoryB, c.MemoryA); err != nil {
			return err
		}
	}

	if err := storage.ResolveContradictionTx(ctx, tx, contradictionID, resolution, note); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func applySupersession(ctx context.Context, tx pgx.Tx, winnerID, loserID uuid.UUID) error {
	if err := storage.DeactivateMemoriesTx(ctx, tx, []uuid.UUID{loserID}); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`UPDATE memories SET supersedes = array_append(supersedes, $1) WHERE id = $2 AND NOT $1 = ANY(supersedes)`,
		loserID, winnerID)
	if err != nil {
		return fmt.Errorf("contradiction: append supersedes: %w", err)
	}
	return nil
}
