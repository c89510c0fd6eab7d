package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// Begin starts a new transaction against the pool. Callers (notably
// internal/memorystore) own Commit/Rollback.
func (db *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	return db.pool.Begin(ctx)
}

func structuredFactsToJSON(facts []model.StructuredFact) ([]byte, error) {
	if facts == nil {
		facts = []model.StructuredFact{}
	}
	return json.Marshal(facts)
}

func structuredFactsFromJSON(raw []byte) ([]model.StructuredFact, error) {
	var facts []model.StructuredFact
	if len(raw) == 0 {
		return facts, nil
	}
	if err := json.Unmarshal(raw, &facts); err != nil {
		return nil, fmt.Errorf("storage: decode structured_facts: %w", err)
	}
	return facts, nil
}

// InsertMemory inserts a new memory row within tx, honoring the
// caller-supplied ID (the write pipeline assigns it up front so it can be
// referenced by preferences/entities/relations inserted in the same
// transaction).
func InsertMemory(ctx context.Context, tx pgx.Tx, m model.Memory) error {
	sf, err := structuredFactsToJSON(m.StructuredFacts)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO memories (
			id, created_at, summary, entities, facts, structured_facts,
			tier, confidence, valid_from, valid_to,
			base_importance, current_importance, last_decay_at,
			access_count, last_accessed_at, embedding,
			is_active, supersedes, source_conversation_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		m.ID, m.CreatedAt, m.Summary, strsOrEmpty(m.Entities), strsOrEmpty(m.Facts), sf,
		string(m.Tier), m.Confidence, m.ValidFrom, m.ValidTo,
		m.BaseImportance, m.CurrentImportance, m.LastDecayAt,
		m.AccessCount, m.LastAccessedAt, m.Embedding,
		m.IsActive, uuidsOrEmpty(m.Supersedes), nullIfEmpty(m.SourceConversationID),
	)
	if err != nil {
		return fmt.Errorf("storage: insert memory: %w", err)
	}
	return nil
}

func strsOrEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func uuidsOrEmpty(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const memoryColumns = `
	id, created_at, summary, entities, facts, structured_facts,
	tier, confidence, valid_from, valid_to,
	base_importance, current_importance, last_decay_at,
	access_count, last_accessed_at, embedding,
	is_active, supersedes, source_conversation_id`

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	var tier string
	var sf []byte
	var sourceConvID *string
	var embedding *pgvector.Vector
	if err := row.Scan(
		&m.ID, &m.CreatedAt, &m.Summary, &m.Entities, &m.Facts, &sf,
		&tier, &m.Confidence, &m.ValidFrom, &m.ValidTo,
		&m.BaseImportance, &m.CurrentImportance, &m.LastDecayAt,
		&m.AccessCount, &m.LastAccessedAt, &embedding,
		&m.IsActive, &m.Supersedes, &sourceConvID,
	); err != nil {
		return model.Memory{}, err
	}
	m.Tier = model.Tier(tier)
	facts, err := structuredFactsFromJSON(sf)
	if err != nil {
		return model.Memory{}, err
	}
	m.StructuredFacts = facts
	if sourceConvID != nil {
		m.SourceConversationID = *sourceConvID
	}
	if embedding != nil {
		m.Embedding = *embedding
	}
	return m, nil
}

// GetMemory fetches a single memory by id, active or not.
func (db *DB) GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// GetMemoriesByIDs fetches a batch of memories, preserving no particular order.
func (db *DB) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Memory, error) {
	out := make(map[uuid.UUID]model.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories by ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// ListMemories returns memories filtered by active state, newest first.
func (db *DB) ListMemories(ctx context.Context, activeOnly bool, limit int) ([]model.Memory, error) {
	q := `SELECT ` + memoryColumns + ` FROM memories`
	args := []any{}
	if activeOnly {
		q += ` WHERE is_active = true`
	}
	q += ` ORDER BY created_at DESC LIMIT $1`
	args = append(args, limit)
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMemoriesByTier returns active memories of a given tier.
func (db *DB) ListMemoriesByTier(ctx context.Context, tier model.Tier, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE is_active = true AND tier = $1 ORDER BY created_at DESC LIMIT $2`,
		string(tier), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories by tier: %w", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HybridCandidate is a memory plus the raw components of its base score,
// so the retrieval package can combine and re-rank without a second round
// trip.
type HybridCandidate struct {
	Memory   model.Memory
	Cosine   float64
	TextRank float64
}

// HybridCandidates runs the vector-similarity + full-text candidate query
// and returns the top `limit` active memories by embedding distance. The
// caller applies the 0.6/0.2/0.2 weighting and importance normalization
// (kept in internal/retrieval so the formula lives with its siblings).
func (db *DB) HybridCandidates(ctx context.Context, queryEmbedding pgvector.Vector, queryText string, limit int) ([]HybridCandidate, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+memoryColumns+`,
			1 - (embedding <=> $1) AS cosine,
			ts_rank(search_vector, plainto_tsquery('english', $2)) AS text_rank
		FROM memories
		WHERE is_active = true
		ORDER BY embedding <=> $1
		LIMIT $3`,
		queryEmbedding, queryText, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: hybrid candidates: %w", err)
	}
	defer rows.Close()

	var out []HybridCandidate
	for rows.Next() {
		c, err := scanHybridCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanHybridCandidate(row pgx.Row) (HybridCandidate, error) {
	var m model.Memory
	var tier string
	var sf []byte
	var sourceConvID *string
	var embedding *pgvector.Vector
	var cosine, textRank float64
	if err := row.Scan(
		&m.ID, &m.CreatedAt, &m.Summary, &m.Entities, &m.Facts, &sf,
		&tier, &m.Confidence, &m.ValidFrom, &m.ValidTo,
		&m.BaseImportance, &m.CurrentImportance, &m.LastDecayAt,
		&m.AccessCount, &m.LastAccessedAt, &embedding,
		&m.IsActive, &m.Supersedes, &sourceConvID,
		&cosine, &textRank,
	); err != nil {
		return HybridCandidate{}, fmt.Errorf("storage: scan hybrid candidate: %w", err)
	}
	m.Tier = model.Tier(tier)
	facts, err := structuredFactsFromJSON(sf)
	if err != nil {
		return HybridCandidate{}, err
	}
	m.StructuredFacts = facts
	if sourceConvID != nil {
		m.SourceConversationID = *sourceConvID
	}
	if embedding != nil {
		m.Embedding = *embedding
	}
	return HybridCandidate{Memory: m, Cosine: cosine, TextRank: textRank}, nil
}

// HybridCandidatesByIDs scores a fixed candidate set (ids supplied by an
// external vector index) with the same cosine + ts_rank computation as
// HybridCandidates, so the ranking formula stays identical whichever index
// found the candidates.
func (db *DB) HybridCandidatesByIDs(ctx context.Context, ids []uuid.UUID, queryEmbedding pgvector.Vector, queryText string) ([]HybridCandidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT `+memoryColumns+`,
			1 - (embedding <=> $1) AS cosine,
			ts_rank(search_vector, plainto_tsquery('english', $2)) AS text_rank
		FROM memories
		WHERE is_active = true AND id = ANY($3)`,
		queryEmbedding, queryText, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: hybrid candidates by ids: %w", err)
	}
	defer rows.Close()

	var out []HybridCandidate
	for rows.Next() {
		c, err := scanHybridCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindSimilarActiveMemories returns up to `limit` active memories whose
// embedding cosine similarity to the query exceeds threshold, for the
// semantic-conflict scan.
func (db *DB) FindSimilarActiveMemories(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE is_active = true AND 1 - (embedding <=> $1) > $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		embedding, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar active memories: %w", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindRecentNameMemories returns the most recent active memories whose
// summary looks like it asserts an identity ("name is", "i am",
// "introduces"), for the identity guard.
func (db *DB) FindRecentNameMemories(ctx context.Context, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE is_active = true
		  AND (summary ILIKE '%name is%' OR summary ILIKE '%i am%' OR summary ILIKE '%introduces%')
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: find recent name memories: %w", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindActiveByEntityOverlap returns up to `limit` other active memories
// that share at least one entity with the given memory, for relation
// auto-discovery's overlap computation.
func (db *DB) FindActiveByEntityOverlap(ctx context.Context, memoryID uuid.UUID, entities []string, limit int) ([]model.Memory, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE is_active = true AND id != $1 AND entities && $2
		ORDER BY created_at DESC
		LIMIT $3`, memoryID, entities, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: find active by entity overlap: %w", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeactivateMemoriesTx marks the given memories inactive within tx
// (monotonic: the column is never flipped back to true).
func DeactivateMemoriesTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE memories SET is_active = false WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("storage: deactivate memories: %w", err)
	}
	return nil
}

// ReinforceMemories increments access_count and sets last_accessed_at=now
// atomically over the id list. Access counters only ever grow.
func (db *DB) ReinforceMemories(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = now()
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("storage: reinforce memories: %w", err)
	}
	return nil
}

// UpdateImportance rewrites current_importance and last_decay_at for a
// single memory as part of the decay sweep.
func (db *DB) UpdateImportance(ctx context.Context, id uuid.UUID, newImportance float64, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE memories SET current_importance = $1, last_decay_at = $2 WHERE id = $3`,
		newImportance, at, id)
	if err != nil {
		return fmt.Errorf("storage: update importance: %w", err)
	}
	return nil
}

// ArchiveStaleMemories deactivates active memories below the importance
// floor threshold and older than minAge.
func (db *DB) ArchiveStaleMemories(ctx context.Context, importanceThreshold float64, minAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	tag, err := db.pool.Exec(ctx, `
		UPDATE memories SET is_active = false
		WHERE is_active = true AND current_importance < $1 AND created_at < $2`,
		importanceThreshold, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: archive stale memories: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ConnAcquire is exposed for callers that want to pin a
// single connection across a batch of statements without a full transaction.
func (db *DB) ConnAcquire(ctx context.Context) (*pgxpool.Conn, error) {
	return db.pool.Acquire(ctx)
}
