package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// UpsertRelationTx inserts a relation, or max-merges the weight if one
// already exists for (source, target, relation_type).
func UpsertRelationTx(ctx context.Context, tx pgx.Tx, r model.Relation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO relations (source_id, target_id, relation_type, weight, bidirectional, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_id, target_id, relation_type)
		DO UPDATE SET weight = GREATEST(relations.weight, EXCLUDED.weight),
		              bidirectional = relations.bidirectional OR EXCLUDED.bidirectional`,
		r.SourceID, r.TargetID, r.RelationType, r.Weight, r.Bidirectional, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert relation: %w", err)
	}
	return nil
}

// GetOutgoingRelations returns relations with the given source, plus
// relations with the given target that are marked bidirectional: the
// traversal set spreading activation follows from a frontier memory.
func (db *DB) GetOutgoingRelations(ctx context.Context, memoryID uuid.UUID) ([]model.Relation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT source_id, target_id, relation_type, weight, bidirectional, created_at
		FROM relations
		WHERE source_id = $1 OR (target_id = $1 AND bidirectional = true)`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("storage: get outgoing relations: %w", err)
	}
	defer rows.Close()
	var out []model.Relation
	for rows.Next() {
		var r model.Relation
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelationType, &r.Weight, &r.Bidirectional, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRelationsForMemory returns relations visible for GET /memories/:id/relations.
func (db *DB) GetRelationsForMemory(ctx context.Context, memoryID uuid.UUID) ([]model.Relation, error) {
	return db.GetOutgoingRelations(ctx, memoryID)
}
