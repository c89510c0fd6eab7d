package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-ai/mnemo/internal/model"
)

const entityColumns = `
	id, canonical_name, aliases, entity_type, confidence, confirmed, memory_ids, first_seen_at, last_seen_at`

func scanEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	var entityType string
	if err := row.Scan(
		&e.ID, &e.CanonicalName, &e.Aliases, &entityType, &e.Confidence, &e.Confirmed,
		&e.MemoryIDs, &e.FirstSeenAt, &e.LastSeenAt,
	); err != nil {
		return model.Entity{}, err
	}
	e.EntityType = model.EntityType(entityType)
	return e, nil
}

// FindEntityByCanonical looks up an entity by case-folded canonical name.
func (db *DB) FindEntityByCanonical(ctx context.Context, name string) (*model.Entity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE lower(canonical_name) = lower($1)`, name)
	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: find entity by canonical: %w", err)
	}
	return &e, nil
}

// FindEntityByAlias looks up an entity by case-folded alias.
func (db *DB) FindEntityByAlias(ctx context.Context, alias string) (*model.Entity, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+entityColumns+` FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("storage: find entity by alias: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		for _, a := range e.Aliases {
			if strings.EqualFold(a, alias) {
				return &e, nil
			}
		}
	}
	return nil, rows.Err()
}

// CreateEntityTx creates a new entity within tx.
func CreateEntityTx(ctx context.Context, tx pgx.Tx, e model.Entity) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO entities (id, canonical_name, aliases, entity_type, confidence, confirmed, memory_ids, first_seen_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.CanonicalName, e.Aliases, string(e.EntityType), e.Confidence, e.Confirmed,
		e.MemoryIDs, e.FirstSeenAt, e.LastSeenAt)
	if err != nil {
		return fmt.Errorf("storage: create entity: %w", err)
	}
	return nil
}

// UnionMemoryIDTx adds memoryID into an entity's memory_ids set (no-op if
// already present) and bumps last_seen_at, within tx.
func UnionMemoryIDTx(ctx context.Context, tx pgx.Tx, entityID, memoryID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE entities
		SET memory_ids = CASE WHEN $2 = ANY(memory_ids) THEN memory_ids ELSE memory_ids || $2 END,
		    last_seen_at = now()
		WHERE id = $1`, entityID, memoryID)
	if err != nil {
		return fmt.Errorf("storage: union memory id: %w", err)
	}
	return nil
}

// MergeEntitiesTx unions sourceID's aliases (plus its canonical name) and
// memory_ids into targetID, then deletes sourceID, both within tx so the
// merge is atomic.
func MergeEntitiesTx(ctx context.Context, tx pgx.Tx, sourceID, targetID uuid.UUID) error {
	var sourceCanonical string
	var sourceMemoryIDs []uuid.UUID
	var sourceAliasNames []string
	row := tx.QueryRow(ctx, `SELECT canonical_name, aliases, memory_ids FROM entities WHERE id = $1`, sourceID)
	if err := row.Scan(&sourceCanonical, &sourceAliasNames, &sourceMemoryIDs); err != nil {
		return fmt.Errorf("storage: merge entities: read source: %w", err)
	}

	_, err := tx.Exec(ctx, `
		UPDATE entities
		SET aliases = (SELECT array_agg(DISTINCT a) FROM unnest(aliases || $2 || $3::text[]) AS a),
		    memory_ids = (SELECT array_agg(DISTINCT m) FROM unnest(memory_ids || $4::uuid[]) AS m),
		    last_seen_at = now()
		WHERE id = $1`,
		targetID, sourceAliasNames, []string{sourceCanonical}, sourceMemoryIDs)
	if err != nil {
		return fmt.Errorf("storage: merge entities: update target: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, sourceID); err != nil {
		return fmt.Errorf("storage: merge entities: delete source: %w", err)
	}
	return nil
}

// ListEntities returns up to limit entities, newest-seen first.
func (db *DB) ListEntities(ctx context.Context, limit int) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY last_seen_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntity fetches a single entity by id.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// ConfirmEntity marks an entity as operator-confirmed (POST /entities/:id/confirm).
func (db *DB) ConfirmEntity(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `UPDATE entities SET confirmed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: confirm entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
