package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-ai/mnemo/internal/model"
)

const preferenceColumns = `
	id, subject, entity, valence, strength, context, confidence,
	memory_id, is_active, superseded_by, created_at`

func scanPreference(row pgx.Row) (model.Preference, error) {
	var p model.Preference
	var valence string
	var ctxVal *string
	if err := row.Scan(
		&p.ID, &p.Subject, &p.Entity, &valence, &p.Strength, &ctxVal, &p.Confidence,
		&p.MemoryID, &p.IsActive, &p.SupersededBy, &p.CreatedAt,
	); err != nil {
		return model.Preference{}, err
	}
	p.Valence = model.Valence(valence)
	if ctxVal != nil {
		p.Context = *ctxVal
	}
	return p, nil
}

// InsertPreferenceTx inserts a new preference row linked to the given
// memory, within tx.
func InsertPreferenceTx(ctx context.Context, tx pgx.Tx, p model.Preference) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO preferences (id, subject, entity, valence, strength, context, confidence, memory_id, is_active, superseded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.Subject, p.Entity, string(p.Valence), p.Strength, nullIfEmpty(p.Context), p.Confidence,
		p.MemoryID, p.IsActive, p.SupersededBy, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert preference: %w", err)
	}
	return nil
}

// SupersedePreferenceTx marks an existing preference inactive and points
// superseded_by at the new row, preserving content-immutability.
func SupersedePreferenceTx(ctx context.Context, tx pgx.Tx, oldID, newID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE preferences SET is_active = false, superseded_by = $1 WHERE id = $2`,
		newID, oldID)
	if err != nil {
		return fmt.Errorf("storage: supersede preference: %w", err)
	}
	return nil
}

// ListActivePreferences returns active preferences, optionally filtered by
// entity substring and/or valence, for GET /preferences.
func (db *DB) ListActivePreferences(ctx context.Context, entity string, valence model.Valence) ([]model.Preference, error) {
	q := `SELECT ` + preferenceColumns + ` FROM preferences WHERE is_active = true`
	args := []any{}
	n := 1
	if entity != "" {
		q += fmt.Sprintf(` AND entity ILIKE $%d`, n)
		args = append(args, "%"+entity+"%")
		n++
	}
	if valence != "" {
		q += fmt.Sprintf(` AND valence = $%d`, n)
		args = append(args, string(valence))
		n++
	}
	q += ` ORDER BY created_at DESC`
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list active preferences: %w", err)
	}
	defer rows.Close()
	var out []model.Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetUserPreferences returns all active preferences for the (single,
// non-multi-tenant) user, used when assembling the prompt context.
func (db *DB) GetUserPreferences(ctx context.Context) ([]model.Preference, error) {
	return db.ListActivePreferences(ctx, "", "")
}

// FindActivePreferenceByEntityTx is the transaction-scoped lookup the write
// pipeline uses so the supersession decision sees its own snapshot.
func FindActivePreferenceByEntityTx(ctx context.Context, tx pgx.Tx, entity string) (*model.Preference, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM preferences WHERE is_active = true AND lower(entity) = lower($1) LIMIT 1`,
		entity)
	p, err := scanPreference(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: find active preference: %w", err)
	}
	return &p, nil
}

// FindActivePreferenceByEntity looks up the current active preference for
// an entity (at most one, by construction) so a new proposal can supersede it.
func (db *DB) FindActivePreferenceByEntity(ctx context.Context, entity string) (*model.Preference, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM preferences WHERE is_active = true AND lower(entity) = lower($1) LIMIT 1`,
		entity)
	p, err := scanPreference(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: find active preference: %w", err)
	}
	return &p, nil
}
