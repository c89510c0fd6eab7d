package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-ai/mnemo/internal/model"
)

const contradictionColumns = `
	id, memory_a, memory_b, field_path, reason, resolution, resolution_note, detected_at, resolved_at`

func scanContradiction(row pgx.Row) (model.Contradiction, error) {
	var c model.Contradiction
	var resolution string
	var note *string
	if err := row.Scan(
		&c.ID, &c.MemoryA, &c.MemoryB, &c.FieldPath, &c.Reason, &resolution, &note,
		&c.DetectedAt, &c.ResolvedAt,
	); err != nil {
		return model.Contradiction{}, err
	}
	c.Resolution = model.ResolutionKind(resolution)
	if note != nil {
		c.ResolutionNote = *note
	}
	return c, nil
}

// InsertContradictionTx records a detected conflict between two memories,
// within tx, so it lands atomically with the write that triggered it.
func InsertContradictionTx(ctx context.Context, tx pgx.Tx, c model.Contradiction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO contradictions (id, memory_a, memory_b, field_path, reason, resolution, resolution_note, detected_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.MemoryA, c.MemoryB, c.FieldPath, c.Reason, string(c.Resolution), nullIfEmpty(c.ResolutionNote),
		c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("storage: insert contradiction: %w", err)
	}
	return nil
}

// ListPendingContradictions returns unresolved contradictions for operator review.
func (db *DB) ListPendingContradictions(ctx context.Context, limit int) ([]model.Contradiction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contradictionColumns+` FROM contradictions WHERE resolution = 'pending' ORDER BY detected_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending contradictions: %w", err)
	}
	defer rows.Close()
	var out []model.Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetContradiction fetches a single contradiction by id.
func (db *DB) GetContradiction(ctx context.Context, id uuid.UUID) (model.Contradiction, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+contradictionColumns+` FROM contradictions WHERE id = $1`, id)
	c, err := scanContradiction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Contradiction{}, ErrNotFound
		}
		return model.Contradiction{}, fmt.Errorf("storage: get contradiction: %w", err)
	}
	return c, nil
}

// ResolveContradictionTx is ResolveContradiction within an in-flight
// transaction, so the resolution lands atomically with the supersession
// side effects it implies.
func ResolveContradictionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resolution model.ResolutionKind, note string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE contradictions
		SET resolution = $2, resolution_note = $3, resolved_at = now()
		WHERE id = $1`,
		id, string(resolution), nullIfEmpty(note))
	if err != nil {
		return fmt.Errorf("storage: resolve contradiction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveContradiction records an operator or rule-engine resolution
// decision for a previously pending contradiction.
func (db *DB) ResolveContradiction(ctx context.Context, id uuid.UUID, resolution model.ResolutionKind, note string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE contradictions
		SET resolution = $2, resolution_note = $3, resolved_at = now()
		WHERE id = $1`,
		id, string(resolution), nullIfEmpty(note))
	if err != nil {
		return fmt.Errorf("storage: resolve contradiction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
