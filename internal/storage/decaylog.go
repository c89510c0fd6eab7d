package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemo-ai/mnemo/internal/model"
)

// InsertDecayLogEntryTx appends a decay-run audit record within tx, so it
// commits atomically with the importance update it describes.
func InsertDecayLogEntryTx(ctx context.Context, tx pgx.Tx, e model.DecayLogEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO decay_log (id, memory_id, old_importance, new_importance, decay_factor, reinforcement, run_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.MemoryID, e.OldImportance, e.NewImportance, e.DecayFactor, e.Reinforcement, e.RunAt)
	if err != nil {
		return fmt.Errorf("storage: insert decay log entry: %w", err)
	}
	return nil
}

// ListDecayLog returns the most recent decay-run entries for a memory,
// newest first.
func (db *DB) ListDecayLog(ctx context.Context, memoryID uuid.UUID, limit int) ([]model.DecayLogEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, memory_id, old_importance, new_importance, decay_factor, reinforcement, run_at
		FROM decay_log WHERE memory_id = $1 ORDER BY run_at DESC LIMIT $2`, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list decay log: %w", err)
	}
	defer rows.Close()
	var out []model.DecayLogEntry
	for rows.Next() {
		var e model.DecayLogEntry
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.OldImportance, &e.NewImportance, &e.DecayFactor, &e.Reinforcement, &e.RunAt); err != nil {
			return nil, fmt.Errorf("storage: scan decay log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
