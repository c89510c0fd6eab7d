package storage

import (
	"context"
	"fmt"
)

// MemoryStats is the raw aggregate query result backing GET /stats.
type MemoryStats struct {
	TotalMemories         int
	ActiveMemories        int
	ByTier                map[string]int
	AvgImportance         float64
	TotalEntities         int
	ConfirmedEntities     int
	TotalPreferences      int
	TotalRelations        int
	PendingContradictions int
}

// GetMemoryStats computes aggregate counts across the memory store for the
// operator-facing stats surface.
func (db *DB) GetMemoryStats(ctx context.Context) (MemoryStats, error) {
	var s MemoryStats
	s.ByTier = make(map[string]int)

	row := db.pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE is_active), coalesce(avg(current_importance) FILTER (WHERE is_active), 0) FROM memories`)
	if err := row.Scan(&s.TotalMemories, &s.ActiveMemories, &s.AvgImportance); err != nil {
		return s, fmt.Errorf("storage: memory totals: %w", err)
	}

	rows, err := db.pool.Query(ctx, `SELECT tier, count(*) FROM memories WHERE is_active GROUP BY tier`)
	if err != nil {
		return s, fmt.Errorf("storage: memory tier counts: %w", err)
	}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			rows.Close()
			return s, fmt.Errorf("storage: scan tier count: %w", err)
		}
		s.ByTier[tier] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("storage: memory tier counts: %w", err)
	}

	entRow := db.pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE confirmed) FROM entities`)
	if err := entRow.Scan(&s.TotalEntities, &s.ConfirmedEntities); err != nil {
		return s, fmt.Errorf("storage: entity totals: %w", err)
	}

	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM preferences WHERE is_active`).Scan(&s.TotalPreferences); err != nil {
		return s, fmt.Errorf("storage: preference totals: %w", err)
	}

	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM relations`).Scan(&s.TotalRelations); err != nil {
		return s, fmt.Errorf("storage: relation totals: %w", err)
	}

	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM contradictions WHERE resolution = 'pending'`).Scan(&s.PendingContradictions); err != nil {
		return s, fmt.Errorf("storage: pending contradiction totals: %w", err)
	}

	return s, nil
}
