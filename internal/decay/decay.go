// Package decay maintains per-memory importance: exponential decay over
// time, access-based reinforcement, the periodic sweep that rewrites every
// active memory's current_importance, and the archival policy that
// deactivates stale memories.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mnemo-ai/mnemo/internal/model"
	"github.com/mnemo-ai/mnemo/internal/storage"
	"github.com/mnemo-ai/mnemo/internal/telemetry"
)

// Params holds the decay/reinforcement tunables.
type Params struct {
	Lambda            float64       // per-day decay constant (DECAY_RATE).
	Beta              float64       // reinforcement bonus per recent access.
	Floor             float64       // importance never decays below this.
	ArchiveImportance float64       // deactivate below this importance...
	ArchiveMinAge     time.Duration // ...and older than this age.
}

// DefaultParams returns the standard production tunables.
func DefaultParams() Params {
	return Params{Lambda: 0.05, Beta: 0.3, Floor: 1.0, ArchiveImportance: 1.5, ArchiveMinAge: 90 * 24 * time.Hour}
}

// Update is the result of applying the single-memory decay formula.
type Update struct {
	NewImportance float64
	DecayFactor   float64
	Reinforcement float64
}

// Compute applies the decay formula to a single memory as of `now`:
//
//	days_decay = (now - last_decay_at) / 86400
//	days_access = last_accessed_at ? (now - last_accessed_at)/86400 : +inf
//	decayed = base_importance * exp(-lambda * days_decay)
//	reinforcement = days_access < 7 ? beta * min(access_count,10) * (1 - days_access/7) : 0
//	current = max(decayed + reinforcement, floor)
func Compute(p Params, m model.Memory, now time.Time) Update {
	daysDecay := now.Sub(m.LastDecayAt).Hours() / 24
	decayed := m.BaseImportance * math.Exp(-p.Lambda*daysDecay)

	var reinforcement float64
	if m.LastAccessedAt != nil {
		daysAccess := now.Sub(*m.LastAccessedAt).Hours() / 24
		if daysAccess < 7 {
			accessCount := m.AccessCount
			if accessCount > 10 {
				accessCount = 10
			}
			reinforcement = p.Beta * float64(accessCount) * (1 - daysAccess/7)
		}
	}

	current := decayed + reinforcement
	if current < p.Floor {
		current = p.Floor
	}
	return Update{NewImportance: current, DecayFactor: decayed, Reinforcement: reinforcement}
}

// Service runs the periodic decay sweep and the archival policy against storage.
type Service struct {
	db     *storage.DB
	params Params
	logger *slog.Logger

	// batchConcurrency bounds how many per-memory updates run concurrently
	// within a single sweep.
	batchConcurrency int
}

// New creates a decay Service.
func New(db *storage.DB, params Params, logger *slog.Logger) *Service {
	return &Service{db: db, params: params, logger: logger, batchConcurrency: 8}
}

// materialChangeThreshold is the minimum |old-new| importance delta that
// warrants a decay-log audit row; smaller drifts are still applied but not
// logged, keeping decay_log proportional to meaningful change.
const materialChangeThreshold = 0.01

var sweepDuration, _ = telemetry.Meter("mnemo/decay").Float64Histogram(
	"decay_sweep_duration", metric.WithUnit("ms"))

// RunSweep applies Compute to every active memory in one logical pass,
// running per-memory updates with bounded concurrency. Returns the number
// of memories updated.
func (s *Service) RunSweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		sweepDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	memories, err := s.db.ListMemories(ctx, true, 1_000_000)
	if err != nil {
		return 0, fmt.Errorf("decay: list active memories: %w", err)
	}

	now := time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)

	var updated atomic.Int64
	for _, m := range memories {
		m := m
		g.Go(func() error {
			if err := s.applyOne(gctx, m, now); err != nil {
				s.logger.Warn("decay: sweep failed for memory", "memory_id", m.ID, "error", err)
				return nil // one memory's failure doesn't abort the sweep.
			}
			updated.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(updated.Load()), fmt.Errorf("decay: sweep: %w", err)
	}
	return int(updated.Load()), nil
}

func (s *Service) applyOne(ctx context.Context, m model.Memory, now time.Time) error {
	upd := Compute(s.params, m, now)
	if err := s.db.UpdateImportance(ctx, m.ID, upd.NewImportance, now); err != nil {
		return err
	}
	if math.Abs(upd.NewImportance-m.CurrentImportance) < materialChangeThreshold {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decay: begin decay log tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	entry := model.DecayLogEntry{
		ID:            uuid.New(),
		MemoryID:      m.ID,
		OldImportance: m.CurrentImportance,
		NewImportance: upd.NewImportance,
		DecayFactor:   upd.DecayFactor,
		Reinforcement: upd.Reinforcement,
		RunAt:         now,
	}
	if err := storage.InsertDecayLogEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReinforceMemories increments access_count and last_accessed_at for the
// given ids. Called after every retrieval; counters only ever grow.
func (s *Service) ReinforceMemories(ctx context.Context, ids []uuid.UUID) error {
	return s.db.ReinforceMemories(ctx, ids)
}

// ArchiveStale deactivates active memories below the importance threshold
// and older than the minimum age. Audit trail is preserved: rows are
// deactivated, never deleted.
func (s *Service) ArchiveStale(ctx context.Context) (int64, error) {
	return s.db.ArchiveStaleMemories(ctx, s.params.ArchiveImportance, s.params.ArchiveMinAge)
}

// RunPeriodic runs RunSweep (and ArchiveStale) immediately and then every
// interval until ctx is cancelled. Callers run this in its own goroutine.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) {
	s.runOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	n, err := s.RunSweep(ctx)
	if err != nil {
		s.logger.Warn("decay: sweep run failed", "error", err)
	} else {
		s.logger.Info("decay: sweep complete", "updated", n)
	}
	archived, err := s.ArchiveStale(ctx)
	if err != nil {
		s.logger.Warn("decay: archive run failed", "error", err)
	} else if archived > 0 {
		s.logger.Info("decay: archived stale memories", "count", archived)
	}
}
