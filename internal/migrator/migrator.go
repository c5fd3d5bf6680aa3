// Package migrator implements the Tier Migrator: the
// working→warm→cold→frozen state machine, explicit promote, and the
// crash-recovery sweep that rolls back rows stuck mid-transition.
package migrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/store"
)

var log = logging.GetLogger("migrator")

// Freezer is the subset of the Freeze/Unfreeze Engine the migrator needs for
// cold→frozen transitions. Defined here (rather than importing the freeze
// package directly) to keep the dependency direction freeze -> migrator-free.
type Freezer interface {
	Freeze(ctx context.Context, memoryID string) error
}

// Thresholds holds the recall-probability cutoffs for each transition.
type Thresholds struct {
	WorkingToWarm float64 // default 0.7
	WarmToCold    float64 // default 0.5
	ColdToFrozen  float64 // default 0.2
}

// Migrator runs the tier state machine.
type Migrator struct {
	store      *store.Store
	freezer    Freezer
	thresholds Thresholds
}

// New constructs a Migrator.
func New(s *store.Store, freezer Freezer, thresholds Thresholds) *Migrator {
	return &Migrator{store: s, freezer: freezer, thresholds: thresholds}
}

// nextTier returns the downgrade target for fromTier, or "" if fromTier is terminal.
func nextTier(fromTier string) string {
	switch fromTier {
	case "working":
		return "warm"
	case "warm":
		return "cold"
	case "cold":
		return "frozen"
	default:
		return ""
	}
}

// Migrate performs one tier transition for a single memory: marks the row
// migrating, writes a pending MigrationHistoryEntry, performs the
// transition, then completes or rolls back the history entry. The pending
// entry is completed in place so each transition leaves exactly one row.
//
// The per-row advisory lock is released before delegating a cold→frozen
// transition: the Freeze Engine takes the same lock itself, and the row's
// migrating status already fences off the sweep paths.
func (m *Migrator) Migrate(ctx context.Context, id, toTier, reason string, now time.Time) error {
	unlock := m.store.LockMemory(id)

	mem, err := m.store.GetMemory(ctx, id)
	if err != nil {
		unlock()
		return fmt.Errorf("migrate: load memory: %w", err)
	}
	if mem == nil {
		unlock()
		return fmt.Errorf("migrate: memory %s not found", id)
	}
	fromTier := mem.Tier
	if fromTier == toTier {
		unlock()
		return nil
	}
	// Frozen is terminal for the state machine: the only way back to the
	// working tier is the freeze engine's Unfreeze.
	if fromTier == "frozen" {
		unlock()
		return fmt.Errorf("migrate: memory %s is frozen; unfreeze restores it", id)
	}

	mem.Status = "migrating"
	if err := m.store.UpdateFields(ctx, mem); err != nil {
		unlock()
		return fmt.Errorf("migrate: mark migrating: %w", err)
	}

	history := &store.MigrationHistoryEntry{
		MemoryID:  id,
		FromTier:  fromTier,
		ToTier:    toTier,
		Reason:    reason,
		Success:   false,
		CreatedAt: now,
	}
	if err := m.store.InsertMigrationHistory(ctx, history); err != nil {
		mem.Status = "active"
		if rbErr := m.store.UpdateFields(ctx, mem); rbErr != nil {
			log.Error("migrate: rollback failed", "memory_id", id, "error", rbErr)
		}
		unlock()
		return fmt.Errorf("migrate: write pending history: %w", err)
	}

	start := time.Now()
	var transitionErr error
	if toTier == "frozen" {
		unlock()
		if m.freezer == nil {
			transitionErr = fmt.Errorf("no freezer configured")
		} else {
			transitionErr = m.freezer.Freeze(ctx, id)
		}
	} else {
		mem.Tier = toTier
		mem.Status = "active"
		transitionErr = m.store.UpdateFields(ctx, mem)
		unlock()
	}
	duration := time.Since(start).Milliseconds()

	if transitionErr != nil {
		m.rollback(ctx, id)
		if err := m.store.CompleteMigrationHistory(ctx, history.ID, false, transitionErr.Error(), duration); err != nil {
			log.Warn("migrate: failed to record failure history", "memory_id", id, "error", err)
		}
		return fmt.Errorf("migrate %s %s->%s: %w", id, fromTier, toTier, transitionErr)
	}

	if err := m.store.CompleteMigrationHistory(ctx, history.ID, true, "", duration); err != nil {
		log.Warn("migrate: failed to record success history", "memory_id", id, "error", err)
	}
	return nil
}

// rollback flips a row still stuck in status=migrating back to active. The
// tier is untouched: a failed transition never got as far as rewriting it.
func (m *Migrator) rollback(ctx context.Context, id string) {
	unlock := m.store.LockMemory(id)
	defer unlock()

	mem, err := m.store.GetMemory(ctx, id)
	if err != nil || mem == nil {
		log.Error("migrate: rollback reload failed", "memory_id", id, "error", err)
		return
	}
	if mem.Status != "migrating" {
		return
	}
	mem.Status = "active"
	if err := m.store.UpdateFields(ctx, mem); err != nil {
		log.Error("migrate: rollback failed", "memory_id", id, "error", err)
	}
}

// Promote explicitly moves a memory to the working tier on a direct query
// hit. Promotion does not check working-tier capacity, so it may push the
// working tier over capacity; sweeps only move rows whose recall
// probability is below the threshold and do not evict by count.
func (m *Migrator) Promote(ctx context.Context, id, reason string, now time.Time) error {
	return m.Migrate(ctx, id, "working", reason, now)
}

// SweepTier migrates every eligible candidate in fromTier down one tier,
// honoring the tie-break order MigrationCandidates already applies
// (consolidation_strength desc, last_accessed_at asc).
func (m *Migrator) SweepTier(ctx context.Context, fromTier string, threshold float64, limit int, now time.Time) (int, error) {
	toTier := nextTier(fromTier)
	if toTier == "" {
		return 0, fmt.Errorf("tier %q has no downgrade target", fromTier)
	}

	candidates, err := m.store.MigrationCandidates(ctx, fromTier, threshold, limit)
	if err != nil {
		return 0, fmt.Errorf("sweep tier %s: %w", fromTier, err)
	}

	migrated := 0
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return migrated, ctx.Err()
		default:
		}
		if err := m.Migrate(ctx, c.ID, toTier, "sweep: recall_probability below threshold", now); err != nil {
			log.Warn("sweep migration failed", "memory_id", c.ID, "error", err)
			continue
		}
		migrated++
	}
	return migrated, nil
}

// FullSweep runs all three downgrade sweeps in tier order. A single memory may cascade through multiple
// tiers in one sweep pass if it qualifies at each threshold.
func (m *Migrator) FullSweep(ctx context.Context, limit int, now time.Time) (int, error) {
	total := 0
	for _, step := range []struct {
		tier      string
		threshold float64
	}{
		{"working", m.thresholds.WorkingToWarm},
		{"warm", m.thresholds.WarmToCold},
		{"cold", m.thresholds.ColdToFrozen},
	} {
		n, err := m.SweepTier(ctx, step.tier, step.threshold, limit, now)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RecoverPending rolls back memories stuck in status=migrating from a crash
// mid-transition. Since Migrate only rewrites tier after a successful
// transition, a crash leaves tier at its pre-transition value: recovery
// only needs to flip status back to active.
func (m *Migrator) RecoverPending(ctx context.Context) (int, error) {
	pending, err := m.store.PendingMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover pending: %w", err)
	}
	recovered := 0
	for _, mem := range pending {
		unlock := m.store.LockMemory(mem.ID)
		mem.Status = "active"
		err := m.store.UpdateFields(ctx, mem)
		unlock()
		if err != nil {
			log.Error("recover pending: update failed", "memory_id", mem.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		log.Info("recovered pending migrations from crash", "count", recovered)
	}
	return recovered, nil
}
