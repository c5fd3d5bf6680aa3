package engine

import (
	"context"
	"time"

	"github.com/mycelial/hiveware/internal/scheduler"
)

const testEffectScanInterval = 10 * time.Minute

// backgroundTasks builds the periodic passes the scheduler runs for the
// lifetime of the engine.
func (e *Engine) backgroundTasks() []scheduler.Task {
	sweepInterval := e.cfg.Migration.SweepInterval
	consolidationInterval := e.cfg.Scheduler.ConsolidationSweep

	return []scheduler.Task{
		{
			Name:     "consolidation-sweep",
			Interval: consolidationInterval,
			Run: func(ctx context.Context, now time.Time) error {
				since := now.Add(-consolidationInterval * 2)
				_, err := e.Consolidator.Sweep(ctx, since, now)
				return err
			},
		},
		{
			Name:     "tier-migration-sweep",
			Interval: sweepInterval,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := e.Migrator.FullSweep(ctx, 1000, now)
				return err
			},
		},
		{
			Name:     "dedup-scan",
			Interval: sweepInterval,
			Run: func(ctx context.Context, now time.Time) error {
				for _, tier := range []string{"working", "warm", "cold"} {
					if _, err := e.Dedup.ScanTier(ctx, tier, 500); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:     "pruning-sweep",
			Interval: sweepInterval,
			// Headroom is measured against the advisory warm capacity: the
			// free percentage drops as the warm tier fills, and Prune only
			// acts once it falls below the configured target. A caller wired
			// to real disk stats can call e.Dedup.Prune directly instead.
			Run: func(ctx context.Context, now time.Time) error {
				warmCap := e.cfg.Capacity.WarmCapacity
				if warmCap <= 0 {
					return nil
				}
				count, err := e.Store.CountActiveInTier(ctx, "warm")
				if err != nil {
					return err
				}
				freePercent := float64(warmCap-count) / float64(warmCap) * 100
				if freePercent < 0 {
					freePercent = 0
				}
				_, err = e.Dedup.Prune(ctx, freePercent, 500)
				return err
			},
		},
		{
			Name:     "dedup-audit-expiry",
			Interval: sweepInterval,
			Run: func(ctx context.Context, now time.Time) error {
				n, err := e.Store.ExpireDedupAudits(ctx, now)
				if err != nil {
					return err
				}
				if n > 0 {
					log.Info("merge reversibility windows expired", "count", n)
				}
				return nil
			},
		},
		{
			Name:     "tier-statistics-snapshot",
			Interval: testEffectScanInterval,
			Run: func(ctx context.Context, now time.Time) error {
				stats, err := e.Store.TierStats(ctx)
				if err != nil {
					return err
				}
				for _, ts := range stats {
					if err := e.Store.InsertTierStatisticsSnapshot(ctx, ts); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:     "testing-effect-scan",
			Interval: testEffectScanInterval,
			Run: func(ctx context.Context, now time.Time) error {
				due, err := e.TestEffect.DueForReview(ctx, now, 100)
				if err != nil {
					return err
				}
				if len(due) > 0 {
					log.Info("memories due for testing-effect review", "count", len(due))
				}
				return nil
			},
		},
	}
}
