package dedup

import (
	"context"
	"fmt"

	"github.com/mycelial/hiveware/internal/store"
)

// Prune reclaims cold-tier space when free headroom is short of the
// target. freePercent is the caller-measured current free-space
// percentage; Prune is a no-op once it already meets HeadroomTargetPercent.
// Returns the number of memories permanently removed.
func (d *Deduplicator) Prune(ctx context.Context, freePercent float64, maxPrune int) (int, error) {
	if freePercent >= d.cfg.HeadroomTargetPercent {
		return 0, nil
	}
	candidates, err := d.store.PruneCandidates(ctx, 0.05, d.cfg.PruneMinAge, d.cfg.PruneNoAccessAge, maxPrune)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	pruned := 0
	for _, m := range candidates {
		reason := "low_recall_aged"
		if m.RecallProbability == nil || *m.RecallProbability >= 0.05 {
			reason = "never_accessed_aged"
		}
		entry := &store.PruningLogEntry{
			MemoryID:          m.ID,
			Tier:              m.Tier,
			Reason:            reason,
			ScoringVectorJSON: scoringVectorJSON(m),
		}
		if err := d.store.InsertPruningLog(ctx, entry); err != nil {
			log.Warn("prune: failed to log decision", "memory_id", m.ID, "error", err)
			continue
		}
		if err := d.store.HardDelete(ctx, m.ID); err != nil {
			log.Warn("prune: hard delete failed", "memory_id", m.ID, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}
