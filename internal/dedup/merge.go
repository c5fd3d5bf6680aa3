package dedup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mycelial/hiveware/internal/store"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

// mergeInputs captures the two candidates a merge decision is made over.
type mergeInputs struct {
	a, b *store.Memory
	sim  float64
}

// chooseStrategy picks one of the three merge strategies:
// lossless concatenation when both sides are small, content_summarization
// when a Summarizer is configured, metadata_consolidation otherwise.
func (d *Deduplicator) chooseStrategy(ctx context.Context, in mergeInputs) (strategy, content string, err error) {
	if len(in.a.Content) <= d.cfg.LosslessMaxContentSize && len(in.b.Content) <= d.cfg.LosslessMaxContentSize {
		return "lossless", in.a.Content + "\n---\n" + in.b.Content, nil
	}
	if d.summarizer != nil {
		summary, err := d.summarizer.Summarize(ctx, in.a.Content, in.b.Content)
		if err == nil && summary != "" {
			return "content_summarization", summary, nil
		}
		log.Warn("summarizer unavailable, falling back to metadata_consolidation", "error", err)
	}
	survivor := in.a
	if in.b.Importance > in.a.Importance {
		survivor = in.b
	}
	return "metadata_consolidation", survivor.Content, nil
}

func unionMetadata(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// Merge absorbs a and b into a new survivor memory, archiving both originals
// and writing the merge-history + reversibility-audit rows. Returns the survivor and the merge_op_id Unmerge takes.
func (d *Deduplicator) Merge(ctx context.Context, a, b *store.Memory, sim float64) (*store.Memory, string, error) {
	if a.Tier != b.Tier {
		return nil, "", fmt.Errorf("merge: tier mismatch %s != %s", a.Tier, b.Tier)
	}

	strategy, content, err := d.chooseStrategy(ctx, mergeInputs{a: a, b: b, sim: sim})
	if err != nil {
		return nil, "", fmt.Errorf("merge: choose strategy: %w", err)
	}

	now := d.clock()
	importance := a.Importance
	if b.Importance > importance {
		importance = b.Importance
	}
	accessCount := a.AccessCount + b.AccessCount

	survivor := &store.Memory{
		Content:               content,
		ContentHash:           store.HashContent(content),
		Tier:                  a.Tier,
		Status:                "active",
		Importance:            importance,
		Recency:               a.Recency,
		Relevance:             a.Relevance,
		CombinedScore:         a.CombinedScore,
		ConsolidationStrength: maxFloat(a.ConsolidationStrength, b.ConsolidationStrength),
		DecayRate:             a.DecayRate,
		RetrievalStrength:     maxFloat(a.RetrievalStrength, b.RetrievalStrength),
		CurrentIntervalDays:   1.0,
		EaseFactor:            2.5,
		AccessCount:           accessCount,
		Metadata:              unionMetadata(a.Metadata, b.Metadata),
		SourceMemoryIDs:       []string{a.ID, b.ID},
		DedupEligible:         true,
		Embedding:             a.Embedding,
		CreatedAt:             now,
	}
	if len(b.Embedding) > len(survivor.Embedding) {
		survivor.Embedding = b.Embedding
	}

	weightA := 0.5
	total := a.Importance + b.Importance
	if total > 0 {
		weightA = a.Importance / total
	}

	// Originals are archived before the survivor is inserted: for the
	// metadata_consolidation strategy the survivor shares its content hash
	// with one of them, and UNIQUE(content_hash, tier) only admits one
	// active row.
	mergeOpID := uuid.New().String()
	survivor.ID = uuid.New().String()
	archive := func(m *store.Memory, weight float64) error {
		metaBytes, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal original metadata for %s: %w", m.ID, err)
		}
		if err := d.store.InsertMergeHistory(ctx, &store.MergeOperation{
			MergeOpID:        mergeOpID,
			AbsorbedMemoryID: m.ID,
			SurvivorMemoryID: survivor.ID,
			SimilarityScore:  sim,
			WeightInMerge:    weight,
			OriginalContent:  m.Content,
			OriginalMetadata: string(metaBytes),
			OriginalTier:     m.Tier,
			CreatedAt:        now,
		}); err != nil {
			return fmt.Errorf("insert merge history for %s: %w", m.ID, err)
		}
		m.Status = "archived"
		if err := d.store.UpdateFields(ctx, m); err != nil {
			return fmt.Errorf("archive %s: %w", m.ID, err)
		}
		return nil
	}
	restore := func(ms ...*store.Memory) {
		for _, m := range ms {
			m.Status = "active"
			if err := d.store.UpdateFields(ctx, m); err != nil {
				log.Error("merge: failed to restore original after aborted merge", "memory_id", m.ID, "error", err)
			}
		}
	}
	if err := archive(a, weightA); err != nil {
		return nil, "", err
	}
	if err := archive(b, 1-weightA); err != nil {
		restore(a)
		return nil, "", err
	}

	if err := d.store.CreateMemory(ctx, survivor); err != nil {
		restore(a, b)
		return nil, "", fmt.Errorf("merge: create survivor: %w", err)
	}

	if err := d.store.InsertDedupAudit(ctx, &store.DedupAuditEntry{
		MergeOpID:         mergeOpID,
		SurvivorMemoryID:  survivor.ID,
		AbsorbedMemoryIDs: []string{a.ID, b.ID},
		Strategy:          strategy,
		ReversibleUntil:   now.Add(d.cfg.ReversibilityWindow),
		Status:            "reversible",
		CompletedAt:       now,
	}); err != nil {
		return nil, "", fmt.Errorf("merge: insert audit: %w", err)
	}

	log.Info("merged memories", "a", a.ID, "b", b.ID, "survivor", survivor.ID, "strategy", strategy, "similarity", sim)
	return survivor, mergeOpID, nil
}

// Unmerge reverses a merge within its reversibility window: it restores
// every absorbed memory's original content/status and re-archives the
// survivor. Returns PreconditionFailed once the window has elapsed or the
// merge was already reversed.
func (d *Deduplicator) Unmerge(ctx context.Context, mergeOpID string) error {
	audit, err := d.store.GetDedupAudit(ctx, mergeOpID)
	if err != nil {
		return fmt.Errorf("unmerge: %w", err)
	}
	if audit == nil {
		return herrors.NewNotFound("Unmerge", mergeOpID)
	}
	now := d.clock()
	if audit.Status != "reversible" || now.After(audit.ReversibleUntil) {
		return herrors.NewPreconditionFailed("Unmerge", mergeOpID)
	}

	history, err := d.store.MergeHistoryForOp(ctx, mergeOpID)
	if err != nil {
		return fmt.Errorf("unmerge: load history: %w", err)
	}

	for _, h := range history {
		m, err := d.store.GetMemory(ctx, h.AbsorbedMemoryID)
		if err != nil {
			return fmt.Errorf("unmerge: reload %s: %w", h.AbsorbedMemoryID, err)
		}
		if m == nil {
			return fmt.Errorf("unmerge: absorbed memory %s missing", h.AbsorbedMemoryID)
		}
		m.Status = "active"
		m.Content = h.OriginalContent
		m.Tier = h.OriginalTier
		if err := d.store.UpdateFields(ctx, m); err != nil {
			return fmt.Errorf("unmerge: restore %s: %w", m.ID, err)
		}
	}

	survivor, err := d.store.GetMemory(ctx, audit.SurvivorMemoryID)
	if err != nil {
		return fmt.Errorf("unmerge: load survivor: %w", err)
	}
	if survivor != nil {
		survivor.Status = "archived"
		if err := d.store.UpdateFields(ctx, survivor); err != nil {
			return fmt.Errorf("unmerge: archive survivor: %w", err)
		}
	}

	// The audit enum only distinguishes reversible/completed_irreversible;
	// a successful unmerge reuses the latter to mean "no longer actionable".
	if err := d.store.MarkDedupAuditIrreversible(ctx, mergeOpID); err != nil {
		return fmt.Errorf("unmerge: close audit: %w", err)
	}
	return nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
