// Package dedup implements opportunistic near-duplicate merging with a
// 7-day reversibility window, plus headroom-driven pruning of aged,
// low-recall memories.
package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/store"
)

var log = logging.GetLogger("dedup")

// Summarizer delegates content_summarization merges to an external
// summarization collaborator; the core only stores the result. Optional:
// when nil, the merge strategy selection falls back to
// metadata_consolidation for large-content pairs.
type Summarizer interface {
	Summarize(ctx context.Context, a, b string) (string, error)
}

// Clock returns the current time; overridden in tests.
type Clock func() time.Time

// Config holds the deduplicator's tunables.
type Config struct {
	SimilarityThreshold    float64
	ReversibilityWindow    time.Duration
	CandidateRecheckWindow time.Duration
	LosslessMaxContentSize int
	CrossBucketSampleSize  int
	HeadroomTargetPercent  float64
	PruneMinAge            time.Duration // recall_probability < 0.05, default 90d
	PruneNoAccessAge       time.Duration // never accessed, default 180d
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.92
	}
	if c.ReversibilityWindow <= 0 {
		c.ReversibilityWindow = 7 * 24 * time.Hour
	}
	if c.CandidateRecheckWindow <= 0 {
		c.CandidateRecheckWindow = 24 * time.Hour
	}
	if c.LosslessMaxContentSize <= 0 {
		c.LosslessMaxContentSize = 1024
	}
	if c.CrossBucketSampleSize <= 0 {
		c.CrossBucketSampleSize = 5
	}
	if c.HeadroomTargetPercent <= 0 {
		c.HeadroomTargetPercent = 20
	}
	if c.PruneMinAge <= 0 {
		c.PruneMinAge = 90 * 24 * time.Hour
	}
	if c.PruneNoAccessAge <= 0 {
		c.PruneNoAccessAge = 180 * 24 * time.Hour
	}
}

// Deduplicator is the near-duplicate merger and pruning component.
type Deduplicator struct {
	store      *store.Store
	summarizer Summarizer
	cfg        Config
	clock      Clock
}

// New constructs a Deduplicator over store s. summarizer may be nil.
func New(s *store.Store, summarizer Summarizer, cfg Config) *Deduplicator {
	cfg.applyDefaults()
	return &Deduplicator{store: s, summarizer: summarizer, cfg: cfg, clock: time.Now}
}

// WithClock overrides the deduplicator's clock (deterministic tests).
func (d *Deduplicator) WithClock(clock Clock) *Deduplicator {
	d.clock = clock
	return d
}

// similarityHash is the cheap content-derived pre-filter: a short
// normalized-word md5 prefix.
func similarityHash(content string) string {
	words := strings.Fields(strings.ToLower(content))
	sort.Strings(words)
	sum := md5.Sum([]byte(strings.Join(words, " ")))
	return hex.EncodeToString(sum[:])[:8]
}

// ScanTier runs one candidate-selection + merge pass over a tier. Returns
// the number of merges performed.
func (d *Deduplicator) ScanTier(ctx context.Context, tier string, limit int) (int, error) {
	candidates, err := d.store.DedupCandidates(ctx, tier, d.cfg.CandidateRecheckWindow, limit)
	if err != nil {
		return 0, fmt.Errorf("scan tier %s: %w", tier, err)
	}
	if len(candidates) < 2 {
		d.markChecked(ctx, candidates)
		return 0, nil
	}

	buckets := map[string][]*store.Memory{}
	for _, m := range candidates {
		h := similarityHash(m.Content)
		buckets[h] = append(buckets[h], m)
	}

	merged := map[string]bool{}
	mergeCount := 0

	tryMerge := func(a, b *store.Memory) error {
		if merged[a.ID] || merged[b.ID] || a.ID == b.ID {
			return nil
		}
		if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
			return nil
		}
		sim := scoring.CosineSimilarity(a.Embedding, b.Embedding)
		if err := d.store.CacheSimilarity(ctx, a.ID, b.ID, sim); err != nil {
			log.Warn("cache similarity failed", "a", a.ID, "b", b.ID, "error", err)
		}
		if sim < d.cfg.SimilarityThreshold {
			return nil
		}
		if _, _, err := d.Merge(ctx, a, b, sim); err != nil {
			return err
		}
		merged[a.ID] = true
		merged[b.ID] = true
		mergeCount++
		return nil
	}

	// Same-bucket pairs: the cheap pre-filter already grouped likely matches.
	for _, bucket := range buckets {
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				select {
				case <-ctx.Done():
					return mergeCount, ctx.Err()
				default:
				}
				if err := tryMerge(bucket[i], bucket[j]); err != nil {
					log.Warn("merge failed", "a", bucket[i].ID, "b", bucket[j].ID, "error", err)
				}
			}
		}
	}

	// A small cross-bucket sample catches near-duplicates whose wording
	// differs enough to land in different hash buckets.
	flat := candidates
	sample := d.cfg.CrossBucketSampleSize
	for i := 0; i < len(flat) && sample > 0; i++ {
		for j := i + 1; j < len(flat) && sample > 0; j++ {
			if similarityHash(flat[i].Content) == similarityHash(flat[j].Content) {
				continue // already covered above
			}
			sample--
			if err := tryMerge(flat[i], flat[j]); err != nil {
				log.Warn("merge failed", "a", flat[i].ID, "b", flat[j].ID, "error", err)
			}
		}
	}

	d.markChecked(ctx, candidates)
	return mergeCount, nil
}

func (d *Deduplicator) markChecked(ctx context.Context, candidates []*store.Memory) {
	now := d.clock()
	for _, m := range candidates {
		if err := d.store.MarkDedupChecked(ctx, m.ID, now); err != nil {
			log.Warn("mark dedup checked failed", "memory_id", m.ID, "error", err)
		}
	}
}

// scoringVectorJSON serializes the fields a pruning decision should be
// auditable against.
func scoringVectorJSON(m *store.Memory) string {
	b, _ := json.Marshal(map[string]any{
		"importance":             m.Importance,
		"recency":                m.Recency,
		"relevance":              m.Relevance,
		"combined_score":         m.CombinedScore,
		"consolidation_strength": m.ConsolidationStrength,
		"recall_probability":     m.RecallProbability,
		"access_count":           m.AccessCount,
	})
	return string(b)
}
