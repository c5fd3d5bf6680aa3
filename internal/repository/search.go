package repository

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/mycelial/hiveware/internal/freeze"
	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/store"
)

// Mode selects one of the three search strategies the repository exposes.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
	ModeTemporal Mode = "temporal"
)

// Query describes a search request.
type Query struct {
	Mode Mode

	// Semantic / hybrid.
	QueryText       string    // embedded via the configured Embedder if QueryEmbedding is nil
	QueryEmbedding  []float32 // precomputed embedding, bypasses the embedder call
	MetadataFilters map[string]any

	// Temporal.
	StartDate *time.Time
	EndDate   *time.Time

	Limit int
}

// Result pairs a memory with the score it was ranked by.
type Result struct {
	Memory *store.Memory
	Score  float64
}

// rerankWeights are the fixed re-ranking mix for semantic search.
const (
	rerankCombined     = 0.30
	rerankRecall       = 0.25
	rerankImportance   = 0.20
	rerankConsolidated = 0.15
	rerankAccess       = 0.10
)

func rerank(m *store.Memory) float64 {
	recall := 0.0
	if m.RecallProbability != nil {
		recall = *m.RecallProbability
	}
	accessFactor := float64(m.AccessCount) / 100.0
	if accessFactor > 1 {
		accessFactor = 1
	}
	return rerankCombined*m.CombinedScore +
		rerankRecall*recall +
		rerankImportance*m.Importance +
		rerankConsolidated*(m.ConsolidationStrength/10.0) +
		rerankAccess*accessFactor
}

// Search dispatches to the mode-specific implementation.
func (r *Repository) Search(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	switch q.Mode {
	case ModeTemporal:
		return r.searchTemporal(ctx, q, limit)
	case ModeHybrid:
		return r.searchHybrid(ctx, q, limit)
	case ModeSemantic, "":
		return r.searchSemantic(ctx, q, limit)
	default:
		return nil, fmt.Errorf("search: unknown mode %q", q.Mode)
	}
}

// searchHybrid unions the semantic top-N with an FTS5 keyword leg over the
// query text, then filters by the metadata predicates. The keyword leg
// catches exact-term matches the embedding neighborhood misses and is the
// only path that works at all when no embedder is configured.
func (r *Repository) searchHybrid(ctx context.Context, q Query, limit int) ([]Result, error) {
	hits, err := r.searchSemantic(ctx, q, limit*4)
	if err != nil {
		return nil, err
	}

	if q.QueryText != "" {
		seen := make(map[string]bool, len(hits))
		for _, h := range hits {
			seen[h.Memory.ID] = true
		}
		kwHits, err := r.store.KeywordSearch(ctx, q.QueryText, limit*4)
		if err != nil {
			log.Warn("hybrid search: keyword leg failed", "error", err)
		}
		for _, kw := range kwHits {
			if seen[kw.ID] {
				continue
			}
			m, err := r.store.GetMemory(ctx, kw.ID)
			if err != nil || m == nil || m.Status != "active" {
				continue
			}
			seen[m.ID] = true
			hits = append(hits, Result{Memory: m, Score: rerank(m)})
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	}

	return filterByMetadata(hits, q.MetadataFilters, limit), nil
}

// searchTemporal ranges over created_at/updated_at.
func (r *Repository) searchTemporal(ctx context.Context, q Query, limit int) ([]Result, error) {
	memories, err := r.store.ListMemories(ctx, &store.MemoryFilters{
		Status:    "active",
		StartDate: q.StartDate,
		EndDate:   q.EndDate,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal search: %w", err)
	}
	out := make([]Result, 0, len(memories))
	for _, m := range memories {
		out = append(out, Result{Memory: m, Score: rerank(m)})
	}
	return out, nil
}

// searchSemantic runs the per-tier vector k-NN union: working ∪ warm via
// the full-dimension HNSW index, cold via exact scan up to ColdScanLimit
// rows, frozen via the reduced-dimension index. Results are merged and
// re-ranked by the fixed weighted mix.
func (r *Repository) searchSemantic(ctx context.Context, q Query, limit int) ([]Result, error) {
	queryVec := q.QueryEmbedding
	if queryVec == nil && q.QueryText != "" && r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, q.QueryText)
		if err != nil {
			return nil, fmt.Errorf("search: embed query: %w", err)
		}
		queryVec = vec
	}

	seen := map[string]bool{}
	var candidates []*store.Memory

	if queryVec != nil && r.index != nil {
		hits, err := r.index.Search(ctx, queryVec, limit*3, false)
		if err != nil {
			return nil, fmt.Errorf("search: vector index: %w", err)
		}
		for _, h := range hits {
			if seen[h.MemoryID] {
				continue
			}
			m, err := r.store.GetMemory(ctx, h.MemoryID)
			if err != nil || m == nil || m.Status != "active" {
				continue
			}
			seen[m.ID] = true
			candidates = append(candidates, m)
		}

		// Frozen rows are archived by invariant, so the active-status filter
		// above would drop every hit from the reduced-dimension collection.
		reducedQuery := freeze.ReduceEmbedding(queryVec, r.cfg.FrozenDim)
		frozenHits, err := r.index.Search(ctx, reducedQuery, limit, true)
		if err == nil {
			for _, h := range frozenHits {
				if seen[h.MemoryID] {
					continue
				}
				m, err := r.store.GetMemory(ctx, h.MemoryID)
				if err != nil || m == nil || m.Tier != "frozen" || m.Status != "archived" {
					continue
				}
				seen[m.ID] = true
				candidates = append(candidates, m)
			}
		}
	}

	cold, err := r.store.ColdTierScan(ctx, r.cfg.ColdScanLimit)
	if err != nil {
		return nil, fmt.Errorf("search: cold tier scan: %w", err)
	}
	for _, m := range cold {
		if seen[m.ID] || len(m.Embedding) == 0 || queryVec == nil {
			continue
		}
		sim := scoring.CosineSimilarity(m.Embedding, queryVec)
		if sim <= 0 {
			continue
		}
		seen[m.ID] = true
		candidates = append(candidates, m)
	}

	results := make([]Result, 0, len(candidates))
	for _, m := range candidates {
		results = append(results, Result{Memory: m, Score: rerank(m)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// filterByMetadata keeps results whose metadata contains every key/value in
// filters.
func filterByMetadata(hits []Result, filters map[string]any, limit int) []Result {
	if len(filters) == 0 {
		if len(hits) > limit {
			return hits[:limit]
		}
		return hits
	}
	out := make([]Result, 0, limit)
	for _, h := range hits {
		if matchesMetadata(h.Memory.Metadata, filters) {
			out = append(out, h)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func matchesMetadata(meta map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := meta[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
