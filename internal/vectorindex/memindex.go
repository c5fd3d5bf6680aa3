package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/mycelial/hiveware/internal/scoring"
)

// MemIndex is an in-process VectorIndex used by tests and by callers that
// don't need a real Qdrant deployment (e.g. unit tests of the repository,
// consolidation, and dedup packages). It implements brute-force cosine
// search, which is adequate at test scale.
type MemIndex struct {
	mu     sync.RWMutex
	full   map[string][]float32
	frozen map[string][]float32
}

// NewMemIndex constructs an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{full: make(map[string][]float32), frozen: make(map[string][]float32)}
}

func (m *MemIndex) collection(frozen bool) map[string][]float32 {
	if frozen {
		return m.frozen
	}
	return m.full
}

func (m *MemIndex) Upsert(_ context.Context, memoryID string, vector []float32, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	m.collection(frozen)[memoryID] = cp
	return nil
}

func (m *MemIndex) Delete(_ context.Context, memoryID string, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collection(frozen), memoryID)
	return nil
}

func (m *MemIndex) Search(_ context.Context, vector []float32, k int, frozen bool) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}
	hits := make([]Hit, 0, len(m.collection(frozen)))
	for id, v := range m.collection(frozen) {
		hits = append(hits, Hit{MemoryID: id, Score: scoring.CosineSimilarity(vector, v)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemIndex) Close() error { return nil }
