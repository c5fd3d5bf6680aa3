// Package testutil provides shared test fixtures for the memory engine:
// a fully-migrated store, fixture memories seeded at a chosen tier/score,
// and a deterministic clock so scoring-dependent tests don't race the wall
// clock.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mycelial/hiveware/internal/store"
)

// NewTestStore opens a fresh, fully-migrated Store backed by a temp-dir
// SQLite file. The store is closed automatically when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), store.Options{StatementTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewTestStore: open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// FixedClock returns a Clock-shaped func that always reports t, and a
// setter to advance it within a test without relying on wall-clock sleeps.
func FixedClock(t time.Time) (now func() time.Time, advance func(d time.Duration)) {
	cur := t
	return func() time.Time { return cur }, func(d time.Duration) { cur = cur.Add(d) }
}

// MemoryOpt customizes a seeded fixture memory.
type MemoryOpt func(*store.Memory)

// WithTier sets the fixture's tier.
func WithTier(tier string) MemoryOpt { return func(m *store.Memory) { m.Tier = tier } }

// WithImportance sets the fixture's importance score.
func WithImportance(v float64) MemoryOpt { return func(m *store.Memory) { m.Importance = v } }

// WithConsolidationStrength sets the fixture's consolidation strength.
func WithConsolidationStrength(v float64) MemoryOpt {
	return func(m *store.Memory) { m.ConsolidationStrength = v }
}

// WithLastAccessed backdates the fixture's last-accessed timestamp.
func WithLastAccessed(t time.Time) MemoryOpt {
	return func(m *store.Memory) { m.LastAccessedAt = &t }
}

// WithRecallProbability sets the fixture's recall probability.
func WithRecallProbability(p float64) MemoryOpt {
	return func(m *store.Memory) { m.RecallProbability = &p }
}

// WithEmbedding sets the fixture's embedding vector.
func WithEmbedding(v []float32) MemoryOpt { return func(m *store.Memory) { m.Embedding = v } }

// WithCreatedAt backdates the fixture's creation timestamp.
func WithCreatedAt(t time.Time) MemoryOpt { return func(m *store.Memory) { m.CreatedAt = t } }

// SeedMemory inserts and returns a fixture memory with sane defaults
// (working tier, active, mid-range scores) overridden by opts.
func SeedMemory(t *testing.T, s *store.Store, content string, opts ...MemoryOpt) *store.Memory {
	t.Helper()
	m := &store.Memory{
		Content:               content,
		Tier:                  "working",
		Status:                "active",
		Importance:            0.5,
		Recency:               1.0,
		Relevance:             0.5,
		CombinedScore:         0.5,
		ConsolidationStrength: 1.0,
		DecayRate:             1.0,
		RetrievalStrength:     0.0,
		CurrentIntervalDays:   1.0,
		EaseFactor:            2.5,
		DedupEligible:         true,
		Metadata:              map[string]any{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := s.CreateMemory(context.Background(), m); err != nil {
		t.Fatalf("SeedMemory: %v", err)
	}
	return m
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
