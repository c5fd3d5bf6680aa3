package repository

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/testutil"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

func testConfig() Config {
	return Config{
		WorkingCapacity:        1000,
		WorkingToWarmThreshold: 0.7,
		RecencyLambda:          0.005,
		Weights:                scoring.Weights{Recency: 0.333, Importance: 0.333, Relevance: 0.334},
		FrozenDim:              128,
		ColdScanLimit:          10000,
	}
}

func closeEnough(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (+/- %v)", what, got, want, tol)
	}
}

// insert "hello world" with importance 0.8.
func TestCreate_InsertAndRecallScenario(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	imp := 0.8
	m, err := repo.Create(context.Background(), "hello world", CreateOptions{Importance: &imp})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if m.Tier != "working" {
		t.Errorf("Tier = %q, want working", m.Tier)
	}
	closeEnough(t, m.Recency, 1.0, 1e-9, "Recency")
	closeEnough(t, m.Relevance, 0.50, 1e-9, "Relevance")
	// 0.333*1.0 + 0.333*0.8 + 0.334*0.50 = 0.7664
	closeEnough(t, m.CombinedScore, 0.7664, 1e-3, "CombinedScore")

	got, err := repo.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("Get returned a different id")
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
}

func TestCreate_RejectsEmptyContent(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	_, err := repo.Create(context.Background(), "   ", CreateOptions{})
	if !errors.Is(err, herrors.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestCreate_RejectsOversizedContent(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	big := make([]byte, maxContentBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := repo.Create(context.Background(), string(big), CreateOptions{})
	if !errors.Is(err, herrors.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

// duplicate content within the same tier is rejected,
// uniqueness is per-tier.
func TestCreate_DedupWithinWorkingTier(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	if _, err := repo.Create(context.Background(), "abc", CreateOptions{}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := repo.Create(context.Background(), "abc", CreateOptions{})
	if !errors.Is(err, herrors.DuplicateContent) {
		t.Fatalf("second Create err = %v, want DuplicateContent", err)
	}

	// Same content hash in a different tier is allowed (uniqueness is per
	// (content_hash, tier), not global).
	warm := testutil.SeedMemory(t, s, "abc", testutil.WithTier("warm"))
	if warm.Tier != "warm" {
		t.Fatalf("expected warm-tier seed to succeed")
	}
}

func TestCreate_CapacityExhausted(t *testing.T) {
	s := testutil.NewTestStore(t)
	cfg := testConfig()
	cfg.WorkingCapacity = 2
	repo := New(s, nil, nil, nil, nil, cfg)

	for i := 0; i < 2; i++ {
		content := []string{"one", "two"}[i]
		if _, err := repo.Create(context.Background(), content, CreateOptions{}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := repo.Create(context.Background(), "three", CreateOptions{})
	if !errors.Is(err, herrors.CapacityExhausted) {
		t.Fatalf("err = %v, want CapacityExhausted (no migrator configured to free headroom)", err)
	}
}

func TestGet_UnknownIDNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	_, err := repo.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, herrors.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestUpdate_ForbidsDuplicateContentWithinTier(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	a, err := repo.Create(context.Background(), "first", CreateOptions{})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := repo.Create(context.Background(), "second", CreateOptions{}); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	newContent := "second"
	_, err = repo.Update(context.Background(), a.ID, Patch{Content: &newContent})
	if !errors.Is(err, herrors.DuplicateContent) {
		t.Fatalf("err = %v, want DuplicateContent", err)
	}
}

func TestDelete_SoftDeletesAndGetReportsNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	m, err := repo.Create(context.Background(), "ephemeral", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Delete(context.Background(), m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(context.Background(), m.ID); !errors.Is(err, herrors.NotFound) {
		t.Fatalf("Get after delete err = %v, want NotFound", err)
	}
}

// fakeMigrator lets Promote tests avoid wiring the whole migrator package.
type fakeMigrator struct {
	promoted []string
}

func (f *fakeMigrator) SweepTier(ctx context.Context, fromTier string, threshold float64, limit int, now time.Time) (int, error) {
	return 0, nil
}

func (f *fakeMigrator) Promote(ctx context.Context, id, reason string, now time.Time) error {
	f.promoted = append(f.promoted, id)
	return nil
}

func TestPromote_DelegatesToMigrator(t *testing.T) {
	s := testutil.NewTestStore(t)
	mig := &fakeMigrator{}
	repo := New(s, nil, nil, mig, nil, testConfig())

	m, err := repo.Create(context.Background(), "promote me", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Promote(context.Background(), m.ID, "direct query hit"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if len(mig.promoted) != 1 || mig.promoted[0] != m.ID {
		t.Fatalf("promoted = %v, want [%s]", mig.promoted, m.ID)
	}
}

// With no embedder or vector index configured, hybrid search still finds
// exact-term matches through the FTS5 keyword leg, and the metadata filter
// applies on top of the union.
func TestSearch_HybridKeywordLeg(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	if _, err := repo.Create(context.Background(), "the migration ledger survived the crash", CreateOptions{
		Metadata: map[string]any{"source": "ops"},
	}); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := repo.Create(context.Background(), "unrelated grocery note", CreateOptions{}); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	results, err := repo.Search(context.Background(), Query{Mode: ModeHybrid, QueryText: "ledger"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.Content != "the migration ledger survived the crash" {
		t.Fatalf("results = %+v, want the single keyword match", results)
	}

	filtered, err := repo.Search(context.Background(), Query{
		Mode:            ModeHybrid,
		QueryText:       "ledger",
		MetadataFilters: map[string]any{"source": "archive"},
	})
	if err != nil {
		t.Fatalf("Search with filter: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("filtered results = %+v, want none (metadata predicate excludes the hit)", filtered)
	}
}

func TestPromote_NoMigratorConfigured(t *testing.T) {
	s := testutil.NewTestStore(t)
	repo := New(s, nil, nil, nil, nil, testConfig())

	m, err := repo.Create(context.Background(), "promote me", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Promote(context.Background(), m.ID, "reason"); err == nil {
		t.Fatal("expected an error when no migrator is configured")
	}
}
