package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mycelial/hiveware/internal/testutil"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

func embedding(vals ...float32) []float32 {
	v := make([]float32, 8)
	copy(v, vals)
	return v
}

// two memories with cosine sim 0.95 merge into a
// survivor with source_memory_ids={A,B}; both A and B are archived. Within
// 7 days unmerge restores them; after the window it is PreconditionFailed.
func TestMerge_ProducesArchivedOriginalsAndSurvivor(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.SeedMemory(t, s, "short note about cats",
		testutil.WithEmbedding(embedding(1, 0, 0, 0)),
		testutil.WithImportance(0.6),
	)
	b := testutil.SeedMemory(t, s, "short note about kittens",
		testutil.WithEmbedding(embedding(0.95, 0.05, 0, 0)),
		testutil.WithImportance(0.4),
	)

	d := New(s, nil, Config{})
	survivor, mergeOpID, err := d.Merge(context.Background(), a, b, 0.95)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if mergeOpID == "" {
		t.Fatal("expected a non-empty merge_op_id")
	}

	if len(survivor.SourceMemoryIDs) != 2 {
		t.Fatalf("SourceMemoryIDs = %v, want 2 entries", survivor.SourceMemoryIDs)
	}

	archivedA, err := s.GetMemory(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetMemory a: %v", err)
	}
	archivedB, err := s.GetMemory(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetMemory b: %v", err)
	}
	if archivedA.Status != "archived" || archivedB.Status != "archived" {
		t.Fatalf("absorbed memories status = %s/%s, want archived/archived", archivedA.Status, archivedB.Status)
	}
}

func TestUnmerge_RestoresOriginalsWithinWindow(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.SeedMemory(t, s, "first original content",
		testutil.WithEmbedding(embedding(1, 0, 0, 0)))
	b := testutil.SeedMemory(t, s, "second original content",
		testutil.WithEmbedding(embedding(0.95, 0.05, 0, 0)))

	d := New(s, nil, Config{ReversibilityWindow: 7 * 24 * time.Hour})
	survivor, mergeOpID, err := d.Merge(context.Background(), a, b, 0.95)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if err := d.Unmerge(context.Background(), mergeOpID); err != nil {
		t.Fatalf("Unmerge: %v", err)
	}

	restoredA, err := s.GetMemory(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetMemory a: %v", err)
	}
	restoredB, err := s.GetMemory(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetMemory b: %v", err)
	}
	if restoredA.Status != "active" || restoredA.Content != "first original content" {
		t.Errorf("restored a = %+v, want active/original content", restoredA)
	}
	if restoredB.Status != "active" || restoredB.Content != "second original content" {
		t.Errorf("restored b = %+v, want active/original content", restoredB)
	}

	survivorRow, err := s.GetMemory(context.Background(), survivor.ID)
	if err != nil {
		t.Fatalf("GetMemory survivor: %v", err)
	}
	if survivorRow.Status != "archived" {
		t.Errorf("survivor status after unmerge = %s, want archived", survivorRow.Status)
	}
}

func TestUnmerge_PreconditionFailedAfterWindowElapses(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.SeedMemory(t, s, "expiring original a",
		testutil.WithEmbedding(embedding(1, 0, 0, 0)))
	b := testutil.SeedMemory(t, s, "expiring original b",
		testutil.WithEmbedding(embedding(0.95, 0.05, 0, 0)))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now, advance := testutil.FixedClock(base)
	d := New(s, nil, Config{ReversibilityWindow: 7 * 24 * time.Hour}).WithClock(now)

	_, mergeOpID, err := d.Merge(context.Background(), a, b, 0.95)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	advance(8 * 24 * time.Hour)
	err = d.Unmerge(context.Background(), mergeOpID)
	if !errors.Is(err, herrors.PreconditionFailed) {
		t.Fatalf("err = %v, want PreconditionFailed once the reversibility window has elapsed", err)
	}
}

func TestUnmerge_UnknownOpIsNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	d := New(s, nil, Config{})
	err := d.Unmerge(context.Background(), "does-not-exist")
	if !errors.Is(err, herrors.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestScanTier_MergesSimilarCandidates(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedMemory(t, s, "identical phrasing one",
		testutil.WithEmbedding(embedding(1, 0, 0, 0)))
	testutil.SeedMemory(t, s, "identical phrasing two",
		testutil.WithEmbedding(embedding(0.999, 0.001, 0, 0)))

	d := New(s, nil, Config{SimilarityThreshold: 0.9, CrossBucketSampleSize: 5})
	merges, err := d.ScanTier(context.Background(), "working", 50)
	if err != nil {
		t.Fatalf("ScanTier: %v", err)
	}
	if merges != 1 {
		t.Fatalf("merges = %d, want 1", merges)
	}
}

func TestPrune_RemovesAgedLowRecallColdMemories(t *testing.T) {
	s := testutil.NewTestStore(t)
	old := time.Now().Add(-120 * 24 * time.Hour)
	p := 0.01
	stale := testutil.SeedMemory(t, s, "long-forgotten note",
		testutil.WithTier("cold"),
		testutil.WithRecallProbability(p),
		testutil.WithCreatedAt(old),
	)

	d := New(s, nil, Config{HeadroomTargetPercent: 20, PruneMinAge: 90 * 24 * time.Hour, PruneNoAccessAge: 180 * 24 * time.Hour})
	pruned, err := d.Prune(context.Background(), 10, 50)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	if m, err := s.GetMemory(context.Background(), stale.ID); err != nil || m != nil {
		t.Fatalf("expected pruned memory to be hard-deleted, got m=%v err=%v", m, err)
	}
}

func TestPrune_NoopAboveHeadroomTarget(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedMemory(t, s, "anything", testutil.WithTier("cold"))

	d := New(s, nil, Config{HeadroomTargetPercent: 20})
	pruned, err := d.Prune(context.Background(), 50, 50)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("pruned = %d, want 0 (headroom already above target)", pruned)
	}
}
