package freeze

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mycelial/hiveware/internal/testutil"
	"github.com/mycelial/hiveware/internal/vectorindex"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

// a cold memory with recall_probability=0.15 is frozen;
// the FrozenRecord has compression_ratio >= 1; unfreeze waits between 2s and
// 5s and restores tier=working with byte-identical content.
func TestFreezeUnfreeze_RoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	p := 0.15
	content := "a memory worth remembering, repeated, repeated, repeated, repeated"
	m := testutil.SeedMemory(t, s, content,
		testutil.WithTier("cold"),
		testutil.WithRecallProbability(p),
		testutil.WithConsolidationStrength(4.0),
	)

	var slept time.Duration
	eng := New(s, vectorindex.NewMemIndex(), Config{UnfreezeDelaySeconds: 3}).
		WithSleeper(func(d time.Duration) { slept = d })

	if err := eng.Freeze(context.Background(), m.ID); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	fr, err := s.GetFrozenRecordByMemoryID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetFrozenRecordByMemoryID: %v", err)
	}
	if fr == nil {
		t.Fatal("expected a frozen record after Freeze")
	}
	if fr.CompressionRatio < 1 {
		t.Errorf("CompressionRatio = %v, want >= 1", fr.CompressionRatio)
	}

	frozenMemory, err := s.GetMemory(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if frozenMemory.Tier != "frozen" || frozenMemory.Status != "archived" {
		t.Fatalf("frozen memory tier/status = %s/%s, want frozen/archived", frozenMemory.Tier, frozenMemory.Status)
	}
	if frozenMemory.Embedding != nil {
		t.Error("expected the full embedding to be cleared on freeze")
	}

	restored, err := eng.Unfreeze(context.Background(), fr.ID)
	if err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}

	if slept < 2*time.Second || slept > 5*time.Second {
		t.Errorf("unfreeze delay = %v, want within [2s, 5s]", slept)
	}
	if restored.Tier != "working" || restored.Status != "active" {
		t.Errorf("restored tier/status = %s/%s, want working/active", restored.Tier, restored.Status)
	}
	if diff := cmp.Diff(content, restored.Content); diff != "" {
		t.Errorf("restored content mismatch, byte-for-byte round trip broken (-want +got):\n%s", diff)
	}
	if want := 4.0 * 0.8; restored.ConsolidationStrength < want-1e-9 || restored.ConsolidationStrength > want+1e-9 {
		t.Errorf("ConsolidationStrength = %v, want %v (prior * 0.8)", restored.ConsolidationStrength, want)
	}
	if restored.RecallProbability != nil {
		t.Error("expected recall_probability to be cleared on unfreeze")
	}
}

func TestFreeze_ConsolidationStrengthFloorIsOne(t *testing.T) {
	s := testutil.NewTestStore(t)
	p := 0.1
	m := testutil.SeedMemory(t, s, "barely consolidated",
		testutil.WithTier("cold"),
		testutil.WithRecallProbability(p),
		testutil.WithConsolidationStrength(1.0),
	)

	eng := New(s, vectorindex.NewMemIndex(), Config{}).WithSleeper(func(time.Duration) {})
	if err := eng.Freeze(context.Background(), m.ID); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	fr, err := s.GetFrozenRecordByMemoryID(context.Background(), m.ID)
	if err != nil || fr == nil {
		t.Fatalf("GetFrozenRecordByMemoryID: %v", err)
	}

	restored, err := eng.Unfreeze(context.Background(), fr.ID)
	if err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	// 1.0 * 0.8 = 0.8, floored to 1.0.
	if restored.ConsolidationStrength != 1.0 {
		t.Errorf("ConsolidationStrength = %v, want 1.0 (floor)", restored.ConsolidationStrength)
	}
}

func TestFreeze_PreconditionFailedOnNonColdTier(t *testing.T) {
	s := testutil.NewTestStore(t)
	m := testutil.SeedMemory(t, s, "still hot", testutil.WithTier("working"))

	eng := New(s, vectorindex.NewMemIndex(), Config{}).WithSleeper(func(time.Duration) {})
	err := eng.Freeze(context.Background(), m.ID)
	if !errors.Is(err, herrors.PreconditionFailed) {
		t.Fatalf("err = %v, want PreconditionFailed", err)
	}
}

func TestFreeze_PreconditionFailedWhenRecallProbabilityTooHigh(t *testing.T) {
	s := testutil.NewTestStore(t)
	p := 0.5
	m := testutil.SeedMemory(t, s, "still recalled fine",
		testutil.WithTier("cold"),
		testutil.WithRecallProbability(p),
	)

	eng := New(s, vectorindex.NewMemIndex(), Config{}).WithSleeper(func(time.Duration) {})
	err := eng.Freeze(context.Background(), m.ID)
	if !errors.Is(err, herrors.PreconditionFailed) {
		t.Fatalf("err = %v, want PreconditionFailed", err)
	}
}

func TestUnfreeze_UnknownFrozenIDIsPreconditionFailed(t *testing.T) {
	s := testutil.NewTestStore(t)
	eng := New(s, vectorindex.NewMemIndex(), Config{}).WithSleeper(func(time.Duration) {})

	_, err := eng.Unfreeze(context.Background(), "does-not-exist")
	if !errors.Is(err, herrors.PreconditionFailed) {
		t.Fatalf("err = %v, want PreconditionFailed", err)
	}
}
