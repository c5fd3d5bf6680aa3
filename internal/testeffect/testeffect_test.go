package testeffect

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mycelial/hiveware/internal/testutil"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

func closeEnough(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (+/- %v)", what, got, want, tol)
	}
}

// ease_factor=2.5, interval=1. A success with d=0 gives
// interval=2.5 (ease factor stays at the 2.5 ceiling), retrieval_strength
// += 0.1. A following failure resets interval=1, ease_factor=2.3.
func TestRecordRetrieval_SuccessThenFailureScenario(t *testing.T) {
	s := testutil.NewTestStore(t)
	m := testutil.SeedMemory(t, s, "spaced repetition candidate")

	sched := New(s)

	after, err := sched.RecordRetrieval(context.Background(), m.ID, true, 0)
	if err != nil {
		t.Fatalf("RecordRetrieval success: %v", err)
	}
	closeEnough(t, after.CurrentIntervalDays, 2.5, 1e-9, "CurrentIntervalDays")
	closeEnough(t, after.EaseFactor, 2.5, 1e-9, "EaseFactor")
	closeEnough(t, after.RetrievalStrength, 0.1, 1e-9, "RetrievalStrength")
	if after.TotalRetrievals != 1 || after.SuccessfulRetrievals != 1 || after.FailedRetrievals != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0", after.TotalRetrievals, after.SuccessfulRetrievals, after.FailedRetrievals)
	}
	if after.NextReviewAt == nil {
		t.Fatal("expected next_review_at to be set")
	}

	after2, err := sched.RecordRetrieval(context.Background(), m.ID, false, 1.0)
	if err != nil {
		t.Fatalf("RecordRetrieval failure: %v", err)
	}
	closeEnough(t, after2.CurrentIntervalDays, 1.0, 1e-9, "CurrentIntervalDays after failure")
	closeEnough(t, after2.EaseFactor, 2.3, 1e-9, "EaseFactor after failure")
	if after2.TotalRetrievals != 2 || after2.SuccessfulRetrievals != 1 || after2.FailedRetrievals != 1 {
		t.Errorf("counters = %d/%d/%d, want 2/1/1", after2.TotalRetrievals, after2.SuccessfulRetrievals, after2.FailedRetrievals)
	}
}

func TestRecordRetrieval_RejectsOutOfRangeDifficulty(t *testing.T) {
	s := testutil.NewTestStore(t)
	m := testutil.SeedMemory(t, s, "bounds check")
	sched := New(s)

	_, err := sched.RecordRetrieval(context.Background(), m.ID, true, 1.5)
	if !errors.Is(err, herrors.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	_, err = sched.RecordRetrieval(context.Background(), m.ID, true, -0.1)
	if !errors.Is(err, herrors.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestRecordRetrieval_UnknownIDNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	sched := New(s)

	_, err := sched.RecordRetrieval(context.Background(), "does-not-exist", true, 0.2)
	if !errors.Is(err, herrors.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestDueForReview_SelectsPastDueMemories(t *testing.T) {
	s := testutil.NewTestStore(t)
	sched := New(s)

	due := testutil.SeedMemory(t, s, "overdue for review")
	now := time.Now()
	past := now.Add(-time.Hour)
	due.NextReviewAt = &past
	if err := s.UpdateFields(context.Background(), due); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	notDue := testutil.SeedMemory(t, s, "not due yet")
	future := now.Add(time.Hour)
	notDue.NextReviewAt = &future
	if err := s.UpdateFields(context.Background(), notDue); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	results, err := sched.DueForReview(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("DueForReview: %v", err)
	}
	if len(results) != 1 || results[0].ID != due.ID {
		t.Fatalf("DueForReview = %v, want only %s", results, due.ID)
	}
}
