// Package testeffect implements the Testing-Effect Scheduler:
// spaced-repetition bookkeeping driven by explicit retrieval outcomes. It
// owns ease factor, interval, next-review timestamp, and retrieval
// strength; surfacing due memories to a caller (a reflection prompt, a
// review UI) is an external collaborator's concern the core doesn't reach
// into.
package testeffect

import (
	"context"
	"fmt"
	"time"

	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/store"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

var log = logging.GetLogger("testeffect")

// Clock returns the current time; overridden in tests.
type Clock func() time.Time

// Scheduler is the Testing-Effect Scheduler.
type Scheduler struct {
	store *store.Store
	clock Clock
}

// New constructs a Scheduler over store s.
func New(s *store.Store) *Scheduler {
	return &Scheduler{store: s, clock: time.Now}
}

// WithClock overrides the scheduler's clock (deterministic tests).
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// RecordRetrieval applies one retrieval attempt's outcome to a memory's
// testing-effect state. difficulty must be in [0,1].
func (s *Scheduler) RecordRetrieval(ctx context.Context, id string, success bool, difficulty float64) (*store.Memory, error) {
	if difficulty < 0 || difficulty > 1 {
		return nil, herrors.NewInvalidArgument("RecordRetrieval", "difficulty", fmt.Errorf("difficulty must be in [0,1]"))
	}

	unlock := s.store.LockMemory(id)
	defer unlock()

	m, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, herrors.NewStoreTransient("RecordRetrieval", id, err)
	}
	if m == nil || m.Status == "deleted" {
		return nil, herrors.NewNotFound("RecordRetrieval", id)
	}

	state := scoring.TestingEffectState{
		RetrievalStrength:   m.RetrievalStrength,
		CurrentIntervalDays: m.CurrentIntervalDays,
		EaseFactor:          m.EaseFactor,
	}
	next := scoring.TestingEffectUpdate(state, success, difficulty)

	now := s.clock()
	m.RetrievalStrength = next.RetrievalStrength
	m.CurrentIntervalDays = next.CurrentIntervalDays
	m.EaseFactor = next.EaseFactor
	m.NextReviewAt = timePtr(now.Add(time.Duration(next.CurrentIntervalDays * 24 * float64(time.Hour))))
	m.TotalRetrievals++
	if success {
		m.SuccessfulRetrievals++
	} else {
		m.FailedRetrievals++
	}

	if err := s.store.UpdateFields(ctx, m); err != nil {
		return nil, herrors.NewStoreTransient("RecordRetrieval", id, err)
	}

	if err := s.store.InsertConsolidationLog(ctx, &store.ConsolidationLogEntry{
		MemoryID:    id,
		EventType:   "recall",
		ContextJSON: fmt.Sprintf(`{"success":%t,"difficulty":%f}`, success, difficulty),
		CreatedAt:   now,
	}); err != nil {
		log.Warn("record retrieval: failed to log", "memory_id", id, "error", err)
	}

	return m, nil
}

// DueForReview selects active memories whose next_review_at has passed,
// ordered soonest-due first.
func (s *Scheduler) DueForReview(ctx context.Context, now time.Time, limit int) ([]*store.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.DueForReview(ctx, now, limit)
}

func timePtr(t time.Time) *time.Time { return &t }
