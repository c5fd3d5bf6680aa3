// Package consolidation implements the consolidation worker: it runs on
// every access and on a periodic sweep, updating consolidation strength,
// recall probability, and the append-only consolidation log.
package consolidation

import (
	"context"
	"fmt"
	"time"

	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/store"
)

var log = logging.GetLogger("consolidation")

// Clock returns the current time; injected so scoring stays deterministic in tests.
type Clock func() time.Time

// Config mirrors the scoring-relevant subset of the engine configuration.
type Config struct {
	RecencyLambda    float64
	WeightRecency    float64
	WeightImportance float64
	WeightRelevance  float64
}

// Worker is the Consolidation Worker.
type Worker struct {
	store *store.Store
	clock Clock
	cfg   Config
}

// New constructs a Worker over store s.
func New(s *store.Store, cfg Config, clock Clock) *Worker {
	if clock == nil {
		clock = time.Now
	}
	return &Worker{store: s, clock: clock, cfg: cfg}
}

func (w *Worker) weights() scoring.Weights {
	return scoring.Weights{Recency: w.cfg.WeightRecency, Importance: w.cfg.WeightImportance, Relevance: w.cfg.WeightRelevance}
}

// OnAccess runs the on-access update for a single memory: computes Δt
// since the previous access, grows consolidation strength, recomputes
// recall probability, recency, and relevance (access_count moved), and
// appends a ConsolidationLogEntry. Idempotent when called twice with Δt=0
// (same `now` as the access that just happened): neither
// consolidation_strength nor recall_probability changes on the repeat call.
func (w *Worker) OnAccess(ctx context.Context, id string, now time.Time) error {
	unlock := w.store.LockMemory(id)
	defer unlock()

	m, err := w.store.GetMemory(ctx, id)
	if err != nil {
		return fmt.Errorf("on access: load memory: %w", err)
	}
	if m == nil {
		return fmt.Errorf("on access: memory %s not found", id)
	}

	var deltaHours float64
	if m.LastAccessedAt != nil {
		deltaHours = now.Sub(*m.LastAccessedAt).Hours()
		if deltaHours < 0 {
			deltaHours = 0
		}
	}

	strengthBefore := m.ConsolidationStrength
	recallBefore := m.RecallProbability

	newStrength := scoring.UpdateConsolidationStrength(m.ConsolidationStrength, deltaHours)

	zero := 0.0
	newRecall, _ := scoring.RecallProbability(&zero, newStrength, m.DecayRate)

	m.ConsolidationStrength = newStrength
	m.RecallProbability = &newRecall
	m.LastRecallIntervalSeconds = floatPtr(deltaHours * 3600)
	m.AccessCount++
	m.LastAccessedAt = &now
	m.Recency = scoring.Recency(0, w.cfg.RecencyLambda)
	m.Relevance = scoring.Relevance(0.5, m.Importance, m.AccessCount)
	m.CombinedScore = scoring.Combined(m.Recency, m.Importance, m.Relevance, w.weights())

	if err := w.store.UpdateFields(ctx, m); err != nil {
		return fmt.Errorf("on access: update memory: %w", err)
	}

	entry := &store.ConsolidationLogEntry{
		MemoryID:              id,
		EventType:             "access",
		StrengthBefore:        &strengthBefore,
		StrengthAfter:         &newStrength,
		RecallProbBefore:      recallBefore,
		RecallProbAfter:       &newRecall,
		RecallIntervalSeconds: floatPtr(deltaHours * 3600),
		CreatedAt:             now,
	}
	if err := w.store.InsertConsolidationLog(ctx, entry); err != nil {
		return fmt.Errorf("on access: log: %w", err)
	}
	return nil
}

// Sweep recomputes recall_probability, recency, relevance and the combined
// score (without touching consolidation strength) for every active memory
// accessed since `since`, keeping migration decisions fresh. Rows are not
// compared against their review or recall interval: each such row with a
// last access is recomputed.
func (w *Worker) Sweep(ctx context.Context, since time.Time, now time.Time) (int, error) {
	memories, err := w.store.ActiveMemoriesAccessedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("sweep: load memories: %w", err)
	}

	updated := 0
	for _, m := range memories {
		select {
		case <-ctx.Done():
			return updated, ctx.Err()
		default:
		}

		if m.LastAccessedAt == nil {
			continue
		}
		hoursSince := now.Sub(*m.LastAccessedAt).Hours()
		p, defined := scoring.RecallProbability(&hoursSince, m.ConsolidationStrength, m.DecayRate)
		if !defined {
			continue
		}

		unlock := w.store.LockMemory(m.ID)
		recallBefore := m.RecallProbability
		m.RecallProbability = &p
		m.Recency = scoring.Recency(hoursSince, w.cfg.RecencyLambda)
		m.Relevance = scoring.Relevance(0.5, m.Importance, m.AccessCount)
		m.CombinedScore = scoring.Combined(m.Recency, m.Importance, m.Relevance, w.weights())
		err := w.store.UpdateFields(ctx, m)
		unlock()
		if err != nil {
			log.Warn("sweep update failed", "memory_id", m.ID, "error", err)
			continue
		}

		_ = w.store.InsertConsolidationLog(ctx, &store.ConsolidationLogEntry{
			MemoryID:         m.ID,
			EventType:        "decay",
			RecallProbBefore: recallBefore,
			RecallProbAfter:  &p,
			CreatedAt:        now,
		})
		updated++
	}
	return updated, nil
}

func floatPtr(f float64) *float64 { return &f }
