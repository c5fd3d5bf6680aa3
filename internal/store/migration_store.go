package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertMigrationHistory writes a pending MigrationHistoryEntry
// (success=false, no duration). CompleteMigrationHistory finalizes it, so
// each tier transition leaves exactly one row.
func (s *Store) InsertMigrationHistory(ctx context.Context, e *MigrationHistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var durationMS sql.NullInt64
	if e.DurationMS != nil {
		durationMS = sql.NullInt64{Int64: *e.DurationMS, Valid: true}
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO migration_history (id, memory_id, from_tier, to_tier, reason, duration_ms, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MemoryID, e.FromTier, e.ToTier, e.Reason, durationMS, e.Success, e.ErrorMessage, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert migration history: %w", err)
	}
	return nil
}

// CompleteMigrationHistory finalizes a pending history row in place with
// the transition's outcome and duration.
func (s *Store) CompleteMigrationHistory(ctx context.Context, id string, success bool, errorMessage string, durationMS int64) error {
	res, err := s.ExecContext(ctx, `
		UPDATE migration_history SET success = ?, error_message = ?, duration_ms = ? WHERE id = ?
	`, success, errorMessage, durationMS, id)
	if err != nil {
		return fmt.Errorf("complete migration history: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PendingMigrations returns memories stuck in status=migrating.
func (s *Store) PendingMigrations(ctx context.Context) ([]*Memory, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories WHERE status = 'migrating'`)
	if err != nil {
		return nil, fmt.Errorf("pending migrations: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MigrationCandidates returns active memories in fromTier whose recall
// probability is strictly below threshold, ordered by the tie-break rule:
// consolidation_strength desc, then last_accessed_at asc.
func (s *Store) MigrationCandidates(ctx context.Context, fromTier string, threshold float64, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE tier = ? AND status = 'active' AND recall_probability IS NOT NULL AND recall_probability < ?
		ORDER BY consolidation_strength DESC, last_accessed_at ASC
		LIMIT ?
	`, fromTier, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("migration candidates: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertConsolidationLog appends a ConsolidationLogEntry.
func (s *Store) InsertConsolidationLog(ctx context.Context, e *ConsolidationLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO memory_consolidation_log (
			id, memory_id, event_type, strength_before, strength_after,
			recall_prob_before, recall_prob_after, recall_interval_seconds, context_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MemoryID, e.EventType, nullFloat(e.StrengthBefore), nullFloat(e.StrengthAfter),
		nullFloat(e.RecallProbBefore), nullFloat(e.RecallProbAfter), nullFloat(e.RecallIntervalSeconds),
		e.ContextJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert consolidation log: %w", err)
	}
	return nil
}

// ActiveMemoriesAccessedSince returns active memories whose last_accessed_at
// changed since the given time.
func (s *Store) ActiveMemoriesAccessedSince(ctx context.Context, since time.Time) ([]*Memory, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE status = 'active' AND last_accessed_at IS NOT NULL AND last_accessed_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("accessed since: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DueForReview returns active memories whose next_review_at has passed,
// ordered soonest-due first.
func (s *Store) DueForReview(ctx context.Context, now time.Time, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE status = 'active' AND next_review_at IS NOT NULL AND next_review_at <= ?
		ORDER BY next_review_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due for review: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertTierStatisticsSnapshot records a point-in-time TierStats row.
func (s *Store) InsertTierStatisticsSnapshot(ctx context.Context, ts TierStats) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO memory_tier_statistics (tier, count, avg_combined_score, avg_recall_probability, avg_consolidation_strength)
		VALUES (?, ?, ?, ?, ?)
	`, ts.Tier, ts.Count, ts.AvgCombinedScore, ts.AvgRecallProbability, ts.AvgConsolidationStrength)
	if err != nil {
		return fmt.Errorf("insert tier statistics snapshot: %w", err)
	}
	return nil
}
