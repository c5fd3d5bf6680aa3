package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DedupCandidates returns active, dedup-eligible rows in a tier that either
// have never been checked or were last checked more than recheckWindow ago,
// ordered by last-check (nulls first) then importance desc.
func (s *Store) DedupCandidates(ctx context.Context, tier string, recheckWindow time.Duration, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().UTC().Add(-recheckWindow)
	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE tier = ? AND status = 'active' AND dedup_eligible = 1
		AND (last_dedup_check_at IS NULL OR last_dedup_check_at < ?)
		ORDER BY (last_dedup_check_at IS NOT NULL), last_dedup_check_at ASC, importance DESC
		LIMIT ?
	`, tier, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("dedup candidates: %w", err)
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

// MarkDedupChecked stamps last_dedup_check_at.
func (s *Store) MarkDedupChecked(ctx context.Context, id string, at time.Time) error {
	_, err := s.ExecContext(ctx, `UPDATE memories SET last_dedup_check_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("mark dedup checked: %w", err)
	}
	return nil
}

// CacheSimilarity upserts a pairwise cosine similarity.
func (s *Store) CacheSimilarity(ctx context.Context, a, b string, sim float64) error {
	if a > b {
		a, b = b, a
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO memory_similarity_cache (memory_id_a, memory_id_b, similarity, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id_a, memory_id_b) DO UPDATE SET similarity = excluded.similarity, computed_at = excluded.computed_at
	`, a, b, sim, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache similarity: %w", err)
	}
	return nil
}

// InsertMergeHistory writes one MergeOperation row for an absorbed memory,
// retaining enough original state to reverse the merge.
func (s *Store) InsertMergeHistory(ctx context.Context, m *MergeOperation) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO memory_merge_history (
			id, merge_op_id, absorbed_memory_id, survivor_memory_id,
			similarity_score, weight_in_merge, original_content, original_metadata, original_tier, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.MergeOpID, m.AbsorbedMemoryID, m.SurvivorMemoryID,
		m.SimilarityScore, m.WeightInMerge, m.OriginalContent, m.OriginalMetadata, m.OriginalTier, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert merge history: %w", err)
	}
	return nil
}

// InsertDedupAudit writes the reversibility ledger row for a completed merge.
func (s *Store) InsertDedupAudit(ctx context.Context, e *DedupAuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = "reversible"
	}
	absorbedJSON, err := json.Marshal(e.AbsorbedMemoryIDs)
	if err != nil {
		return fmt.Errorf("marshal absorbed ids: %w", err)
	}
	_, err = s.ExecContext(ctx, `
		INSERT INTO deduplication_audit_log (id, merge_op_id, survivor_memory_id, absorbed_memory_ids, strategy, reversible_until, status, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MergeOpID, e.SurvivorMemoryID, string(absorbedJSON), e.Strategy, e.ReversibleUntil, e.Status, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert dedup audit: %w", err)
	}
	return nil
}

const dedupAuditSelectColumns = `
	id, merge_op_id, survivor_memory_id, absorbed_memory_ids, strategy, reversible_until, status, completed_at
`

func scanDedupAudit(row interface{ Scan(...any) error }) (*DedupAuditEntry, error) {
	var e DedupAuditEntry
	var absorbedJSON string
	var strategy string
	err := row.Scan(&e.ID, &e.MergeOpID, &e.SurvivorMemoryID, &absorbedJSON, &strategy, &e.ReversibleUntil, &e.Status, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	e.Strategy = strategy
	if absorbedJSON != "" {
		_ = json.Unmarshal([]byte(absorbedJSON), &e.AbsorbedMemoryIDs)
	}
	return &e, nil
}

// GetDedupAudit looks up the audit ledger row by merge_op_id.
func (s *Store) GetDedupAudit(ctx context.Context, mergeOpID string) (*DedupAuditEntry, error) {
	row := s.QueryRowContext(ctx, "SELECT "+dedupAuditSelectColumns+" FROM deduplication_audit_log WHERE merge_op_id = ?", mergeOpID)
	e, err := scanDedupAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dedup audit: %w", err)
	}
	return e, nil
}

// MergeHistoryForOp returns every absorbed-memory row recorded for a merge op.
func (s *Store) MergeHistoryForOp(ctx context.Context, mergeOpID string) ([]*MergeOperation, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, merge_op_id, absorbed_memory_id, survivor_memory_id, similarity_score, weight_in_merge, original_content, original_metadata, original_tier, created_at
		FROM memory_merge_history WHERE merge_op_id = ?
	`, mergeOpID)
	if err != nil {
		return nil, fmt.Errorf("merge history for op: %w", err)
	}
	defer rows.Close()

	var out []*MergeOperation
	for rows.Next() {
		var m MergeOperation
		if err := rows.Scan(&m.ID, &m.MergeOpID, &m.AbsorbedMemoryID, &m.SurvivorMemoryID,
			&m.SimilarityScore, &m.WeightInMerge, &m.OriginalContent, &m.OriginalMetadata, &m.OriginalTier, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan merge history: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkDedupAuditIrreversible flips the ledger row past its reversibility window.
func (s *Store) MarkDedupAuditIrreversible(ctx context.Context, mergeOpID string) error {
	_, err := s.ExecContext(ctx, `UPDATE deduplication_audit_log SET status = 'completed_irreversible' WHERE merge_op_id = ?`, mergeOpID)
	if err != nil {
		return fmt.Errorf("mark dedup audit irreversible: %w", err)
	}
	return nil
}

// ExpireDedupAudits flips every still-reversible ledger row whose window
// has elapsed to completed_irreversible, returning how many were expired.
func (s *Store) ExpireDedupAudits(ctx context.Context, now time.Time) (int, error) {
	res, err := s.ExecContext(ctx, `
		UPDATE deduplication_audit_log SET status = 'completed_irreversible'
		WHERE status = 'reversible' AND reversible_until <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire dedup audits: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsertPruningLog records a prune decision.
func (s *Store) InsertPruningLog(ctx context.Context, e *PruningLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.PrunedAt.IsZero() {
		e.PrunedAt = time.Now().UTC()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO memory_pruning_log (id, memory_id, tier, reason, scoring_vector_json, pruned_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.MemoryID, e.Tier, e.Reason, e.ScoringVectorJSON, e.PrunedAt)
	if err != nil {
		return fmt.Errorf("insert pruning log: %w", err)
	}
	return nil
}

// PruneCandidates returns cold-tier memories eligible for pruning: (1)
// recall_probability < maxRecall and age > minAgeA; (2) never-accessed and
// age > minAgeB.
func (s *Store) PruneCandidates(ctx context.Context, maxRecall float64, minAgeA, minAgeB time.Duration, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	now := time.Now().UTC()
	cutoffA := now.Add(-minAgeA)
	cutoffB := now.Add(-minAgeB)

	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE tier = 'cold' AND status = 'active' AND (
			(recall_probability IS NOT NULL AND recall_probability < ? AND created_at < ?)
			OR (last_accessed_at IS NULL AND created_at < ?)
		)
		ORDER BY
			(recall_probability IS NOT NULL AND recall_probability < ? AND created_at < ?) DESC,
			created_at ASC
		LIMIT ?
	`, maxRecall, cutoffA, cutoffB, maxRecall, cutoffA, limit)
	if err != nil {
		return nil, fmt.Errorf("prune candidates: %w", err)
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
