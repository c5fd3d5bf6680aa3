package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertFrozenRecord writes the FrozenRecord shadow row. A memory that was
// unfrozen and later refrozen reuses its existing row (UNIQUE(memory_id)),
// keeping the unfreeze counter and last-unfrozen timestamp across cycles.
func (s *Store) InsertFrozenRecord(ctx context.Context, r *FrozenRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.FrozenAt.IsZero() {
		r.FrozenAt = time.Now().UTC()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO frozen_memories (
			id, memory_id, compressed_content, compressed_metadata, reduced_embedding,
			original_tier, frozen_at, unfreeze_count, last_unfrozen_at,
			final_consolidation_strength, compression_ratio, retrieval_difficulty_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			compressed_content = excluded.compressed_content,
			compressed_metadata = excluded.compressed_metadata,
			reduced_embedding = excluded.reduced_embedding,
			original_tier = excluded.original_tier,
			frozen_at = excluded.frozen_at,
			final_consolidation_strength = excluded.final_consolidation_strength,
			compression_ratio = excluded.compression_ratio,
			retrieval_difficulty_seconds = excluded.retrieval_difficulty_seconds
	`, r.ID, r.MemoryID, r.CompressedContent, r.CompressedMetadata, encodeEmbedding(r.ReducedEmbedding),
		r.OriginalTier, r.FrozenAt, r.UnfreezeCount, nullTime(r.LastUnfrozenAt),
		r.FinalConsolidationStrength, r.CompressionRatio, r.RetrievalDifficultySeconds)
	if err != nil {
		return fmt.Errorf("insert frozen record: %w", err)
	}
	return nil
}

const frozenSelectColumns = `
	id, memory_id, compressed_content, compressed_metadata, reduced_embedding,
	original_tier, frozen_at, unfreeze_count, last_unfrozen_at,
	final_consolidation_strength, compression_ratio, retrieval_difficulty_seconds
`

func scanFrozenRecord(row interface{ Scan(...any) error }) (*FrozenRecord, error) {
	var r FrozenRecord
	var reducedEmbedding []byte
	var lastUnfrozenAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.MemoryID, &r.CompressedContent, &r.CompressedMetadata, &reducedEmbedding,
		&r.OriginalTier, &r.FrozenAt, &r.UnfreezeCount, &lastUnfrozenAt,
		&r.FinalConsolidationStrength, &r.CompressionRatio, &r.RetrievalDifficultySeconds,
	)
	if err != nil {
		return nil, err
	}
	r.ReducedEmbedding = decodeEmbedding(reducedEmbedding)
	if lastUnfrozenAt.Valid {
		t := lastUnfrozenAt.Time
		r.LastUnfrozenAt = &t
	}
	return &r, nil
}

// GetFrozenRecordByMemoryID looks up the frozen record for a given original
// memory id. Returns nil, nil if none exists.
func (s *Store) GetFrozenRecordByMemoryID(ctx context.Context, memoryID string) (*FrozenRecord, error) {
	row := s.QueryRowContext(ctx, "SELECT "+frozenSelectColumns+" FROM frozen_memories WHERE memory_id = ?", memoryID)
	r, err := scanFrozenRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frozen record: %w", err)
	}
	return r, nil
}

// GetFrozenRecord looks up a frozen record by its own id.
func (s *Store) GetFrozenRecord(ctx context.Context, id string) (*FrozenRecord, error) {
	row := s.QueryRowContext(ctx, "SELECT "+frozenSelectColumns+" FROM frozen_memories WHERE id = ?", id)
	r, err := scanFrozenRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frozen record: %w", err)
	}
	return r, nil
}

// MarkUnfrozen bumps the unfreeze counter and last-unfrozen timestamp
// without deleting the FrozenRecord.
func (s *Store) MarkUnfrozen(ctx context.Context, id string, at time.Time) error {
	_, err := s.ExecContext(ctx, `
		UPDATE frozen_memories SET unfreeze_count = unfreeze_count + 1, last_unfrozen_at = ? WHERE id = ?
	`, at, id)
	if err != nil {
		return fmt.Errorf("mark unfrozen: %w", err)
	}
	return nil
}

// InsertCompressionRecord logs a compression event: a freeze, or a dedup
// content_summarization merge.
func (s *Store) InsertCompressionRecord(ctx context.Context, r *CompressionRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var mergeOpID sql.NullString
	if r.MergeOpID != nil {
		mergeOpID = sql.NullString{String: *r.MergeOpID, Valid: true}
	}
	var ratio float64
	if r.OriginalSizeBytes > 0 {
		ratio = float64(r.OriginalSizeBytes) / float64(max(1, r.CompressedSizeBytes))
	}
	if r.CompressionRatio == 0 {
		r.CompressionRatio = ratio
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO memory_compression_log (id, merge_op_id, memory_id, strategy, original_size_bytes, compressed_size_bytes, compression_ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, mergeOpID, r.MemoryID, r.Strategy, r.OriginalSizeBytes, r.CompressedSizeBytes, r.CompressionRatio, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert compression record: %w", err)
	}
	return nil
}
