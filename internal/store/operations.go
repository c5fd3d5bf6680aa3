package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HashContent computes the dedup hash for Memory.Content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}

func encodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateMemory inserts a new memory row. Caller is responsible for computing
// initial scores via the scoring package before calling this.
func (s *Store) CreateMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.ContentHash == "" {
		m.ContentHash = HashContent(m.Content)
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var sourceIDsJSON []byte
	if len(m.SourceMemoryIDs) > 0 {
		sourceIDsJSON, err = json.Marshal(m.SourceMemoryIDs)
		if err != nil {
			return fmt.Errorf("marshal source_memory_ids: %w", err)
		}
	}

	_, err = s.ExecContext(ctx, `
		INSERT INTO memories (
			id, content, content_hash, embedding, tier, status,
			importance, recency, relevance, combined_score,
			consolidation_strength, decay_rate, recall_probability, last_recall_interval_seconds,
			total_retrievals, successful_retrievals, failed_retrievals, retrieval_strength,
			current_interval_days, ease_factor, next_review_at,
			access_count, last_accessed_at,
			parent_memory_id, metadata, source_memory_ids,
			dedup_eligible, last_dedup_check_at,
			created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Content, m.ContentHash, encodeEmbedding(m.Embedding), m.Tier, m.Status,
		m.Importance, m.Recency, m.Relevance, m.CombinedScore,
		m.ConsolidationStrength, m.DecayRate, nullFloat(m.RecallProbability), nullFloat(m.LastRecallIntervalSeconds),
		m.TotalRetrievals, m.SuccessfulRetrievals, m.FailedRetrievals, m.RetrievalStrength,
		m.CurrentIntervalDays, m.EaseFactor, nullTime(m.NextReviewAt),
		m.AccessCount, nullTime(m.LastAccessedAt),
		nullStr(m.ParentMemoryID), string(metaJSON), nullStr(jsonOrNil(sourceIDsJSON)),
		m.DedupEligible, nullTime(m.LastDedupCheckAt),
		m.CreatedAt, m.UpdatedAt, nullTime(m.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	return nil
}

func jsonOrNil(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

const memorySelectColumns = `
	id, content, content_hash, embedding, tier, status,
	importance, recency, relevance, combined_score,
	consolidation_strength, decay_rate, recall_probability, last_recall_interval_seconds,
	total_retrievals, successful_retrievals, failed_retrievals, retrieval_strength,
	current_interval_days, ease_factor, next_review_at,
	access_count, last_accessed_at,
	parent_memory_id, metadata, source_memory_ids,
	dedup_eligible, last_dedup_check_at,
	created_at, updated_at, expires_at
`

func scanMemory(row interface{ Scan(...any) error }) (*Memory, error) {
	var m Memory
	var embedding []byte
	var recallProb, lastRecallInterval sql.NullFloat64
	var nextReviewAt, lastAccessedAt, lastDedupCheckAt, expiresAt sql.NullTime
	var parentID, sourceIDsJSON sql.NullString
	var metaJSON string

	err := row.Scan(
		&m.ID, &m.Content, &m.ContentHash, &embedding, &m.Tier, &m.Status,
		&m.Importance, &m.Recency, &m.Relevance, &m.CombinedScore,
		&m.ConsolidationStrength, &m.DecayRate, &recallProb, &lastRecallInterval,
		&m.TotalRetrievals, &m.SuccessfulRetrievals, &m.FailedRetrievals, &m.RetrievalStrength,
		&m.CurrentIntervalDays, &m.EaseFactor, &nextReviewAt,
		&m.AccessCount, &lastAccessedAt,
		&parentID, &metaJSON, &sourceIDsJSON,
		&m.DedupEligible, &lastDedupCheckAt,
		&m.CreatedAt, &m.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	m.Embedding = decodeEmbedding(embedding)
	if recallProb.Valid {
		v := recallProb.Float64
		m.RecallProbability = &v
	}
	if lastRecallInterval.Valid {
		v := lastRecallInterval.Float64
		m.LastRecallIntervalSeconds = &v
	}
	if nextReviewAt.Valid {
		t := nextReviewAt.Time
		m.NextReviewAt = &t
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		m.LastAccessedAt = &t
	}
	if lastDedupCheckAt.Valid {
		t := lastDedupCheckAt.Time
		m.LastDedupCheckAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if parentID.Valid {
		v := parentID.String
		m.ParentMemoryID = &v
	}
	if sourceIDsJSON.Valid && sourceIDsJSON.String != "" {
		_ = json.Unmarshal([]byte(sourceIDsJSON.String), &m.SourceMemoryIDs)
	}
	m.Metadata = map[string]any{}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	}

	return &m, nil
}

// GetMemory retrieves a memory by ID. Returns nil, nil if not found.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.QueryRowContext(ctx, "SELECT "+memorySelectColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// FindActiveByHashTier returns the active memory with the given content hash
// in the given tier, if any (used for dedup-at-insert).
func (s *Store) FindActiveByHashTier(ctx context.Context, hash, tier string) (*Memory, error) {
	row := s.QueryRowContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE content_hash = ? AND tier = ? AND status = 'active'`, hash, tier)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash/tier: %w", err)
	}
	return m, nil
}

// CountActiveInTier returns the count of active rows in a tier (capacity invariant).
func (s *Store) CountActiveInTier(ctx context.Context, tier string) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE tier = ? AND status = 'active'`, tier).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active in tier: %w", err)
	}
	return n, nil
}

// UpdateFields applies a full-row update used by the scoring/consolidation/
// migration paths. All fields are rewritten; callers load-modify-save.
func (s *Store) UpdateFields(ctx context.Context, m *Memory) error {
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var sourceIDsJSON []byte
	if len(m.SourceMemoryIDs) > 0 {
		sourceIDsJSON, err = json.Marshal(m.SourceMemoryIDs)
		if err != nil {
			return fmt.Errorf("marshal source_memory_ids: %w", err)
		}
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := s.ExecContext(ctx, `
		UPDATE memories SET
			content = ?, content_hash = ?, embedding = ?, tier = ?, status = ?,
			importance = ?, recency = ?, relevance = ?, combined_score = ?,
			consolidation_strength = ?, decay_rate = ?, recall_probability = ?, last_recall_interval_seconds = ?,
			total_retrievals = ?, successful_retrievals = ?, failed_retrievals = ?, retrieval_strength = ?,
			current_interval_days = ?, ease_factor = ?, next_review_at = ?,
			access_count = ?, last_accessed_at = ?,
			parent_memory_id = ?, metadata = ?, source_memory_ids = ?,
			dedup_eligible = ?, last_dedup_check_at = ?,
			updated_at = ?, expires_at = ?
		WHERE id = ?
	`,
		m.Content, m.ContentHash, encodeEmbedding(m.Embedding), m.Tier, m.Status,
		m.Importance, m.Recency, m.Relevance, m.CombinedScore,
		m.ConsolidationStrength, m.DecayRate, nullFloat(m.RecallProbability), nullFloat(m.LastRecallIntervalSeconds),
		m.TotalRetrievals, m.SuccessfulRetrievals, m.FailedRetrievals, m.RetrievalStrength,
		m.CurrentIntervalDays, m.EaseFactor, nullTime(m.NextReviewAt),
		m.AccessCount, nullTime(m.LastAccessedAt),
		nullStr(m.ParentMemoryID), string(metaJSON), nullStr(jsonOrNil(sourceIDsJSON)),
		m.DedupEligible, nullTime(m.LastDedupCheckAt),
		m.UpdatedAt, nullTime(m.ExpiresAt),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDelete flips status to deleted.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.ExecContext(ctx, `UPDATE memories SET status = 'deleted', updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HardDelete permanently removes a memory row (maintenance sweep reclamation).
func (s *Store) HardDelete(ctx context.Context, id string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	return nil
}

// ListMemories retrieves memories matching the given filters.
func (s *Store) ListMemories(ctx context.Context, f *MemoryFilters) ([]*Memory, error) {
	var where []string
	var args []any

	if f.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, f.Tier)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if f.StartDate != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.EndDate)
	}

	query := "SELECT " + memorySelectColumns + " FROM memories"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
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

// ColdTierScan exact-scans the cold tier up to a row limit, the fallback
// search path for the tier with no vector index coverage.
func (s *Store) ColdTierScan(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.QueryContext(ctx, "SELECT "+memorySelectColumns+` FROM memories
		WHERE tier = 'cold' AND status = 'active' LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cold tier scan: %w", err)
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

// KeywordSearch runs an FTS5 MATCH query over active memories, returning
// ids and a normalized relevance in [0,1] derived from FTS5's bm25() rank.
type KeywordHit struct {
	ID        string
	Relevance float64
}

func escapeFTS5Query(q string) string {
	q = strings.ReplaceAll(q, `"`, `""`)
	return `"` + q + `"`
}

func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ? AND m.status = 'active'
		ORDER BY rank
		LIMIT ?
	`, escapeFTS5Query(query), limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []KeywordHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		normalized := 1.0 + (rank / 10.0)
		if normalized < 0 {
			normalized = 0
		}
		if normalized > 1 {
			normalized = 1
		}
		out = append(out, KeywordHit{ID: id, Relevance: normalized})
	}
	return out, rows.Err()
}
