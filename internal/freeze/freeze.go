// Package freeze implements the Freeze/Unfreeze Engine: zstd
// compression of cold-tier memories into a FrozenRecord, a reduced-dimension
// embedding for approximate frozen search, and the intentional synchronous
// delay on unfreeze that makes retrieving a frozen memory a deliberate,
// costly action rather than a free one.
package freeze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/store"
	"github.com/mycelial/hiveware/internal/vectorindex"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

var log = logging.GetLogger("freeze")

// Config configures compression targets and the unfreeze delay.
type Config struct {
	CompressionLevel     zstd.EncoderLevel
	MinCompressionRatio  float64
	UnfreezeDelaySeconds float64
	FrozenDim            int
	MaxRecallProbability float64 // freeze precondition ceiling, default 0.2
}

// Engine is the Freeze/Unfreeze Engine.
type Engine struct {
	store   *store.Store
	index   vectorindex.VectorIndex
	cfg     Config
	clock   func() time.Time
	sleeper func(time.Duration)
}

// New constructs an Engine. sleeper defaults to time.Sleep; tests may inject
// a recording stand-in to assert the delay without paying it.
func New(s *store.Store, index vectorindex.VectorIndex, cfg Config) *Engine {
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = zstd.SpeedDefault
	}
	if cfg.MinCompressionRatio <= 0 {
		cfg.MinCompressionRatio = 5.0
	}
	if cfg.UnfreezeDelaySeconds < 2 || cfg.UnfreezeDelaySeconds > 5 {
		cfg.UnfreezeDelaySeconds = 3
	}
	if cfg.FrozenDim <= 0 {
		cfg.FrozenDim = 128
	}
	if cfg.MaxRecallProbability <= 0 || cfg.MaxRecallProbability > 1 {
		cfg.MaxRecallProbability = 0.2
	}
	return &Engine{store: s, index: index, cfg: cfg, clock: time.Now, sleeper: time.Sleep}
}

// WithClock overrides the engine's clock (for deterministic tests).
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithSleeper overrides the unfreeze delay function (for deterministic tests).
func (e *Engine) WithSleeper(sleeper func(time.Duration)) *Engine {
	e.sleeper = sleeper
	return e
}

func compress(level zstd.EncoderLevel, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// ReduceEmbedding projects a full-dimension embedding down to its first k
// coordinates. Exported so the repository's frozen-tier semantic search can
// reduce a query vector the same way before searching the frozen
// collection.
func ReduceEmbedding(full []float32, k int) []float32 {
	if len(full) == 0 {
		return nil
	}
	if len(full) <= k {
		return append([]float32(nil), full...)
	}
	return append([]float32(nil), full[:k]...)
}

// Freeze compresses a cold memory's content into a FrozenRecord and
// archives the original row.
//
// Precondition: tier=cold and recall_probability below the configured
// ceiling (default 0.2).
func (e *Engine) Freeze(ctx context.Context, memoryID string) error {
	unlock := e.store.LockMemory(memoryID)
	defer unlock()

	m, err := e.store.GetMemory(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("freeze: load memory: %w", err)
	}
	if m == nil {
		return herrors.NewNotFound("Freeze", memoryID)
	}
	if m.Tier != "cold" || m.RecallProbability == nil || *m.RecallProbability >= e.cfg.MaxRecallProbability {
		return herrors.NewPreconditionFailed("Freeze", memoryID)
	}

	originalContent := []byte(m.Content)
	compressedContent, err := compress(e.cfg.CompressionLevel, originalContent)
	if err != nil {
		return fmt.Errorf("freeze %s: %w", memoryID, err)
	}

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("freeze %s: marshal metadata: %w", memoryID, err)
	}
	compressedMetadata, err := compress(e.cfg.CompressionLevel, metaJSON)
	if err != nil {
		return fmt.Errorf("freeze %s: compress metadata: %w", memoryID, err)
	}

	ratio := 1.0
	if len(compressedContent) > 0 {
		ratio = float64(len(originalContent)) / float64(len(compressedContent))
	}
	if ratio < e.cfg.MinCompressionRatio {
		log.Warn("freeze: compression ratio below target", "memory_id", memoryID, "ratio", ratio, "target", e.cfg.MinCompressionRatio)
	}

	reduced := ReduceEmbedding(m.Embedding, e.cfg.FrozenDim)
	now := e.clock()

	frozen := &store.FrozenRecord{
		MemoryID:                   memoryID,
		CompressedContent:          compressedContent,
		CompressedMetadata:         compressedMetadata,
		ReducedEmbedding:           reduced,
		OriginalTier:               "cold",
		FrozenAt:                   now,
		FinalConsolidationStrength: m.ConsolidationStrength,
		CompressionRatio:           ratio,
		RetrievalDifficultySeconds: e.cfg.UnfreezeDelaySeconds,
	}
	if err := e.store.InsertFrozenRecord(ctx, frozen); err != nil {
		return fmt.Errorf("freeze %s: write frozen record: %w", memoryID, err)
	}

	if err := e.store.InsertCompressionRecord(ctx, &store.CompressionRecord{
		MemoryID:            memoryID,
		Strategy:            "freeze",
		OriginalSizeBytes:   len(originalContent),
		CompressedSizeBytes: len(compressedContent),
		CompressionRatio:    ratio,
		CreatedAt:           now,
	}); err != nil {
		log.Warn("freeze: failed to log compression record", "memory_id", memoryID, "error", err)
	}

	strengthBefore := m.ConsolidationStrength
	recallBefore := m.RecallProbability

	m.Tier = "frozen"
	m.Status = "archived"
	m.Embedding = nil
	if err := e.store.UpdateFields(ctx, m); err != nil {
		return fmt.Errorf("freeze %s: update original row: %w", memoryID, err)
	}

	if e.index != nil {
		if err := e.index.Delete(ctx, memoryID, false); err != nil {
			log.Warn("freeze: failed to remove full-dim vector", "memory_id", memoryID, "error", err)
		}
		if len(reduced) > 0 {
			if err := e.index.Upsert(ctx, memoryID, reduced, true); err != nil {
				log.Warn("freeze: failed to upsert reduced-dim vector", "memory_id", memoryID, "error", err)
			}
		}
	}

	_ = e.store.InsertConsolidationLog(ctx, &store.ConsolidationLogEntry{
		MemoryID:         memoryID,
		EventType:        "freeze",
		StrengthBefore:   &strengthBefore,
		StrengthAfter:    &strengthBefore,
		RecallProbBefore: recallBefore,
		RecallProbAfter:  recallBefore,
		CreatedAt:        now,
	})

	return nil
}

// Unfreeze restores a frozen memory to the working tier after the
// intentional retrieval-difficulty delay.
func (e *Engine) Unfreeze(ctx context.Context, frozenID string) (*store.Memory, error) {
	fr, err := e.store.GetFrozenRecord(ctx, frozenID)
	if err != nil {
		return nil, fmt.Errorf("unfreeze: load frozen record: %w", err)
	}
	if fr == nil {
		return nil, herrors.NewPreconditionFailed("Unfreeze", frozenID)
	}

	delay := fr.RetrievalDifficultySeconds
	if delay < 2 {
		delay = 2
	}
	if delay > 5 {
		delay = 5
	}
	e.sleeper(time.Duration(delay * float64(time.Second)))

	content, err := decompress(fr.CompressedContent)
	if err != nil {
		return nil, herrors.NewCorrupted("Unfreeze", frozenID, err)
	}
	var metadata map[string]any
	if len(fr.CompressedMetadata) > 0 {
		metaJSON, err := decompress(fr.CompressedMetadata)
		if err != nil {
			return nil, herrors.NewCorrupted("Unfreeze", frozenID, err)
		}
		if err := json.Unmarshal(metaJSON, &metadata); err != nil {
			return nil, herrors.NewCorrupted("Unfreeze", frozenID, err)
		}
	}

	unlock := e.store.LockMemory(fr.MemoryID)
	defer unlock()

	m, err := e.store.GetMemory(ctx, fr.MemoryID)
	if err != nil {
		return nil, fmt.Errorf("unfreeze: load memory: %w", err)
	}
	if m == nil {
		return nil, herrors.NewNotFound("Unfreeze", fr.MemoryID)
	}

	now := e.clock()
	strengthBefore := m.ConsolidationStrength

	m.Content = string(content)
	if metadata != nil {
		m.Metadata = metadata
	}
	m.Tier = "working"
	m.Status = "active"
	m.Embedding = nil
	m.ConsolidationStrength = maxFloat(1.0, fr.FinalConsolidationStrength*0.8)
	m.AccessCount++
	m.RecallProbability = nil
	m.LastAccessedAt = &now

	if err := e.store.UpdateFields(ctx, m); err != nil {
		return nil, fmt.Errorf("unfreeze: update memory: %w", err)
	}
	if err := e.store.MarkUnfrozen(ctx, fr.ID, now); err != nil {
		log.Warn("unfreeze: failed to mark unfrozen", "frozen_id", frozenID, "error", err)
	}
	if e.index != nil {
		if err := e.index.Delete(ctx, fr.MemoryID, true); err != nil {
			log.Warn("unfreeze: failed to remove reduced-dim vector", "memory_id", fr.MemoryID, "error", err)
		}
	}

	_ = e.store.InsertConsolidationLog(ctx, &store.ConsolidationLogEntry{
		MemoryID:              m.ID,
		EventType:             "unfreeze",
		StrengthBefore:        &strengthBefore,
		StrengthAfter:         &m.ConsolidationStrength,
		RecallIntervalSeconds: &delay,
		ContextJSON:           fmt.Sprintf(`{"prior_frozen_at":"%s"}`, fr.FrozenAt.Format(time.RFC3339)),
		CreatedAt:             now,
	})

	return m, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
