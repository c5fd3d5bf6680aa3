// Package repository implements CRUD over memories with the invariants
// the store alone can't enforce: content-hash dedup, working-tier
// capacity, asynchronous embedding backfill, plus the three search modes
// (semantic, hybrid, temporal). Any other consumer of the engine talks to
// the memory store only through this package.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/store"
	"github.com/mycelial/hiveware/internal/vectorindex"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

var log = logging.GetLogger("repository")

const maxContentBytes = 1 << 20 // 1 MiB

// Embedder produces an embedding for a piece of text. Satisfied by
// internal/embedclient.Client; defined locally so this package never
// imports the HTTP concerns of the embedder client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Sweeper is the subset of the Tier Migrator the repository needs to trigger
// a synchronous migration pass when the working tier is full.
type Sweeper interface {
	SweepTier(ctx context.Context, fromTier string, threshold float64, limit int, now time.Time) (int, error)
	Promote(ctx context.Context, id, reason string, now time.Time) error
}

// AccessNotifier is the subset of the Consolidation Worker the repository
// drives on every successful Get.
type AccessNotifier interface {
	OnAccess(ctx context.Context, id string, now time.Time) error
}

// Config holds the repository's scoring/capacity knobs.
type Config struct {
	WorkingCapacity        int
	WorkingToWarmThreshold float64
	RecencyLambda          float64
	Weights                scoring.Weights
	FrozenDim              int
	ColdScanLimit          int
}

// Clock returns the current time; overridden in tests for determinism.
type Clock func() time.Time

// Repository is the primary CRUD/search façade over the memory store.
type Repository struct {
	store    *store.Store
	embedder Embedder
	index    vectorindex.VectorIndex
	migrator Sweeper
	worker   AccessNotifier
	cfg      Config
	clock    Clock

	// insertMu serializes the dedup check, the capacity count, and the
	// insert itself so two concurrent Creates can't both pass the checks.
	insertMu sync.Mutex
}

// New constructs a Repository. embedder and index may be nil: embedding and
// semantic search are then unavailable, but Create and Get still work, a
// degraded-but-functional engine rather than a hard failure.
func New(s *store.Store, embedder Embedder, index vectorindex.VectorIndex, migrator Sweeper, worker AccessNotifier, cfg Config) *Repository {
	if cfg.WorkingCapacity <= 0 {
		cfg.WorkingCapacity = 1000
	}
	if cfg.ColdScanLimit <= 0 {
		cfg.ColdScanLimit = 10000
	}
	if cfg.FrozenDim <= 0 {
		cfg.FrozenDim = 128
	}
	return &Repository{store: s, embedder: embedder, index: index, migrator: migrator, worker: worker, cfg: cfg, clock: time.Now}
}

// WithClock overrides the repository's clock (deterministic tests).
func (r *Repository) WithClock(clock Clock) *Repository {
	r.clock = clock
	return r
}

func (r *Repository) retryStore(ctx context.Context, op, subject string, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		&backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          5, // 50ms -> 250ms -> 1.25s
			MaxInterval:         1250 * time.Millisecond,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		}, 2), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := fn(); err != nil {
			log.Warn("store operation attempt failed", "op", op, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return herrors.NewStoreTransient(op, subject, err)
	}
	return nil
}

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	Importance *float64
	Metadata   map[string]any
	Parent     *string
}

// Create stores a new memory in the working tier.
//
// Dedup-at-insert and the capacity check share one critical section: the
// hash lookup, the count, and the insert all happen under insertMu so
// concurrent Creates can't race past either check.
func (r *Repository) Create(ctx context.Context, content string, opts CreateOptions) (*store.Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, herrors.NewInvalidArgument("Create", "content", fmt.Errorf("content must not be empty"))
	}
	if len(content) > maxContentBytes {
		return nil, herrors.NewInvalidArgument("Create", "content", fmt.Errorf("content exceeds %d bytes", maxContentBytes))
	}
	importance := 0.5
	if opts.Importance != nil {
		if *opts.Importance < 0 || *opts.Importance > 1 {
			return nil, herrors.NewInvalidArgument("Create", "importance", fmt.Errorf("importance must be in [0,1]"))
		}
		importance = *opts.Importance
	}

	hash := store.HashContent(content)
	now := r.clock()

	var created *store.Memory
	err := r.withCapacityLock(ctx, func() error {
		existing, err := r.store.FindActiveByHashTier(ctx, hash, "working")
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if existing != nil {
			return herrors.NewDuplicateContent("Create", hash)
		}

		count, err := r.store.CountActiveInTier(ctx, "working")
		if err != nil {
			return fmt.Errorf("capacity check: %w", err)
		}
		if count >= r.cfg.WorkingCapacity {
			if r.migrator != nil {
				if _, err := r.migrator.SweepTier(ctx, "working", r.cfg.WorkingToWarmThreshold, r.cfg.WorkingCapacity, now); err != nil {
					log.Warn("synchronous capacity migration failed", "error", err)
				}
			}
			count, err = r.store.CountActiveInTier(ctx, "working")
			if err != nil {
				return fmt.Errorf("capacity recheck: %w", err)
			}
			if count >= r.cfg.WorkingCapacity {
				return herrors.NewCapacityExhausted("Create", "working")
			}
		}

		relevance := scoring.Relevance(0.5, importance, 0)
		recency := scoring.Recency(0, r.cfg.RecencyLambda)
		m := &store.Memory{
			Content:              content,
			ContentHash:          hash,
			Tier:                 "working",
			Status:               "active",
			Importance:           importance,
			Recency:              recency,
			Relevance:            relevance,
			CombinedScore:        scoring.Combined(recency, importance, relevance, r.cfg.Weights),
			ConsolidationStrength: 1.0,
			DecayRate:            1.0,
			CurrentIntervalDays:  1.0,
			EaseFactor:           2.5,
			Metadata:             opts.Metadata,
			ParentMemoryID:       opts.Parent,
			DedupEligible:        true,
			CreatedAt:            now,
		}
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}

		if err := r.store.CreateMemory(ctx, m); err != nil {
			return fmt.Errorf("create memory: %w", err)
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.backfillEmbedding(created.ID, content)
	return created, nil
}

// withCapacityLock runs fn under the repository's insert critical section.
func (r *Repository) withCapacityLock(ctx context.Context, fn func() error) error {
	r.insertMu.Lock()
	defer r.insertMu.Unlock()
	return fn()
}

// backfillEmbedding requests an embedding asynchronously and writes it back
// once available.
func (r *Repository) backfillEmbedding(id, content string) {
	if r.embedder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		vec, err := r.embedder.Embed(ctx, content)
		if err != nil {
			log.Warn("embedding backfill failed", "memory_id", id, "error", err)
			return
		}

		unlock := r.store.LockMemory(id)
		defer unlock()
		m, err := r.store.GetMemory(ctx, id)
		if err != nil || m == nil {
			log.Warn("embedding backfill: reload failed", "memory_id", id, "error", err)
			return
		}
		m.Embedding = vec
		if err := r.store.UpdateFields(ctx, m); err != nil {
			log.Warn("embedding backfill: store update failed", "memory_id", id, "error", err)
			return
		}
		if r.index != nil {
			if err := r.index.Upsert(ctx, id, vec, false); err != nil {
				log.Warn("embedding backfill: vector index upsert failed", "memory_id", id, "error", err)
			}
		}
	}()
}

// Get retrieves a memory by id, records the access, and triggers the
// Consolidation Worker's on_access update.
func (r *Repository) Get(ctx context.Context, id string) (*store.Memory, error) {
	var m *store.Memory
	err := r.retryStore(ctx, "Get", id, func() error {
		var loadErr error
		m, loadErr = r.store.GetMemory(ctx, id)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	if m == nil || m.Status == "deleted" {
		return nil, herrors.NewNotFound("Get", id)
	}

	now := r.clock()
	if r.worker != nil {
		if err := r.worker.OnAccess(ctx, id, now); err != nil {
			log.Warn("on_access failed", "memory_id", id, "error", err)
		}
	} else {
		// No consolidation worker wired: keep the access bookkeeping itself
		// so access_count and last_accessed_at stay truthful.
		unlock := r.store.LockMemory(id)
		m.AccessCount++
		m.LastAccessedAt = &now
		if err := r.store.UpdateFields(ctx, m); err != nil {
			log.Warn("access bookkeeping failed", "memory_id", id, "error", err)
		}
		unlock()
	}

	m, err = r.store.GetMemory(ctx, id)
	if err != nil || m == nil {
		return nil, herrors.NewStoreTransient("Get", id, err)
	}
	return m, nil
}

// Patch mirrors store.MemoryUpdate but forbids the immutable fields named
// immutable: id, content_hash, and created_at can never change.
type Patch struct {
	Content    *string
	Importance *float64
	Metadata   map[string]any
}

// Update applies a patch to a memory. Changing content recomputes the
// content hash and re-runs dedup within the memory's current tier.
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (*store.Memory, error) {
	unlock := r.store.LockMemory(id)
	defer unlock()

	m, err := r.store.GetMemory(ctx, id)
	if err != nil {
		return nil, herrors.NewStoreTransient("Update", id, err)
	}
	if m == nil || m.Status == "deleted" {
		return nil, herrors.NewNotFound("Update", id)
	}

	if patch.Content != nil {
		if len(*patch.Content) > maxContentBytes {
			return nil, herrors.NewInvalidArgument("Update", "content", fmt.Errorf("content exceeds %d bytes", maxContentBytes))
		}
		newHash := store.HashContent(*patch.Content)
		if newHash != m.ContentHash {
			existing, err := r.store.FindActiveByHashTier(ctx, newHash, m.Tier)
			if err != nil {
				return nil, fmt.Errorf("update: dedup recheck: %w", err)
			}
			if existing != nil && existing.ID != m.ID {
				return nil, herrors.NewDuplicateContent("Update", newHash)
			}
		}
		m.Content = *patch.Content
		m.ContentHash = newHash
		r.backfillEmbedding(m.ID, *patch.Content)
	}
	if patch.Importance != nil {
		if *patch.Importance < 0 || *patch.Importance > 1 {
			return nil, herrors.NewInvalidArgument("Update", "importance", fmt.Errorf("importance must be in [0,1]"))
		}
		m.Importance = *patch.Importance
		// Importance feeds the relevance formula too; recompute it with the
		// neutral similarity default so the stored value doesn't go stale.
		m.Relevance = scoring.Relevance(0.5, m.Importance, m.AccessCount)
	}
	if patch.Metadata != nil {
		m.Metadata = patch.Metadata
	}

	m.CombinedScore = scoring.Combined(m.Recency, m.Importance, m.Relevance, r.cfg.Weights)
	if err := r.store.UpdateFields(ctx, m); err != nil {
		return nil, herrors.NewStoreTransient("Update", id, err)
	}
	return m, nil
}

// Delete soft-deletes a memory.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return herrors.NewNotFound("Delete", id)
		}
		return herrors.NewStoreTransient("Delete", id, err)
	}
	if r.index != nil {
		_ = r.index.Delete(ctx, id, false)
	}
	return nil
}

// Promote moves a memory directly to the working tier on an explicit
// "direct user query hit with success".
func (r *Repository) Promote(ctx context.Context, id, reason string) error {
	if r.migrator == nil {
		return fmt.Errorf("promote: no migrator configured")
	}
	return r.migrator.Promote(ctx, id, reason, r.clock())
}
