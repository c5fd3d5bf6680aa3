// Package engine is the process-wide service context: it owns the store's
// connection pool, wires every component together from pkg/config.Config,
// runs the crash-recovery sweep on startup, and supervises the periodic
// background passes for the lifetime of the process.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mycelial/hiveware/internal/consolidation"
	"github.com/mycelial/hiveware/internal/dedup"
	"github.com/mycelial/hiveware/internal/embedclient"
	"github.com/mycelial/hiveware/internal/freeze"
	"github.com/mycelial/hiveware/internal/logging"
	"github.com/mycelial/hiveware/internal/migrator"
	"github.com/mycelial/hiveware/internal/repository"
	"github.com/mycelial/hiveware/internal/scheduler"
	"github.com/mycelial/hiveware/internal/scoring"
	"github.com/mycelial/hiveware/internal/store"
	"github.com/mycelial/hiveware/internal/testeffect"
	"github.com/mycelial/hiveware/internal/vectorindex"
	"github.com/mycelial/hiveware/pkg/config"
)

var log = logging.GetLogger("engine")

// Engine is the open, running instance of the memory system: every
// component wired together over one store, plus the background scheduler.
type Engine struct {
	cfg *config.Config

	Store        *store.Store
	Repository   *repository.Repository
	Dedup        *dedup.Deduplicator
	TestEffect   *testeffect.Scheduler
	Migrator     *migrator.Migrator
	Consolidator *consolidation.Worker
	Freezer      *freeze.Engine
	Index        vectorindex.VectorIndex
	Embedder     embedclient.Embedder

	scheduler *scheduler.Scheduler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Open wires every component from cfg, runs the crash-recovery sweep
// (memories stuck mid-migration from a prior crash are rolled back before
// anything else touches the store), and starts the background scheduler.
// Call Close to release resources.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	s, err := store.Open(cfg.Database.Path, store.Options{
		StatementTimeout: cfg.Database.StatementTimeout,
		AnalyzeInterval:  cfg.Database.AnalyzeInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open engine: open store: %w", err)
	}

	var embedder embedclient.Embedder
	client, err := embedclient.New(embedclient.Config{
		BaseURL:             cfg.Embedder.BaseURL,
		Dimension:           cfg.Capacity.EmbeddingDim,
		Timeout:             cfg.Embedder.Timeout,
		MaxAttempts:         cfg.Embedder.MaxAttempts,
		BreakerWindow:       cfg.Embedder.BreakerWindow,
		BreakerFailureRatio: cfg.Embedder.BreakerFailureRatio,
	})
	if err != nil {
		log.Warn("embedder unavailable, running without embeddings", "error", err)
	} else {
		embedder = client
	}

	index := openVectorIndex(ctx, cfg)

	freezer := freeze.New(s, index, freeze.Config{
		CompressionLevel:     zstd.EncoderLevel(cfg.Freeze.CompressionLevel),
		MinCompressionRatio:  cfg.Freeze.MinCompressionRatio,
		UnfreezeDelaySeconds: cfg.Freeze.UnfreezeDelaySeconds,
		FrozenDim:            cfg.Capacity.FrozenDim,
		MaxRecallProbability: cfg.Migration.ColdToFrozenThreshold,
	})

	thresholds := migrator.Thresholds{
		WorkingToWarm: cfg.Migration.WorkingToWarmThreshold,
		WarmToCold:    cfg.Migration.WarmToColdThreshold,
		ColdToFrozen:  cfg.Migration.ColdToFrozenThreshold,
	}
	mig := migrator.New(s, freezer, thresholds)

	consolidator := consolidation.New(s, consolidation.Config{
		RecencyLambda:    cfg.Scoring.RecencyLambda,
		WeightRecency:    cfg.Scoring.WeightRecency,
		WeightImportance: cfg.Scoring.WeightImportance,
		WeightRelevance:  cfg.Scoring.WeightRelevance,
	}, time.Now)

	var repoEmb repository.Embedder
	if embedder != nil {
		repoEmb = repoEmbedder{embedder}
	}

	repo := repository.New(s, repoEmb, index, mig, consolidator, repository.Config{
		WorkingCapacity:        cfg.Capacity.WorkingCapacity,
		WorkingToWarmThreshold: cfg.Migration.WorkingToWarmThreshold,
		RecencyLambda:          cfg.Scoring.RecencyLambda,
		Weights: scoring.Weights{
			Recency:    cfg.Scoring.WeightRecency,
			Importance: cfg.Scoring.WeightImportance,
			Relevance:  cfg.Scoring.WeightRelevance,
		},
		FrozenDim:     cfg.Capacity.FrozenDim,
		ColdScanLimit: 10000,
	})

	dd := dedup.New(s, nil, dedup.Config{
		SimilarityThreshold:    cfg.Dedup.SimilarityThreshold,
		ReversibilityWindow:    cfg.Dedup.ReversibilityWindow,
		CandidateRecheckWindow: cfg.Dedup.CandidateRecheckWindow,
		LosslessMaxContentSize: cfg.Dedup.LosslessMaxContentSize,
		HeadroomTargetPercent:  float64(cfg.Capacity.HeadroomTargetPercent),
	})

	te := testeffect.New(s)

	eng := &Engine{
		cfg:          cfg,
		Store:        s,
		Repository:   repo,
		Dedup:        dd,
		TestEffect:   te,
		Migrator:     mig,
		Consolidator: consolidator,
		Freezer:      freezer,
		Index:        index,
		Embedder:     embedder,
	}

	recovered, err := mig.RecoverPending(ctx)
	if err != nil {
		log.Error("crash recovery sweep failed", "error", err)
	} else if recovered > 0 {
		log.Info("crash recovery sweep complete", "recovered", recovered)
	}

	eng.scheduler = scheduler.New(eng.backgroundTasks())

	bgCtx, cancel := context.WithCancel(context.Background())
	eng.cancel = cancel
	eng.wg.Add(1)
	go func() {
		defer eng.wg.Done()
		if err := eng.scheduler.Run(bgCtx); err != nil {
			log.Error("background scheduler stopped", "error", err)
		}
	}()

	return eng, nil
}

// Stats returns the current per-tier breakdown of active memories.
func (e *Engine) Stats(ctx context.Context) ([]store.TierStats, error) {
	return e.Store.TierStats(ctx)
}

// Close stops the background scheduler and releases the store and vector
// index. Blocks until every background task has observed cancellation.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	var firstErr error
	if e.Index != nil {
		if err := e.Index.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func openVectorIndex(ctx context.Context, cfg *config.Config) vectorindex.VectorIndex {
	if cfg.VectorIndex.URL == "" {
		return vectorindex.NewMemIndex()
	}
	host, port, err := vectorindex.ParseHostPort(cfg.VectorIndex.URL)
	if err != nil {
		log.Warn("invalid vector index url, using in-memory index", "error", err)
		return vectorindex.NewMemIndex()
	}
	idx, err := vectorindex.Open(ctx, vectorindex.Config{
		Host:            host,
		Port:            port,
		Dimension:       cfg.Capacity.EmbeddingDim,
		FrozenDimension: cfg.Capacity.FrozenDim,
		HNSW:            vectorindex.HNSWParams{M: cfg.VectorIndex.HNSWM, EfConstruction: cfg.VectorIndex.HNSWEfConstruct},
		EfSearch:        cfg.VectorIndex.HNSWEfSearch,
	})
	if err != nil {
		log.Warn("vector index unavailable, using in-memory index", "error", err)
		return vectorindex.NewMemIndex()
	}
	return idx
}

// repoEmbedder adapts embedclient.Embedder (nil-safe) to repository.Embedder.
type repoEmbedder struct {
	embedclient.Embedder
}

func (r repoEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.Embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	return r.Embedder.Embed(ctx, text)
}

func (r repoEmbedder) Dimension() int {
	if r.Embedder == nil {
		return 0
	}
	return r.Embedder.Dimension()
}
