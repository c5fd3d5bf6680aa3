package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration for the memory engine, loaded
// via viper/mapstructure: store, scoring, migration, dedup, freeze,
// embedder, and vector index settings.
type Config struct {
	Profile     string            `mapstructure:"profile"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Capacity    CapacityConfig    `mapstructure:"capacity"`
	Migration   MigrationConfig   `mapstructure:"migration"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Freeze      FreezeConfig      `mapstructure:"freeze"`
	Embedder    EmbedderConfig    `mapstructure:"embedder"`
	VectorIndex VectorIndexConfig `mapstructure:"vector_index"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// DatabaseConfig holds the relational store configuration.
type DatabaseConfig struct {
	Path             string        `mapstructure:"path"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	IdleTxTimeout    time.Duration `mapstructure:"idle_tx_timeout"`
	AnalyzeInterval  time.Duration `mapstructure:"analyze_interval"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// ScoringConfig holds the scoring-engine constants.
type ScoringConfig struct {
	RecencyLambda    float64 `mapstructure:"recency_lambda"`
	WeightRecency    float64 `mapstructure:"weight_recency"`
	WeightImportance float64 `mapstructure:"weight_importance"`
	WeightRelevance  float64 `mapstructure:"weight_relevance"`
}

// CapacityConfig holds tier-size limits.
type CapacityConfig struct {
	WorkingCapacity       int `mapstructure:"working_capacity"`
	WarmCapacity          int `mapstructure:"warm_capacity"`
	EmbeddingDim          int `mapstructure:"embedding_dim"`
	FrozenDim             int `mapstructure:"frozen_dim"`
	HeadroomTargetPercent int `mapstructure:"headroom_target_percent"`
}

// MigrationConfig holds tier-migration thresholds.
type MigrationConfig struct {
	WorkingToWarmThreshold float64       `mapstructure:"working_to_warm_threshold"`
	WarmToColdThreshold    float64       `mapstructure:"warm_to_cold_threshold"`
	ColdToFrozenThreshold  float64       `mapstructure:"cold_to_frozen_threshold"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
}

// DedupConfig holds deduplication/merge settings.
type DedupConfig struct {
	SimilarityThreshold    float64       `mapstructure:"similarity_threshold"`
	ReversibilityWindow    time.Duration `mapstructure:"reversibility_window"`
	CandidateRecheckWindow time.Duration `mapstructure:"candidate_recheck_window"`
	LosslessMaxContentSize int           `mapstructure:"lossless_max_content_size"`
}

// FreezeConfig holds freeze/unfreeze settings.
type FreezeConfig struct {
	CompressionLevel     int     `mapstructure:"compression_level"`
	MinCompressionRatio  float64 `mapstructure:"min_compression_ratio"`
	UnfreezeDelaySeconds float64 `mapstructure:"unfreeze_delay_seconds"`
}

// EmbedderConfig holds the embedder contract's resilience knobs.
type EmbedderConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BreakerWindow       time.Duration `mapstructure:"breaker_window"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
}

// VectorIndexConfig holds the HNSW parameters.
type VectorIndexConfig struct {
	URL             string `mapstructure:"url"`
	HNSWM           int    `mapstructure:"hnsw_m"`
	HNSWEfConstruct int    `mapstructure:"hnsw_ef_construct"`
	HNSWEfSearch    int    `mapstructure:"hnsw_ef_search"`
}

// SchedulerConfig holds the background-task scheduler's concurrency bound.
type SchedulerConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	ConsolidationSweep time.Duration `mapstructure:"consolidation_sweep_interval"`
}

// DefaultConfig returns configuration with reasonable production defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".hiveware")

	return &Config{
		Profile: "default",
		Database: DatabaseConfig{
			Path:             filepath.Join(configDir, "memories.db"),
			StatementTimeout: 30 * time.Second,
			IdleTxTimeout:    10 * time.Minute,
			AnalyzeInterval:  time.Hour,
			AutoMigrate:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scoring: ScoringConfig{
			RecencyLambda:    0.005,
			WeightRecency:    0.333,
			WeightImportance: 0.333,
			WeightRelevance:  0.334,
		},
		Capacity: CapacityConfig{
			WorkingCapacity:       1000,
			WarmCapacity:          10000,
			EmbeddingDim:          1536,
			FrozenDim:             128,
			HeadroomTargetPercent: 20,
		},
		Migration: MigrationConfig{
			WorkingToWarmThreshold: 0.7,
			WarmToColdThreshold:    0.5,
			ColdToFrozenThreshold:  0.2,
			SweepInterval:          5 * time.Minute,
		},
		Dedup: DedupConfig{
			SimilarityThreshold:    0.92,
			ReversibilityWindow:    7 * 24 * time.Hour,
			CandidateRecheckWindow: 24 * time.Hour,
			LosslessMaxContentSize: 1024,
		},
		Freeze: FreezeConfig{
			CompressionLevel:     3,
			MinCompressionRatio:  5.0,
			UnfreezeDelaySeconds: 3.0,
		},
		Embedder: EmbedderConfig{
			BaseURL:             "http://127.0.0.1:11434",
			Timeout:             10 * time.Second,
			MaxAttempts:         3,
			BreakerWindow:       30 * time.Second,
			BreakerFailureRatio: 0.5,
		},
		VectorIndex: VectorIndexConfig{
			URL:             "http://localhost:6334",
			HNSWM:           48,
			HNSWEfConstruct: 200,
			HNSWEfSearch:    64,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 4,
			ConsolidationSweep: 60 * time.Second,
		},
	}
}

// Load loads configuration from YAML file with fallback to defaults.
// Searches ./config.yaml, ~/.hiveware/config.yaml, /etc/hiveware/config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".hiveware"))
	v.AddConfigPath("/etc/hiveware")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("profile", d.Profile)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.statement_timeout", d.Database.StatementTimeout)
	v.SetDefault("database.idle_tx_timeout", d.Database.IdleTxTimeout)
	v.SetDefault("database.analyze_interval", d.Database.AnalyzeInterval)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("scoring.recency_lambda", d.Scoring.RecencyLambda)
	v.SetDefault("scoring.weight_recency", d.Scoring.WeightRecency)
	v.SetDefault("scoring.weight_importance", d.Scoring.WeightImportance)
	v.SetDefault("scoring.weight_relevance", d.Scoring.WeightRelevance)

	v.SetDefault("capacity.working_capacity", d.Capacity.WorkingCapacity)
	v.SetDefault("capacity.warm_capacity", d.Capacity.WarmCapacity)
	v.SetDefault("capacity.embedding_dim", d.Capacity.EmbeddingDim)
	v.SetDefault("capacity.frozen_dim", d.Capacity.FrozenDim)
	v.SetDefault("capacity.headroom_target_percent", d.Capacity.HeadroomTargetPercent)

	v.SetDefault("migration.working_to_warm_threshold", d.Migration.WorkingToWarmThreshold)
	v.SetDefault("migration.warm_to_cold_threshold", d.Migration.WarmToColdThreshold)
	v.SetDefault("migration.cold_to_frozen_threshold", d.Migration.ColdToFrozenThreshold)
	v.SetDefault("migration.sweep_interval", d.Migration.SweepInterval)

	v.SetDefault("dedup.similarity_threshold", d.Dedup.SimilarityThreshold)
	v.SetDefault("dedup.reversibility_window", d.Dedup.ReversibilityWindow)
	v.SetDefault("dedup.candidate_recheck_window", d.Dedup.CandidateRecheckWindow)
	v.SetDefault("dedup.lossless_max_content_size", d.Dedup.LosslessMaxContentSize)

	v.SetDefault("freeze.compression_level", d.Freeze.CompressionLevel)
	v.SetDefault("freeze.min_compression_ratio", d.Freeze.MinCompressionRatio)
	v.SetDefault("freeze.unfreeze_delay_seconds", d.Freeze.UnfreezeDelaySeconds)

	v.SetDefault("embedder.base_url", d.Embedder.BaseURL)
	v.SetDefault("embedder.timeout", d.Embedder.Timeout)
	v.SetDefault("embedder.max_attempts", d.Embedder.MaxAttempts)
	v.SetDefault("embedder.breaker_window", d.Embedder.BreakerWindow)
	v.SetDefault("embedder.breaker_failure_ratio", d.Embedder.BreakerFailureRatio)

	v.SetDefault("vector_index.url", d.VectorIndex.URL)
	v.SetDefault("vector_index.hnsw_m", d.VectorIndex.HNSWM)
	v.SetDefault("vector_index.hnsw_ef_construct", d.VectorIndex.HNSWEfConstruct)
	v.SetDefault("vector_index.hnsw_ef_search", d.VectorIndex.HNSWEfSearch)

	v.SetDefault("scheduler.max_concurrent_tasks", d.Scheduler.MaxConcurrentTasks)
	v.SetDefault("scheduler.consolidation_sweep_interval", d.Scheduler.ConsolidationSweep)
}

// Validate checks the configuration's cross-field invariants, such as the
// scoring weights summing to 1.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	sum := c.Scoring.WeightRecency + c.Scoring.WeightImportance + c.Scoring.WeightRelevance
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scoring combined weights must sum to 1, got %f", sum)
	}
	if c.Scoring.RecencyLambda <= 0 {
		return fmt.Errorf("scoring.recency_lambda must be > 0")
	}

	if c.Capacity.WorkingCapacity <= 0 {
		return fmt.Errorf("capacity.working_capacity must be > 0")
	}
	if c.Capacity.EmbeddingDim <= 0 {
		return fmt.Errorf("capacity.embedding_dim must be > 0")
	}
	if c.Capacity.FrozenDim <= 0 || c.Capacity.FrozenDim > c.Capacity.EmbeddingDim {
		return fmt.Errorf("capacity.frozen_dim must be in (0, embedding_dim]")
	}
	if c.Capacity.HeadroomTargetPercent < 0 || c.Capacity.HeadroomTargetPercent > 100 {
		return fmt.Errorf("capacity.headroom_target_percent must be in [0,100]")
	}

	for name, v := range map[string]float64{
		"working_to_warm_threshold": c.Migration.WorkingToWarmThreshold,
		"warm_to_cold_threshold":    c.Migration.WarmToColdThreshold,
		"cold_to_frozen_threshold":  c.Migration.ColdToFrozenThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("migration.%s must be in [0,1]", name)
		}
	}

	if c.Dedup.SimilarityThreshold < 0 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be in [0,1]")
	}
	if c.Dedup.ReversibilityWindow <= 0 {
		return fmt.Errorf("dedup.reversibility_window must be > 0")
	}

	if c.Freeze.UnfreezeDelaySeconds < 2 || c.Freeze.UnfreezeDelaySeconds > 5 {
		return fmt.Errorf("freeze.unfreeze_delay_seconds must be in [2,5]")
	}
	if c.Freeze.MinCompressionRatio <= 0 {
		return fmt.Errorf("freeze.min_compression_ratio must be > 0")
	}

	if c.Embedder.MaxAttempts <= 0 {
		return fmt.Errorf("embedder.max_attempts must be > 0")
	}
	if c.Embedder.BreakerFailureRatio <= 0 || c.Embedder.BreakerFailureRatio > 1 {
		return fmt.Errorf("embedder.breaker_failure_ratio must be in (0,1]")
	}

	if c.VectorIndex.HNSWM <= 0 || c.VectorIndex.HNSWEfConstruct <= 0 || c.VectorIndex.HNSWEfSearch <= 0 {
		return fmt.Errorf("vector_index hnsw parameters must be > 0")
	}

	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be > 0")
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func (c *Config) EnsureConfigDir() error {
	configDir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the configuration directory.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".hiveware")
}

// DatabasePath returns the default database path.
func DatabasePath() string {
	return filepath.Join(ConfigPath(), "memories.db")
}
