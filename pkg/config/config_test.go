package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.StatementTimeout != 30*time.Second {
		t.Errorf("Expected StatementTimeout=30s, got %v", cfg.Database.StatementTimeout)
	}
	if !cfg.Database.AutoMigrate {
		t.Error("Expected AutoMigrate=true")
	}

	if cfg.Scoring.RecencyLambda != 0.005 {
		t.Errorf("Expected RecencyLambda=0.005, got %v", cfg.Scoring.RecencyLambda)
	}
	if sum := cfg.Scoring.WeightRecency + cfg.Scoring.WeightImportance + cfg.Scoring.WeightRelevance; sum < 0.999 || sum > 1.001 {
		t.Errorf("Expected combined weights to sum to 1, got %v", sum)
	}

	if cfg.Capacity.WorkingCapacity != 1000 {
		t.Errorf("Expected WorkingCapacity=1000, got %d", cfg.Capacity.WorkingCapacity)
	}
	if cfg.Capacity.EmbeddingDim != 1536 {
		t.Errorf("Expected EmbeddingDim=1536, got %d", cfg.Capacity.EmbeddingDim)
	}
	if cfg.Capacity.FrozenDim != 128 {
		t.Errorf("Expected FrozenDim=128, got %d", cfg.Capacity.FrozenDim)
	}

	if cfg.Migration.WorkingToWarmThreshold != 0.7 {
		t.Errorf("Expected WorkingToWarmThreshold=0.7, got %v", cfg.Migration.WorkingToWarmThreshold)
	}
	if cfg.Migration.WarmToColdThreshold != 0.5 {
		t.Errorf("Expected WarmToColdThreshold=0.5, got %v", cfg.Migration.WarmToColdThreshold)
	}
	if cfg.Migration.ColdToFrozenThreshold != 0.2 {
		t.Errorf("Expected ColdToFrozenThreshold=0.2, got %v", cfg.Migration.ColdToFrozenThreshold)
	}

	if cfg.Dedup.SimilarityThreshold != 0.92 {
		t.Errorf("Expected SimilarityThreshold=0.92, got %v", cfg.Dedup.SimilarityThreshold)
	}
	if cfg.Dedup.ReversibilityWindow != 7*24*time.Hour {
		t.Errorf("Expected ReversibilityWindow=7d, got %v", cfg.Dedup.ReversibilityWindow)
	}

	if cfg.Freeze.UnfreezeDelaySeconds != 3.0 {
		t.Errorf("Expected UnfreezeDelaySeconds=3, got %v", cfg.Freeze.UnfreezeDelaySeconds)
	}

	if cfg.VectorIndex.HNSWM != 48 || cfg.VectorIndex.HNSWEfConstruct != 200 || cfg.VectorIndex.HNSWEfSearch != 64 {
		t.Errorf("Expected HNSW m=48/ef_construct=200/ef_search=64, got m=%d ef_construct=%d ef_search=%d",
			cfg.VectorIndex.HNSWM, cfg.VectorIndex.HNSWEfConstruct, cfg.VectorIndex.HNSWEfSearch)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}, expectErr: false},
		{name: "empty database path", modify: func(c *Config) { c.Database.Path = "" }, expectErr: true},
		{name: "invalid logging level", modify: func(c *Config) { c.Logging.Level = "invalid" }, expectErr: true},
		{
			name:      "weights do not sum to 1",
			modify:    func(c *Config) { c.Scoring.WeightRecency = 0.9 },
			expectErr: true,
		},
		{
			name:      "working capacity non-positive",
			modify:    func(c *Config) { c.Capacity.WorkingCapacity = 0 },
			expectErr: true,
		},
		{
			name:      "frozen dim exceeds embedding dim",
			modify:    func(c *Config) { c.Capacity.FrozenDim = c.Capacity.EmbeddingDim + 1 },
			expectErr: true,
		},
		{
			name:      "migration threshold out of range",
			modify:    func(c *Config) { c.Migration.WorkingToWarmThreshold = 1.5 },
			expectErr: true,
		},
		{
			name:      "unfreeze delay out of [2,5]",
			modify:    func(c *Config) { c.Freeze.UnfreezeDelaySeconds = 1 },
			expectErr: true,
		},
		{
			name:      "breaker failure ratio out of range",
			modify:    func(c *Config) { c.Embedder.BreakerFailureRatio = 0 },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error with missing config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected config, got nil")
	}
	if cfg.Capacity.WorkingCapacity != 1000 {
		t.Errorf("Expected default working_capacity=1000, got %d", cfg.Capacity.WorkingCapacity)
	}
}

func TestLoadConfig_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
profile: test
database:
  path: /tmp/test.db
  auto_migrate: false
logging:
  level: debug
  format: json
capacity:
  working_capacity: 50
dedup:
  similarity_threshold: 0.9
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Profile != "test" {
		t.Errorf("Expected profile=test, got %s", cfg.Profile)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path=/tmp/test.db, got %s", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected level=debug, got %s", cfg.Logging.Level)
	}
	if cfg.Capacity.WorkingCapacity != 50 {
		t.Errorf("Expected working_capacity=50, got %d", cfg.Capacity.WorkingCapacity)
	}
	if cfg.Dedup.SimilarityThreshold != 0.9 {
		t.Errorf("Expected similarity_threshold=0.9, got %v", cfg.Dedup.SimilarityThreshold)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(tmpDir, "subdir", "test.db"),
		},
	}

	if err := cfg.EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "subdir")); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}

	homeDir, _ := os.UserHomeDir()
	expected := filepath.Join(homeDir, ".hiveware")
	if path != expected {
		t.Errorf("Expected %s, got %s", expected, path)
	}
}

func TestDatabasePath(t *testing.T) {
	path := DatabasePath()
	if path == "" {
		t.Error("DatabasePath returned empty string")
	}
	if filepath.Base(path) != "memories.db" {
		t.Errorf("Expected database file named memories.db, got %s", filepath.Base(path))
	}
}
