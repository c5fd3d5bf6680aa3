// Package store is the durable relational backing for the memory engine.
// It owns the only persisted state: rows, indexes, and transactions.
// Every other component reaches the database through this package, never
// through a raw *sql.DB of its own.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mycelial/hiveware/internal/logging"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.GetLogger("store")

// Store represents the connection to the SQLite-backed relational store.
type Store struct {
	db               *sql.DB
	path             string
	mu               sync.RWMutex
	statementTimeout time.Duration

	analyzeStop chan struct{}
	analyzeDone chan struct{}
}

// Options configures Open.
type Options struct {
	StatementTimeout time.Duration
	AnalyzeInterval  time.Duration
}

// Open opens a database connection and initializes the schema if needed.
// SQLite allows exactly one writer, so the pool is capped at one connection.
func Open(path string, opts Options) (*Store, error) {
	log.Info("opening store", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error("failed to create store directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		log.Error("failed to ping store", "error", err)
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = 30 * time.Second
	}

	s := &Store{
		db:               db,
		path:             path,
		statementTimeout: opts.StatementTimeout,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.AnalyzeInterval > 0 {
		s.startAnalyzeLoop(opts.AnalyzeInterval)
	}

	log.Info("store connection established", "path", path)
	return s, nil
}

// initSchema creates all tables, indexes, triggers, and FTS5 configuration.
func (s *Store) initSchema() error {
	log.Info("initializing store schema", "version", SchemaVersion)

	s.mu.Lock()
	defer s.mu.Unlock()

	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='memories'
		LIMIT 1
	`).Scan(&tableName)
	if err == nil && tableName != "" {
		log.Info("schema already initialized")
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	log.Debug("creating core schema")
	if _, err := tx.Exec(CoreSchema); err != nil {
		return fmt.Errorf("failed to create core schema: %w", err)
	}

	log.Debug("creating FTS5 schema")
	if _, err := tx.Exec(FTS5Schema); err != nil {
		log.Warn("failed to create FTS5 schema (skipping)", "error", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	log.Info("store schema initialized successfully", "version", SchemaVersion)
	return nil
}

// startAnalyzeLoop runs a periodic PRAGMA optimize / ANALYZE pass on the
// single writer connection. SQLite has no autovacuum analyze daemon, so the
// store supplies one itself.
func (s *Store) startAnalyzeLoop(interval time.Duration) {
	s.analyzeStop = make(chan struct{})
	s.analyzeDone = make(chan struct{})

	go func() {
		defer close(s.analyzeDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.analyzeStop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
					log.Warn("pragma optimize failed", "error", err)
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Close closes the store connection and stops background loops.
func (s *Store) Close() error {
	log.Info("closing store connection")
	if s.analyzeStop != nil {
		close(s.analyzeStop)
		<-s.analyzeDone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying sql.DB for advanced operations.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ExecContext executes a statement under the configured statement timeout.
func (s *Store) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query under the configured statement timeout.
// The cancel func is not deferred, since the caller reads the rows after
// this returns; a goroutine calls it once the context ends.
func (s *Store) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() { <-ctx.Done(); cancel() }()
	return rows, nil
}

// QueryRowContext executes a query returning one row, under the statement timeout.
// The cancel func is not deferred, since the caller scans the row after this
// returns; a goroutine calls it once the context ends (the statement timeout
// elapses or the parent context is canceled).
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	s.mu.RLock()
	row := s.db.QueryRowContext(ctx, query, args...)
	s.mu.RUnlock()
	go func() { <-ctx.Done(); cancel() }()
	return row
}

// BeginTx starts a new transaction under the configured statement timeout.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return tx, ctx, cancel, nil
}

// rowLocks backs the row-level advisory locks keyed on memory id, taken
// before mutating a memory to prevent racing migrations. A plain sync.Map
// of *sync.Mutex is adequate for a single process; there is no cross-process
// advisory lock requirement in scope here.
var rowLocks sync.Map // map[string]*sync.Mutex

// LockMemory acquires the advisory lock for a single memory id and returns
// the unlock function. Safe for concurrent use across the Consolidation
// Worker, Tier Migrator, and Deduplicator.
func (s *Store) LockMemory(id string) func() {
	muIface, _ := rowLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetSchemaVersion returns the current schema version.
func (s *Store) GetSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// TableExists checks if a table exists in the store.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name=?
	`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Vacuum runs VACUUM to reclaim space after pruning.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("VACUUM")
	return err
}

// Checkpoint forces a WAL checkpoint.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// TierStats is the per-tier operational snapshot backing memory_tier_statistics.
type TierStats struct {
	Tier                     string
	Count                    int
	AvgCombinedScore         float64
	AvgRecallProbability     float64
	AvgConsolidationStrength float64
}

// TierStats returns a per-tier breakdown of active memories: count, average
// combined score, average recall probability, average consolidation
// strength. Used by the scheduler's periodic statistics snapshot task.
func (s *Store) TierStats(ctx context.Context) ([]TierStats, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT tier,
			COUNT(*),
			COALESCE(AVG(combined_score), 0),
			COALESCE(AVG(recall_probability), 0),
			COALESCE(AVG(consolidation_strength), 0)
		FROM memories
		WHERE status = 'active'
		GROUP BY tier
	`)
	if err != nil {
		return nil, fmt.Errorf("tier stats query: %w", err)
	}
	defer rows.Close()

	var out []TierStats
	for rows.Next() {
		var ts TierStats
		if err := rows.Scan(&ts.Tier, &ts.Count, &ts.AvgCombinedScore, &ts.AvgRecallProbability, &ts.AvgConsolidationStrength); err != nil {
			return nil, fmt.Errorf("tier stats scan: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
