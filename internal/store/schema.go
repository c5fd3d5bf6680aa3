package store

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// CoreSchema contains the relational tables backing the tiered memory
// store: memories, frozen_memories, memory_consolidation_log,
// migration_history, memory_tier_statistics, and the five dedup tables.
// Plain CREATE TABLE IF NOT EXISTS, CHECK constraints for enums, explicit
// indexes per access pattern.
const CoreSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- MEMORIES TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	embedding BLOB,
	tier TEXT NOT NULL DEFAULT 'working' CHECK (tier IN ('working', 'warm', 'cold', 'frozen')),
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'migrating', 'archived', 'deleted')),

	importance REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0.0 AND importance <= 1.0),
	recency REAL NOT NULL DEFAULT 1.0 CHECK (recency >= 0.0 AND recency <= 1.0),
	relevance REAL NOT NULL DEFAULT 0.0 CHECK (relevance >= 0.0 AND relevance <= 1.0),
	combined_score REAL NOT NULL DEFAULT 0.0 CHECK (combined_score >= 0.0 AND combined_score <= 1.0),

	consolidation_strength REAL NOT NULL DEFAULT 1.0 CHECK (consolidation_strength >= 0.0 AND consolidation_strength <= 10.0),
	decay_rate REAL NOT NULL DEFAULT 1.0 CHECK (decay_rate >= 0.0 AND decay_rate <= 5.0),
	recall_probability REAL CHECK (recall_probability IS NULL OR (recall_probability >= 0.0 AND recall_probability <= 1.0)),
	last_recall_interval_seconds REAL,

	total_retrievals INTEGER NOT NULL DEFAULT 0 CHECK (total_retrievals >= 0),
	successful_retrievals INTEGER NOT NULL DEFAULT 0 CHECK (successful_retrievals >= 0),
	failed_retrievals INTEGER NOT NULL DEFAULT 0 CHECK (failed_retrievals >= 0),
	retrieval_strength REAL NOT NULL DEFAULT 0.0 CHECK (retrieval_strength >= 0.0 AND retrieval_strength <= 1.0),
	current_interval_days REAL NOT NULL DEFAULT 1.0 CHECK (current_interval_days >= 0.0),
	ease_factor REAL NOT NULL DEFAULT 2.5 CHECK (ease_factor >= 1.3 AND ease_factor <= 2.5),
	next_review_at DATETIME,

	access_count INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0),
	last_accessed_at DATETIME,

	parent_memory_id TEXT REFERENCES memories(id) ON DELETE CASCADE,
	metadata TEXT NOT NULL DEFAULT '{}',
	source_memory_ids TEXT,

	dedup_eligible BOOLEAN NOT NULL DEFAULT 1,
	last_dedup_check_at DATETIME,

	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME
);

-- UNIQUE(content_hash, tier) for active rows only.
CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_hash_tier_active
	ON memories(content_hash, tier) WHERE status = 'active';

-- Per-tier btree indexes.
CREATE INDEX IF NOT EXISTS idx_memories_working_importance
	ON memories(importance DESC, last_accessed_at DESC) WHERE tier = 'working';
CREATE INDEX IF NOT EXISTS idx_memories_warm_created
	ON memories(created_at DESC, updated_at DESC) WHERE tier = 'warm';
CREATE INDEX IF NOT EXISTS idx_memories_cold_hash
	ON memories(content_hash) WHERE tier = 'cold';

-- Composite index for migration scans.
CREATE INDEX IF NOT EXISTS idx_memories_tier_recall
	ON memories(tier, recall_probability) WHERE status = 'active';

CREATE INDEX IF NOT EXISTS idx_memories_parent ON memories(parent_memory_id);
CREATE INDEX IF NOT EXISTS idx_memories_next_review ON memories(next_review_at);
CREATE INDEX IF NOT EXISTS idx_memories_dedup_eligible
	ON memories(last_dedup_check_at) WHERE status = 'active' AND dedup_eligible = 1;

-- =============================================================================
-- FROZEN MEMORIES TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS frozen_memories (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL UNIQUE REFERENCES memories(id) ON DELETE CASCADE,
	compressed_content BLOB NOT NULL,
	compressed_metadata BLOB,
	reduced_embedding BLOB,
	original_tier TEXT NOT NULL,
	frozen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	unfreeze_count INTEGER NOT NULL DEFAULT 0 CHECK (unfreeze_count >= 0),
	last_unfrozen_at DATETIME,
	final_consolidation_strength REAL NOT NULL,
	compression_ratio REAL NOT NULL CHECK (compression_ratio > 0),
	retrieval_difficulty_seconds REAL NOT NULL CHECK (retrieval_difficulty_seconds >= 2.0 AND retrieval_difficulty_seconds <= 5.0)
);

CREATE INDEX IF NOT EXISTS idx_frozen_memory_id ON frozen_memories(memory_id);

-- =============================================================================
-- CONSOLIDATION LOG
-- =============================================================================
CREATE TABLE IF NOT EXISTS memory_consolidation_log (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL,
	event_type TEXT NOT NULL CHECK (event_type IN ('access', 'consolidation', 'decay', 'recall', 'freeze', 'unfreeze')),
	strength_before REAL,
	strength_after REAL,
	recall_prob_before REAL,
	recall_prob_after REAL,
	recall_interval_seconds REAL,
	context_json TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_consolidation_log_memory ON memory_consolidation_log(memory_id);
CREATE INDEX IF NOT EXISTS idx_consolidation_log_event ON memory_consolidation_log(event_type);

-- =============================================================================
-- MIGRATION HISTORY
-- =============================================================================
CREATE TABLE IF NOT EXISTS migration_history (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL,
	from_tier TEXT NOT NULL,
	to_tier TEXT NOT NULL,
	reason TEXT NOT NULL,
	duration_ms INTEGER,
	success BOOLEAN NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK (from_tier != to_tier)
);

CREATE INDEX IF NOT EXISTS idx_migration_history_memory ON migration_history(memory_id);
CREATE INDEX IF NOT EXISTS idx_migration_history_success ON migration_history(success);

-- =============================================================================
-- TIER STATISTICS SNAPSHOTS
-- =============================================================================
CREATE TABLE IF NOT EXISTS memory_tier_statistics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tier TEXT NOT NULL,
	count INTEGER NOT NULL,
	avg_combined_score REAL NOT NULL,
	avg_recall_probability REAL NOT NULL,
	avg_consolidation_strength REAL NOT NULL,
	captured_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tier_statistics_tier_time ON memory_tier_statistics(tier, captured_at);

-- =============================================================================
-- DEDUPLICATION / MERGE BOOKKEEPING
-- =============================================================================
CREATE TABLE IF NOT EXISTS deduplication_audit_log (
	id TEXT PRIMARY KEY,
	merge_op_id TEXT NOT NULL,
	survivor_memory_id TEXT NOT NULL,
	absorbed_memory_ids TEXT NOT NULL,
	strategy TEXT NOT NULL,
	reversible_until DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'reversible' CHECK (status IN ('reversible', 'completed_irreversible')),
	completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_dedup_audit_merge_op ON deduplication_audit_log(merge_op_id);
CREATE INDEX IF NOT EXISTS idx_dedup_audit_status ON deduplication_audit_log(status, reversible_until);

CREATE TABLE IF NOT EXISTS memory_merge_history (
	id TEXT PRIMARY KEY,
	merge_op_id TEXT NOT NULL,
	absorbed_memory_id TEXT NOT NULL,
	survivor_memory_id TEXT NOT NULL,
	similarity_score REAL NOT NULL,
	weight_in_merge REAL NOT NULL,
	original_content TEXT NOT NULL,
	original_metadata TEXT NOT NULL,
	original_tier TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_merge_history_op ON memory_merge_history(merge_op_id);
CREATE INDEX IF NOT EXISTS idx_merge_history_absorbed ON memory_merge_history(absorbed_memory_id);
-- source_memory_ids traversal index; SQLite has no GIN index type, so an
-- ordinary index on the survivor covers the same traversal path.
CREATE INDEX IF NOT EXISTS idx_merge_history_survivor ON memory_merge_history(survivor_memory_id);

CREATE TABLE IF NOT EXISTS memory_compression_log (
	id TEXT PRIMARY KEY,
	merge_op_id TEXT,
	memory_id TEXT NOT NULL,
	strategy TEXT NOT NULL CHECK (strategy IN ('lossless', 'metadata_consolidation', 'content_summarization', 'freeze')),
	original_size_bytes INTEGER NOT NULL,
	compressed_size_bytes INTEGER NOT NULL,
	compression_ratio REAL NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_compression_log_memory ON memory_compression_log(memory_id);

CREATE TABLE IF NOT EXISTS memory_similarity_cache (
	memory_id_a TEXT NOT NULL,
	memory_id_b TEXT NOT NULL,
	similarity REAL NOT NULL,
	computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (memory_id_a, memory_id_b)
);

CREATE TABLE IF NOT EXISTS memory_pruning_log (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	reason TEXT NOT NULL,
	scoring_vector_json TEXT NOT NULL,
	pruned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pruning_log_memory ON memory_pruning_log(memory_id);
`

// FTS5Schema contains the full-text search configuration used by hybrid
// search's keyword leg: a standalone FTS5 table kept in sync via triggers
// rather than an external-content table, so it never needs a rebuild step.
const FTS5Schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	id UNINDEXED,
	content,
	tier UNINDEXED
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(id, content, tier) VALUES (new.id, new.content, new.tier);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
	DELETE FROM memories_fts WHERE id = old.id;
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
	UPDATE memories_fts SET content = new.content, tier = new.tier WHERE id = old.id;
END;
`

// Tiers is the ordered tier enum.
var Tiers = []string{"working", "warm", "cold", "frozen"}

// Statuses is the status enum.
var Statuses = []string{"active", "migrating", "archived", "deleted"}

// IsValidTier reports whether t is a recognized tier.
func IsValidTier(t string) bool {
	for _, v := range Tiers {
		if v == t {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a recognized status.
func IsValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}
