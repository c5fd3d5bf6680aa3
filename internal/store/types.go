package store

import "time"

// Memory is the central entity.
type Memory struct {
	ID          string
	Content     string
	ContentHash string
	Embedding   []float32

	Tier   string
	Status string

	Importance    float64
	Recency       float64
	Relevance     float64
	CombinedScore float64

	ConsolidationStrength     float64
	DecayRate                 float64
	RecallProbability         *float64
	LastRecallIntervalSeconds *float64

	TotalRetrievals      int
	SuccessfulRetrievals int
	FailedRetrievals     int
	RetrievalStrength    float64
	CurrentIntervalDays  float64
	EaseFactor           float64
	NextReviewAt         *time.Time

	AccessCount    int
	LastAccessedAt *time.Time

	ParentMemoryID  *string
	Metadata        map[string]any
	SourceMemoryIDs []string

	DedupEligible    bool
	LastDedupCheckAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// FrozenRecord is the shadow row for a frozen memory.
type FrozenRecord struct {
	ID                         string
	MemoryID                   string
	CompressedContent          []byte
	CompressedMetadata         []byte
	ReducedEmbedding           []float32
	OriginalTier               string
	FrozenAt                   time.Time
	UnfreezeCount              int
	LastUnfrozenAt             *time.Time
	FinalConsolidationStrength float64
	CompressionRatio           float64
	RetrievalDifficultySeconds float64
}

// ConsolidationLogEntry is an append-only audit of scoring transitions.
type ConsolidationLogEntry struct {
	ID                    string
	MemoryID              string
	EventType             string // access, consolidation, decay, recall, freeze, unfreeze
	StrengthBefore        *float64
	StrengthAfter         *float64
	RecallProbBefore      *float64
	RecallProbAfter       *float64
	RecallIntervalSeconds *float64
	ContextJSON           string
	CreatedAt             time.Time
}

// MigrationHistoryEntry records every tier transition.
type MigrationHistoryEntry struct {
	ID           string
	MemoryID     string
	FromTier     string
	ToTier       string
	Reason       string
	DurationMS   *int64
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// MergeOperation tracks one absorbed memory's contribution to a merge.
type MergeOperation struct {
	ID                string
	MergeOpID         string
	AbsorbedMemoryID  string
	SurvivorMemoryID  string
	SimilarityScore   float64
	WeightInMerge     float64
	OriginalContent   string
	OriginalMetadata  string
	OriginalTier      string
	CreatedAt         time.Time
}

// CompressionRecord tracks a compression event against a memory.
type CompressionRecord struct {
	ID                  string
	MergeOpID           *string
	MemoryID            string
	Strategy            string
	OriginalSizeBytes   int
	CompressedSizeBytes int
	CompressionRatio    float64
	CreatedAt           time.Time
}

// DedupAuditEntry is the reversibility ledger row for a merge operation.
type DedupAuditEntry struct {
	ID                string
	MergeOpID         string
	SurvivorMemoryID  string
	AbsorbedMemoryIDs []string
	Strategy          string
	ReversibleUntil   time.Time
	Status            string // reversible, completed_irreversible
	CompletedAt       time.Time
}

// PruningLogEntry records a single pruning decision.
type PruningLogEntry struct {
	ID                string
	MemoryID          string
	Tier              string
	Reason            string
	ScoringVectorJSON string
	PrunedAt          time.Time
}

// MemoryUpdate represents optional updates to a memory (Repository.Update patch).
type MemoryUpdate struct {
	Content    *string
	Importance *float64
	Metadata   map[string]any
	Embedding  []float32
}

// MemoryFilters narrows ListMemories / search scans.
type MemoryFilters struct {
	Tier          string
	Status        string
	MinImportance float64
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}
