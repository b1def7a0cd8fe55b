package cache

import "time"

// Document is one cached remote page. ID is the remote page identifier and
// is stable across syncs.
type Document struct {
	ID        string
	Content   string // raw page HTML
	PlainText string // derived, may be empty

	// Container path in the remote hierarchy.
	NotebookID   string
	NotebookName string
	SectionID    string
	SectionName  string

	Title     string
	Author    string
	CreatedAt *time.Time
	// ModifiedAt is remote-authoritative. Under normal remote behavior it
	// only moves forward for a given ID.
	ModifiedAt time.Time
	Tags       []string
	SourceURL  string

	// Sync bookkeeping.
	LastSyncedAt time.Time
	SyncVersion  int64
	IsDeleted    bool

	// Indexing status, stamped only by the downstream indexer.
	IndexedAt  *time.Time
	ChunkCount int
	ImageCount int
}

// Image is one image extracted from a document. (DocumentID, Position) is
// unique; Position is the 0-based index within the page.
type Image struct {
	DocumentID  string
	Position    int
	StoragePath string
	ByteSize    int64
	ContentHash string
	AltText     string
	AnalyzedAt  *time.Time
}

// Stats summarizes cache state for the stats and health endpoints.
type Stats struct {
	TotalDocuments     int        `json:"total_documents"`
	TotalImages        int        `json:"total_images"`
	UnindexedCount     int        `json:"unindexed_count"`
	StaleCount         int        `json:"stale_count"`
	DeletedCount       int        `json:"deleted_count"`
	LastFullSync       *time.Time `json:"last_full_sync"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync"`
	RecentFailureCount int        `json:"recent_failure_count"`
}

// SyncState is per-scope sync bookkeeping, written only by the
// orchestrator at the end of a pass.
type SyncState struct {
	Scope               string
	LastFullSyncAt      *time.Time
	LastIncrementalSyncAt *time.Time
	LastError           string
	LastErrorAt         *time.Time
}

// Strategy selects how a sync pass fetches remote state.
type Strategy string

const (
	StrategyFull        Strategy = "full"
	StrategyIncremental Strategy = "incremental"
	StrategySmart       Strategy = "smart"
)

// JobStatus is the lifecycle state of a sync job. Terminal states are
// final; paused may only return to running.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCancelled, JobSucceeded, JobFailed:
		return true
	}
	return false
}

// SyncJob is one sync run. Rows are retained after completion for audit.
type SyncJob struct {
	ID          string     `json:"id"`
	Strategy    Strategy   `json:"strategy"`
	Scope       string     `json:"scope"`
	Status      JobStatus  `json:"status"`
	TriggeredBy string     `json:"triggered_by"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Fetched      int `json:"fetched"`
	Added        int `json:"added"`
	Updated      int `json:"updated"`
	Deleted      int `json:"deleted"`
	Skipped      int `json:"skipped"`
	APICallsMade int `json:"api_calls_made"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	FailedIDs  []string `json:"failed_ids,omitempty"`
}

// HistoryEntry is the append-only audit record written when a job reaches
// a terminal state.
type HistoryEntry struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	Strategy    Strategy   `json:"strategy"`
	Scope       string     `json:"scope"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Fetched      int `json:"fetched"`
	Added        int `json:"added"`
	Updated      int `json:"updated"`
	Deleted      int `json:"deleted"`
	Skipped      int `json:"skipped"`
	APICallsMade int `json:"api_calls_made"`
	ErrorCount   int `json:"error_count"`

	RateLimitHits   int     `json:"rate_limit_hits"`
	WaitTimeSeconds float64 `json:"wait_time_seconds"`

	TriggeredBy string `json:"triggered_by"`
	ErrorDetail string `json:"error_detail,omitempty"`
}
