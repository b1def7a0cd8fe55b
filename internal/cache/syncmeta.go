package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetSyncState returns the sync bookkeeping row for a scope, or (nil, nil)
// when the scope has never been synced.
func (s *Store) GetSyncState(scope string) (*SyncState, error) {
	state := &SyncState{}
	var lastError string
	err := s.db.QueryRow(`
		SELECT scope, last_full_sync_at, last_incremental_sync_at, last_error, last_error_at
		FROM sync_state WHERE scope = ?`, scope).
		Scan(&state.Scope, &state.LastFullSyncAt, &state.LastIncrementalSyncAt,
			&lastError, &state.LastErrorAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s: %w", scope, err)
	}
	state.LastError = lastError
	return state, nil
}

// UpsertSyncState writes the bookkeeping row for a scope.
func (s *Store) UpsertSyncState(state *SyncState) error {
	query := `
	INSERT INTO sync_state (scope, last_full_sync_at, last_incremental_sync_at, last_error, last_error_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(scope) DO UPDATE SET
		last_full_sync_at = COALESCE(excluded.last_full_sync_at, sync_state.last_full_sync_at),
		last_incremental_sync_at = COALESCE(excluded.last_incremental_sync_at, sync_state.last_incremental_sync_at),
		last_error = excluded.last_error,
		last_error_at = excluded.last_error_at
	`
	_, err := s.db.Exec(query, state.Scope, state.LastFullSyncAt,
		state.LastIncrementalSyncAt, state.LastError, state.LastErrorAt)
	if err != nil {
		return fmt.Errorf("upsert sync state %s: %w", state.Scope, err)
	}
	return nil
}

// CreateSyncJob inserts a new job row.
func (s *Store) CreateSyncJob(job *SyncJob) error {
	failed, err := json.Marshal(job.FailedIDs)
	if err != nil {
		return fmt.Errorf("marshal failed ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sync_jobs (id, strategy, scope, status, triggered_by, started_at, completed_at,
			fetched, added, updated, deleted, skipped, api_calls, error_count, last_error, failed_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Strategy, job.Scope, job.Status, job.TriggeredBy,
		job.StartedAt.UTC(), job.CompletedAt,
		job.Fetched, job.Added, job.Updated, job.Deleted, job.Skipped,
		job.APICallsMade, job.ErrorCount, job.LastError, string(failed))
	if err != nil {
		return fmt.Errorf("create sync job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateSyncJob rewrites a job row. Only the orchestrator goroutine
// driving the job calls this.
func (s *Store) UpdateSyncJob(job *SyncJob) error {
	failed, err := json.Marshal(job.FailedIDs)
	if err != nil {
		return fmt.Errorf("marshal failed ids: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE sync_jobs SET status = ?, completed_at = ?,
			fetched = ?, added = ?, updated = ?, deleted = ?, skipped = ?,
			api_calls = ?, error_count = ?, last_error = ?, failed_ids = ?
		WHERE id = ?`,
		job.Status, job.CompletedAt,
		job.Fetched, job.Added, job.Updated, job.Deleted, job.Skipped,
		job.APICallsMade, job.ErrorCount, job.LastError, string(failed), job.ID)
	if err != nil {
		return fmt.Errorf("update sync job %s: %w", job.ID, err)
	}
	return nil
}

// SetSyncJobStatus updates only the status column. Used by the registry
// for pause/resume so the snapshot endpoint reflects control actions
// before the orchestrator's next full job update.
func (s *Store) SetSyncJobStatus(id string, status JobStatus) error {
	if _, err := s.db.Exec("UPDATE sync_jobs SET status = ? WHERE id = ?", status, id); err != nil {
		return fmt.Errorf("set job status %s: %w", id, err)
	}
	return nil
}

// GetSyncJob returns a job snapshot by ID, or (nil, nil) when unknown.
func (s *Store) GetSyncJob(id string) (*SyncJob, error) {
	job := &SyncJob{}
	var failed string
	err := s.db.QueryRow(`
		SELECT id, strategy, scope, status, triggered_by, started_at, completed_at,
			fetched, added, updated, deleted, skipped, api_calls, error_count, last_error, failed_ids
		FROM sync_jobs WHERE id = ?`, id).
		Scan(&job.ID, &job.Strategy, &job.Scope, &job.Status, &job.TriggeredBy,
			&job.StartedAt, &job.CompletedAt,
			&job.Fetched, &job.Added, &job.Updated, &job.Deleted, &job.Skipped,
			&job.APICallsMade, &job.ErrorCount, &job.LastError, &failed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(failed), &job.FailedIDs); err != nil {
		return nil, fmt.Errorf("unmarshal failed ids for %s: %w", id, err)
	}
	return job, nil
}

// RecoverOrphanedJobs marks jobs left running or paused by a dead process
// as failed. Partial upserts from the dead pass stay valid; the job itself
// must be re-triggered.
func (s *Store) RecoverOrphanedJobs() (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE sync_jobs SET status = ?, last_error = 'orphaned by restart', completed_at = ?
		WHERE status IN (?, ?, ?)`,
		JobFailed, now, JobPending, JobRunning, JobPaused)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	return res.RowsAffected()
}

// RecordHistory appends the audit record for a finished job.
func (s *Store) RecordHistory(entry *HistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_history (job_id, strategy, scope, status, started_at, completed_at,
			fetched, added, updated, deleted, skipped, api_calls, error_count,
			rate_limit_hits, wait_time_seconds, triggered_by, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.Strategy, entry.Scope, entry.Status,
		entry.StartedAt.UTC(), entry.CompletedAt,
		entry.Fetched, entry.Added, entry.Updated, entry.Deleted, entry.Skipped,
		entry.APICallsMade, entry.ErrorCount,
		entry.RateLimitHits, entry.WaitTimeSeconds, entry.TriggeredBy, entry.ErrorDetail)
	if err != nil {
		return fmt.Errorf("record history for %s: %w", entry.JobID, err)
	}
	return nil
}

// ListHistory returns the most recent history entries, newest first.
func (s *Store) ListHistory(limit int) ([]*HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, strategy, scope, status, started_at, completed_at,
			fetched, added, updated, deleted, skipped, api_calls, error_count,
			rate_limit_hits, wait_time_seconds, triggered_by, error_detail
		FROM sync_history ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.JobID, &e.Strategy, &e.Scope, &e.Status,
			&e.StartedAt, &e.CompletedAt,
			&e.Fetched, &e.Added, &e.Updated, &e.Deleted, &e.Skipped,
			&e.APICallsMade, &e.ErrorCount,
			&e.RateLimitHits, &e.WaitTimeSeconds, &e.TriggeredBy, &e.ErrorDetail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestHistoryForScope returns the most recent history entry for a scope,
// or (nil, nil) when none exists. Smart strategy selection reads this.
func (s *Store) LatestHistoryForScope(scope string) (*HistoryEntry, error) {
	entries, err := s.historyForScope(scope, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (s *Store) historyForScope(scope string, limit int) ([]*HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, strategy, scope, status, started_at, completed_at,
			fetched, added, updated, deleted, skipped, api_calls, error_count,
			rate_limit_hits, wait_time_seconds, triggered_by, error_detail
		FROM sync_history WHERE scope = ? ORDER BY started_at DESC, id DESC LIMIT ?`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("history for scope %s: %w", scope, err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.JobID, &e.Strategy, &e.Scope, &e.Status,
			&e.StartedAt, &e.CompletedAt,
			&e.Fetched, &e.Added, &e.Updated, &e.Deleted, &e.Skipped,
			&e.APICallsMade, &e.ErrorCount,
			&e.RateLimitHits, &e.WaitTimeSeconds, &e.TriggeredBy, &e.ErrorDetail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetStats computes the cache statistics surfaced by the stats and health
// endpoints. freshness is the window after which a document counts as
// stale; failureWindow bounds the recent-failure count.
func (s *Store) GetStats(freshness, failureWindow time.Duration) (*Stats, error) {
	stats := &Stats{}
	now := time.Now().UTC()

	err := s.db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE is_deleted = 0),
			COUNT(*) FILTER (WHERE is_deleted = 1),
			COUNT(*) FILTER (WHERE is_deleted = 0 AND (indexed_at IS NULL OR last_synced_at > indexed_at)),
			COUNT(*) FILTER (WHERE is_deleted = 0 AND last_synced_at < ?)
		FROM documents`, now.Add(-freshness)).
		Scan(&stats.TotalDocuments, &stats.DeletedCount, &stats.UnindexedCount, &stats.StaleCount)
	if err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM images").Scan(&stats.TotalImages); err != nil {
		return nil, fmt.Errorf("image stats: %w", err)
	}

	// Aggregates lose the column's declared type, which breaks timestamp
	// scanning; take the max in Go instead.
	rows, err := s.db.Query("SELECT last_full_sync_at, last_incremental_sync_at FROM sync_state")
	if err != nil {
		return nil, fmt.Errorf("sync state stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var full, incr *time.Time
		if err := rows.Scan(&full, &incr); err != nil {
			return nil, err
		}
		if full != nil && (stats.LastFullSync == nil || full.After(*stats.LastFullSync)) {
			stats.LastFullSync = full
		}
		if incr != nil && (stats.LastIncrementalSync == nil || incr.After(*stats.LastIncrementalSync)) {
			stats.LastIncrementalSync = incr
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM sync_history
		WHERE started_at >= ? AND (status = ? OR error_count > 0)`,
		now.Add(-failureWindow), JobFailed).
		Scan(&stats.RecentFailureCount)
	if err != nil {
		return nil, fmt.Errorf("failure stats: %w", err)
	}
	return stats, nil
}
