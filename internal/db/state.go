package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Phases that change bookkeeping columns of workflow_state.
const (
	phaseStart     = "listing-repos"
	phaseCompleted = "completed"
	phaseError     = "error"
)

// GetWorkflowState returns the singleton progress row
func (db *DB) GetWorkflowState(ctx context.Context) (*WorkflowState, error) {
	var s WorkflowState
	var current, errMsg sql.NullString
	var lastRun, lastCompleted, updated sql.NullTime
	err := db.QueryRowContext(ctx, `SELECT phase, progress, current_repo, total_repos, processed_repos,
		last_run_at, last_completed_at, error_message, updated_at
		FROM workflow_state WHERE id = 1`).Scan(
		&s.Phase, &s.Progress, &current, &s.TotalRepos, &s.ProcessedRepos,
		&lastRun, &lastCompleted, &errMsg, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &WorkflowState{Phase: "idle"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow state: %w", err)
	}
	s.CurrentRepo = current.String
	s.ErrorMessage = errMsg.String
	s.LastRunAt = timePtr(lastRun)
	s.LastCompletedAt = timePtr(lastCompleted)
	s.UpdatedAt = timePtr(updated)
	return &s, nil
}

// UpdateWorkflowState applies one phase transition.
//
// Progress never decreases within a run: only the first phase of a run may
// lower it. Entering that phase also stamps last_run_at and clears the error,
// and entering "completed" stamps last_completed_at.
func (db *DB) UpdateWorkflowState(ctx context.Context, u StateUpdate) error {
	now := time.Now().UTC()
	start := u.Phase == phaseStart
	errMsg := u.ErrorMessage
	if u.Phase != phaseError {
		errMsg = ""
	}

	_, err := db.ExecContext(ctx, `INSERT INTO workflow_state (id, phase, progress) VALUES (1, 'idle', 0)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to seed workflow state: %w", err)
	}

	if u.Phase == phaseError {
		_, err = db.ExecContext(ctx, `UPDATE workflow_state SET
			phase = ?, error_message = ?, updated_at = ? WHERE id = 1`,
			u.Phase, nullString(errMsg), now)
		if err != nil {
			return fmt.Errorf("failed to update workflow state: %w", err)
		}
		return nil
	}

	_, err = db.ExecContext(ctx, `UPDATE workflow_state SET
		phase = ?,
		progress = CASE WHEN ? THEN ? ELSE MAX(progress, ?) END,
		current_repo = ?,
		total_repos = ?,
		processed_repos = ?,
		last_run_at = CASE WHEN ? THEN ? ELSE last_run_at END,
		last_completed_at = CASE WHEN ? = 'completed' THEN ? ELSE last_completed_at END,
		error_message = ?,
		updated_at = ?
		WHERE id = 1`,
		u.Phase,
		start, u.Progress, u.Progress,
		nullString(u.CurrentRepo),
		u.TotalRepos,
		u.ProcessedRepos,
		start, now,
		u.Phase, now,
		nullString(errMsg),
		now)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════
// SUMMARY CACHE
// ═══════════════════════════════════════════════════════════════

// UpsertSummary stores a digest, replacing any previous one with the same key
func (db *DB) UpsertSummary(ctx context.Context, s *Summary) error {
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO summary_cache (summary_type, time_range, content, generated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(summary_type, time_range) DO UPDATE SET
			content = excluded.content,
			generated_at = excluded.generated_at`,
		s.SummaryType, s.TimeRange, s.Content, s.GeneratedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	return nil
}

// GetSummary returns a cached digest
func (db *DB) GetSummary(ctx context.Context, summaryType, timeRange string) (*Summary, error) {
	s := Summary{SummaryType: summaryType, TimeRange: timeRange}
	err := db.QueryRowContext(ctx, `SELECT content, generated_at FROM summary_cache
		WHERE summary_type = ? AND time_range = ?`, summaryType, timeRange).Scan(&s.Content, &s.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ═══════════════════════════════════════════════════════════════
// KEY-VALUE CACHE
// ═══════════════════════════════════════════════════════════════

// GetCacheEntry returns a live cache entry. Expired entries read as ErrNotFound.
func (db *DB) GetCacheEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error) {
	e := CacheEntry{Key: key}
	var expires, updated sql.NullTime
	err := db.QueryRowContext(ctx, `SELECT value, expires_at, updated_at FROM cache_entries
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`, key, now.UTC()).Scan(&e.Value, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ExpiresAt = timePtr(expires)
	e.UpdatedAt = timePtr(updated)
	return &e, nil
}

// PutCacheEntry writes a cache entry. A nil expiresAt never expires.
func (db *DB) PutCacheEntry(ctx context.Context, key, value string, expiresAt *time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO cache_entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, nullTime(expiresAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

// DeleteCacheEntry removes a cache entry
func (db *DB) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
	return err
}

// PurgeExpiredCache deletes expired entries and returns how many were removed
func (db *DB) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
