package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Tx wraps a transaction and exposes the same write helpers as DB
type Tx struct {
	*sql.Tx
}

// Transaction executes fn in a transaction
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&Tx{Tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}

	return sqlTx.Commit()
}

// ═══════════════════════════════════════════════════════════════
// REPOSITORIES
// ═══════════════════════════════════════════════════════════════

const upsertRepositorySQL = `INSERT INTO repositories
	(id, full_name, owner, name, is_private, is_fork, privacy_class,
	default_branch, primary_language, gh_created_at, gh_updated_at, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		full_name = excluded.full_name,
		owner = excluded.owner,
		name = excluded.name,
		is_private = excluded.is_private,
		is_fork = excluded.is_fork,
		privacy_class = excluded.privacy_class,
		default_branch = excluded.default_branch,
		primary_language = excluded.primary_language,
		gh_created_at = excluded.gh_created_at,
		gh_updated_at = excluded.gh_updated_at,
		fetched_at = excluded.fetched_at`

// UpsertRepository inserts or refreshes a repository keyed on its remote id.
// Sync watermarks and cursors are never touched here.
func (db *DB) UpsertRepository(ctx context.Context, r *Repository) error {
	return upsertRepository(ctx, db, r)
}

// UpsertRepository inserts or refreshes a repository inside the transaction.
func (tx *Tx) UpsertRepository(ctx context.Context, r *Repository) error {
	return upsertRepository(ctx, tx, r)
}

func upsertRepository(ctx context.Context, e execer, r *Repository) error {
	if r.FetchedAt.IsZero() {
		r.FetchedAt = time.Now().UTC()
	}
	_, err := e.ExecContext(ctx, upsertRepositorySQL,
		r.ID, r.FullName, r.Owner, r.Name, r.IsPrivate, r.IsFork, r.PrivacyClass,
		nullString(r.DefaultBranch), nullString(r.PrimaryLanguage),
		nullTime(r.GHCreatedAt), nullTime(r.GHUpdatedAt), r.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert repository %d: %w", r.ID, err)
	}
	return nil
}

const repositoryColumns = `id, full_name, owner, name, is_private, is_fork, privacy_class,
	default_branch, primary_language, gh_created_at, gh_updated_at, fetched_at,
	last_commit_synced_at, last_pr_synced_at, commit_cursor, pr_cursor`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(s rowScanner) (*Repository, error) {
	var r Repository
	var branch, language, commitCursor, prCursor sql.NullString
	var created, updated, lastCommit, lastPR sql.NullTime
	err := s.Scan(&r.ID, &r.FullName, &r.Owner, &r.Name, &r.IsPrivate, &r.IsFork, &r.PrivacyClass,
		&branch, &language, &created, &updated, &r.FetchedAt,
		&lastCommit, &lastPR, &commitCursor, &prCursor)
	if err != nil {
		return nil, err
	}
	r.DefaultBranch = branch.String
	r.PrimaryLanguage = language.String
	r.CommitCursor = commitCursor.String
	r.PRCursor = prCursor.String
	r.GHCreatedAt = timePtr(created)
	r.GHUpdatedAt = timePtr(updated)
	r.LastCommitSyncedAt = timePtr(lastCommit)
	r.LastPRSyncedAt = timePtr(lastPR)
	r.FetchedAt = r.FetchedAt.UTC()
	return &r, nil
}

// GetRepository returns a repository by remote id
func (db *DB) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	row := db.QueryRowContext(ctx, "SELECT "+repositoryColumns+" FROM repositories WHERE id = ?", id)
	r, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRepositories returns all repositories ordered by full name
func (db *DB) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+repositoryColumns+" FROM repositories ORDER BY full_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// ═══════════════════════════════════════════════════════════════
// WATERMARKS
// ═══════════════════════════════════════════════════════════════

// SaveCommitCursor records the cursor of the last persisted commit page.
func (tx *Tx) SaveCommitCursor(ctx context.Context, repoID int64, cursor string) error {
	_, err := tx.ExecContext(ctx, "UPDATE repositories SET commit_cursor = ? WHERE id = ?", nullString(cursor), repoID)
	return err
}

// SavePRCursor records the cursor of the last persisted pull request page.
func (tx *Tx) SavePRCursor(ctx context.Context, repoID int64, cursor string) error {
	_, err := tx.ExecContext(ctx, "UPDATE repositories SET pr_cursor = ? WHERE id = ?", nullString(cursor), repoID)
	return err
}

// CompleteCommitSync clears the commit cursor after a full pass and advances
// the commit watermark. A nil or older syncedAt leaves the watermark alone.
func (db *DB) CompleteCommitSync(ctx context.Context, repoID int64, syncedAt *time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE repositories SET
		commit_cursor = NULL,
		last_commit_synced_at = CASE
			WHEN ? IS NULL THEN last_commit_synced_at
			WHEN last_commit_synced_at IS NULL OR last_commit_synced_at < ? THEN ?
			ELSE last_commit_synced_at END
		WHERE id = ?`, nullTime(syncedAt), nullTime(syncedAt), nullTime(syncedAt), repoID)
	return err
}

// CompletePRSync clears the PR cursor after a full pass and advances the PR watermark.
func (db *DB) CompletePRSync(ctx context.Context, repoID int64, syncedAt *time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE repositories SET
		pr_cursor = NULL,
		last_pr_synced_at = CASE
			WHEN ? IS NULL THEN last_pr_synced_at
			WHEN last_pr_synced_at IS NULL OR last_pr_synced_at < ? THEN ?
			ELSE last_pr_synced_at END
		WHERE id = ?`, nullTime(syncedAt), nullTime(syncedAt), nullTime(syncedAt), repoID)
	return err
}

// ═══════════════════════════════════════════════════════════════
// COMMITS, PULL REQUESTS, REVIEWS
// ═══════════════════════════════════════════════════════════════

// InsertCommit stores a commit unless its hash is already known.
// It reports whether a row was inserted.
func (tx *Tx) InsertCommit(ctx context.Context, c *Commit) (bool, error) {
	return insertCommit(ctx, tx, c)
}

// InsertCommit stores a commit unless its hash is already known.
func (db *DB) InsertCommit(ctx context.Context, c *Commit) (bool, error) {
	return insertCommit(ctx, db, c)
}

func insertCommit(ctx context.Context, e execer, c *Commit) (bool, error) {
	res, err := e.ExecContext(ctx, `INSERT INTO commits
		(sha, repo_id, message_headline, authored_at, additions, deletions, changed_files)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha) DO NOTHING`,
		c.SHA, c.RepoID, c.MessageHeadline, c.AuthoredAt.UTC(), c.Additions, c.Deletions, c.ChangedFiles)
	if err != nil {
		return false, fmt.Errorf("failed to insert commit %s: %w", c.SHA, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertPullRequest inserts or updates a pull request keyed on its remote id.
func (tx *Tx) UpsertPullRequest(ctx context.Context, pr *PullRequest) error {
	return upsertPullRequest(ctx, tx, pr)
}

// UpsertPullRequest inserts or updates a pull request keyed on its remote id.
func (db *DB) UpsertPullRequest(ctx context.Context, pr *PullRequest) error {
	return upsertPullRequest(ctx, db, pr)
}

func upsertPullRequest(ctx context.Context, e execer, pr *PullRequest) error {
	_, err := e.ExecContext(ctx, `INSERT INTO pull_requests
		(id, repo_id, number, title, body, state, merged,
		additions, deletions, changed_files, commit_count,
		gh_created_at, gh_updated_at, merged_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			state = excluded.state,
			merged = excluded.merged,
			additions = excluded.additions,
			deletions = excluded.deletions,
			changed_files = excluded.changed_files,
			commit_count = excluded.commit_count,
			gh_updated_at = excluded.gh_updated_at,
			merged_at = excluded.merged_at,
			closed_at = excluded.closed_at`,
		pr.ID, pr.RepoID, pr.Number, pr.Title, nullString(pr.Body), pr.State, pr.Merged,
		pr.Additions, pr.Deletions, pr.ChangedFiles, pr.CommitCount,
		pr.GHCreatedAt.UTC(), pr.GHUpdatedAt.UTC(), nullTime(pr.MergedAt), nullTime(pr.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert pull request #%d: %w", pr.Number, err)
	}
	return nil
}

// InsertReview stores a review unless its id is already known. Reviews in an
// unrecognized state are dropped without error.
func (db *DB) InsertReview(ctx context.Context, r *Review) (bool, error) {
	return insertReview(ctx, db, r)
}

// InsertReview stores a review inside the transaction.
func (tx *Tx) InsertReview(ctx context.Context, r *Review) (bool, error) {
	return insertReview(ctx, tx, r)
}

func insertReview(ctx context.Context, e execer, r *Review) (bool, error) {
	if !IsRecognizedReviewState(r.State) {
		return false, nil
	}
	res, err := e.ExecContext(ctx, `INSERT INTO reviews
		(id, repo_id, pr_number, pr_title, state, body, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.RepoID, r.PRNumber, r.PRTitle, r.State, nullString(r.Body), r.SubmittedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert review %d: %w", r.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ═══════════════════════════════════════════════════════════════
// SYNC HISTORY
// ═══════════════════════════════════════════════════════════════

// RecordSyncStart opens a sync_history row for one repository pass
func (db *DB) RecordSyncStart(ctx context.Context, repoID int64, syncType string) (int64, error) {
	result, err := db.ExecContext(ctx, `INSERT INTO sync_history (repo_id, sync_type, started_at, status)
		VALUES (?, ?, ?, 'running')`, repoID, syncType, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecordSyncComplete closes a sync_history row
func (db *DB) RecordSyncComplete(ctx context.Context, syncID int64, itemsSynced int, errMsg string) error {
	status := "completed"
	if errMsg != "" {
		status = "failed"
	}
	_, err := db.ExecContext(ctx, `UPDATE sync_history SET
		completed_at = ?, status = ?, items_synced = ?, error_message = ?
		WHERE id = ?`, time.Now().UTC(), status, itemsSynced, nullString(errMsg), syncID)
	return err
}

// RecentSyncFailures returns the latest failed passes, newest first
func (db *DB) RecentSyncFailures(ctx context.Context, limit int) ([]SyncRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, COALESCE(repo_id, 0), sync_type, started_at, completed_at,
		status, COALESCE(items_synced, 0), COALESCE(error_message, '')
		FROM sync_history WHERE status = 'failed'
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SyncRecord
	for rows.Next() {
		var r SyncRecord
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.RepoID, &r.SyncType, &r.StartedAt, &completed,
			&r.Status, &r.ItemsSynced, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.CompletedAt = timePtr(completed)
		records = append(records, r)
	}
	return records, rows.Err()
}
