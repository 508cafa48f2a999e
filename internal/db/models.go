package db

import (
	"time"
)

// Review states kept by InsertReview. Pending and dismissed reviews are dropped.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// IsRecognizedReviewState reports whether a review in this state is stored.
func IsRecognizedReviewState(state string) bool {
	switch state {
	case ReviewApproved, ReviewChangesRequested, ReviewCommented:
		return true
	}
	return false
}

// Repository represents a GitHub repository the tracked user has access to
type Repository struct {
	ID              int64      `json:"id"`
	FullName        string     `json:"full_name"`
	Owner           string     `json:"owner"`
	Name            string     `json:"name"`
	IsPrivate       bool       `json:"is_private"`
	IsFork          bool       `json:"is_fork"`
	PrivacyClass    string     `json:"privacy_class"`
	DefaultBranch   string     `json:"default_branch,omitempty"`
	PrimaryLanguage string     `json:"primary_language,omitempty"`
	GHCreatedAt     *time.Time `json:"gh_created_at,omitempty"`
	GHUpdatedAt     *time.Time `json:"gh_updated_at,omitempty"`
	FetchedAt       time.Time  `json:"fetched_at"`

	LastCommitSyncedAt *time.Time `json:"last_commit_synced_at,omitempty"`
	LastPRSyncedAt     *time.Time `json:"last_pr_synced_at,omitempty"`
	CommitCursor       string     `json:"commit_cursor,omitempty"`
	PRCursor           string     `json:"pr_cursor,omitempty"`
}

// Commit represents a commit authored by the tracked user
type Commit struct {
	SHA             string    `json:"sha"`
	RepoID          int64     `json:"repo_id"`
	MessageHeadline string    `json:"message_headline"`
	AuthoredAt      time.Time `json:"authored_at"`
	Additions       int       `json:"additions"`
	Deletions       int       `json:"deletions"`
	ChangedFiles    int       `json:"changed_files"`
}

// PullRequest represents a pull request opened by the tracked user
type PullRequest struct {
	ID           int64      `json:"id"`
	RepoID       int64      `json:"repo_id"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	State        string     `json:"state"`
	Merged       bool       `json:"merged"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changed_files"`
	CommitCount  int        `json:"commit_count"`
	GHCreatedAt  time.Time  `json:"gh_created_at"`
	GHUpdatedAt  time.Time  `json:"gh_updated_at"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Review represents a review submitted by the tracked user
type Review struct {
	ID          int64     `json:"id"`
	RepoID      int64     `json:"repo_id"`
	PRNumber    int       `json:"pr_number"`
	PRTitle     string    `json:"pr_title"`
	State       string    `json:"state"`
	Body        string    `json:"body,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// WorkflowState is the singleton progress row read by status displays
type WorkflowState struct {
	Phase           string     `json:"phase"`
	Progress        int        `json:"progress"`
	CurrentRepo     string     `json:"current_repo,omitempty"`
	TotalRepos      int        `json:"total_repos"`
	ProcessedRepos  int        `json:"processed_repos"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// StateUpdate carries one phase transition.
type StateUpdate struct {
	Phase          string
	Progress       int
	CurrentRepo    string
	TotalRepos     int
	ProcessedRepos int
	ErrorMessage   string
}

// Summary is a cached digest keyed by type and time range
type Summary struct {
	SummaryType string    `json:"summary_type"`
	TimeRange   string    `json:"time_range"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

// CacheEntry is one key of the key-value cache
type CacheEntry struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// WorkflowInstance is one execution of the sync workflow
type WorkflowInstance struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	WakeAt       *time.Time `json:"wake_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SyncRecord is one per-repository sync pass
type SyncRecord struct {
	ID           int64      `json:"id"`
	RepoID       int64      `json:"repo_id"`
	SyncType     string     `json:"sync_type"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       string     `json:"status"`
	ItemsSynced  int        `json:"items_synced"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
