package db

import (
	"context"
	"time"
)

// showableClasses is the SQL list of privacy classes whose names may be shown.
const showableClasses = "('self', 'external')"

// ActivityTotals holds overall counts
type ActivityTotals struct {
	Commits      int   `json:"commits"`
	PullRequests int   `json:"pull_requests"`
	Reviews      int   `json:"reviews"`
	ActiveRepos  int   `json:"active_repos"`
	Additions    int64 `json:"additions"`
	Deletions    int64 `json:"deletions"`
}

// LanguageStat is commit activity for one language
type LanguageStat struct {
	Language  string `json:"language"`
	Commits   int    `json:"commits"`
	Additions int64  `json:"additions"`
	Deletions int64  `json:"deletions"`
}

// Lines returns additions plus deletions
func (l LanguageStat) Lines() int64 {
	return l.Additions + l.Deletions
}

// MonthlyActivity is one month of commits for a language, split by visibility
type MonthlyActivity struct {
	Month    string `json:"month"`
	Language string `json:"language"`
	Showable bool   `json:"showable"`
	Commits  int    `json:"commits"`
	Lines    int64  `json:"lines"`
}

// PRStats summarizes pull request outcomes and sizes
type PRStats struct {
	Open   int `json:"open"`
	Merged int `json:"merged"`
	Closed int `json:"closed"`
	Small  int `json:"small"`
	Medium int `json:"medium"`
	Large  int `json:"large"`
}

// Headline is a commit message or PR title from a showable repository
type Headline struct {
	Repo string    `json:"repo"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ActivityTotals returns overall activity counts
func (db *DB) ActivityTotals(ctx context.Context) (*ActivityTotals, error) {
	var t ActivityTotals
	err := db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM commits),
		(SELECT COUNT(*) FROM pull_requests),
		(SELECT COUNT(*) FROM reviews),
		(SELECT COUNT(*) FROM (
			SELECT repo_id FROM commits
			UNION SELECT repo_id FROM pull_requests
			UNION SELECT repo_id FROM reviews)),
		(SELECT COALESCE(SUM(additions), 0) FROM commits),
		(SELECT COALESCE(SUM(deletions), 0) FROM commits)`).Scan(
		&t.Commits, &t.PullRequests, &t.Reviews, &t.ActiveRepos, &t.Additions, &t.Deletions)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LanguageStats returns per-language commit activity ordered by lines changed
func (db *DB) LanguageStats(ctx context.Context, limit int) ([]LanguageStat, error) {
	rows, err := db.QueryContext(ctx, `SELECT COALESCE(r.primary_language, 'Other') AS language,
		COUNT(*), COALESCE(SUM(c.additions), 0), COALESCE(SUM(c.deletions), 0)
		FROM commits c JOIN repositories r ON r.id = c.repo_id
		GROUP BY language
		ORDER BY SUM(c.additions) + SUM(c.deletions) DESC, language ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []LanguageStat
	for rows.Next() {
		var s LanguageStat
		if err := rows.Scan(&s.Language, &s.Commits, &s.Additions, &s.Deletions); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// MonthlyActivity returns per-month, per-language commit activity since the
// given time. Rows are split by whether the repository name may be shown.
func (db *DB) MonthlyActivity(ctx context.Context, since time.Time) ([]MonthlyActivity, error) {
	rows, err := db.QueryContext(ctx, `SELECT substr(c.authored_at, 1, 7) AS month,
		COALESCE(r.primary_language, 'Other') AS language,
		r.privacy_class IN `+showableClasses+` AS showable,
		COUNT(*), COALESCE(SUM(c.additions + c.deletions), 0)
		FROM commits c JOIN repositories r ON r.id = c.repo_id
		WHERE c.authored_at >= ?
		GROUP BY month, language, showable
		ORDER BY month ASC, language ASC, showable DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activity []MonthlyActivity
	for rows.Next() {
		var a MonthlyActivity
		if err := rows.Scan(&a.Month, &a.Language, &a.Showable, &a.Commits, &a.Lines); err != nil {
			return nil, err
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

// PullRequestStats returns PR outcome and size distribution
func (db *DB) PullRequestStats(ctx context.Context) (*PRStats, error) {
	var s PRStats
	err := db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN state = 'OPEN' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN merged THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state = 'CLOSED' AND NOT merged THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN additions + deletions < 50 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN additions + deletions >= 50 AND additions + deletions < 500 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN additions + deletions >= 500 THEN 1 ELSE 0 END), 0)
		FROM pull_requests`).Scan(&s.Open, &s.Merged, &s.Closed, &s.Small, &s.Medium, &s.Large)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReviewStateCounts returns the number of reviews per state
func (db *DB) ReviewStateCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT state, COUNT(*) FROM reviews GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// HiddenRepositoryNames returns full names of private and member-org repositories
func (db *DB) HiddenRepositoryNames(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT full_name FROM repositories
		WHERE privacy_class NOT IN `+showableClasses+` ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RecentHeadlines returns the newest commit headlines and PR titles from
// repositories whose names may be shown.
func (db *DB) RecentHeadlines(ctx context.Context, limit int) ([]Headline, error) {
	rows, err := db.QueryContext(ctx, `SELECT repo, kind, text, at FROM (
			SELECT r.full_name AS repo, 'commit' AS kind, c.message_headline AS text, c.authored_at AS at
			FROM commits c JOIN repositories r ON r.id = c.repo_id
			WHERE r.privacy_class IN `+showableClasses+`
			UNION ALL
			SELECT r.full_name, 'pr', p.title, p.gh_created_at
			FROM pull_requests p JOIN repositories r ON r.id = p.repo_id
			WHERE r.privacy_class IN `+showableClasses+`
		) ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headlines []Headline
	for rows.Next() {
		var h Headline
		var at string
		if err := rows.Scan(&h.Repo, &h.Kind, &h.Text, &at); err != nil {
			return nil, err
		}
		// The UNION drops the column type, so the timestamp comes back as TEXT
		h.At, _ = parseTime(at)
		headlines = append(headlines, h)
	}
	return headlines, rows.Err()
}
