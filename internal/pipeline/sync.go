package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/github"
	"github.com/kiracore/devpulse/internal/privacy"
	"github.com/kiracore/devpulse/internal/workflow"
	"github.com/sirupsen/logrus"
)

// Sync types recorded in sync_history.
const (
	syncTypeCommits      = "commits"
	syncTypePullRequests = "pull_requests"
)

// repoRef is a stored repository as the sync loops need it.
type repoRef struct {
	ID       int64         `json:"id"`
	FullName string        `json:"fullName"`
	Owner    string        `json:"owner"`
	Name     string        `json:"name"`
	Class    privacy.Class `json:"class"`
}

// displayName is the name safe to put in published state.
func (r repoRef) displayName() string {
	if privacy.CanShowName(r.Class) {
		return r.FullName
	}
	return privacy.FullNamePlaceholder
}

// fetchError marks a remote failure that skips one repository instead of
// failing the workflow.
type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func asFetchError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &fetchError{err: err}
}

// passStart is the journaled starting point of one repository pass.
type passStart struct {
	SyncID int64      `json:"syncId"`
	Since  *time.Time `json:"since,omitempty"`
	Cursor string     `json:"cursor,omitempty"`
}

type commitPageResult struct {
	github.PageInfo
	Stored int        `json:"stored"`
	Latest *time.Time `json:"latest,omitempty"`
}

type prPageResult struct {
	github.PageInfo
	Stored  int         `json:"stored"`
	Latest  *time.Time  `json:"latest,omitempty"`
	Oldest  *time.Time  `json:"oldest,omitempty"`
	Reviews []db.Review `json:"reviews,omitempty"`
}

// prPass collects what one repository's PR pass leaves for the reviews phase.
type prPass struct {
	SyncID  int64
	Items   int
	Latest  *time.Time
	Reviews []db.Review
	Failed  bool
}

func later(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}

// ═══════════════════════════════════════════════════════════════
// REPOSITORIES
// ═══════════════════════════════════════════════════════════════

func (w *Workflow) listRepositories(ctx context.Context, run *workflow.Run, hidden *hiddenNames) ([]repoRef, error) {
	var listed []github.Repository
	cursor := ""
	for page := 0; ; page++ {
		name := fmt.Sprintf("repos:page:%d", page)
		p, err := workflow.Step(ctx, run, name, func(ctx context.Context) (*github.RepositoryPage, error) {
			return w.GitHub.ListRepositories(ctx, w.Config.GitHub.Login, cursor)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		w.Tracker.Observe(p.RateLimit)
		hidden.observe(w.Classifier, p.Repositories)
		listed = append(listed, p.Repositories...)

		if err := w.waitForBudget(ctx, run, name, p.RateLimit, 0, 0); err != nil {
			return nil, err
		}
		if !p.HasNextPage || p.EndCursor == "" {
			break
		}
		cursor = p.EndCursor
	}

	return workflow.Step(ctx, run, "repos:store", func(ctx context.Context) ([]repoRef, error) {
		return w.storeRepositories(ctx, run, listed)
	})
}

// storeRepositories upserts the listed repositories that pass the configured
// filters, classifying each one.
func (w *Workflow) storeRepositories(ctx context.Context, run *workflow.Run, listed []github.Repository) ([]repoRef, error) {
	refs := []repoRef{}
	seen := make(map[int64]bool)
	fetchedAt := run.Now().UTC()

	err := w.Store.Transaction(ctx, func(tx *db.Tx) error {
		for _, r := range listed {
			if seen[r.DatabaseID] || !w.Config.ShouldIncludeRepo(r.FullName) {
				continue
			}
			seen[r.DatabaseID] = true

			class := w.Classifier.Classify(r.IsPrivate, r.Owner)
			created, updated := r.CreatedAt, r.UpdatedAt
			if err := tx.UpsertRepository(ctx, &db.Repository{
				ID:              r.DatabaseID,
				FullName:        r.FullName,
				Owner:           r.Owner,
				Name:            r.Name,
				IsPrivate:       r.IsPrivate,
				IsFork:          r.IsFork,
				PrivacyClass:    string(class),
				DefaultBranch:   r.DefaultBranch,
				PrimaryLanguage: r.PrimaryLanguage,
				GHCreatedAt:     &created,
				GHUpdatedAt:     &updated,
				FetchedAt:       fetchedAt,
			}); err != nil {
				return err
			}
			refs = append(refs, repoRef{ID: r.DatabaseID, FullName: r.FullName, Owner: r.Owner, Name: r.Name, Class: class})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store repositories: %w", err)
	}
	return refs, nil
}

// recordFailure logs a skipped repository and closes its sync_history row.
func (w *Workflow) recordFailure(ctx context.Context, run *workflow.Run, prefix string, repo repoRef, syncID int64, items int, cause error) error {
	run.Logger().WithError(cause).WithFields(logrus.Fields{
		"repo": repo.FullName,
		"pass": prefix,
	}).Warn("Repository sync failed, skipping its remaining pages")

	return run.Do(ctx, prefix+":failed", func(ctx context.Context) error {
		return w.Store.RecordSyncComplete(ctx, syncID, items, cause.Error())
	})
}

// startPass journals a repository's watermark and cursor and opens its
// sync_history row.
func (w *Workflow) startPass(ctx context.Context, run *workflow.Run, prefix string, repo repoRef, syncType string) (passStart, error) {
	return workflow.Step(ctx, run, prefix+":start", func(ctx context.Context) (passStart, error) {
		row, err := w.Store.GetRepository(ctx, repo.ID)
		if err != nil {
			return passStart{}, fmt.Errorf("failed to load repository %d: %w", repo.ID, err)
		}
		id, err := w.Store.RecordSyncStart(ctx, repo.ID, syncType)
		if err != nil {
			return passStart{}, fmt.Errorf("failed to record sync start: %w", err)
		}
		start := passStart{SyncID: id}
		if syncType == syncTypeCommits {
			start.Since, start.Cursor = row.LastCommitSyncedAt, row.CommitCursor
		} else {
			start.Since, start.Cursor = row.LastPRSyncedAt, row.PRCursor
		}
		return start, nil
	})
}

// ═══════════════════════════════════════════════════════════════
// COMMITS
// ═══════════════════════════════════════════════════════════════

func (w *Workflow) syncCommits(ctx context.Context, run *workflow.Run, repos []repoRef, emails []string) error {
	total := len(repos)
	if err := w.transition(ctx, run, string(PhaseFetchingCommits), db.StateUpdate{
		Phase:      string(PhaseFetchingCommits),
		Progress:   PhaseFetchingCommits.Progress(0, total),
		TotalRepos: total,
	}); err != nil {
		return err
	}

	allowed := make(map[string]bool, len(emails))
	for _, e := range emails {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}
	if len(allowed) == 0 {
		run.Logger().Warn("No commit emails known, skipping commit sync")
		return nil
	}

	for i, repo := range repos {
		if err := w.transition(ctx, run, fmt.Sprintf("%s:%d", PhaseFetchingCommits, repo.ID), db.StateUpdate{
			Phase:          string(PhaseFetchingCommits),
			Progress:       PhaseFetchingCommits.Progress(i, total),
			CurrentRepo:    repo.displayName(),
			TotalRepos:     total,
			ProcessedRepos: i,
		}); err != nil {
			return err
		}
		if err := w.syncRepoCommits(ctx, run, repo, allowed, total, i); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) syncRepoCommits(ctx context.Context, run *workflow.Run, repo repoRef, allowed map[string]bool, total, processed int) error {
	prefix := fmt.Sprintf("commits:%d", repo.ID)
	start, err := w.startPass(ctx, run, prefix, repo, syncTypeCommits)
	if err != nil {
		return err
	}

	cursor := start.Cursor
	items := 0
	var latest *time.Time
	for page := 0; ; page++ {
		name := fmt.Sprintf("%s:page:%d", prefix, page)
		res, err := workflow.Step(ctx, run, name, func(ctx context.Context) (commitPageResult, error) {
			p, err := w.GitHub.ListCommits(ctx, repo.Owner, repo.Name, start.Since, cursor)
			if err != nil {
				return commitPageResult{}, asFetchError(ctx, err)
			}
			return w.storeCommitPage(ctx, repo, p, allowed)
		})
		var fe *fetchError
		if errors.As(err, &fe) {
			return w.recordFailure(ctx, run, prefix, repo, start.SyncID, items, fe)
		}
		if err != nil {
			return err
		}

		w.Tracker.Observe(res.RateLimit)
		items += res.Stored
		latest = later(latest, res.Latest)

		if err := w.waitForBudget(ctx, run, name, res.RateLimit, total, processed); err != nil {
			return err
		}
		if !res.HasNextPage || res.EndCursor == "" {
			break
		}
		cursor = res.EndCursor
	}

	return run.Do(ctx, prefix+":complete", func(ctx context.Context) error {
		if err := w.Store.CompleteCommitSync(ctx, repo.ID, latest); err != nil {
			return fmt.Errorf("failed to advance commit watermark: %w", err)
		}
		return w.Store.RecordSyncComplete(ctx, start.SyncID, items, "")
	})
}

// storeCommitPage persists the page's commits authored with one of the
// allowed emails and saves the cursor of the next page.
func (w *Workflow) storeCommitPage(ctx context.Context, repo repoRef, p *github.CommitPage, allowed map[string]bool) (commitPageResult, error) {
	res := commitPageResult{PageInfo: p.PageInfo}
	err := w.Store.Transaction(ctx, func(tx *db.Tx) error {
		for _, c := range p.Commits {
			authored := c.AuthoredDate
			res.Latest = later(res.Latest, &authored)
			if !allowed[strings.ToLower(c.AuthorEmail)] {
				continue
			}
			inserted, err := tx.InsertCommit(ctx, &db.Commit{
				SHA:             c.OID,
				RepoID:          repo.ID,
				MessageHeadline: c.MessageHeadline,
				AuthoredAt:      c.AuthoredDate,
				Additions:       c.Additions,
				Deletions:       c.Deletions,
				ChangedFiles:    c.ChangedFiles,
			})
			if err != nil {
				return err
			}
			if inserted {
				res.Stored++
			}
		}
		if p.HasNextPage {
			return tx.SaveCommitCursor(ctx, repo.ID, p.EndCursor)
		}
		return nil
	})
	return res, err
}

// ═══════════════════════════════════════════════════════════════
// PULL REQUESTS AND REVIEWS
// ═══════════════════════════════════════════════════════════════

func (w *Workflow) syncPullRequests(ctx context.Context, run *workflow.Run, repos []repoRef) (map[int64]*prPass, error) {
	total := len(repos)
	if err := w.transition(ctx, run, string(PhaseFetchingPRs), db.StateUpdate{
		Phase:      string(PhaseFetchingPRs),
		Progress:   PhaseFetchingPRs.Progress(0, total),
		TotalRepos: total,
	}); err != nil {
		return nil, err
	}

	passes := make(map[int64]*prPass, total)
	for i, repo := range repos {
		if err := w.transition(ctx, run, fmt.Sprintf("%s:%d", PhaseFetchingPRs, repo.ID), db.StateUpdate{
			Phase:          string(PhaseFetchingPRs),
			Progress:       PhaseFetchingPRs.Progress(i, total),
			CurrentRepo:    repo.displayName(),
			TotalRepos:     total,
			ProcessedRepos: i,
		}); err != nil {
			return nil, err
		}
		pass, err := w.syncRepoPullRequests(ctx, run, repo, total, i)
		if err != nil {
			return nil, err
		}
		passes[repo.ID] = pass
	}
	return passes, nil
}

func (w *Workflow) syncRepoPullRequests(ctx context.Context, run *workflow.Run, repo repoRef, total, processed int) (*prPass, error) {
	prefix := fmt.Sprintf("prs:%d", repo.ID)
	start, err := w.startPass(ctx, run, prefix, repo, syncTypePullRequests)
	if err != nil {
		return nil, err
	}

	pass := &prPass{SyncID: start.SyncID}
	cursor := start.Cursor
	for page := 0; ; page++ {
		name := fmt.Sprintf("%s:page:%d", prefix, page)
		res, err := workflow.Step(ctx, run, name, func(ctx context.Context) (prPageResult, error) {
			p, err := w.GitHub.ListPullRequests(ctx, repo.Owner, repo.Name, cursor)
			if err != nil {
				return prPageResult{}, asFetchError(ctx, err)
			}
			return w.storePullRequestPage(ctx, repo, p)
		})
		var fe *fetchError
		if errors.As(err, &fe) {
			pass.Failed = true
			return pass, w.recordFailure(ctx, run, prefix, repo, start.SyncID, pass.Items, fe)
		}
		if err != nil {
			return nil, err
		}

		w.Tracker.Observe(res.RateLimit)
		pass.Items += res.Stored
		pass.Latest = later(pass.Latest, res.Latest)
		pass.Reviews = append(pass.Reviews, res.Reviews...)

		if err := w.waitForBudget(ctx, run, name, res.RateLimit, total, processed); err != nil {
			return nil, err
		}
		if start.Since != nil && res.Oldest != nil && res.Oldest.Before(*start.Since) {
			run.Logger().WithFields(logrus.Fields{
				"repo": repo.FullName,
				"page": page,
			}).Debug("Reached already synced pull requests")
			break
		}
		if !res.HasNextPage || res.EndCursor == "" {
			break
		}
		cursor = res.EndCursor
	}
	return pass, nil
}

// storePullRequestPage persists the tracked user's pull requests on the page
// and returns the reviews the user wrote on any of them.
func (w *Workflow) storePullRequestPage(ctx context.Context, repo repoRef, p *github.PullRequestPage) (prPageResult, error) {
	login := w.Config.GitHub.Login
	res := prPageResult{PageInfo: p.PageInfo}
	if oldest, ok := p.OldestUpdatedAt(); ok {
		res.Oldest = &oldest
	}

	err := w.Store.Transaction(ctx, func(tx *db.Tx) error {
		for _, pr := range p.PullRequests {
			updated := pr.UpdatedAt
			res.Latest = later(res.Latest, &updated)

			for _, r := range pr.Reviews {
				if !strings.EqualFold(r.AuthorLogin, login) || r.SubmittedAt == nil || !db.IsRecognizedReviewState(r.State) {
					continue
				}
				res.Reviews = append(res.Reviews, db.Review{
					ID:          r.DatabaseID,
					RepoID:      repo.ID,
					PRNumber:    pr.Number,
					PRTitle:     pr.Title,
					State:       r.State,
					Body:        r.Body,
					SubmittedAt: *r.SubmittedAt,
				})
			}

			if !strings.EqualFold(pr.AuthorLogin, login) {
				continue
			}
			if err := tx.UpsertPullRequest(ctx, &db.PullRequest{
				ID:           pr.DatabaseID,
				RepoID:       repo.ID,
				Number:       pr.Number,
				Title:        pr.Title,
				Body:         pr.Body,
				State:        pr.State,
				Merged:       pr.Merged,
				Additions:    pr.Additions,
				Deletions:    pr.Deletions,
				ChangedFiles: pr.ChangedFiles,
				CommitCount:  pr.CommitCount,
				GHCreatedAt:  pr.CreatedAt,
				GHUpdatedAt:  pr.UpdatedAt,
				MergedAt:     pr.MergedAt,
				ClosedAt:     pr.ClosedAt,
			}); err != nil {
				return err
			}
			res.Stored++
		}
		if p.HasNextPage {
			return tx.SavePRCursor(ctx, repo.ID, p.EndCursor)
		}
		return nil
	})
	return res, err
}

// storeReviews persists the reviews gathered during the PR phase, then
// completes each repository's PR pass.
func (w *Workflow) storeReviews(ctx context.Context, run *workflow.Run, repos []repoRef, passes map[int64]*prPass) error {
	total := len(repos)
	if err := w.transition(ctx, run, string(PhaseFetchingReviews), db.StateUpdate{
		Phase:      string(PhaseFetchingReviews),
		Progress:   PhaseFetchingReviews.Progress(0, total),
		TotalRepos: total,
	}); err != nil {
		return err
	}

	for i, repo := range repos {
		pass, ok := passes[repo.ID]
		if !ok {
			continue
		}
		if err := w.transition(ctx, run, fmt.Sprintf("%s:%d", PhaseFetchingReviews, repo.ID), db.StateUpdate{
			Phase:          string(PhaseFetchingReviews),
			Progress:       PhaseFetchingReviews.Progress(i, total),
			CurrentRepo:    repo.displayName(),
			TotalRepos:     total,
			ProcessedRepos: i,
		}); err != nil {
			return err
		}

		if err := run.Do(ctx, fmt.Sprintf("reviews:%d", repo.ID), func(ctx context.Context) error {
			stored := 0
			err := w.Store.Transaction(ctx, func(tx *db.Tx) error {
				for i := range pass.Reviews {
					inserted, err := tx.InsertReview(ctx, &pass.Reviews[i])
					if err != nil {
						return err
					}
					if inserted {
						stored++
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to store reviews: %w", err)
			}
			if pass.Failed {
				return nil
			}
			if err := w.Store.CompletePRSync(ctx, repo.ID, pass.Latest); err != nil {
				return fmt.Errorf("failed to advance pull request watermark: %w", err)
			}
			return w.Store.RecordSyncComplete(ctx, pass.SyncID, pass.Items+stored, "")
		}); err != nil {
			return err
		}
	}
	return nil
}
