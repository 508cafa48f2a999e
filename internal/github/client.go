// Package github fetches the tracked user's activity from the GitHub APIs.
//
// Repository, commit and pull request history come from GraphQL v4 one page
// at a time; every page reports the rate-limit budget it left behind. The
// REST API is only used to look up the user's verified email addresses.
package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/kiracore/devpulse/internal/ratelimit"
	"github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// DefaultPageSize is the GraphQL page size when none is configured.
const DefaultPageSize = 50

// reviewsPerPR is how many nested reviews a pull request page carries.
const reviewsPerPR = 50

// Options configures a Client. Empty URLs mean github.com.
type Options struct {
	Token    string
	APIURL   string // GraphQL endpoint, e.g. https://ghe.example.com/api/graphql
	RESTURL  string // REST base URL, e.g. https://ghe.example.com/api/v3/
	PageSize int
}

// Client talks to GitHub GraphQL and REST APIs
type Client struct {
	gql      *githubv4.Client
	rest     *github.Client
	pageSize int
	logger   logrus.FieldLogger
}

// NewClient creates a Client authenticated with opts.Token
func NewClient(opts Options, logger logrus.FieldLogger) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	return newClient(oauth2.NewClient(context.Background(), ts), opts, logger)
}

func newClient(hc *http.Client, opts Options, logger logrus.FieldLogger) (*Client, error) {
	c := &Client{
		gql:      githubv4.NewClient(hc),
		rest:     github.NewClient(hc),
		pageSize: opts.PageSize,
		logger:   logger,
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if opts.APIURL != "" {
		c.gql = githubv4.NewEnterpriseClient(opts.APIURL, hc)
	}
	if opts.RESTURL != "" {
		rest, err := c.rest.WithEnterpriseURLs(opts.RESTURL, opts.RESTURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST URL: %w", err)
		}
		c.rest = rest
	}
	return c, nil
}

// ═══════════════════════════════════════════════════════════════
// PAGE TYPES
// ═══════════════════════════════════════════════════════════════

// Repository is one repository from the user listing
type Repository struct {
	DatabaseID      int64     `json:"databaseId"`
	FullName        string    `json:"fullName"`
	Owner           string    `json:"owner"`
	Name            string    `json:"name"`
	IsPrivate       bool      `json:"isPrivate"`
	IsFork          bool      `json:"isFork"`
	DefaultBranch   string    `json:"defaultBranch,omitempty"`
	PrimaryLanguage string    `json:"primaryLanguage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Commit is one commit on a default branch
type Commit struct {
	OID             string    `json:"oid"`
	MessageHeadline string    `json:"messageHeadline"`
	AuthoredDate    time.Time `json:"authoredDate"`
	AuthorEmail     string    `json:"authorEmail"`
	Additions       int       `json:"additions"`
	Deletions       int       `json:"deletions"`
	ChangedFiles    int       `json:"changedFiles"`
}

// Review is one review nested in a pull request
type Review struct {
	DatabaseID  int64      `json:"databaseId"`
	AuthorLogin string     `json:"authorLogin"`
	State       string     `json:"state"`
	Body        string     `json:"body,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
}

// PullRequest is one pull request with its first reviews
type PullRequest struct {
	DatabaseID   int64      `json:"databaseId"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	State        string     `json:"state"`
	Merged       bool       `json:"merged"`
	AuthorLogin  string     `json:"authorLogin"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	CommitCount  int        `json:"commitCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	Reviews      []Review   `json:"reviews,omitempty"`
}

// PageInfo locates the next page
type PageInfo struct {
	EndCursor   string         `json:"endCursor,omitempty"`
	HasNextPage bool           `json:"hasNextPage"`
	RateLimit   ratelimit.Info `json:"rateLimit"`
}

// RepositoryPage is one page of the user's repositories
type RepositoryPage struct {
	PageInfo
	Repositories []Repository `json:"repositories"`
}

// CommitPage is one page of commit history
type CommitPage struct {
	PageInfo
	Commits []Commit `json:"commits"`
}

// PullRequestPage is one page of pull requests, most recently updated first
type PullRequestPage struct {
	PageInfo
	PullRequests []PullRequest `json:"pullRequests"`
}

// OldestUpdatedAt returns the earliest updatedAt on the page
func (p *PullRequestPage) OldestUpdatedAt() (time.Time, bool) {
	var oldest time.Time
	for i, pr := range p.PullRequests {
		if i == 0 || pr.UpdatedAt.Before(oldest) {
			oldest = pr.UpdatedAt
		}
	}
	return oldest, len(p.PullRequests) > 0
}

// ═══════════════════════════════════════════════════════════════
// GRAPHQL SHAPES
// ═══════════════════════════════════════════════════════════════

type rateLimitNode struct {
	Limit     githubv4.Int
	Cost      githubv4.Int
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

func (r rateLimitNode) info() ratelimit.Info {
	return ratelimit.Info{
		Limit:     int(r.Limit),
		Remaining: int(r.Remaining),
		Cost:      int(r.Cost),
		ResetAt:   r.ResetAt.UTC(),
	}
}

type pageInfoNode struct {
	EndCursor   githubv4.String
	HasNextPage githubv4.Boolean
}

type repositoryNode struct {
	DatabaseID    githubv4.Int
	NameWithOwner githubv4.String
	Name          githubv4.String
	Owner         struct {
		Login githubv4.String
	}
	IsPrivate        githubv4.Boolean
	IsFork           githubv4.Boolean
	DefaultBranchRef *struct {
		Name githubv4.String
	}
	PrimaryLanguage *struct {
		Name githubv4.String
	}
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
}

type commitNode struct {
	Oid             githubv4.GitObjectID
	MessageHeadline githubv4.String
	AuthoredDate    githubv4.DateTime
	Author          *struct {
		Email githubv4.String
	}
	Additions               githubv4.Int
	Deletions               githubv4.Int
	ChangedFilesIfAvailable *githubv4.Int
}

type actorNode struct {
	Login githubv4.String
}

type reviewNode struct {
	DatabaseID  githubv4.Int
	State       githubv4.String
	Body        githubv4.String
	SubmittedAt *githubv4.DateTime
	Author      *actorNode
}

type pullRequestNode struct {
	DatabaseID   githubv4.Int
	Number       githubv4.Int
	Title        githubv4.String
	Body         githubv4.String
	State        githubv4.String
	Merged       githubv4.Boolean
	Additions    githubv4.Int
	Deletions    githubv4.Int
	ChangedFiles githubv4.Int
	Commits      struct {
		TotalCount githubv4.Int
	}
	Author    *actorNode
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	MergedAt  *githubv4.DateTime
	ClosedAt  *githubv4.DateTime
	Reviews   struct {
		Nodes []reviewNode
	} `graphql:"reviews(first: $reviewsPerPR)"`
}

func cursorVar(cursor string) *githubv4.String {
	if cursor == "" {
		return nil
	}
	return githubv4.NewString(githubv4.String(cursor))
}

func timePtr(dt *githubv4.DateTime) *time.Time {
	if dt == nil {
		return nil
	}
	t := dt.UTC()
	return &t
}

func login(a *actorNode) string {
	if a == nil {
		return ""
	}
	return string(a.Login)
}

// ═══════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════

// ListRepositories returns one page of repositories the user owns, collaborates
// on, or can see as an organization member
func (c *Client) ListRepositories(ctx context.Context, userLogin, cursor string) (*RepositoryPage, error) {
	var q struct {
		User struct {
			Repositories struct {
				Nodes    []repositoryNode
				PageInfo pageInfoNode
			} `graphql:"repositories(first: $first, after: $cursor, ownerAffiliations: $affiliations, orderBy: {field: UPDATED_AT, direction: DESC})"`
		} `graphql:"user(login: $login)"`
		RateLimit rateLimitNode
	}
	vars := map[string]interface{}{
		"login":  githubv4.String(userLogin),
		"first":  githubv4.Int(c.pageSize),
		"cursor": cursorVar(cursor),
		"affiliations": []githubv4.RepositoryAffiliation{
			githubv4.RepositoryAffiliationOwner,
			githubv4.RepositoryAffiliationCollaborator,
			githubv4.RepositoryAffiliationOrganizationMember,
		},
	}

	c.logger.WithFields(logrus.Fields{"login": userLogin, "cursor": cursor}).Debug("Fetching repositories page")
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("failed to list repositories for %s: %w", userLogin, err)
	}

	page := &RepositoryPage{PageInfo: PageInfo{
		EndCursor:   string(q.User.Repositories.PageInfo.EndCursor),
		HasNextPage: bool(q.User.Repositories.PageInfo.HasNextPage),
		RateLimit:   q.RateLimit.info(),
	}}
	for _, n := range q.User.Repositories.Nodes {
		r := Repository{
			DatabaseID: int64(n.DatabaseID),
			FullName:   string(n.NameWithOwner),
			Owner:      string(n.Owner.Login),
			Name:       string(n.Name),
			IsPrivate:  bool(n.IsPrivate),
			IsFork:     bool(n.IsFork),
			CreatedAt:  n.CreatedAt.UTC(),
			UpdatedAt:  n.UpdatedAt.UTC(),
		}
		if n.DefaultBranchRef != nil {
			r.DefaultBranch = string(n.DefaultBranchRef.Name)
		}
		if n.PrimaryLanguage != nil {
			r.PrimaryLanguage = string(n.PrimaryLanguage.Name)
		}
		page.Repositories = append(page.Repositories, r)
	}
	return page, nil
}

// ListCommits returns one page of default-branch history, optionally only
// commits made since the given time
func (c *Client) ListCommits(ctx context.Context, owner, name string, since *time.Time, cursor string) (*CommitPage, error) {
	var q struct {
		Repository struct {
			DefaultBranchRef *struct {
				Target struct {
					Commit struct {
						History struct {
							Nodes    []commitNode
							PageInfo pageInfoNode
						} `graphql:"history(first: $first, after: $cursor, since: $since)"`
					} `graphql:"... on Commit"`
				}
			}
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimitNode
	}
	var sinceVar *githubv4.GitTimestamp
	if since != nil {
		sinceVar = &githubv4.GitTimestamp{Time: since.UTC()}
	}
	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"first":  githubv4.Int(c.pageSize),
		"cursor": cursorVar(cursor),
		"since":  sinceVar,
	}

	c.logger.WithFields(logrus.Fields{"repo": owner + "/" + name, "cursor": cursor}).Debug("Fetching commits page")
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("failed to list commits for %s/%s: %w", owner, name, err)
	}

	page := &CommitPage{PageInfo: PageInfo{RateLimit: q.RateLimit.info()}}
	// Empty repositories have no default branch
	if q.Repository.DefaultBranchRef == nil {
		return page, nil
	}
	history := q.Repository.DefaultBranchRef.Target.Commit.History
	page.EndCursor = string(history.PageInfo.EndCursor)
	page.HasNextPage = bool(history.PageInfo.HasNextPage)
	for _, n := range history.Nodes {
		commit := Commit{
			OID:             string(n.Oid),
			MessageHeadline: string(n.MessageHeadline),
			AuthoredDate:    n.AuthoredDate.UTC(),
			Additions:       int(n.Additions),
			Deletions:       int(n.Deletions),
		}
		if n.Author != nil {
			commit.AuthorEmail = string(n.Author.Email)
		}
		if n.ChangedFilesIfAvailable != nil {
			commit.ChangedFiles = int(*n.ChangedFilesIfAvailable)
		}
		page.Commits = append(page.Commits, commit)
	}
	return page, nil
}

// ListPullRequests returns one page of pull requests ordered by most recent
// update, each with its first reviews
func (c *Client) ListPullRequests(ctx context.Context, owner, name, cursor string) (*PullRequestPage, error) {
	var q struct {
		Repository struct {
			PullRequests struct {
				Nodes    []pullRequestNode
				PageInfo pageInfoNode
			} `graphql:"pullRequests(first: $first, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC})"`
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimitNode
	}
	vars := map[string]interface{}{
		"owner":        githubv4.String(owner),
		"name":         githubv4.String(name),
		"first":        githubv4.Int(c.pageSize),
		"cursor":       cursorVar(cursor),
		"reviewsPerPR": githubv4.Int(reviewsPerPR),
	}

	c.logger.WithFields(logrus.Fields{"repo": owner + "/" + name, "cursor": cursor}).Debug("Fetching pull requests page")
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s/%s: %w", owner, name, err)
	}

	page := &PullRequestPage{PageInfo: PageInfo{
		EndCursor:   string(q.Repository.PullRequests.PageInfo.EndCursor),
		HasNextPage: bool(q.Repository.PullRequests.PageInfo.HasNextPage),
		RateLimit:   q.RateLimit.info(),
	}}
	for _, n := range q.Repository.PullRequests.Nodes {
		pr := PullRequest{
			DatabaseID:   int64(n.DatabaseID),
			Number:       int(n.Number),
			Title:        string(n.Title),
			Body:         string(n.Body),
			State:        string(n.State),
			Merged:       bool(n.Merged),
			AuthorLogin:  login(n.Author),
			Additions:    int(n.Additions),
			Deletions:    int(n.Deletions),
			ChangedFiles: int(n.ChangedFiles),
			CommitCount:  int(n.Commits.TotalCount),
			CreatedAt:    n.CreatedAt.UTC(),
			UpdatedAt:    n.UpdatedAt.UTC(),
			MergedAt:     timePtr(n.MergedAt),
			ClosedAt:     timePtr(n.ClosedAt),
		}
		for _, r := range n.Reviews.Nodes {
			pr.Reviews = append(pr.Reviews, Review{
				DatabaseID:  int64(r.DatabaseID),
				AuthorLogin: login(r.Author),
				State:       string(r.State),
				Body:        string(r.Body),
				SubmittedAt: timePtr(r.SubmittedAt),
			})
		}
		page.PullRequests = append(page.PullRequests, pr)
	}
	return page, nil
}

// ResolveEmails returns the authenticated user's verified email addresses.
// The token needs the user:email scope.
func (c *Client) ResolveEmails(ctx context.Context) ([]string, error) {
	opts := &github.ListOptions{PerPage: 100}
	var emails []string
	for {
		page, resp, err := c.rest.Users.ListEmails(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list emails: %w", err)
		}
		for _, e := range page {
			if e.GetVerified() && e.GetEmail() != "" {
				emails = append(emails, e.GetEmail())
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return emails, nil
}
