package summary

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/privacy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() { database.Close() })
	return database
}

func seed(t *testing.T, database *db.DB) {
	t.Helper()
	ctx := context.Background()
	fetched := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	repos := []*db.Repository{
		{ID: 1, FullName: "eve0415/website", Owner: "eve0415", Name: "website", PrivacyClass: string(privacy.Self), PrimaryLanguage: "TypeScript", FetchedAt: fetched},
		{ID: 2, FullName: "eve0415/secret-api", Owner: "eve0415", Name: "secret-api", IsPrivate: true, PrivacyClass: string(privacy.Private), PrimaryLanguage: "Go", FetchedAt: fetched},
		{ID: 3, FullName: "DigitaltalPlayground/bot", Owner: "DigitaltalPlayground", Name: "bot", PrivacyClass: string(privacy.MemberOrg), PrimaryLanguage: "Go", FetchedAt: fetched},
	}
	for _, r := range repos {
		require.NoError(t, database.UpsertRepository(ctx, r))
	}

	commits := []*db.Commit{
		{SHA: "a1", RepoID: 1, MessageHeadline: "Port secret-api client to the website", AuthoredAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Additions: 40, Deletions: 10},
		{SHA: "a2", RepoID: 1, MessageHeadline: "Add dark mode", AuthoredAt: time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), Additions: 5, Deletions: 5},
		{SHA: "b1", RepoID: 2, MessageHeadline: "Rotate keys", AuthoredAt: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), Additions: 300, Deletions: 20},
		{SHA: "c1", RepoID: 3, MessageHeadline: "Fix bot crash", AuthoredAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Additions: 1, Deletions: 1},
	}
	for _, c := range commits {
		_, err := database.InsertCommit(ctx, c)
		require.NoError(t, err)
	}

	require.NoError(t, database.UpsertPullRequest(ctx, &db.PullRequest{
		ID: 10, RepoID: 1, Number: 1, Title: "Dark mode", State: "MERGED", Merged: true,
		Additions: 60, Deletions: 10, GHCreatedAt: time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
		GHUpdatedAt: time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC),
	}))
	_, err := database.InsertReview(ctx, &db.Review{
		ID: 20, RepoID: 1, PRNumber: 2, PRTitle: "Bump deps", State: db.ReviewApproved,
		SubmittedAt: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func newTestBuilder(t *testing.T, database *db.DB) *Builder {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	b := NewBuilder(database, logger)
	b.now = func() time.Time { return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) }
	return b
}

func TestBuild(t *testing.T) {
	database := setupTestDB(t)
	seed(t, database)
	ctx := context.Background()

	res, err := newTestBuilder(t, database).Build(ctx, RangeAll)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"eve0415/secret-api", "DigitaltalPlayground/bot"}, res.Hidden)

	lower := strings.ToLower(res.Content)
	for _, leak := range []string{"secret-api", "digitaltalplayground", "/bot"} {
		assert.NotContains(t, lower, leak)
	}

	assert.Contains(t, res.Content, "- Commits: 4")
	assert.Contains(t, res.Content, "| Go | 2 | 322 |")
	assert.Contains(t, res.Content, "eve0415/website: Add dark mode")
	assert.Contains(t, res.Content, "Port "+privacy.NamePlaceholder+" client")
	assert.Contains(t, res.Content, "2 repositories are private")
	assert.Contains(t, res.Content, "- approved: 1")
	assert.Contains(t, res.Content, "2024-04: Go 1 commits, 320 lines (private or organization)")
	// Outside the six month window
	assert.NotContains(t, res.Content, "2023-01")

	cached, err := database.GetSummary(ctx, Type, RangeAll)
	require.NoError(t, err)
	assert.Equal(t, res.Content, cached.Content)
}

func TestBuild_Empty(t *testing.T) {
	database := setupTestDB(t)

	res, err := newTestBuilder(t, database).Build(context.Background(), RangeAll)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "- Commits: 0")
	assert.Empty(t, res.Hidden)
	assert.NotContains(t, res.Content, "## Recent work")
}

func TestBuild_Upserts(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	b := newTestBuilder(t, database)

	_, err := b.Build(ctx, RangeAll)
	require.NoError(t, err)

	seed(t, database)
	res, err := b.Build(ctx, RangeAll)
	require.NoError(t, err)

	cached, err := database.GetSummary(ctx, Type, RangeAll)
	require.NoError(t, err)
	assert.Equal(t, res.Content, cached.Content)
	assert.Contains(t, cached.Content, "- Commits: 4")
}

func TestBound(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, bound(short, 10))

	long := strings.Repeat("line of text\n", 50)
	got := bound(long, 100)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 100)
	assert.True(t, strings.HasSuffix(got, truncationMarker))

	jp := strings.Repeat("非", 200)
	got = bound(jp, 50)
	assert.Equal(t, 50, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestWindowStart(t *testing.T) {
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), windowStart(time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC), windowStart(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)))
}
