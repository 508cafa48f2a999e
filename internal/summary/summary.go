// Package summary condenses the stored activity into the Markdown digest
// that the skill stage reads.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/privacy"
	"github.com/sirupsen/logrus"
)

const (
	// Type is the summary_cache key type of the activity digest.
	Type = "activity"
	// RangeAll covers everything stored.
	RangeAll = "all"

	// MaxChars bounds the digest length in characters.
	MaxChars = 12000

	topLanguages   = 20
	activityMonths = 6
	headlineLimit  = 60

	truncationMarker = "\n…"
)

// Store is the storage the Builder reads from and writes to. *db.DB implements it.
type Store interface {
	ActivityTotals(ctx context.Context) (*db.ActivityTotals, error)
	LanguageStats(ctx context.Context, limit int) ([]db.LanguageStat, error)
	MonthlyActivity(ctx context.Context, since time.Time) ([]db.MonthlyActivity, error)
	PullRequestStats(ctx context.Context) (*db.PRStats, error)
	ReviewStateCounts(ctx context.Context) (map[string]int, error)
	HiddenRepositoryNames(ctx context.Context) ([]string, error)
	RecentHeadlines(ctx context.Context, limit int) ([]db.Headline, error)
	UpsertSummary(ctx context.Context, s *db.Summary) error
}

// Result is a built digest and the names that were redacted from it.
type Result struct {
	Content     string    `json:"content"`
	Hidden      []string  `json:"hidden"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Chars returns the digest length in characters.
func (r *Result) Chars() int {
	return utf8.RuneCountInString(r.Content)
}

// Builder produces digests.
type Builder struct {
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewBuilder returns a Builder reading from store.
func NewBuilder(store Store, logger logrus.FieldLogger) *Builder {
	return &Builder{store: store, logger: logger, now: time.Now}
}

// Build aggregates the stored activity, redacts every private and member-org
// repository name, bounds the text to MaxChars and caches it under
// (Type, timeRange).
func (b *Builder) Build(ctx context.Context, timeRange string) (*Result, error) {
	now := b.now().UTC()

	totals, err := b.store.ActivityTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load totals: %w", err)
	}
	languages, err := b.store.LanguageStats(ctx, topLanguages)
	if err != nil {
		return nil, fmt.Errorf("failed to load language stats: %w", err)
	}
	monthly, err := b.store.MonthlyActivity(ctx, windowStart(now))
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly activity: %w", err)
	}
	prs, err := b.store.PullRequestStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pull request stats: %w", err)
	}
	reviews, err := b.store.ReviewStateCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load review stats: %w", err)
	}
	hidden, err := b.store.HiddenRepositoryNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load hidden repositories: %w", err)
	}
	headlines, err := b.store.RecentHeadlines(ctx, headlineLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent work: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Developer activity summary\n\nGenerated %s.\n", now.Format("2006-01-02"))
	writeTotals(&sb, totals)
	writeLanguages(&sb, languages)
	writeMonthly(&sb, monthly)
	writePullRequests(&sb, prs)
	writeReviews(&sb, reviews)
	writeHidden(&sb, len(hidden))
	writeHeadlines(&sb, headlines)

	content := bound(privacy.Redact(sb.String(), hidden), MaxChars)

	if err := b.store.UpsertSummary(ctx, &db.Summary{
		SummaryType: Type,
		TimeRange:   timeRange,
		Content:     content,
		GeneratedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to cache summary: %w", err)
	}

	res := &Result{Content: content, Hidden: hidden, GeneratedAt: now}
	b.logger.WithFields(logrus.Fields{
		"chars":  res.Chars(),
		"hidden": len(hidden),
	}).Info("Activity summary built")
	return res, nil
}

// windowStart is the first day of the month activityMonths-1 months ago.
func windowStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()-activityMonths+1, 1, 0, 0, 0, 0, time.UTC)
}

func writeTotals(sb *strings.Builder, t *db.ActivityTotals) {
	sb.WriteString("\n## Totals\n\n")
	fmt.Fprintf(sb, "- Commits: %d\n", t.Commits)
	fmt.Fprintf(sb, "- Pull requests: %d\n", t.PullRequests)
	fmt.Fprintf(sb, "- Reviews: %d\n", t.Reviews)
	fmt.Fprintf(sb, "- Active repositories: %d\n", t.ActiveRepos)
	fmt.Fprintf(sb, "- Lines changed: +%d / -%d\n", t.Additions, t.Deletions)
}

func writeLanguages(sb *strings.Builder, langs []db.LanguageStat) {
	if len(langs) == 0 {
		return
	}
	sb.WriteString("\n## Languages by lines changed\n\n")
	sb.WriteString("| Language | Commits | Lines |\n|---|---|---|\n")
	for _, l := range langs {
		fmt.Fprintf(sb, "| %s | %d | %d |\n", l.Language, l.Commits, l.Lines())
	}
}

func writeMonthly(sb *strings.Builder, rows []db.MonthlyActivity) {
	if len(rows) == 0 {
		return
	}
	sb.WriteString("\n## Monthly activity (last 6 months)\n\n")

	byMonth := make(map[string][]string)
	var months []string
	for _, r := range rows {
		if _, ok := byMonth[r.Month]; !ok {
			months = append(months, r.Month)
		}
		scope := "public"
		if !r.Showable {
			scope = "private or organization"
		}
		byMonth[r.Month] = append(byMonth[r.Month],
			fmt.Sprintf("%s %d commits, %d lines (%s)", r.Language, r.Commits, r.Lines, scope))
	}
	sort.Strings(months)
	for _, m := range months {
		fmt.Fprintf(sb, "- %s: %s\n", m, strings.Join(byMonth[m], "; "))
	}
}

func writePullRequests(sb *strings.Builder, s *db.PRStats) {
	if s.Open+s.Merged+s.Closed == 0 {
		return
	}
	sb.WriteString("\n## Pull requests\n\n")
	fmt.Fprintf(sb, "- Merged: %d, open: %d, closed without merge: %d\n", s.Merged, s.Open, s.Closed)
	fmt.Fprintf(sb, "- Size: %d small (<50 lines), %d medium (50-499 lines), %d large (500+ lines)\n",
		s.Small, s.Medium, s.Large)
}

func writeReviews(sb *strings.Builder, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	sb.WriteString("\n## Reviews\n\n")
	for _, state := range []string{db.ReviewApproved, db.ReviewChangesRequested, db.ReviewCommented} {
		if n := counts[state]; n > 0 {
			fmt.Fprintf(sb, "- %s: %d\n", strings.ToLower(strings.ReplaceAll(state, "_", " ")), n)
		}
	}
}

func writeHidden(sb *strings.Builder, n int) {
	if n == 0 {
		return
	}
	fmt.Fprintf(sb, "\n## Private and organization work\n\n%d repositories are private or belong to member organizations. Their activity is included in the numbers above without naming them.\n", n)
}

func writeHeadlines(sb *strings.Builder, headlines []db.Headline) {
	if len(headlines) == 0 {
		return
	}
	sb.WriteString("\n## Recent work\n\n")
	for _, h := range headlines {
		fmt.Fprintf(sb, "- %s [%s] %s: %s\n", h.At.Format("2006-01-02"), h.Kind, h.Repo, h.Text)
	}
}

// bound cuts text to at most max characters, on a line break when possible.
func bound(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	limit := max - utf8.RuneCountInString(truncationMarker)
	runes := []rune(text)[:limit]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + truncationMarker
}
