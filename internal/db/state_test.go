package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWorkflowState_ProgressNeverDecreasesWithinRun(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	initial, err := db.GetWorkflowState(ctx)
	if err != nil {
		t.Fatalf("GetWorkflowState() error: %v", err)
	}
	if initial.Phase != "idle" || initial.Progress != 0 {
		t.Errorf("initial state = %s/%d, want idle/0", initial.Phase, initial.Progress)
	}

	steps := []StateUpdate{
		{Phase: "listing-repos", Progress: 5},
		{Phase: "fetching-commits", Progress: 25, TotalRepos: 4, ProcessedRepos: 2, CurrentRepo: "eve0415/website"},
		{Phase: "fetching-commits", Progress: 10}, // replayed, older value
	}
	for _, u := range steps {
		if err := db.UpdateWorkflowState(ctx, u); err != nil {
			t.Fatalf("UpdateWorkflowState(%s) error: %v", u.Phase, err)
		}
	}

	s, _ := db.GetWorkflowState(ctx)
	if s.Progress != 25 {
		t.Errorf("Progress = %d, want 25", s.Progress)
	}
	if s.LastRunAt == nil {
		t.Error("LastRunAt should be stamped when a run starts")
	}

	if err := db.UpdateWorkflowState(ctx, StateUpdate{Phase: "error", ErrorMessage: "disk full"}); err != nil {
		t.Fatalf("UpdateWorkflowState(error) error: %v", err)
	}
	s, _ = db.GetWorkflowState(ctx)
	if s.Phase != "error" || s.ErrorMessage != "disk full" {
		t.Errorf("state = %s %q, want error %q", s.Phase, s.ErrorMessage, "disk full")
	}
	if s.TotalRepos != 4 || s.Progress != 25 {
		t.Errorf("error transition should keep counters, got total=%d progress=%d", s.TotalRepos, s.Progress)
	}

	// A new run resets progress and clears the error
	db.UpdateWorkflowState(ctx, StateUpdate{Phase: "listing-repos", Progress: 5})
	db.UpdateWorkflowState(ctx, StateUpdate{Phase: "completed", Progress: 100})
	s, _ = db.GetWorkflowState(ctx)
	if s.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared", s.ErrorMessage)
	}
	if s.LastCompletedAt == nil {
		t.Error("LastCompletedAt should be stamped on completion")
	}
}

func TestSummaryCache_Upsert(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.GetSummary(ctx, "activity", "all"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSummary() error = %v, want ErrNotFound", err)
	}

	db.UpsertSummary(ctx, &Summary{SummaryType: "activity", TimeRange: "all", Content: "first"})
	db.UpsertSummary(ctx, &Summary{SummaryType: "activity", TimeRange: "all", Content: "second"})

	s, err := db.GetSummary(ctx, "activity", "all")
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if s.Content != "second" {
		t.Errorf("Content = %q, want %q", s.Content, "second")
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM summary_cache").Scan(&count)
	if count != 1 {
		t.Errorf("summary_cache count = %d, want 1", count)
	}
}

func TestCacheEntries_Expiry(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	db.PutCacheEntry(ctx, "fresh", "1", &soon)
	db.PutCacheEntry(ctx, "stale", "2", &past)
	db.PutCacheEntry(ctx, "forever", "3", nil)

	if e, err := db.GetCacheEntry(ctx, "fresh", now); err != nil || e.Value != "1" {
		t.Errorf("GetCacheEntry(fresh) = %v, %v", e, err)
	}
	if _, err := db.GetCacheEntry(ctx, "stale", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCacheEntry(stale) error = %v, want ErrNotFound", err)
	}
	if e, err := db.GetCacheEntry(ctx, "forever", now.Add(1000*time.Hour)); err != nil || e.Value != "3" {
		t.Errorf("GetCacheEntry(forever) = %v, %v", e, err)
	}

	n, err := db.PurgeExpiredCache(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredCache() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpiredCache() = %d, want 1", n)
	}

	db.DeleteCacheEntry(ctx, "forever")
	if _, err := db.GetCacheEntry(ctx, "forever", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCacheEntry after delete error = %v, want ErrNotFound", err)
	}
}

func TestJournal(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := db.CreateInstance(ctx, "inst-1", "running", now); err != nil {
		t.Fatalf("CreateInstance() error: %v", err)
	}

	if _, err := db.GetStepResult(ctx, "inst-1", "listing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStepResult() error = %v, want ErrNotFound", err)
	}

	db.SaveStepResult(ctx, "inst-1", "listing", []byte(`{"repos":3}`), now)
	db.SaveStepResult(ctx, "inst-1", "listing", []byte(`{"repos":99}`), now)

	got, err := db.GetStepResult(ctx, "inst-1", "listing")
	if err != nil {
		t.Fatalf("GetStepResult() error: %v", err)
	}
	if string(got) != `{"repos":3}` {
		t.Errorf("GetStepResult() = %s, first result should win", got)
	}

	wake := now.Add(30 * time.Minute)
	if err := db.SetInstanceStatus(ctx, "inst-1", "paused", &wake, "", now); err != nil {
		t.Fatalf("SetInstanceStatus() error: %v", err)
	}

	if _, err := db.NextResumableInstance(ctx, now, now.Add(-time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("NextResumableInstance() before wake error = %v, want ErrNotFound", err)
	}
	inst, err := db.NextResumableInstance(ctx, wake, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NextResumableInstance() error: %v", err)
	}
	if inst.ID != "inst-1" {
		t.Errorf("NextResumableInstance().ID = %q, want inst-1", inst.ID)
	}

	next, err := db.NextWake(ctx)
	if err != nil || !next.Equal(wake) {
		t.Errorf("NextWake() = %v, %v; want %v", next, err, wake)
	}

	if err := db.SetInstanceStatus(ctx, "missing", "paused", nil, "", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetInstanceStatus(missing) error = %v, want ErrNotFound", err)
	}

	db.SetInstanceStatus(ctx, "inst-1", "complete", nil, "", now)
	pruned, err := db.PruneInstances(ctx, now.Add(time.Hour))
	if err != nil || pruned != 1 {
		t.Errorf("PruneInstances() = %d, %v; want 1", pruned, err)
	}
	if n, _ := db.CountSteps(ctx, "inst-1"); n != 0 {
		t.Errorf("CountSteps() = %d after prune, want 0", n)
	}
}

func TestJournal_StaleRunningInstanceIsResumable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db.CreateInstance(ctx, "crashed", "running", started)

	inst, err := db.NextResumableInstance(ctx, started.Add(2*time.Hour), started.Add(time.Hour))
	if err != nil {
		t.Fatalf("NextResumableInstance() error: %v", err)
	}
	if inst.ID != "crashed" {
		t.Errorf("ID = %q, want crashed", inst.ID)
	}
}

func TestClaimInstance_OnlyOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db.CreateInstance(ctx, "sleeper", "running", now)
	wake := now.Add(time.Minute)
	db.SetInstanceStatus(ctx, "sleeper", "paused", &wake, "", now)

	later := now.Add(2 * time.Minute)
	staleBefore := later.Add(-time.Hour)

	claimed, err := db.ClaimInstance(ctx, "sleeper", later, staleBefore)
	if err != nil || !claimed {
		t.Fatalf("first ClaimInstance() = %v, %v; want true", claimed, err)
	}
	claimed, err = db.ClaimInstance(ctx, "sleeper", later, staleBefore)
	if err != nil || claimed {
		t.Errorf("second ClaimInstance() = %v, %v; want false", claimed, err)
	}

	inst, err := db.GetInstance(ctx, "sleeper")
	if err != nil {
		t.Fatalf("GetInstance() error: %v", err)
	}
	if inst.Status != "running" || inst.WakeAt != nil {
		t.Errorf("claimed instance = %s wake %v, want running without wake", inst.Status, inst.WakeAt)
	}
}

func TestTouchInstance_KeepsRunningInstanceFresh(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db.CreateInstance(ctx, "busy", "running", started)

	if err := db.TouchInstance(ctx, "busy", started.Add(90*time.Minute)); err != nil {
		t.Fatalf("TouchInstance() error: %v", err)
	}
	if _, err := db.NextResumableInstance(ctx, started.Add(2*time.Hour), started.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("NextResumableInstance() error = %v, a touched instance is not stale", err)
	}

	// A finished instance is not revived by a late heartbeat
	db.SetInstanceStatus(ctx, "busy", "complete", nil, "", started.Add(2*time.Hour))
	db.TouchInstance(ctx, "busy", started.Add(3*time.Hour))
	inst, _ := db.GetInstance(ctx, "busy")
	if inst.Status != "complete" {
		t.Errorf("status = %s, want complete", inst.Status)
	}
}

func TestActivityAggregates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	self := testRepo(1, "eve0415", "website", "self")
	hidden := testRepo(2, "DigitaltalPlayground", "secret-bot", "member-org")
	hidden.PrimaryLanguage = "Rust"
	db.UpsertRepository(ctx, self)
	db.UpsertRepository(ctx, hidden)

	march := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	db.InsertCommit(ctx, &Commit{SHA: "c1", RepoID: 1, MessageHeadline: "feat: blog", AuthoredAt: march, Additions: 10, Deletions: 5})
	db.InsertCommit(ctx, &Commit{SHA: "c2", RepoID: 2, MessageHeadline: "wip", AuthoredAt: march, Additions: 400, Deletions: 100})
	db.UpsertPullRequest(ctx, &PullRequest{ID: 1, RepoID: 1, Number: 1, Title: "Blog", State: "MERGED", Merged: true,
		Additions: 600, GHCreatedAt: march, GHUpdatedAt: march})
	db.InsertReview(ctx, &Review{ID: 1, RepoID: 2, PRNumber: 4, PRTitle: "x", State: ReviewApproved, SubmittedAt: march})

	totals, err := db.ActivityTotals(ctx)
	if err != nil {
		t.Fatalf("ActivityTotals() error: %v", err)
	}
	if totals.Commits != 2 || totals.PullRequests != 1 || totals.Reviews != 1 || totals.ActiveRepos != 2 {
		t.Errorf("totals = %+v", totals)
	}

	langs, err := db.LanguageStats(ctx, 20)
	if err != nil {
		t.Fatalf("LanguageStats() error: %v", err)
	}
	if len(langs) != 2 || langs[0].Language != "Rust" || langs[0].Lines() != 500 {
		t.Errorf("LanguageStats() = %+v, want Rust first with 500 lines", langs)
	}

	monthly, err := db.MonthlyActivity(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("MonthlyActivity() error: %v", err)
	}
	if len(monthly) != 2 {
		t.Fatalf("len(MonthlyActivity()) = %d, want 2", len(monthly))
	}
	for _, m := range monthly {
		if m.Month != "2024-03" {
			t.Errorf("Month = %q, want 2024-03", m.Month)
		}
		if m.Language == "Rust" && m.Showable {
			t.Error("member-org activity must not be showable")
		}
	}

	prs, _ := db.PullRequestStats(ctx)
	if prs.Merged != 1 || prs.Large != 1 {
		t.Errorf("PullRequestStats() = %+v", prs)
	}

	reviews, _ := db.ReviewStateCounts(ctx)
	if reviews[ReviewApproved] != 1 {
		t.Errorf("ReviewStateCounts() = %v", reviews)
	}

	names, _ := db.HiddenRepositoryNames(ctx)
	if len(names) != 1 || names[0] != "DigitaltalPlayground/secret-bot" {
		t.Errorf("HiddenRepositoryNames() = %v", names)
	}

	headlines, err := db.RecentHeadlines(ctx, 10)
	if err != nil {
		t.Fatalf("RecentHeadlines() error: %v", err)
	}
	for _, h := range headlines {
		if h.Repo != "eve0415/website" {
			t.Errorf("RecentHeadlines() leaked %q", h.Repo)
		}
	}
	if len(headlines) != 2 {
		t.Errorf("len(RecentHeadlines()) = %d, want 2", len(headlines))
	}
}
