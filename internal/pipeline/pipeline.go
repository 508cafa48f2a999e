// Package pipeline is the sync-and-summarize workflow: it takes the singleton
// lock, walks the phases from listing repositories to publishing skills, and
// records its progress after every phase.
//
// Every side effect runs inside a journaled workflow step, so an instance
// that is resumed after a rate-limit sleep or a crash replays quickly and
// picks up where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/config"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/github"
	"github.com/kiracore/devpulse/internal/privacy"
	"github.com/kiracore/devpulse/internal/ratelimit"
	"github.com/kiracore/devpulse/internal/skills"
	"github.com/kiracore/devpulse/internal/summary"
	"github.com/kiracore/devpulse/internal/workflow"
	"github.com/sirupsen/logrus"
)

// Fetcher pages through the tracked user's GitHub activity.
// *github.Client implements it.
type Fetcher interface {
	ListRepositories(ctx context.Context, login, cursor string) (*github.RepositoryPage, error)
	ListCommits(ctx context.Context, owner, name string, since *time.Time, cursor string) (*github.CommitPage, error)
	ListPullRequests(ctx context.Context, owner, name, cursor string) (*github.PullRequestPage, error)
	ResolveEmails(ctx context.Context) ([]string, error)
}

// Locker is the singleton lock. *lock.Manager implements it.
type Locker interface {
	Acquire(ctx context.Context, instanceID string) (bool, error)
	Release(ctx context.Context, instanceID string) error
}

// Deps are the workflow's collaborators.
type Deps struct {
	Store      *db.DB
	Cache      cache.Store
	GitHub     Fetcher
	Locker     Locker
	Tracker    *ratelimit.Tracker
	Classifier *privacy.Classifier
	Summary    *summary.Builder
	Skills     *skills.Stage
	Config     *config.Config
	Logger     logrus.FieldLogger
}

// Workflow is the body run by a workflow.Engine.
type Workflow struct {
	Deps
}

// New returns a Workflow.
func New(deps Deps) *Workflow {
	return &Workflow{Deps: deps}
}

// Run executes one instance. It exits without error when another live
// instance holds the lock. A suspension keeps the lock so the instance can
// resume; every other return, a panic included, releases it.
func (w *Workflow) Run(ctx context.Context, run *workflow.Run) (err error) {
	log := run.Logger()

	acquired, err := w.Locker.Acquire(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		log.Info("Another instance is running, exiting")
		return nil
	}

	hidden := &hiddenNames{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
			w.fail(ctx, run, err, hidden)
			w.release(ctx, run)
		}
	}()

	err = w.execute(ctx, run, hidden)
	switch {
	case errors.Is(err, workflow.ErrSuspended):
		return err
	case err != nil && ctx.Err() != nil:
		// Interrupted; the engine pauses the instance for the next trigger
		return err
	case err != nil:
		w.fail(ctx, run, err, hidden)
	}

	w.release(ctx, run)
	return err
}

func (w *Workflow) release(ctx context.Context, run *workflow.Run) {
	if err := w.Locker.Release(context.WithoutCancel(ctx), run.ID); err != nil {
		run.Logger().WithError(err).Warn("Failed to release lock")
	}
}

// hiddenNames collects the full names of listed repositories that may not be
// named, so a failure before they are stored can still be scrubbed.
type hiddenNames struct {
	names []string
}

func (h *hiddenNames) observe(c *privacy.Classifier, repos []github.Repository) {
	for _, r := range repos {
		if !privacy.CanShowName(c.Classify(r.IsPrivate, r.Owner)) {
			h.names = append(h.names, r.FullName)
		}
	}
}

// fail records the error phase and publishes a state snapshot, best effort.
// The recorded message is redacted because the snapshot is public.
func (w *Workflow) fail(ctx context.Context, run *workflow.Run, cause error, hidden *hiddenNames) {
	ctx = context.WithoutCancel(ctx)
	log := run.Logger().WithError(cause)
	log.Error("Workflow failed")

	names := append([]string(nil), hidden.names...)
	stored, err := w.Store.HiddenRepositoryNames(ctx)
	if err != nil {
		log.WithField("lookup_error", err.Error()).Warn("Failed to load hidden repository names")
	}
	names = append(names, stored...)

	if err := w.Store.UpdateWorkflowState(ctx, db.StateUpdate{
		Phase:        string(PhaseError),
		ErrorMessage: privacy.Redact(cause.Error(), names),
	}); err != nil {
		log.WithField("state_error", err.Error()).Warn("Failed to record error phase")
	}
	if err := w.publishState(ctx); err != nil {
		log.WithField("publish_error", err.Error()).Warn("Failed to publish state snapshot")
	}
}

// transition persists a phase change once per instance.
func (w *Workflow) transition(ctx context.Context, run *workflow.Run, key string, u db.StateUpdate) error {
	return run.Do(ctx, "state:"+key, func(ctx context.Context) error {
		return w.Store.UpdateWorkflowState(ctx, u)
	})
}

func (w *Workflow) execute(ctx context.Context, run *workflow.Run, hidden *hiddenNames) error {
	log := run.Logger()

	if err := w.Tracker.Load(ctx); err != nil {
		return fmt.Errorf("failed to load rate-limit metrics: %w", err)
	}

	if err := w.transition(ctx, run, string(PhaseListingRepos), db.StateUpdate{
		Phase:    string(PhaseListingRepos),
		Progress: PhaseListingRepos.Progress(0, 0),
	}); err != nil {
		return err
	}

	emails, err := workflow.Step(ctx, run, "emails", w.resolveEmails)
	if err != nil {
		return err
	}

	repos, err := w.listRepositories(ctx, run, hidden)
	if err != nil {
		return err
	}
	log.WithField("repos", len(repos)).Info("Repositories listed")

	if err := w.syncCommits(ctx, run, repos, emails); err != nil {
		return err
	}
	passes, err := w.syncPullRequests(ctx, run, repos)
	if err != nil {
		return err
	}
	if err := w.storeReviews(ctx, run, repos, passes); err != nil {
		return err
	}

	if err := w.transition(ctx, run, string(PhaseSquashingHistory), db.StateUpdate{
		Phase:          string(PhaseSquashingHistory),
		Progress:       PhaseSquashingHistory.Progress(0, 0),
		TotalRepos:     len(repos),
		ProcessedRepos: len(repos),
	}); err != nil {
		return err
	}
	digest, err := workflow.Step(ctx, run, "summary", func(ctx context.Context) (*summary.Result, error) {
		return w.Summary.Build(ctx, summary.RangeAll)
	})
	if err != nil {
		return err
	}

	if err := w.transition(ctx, run, string(PhaseAIExtractingSkills), db.StateUpdate{
		Phase:          string(PhaseAIExtractingSkills),
		Progress:       PhaseAIExtractingSkills.Progress(0, 0),
		TotalRepos:     len(repos),
		ProcessedRepos: len(repos),
	}); err != nil {
		return err
	}
	extracted, err := workflow.Step(ctx, run, "ai:extract", func(ctx context.Context) ([]skills.Skill, error) {
		return w.Skills.Extract(ctx, digest.Content, digest.Hidden), nil
	})
	if err != nil {
		return err
	}

	if err := w.transition(ctx, run, string(PhaseAIGeneratingJapanese), db.StateUpdate{
		Phase:          string(PhaseAIGeneratingJapanese),
		Progress:       PhaseAIGeneratingJapanese.Progress(0, 0),
		TotalRepos:     len(repos),
		ProcessedRepos: len(repos),
	}); err != nil {
		return err
	}
	localized, err := workflow.Step(ctx, run, "ai:localize", func(ctx context.Context) ([]skills.Skill, error) {
		return w.Skills.Localize(ctx, extracted, digest.Hidden), nil
	})
	if err != nil {
		return err
	}
	profile, err := workflow.Step(ctx, run, "ai:profile", func(ctx context.Context) (skills.Profile, error) {
		return w.Skills.Profile(ctx, digest.Content, localized, digest.Hidden), nil
	})
	if err != nil {
		return err
	}

	if err := w.transition(ctx, run, string(PhaseStoringResults), db.StateUpdate{
		Phase:          string(PhaseStoringResults),
		Progress:       PhaseStoringResults.Progress(0, 0),
		TotalRepos:     len(repos),
		ProcessedRepos: len(repos),
	}); err != nil {
		return err
	}
	if err := run.Do(ctx, "publish", func(ctx context.Context) error {
		return w.publishResults(ctx, SkillsContent{
			Skills:       localized,
			GeneratedAt:  run.Now().UTC(),
			InstanceID:   run.ID,
			RepoCount:    len(repos),
			SummaryChars: digest.Chars(),
		}, profile)
	}); err != nil {
		return err
	}

	if err := run.Do(ctx, "ratelimit:save", func(ctx context.Context) error {
		_, err := w.Tracker.Save(ctx, len(repos), run.Now())
		return err
	}); err != nil {
		return err
	}

	if err := w.transition(ctx, run, string(PhaseCompleted), db.StateUpdate{
		Phase:          string(PhaseCompleted),
		Progress:       PhaseCompleted.Progress(0, 0),
		TotalRepos:     len(repos),
		ProcessedRepos: len(repos),
	}); err != nil {
		return err
	}
	if err := run.Do(ctx, "publish:state", w.publishState); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"repos":     len(repos),
		"skills":    len(localized),
		"requests":  w.Tracker.Requests(),
		"remaining": w.Tracker.Last().Remaining,
	}).Info("Workflow completed")
	return nil
}

// resolveEmails returns the configured commit emails, or the user's verified
// addresses when none are configured.
func (w *Workflow) resolveEmails(ctx context.Context) ([]string, error) {
	if len(w.Config.GitHub.Emails) > 0 {
		return w.Config.GitHub.Emails, nil
	}
	emails, err := w.GitHub.ResolveEmails(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.Logger.WithError(err).Warn("Could not resolve commit emails, commits will not be synced")
		return []string{}, nil
	}
	return emails, nil
}

// waitForBudget suspends the run until the quota resets when the remaining
// budget is below what the rest of the phase is expected to need.
func (w *Workflow) waitForBudget(ctx context.Context, run *workflow.Run, name string, info ratelimit.Info, total, processed int) error {
	if !w.Tracker.ShouldWait(info, total, processed, run.Now()) {
		return nil
	}
	run.Logger().WithFields(logrus.Fields{
		"remaining": info.Remaining,
		"threshold": w.Tracker.Threshold(total, processed),
		"reset_at":  info.ResetAt.Format(time.RFC3339),
	}).Info("Rate-limit budget low, sleeping until reset")
	return run.SleepUntil(ctx, "wait:"+name, info.ResetAt)
}
