package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/lock"
	"github.com/kiracore/devpulse/internal/pipeline"
	"github.com/kiracore/devpulse/internal/ratelimit"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow progress and published artifacts",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "Never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	store := cache.NewSQLite(database)

	st, err := database.GetWorkflowState(ctx)
	if err != nil {
		return err
	}

	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    WORKFLOW STATUS                         ║")
	fmt.Println("╠════════════════════════════════════════════════════════════╣")
	phase := pipeline.Phase(st.Phase)
	phaseLabel := string(phase)
	if phase != pipeline.PhaseIdle && !phase.Terminal() {
		phaseLabel += " (in progress)"
	}
	fmt.Printf("║  Phase:          %-40s ║\n", phaseLabel)
	fmt.Printf("║  Progress:       %-40s ║\n", fmt.Sprintf("%d%%", st.Progress))
	fmt.Printf("║  Repositories:   %-40s ║\n", fmt.Sprintf("%d / %d", st.ProcessedRepos, st.TotalRepos))
	if st.CurrentRepo != "" {
		fmt.Printf("║  Current:        %-40s ║\n", truncateStr(st.CurrentRepo, 40))
	}
	fmt.Printf("║  Last Run:       %-40s ║\n", formatTime(st.LastRunAt))
	fmt.Printf("║  Last Completed: %-40s ║\n", formatTime(st.LastCompletedAt))
	if st.ErrorMessage != "" {
		fmt.Printf("║  Error:          %-40s ║\n", truncateStr(st.ErrorMessage, 40))
	}
	fmt.Println("╠════════════════════════════════════════════════════════════╣")

	inst, err := database.LatestInstance(ctx)
	switch {
	case errors.Is(err, db.ErrNotFound):
		fmt.Printf("║  Instance:       %-40s ║\n", "none")
	case err != nil:
		return err
	default:
		fmt.Printf("║  Instance:       %-40s ║\n", inst.ID)
		fmt.Printf("║  Status:         %-40s ║\n", inst.Status)
		if inst.WakeAt != nil {
			fmt.Printf("║  Wakes At:       %-40s ║\n", formatTime(inst.WakeAt))
		}
		steps, err := database.CountSteps(ctx, inst.ID)
		if err != nil {
			return err
		}
		fmt.Printf("║  Steps Done:     %-40d ║\n", steps)
	}

	// Reading the holder never consults instance liveness
	locks := lock.NewManager(store, nil, cfg.Sync.LockTTL, newLogger(cfg.Log).WithField("component", "lock"))
	held, err := locks.Holder(ctx)
	if err != nil {
		return err
	}
	if held != nil {
		fmt.Printf("║  Lock Holder:    %-40s ║\n", held.InstanceID)
	} else {
		fmt.Printf("║  Lock Holder:    %-40s ║\n", "free")
	}

	var metrics ratelimit.Metrics
	if ok, err := store.Get(ctx, cache.KeyRateLimitMetrics, &metrics); err != nil {
		return err
	} else if ok {
		fmt.Printf("║  Cost Per Repo:  %-40s ║\n", fmt.Sprintf("%.2f requests", metrics.AvgCostPerRepo))
	}
	fmt.Println("╠════════════════════════════════════════════════════════════╣")

	if err := printArtifacts(ctx, store); err != nil {
		return err
	}
	fmt.Println("╚════════════════════════════════════════════════════════════╝")

	failures, err := database.RecentSyncFailures(ctx, 5)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		fmt.Printf("\nRecent sync failures:\n")
		for _, f := range failures {
			fmt.Printf("  %s  repo %d  %-13s  %s\n", f.StartedAt.Local().Format("2006-01-02 15:04"), f.RepoID, f.SyncType, f.ErrorMessage)
		}
	}
	return nil
}

func printArtifacts(ctx context.Context, store *cache.SQLite) error {
	var content pipeline.SkillsContent
	ok, err := store.Get(ctx, cache.KeySkillsContent, &content)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("║  Skills:         %-40s ║\n", "not generated")
		return nil
	}
	fmt.Printf("║  Skills:         %-40d ║\n", len(content.Skills))
	fmt.Printf("║  Generated:      %-40s ║\n", formatTime(&content.GeneratedAt))
	fmt.Printf("║  Summary Chars:  %-40d ║\n", content.SummaryChars)
	for _, sk := range content.Skills {
		fmt.Printf("║    • %-54s ║\n", truncateStr(fmt.Sprintf("%s (%s, %s)", sk.Name, sk.Level, sk.Trend), 54))
	}
	return nil
}
