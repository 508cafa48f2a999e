package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiracore/devpulse/internal/workflow"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync trigger",
	Long: `Resume a due or crashed workflow instance, or start a new one, and run it
until it completes, fails, or sleeps for the rate limit to reset.

Meant for cron or systemd timers. A sleeping instance is resumed by the next
trigger after its wake time.`,
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := a.engine.Trigger(ctx)
	if err != nil {
		return err
	}

	resumed := ""
	if out.Resumed {
		resumed = " (resumed)"
	}
	fmt.Printf("Instance %s%s: %s\n", out.InstanceID, resumed, out.Status)
	if out.WakeAt != nil {
		fmt.Printf("  wakes at: %s\n", out.WakeAt.Local().Format(time.RFC3339))
	}
	if out.Status == workflow.StatusErrored {
		return out.Err
	}
	return nil
}
