package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/paths"
	"github.com/spf13/cobra"
)

var backupPath string

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long: `Manage the devpulse SQLite database.

The database stores synced GitHub activity, the workflow step journal, the
progress row and the published artifacts.

Examples:
  devpulse db init                    # Initialize database
  devpulse db status                  # Show database status
  devpulse db backup --output b.db    # Backup database
  devpulse db optimize                # VACUUM and ANALYZE`,
}

// dbInitCmd initializes the database
var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Long:  `Creates the devpulse database and applies all migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openConfiguredDB()
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("✓ Database initialized at: %s\n", database.Path())
		return nil
	},
}

// dbStatusCmd shows database status
var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status and statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openConfiguredDB()
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := database.GetStats()
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Println("╔════════════════════════════════════════════════════════════╗")
		fmt.Println("║                    DATABASE STATUS                         ║")
		fmt.Println("╠════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Path:           %-40s ║\n", truncateStr(stats.Path, 40))
		fmt.Printf("║  Size:           %-40s ║\n", formatBytes(stats.Size))
		fmt.Printf("║  Schema Version: %-40d ║\n", stats.SchemaVersion)
		fmt.Println("╠════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Repositories:   %-40d ║\n", stats.Repositories)
		fmt.Printf("║  Commits:        %-40d ║\n", stats.Commits)
		fmt.Printf("║  Pull Requests:  %-40d ║\n", stats.PullRequests)
		fmt.Printf("║  Reviews:        %-40d ║\n", stats.Reviews)
		fmt.Printf("║  Cache Entries:  %-40d ║\n", stats.CacheEntries)
		fmt.Printf("║  Instances:      %-40d ║\n", stats.Instances)
		fmt.Println("╠════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Last Sync:      %-40s ║\n", formatTime(stats.LastSync))
		fmt.Println("╚════════════════════════════════════════════════════════════╝")

		return nil
	},
}

// dbPathCmd shows the database path
var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the database file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Path != "" {
			fmt.Println(cfg.Database.Path)
		} else {
			fmt.Println(db.DefaultDBPath())
		}
		return nil
	},
}

// dbBackupCmd backs up the database
var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup the database",
	Long: `Writes a consistent copy of the database with VACUUM INTO.

If no output path is specified, creates a timestamped backup in ` + paths.BackupDir(),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openConfiguredDB()
		if err != nil {
			return err
		}
		defer database.Close()

		dest := backupPath
		if dest == "" {
			dest = paths.BackupPath(time.Now())
		}

		if err := database.Backup(dest); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Database backed up to: %s (%s)\n", dest, formatBytes(info.Size()))
		return nil
	},
}

// dbResetCmd resets the database
var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destroys all data)",
	Long: `Rolls back every migration and re-applies them. All synced activity,
journals and published artifacts are lost; the next run syncs from scratch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openConfiguredDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}

		fmt.Printf("✓ Database reset at: %s\n", database.Path())
		return nil
	},
}

// dbOptimizeCmd optimizes the database
var dbOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize database performance",
	Long: `Runs ANALYZE and VACUUM to optimize database performance.

VACUUM reclaims the space left by pruned workflow journals.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openConfiguredDB()
		if err != nil {
			return err
		}
		defer database.Close()

		statsBefore, err := database.GetStats()
		if err != nil {
			return err
		}

		fmt.Println("Optimizing database...")
		if err := database.Optimize(); err != nil {
			return fmt.Errorf("failed to optimize database: %w", err)
		}

		statsAfter, err := database.GetStats()
		if err != nil {
			return err
		}

		saved := statsBefore.Size - statsAfter.Size
		if saved > 0 {
			fmt.Printf("✓ Optimization complete. Reclaimed %s\n", formatBytes(saved))
		} else {
			fmt.Println("✓ Optimization complete. Database was already optimized.")
		}
		fmt.Printf("  Size: %s\n", formatBytes(statsAfter.Size))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)

	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbPathCmd)
	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbOptimizeCmd)

	dbBackupCmd.Flags().StringVarP(&backupPath, "output", "o", "", "backup output path")
}

func openConfiguredDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openDB(cfg)
}

// Helper functions

func truncateStr(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return "..." + string(runes[len(runes)-maxLen+3:])
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
