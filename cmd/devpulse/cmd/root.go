package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiracore/devpulse/internal/config"
	"github.com/kiracore/devpulse/internal/paths"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version info (set by ldflags)
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"

	// Global flags
	cfgFile string
	dbPath  string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "devpulse",
	Short: "GitHub activity to skill profile pipeline",
	Long: `Devpulse syncs one developer's GitHub activity into a local SQLite store,
summarizes it without naming private or organization repositories, and
publishes an AI-generated skill profile with Japanese descriptions.

Example:
  devpulse config init
  devpulse run
  devpulse serve
  devpulse status`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default .devpulse.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default "+paths.DatabasePath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// Bind flags to viper
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
}

// initConfig reads in the .env file, the config file and the environment
func initConfig() {
	// A missing .env is the normal case
	_ = godotenv.Load()

	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search order:
		// 1. Current directory (.devpulse.yaml) - project-specific config
		// 2. XDG config dir (config.yaml) - user default config
		viper.AddConfigPath(".")
		viper.AddConfigPath(paths.ConfigDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName(strings.TrimSuffix(paths.LocalConfigName, ".yaml"))
	}

	// DEVPULSE_GITHUB_TOKEN overrides github.token
	viper.SetEnvPrefix("DEVPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else if cfgFile == "" {
		// If .devpulse.yaml not found, try config.yaml in XDG dir
		viper.SetConfigName("config")
		if err := viper.ReadInConfig(); err == nil && verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else {
		fmt.Fprintf(os.Stderr, "Failed to read config %s: %v\n", cfgFile, err)
	}
}

// loadConfig decodes the merged configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}
