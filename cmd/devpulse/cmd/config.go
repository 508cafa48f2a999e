package cmd

import (
	"fmt"
	"strings"

	"github.com/kiracore/devpulse/internal/config"
	"github.com/kiracore/devpulse/internal/paths"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initGlobal bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Commands for managing devpulse configuration files.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to .devpulse.yaml, or to the XDG config
directory with --global. Existing files are never overwritten.

Secrets are better kept out of the file:
  DEVPULSE_GITHUB_TOKEN=ghp_...
  DEVPULSE_AI_API_KEY=sk-...`,
	RunE: runConfigInit,
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate configuration file",
	Long: `Validate the configuration for errors and warnings.

Examples:
  devpulse config validate
  devpulse config validate .devpulse.yaml
  devpulse config validate --config myconfig.yaml`,
	RunE: runValidate,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the merged configuration that would be used, with secrets masked.`,
	RunE:  runShowConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(validateCmd)
	configCmd.AddCommand(showCmd)

	configInitCmd.Flags().BoolVar(&initGlobal, "global", false, "write to "+paths.ConfigFilePath())
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := paths.LocalConfigName
	if initGlobal {
		if err := paths.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		path = paths.ConfigFilePath()
	}

	if err := config.WriteFile(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote %s\n", path)
	fmt.Println("  Set github.login, then export DEVPULSE_GITHUB_TOKEN.")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	var (
		cfg    *config.Config
		source string
		err    error
	)
	if len(args) > 0 {
		source = args[0]
		cfg, err = config.LoadFromFile(source)
	} else {
		source = "merged configuration"
		cfg, err = loadConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Printf("Validating: %s\n\n", source)

	result := cfg.Validate()

	if len(result.Errors) > 0 {
		fmt.Printf("\033[31m✗ %d error(s):\033[0m\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  \033[31m• %s\033[0m\n", e.Error())
		}
		fmt.Println()
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\033[33m⚠ %d warning(s):\033[0m\n", len(result.Warnings))
		for _, w := range result.Warnings {
			fmt.Printf("  \033[33m• %s\033[0m\n", w.Error())
		}
		fmt.Println()
	}

	fmt.Printf("Configuration summary:\n")
	fmt.Printf("  Login: %s\n", cfg.GitHub.Login)
	fmt.Printf("  Emails: %d\n", len(cfg.GitHub.Emails))
	fmt.Printf("  Member orgs: %s\n", strings.Join(cfg.Privacy.MemberOrgs, ", "))
	fmt.Printf("  Repositories: %d include patterns, %d exclude patterns\n",
		len(cfg.Repositories.Include),
		len(cfg.Repositories.Exclude))
	fmt.Printf("  Sync interval: %s\n", cfg.Sync.Interval)
	fmt.Println()

	if result.IsValid() {
		fmt.Printf("\033[32m✓ Configuration is valid\033[0m\n")
		return nil
	}

	fmt.Printf("\033[31m✗ Configuration has errors\033[0m\n")
	return result.Err()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shown := *cfg
	shown.GitHub.Token = mask(cfg.GitHub.Token)
	shown.AI.APIKey = mask(cfg.AI.APIKey)

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
