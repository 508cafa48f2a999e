package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	cfg := Default()
	cfg.GitHub.Token = "ghp_test"
	cfg.GitHub.Login = "eve0415"
	cfg.GitHub.Emails = []string{"eve@example.com"}
	cfg.AI.APIKey = "sk-test"
	return cfg
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern  string
		str      string
		expected bool
	}{
		{"*", "anything", true},
		{"*", "", true},

		{"*-archive", "eve0415/old-archive", true},
		{"*-archive", "eve0415/archive", false},

		{"eve0415/*", "eve0415/website", true},
		{"eve0415/*", "facebook/react", false},

		{"eve0415/dot?iles", "eve0415/dotfiles", true},

		{"facebook/react", "facebook/react", true},
		{"facebook/react", "facebook/jest", false},
	}

	for _, tc := range tests {
		t.Run(tc.pattern+"_"+tc.str, func(t *testing.T) {
			result := matchPattern(tc.pattern, tc.str)
			if result != tc.expected {
				t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.str, result, tc.expected)
			}
		})
	}
}

func TestFilterRepos(t *testing.T) {
	tests := []struct {
		name     string
		repos    RepoConfig
		input    []string
		expected []string
	}{
		{
			name:     "no filters",
			input:    []string{"a/one", "b/two"},
			expected: []string{"a/one", "b/two"},
		},
		{
			name:     "include owner",
			repos:    RepoConfig{Include: []string{"a/*"}},
			input:    []string{"a/one", "b/two"},
			expected: []string{"a/one"},
		},
		{
			name:     "exclude wins over include",
			repos:    RepoConfig{Include: []string{"*"}, Exclude: []string{"a/one"}},
			input:    []string{"a/one", "a/two"},
			expected: []string{"a/two"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Repositories: tc.repos}
			result := cfg.FilterRepos(tc.input)
			if strings.Join(result, ",") != strings.Join(tc.expected, ",") {
				t.Errorf("FilterRepos() = %v, want %v", result, tc.expected)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if len(cfg.Privacy.MemberOrgs) != 1 || cfg.Privacy.MemberOrgs[0] != "DigitaltalPlayground" {
		t.Errorf("MemberOrgs = %v, want [DigitaltalPlayground]", cfg.Privacy.MemberOrgs)
	}
	if cfg.Sync.LockTTL != 24*time.Hour {
		t.Errorf("LockTTL = %v, want 24h", cfg.Sync.LockTTL)
	}
	if cfg.Sync.DefaultCostPerRepo != 10 {
		t.Errorf("DefaultCostPerRepo = %v, want 10", cfg.Sync.DefaultCostPerRepo)
	}
	if cfg.AI.Timeout != time.Minute {
		t.Errorf("AI.Timeout = %v, want 1m", cfg.AI.Timeout)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("DEVPULSE_GITHUB_TOKEN", "from-env")
	t.Setenv("DEVPULSE_GITHUB_EMAILS", "a@example.com, b@example.com")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("DEVPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if cfg.GitHub.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", cfg.GitHub.Token)
	}
	if len(cfg.GitHub.Emails) != 2 || cfg.GitHub.Emails[1] != "b@example.com" {
		t.Errorf("Emails = %v", cfg.GitHub.Emails)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.GitHub.Token = "" }, "github.token"},
		{"missing login", func(c *Config) { c.GitHub.Login = "" }, "github.login"},
		{"bad login", func(c *Config) { c.GitHub.Login = "-nope-" }, "github.login"},
		{"bad email", func(c *Config) { c.GitHub.Emails = []string{"not-an-email"} }, "github.emails[0]"},
		{"bad api url", func(c *Config) { c.GitHub.APIURL = "::" }, "github.api_url"},
		{"page size", func(c *Config) { c.Sync.PageSize = 500 }, "sync.page_size"},
		{"interval", func(c *Config) { c.Sync.Interval = time.Second }, "sync.interval"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			result := cfg.Validate()

			if tc.wantField == "" {
				if !result.IsValid() {
					t.Errorf("Validate() errors = %v, want none", result.Errors)
				}
				if result.Err() != nil {
					t.Errorf("Err() = %v, want nil", result.Err())
				}
				return
			}

			found := false
			for _, e := range result.Errors {
				if e.Field == tc.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() errors = %v, want one for %s", result.Errors, tc.wantField)
			}
			if result.Err() == nil {
				t.Error("Err() should be non-nil")
			}
		})
	}
}

func TestValidate_MemberOrgWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.Privacy.MemberOrgs = []string{"acme", "ACME", "eve0415"}

	result := cfg.Validate()
	if !result.IsValid() {
		t.Fatalf("Validate() errors = %v", result.Errors)
	}
	if len(result.Warnings) != 2 {
		t.Errorf("len(Warnings) = %d, want 2: %v", len(result.Warnings), result.Warnings)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := validConfig()
	cfg.Sync.Interval = 6 * time.Hour
	if err := WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := WriteFile(path, cfg); err == nil {
		t.Error("WriteFile() should refuse to overwrite")
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}
	if loaded.Sync.Interval != 6*time.Hour {
		t.Errorf("Interval = %v, want 6h", loaded.Sync.Interval)
	}
	if loaded.GitHub.Login != "eve0415" {
		t.Errorf("Login = %q, want eve0415", loaded.GitHub.Login)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}
