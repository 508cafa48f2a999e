package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult holds all validation errors
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// Err joins all validation errors, or returns nil when the config is valid.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Config is the full devpulse configuration
type Config struct {
	GitHub       GitHubConfig   `mapstructure:"github" yaml:"github" json:"github"`
	Privacy      PrivacyConfig  `mapstructure:"privacy" yaml:"privacy" json:"privacy"`
	Repositories RepoConfig     `mapstructure:"repositories" yaml:"repositories" json:"repositories"`
	Database     DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`
	AI           AIConfig       `mapstructure:"ai" yaml:"ai" json:"ai"`
	Sync         SyncConfig     `mapstructure:"sync" yaml:"sync" json:"sync"`
	Server       ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Log          LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
}

// GitHubConfig identifies the tracked user and how to reach the API
type GitHubConfig struct {
	Token   string   `mapstructure:"token" yaml:"token" json:"-"`
	Login   string   `mapstructure:"login" yaml:"login" json:"login"`
	Emails  []string `mapstructure:"emails" yaml:"emails" json:"emails"`
	APIURL  string   `mapstructure:"api_url" yaml:"api_url,omitempty" json:"api_url,omitempty"`   // GraphQL endpoint override
	RESTURL string   `mapstructure:"rest_url" yaml:"rest_url,omitempty" json:"rest_url,omitempty"` // REST base URL override
}

// PrivacyConfig lists organizations whose repositories are never named
type PrivacyConfig struct {
	MemberOrgs []string `mapstructure:"member_orgs" yaml:"member_orgs" json:"member_orgs"`
}

// RepoConfig defines which repos to include/exclude by full name
type RepoConfig struct {
	Include []string `mapstructure:"include" yaml:"include" json:"include"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude" json:"exclude"`
}

// DatabaseConfig locates the SQLite file
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// AIConfig points at an OpenAI-compatible chat completions endpoint
type AIConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Model     string        `mapstructure:"model" yaml:"model" json:"model"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key" json:"-"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MaxSkills int           `mapstructure:"max_skills" yaml:"max_skills" json:"max_skills"`
}

// SyncConfig tunes scheduling, locking and rate-limit budgeting
type SyncConfig struct {
	Interval           time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	LockTTL            time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl" json:"lock_ttl"`
	StaleAfter         time.Duration `mapstructure:"stale_after" yaml:"stale_after" json:"stale_after"`
	Retention          time.Duration `mapstructure:"retention" yaml:"retention" json:"retention"`
	DefaultCostPerRepo float64       `mapstructure:"default_cost_per_repo" yaml:"default_cost_per_repo" json:"default_cost_per_repo"`
	PageSize           int           `mapstructure:"page_size" yaml:"page_size" json:"page_size"`
}

// ServerConfig configures the status API
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// SetDefaults registers every key with its default so environment overrides
// (DEVPULSE_GITHUB_TOKEN and friends) are visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("github.token", "")
	v.SetDefault("github.login", "")
	v.SetDefault("github.emails", []string{})
	v.SetDefault("github.api_url", "")
	v.SetDefault("github.rest_url", "")

	v.SetDefault("privacy.member_orgs", []string{"DigitaltalPlayground"})

	v.SetDefault("repositories.include", []string{})
	v.SetDefault("repositories.exclude", []string{})

	v.SetDefault("database.path", "")

	v.SetDefault("ai.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("ai.max_skills", 15)

	v.SetDefault("sync.interval", 24*time.Hour)
	v.SetDefault("sync.lock_ttl", 24*time.Hour)
	v.SetDefault("sync.stale_after", 30*time.Minute)
	v.SetDefault("sync.retention", 30*24*time.Hour)
	v.SetDefault("sync.default_cost_per_repo", 10.0)
	v.SetDefault("sync.page_size", 50)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := LoadFrom(v)
	return cfg
}

// Load loads configuration from the global viper instance
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom loads configuration from v
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.GitHub.Emails = normalizeList(cfg.GitHub.Emails)
	cfg.Privacy.MemberOrgs = normalizeList(cfg.Privacy.MemberOrgs)
	return cfg, nil
}

// LoadFromFile loads a YAML config file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// WriteFile writes cfg as YAML, refusing to overwrite an existing file
func WriteFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// normalizeList drops blanks and surrounding whitespace. Viper hands
// comma-separated env values over as a single element.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var (
	loginRegex = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)
)

// Validate validates the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.validateGitHub(result)
	c.validatePrivacy(result)
	c.validateRepositories(result)
	c.validateAI(result)
	c.validateSync(result)

	switch c.Log.Format {
	case "text", "json":
	default:
		result.AddError("log.format", fmt.Sprintf("unknown format %q (text|json)", c.Log.Format))
	}

	return result
}

func (c *Config) validateGitHub(result *ValidationResult) {
	if c.GitHub.Token == "" {
		result.AddError("github.token", "token is required (set DEVPULSE_GITHUB_TOKEN)")
	}
	if c.GitHub.Login == "" {
		result.AddError("github.login", "login of the tracked user is required")
	} else if !loginRegex.MatchString(c.GitHub.Login) {
		result.AddError("github.login", fmt.Sprintf("invalid login %q", c.GitHub.Login))
	}
	if len(c.GitHub.Emails) == 0 {
		result.AddWarning("github.emails", "no emails configured, verified emails will be looked up (needs user:email scope)")
	}
	for i, email := range c.GitHub.Emails {
		if !emailRegex.MatchString(email) {
			result.AddError(fmt.Sprintf("github.emails[%d]", i), fmt.Sprintf("invalid email %q", email))
		}
	}
	for field, raw := range map[string]string{"github.api_url": c.GitHub.APIURL, "github.rest_url": c.GitHub.RESTURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			result.AddError(field, fmt.Sprintf("invalid URL %q", raw))
		}
	}
}

func (c *Config) validatePrivacy(result *ValidationResult) {
	seen := make(map[string]bool)
	for i, org := range c.Privacy.MemberOrgs {
		key := strings.ToLower(org)
		if seen[key] {
			result.AddWarning(fmt.Sprintf("privacy.member_orgs[%d]", i), fmt.Sprintf("duplicate organization %q", org))
		}
		seen[key] = true
		if strings.EqualFold(org, c.GitHub.Login) {
			result.AddWarning(fmt.Sprintf("privacy.member_orgs[%d]", i), "tracked user is listed as a member organization, own repositories will be hidden")
		}
	}
}

func (c *Config) validateRepositories(result *ValidationResult) {
	for i, pattern := range c.Repositories.Include {
		if pattern == "" {
			result.AddError(fmt.Sprintf("repositories.include[%d]", i), "empty pattern")
		}
	}
	for i, pattern := range c.Repositories.Exclude {
		if pattern == "" {
			result.AddError(fmt.Sprintf("repositories.exclude[%d]", i), "empty pattern")
		}
	}
}

func (c *Config) validateAI(result *ValidationResult) {
	if c.AI.Endpoint == "" {
		result.AddWarning("ai.endpoint", "no endpoint, skill extraction will use fallbacks only")
	} else if u, err := url.Parse(c.AI.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		result.AddError("ai.endpoint", fmt.Sprintf("invalid URL %q", c.AI.Endpoint))
	}
	if c.AI.Endpoint != "" && c.AI.APIKey == "" {
		result.AddWarning("ai.api_key", "no API key configured")
	}
	if c.AI.Timeout <= 0 {
		result.AddError("ai.timeout", "timeout must be positive")
	}
	if c.AI.MaxSkills < 1 {
		result.AddError("ai.max_skills", "max_skills must be at least 1")
	}
}

func (c *Config) validateSync(result *ValidationResult) {
	if c.Sync.Interval < time.Minute {
		result.AddError("sync.interval", "interval must be at least 1m")
	}
	if c.Sync.LockTTL <= 0 {
		result.AddError("sync.lock_ttl", "lock_ttl must be positive")
	}
	if c.Sync.StaleAfter <= 0 {
		result.AddError("sync.stale_after", "stale_after must be positive")
	}
	if c.Sync.DefaultCostPerRepo <= 0 {
		result.AddError("sync.default_cost_per_repo", "default_cost_per_repo must be positive")
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		result.AddError("sync.page_size", "page_size must be between 1 and 100")
	}
	if c.Sync.LockTTL > 0 && c.Sync.Interval > c.Sync.LockTTL {
		result.AddWarning("sync.lock_ttl", "lock_ttl shorter than interval, a crashed run may hold the lock until the next trigger")
	}
}

// FilterRepos filters full repository names based on include/exclude patterns
func (c *Config) FilterRepos(repos []string) []string {
	if len(c.Repositories.Include) == 0 && len(c.Repositories.Exclude) == 0 {
		return repos
	}

	var filtered []string
	for _, repo := range repos {
		if c.ShouldIncludeRepo(repo) {
			filtered = append(filtered, repo)
		}
	}
	return filtered
}

// ShouldIncludeRepo reports whether a full repository name passes the filters
func (c *Config) ShouldIncludeRepo(repo string) bool {
	for _, pattern := range c.Repositories.Exclude {
		if matchPattern(pattern, repo) {
			return false
		}
	}

	if len(c.Repositories.Include) == 0 {
		return true
	}

	for _, pattern := range c.Repositories.Include {
		if matchPattern(pattern, repo) {
			return true
		}
	}

	return false
}

// matchPattern does simple glob matching
func matchPattern(pattern, str string) bool {
	if pattern == "*" {
		return true
	}

	// Handle prefix wildcard (*-archive)
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(str, pattern[1:])
	}

	// Handle suffix wildcard (eve0415/*)
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(str, pattern[:len(pattern)-1])
	}

	matched, _ := filepath.Match(pattern, str)
	return matched
}
