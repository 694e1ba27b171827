// Package config loads and validates the service-level configuration.
// Per-agent declarations live in their own files under agents_dir and
// are loaded by the registry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-forge/forge/internal/ratelimit"
)

// EnvironmentTag selects per-environment behavior.
type EnvironmentTag string

const (
	EnvDev  EnvironmentTag = "dev"
	EnvTest EnvironmentTag = "test"
	EnvProd EnvironmentTag = "prod"
)

// Config holds all service-level configuration. Immutable after Load.
type Config struct {
	// Environment selects repo lists, claim-timeout defaults and whether
	// secret permission warnings are fatal.
	Environment EnvironmentConfig `yaml:"environment"`

	// SecretsDir holds one credential file per credential_ref.
	SecretsDir string `yaml:"secrets_dir"`

	// AgentsDir holds one YAML declaration per agent.
	AgentsDir string `yaml:"agents_dir"`

	// LogsDir receives size-rotated log files.
	LogsDir string `yaml:"logs_dir"`

	// Polling contains the scheduler defaults applied to repositories
	// that do not override them.
	Polling PollingConfig `yaml:"polling"`

	// Repositories are the statically configured repository bindings.
	Repositories []RepositoryBinding `yaml:"repositories"`

	// RateLimits configures the rate governor.
	RateLimits RateLimitConfig `yaml:"rate_limits"`

	// GitHub holds client-level settings.
	GitHub GitHubConfig `yaml:"github"`

	// Monitor configures the event stream and control surface.
	Monitor MonitorConfig `yaml:"monitor"`

	// Dispatch holds task execution caps.
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// EnvironmentConfig is the environment block.
type EnvironmentConfig struct {
	Tag EnvironmentTag `yaml:"tag"`
}

// PollingConfig holds scheduler defaults.
type PollingConfig struct {
	IntervalS          int          `yaml:"interval_s"`
	Parallelism        int          `yaml:"parallelism"`
	WatchLabels        []string     `yaml:"watch_labels"`
	SkipLabels         []string     `yaml:"skip_labels"`
	ClaimTimeoutMin    int          `yaml:"claim_timeout_min"`
	MaxConcurrentTasks int          `yaml:"max_concurrent_tasks"`
	PRMonitor          PRMonitorCfg `yaml:"pr_monitor"`

	// TrustedAuthors are issue authors whose reports carry no
	// author-risk weight during classification.
	TrustedAuthors []string `yaml:"trusted_authors"`
}

// PRMonitorCfg controls the PR lifecycle watcher.
type PRMonitorCfg struct {
	Enabled        bool `yaml:"enabled"`
	CheckIntervalS int  `yaml:"check_interval_s"`

	// CorePaths add conflict-score weight when touched. Project-specific;
	// empty adds no weight.
	CorePaths []string `yaml:"core_paths"`

	// WorkDir holds local clones for merge probing and automatic rebase
	// recovery. Empty disables both; conflicts are then scored from API
	// signals alone and low-score PRs wait for the next base push.
	WorkDir string `yaml:"work_dir"`
}

// RepositoryBinding is one watched repository plus its scheduling
// parameters. Zero values inherit the polling defaults.
type RepositoryBinding struct {
	Owner              string         `yaml:"owner"`
	Name               string         `yaml:"name"`
	PollIntervalS      int            `yaml:"poll_interval_s"`
	WatchLabels        []string       `yaml:"watch_labels"`
	SkipLabels         []string       `yaml:"skip_labels"`
	MaxConcurrentTasks int            `yaml:"max_concurrent_tasks"`
	ClaimTimeoutMin    int            `yaml:"claim_timeout_min"`
	EnvironmentTag     EnvironmentTag `yaml:"environment_tag"`
}

// PollInterval returns the effective tick interval.
func (r RepositoryBinding) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalS) * time.Second
}

// ClaimTimeout returns the effective claim expiry.
func (r RepositoryBinding) ClaimTimeout() time.Duration {
	return time.Duration(r.ClaimTimeoutMin) * time.Minute
}

// RateLimitConfig is the rate_limits block.
type RateLimitConfig struct {
	DuplicateWindowS int                       `yaml:"duplicate_window_s"`
	BurstPerMinute   int                       `yaml:"burst_per_minute"`
	Classes          map[string]RateLimitClass `yaml:"classes"`
}

// RateLimitClass overrides one operation class.
type RateLimitClass struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
	CooldownS int `yaml:"cooldown_s"`
}

// GovernorConfig translates the YAML block into governor policies,
// starting from the stock defaults.
func (r RateLimitConfig) GovernorConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if r.DuplicateWindowS > 0 {
		cfg.DuplicateWindow = time.Duration(r.DuplicateWindowS) * time.Second
	}
	if r.BurstPerMinute > 0 {
		cfg.BurstPerMinute = r.BurstPerMinute
	}
	for name, class := range r.Classes {
		cfg.Policies[ratelimit.Class(name)] = ratelimit.Policy{
			PerMinute: class.PerMinute,
			PerHour:   class.PerHour,
			PerDay:    class.PerDay,
			Cooldown:  time.Duration(class.CooldownS) * time.Second,
		}
	}
	return cfg
}

// GitHubConfig holds client-level settings.
type GitHubConfig struct {
	// Parallelism caps concurrent HTTP calls to GitHub globally.
	Parallelism int `yaml:"parallelism"`

	// APIBase overrides the REST endpoint (GitHub Enterprise, tests).
	APIBase string `yaml:"api_base"`

	// CredentialRef names the secret file holding the orchestrator
	// account token used for polling and claims.
	CredentialRef string `yaml:"credential_ref"`

	// Account is the login the orchestrator claims under. Empty means
	// ask the API at startup.
	Account string `yaml:"account"`
}

// MonitorConfig configures the event stream and control surface.
type MonitorConfig struct {
	Addr           string `yaml:"addr"`
	AdminTokenRef  string `yaml:"admin_token_ref"`
	MaxSubscribers int    `yaml:"max_subscribers"`
}

// DispatchConfig holds task execution caps.
type DispatchConfig struct {
	// GlobalMaxTasks caps in-flight tasks across all repositories.
	GlobalMaxTasks int `yaml:"global_max_tasks"`

	// TaskTimeoutMin cancels tasks that run longer.
	TaskTimeoutMin int `yaml:"task_timeout_min"`

	// ShutdownGraceS bounds cleanup during shutdown.
	ShutdownGraceS int `yaml:"shutdown_grace_s"`
}

// TaskTimeout returns the effective task timeout.
func (d DispatchConfig) TaskTimeout() time.Duration {
	return time.Duration(d.TaskTimeoutMin) * time.Minute
}

// ShutdownGrace returns the effective shutdown grace window.
func (d DispatchConfig) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceS) * time.Second
}

// Load reads, defaults and validates the service config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills repository bindings from polling defaults and
// environment-derived values.
func (c *Config) applyDefaults() {
	if c.Polling.ClaimTimeoutMin == 0 {
		c.Polling.ClaimTimeoutMin = defaultClaimTimeoutMin[c.Environment.Tag]
	}
	for i := range c.Repositories {
		repo := &c.Repositories[i]
		if repo.PollIntervalS == 0 {
			repo.PollIntervalS = c.Polling.IntervalS
		}
		if len(repo.WatchLabels) == 0 {
			repo.WatchLabels = c.Polling.WatchLabels
		}
		if len(repo.SkipLabels) == 0 {
			repo.SkipLabels = c.Polling.SkipLabels
		}
		if repo.MaxConcurrentTasks == 0 {
			repo.MaxConcurrentTasks = c.Polling.MaxConcurrentTasks
		}
		if repo.ClaimTimeoutMin == 0 {
			repo.ClaimTimeoutMin = c.Polling.ClaimTimeoutMin
		}
		if repo.EnvironmentTag == "" {
			repo.EnvironmentTag = c.Environment.Tag
		}
	}
}
