package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesRepositoryDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment:
  tag: prod
polling:
  interval_s: 30
  watch_labels: [agent-ready]
  skip_labels: [wip]
  max_concurrent_tasks: 3
repositories:
  - owner: ex
    name: r
  - owner: ex
    name: other
    poll_interval_s: 120
    watch_labels: [urgent]
    claim_timeout_min: 15
`))
	require.NoError(t, err)

	first := cfg.Repositories[0]
	assert.Equal(t, 30*time.Second, first.PollInterval())
	assert.Equal(t, []string{"agent-ready"}, first.WatchLabels)
	assert.Equal(t, []string{"wip"}, first.SkipLabels)
	assert.Equal(t, 3, first.MaxConcurrentTasks)
	assert.Equal(t, 60*time.Minute, first.ClaimTimeout(), "prod default")
	assert.Equal(t, EnvProd, first.EnvironmentTag)

	second := cfg.Repositories[1]
	assert.Equal(t, 120*time.Second, second.PollInterval())
	assert.Equal(t, []string{"urgent"}, second.WatchLabels)
	assert.Equal(t, 15*time.Minute, second.ClaimTimeout())
}

func TestDevClaimTimeoutShorterThanProd(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment:
  tag: dev
repositories:
  - owner: ex
    name: r
`))
	require.NoError(t, err)
	assert.Less(t, cfg.Repositories[0].ClaimTimeout(), 60*time.Minute)
}

func TestGovernorConfigOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
repositories:
  - owner: ex
    name: r
rate_limits:
  duplicate_window_s: 300
  classes:
    issue_comment:
      per_minute: 5
      cooldown_s: 10
`))
	require.NoError(t, err)

	gov := cfg.RateLimits.GovernorConfig()
	assert.Equal(t, 5*time.Minute, gov.DuplicateWindow)
	policy := gov.Policies[ratelimit.ClassIssueComment]
	assert.Equal(t, 5, policy.PerMinute)
	assert.Equal(t, 10*time.Second, policy.Cooldown)

	// Untouched classes keep stock defaults.
	assert.Equal(t, ratelimit.DefaultConfig().Policies[ratelimit.ClassIssueCreate],
		gov.Policies[ratelimit.ClassIssueCreate])
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no repositories", `
environment:
  tag: dev
`},
		{"bad environment", `
environment:
  tag: staging
repositories:
  - owner: ex
    name: r
`},
		{"duplicate repository", `
repositories:
  - owner: ex
    name: r
  - owner: ex
    name: r
`},
		{"unknown rate class", `
repositories:
  - owner: ex
    name: r
rate_limits:
  classes:
    comments: {per_minute: 1}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
