package config

import "fmt"

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	switch c.Environment.Tag {
	case EnvDev, EnvTest, EnvProd:
	default:
		return fmt.Errorf("invalid environment tag: %q", c.Environment.Tag)
	}

	if len(c.Repositories) == 0 {
		return fmt.Errorf("no repositories configured")
	}
	seen := make(map[string]bool)
	for _, repo := range c.Repositories {
		if repo.Owner == "" || repo.Name == "" {
			return fmt.Errorf("repository missing owner or name: %q/%q", repo.Owner, repo.Name)
		}
		key := repo.Owner + "/" + repo.Name
		if seen[key] {
			return fmt.Errorf("duplicate repository: %s", key)
		}
		seen[key] = true
		if len(repo.WatchLabels) == 0 {
			return fmt.Errorf("repository %s has no watch labels", key)
		}
		if repo.PollIntervalS <= 0 {
			return fmt.Errorf("repository %s has non-positive poll interval", key)
		}
		if repo.ClaimTimeoutMin <= 0 {
			return fmt.Errorf("repository %s has non-positive claim timeout", key)
		}
	}

	if c.Polling.Parallelism <= 0 {
		return fmt.Errorf("polling parallelism must be positive")
	}
	if c.Dispatch.GlobalMaxTasks <= 0 {
		return fmt.Errorf("global max tasks must be positive")
	}
	if c.Monitor.MaxSubscribers <= 0 {
		return fmt.Errorf("monitor max subscribers must be positive")
	}
	for name := range c.RateLimits.Classes {
		switch name {
		case "api_read", "issue_comment", "issue_create",
			"pull_request_create", "pull_request_review", "repo_admin":
		default:
			return fmt.Errorf("unknown rate limit class: %q", name)
		}
	}
	return nil
}
