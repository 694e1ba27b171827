// Package ratelimit implements the rate governor that keeps cooperating
// bot accounts below spam/abuse thresholds, independent of GitHub's own
// API quotas.
package ratelimit

import "time"

// Class identifies an operation class with its own ceilings.
type Class string

const (
	ClassAPIRead           Class = "api_read"
	ClassIssueComment      Class = "issue_comment"
	ClassIssueCreate       Class = "issue_create"
	ClassPullRequestCreate Class = "pull_request_create"
	ClassPullRequestReview Class = "pull_request_review"
	ClassRepoAdmin         Class = "repo_admin"
)

// Mutating reports whether the class writes to GitHub. Only mutating
// classes count toward the burst ceiling.
func (c Class) Mutating() bool {
	return c != ClassAPIRead
}

// Policy holds the ceilings for one operation class. A ceiling of zero
// means unlimited for that window.
type Policy struct {
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	PerDay    int           `yaml:"per_day"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// Config holds per-class policies plus the cross-class settings.
type Config struct {
	Policies map[Class]Policy

	// BurstPerMinute caps mutating operations of any class within a
	// sliding minute, per account.
	BurstPerMinute int

	// DuplicateWindow is how long an identical content fingerprint is
	// rejected for the same (account, target).
	DuplicateWindow time.Duration
}

// DefaultConfig returns the stock abuse-prevention policy set.
func DefaultConfig() Config {
	return Config{
		Policies: map[Class]Policy{
			ClassAPIRead:           {PerHour: 5000},
			ClassIssueComment:      {PerMinute: 3, PerHour: 30, PerDay: 200, Cooldown: 20 * time.Second},
			ClassIssueCreate:       {PerHour: 10, PerDay: 100, Cooldown: 60 * time.Second},
			ClassPullRequestCreate: {PerHour: 5, PerDay: 20},
			ClassPullRequestReview: {PerHour: 10, PerDay: 50},
			ClassRepoAdmin:         {PerHour: 10, PerDay: 30},
		},
		BurstPerMinute:  10,
		DuplicateWindow: 10 * time.Minute,
	}
}
