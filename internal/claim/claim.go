// Package claim implements cooperative issue ownership using GitHub
// comments as the only shared state. A claim is a single canonical
// comment line; liveness is the comment timestamp against the
// repository claim timeout.
package claim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/work"
)

// Canonical claim line, parsed by other tooling. The format is frozen.
const (
	claimPrefix = "🤖 Agent "
	claimInfix  = " started working on this issue at "
)

// DefaultTimeout is the production claim expiry.
const DefaultTimeout = 60 * time.Minute

// Format renders the canonical claim line for an agent at ts. The
// timestamp is truncated to whole seconds in UTC so that Format and
// Parse round-trip exactly.
func Format(agentID string, ts time.Time) string {
	return claimPrefix + agentID + claimInfix + ts.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Parse scans a comment body for the canonical claim line. Surrounding
// content is ignored; only the first canonical line counts.
func Parse(body string) (Record, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, claimPrefix) {
			continue
		}
		rest := strings.TrimPrefix(line, claimPrefix)
		idx := strings.Index(rest, claimInfix)
		if idx <= 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rest[idx+len(claimInfix):])
		if err != nil {
			continue
		}
		return Record{Agent: rest[:idx], At: ts.UTC()}, true
	}
	return Record{}, false
}

// Record is one parsed claim.
type Record struct {
	Agent string
	At    time.Time
}

// ExpiresAt returns when the claim goes dead under the given timeout.
func (r Record) ExpiresAt(timeout time.Duration) time.Time {
	return r.At.Add(timeout)
}

// Live reports whether the claim is still current at now.
func (r Record) Live(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.At) < timeout
}

// Newest returns the most recent canonical claim among comments, which
// GitHub returns oldest first.
func Newest(comments []github.Comment) (Record, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		if rec, ok := Parse(comments[i].Body); ok {
			return rec, true
		}
	}
	return Record{}, false
}

// State is the outcome of a claim attempt.
type State string

const (
	// Owned means our claim comment is the newest and we own the item.
	Owned State = "owned"

	// AlreadyOwned means a live claim by this agent already exists.
	AlreadyOwned State = "already_owned"

	// Taken means another agent holds a live claim (or won the race).
	Taken State = "taken"
)

// Result describes who owns the work item after TryClaim.
type Result struct {
	State     State
	Owner     string
	ExpiresAt time.Time
}

// API is the slice of the GitHub client the protocol needs.
type API interface {
	ListComments(ctx context.Context, repo work.Repo, number int) ([]github.Comment, error)
	CreateComment(ctx context.Context, repo work.Repo, number int, body string) (github.Comment, error)
}

// Protocol performs the two-phase read-write-read claim dance.
type Protocol struct {
	api     API
	timeout time.Duration
	log     *logrus.Entry
	now     func() time.Time
}

// New creates a protocol instance with the given claim timeout.
func New(api API, timeout time.Duration, logger *logrus.Logger) *Protocol {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Protocol{
		api:     api,
		timeout: timeout,
		log:     logger.WithField("component", "claim"),
		now:     time.Now,
	}
}

// TryClaim attempts to take ownership of item for agentID.
//
// Phase one reads existing comments: a live claim short-circuits to
// AlreadyOwned or Taken. Phase two posts our claim and re-reads; if a
// competing claim landed after ours we lost the race, post a retraction
// and return Taken. The double-execution window is bounded by the time
// between our post and the re-read.
//
// A rate-governor deferral on the post surfaces as an error
// (github.IsRateLimited); the caller retries on a later tick.
func (p *Protocol) TryClaim(ctx context.Context, item work.Item, agentID string) (Result, error) {
	comments, err := p.api.ListComments(ctx, item.Repo, item.Number)
	if err != nil {
		return Result{}, fmt.Errorf("claim read: %w", err)
	}

	now := p.now()
	if rec, ok := Newest(comments); ok && rec.Live(now, p.timeout) {
		if rec.Agent == agentID {
			return Result{State: AlreadyOwned, Owner: agentID, ExpiresAt: rec.ExpiresAt(p.timeout)}, nil
		}
		return Result{State: Taken, Owner: rec.Agent, ExpiresAt: rec.ExpiresAt(p.timeout)}, nil
	}

	ours := Record{Agent: agentID, At: now.UTC().Truncate(time.Second)}
	if _, err := p.api.CreateComment(ctx, item.Repo, item.Number, Format(agentID, ours.At)); err != nil {
		return Result{}, fmt.Errorf("claim post: %w", err)
	}

	comments, err = p.api.ListComments(ctx, item.Repo, item.Number)
	if err != nil {
		return Result{}, fmt.Errorf("claim verify: %w", err)
	}
	newest, ok := Newest(comments)
	if !ok {
		// Our own post should be visible on the re-read.
		return Result{}, fmt.Errorf("claim verify: posted claim not visible on %s#%d", item.Repo, item.Number)
	}
	if newest.Agent == agentID && newest.At.Equal(ours.At) {
		return Result{State: Owned, Owner: agentID, ExpiresAt: ours.ExpiresAt(p.timeout)}, nil
	}

	// Lost the race. The loser retracts and must not start the task.
	p.log.WithFields(logrus.Fields{
		"issue":  fmt.Sprintf("%s#%d", item.Repo, item.Number),
		"winner": newest.Agent,
	}).Info("claim race lost, releasing")
	if err := p.Release(ctx, item, agentID, "superseded by "+newest.Agent); err != nil {
		p.log.WithError(err).Warn("retraction failed")
	}
	return Result{State: Taken, Owner: newest.Agent, ExpiresAt: newest.ExpiresAt(p.timeout)}, nil
}

// Release posts a retraction comment. Duplicate suppression in the
// governor keeps repeated releases from spamming the issue; a
// suppressed retraction is treated as already delivered.
func (p *Protocol) Release(ctx context.Context, item work.Item, agentID, reason string) error {
	body := fmt.Sprintf("🤖 Agent %s releasing claim: %s", agentID, reason)
	_, err := p.api.CreateComment(ctx, item.Repo, item.Number, body)
	if github.IsDuplicate(err) {
		return nil
	}
	return err
}

// Timeout returns the configured claim expiry.
func (p *Protocol) Timeout() time.Duration { return p.timeout }
