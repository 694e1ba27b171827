// Package prwatch watches pool-authored pull requests: it scores merge
// conflicts, parks or abandons heavily conflicted PRs, and recovers
// drafts whose conflicts have cleared. All PR reads ride the generic
// read class in the rate governor; only label, draft and close
// operations spend mutating budget.
package prwatch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/metrics"
	"github.com/agent-forge/forge/internal/work"
)

// Labels the watcher manages on PRs.
const (
	LabelHasConflicts   = "has-conflicts"
	LabelCriticalIssues = "critical-issues"
)

// DefaultCheckInterval is how often draft PRs are re-checked.
const DefaultCheckInterval = 5 * time.Minute

var issueRefRe = regexp.MustCompile(`(?i)(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s+#(\d+)`)

// API is the slice of the GitHub client the watcher needs.
type API interface {
	ListPulls(ctx context.Context, repo work.Repo, state string) ([]github.PullRequest, error)
	GetPull(ctx context.Context, repo work.Repo, number int) (github.PullRequest, error)
	ConvertPullToDraft(ctx context.Context, repo work.Repo, pr github.PullRequest) error
	MarkPullReady(ctx context.Context, repo work.Repo, pr github.PullRequest) error
	ClosePull(ctx context.Context, repo work.Repo, number int) error
	ReopenIssue(ctx context.Context, repo work.Repo, number int) error
	AddLabels(ctx context.Context, repo work.Repo, number int, labels ...string) error
	RemoveLabel(ctx context.Context, repo work.Repo, number int, label string) error
	CreateComment(ctx context.Context, repo work.Repo, number int, body string) (github.Comment, error)
}

// Inspector produces conflict signals for one PR.
type Inspector interface {
	Inspect(ctx context.Context, repo work.Repo, pr github.PullRequest) (ConflictSignals, error)
}

// Resolver attempts an automatic conflict resolution. Optional; when
// absent, low-score conflicts wait for the next base push.
type Resolver interface {
	AutoResolve(ctx context.Context, repo work.Repo, pr github.PullRequest) error
}

// Reviews enqueues a review for a recovered PR.
type Reviews interface {
	DispatchReview(ctx context.Context, repo work.Repo, pr github.PullRequest) error
}

// Options configures a watcher.
type Options struct {
	API       API
	Inspector Inspector
	Resolver  Resolver
	Reviews   Reviews
	Bus       *events.Bus

	// Pool is the set of author logins whose PRs are watched.
	Pool []string

	// Repos are the repositories under watch.
	Repos []work.Repo

	// CheckInterval paces the periodic draft recovery loop.
	CheckInterval time.Duration

	Logger *logrus.Logger
}

// Watcher owns the monitored PR set. Only the watcher mutates it.
type Watcher struct {
	api       API
	inspector Inspector
	resolver  Resolver
	reviews   Reviews
	bus       *events.Bus
	pool      map[string]bool
	repos     []work.Repo
	interval  time.Duration
	log       *logrus.Entry
}

// New creates a watcher.
func New(opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	pool := make(map[string]bool, len(opts.Pool))
	for _, id := range opts.Pool {
		pool[id] = true
	}
	return &Watcher{
		api:       opts.API,
		inspector: opts.Inspector,
		resolver:  opts.Resolver,
		reviews:   opts.Reviews,
		bus:       opts.Bus,
		pool:      pool,
		repos:     opts.Repos,
		interval:  interval,
		log:       logger.WithField("component", "prwatch"),
	}
}

// Run drives the periodic conflict and recovery pass until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, repo := range w.repos {
				if err := w.Scan(ctx, repo); err != nil {
					w.log.WithError(err).WithField("repo", repo.String()).Warn("pr scan failed")
				}
				if err := w.RecoverDrafts(ctx, repo); err != nil {
					w.log.WithError(err).WithField("repo", repo.String()).Warn("draft recovery failed")
				}
			}
		}
	}
}

// Scan evaluates every open, non-draft pool PR whose mergeability is
// known to be blocked.
func (w *Watcher) Scan(ctx context.Context, repo work.Repo) error {
	pulls, err := w.api.ListPulls(ctx, repo, "open")
	if err != nil {
		return err
	}
	for _, pr := range pulls {
		if !w.pool[pr.Author] || pr.Draft {
			continue
		}
		// The list endpoint omits mergeability; fetch the full record.
		full, err := w.api.GetPull(ctx, repo, pr.Number)
		if err != nil {
			w.log.WithError(err).WithField("pr", pr.Number).Warn("pr fetch failed")
			continue
		}
		if full.Mergeable == nil || *full.Mergeable {
			continue
		}
		if err := w.Evaluate(ctx, repo, full); err != nil {
			w.log.WithError(err).WithField("pr", pr.Number).Warn("pr evaluation failed")
		}
	}
	return nil
}

// Evaluate scores one conflicted PR and applies the matching action.
func (w *Watcher) Evaluate(ctx context.Context, repo work.Repo, pr github.PullRequest) error {
	signals, err := w.inspector.Inspect(ctx, repo, pr)
	if err != nil {
		return fmt.Errorf("inspect %s!%d: %w", repo, pr.Number, err)
	}
	score := signals.Score()
	action := Decide(score)

	metrics.PRConflictScore.Observe(float64(score))
	w.publish(events.New(events.TopicPREvent, events.PRConflictFound).
		WithRepo(repo.Owner, repo.Name).WithPR(pr.Number).
		WithPayload(map[string]any{"score": score, "action": string(action), "signals": signals.String()}))

	switch action {
	case ActionAutoResolve:
		return w.autoResolve(ctx, repo, pr, score)
	case ActionDraft:
		return w.parkAsDraft(ctx, repo, pr, score)
	default:
		return w.closeAndReopen(ctx, repo, pr, score)
	}
}

func (w *Watcher) autoResolve(ctx context.Context, repo work.Repo, pr github.PullRequest, score int) error {
	if w.resolver == nil {
		w.log.WithField("pr", pr.Number).Debug("no resolver, leaving trivial conflict for next base push")
		return nil
	}
	if err := w.resolver.AutoResolve(ctx, repo, pr); err != nil {
		// A failed trivial resolve escalates to the draft path.
		w.log.WithError(err).WithField("pr", pr.Number).Info("auto-resolve failed, parking as draft")
		return w.parkAsDraft(ctx, repo, pr, score)
	}
	return nil
}

func (w *Watcher) parkAsDraft(ctx context.Context, repo work.Repo, pr github.PullRequest, score int) error {
	if err := w.api.ConvertPullToDraft(ctx, repo, pr); err != nil {
		return err
	}
	if err := w.api.AddLabels(ctx, repo, pr.Number, LabelHasConflicts); err != nil {
		return err
	}
	body := fmt.Sprintf("🤖 This PR has merge conflicts (score %d/%d). Parked as draft until the conflicts clear.", score, maxScore)
	if _, err := w.api.CreateComment(ctx, repo, pr.Number, body); err != nil && !github.IsDuplicate(err) {
		w.log.WithError(err).WithField("pr", pr.Number).Warn("draft comment failed")
	}
	w.publish(events.New(events.TopicPREvent, events.PRMarkedDraft).
		WithRepo(repo.Owner, repo.Name).WithPR(pr.Number))
	return nil
}

// closeAndReopen abandons the PR and resets its source issue so a fresh
// attempt starts against the current base. Decision labels come off the
// issue so the gateway re-scores it.
func (w *Watcher) closeAndReopen(ctx context.Context, repo work.Repo, pr github.PullRequest, score int) error {
	body := fmt.Sprintf("🤖 Closing: merge conflicts are too heavy to resolve in place (score %d/%d). The source issue will be reopened for a fresh attempt.", score, maxScore)
	if _, err := w.api.CreateComment(ctx, repo, pr.Number, body); err != nil && !github.IsDuplicate(err) {
		w.log.WithError(err).WithField("pr", pr.Number).Warn("close comment failed")
	}
	if err := w.api.ClosePull(ctx, repo, pr.Number); err != nil {
		return err
	}
	w.publish(events.New(events.TopicPREvent, events.PRClosedStale).
		WithRepo(repo.Owner, repo.Name).WithPR(pr.Number))

	issue, ok := SourceIssue(pr)
	if !ok {
		w.log.WithField("pr", pr.Number).Warn("no source issue reference, nothing to reopen")
		return nil
	}
	if err := w.api.ReopenIssue(ctx, repo, issue); err != nil {
		return err
	}
	for _, label := range []string{
		"coordinator-approved-simple", "coordinator-approved-uncertain", "coordinator-approved-complex",
	} {
		if err := w.api.RemoveLabel(ctx, repo, issue, label); err != nil {
			w.log.WithError(err).WithField("issue", issue).Warn("label reset failed")
		}
	}
	return nil
}

// RecoverDrafts re-checks parked pool drafts and promotes the ones
// whose conflicts have cleared, queueing a fresh review.
func (w *Watcher) RecoverDrafts(ctx context.Context, repo work.Repo) error {
	pulls, err := w.api.ListPulls(ctx, repo, "open")
	if err != nil {
		return err
	}
	for _, pr := range pulls {
		if !w.pool[pr.Author] || !pr.Draft {
			continue
		}
		if !pr.HasLabel(LabelHasConflicts) && !pr.HasLabel(LabelCriticalIssues) {
			continue
		}
		full, err := w.api.GetPull(ctx, repo, pr.Number)
		if err != nil {
			w.log.WithError(err).WithField("pr", pr.Number).Warn("pr fetch failed")
			continue
		}
		if full.Mergeable == nil || !*full.Mergeable {
			continue
		}

		for _, label := range []string{LabelHasConflicts, LabelCriticalIssues} {
			if full.HasLabel(label) {
				if err := w.api.RemoveLabel(ctx, repo, full.Number, label); err != nil {
					w.log.WithError(err).WithField("pr", full.Number).Warn("label removal failed")
				}
			}
		}
		if err := w.api.MarkPullReady(ctx, repo, full); err != nil {
			w.log.WithError(err).WithField("pr", full.Number).Warn("ready flip failed")
			continue
		}
		w.publish(events.New(events.TopicPREvent, events.PRReadyAgain).
			WithRepo(repo.Owner, repo.Name).WithPR(full.Number))

		if w.reviews != nil {
			if err := w.reviews.DispatchReview(ctx, repo, full); err != nil {
				w.log.WithError(err).WithField("pr", full.Number).Warn("review dispatch failed")
			} else {
				w.publish(events.New(events.TopicPREvent, events.PRReviewQueued).
					WithRepo(repo.Owner, repo.Name).WithPR(full.Number))
			}
		}
	}
	return nil
}

// SourceIssue extracts the issue a PR closes from its body.
func SourceIssue(pr github.PullRequest) (int, bool) {
	if m := issueRefRe.FindStringSubmatch(pr.Body); m != nil {
		n, err := strconv.Atoi(m[1])
		return n, err == nil
	}
	// Fall back to a bare "#N" reference.
	if idx := strings.IndexByte(pr.Body, '#'); idx >= 0 {
		rest := pr.Body[idx+1:]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end > 0 {
			n, err := strconv.Atoi(rest[:end])
			return n, err == nil
		}
	}
	return 0, false
}

func (w *Watcher) publish(evt events.Event) {
	if w.bus != nil {
		w.bus.Publish(evt)
	}
}
