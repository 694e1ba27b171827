// Package poller sweeps configured repositories for eligible issues,
// claims them and feeds them through the gateway into dispatch. Each
// repository runs on an independent ticker; a slow sweep never delays
// other repositories, and overlapping ticks on the same repository are
// coalesced.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agent-forge/forge/internal/claim"
	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/gateway"
	"github.com/agent-forge/forge/internal/metrics"
	"github.com/agent-forge/forge/internal/work"
)

// DefaultParallelism caps concurrent repository sweeps.
const DefaultParallelism = 4

// DefaultInterval is the per-repository tick period.
const DefaultInterval = 60 * time.Second

// Repo is one repository under poll.
type Repo struct {
	Repo        work.Repo
	Interval    time.Duration
	WatchLabels []string
	SkipLabels  []string
}

// Source lists open issues. The label slice has OR semantics: the
// result is the union over all labels, each issue once.
type Source interface {
	OpenIssues(ctx context.Context, repo work.Repo, labels []string) ([]work.Item, error)
}

// Claimer runs the claim protocol for the poller's claimant identity.
type Claimer interface {
	TryClaim(ctx context.Context, item work.Item, agentID string) (claim.Result, error)
}

// Decider routes a claimed item.
type Decider interface {
	Decide(ctx context.Context, item work.Item) (gateway.Decision, error)
}

// Sink receives routed items and knows which ones are already running.
type Sink interface {
	Dispatch(ctx context.Context, item work.Item, class gateway.Class) error
	Running(key work.Fingerprint) bool
}

// Recovery is the per-tick draft-PR recovery pass, implemented by the
// PR watcher. Nil disables the pass.
type Recovery interface {
	RecoverDrafts(ctx context.Context, repo work.Repo) error
}

// Options configures a poller.
type Options struct {
	Repos    []Repo
	Source   Source
	Claimer  Claimer
	Decider  Decider
	Sink     Sink
	Recovery Recovery
	Bus      *events.Bus

	// Claimant is the agent identity written into claim comments.
	Claimant string

	// Parallelism caps concurrent sweeps across repositories.
	Parallelism int

	Logger *logrus.Logger
}

// Poller owns the sweep loops.
type Poller struct {
	repos    []Repo
	source   Source
	claimer  Claimer
	decider  Decider
	sink     Sink
	recovery Recovery
	bus      *events.Bus
	claimant string
	sem      chan struct{}
	log      *logrus.Entry
}

// New creates a poller.
func New(opts Options) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	claimant := opts.Claimant
	if claimant == "" {
		claimant = "orchestrator"
	}
	return &Poller{
		repos:    opts.Repos,
		source:   opts.Source,
		claimer:  opts.Claimer,
		decider:  opts.Decider,
		sink:     opts.Sink,
		recovery: opts.Recovery,
		bus:      opts.Bus,
		claimant: claimant,
		sem:      make(chan struct{}, parallelism),
		log:      logger.WithField("component", "poller"),
	}
}

// Run drives one ticker per repository until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, repo := range p.repos {
		g.Go(func() error { return p.loop(ctx, repo) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// loop runs the ticker for one repository. Sweeps are serialized per
// repo by construction; ticks arriving mid-sweep collapse into at most
// one pending tick, counted as coalesced.
func (p *Poller) loop(ctx context.Context, repo Repo) error {
	interval := repo.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.Sweep(ctx, repo)
		<-p.sem

		// Anything queued while we swept is one coalesced tick.
		select {
		case <-ticker.C:
			metrics.PollCoalesced.WithLabelValues(repo.Repo.String()).Inc()
			p.publish(events.New(events.TopicPollingTick, events.PollTickCoalesced).
				WithRepo(repo.Repo.Owner, repo.Repo.Name))
		default:
		}
	}
}

// Sweep runs one full pass over a repository.
func (p *Poller) Sweep(ctx context.Context, repo Repo) {
	started := time.Now()
	p.publish(events.New(events.TopicPollingTick, events.PollTickStarted).
		WithRepo(repo.Repo.Owner, repo.Repo.Name))

	items, err := p.source.OpenIssues(ctx, repo.Repo, repo.WatchLabels)
	if err != nil {
		p.log.WithError(err).WithField("repo", repo.Repo.String()).Warn("sweep list failed")
		return
	}

	seen := 0
	for _, item := range items {
		if item.State == work.StateClosed || item.HasAnyLabel(repo.SkipLabels) {
			continue
		}
		seen++
		p.handle(ctx, item)
		if ctx.Err() != nil {
			return
		}
	}

	if p.recovery != nil {
		if err := p.recovery.RecoverDrafts(ctx, repo.Repo); err != nil {
			p.log.WithError(err).WithField("repo", repo.Repo.String()).Warn("draft recovery pass failed")
		}
	}

	metrics.PollSweeps.WithLabelValues(repo.Repo.String()).Inc()
	metrics.PollIssuesSeen.WithLabelValues(repo.Repo.String()).Add(float64(seen))
	metrics.SweepDuration.Observe(time.Since(started).Seconds())
	p.publish(events.New(events.TopicPollingTick, events.PollTickCompleted).
		WithRepo(repo.Repo.Owner, repo.Repo.Name).
		WithPayload(map[string]any{"issues": seen, "elapsed_ms": time.Since(started).Milliseconds()}))
}

// handle claims one issue and routes it. Items we already run are
// skipped before any API traffic; a claim held by another fleet member
// is respected.
func (p *Poller) handle(ctx context.Context, item work.Item) {
	if p.sink.Running(item.Key()) {
		return
	}

	res, err := p.claimer.TryClaim(ctx, item, p.claimant)
	if err != nil {
		metrics.ClaimAttempts.WithLabelValues("error").Inc()
		p.log.WithError(err).WithField("issue", item.Key()).Debug("claim attempt failed")
		return
	}
	metrics.ClaimAttempts.WithLabelValues(string(res.State)).Inc()

	switch res.State {
	case claim.Taken:
		p.publish(events.New(events.TopicPollingTick, events.IssueSkipped).
			WithRepo(item.Repo.Owner, item.Repo.Name).WithIssue(item.Number).
			WithPayload("claimed by "+res.Owner))
		return
	case claim.Owned, claim.AlreadyOwned:
		// AlreadyOwned is the restart path: the claim comment survives
		// the process, the decision label feeds the gateway cache, and
		// dispatch re-binds without new GitHub writes.
	}

	p.publish(events.New(events.TopicPollingTick, events.IssueAcquired).
		WithRepo(item.Repo.Owner, item.Repo.Name).WithIssue(item.Number).
		WithAgent(p.claimant))

	decision, err := p.decider.Decide(ctx, item)
	if err != nil {
		p.log.WithError(err).WithField("issue", item.Key()).Warn("gateway decision failed")
		return
	}
	if err := p.sink.Dispatch(ctx, item, decision.Class); err != nil {
		p.log.WithError(err).WithField("issue", item.Key()).Warn("dispatch failed")
	}
}

func (p *Poller) publish(evt events.Event) {
	if p.bus != nil {
		p.bus.Publish(evt)
	}
}
