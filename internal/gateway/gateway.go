// Package gateway classifies every polled work item into a routing
// decision before dispatch. The numeric scorer is authoritative; an
// optional LLM pass only sanity-checks it.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/llm"
	"github.com/agent-forge/forge/internal/metrics"
	"github.com/agent-forge/forge/internal/work"
)

// Class is the routing outcome.
type Class string

const (
	Simple    Class = "simple"
	Uncertain Class = "uncertain"
	Complex   Class = "complex"
)

const labelPrefix = "coordinator-approved-"

// Label returns the decision label applied to the issue.
func (c Class) Label() string { return labelPrefix + string(c) }

// ClassFromLabels recovers a prior decision from issue labels.
func ClassFromLabels(labels []string) (Class, bool) {
	for _, l := range labels {
		switch l {
		case Simple.Label():
			return Simple, true
		case Uncertain.Label():
			return Uncertain, true
		case Complex.Label():
			return Complex, true
		}
	}
	return "", false
}

// Score thresholds. Total is bounded to [0, 65].
const (
	simpleMax    = 10
	uncertainMax = 24
	maxScore     = 65
)

func classify(score int) Class {
	switch {
	case score <= simpleMax:
		return Simple
	case score <= uncertainMax:
		return Uncertain
	default:
		return Complex
	}
}

// Decision is the gateway output for one work item.
type Decision struct {
	Class   Class
	Score   int
	Signals Signals
	Cached  bool
}

// API is the slice of the GitHub client the gateway needs.
type API interface {
	AddLabels(ctx context.Context, repo work.Repo, number int, labels ...string) error
	CreateComment(ctx context.Context, repo work.Repo, number int, body string) (github.Comment, error)
}

// Options configures a gateway.
type Options struct {
	API API
	Bus *events.Bus

	// Checker optionally sanity-checks scores. Nil disables the pass.
	Checker llm.Client

	// CheckTimeout bounds the single sanity-check call.
	CheckTimeout time.Duration

	// TrustedAuthors are logins whose issues carry no author-risk weight.
	TrustedAuthors []string

	Logger *logrus.Logger
}

// Gateway scores and routes work items. Safe for concurrent use.
type Gateway struct {
	api          API
	bus          *events.Bus
	checker      llm.Client
	checkTimeout time.Duration
	trusted      map[string]bool
	log          *logrus.Entry

	mu       sync.Mutex
	failures map[work.Fingerprint]int
}

// New creates a gateway.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = llm.DefaultInferenceTimeout
	}
	trusted := make(map[string]bool, len(opts.TrustedAuthors))
	for _, a := range opts.TrustedAuthors {
		trusted[a] = true
	}
	return &Gateway{
		api:          opts.API,
		bus:          opts.Bus,
		checker:      opts.Checker,
		checkTimeout: timeout,
		trusted:      trusted,
		log:          logger.WithField("component", "gateway"),
		failures:     make(map[work.Fingerprint]int),
	}
}

// RecordFailure increments the failed-attempts signal for an item. The
// dispatcher calls this on escalation so the re-run scores higher.
func (g *Gateway) RecordFailure(key work.Fingerprint) {
	g.mu.Lock()
	g.failures[key]++
	g.mu.Unlock()
}

func (g *Gateway) failureCount(key work.Fingerprint) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[key]
}

// Decide routes one work item. If a decision label is already present
// the prior class is returned without re-scoring or re-labeling, which
// makes the gateway safe to re-run after restart.
func (g *Gateway) Decide(ctx context.Context, item work.Item) (Decision, error) {
	if class, ok := ClassFromLabels(item.Labels); ok {
		metrics.GatewayDecisions.WithLabelValues(string(class), "cached").Inc()
		g.publish(events.DecisionCached, item, Decision{Class: class, Cached: true})
		return Decision{Class: class, Cached: true}, nil
	}

	sig := Extract(item, g.trusted, g.failureCount(item.Key()))
	score := sig.Score()
	class := classify(score)
	g.sanityCheck(ctx, item, score, class)

	decision := Decision{Class: class, Score: score, Signals: sig}
	if err := g.api.AddLabels(ctx, item.Repo, item.Number, class.Label()); err != nil {
		return Decision{}, fmt.Errorf("gateway label: %w", err)
	}
	if _, err := g.api.CreateComment(ctx, item.Repo, item.Number, decisionComment(decision)); err != nil {
		// The label is the durable record; a suppressed or failed
		// comment does not invalidate the decision.
		if !github.IsDuplicate(err) {
			g.log.WithError(err).Warn("decision comment failed")
		}
	}

	metrics.GatewayDecisions.WithLabelValues(string(class), "scored").Inc()
	g.publish(events.DecisionMade, item, decision)
	return decision, nil
}

// sanityCheck asks the model whether the class looks right. Disagreement
// is logged only; the numeric scorer stays authoritative, and any
// failure or timeout is ignored.
func (g *Gateway) sanityCheck(ctx context.Context, item work.Item, score int, class Class) {
	if g.checker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.checkTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Classify this GitHub issue as exactly one of: simple, uncertain, complex.\nTitle: %s\n\n%s\n\nAnswer with one word.",
		item.Title, item.Body)
	reply, err := g.checker.Complete(ctx, prompt)
	if err != nil {
		g.log.WithError(err).Debug("sanity check unavailable")
		return
	}
	got := Class(strings.ToLower(strings.TrimSpace(reply)))
	if got != class && (got == Simple || got == Uncertain || got == Complex) {
		g.log.WithFields(logrus.Fields{
			"issue": fmt.Sprintf("%s#%d", item.Repo, item.Number),
			"score": score, "scored": class, "model": got,
		}).Warn("sanity check disagrees with scorer")
	}
}

func (g *Gateway) publish(typ events.EventType, item work.Item, d Decision) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.New(events.TopicGatewayDecision, typ).
		WithRepo(item.Repo.Owner, item.Repo.Name).
		WithIssue(item.Number).
		WithPayload(map[string]any{
			"class":  string(d.Class),
			"score":  d.Score,
			"cached": d.Cached,
		}))
}

func decisionComment(d Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 Gateway decision: **%s** (score %d/%d)\n\n", d.Class, d.Score, maxScore)
	for _, line := range d.Signals.Breakdown() {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	switch d.Class {
	case Complex:
		b.WriteString("\nRouting to a coordinator for decomposition.")
	case Uncertain:
		b.WriteString("\nRouting to a developer with mid-task escalation enabled.")
	default:
		b.WriteString("\nRouting directly to a developer.")
	}
	return b.String()
}
