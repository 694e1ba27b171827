// Package dispatch binds claimed work items to agents and drives tasks
// to a terminal status. Excess claims are released rather than queued;
// there is no task queue anywhere in the service.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/claim"
	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/gateway"
	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/metrics"
	"github.com/agent-forge/forge/internal/registry"
	"github.com/agent-forge/forge/internal/work"
)

// DefaultTaskTimeout bounds one task execution.
const DefaultTaskTimeout = 30 * time.Minute

// DefaultGlobalMax caps concurrently running tasks across all repos.
const DefaultGlobalMax = 16

// Runner executes one task. Implementations observe ctx at every
// suspension point and report progress through the callback.
type Runner interface {
	Execute(ctx context.Context, task Task, progress func(msg string)) Outcome
}

// API is the slice of the GitHub client the dispatcher needs.
type API interface {
	CreateComment(ctx context.Context, repo work.Repo, number int, body string) (github.Comment, error)
	RemoveLabel(ctx context.Context, repo work.Repo, number int, label string) error
}

// Options configures a dispatcher.
type Options struct {
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	Claims   *claim.Protocol
	API      API
	Bus      *events.Bus
	Runner   Runner

	// GlobalMax caps tasks across every repository.
	GlobalMax int

	// RepoMax caps tasks per repository key ("owner/name").
	RepoMax map[string]int

	// TaskTimeout cancels tasks that run too long; they finish as
	// Failed with a timeout reason.
	TaskTimeout time.Duration

	// Claimant is the identity used on release retraction comments.
	// It must match the id the poller claims with.
	Claimant string

	Logger *logrus.Logger
}

// Dispatcher owns the in-flight task set. All mutation goes through it.
type Dispatcher struct {
	reg      *registry.Registry
	gw       *gateway.Gateway
	claims   *claim.Protocol
	api      API
	bus      *events.Bus
	runner   Runner
	log      *logrus.Entry
	timeout  time.Duration
	claimant string

	globalMax int
	repoMax   map[string]int

	mu        sync.Mutex
	tasks     map[string]*Task
	byKey     map[work.Fingerprint]string
	repoCount map[string]int
	reserved  int
	cancels   map[string]context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	globalMax := opts.GlobalMax
	if globalMax <= 0 {
		globalMax = DefaultGlobalMax
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	claimant := opts.Claimant
	if claimant == "" {
		claimant = "orchestrator"
	}
	return &Dispatcher{
		reg:       opts.Registry,
		gw:        opts.Gateway,
		claims:    opts.Claims,
		api:       opts.API,
		bus:       opts.Bus,
		runner:    opts.Runner,
		log:       logger.WithField("component", "dispatch"),
		timeout:   timeout,
		claimant:  claimant,
		globalMax: globalMax,
		repoMax:   opts.RepoMax,
		tasks:     make(map[string]*Task),
		byKey:     make(map[work.Fingerprint]string),
		repoCount: make(map[string]int),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Dispatch binds a claimed item to an agent under the given decision
// and starts the task. When no capacity or no agent is available the
// claim is released; the item comes back on a later poll.
func (d *Dispatcher) Dispatch(ctx context.Context, item work.Item, class gateway.Class) error {
	repoKey := item.Repo.String()

	d.mu.Lock()
	if _, running := d.byKey[item.Key()]; running {
		d.mu.Unlock()
		return nil
	}
	if len(d.tasks)+d.reserved >= d.globalMax || d.overRepoCap(repoKey) {
		d.mu.Unlock()
		return d.releaseFor(ctx, item, "at capacity, releasing")
	}
	// Hold the slot through agent selection so parallel sweeps cannot
	// overshoot the caps.
	d.reserved++
	d.repoCount[repoKey]++
	d.mu.Unlock()

	role := registry.RoleDeveloper
	if class == gateway.Complex {
		role = registry.RoleCoordinator
	}
	snap, err := d.reg.Pick(ctx, registry.PickRequest{Role: role})
	if errors.Is(err, registry.ErrNoAgent) {
		d.unreserve(repoKey)
		d.publishEvent(events.New(events.TopicTaskProgress, events.TaskNoAgentAvailable).
			WithRepo(item.Repo.Owner, item.Repo.Name).WithIssue(item.Number))
		return d.releaseFor(ctx, item, "no agent available, releasing")
	}
	if err != nil {
		d.unreserve(repoKey)
		return err
	}

	task := &Task{
		ID:        newTaskID(),
		Kind:      KindIssue,
		Item:      item,
		Class:     class,
		Agent:     snap.Config,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	return d.start(ctx, task, true)
}

// DispatchReview binds a Reviewer agent to a pool-authored PR. The
// author's agent id is excluded so an agent never reviews its own work.
func (d *Dispatcher) DispatchReview(ctx context.Context, repo work.Repo, pr github.PullRequest) error {
	snap, err := d.reg.Pick(ctx, registry.PickRequest{
		Role:       registry.RoleReviewer,
		ExcludeIDs: []string{pr.Author},
	})
	if errors.Is(err, registry.ErrNoAgent) {
		d.publishEvent(events.New(events.TopicTaskProgress, events.TaskNoAgentAvailable).
			WithRepo(repo.Owner, repo.Name).WithPR(pr.Number))
		return nil
	}
	if err != nil {
		return err
	}

	task := &Task{
		ID:   newTaskID(),
		Kind: KindReview,
		Item: work.Item{
			Repo:   repo,
			Number: pr.Number,
			Title:  pr.Title,
			Author: pr.Author,
		},
		PRNumber:  pr.Number,
		Agent:     snap.Config,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	return d.start(ctx, task, false)
}

// start registers the task, marks the agent Working and launches the
// runner goroutine. reserved tells start the caller already holds a
// capacity slot for the task's repository.
func (d *Dispatcher) start(ctx context.Context, task *Task, reserved bool) error {
	if err := d.reg.MarkWorking(task.Agent.ID, task.ID); err != nil {
		if reserved {
			d.unreserve(task.Item.Repo.String())
		}
		return fmt.Errorf("dispatch %s: %w", task.ID, err)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.tasks[task.ID] = task
	d.byKey[task.Item.Key()] = task.ID
	if reserved {
		d.reserved--
	} else {
		d.repoCount[task.Item.Repo.String()]++
	}
	d.cancels[task.ID] = cancel
	d.mu.Unlock()

	metrics.TasksInFlight.Inc()
	d.publishEvent(events.New(events.TopicTaskProgress, events.TaskStarted).
		WithAgent(task.Agent.ID).WithTask(task.ID).
		WithRepo(task.Item.Repo.Owner, task.Item.Repo.Name).
		WithIssue(task.Item.Number))

	d.wg.Add(1)
	go d.run(taskCtx, task)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, task *Task) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	progress := func(msg string) {
		d.publishEvent(events.New(events.TopicTaskProgress, events.TaskProgress).
			WithAgent(task.Agent.ID).WithTask(task.ID).
			WithRepo(task.Item.Repo.Owner, task.Item.Repo.Name).
			WithIssue(task.Item.Number).WithPayload(msg))
	}

	outcome := d.runner.Execute(ctx, *task, progress)
	if ctx.Err() != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome = Outcome{Status: StatusFailed, Reason: "timeout"}
		default:
			outcome = Outcome{Status: StatusCancelled}
		}
	}
	d.finish(task, outcome)
}

// finish records the terminal status, releases the agent back to Idle
// and performs the per-status close-out. Task failures never mark the
// agent Error; the state machine's Error is for agent faults.
func (d *Dispatcher) finish(task *Task, outcome Outcome) {
	// Close-out comments get a short detached window so shutdown
	// cancellation does not suppress them.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.mu.Lock()
	task.Status = outcome.Status
	task.Reason = outcome.Reason
	task.FinishedAt = time.Now()
	delete(d.tasks, task.ID)
	delete(d.byKey, task.Item.Key())
	delete(d.cancels, task.ID)
	if d.repoCount[task.Item.Repo.String()] > 0 {
		d.repoCount[task.Item.Repo.String()]--
	}
	d.mu.Unlock()

	metrics.TasksInFlight.Dec()
	metrics.TasksTerminal.WithLabelValues(string(outcome.Status)).Inc()
	metrics.TaskDuration.Observe(task.FinishedAt.Sub(task.StartedAt).Seconds())

	eventType := events.TaskSucceeded
	switch outcome.Status {
	case StatusFailed:
		eventType = events.TaskFailed
	case StatusCancelled:
		eventType = events.TaskCancelled
	case StatusEscalated:
		eventType = events.TaskEscalated
	}
	evt := events.New(events.TopicTaskProgress, eventType).
		WithAgent(task.Agent.ID).WithTask(task.ID).
		WithRepo(task.Item.Repo.Owner, task.Item.Repo.Name).
		WithIssue(task.Item.Number)
	if outcome.Reason != "" {
		evt = evt.WithPayload(outcome.Reason)
	}
	d.publishEvent(evt)

	switch outcome.Status {
	case StatusSucceeded:
		d.comment(ctx, task, fmt.Sprintf("🤖 Agent %s completed this task.", task.Agent.ID))
	case StatusFailed:
		// Failure class only; stack traces stay in the logs.
		d.comment(ctx, task, fmt.Sprintf("🤖 Agent %s could not complete this task (%s).", task.Agent.ID, outcome.Reason))
	case StatusEscalated:
		d.escalate(ctx, task, outcome.Reason)
	}

	d.reg.MarkIdle(task.Agent.ID)
}

// escalate strips the stale decision label so the gateway re-scores the
// item with the incremented failed-attempts signal on the next poll.
func (d *Dispatcher) escalate(ctx context.Context, task *Task, reason string) {
	d.gw.RecordFailure(task.Item.Key())
	if task.Class != "" {
		if err := d.api.RemoveLabel(ctx, task.Item.Repo, task.Item.Number, task.Class.Label()); err != nil {
			d.log.WithError(err).Warn("escalation label reset failed")
		}
	}
	d.publishEvent(events.New(events.TopicTaskProgress, events.EscalationRequested).
		WithAgent(task.Agent.ID).WithTask(task.ID).
		WithRepo(task.Item.Repo.Owner, task.Item.Repo.Name).
		WithIssue(task.Item.Number).WithPayload(reason))
}

func (d *Dispatcher) comment(ctx context.Context, task *Task, body string) {
	if _, err := d.api.CreateComment(ctx, task.Item.Repo, task.Item.Number, body); err != nil && !github.IsDuplicate(err) {
		d.log.WithError(err).WithField("task", task.ID).Warn("close-out comment failed")
	}
}

func (d *Dispatcher) releaseFor(ctx context.Context, item work.Item, reason string) error {
	if d.claims == nil {
		return nil
	}
	return d.claims.Release(ctx, item, d.claimant, reason)
}

// unreserve rolls a held slot back after agent selection fails.
func (d *Dispatcher) unreserve(repoKey string) {
	d.mu.Lock()
	d.reserved--
	if d.repoCount[repoKey] > 0 {
		d.repoCount[repoKey]--
	}
	d.mu.Unlock()
}

func (d *Dispatcher) overRepoCap(repoKey string) bool {
	limit, ok := d.repoMax[repoKey]
	if !ok || limit <= 0 {
		return false
	}
	return d.repoCount[repoKey] >= limit
}

// InFlight returns a snapshot of running tasks.
func (d *Dispatcher) InFlight() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, *t)
	}
	return out
}

// Running reports whether the item already has an in-flight task.
func (d *Dispatcher) Running(key work.Fingerprint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byKey[key]
	return ok
}

// Shutdown cancels every running task and waits for runners to observe
// the cancellation, up to the context deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) publishEvent(evt events.Event) {
	if d.bus != nil {
		d.bus.Publish(evt)
	}
}
