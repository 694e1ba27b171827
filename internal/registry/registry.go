package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/metrics"
	"github.com/agent-forge/forge/internal/secrets"
)

// ErrNoAgent indicates no agent satisfied a pick request.
var ErrNoAgent = errors.New("no agent available")

// restartBackoff is the Error-state recovery schedule; after it is
// exhausted, restart requires force.
var restartBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// agent is the registry's internal record: declaration plus runtime slot.
type agent struct {
	cfg AgentConfig

	state       State
	taskID      string
	errReason   string
	enabled     bool
	lastHealthy time.Time
	restarts    int
	idleSince   time.Time
}

// Snapshot is a read-only copy handed to callers.
type Snapshot struct {
	Config      AgentConfig `json:"config"`
	State       State       `json:"state"`
	TaskID      string      `json:"task_id,omitempty"`
	ErrReason   string      `json:"error,omitempty"`
	Enabled     bool        `json:"enabled"`
	LastHealthy time.Time   `json:"last_healthy,omitempty"`
}

// Registry is the agent pool. Mutations come from the dispatcher and the
// supervisor only; readers get snapshot copies.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*agent
	order  []string

	bus     *events.Bus
	secrets *secrets.Store
	log     *logrus.Entry

	// now and sleep are injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New registers every enabled agent from the given configs.
func New(configs []AgentConfig, bus *events.Bus, store *secrets.Store, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{
		agents:  make(map[string]*agent),
		bus:     bus,
		secrets: store,
		log:     logger.WithField("component", "registry"),
		now:     time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		r.agents[cfg.ID] = &agent{cfg: cfg, state: StateRegistered, enabled: true}
		r.order = append(r.order, cfg.ID)
		r.publish(cfg.ID, events.AgentRegistered, "")
	}
	return r
}

// StartAlwaysOn activates every AlwaysOn agent in parallel. All must
// reach Idle before the supervisor announces readiness.
func (r *Registry) StartAlwaysOn(ctx context.Context) error {
	r.mu.Lock()
	var ids []string
	for _, id := range r.order {
		if r.agents[id].cfg.Lifecycle == AlwaysOn {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return r.activate(ctx, id) })
	}
	return g.Wait()
}

// activate drives Registered/Stopped -> Starting -> Idle. The probe is
// credential resolution; a missing or invalid credential lands in Error.
func (r *Registry) activate(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown agent %q", id)
	}
	switch a.state {
	case StateIdle, StateWorking:
		r.mu.Unlock()
		return nil
	case StateRegistered, StateStopped, StateError:
	default:
		r.mu.Unlock()
		return fmt.Errorf("agent %s cannot start from %s", id, a.state)
	}
	a.state = StateStarting
	ref := a.cfg.CredentialRef
	r.mu.Unlock()
	r.publish(id, events.AgentStarting, "")

	if err := ctx.Err(); err != nil {
		r.MarkError(id, "activation cancelled")
		return err
	}
	if _, err := r.secrets.Get(ref); err != nil {
		r.MarkError(id, fmt.Sprintf("credential %s: %v", ref, err))
		return fmt.Errorf("agent %s: %w", id, err)
	}

	r.mu.Lock()
	a.state = StateIdle
	a.lastHealthy = r.now()
	a.idleSince = r.now()
	r.mu.Unlock()
	r.publish(id, events.AgentIdle, "")
	return nil
}

// PickRequest narrows agent selection.
type PickRequest struct {
	Role       Role
	PreferCaps []Capability
	ExcludeIDs []string
}

// Pick selects an agent: matching role, all preferred capabilities, not
// excluded, lowest priority, Idle (activating OnDemand agents that are
// only Registered), most-recently-healthy as the final tiebreak. The
// chosen agent is NOT reserved; callers follow up with MarkWorking.
func (r *Registry) Pick(ctx context.Context, req PickRequest) (Snapshot, error) {
	r.mu.Lock()
	excluded := make(map[string]bool, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		excluded[id] = true
	}

	var candidates []*agent
	for _, id := range r.order {
		a := r.agents[id]
		if !a.enabled || a.cfg.Role != req.Role || excluded[id] {
			continue
		}
		if !hasAllCaps(a.cfg, req.PreferCaps) {
			continue
		}
		switch a.state {
		case StateIdle:
		case StateRegistered, StateStopped:
			if a.cfg.Lifecycle != OnDemand {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, a)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].cfg.Priority != candidates[j].cfg.Priority {
			return candidates[i].cfg.Priority < candidates[j].cfg.Priority
		}
		return candidates[i].lastHealthy.After(candidates[j].lastHealthy)
	})

	var chosen *agent
	for _, c := range candidates {
		chosen = c
		break
	}
	if chosen == nil {
		r.mu.Unlock()
		return Snapshot{}, ErrNoAgent
	}
	id := chosen.cfg.ID
	needsActivation := chosen.state != StateIdle
	r.mu.Unlock()

	if needsActivation {
		if err := r.activate(ctx, id); err != nil {
			return Snapshot{}, err
		}
	}
	snap, ok := r.Get(id)
	if !ok || snap.State != StateIdle {
		return Snapshot{}, ErrNoAgent
	}
	return snap, nil
}

func hasAllCaps(cfg AgentConfig, caps []Capability) bool {
	for _, want := range caps {
		if !cfg.HasCapability(want) {
			return false
		}
	}
	return true
}

// MarkWorking binds a task to an Idle agent. At most one task holds an
// agent at a time.
func (r *Registry) MarkWorking(id, taskID string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown agent %q", id)
	}
	if a.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("agent %s is %s, not idle", id, a.state)
	}
	a.state = StateWorking
	a.taskID = taskID
	r.mu.Unlock()
	r.publishTask(id, events.AgentWorking, taskID)
	return nil
}

// MarkIdle releases an agent after its task reaches a terminal state.
func (r *Registry) MarkIdle(id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	a.state = StateIdle
	a.taskID = ""
	a.errReason = ""
	a.lastHealthy = r.now()
	a.idleSince = r.now()
	r.mu.Unlock()
	r.publish(id, events.AgentIdle, "")
}

// MarkError records an agent-level failure (not a task failure).
func (r *Registry) MarkError(id, reason string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	a.state = StateError
	a.taskID = ""
	a.errReason = reason
	r.mu.Unlock()
	r.publish(id, events.AgentError, reason)
}

// Restart recovers an agent from Error. The backoff schedule is
// 5s, 15s, 60s; beyond that only force succeeds. The returned duration
// is how long the caller must wait before the restart is attempted.
func (r *Registry) Restart(ctx context.Context, id string, force bool) (time.Duration, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("unknown agent %q", id)
	}
	if a.state != StateError {
		r.mu.Unlock()
		return 0, fmt.Errorf("agent %s is %s, not in error", id, a.state)
	}
	attempt := a.restarts
	if attempt >= len(restartBackoff) && !force {
		r.mu.Unlock()
		return 0, fmt.Errorf("agent %s exhausted automatic restarts; manual restart required", id)
	}
	a.restarts++
	r.mu.Unlock()
	metrics.AgentRestarts.WithLabelValues(id).Inc()

	var wait time.Duration
	if attempt < len(restartBackoff) {
		wait = restartBackoff[attempt]
	}
	if err := r.sleep(ctx, wait); err != nil {
		return wait, err
	}
	return wait, r.activate(ctx, id)
}

// Stop tears an agent down: Stopping then Stopped.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	a.state = StateStopping
	r.mu.Unlock()
	r.publish(id, events.AgentStopping, "")

	r.mu.Lock()
	a.state = StateStopped
	a.taskID = ""
	r.mu.Unlock()
	r.publish(id, events.AgentStopped, "")
}

// ReapIdle tears down OnDemand agents that outstayed their keep-warm
// window. Called on a slow timer by the supervisor.
func (r *Registry) ReapIdle() []string {
	r.mu.Lock()
	var expired []string
	for _, id := range r.order {
		a := r.agents[id]
		if a.cfg.Lifecycle != OnDemand || a.state != StateIdle {
			continue
		}
		if r.now().Sub(a.idleSince) >= a.cfg.IdleKeepalive() {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.Stop(id)
	}
	return expired
}

// SetEnabled flips an agent's admin-enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent %q", id)
	}
	a.enabled = enabled
	return nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(a), true
}

// List returns snapshots, optionally filtered by role.
func (r *Registry) List(role Role) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, id := range r.order {
		a := r.agents[id]
		if role != "" && a.cfg.Role != role {
			continue
		}
		out = append(out, snapshotOf(a))
	}
	return out
}

// AllIdle reports whether every AlwaysOn agent has reached Idle. Drives
// the readiness probe.
func (r *Registry) AllIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.cfg.Lifecycle == AlwaysOn && a.state != StateIdle && a.state != StateWorking {
			return false
		}
	}
	return true
}

// Healthy reports per-agent health: Idle (or Working) with a resolvable
// credential. Credential validation rides activation and MarkIdle rather
// than per-query.
func (r *Registry) Healthy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return false
	}
	return a.state == StateIdle || a.state == StateWorking
}

func snapshotOf(a *agent) Snapshot {
	return Snapshot{
		Config:      a.cfg,
		State:       a.state,
		TaskID:      a.taskID,
		ErrReason:   a.errReason,
		Enabled:     a.enabled,
		LastHealthy: a.lastHealthy,
	}
}

func (r *Registry) publish(id string, eventType events.EventType, errMsg string) {
	e := events.New(events.TopicAgentState, eventType).WithAgent(id)
	if errMsg != "" {
		e.Error = errMsg
	}
	r.bus.Publish(e)
}

func (r *Registry) publishTask(id string, eventType events.EventType, taskID string) {
	r.bus.Publish(events.New(events.TopicAgentState, eventType).WithAgent(id).WithTask(taskID))
}
