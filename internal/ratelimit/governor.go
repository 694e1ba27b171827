package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agent-forge/forge/internal/metrics"
)

// State is the outcome kind of an acquire call.
type State int

const (
	// Permitted means the operation may proceed now.
	Permitted State = iota

	// Deferred means the caller must retry after RetryAfter. Callers
	// schedule a retry; they must not busy-loop.
	Deferred

	// Rejected means the operation must not be retried with the same
	// content (duplicate suppression).
	Rejected
)

// String returns the label used in logs and metrics.
func (s State) String() string {
	switch s {
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "permitted"
	}
}

// Result is the outcome of an acquire call.
type Result struct {
	State      State
	RetryAfter time.Duration
	Reason     string
}

// Request describes one outbound operation.
type Request struct {
	Account string
	Class   Class

	// Target scopes duplicate suppression, e.g. "ex/r#42".
	Target string

	// ContentFingerprint is a hash of the outbound body. Empty disables
	// duplicate suppression for this call.
	ContentFingerprint string

	// Bypass skips throttling but still counts the operation. Used by
	// internal read paths.
	Bypass bool
}

// Governor enforces per-(account, class) ceilings, cooldowns, a burst cap
// and duplicate suppression. Safe for concurrent use; each account has
// its own critical section.
type Governor struct {
	cfg Config

	mu       sync.Mutex
	accounts map[string]*accountLedger

	// now is injectable for tests
	now func() time.Time
}

type accountLedger struct {
	mu      sync.Mutex
	classes map[Class]*classLedger
	burst   *rate.Limiter
	recent  map[dupeKey]time.Time
}

type classLedger struct {
	grants []time.Time
	lastOp time.Time
}

type dupeKey struct {
	target      string
	fingerprint string
}

// NewGovernor creates a governor with the given policy set.
func NewGovernor(cfg Config) *Governor {
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = DefaultConfig().DuplicateWindow
	}
	if cfg.BurstPerMinute == 0 {
		cfg.BurstPerMinute = DefaultConfig().BurstPerMinute
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultConfig().Policies
	}
	return &Governor{
		cfg:      cfg,
		accounts: make(map[string]*accountLedger),
		now:      time.Now,
	}
}

// Acquire checks the request against every gate, in order: cooldown,
// windows, burst, duplicate set. The first failing gate decides the
// result. A permitted (or bypassed) operation is recorded in the ledger.
func (g *Governor) Acquire(req Request) Result {
	res := g.acquire(req)
	metrics.GovernorDecisions.WithLabelValues(string(req.Class), res.State.String()).Inc()
	return res
}

func (g *Governor) acquire(req Request) Result {
	now := g.now()
	acct := g.account(req.Account)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	cl, ok := acct.classes[req.Class]
	if !ok {
		cl = &classLedger{}
		acct.classes[req.Class] = cl
	}
	cl.prune(now)
	policy := g.cfg.Policies[req.Class]

	if !req.Bypass {
		// Cooldown dominates windows: a hard spacing violation is
		// reported before any ceiling.
		if policy.Cooldown > 0 && !cl.lastOp.IsZero() {
			if wait := policy.Cooldown - now.Sub(cl.lastOp); wait > 0 {
				return Result{State: Deferred, RetryAfter: wait, Reason: "cooldown"}
			}
		}

		if res, ok := cl.checkWindow(now, time.Minute, policy.PerMinute); !ok {
			return res
		}
		if res, ok := cl.checkWindow(now, time.Hour, policy.PerHour); !ok {
			return res
		}
		if res, ok := cl.checkWindow(now, 24*time.Hour, policy.PerDay); !ok {
			return res
		}

		if req.Class.Mutating() && !acct.burst.AllowN(now, 1) {
			return Result{State: Deferred, RetryAfter: time.Minute / time.Duration(g.cfg.BurstPerMinute), Reason: "burst"}
		}

		// Duplicate suppression is evaluated last so a hard rate limit
		// is reported first.
		if req.ContentFingerprint != "" {
			key := dupeKey{target: req.Target, fingerprint: req.ContentFingerprint}
			if seen, ok := acct.recent[key]; ok && now.Sub(seen) < g.cfg.DuplicateWindow {
				return Result{State: Rejected, Reason: "duplicate"}
			}
		}
	}

	cl.grants = append(cl.grants, now)
	cl.lastOp = now
	if req.ContentFingerprint != "" {
		acct.pruneRecent(now, g.cfg.DuplicateWindow)
		acct.recent[dupeKey{target: req.Target, fingerprint: req.ContentFingerprint}] = now
	}
	return Result{State: Permitted}
}

func (g *Governor) account(name string) *accountLedger {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[name]
	if !ok {
		acct = &accountLedger{
			classes: make(map[Class]*classLedger),
			burst:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.cfg.BurstPerMinute)), g.cfg.BurstPerMinute),
			recent:  make(map[dupeKey]time.Time),
		}
		g.accounts[name] = acct
	}
	return acct
}

// checkWindow returns ok=false with a Deferred result when the sliding
// window already holds `limit` grants. RetryAfter is the time until the
// oldest in-window grant ages out.
func (cl *classLedger) checkWindow(now time.Time, window time.Duration, limit int) (Result, bool) {
	if limit <= 0 {
		return Result{}, true
	}
	cutoff := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, ts := range cl.grants {
		if ts.After(cutoff) {
			if count == 0 {
				oldest = ts
			}
			count++
		}
	}
	if count < limit {
		return Result{}, true
	}
	return Result{
		State:      Deferred,
		RetryAfter: oldest.Add(window).Sub(now),
		Reason:     "window",
	}, false
}

// prune drops grants older than the longest window tracked.
func (cl *classLedger) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(cl.grants); i++ {
		if cl.grants[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		cl.grants = append(cl.grants[:0], cl.grants[i:]...)
	}
}

func (a *accountLedger) pruneRecent(now time.Time, window time.Duration) {
	for key, seen := range a.recent {
		if now.Sub(seen) >= window {
			delete(a.recent, key)
		}
	}
}
