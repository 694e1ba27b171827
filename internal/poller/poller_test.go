package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/claim"
	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/gateway"
	"github.com/agent-forge/forge/internal/work"
)

type fakeSource struct {
	mu    sync.Mutex
	items []work.Item
	calls int
	err   error
}

func (f *fakeSource) OpenIssues(_ context.Context, _ work.Repo, _ []string) ([]work.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]work.Item(nil), f.items...), f.err
}

type fakeClaimer struct {
	mu      sync.Mutex
	results map[int]claim.Result
	err     error
	tried   []int
}

func (f *fakeClaimer) TryClaim(_ context.Context, item work.Item, _ string) (claim.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tried = append(f.tried, item.Number)
	if f.err != nil {
		return claim.Result{}, f.err
	}
	if res, ok := f.results[item.Number]; ok {
		return res, nil
	}
	return claim.Result{State: claim.Owned, Owner: "orchestrator"}, nil
}

type fakeDecider struct {
	mu      sync.Mutex
	decided []int
}

func (f *fakeDecider) Decide(_ context.Context, item work.Item) (gateway.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decided = append(f.decided, item.Number)
	return gateway.Decision{Class: gateway.Simple}, nil
}

type fakeSink struct {
	mu         sync.Mutex
	dispatched []int
	running    map[work.Fingerprint]bool
}

func (f *fakeSink) Dispatch(_ context.Context, item work.Item, _ gateway.Class) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, item.Number)
	return nil
}

func (f *fakeSink) Running(key work.Fingerprint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[key]
}

type fakeRecovery struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecovery) RecoverDrafts(_ context.Context, _ work.Repo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

var testRepo = Repo{
	Repo:        work.Repo{Owner: "ex", Name: "r"},
	WatchLabels: []string{"agent-ready"},
	SkipLabels:  []string{"wip"},
}

func issue(n int, labels ...string) work.Item {
	return work.Item{
		Repo:   work.Repo{Owner: "ex", Name: "r"},
		Number: n,
		Labels: labels,
		State:  work.StateOpen,
	}
}

func newTestPoller(src Source, c Claimer, dec Decider, sink Sink, rec Recovery) *Poller {
	return New(Options{
		Repos:    []Repo{testRepo},
		Source:   src,
		Claimer:  c,
		Decider:  dec,
		Sink:     sink,
		Recovery: rec,
		Claimant: "orchestrator",
	})
}

func TestSweepDispatchesOwnedIssues(t *testing.T) {
	src := &fakeSource{items: []work.Item{issue(1, "agent-ready"), issue(2, "agent-ready")}}
	claimer := &fakeClaimer{}
	decider := &fakeDecider{}
	sink := &fakeSink{running: map[work.Fingerprint]bool{}}

	p := newTestPoller(src, claimer, decider, sink, nil)
	p.Sweep(context.Background(), testRepo)

	assert.Equal(t, []int{1, 2}, claimer.tried)
	assert.Equal(t, []int{1, 2}, decider.decided)
	assert.Equal(t, []int{1, 2}, sink.dispatched)
}

func TestSweepSkipsClosedAndSkipLabeled(t *testing.T) {
	closed := issue(3, "agent-ready")
	closed.State = work.StateClosed
	src := &fakeSource{items: []work.Item{
		issue(1, "agent-ready"),
		issue(2, "agent-ready", "wip"),
		closed,
	}}
	claimer := &fakeClaimer{}
	sink := &fakeSink{running: map[work.Fingerprint]bool{}}

	p := newTestPoller(src, claimer, &fakeDecider{}, sink, nil)
	p.Sweep(context.Background(), testRepo)

	assert.Equal(t, []int{1}, claimer.tried)
}

func TestSweepSkipsTakenIssues(t *testing.T) {
	src := &fakeSource{items: []work.Item{issue(1, "agent-ready")}}
	claimer := &fakeClaimer{results: map[int]claim.Result{
		1: {State: claim.Taken, Owner: "other-fleet"},
	}}
	decider := &fakeDecider{}
	sink := &fakeSink{running: map[work.Fingerprint]bool{}}

	p := newTestPoller(src, claimer, decider, sink, nil)
	p.Sweep(context.Background(), testRepo)

	assert.Empty(t, decider.decided)
	assert.Empty(t, sink.dispatched)
}

func TestSweepRebindsAlreadyOwned(t *testing.T) {
	// Restart recovery: a surviving claim re-binds without a new claim.
	src := &fakeSource{items: []work.Item{issue(13, "agent-ready")}}
	claimer := &fakeClaimer{results: map[int]claim.Result{
		13: {State: claim.AlreadyOwned, Owner: "orchestrator"},
	}}
	decider := &fakeDecider{}
	sink := &fakeSink{running: map[work.Fingerprint]bool{}}

	p := newTestPoller(src, claimer, decider, sink, nil)
	p.Sweep(context.Background(), testRepo)

	assert.Equal(t, []int{13}, sink.dispatched)
}

func TestSweepSkipsRunningItemsWithoutClaimTraffic(t *testing.T) {
	item := issue(1, "agent-ready")
	src := &fakeSource{items: []work.Item{item}}
	claimer := &fakeClaimer{}
	sink := &fakeSink{running: map[work.Fingerprint]bool{item.Key(): true}}

	p := newTestPoller(src, claimer, &fakeDecider{}, sink, nil)
	p.Sweep(context.Background(), testRepo)

	assert.Empty(t, claimer.tried, "no API calls for in-flight items")
}

func TestSweepTickIdempotentOverTerminalStates(t *testing.T) {
	src := &fakeSource{items: []work.Item{issue(1, "agent-ready")}}
	claimer := &fakeClaimer{results: map[int]claim.Result{
		1: {State: claim.Taken, Owner: "other"},
	}}
	sink := &fakeSink{running: map[work.Fingerprint]bool{}}

	p := newTestPoller(src, claimer, &fakeDecider{}, sink, nil)
	for i := 0; i < 3; i++ {
		p.Sweep(context.Background(), testRepo)
	}
	assert.Empty(t, sink.dispatched, "taken issues never dispatch, tick after tick")
}

func TestSweepClaimErrorContinues(t *testing.T) {
	src := &fakeSource{items: []work.Item{issue(1, "agent-ready")}}
	claimer := &fakeClaimer{err: errors.New("rate limited")}
	sink := &fakeSink{running: map[work.Fingerprint]bool{}}

	p := newTestPoller(src, claimer, &fakeDecider{}, sink, nil)
	p.Sweep(context.Background(), testRepo)

	assert.Empty(t, sink.dispatched)
}

func TestSweepRunsDraftRecoveryPass(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecovery{}
	p := newTestPoller(src, &fakeClaimer{}, &fakeDecider{}, &fakeSink{running: map[work.Fingerprint]bool{}}, rec)

	p.Sweep(context.Background(), testRepo)
	assert.Equal(t, 1, rec.calls)
}

func TestSweepPublishesTickEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(16, events.TopicPollingTick)

	src := &fakeSource{items: []work.Item{issue(1, "agent-ready")}}
	p := New(Options{
		Repos:   []Repo{testRepo},
		Source:  src,
		Claimer: &fakeClaimer{},
		Decider: &fakeDecider{},
		Sink:    &fakeSink{running: map[work.Fingerprint]bool{}},
		Bus:     bus,
	})
	p.Sweep(context.Background(), testRepo)

	var types []events.EventType
	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub.Events():
			types = append(types, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("missing tick event")
		}
	}
	assert.Equal(t, []events.EventType{
		events.PollTickStarted, events.IssueAcquired, events.PollTickCompleted,
	}, types)
}

func TestRunTicksEachRepoIndependently(t *testing.T) {
	src := &fakeSource{}
	fast := testRepo
	fast.Interval = 20 * time.Millisecond

	p := New(Options{
		Repos:   []Repo{fast},
		Source:  src,
		Claimer: &fakeClaimer{},
		Decider: &fakeDecider{},
		Sink:    &fakeSink{running: map[work.Fingerprint]bool{}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2, "ticker fired repeatedly")
}
