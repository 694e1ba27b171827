// Package metrics holds the prometheus collectors exported at /metrics
// on the monitor server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollSweeps counts completed polling sweeps per repository.
	PollSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_poll_sweeps_total",
		Help: "Completed polling sweeps per repository",
	}, []string{"repo"})

	// PollCoalesced counts ticks skipped because the previous sweep of
	// the same repository was still running.
	PollCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_poll_ticks_coalesced_total",
		Help: "Poll ticks coalesced into a still-running sweep",
	}, []string{"repo"})

	// PollIssuesSeen counts issues surviving label filtering per sweep.
	PollIssuesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_poll_issues_seen_total",
		Help: "Issues surviving watch/skip label filtering",
	}, []string{"repo"})

	// ClaimAttempts counts claim attempts by outcome
	// (owned, already_owned, taken, error).
	ClaimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_claim_attempts_total",
		Help: "Claim protocol attempts by outcome",
	}, []string{"outcome"})

	// SweepDuration tracks how long one repository sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_poll_sweep_duration_seconds",
		Help:    "Duration of one repository polling sweep",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// GatewayDecisions counts routing decisions by class.
	GatewayDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_gateway_decisions_total",
		Help: "Gateway routing decisions by class and source (scored or cached)",
	}, []string{"class", "source"})

	// TasksTerminal counts tasks reaching a terminal status.
	TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tasks_terminal_total",
		Help: "Tasks reaching a terminal status",
	}, []string{"status"})

	// TasksInFlight tracks currently running tasks.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_tasks_in_flight",
		Help: "Currently running tasks",
	})

	// TaskDuration tracks wall-clock task execution time.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_task_duration_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// GovernorDecisions counts rate governor outcomes per class.
	GovernorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_governor_decisions_total",
		Help: "Rate governor outcomes (permitted, deferred, rejected) per class",
	}, []string{"class", "state"})

	// BusDropped counts events dropped by slow bus subscribers.
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_bus_dropped_events_total",
		Help: "Events dropped because a subscriber buffer overflowed",
	})

	// MonitorSubscribers tracks connected /events stream clients.
	MonitorSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_monitor_subscribers",
		Help: "Currently connected monitor stream clients",
	})

	// PRConflictScore records conflict scores at evaluation time.
	PRConflictScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_pr_conflict_score",
		Help:    "Conflict scores computed by the PR watcher",
		Buckets: prometheus.LinearBuckets(0, 5, 12),
	})

	// AgentRestarts counts registry restart attempts per agent.
	AgentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_agent_restarts_total",
		Help: "Agent restart attempts",
	}, []string{"agent"})
)
