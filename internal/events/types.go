package events

import (
	"fmt"
	"strings"
	"time"
)

// Topic is the coarse routing key subscribers filter on.
type Topic string

// Topics carried by the bus. Log topics are hierarchical; a subscriber
// filter of "log.*" matches every log subtopic.
const (
	TopicAgentState      Topic = "agent.state"
	TopicTaskProgress    Topic = "task.progress"
	TopicPollingTick     Topic = "polling.tick"
	TopicGatewayDecision Topic = "gateway.decision"
	TopicPREvent         Topic = "pr.event"
	TopicLog             Topic = "log"
	TopicHeartbeat       Topic = "_heartbeat"
)

// EventType identifies what happened within a topic.
type EventType string

// Agent lifecycle events (topic agent.state)
const (
	AgentRegistered EventType = "agent.registered"
	AgentStarting   EventType = "agent.starting"
	AgentIdle       EventType = "agent.idle"
	AgentWorking    EventType = "agent.working"
	AgentError      EventType = "agent.error"
	AgentStopping   EventType = "agent.stopping"
	AgentStopped    EventType = "agent.stopped"
)

// Task lifecycle events (topic task.progress)
const (
	TaskStarted          EventType = "task.started"
	TaskProgress         EventType = "task.progress"
	TaskSucceeded        EventType = "task.succeeded"
	TaskFailed           EventType = "task.failed"
	TaskCancelled        EventType = "task.cancelled"
	TaskEscalated        EventType = "task.escalated"
	EscalationRequested  EventType = "task.escalation.requested"
	TaskNoAgentAvailable EventType = "task.no_agent"
)

// Polling events (topic polling.tick)
const (
	PollTickStarted   EventType = "polling.tick.started"
	PollTickCompleted EventType = "polling.tick.completed"
	PollTickCoalesced EventType = "polling.tick.coalesced"
	IssueAcquired     EventType = "polling.issue.acquired"
	IssueSkipped      EventType = "polling.issue.skipped"
)

// Gateway events (topic gateway.decision)
const (
	DecisionMade   EventType = "gateway.decision.made"
	DecisionCached EventType = "gateway.decision.cached"
)

// PR lifecycle events (topic pr.event)
const (
	PRDiscovered    EventType = "pr.discovered"
	PRConflictFound EventType = "pr.conflict.found"
	PRMarkedDraft   EventType = "pr.marked.draft"
	PRReadyAgain    EventType = "pr.ready.again"
	PRClosedStale   EventType = "pr.closed.stale"
	PRReviewQueued  EventType = "pr.review.queued"
)

// Event is a single occurrence in the orchestrator lifecycle.
type Event struct {
	// Topic is the routing key the bus fans out on
	Topic Topic `json:"topic"`

	// Type identifies what happened
	Type EventType `json:"type,omitempty"`

	// Time is when the event occurred (set by the bus on publish)
	Time time.Time `json:"ts"`

	// Agent is the agent ID this event relates to (empty for service events)
	Agent string `json:"agent,omitempty"`

	// Repo is "owner/name" when the event relates to a repository
	Repo string `json:"repo,omitempty"`

	// Issue is the issue number (nil if not issue-related)
	Issue *int `json:"issue,omitempty"`

	// PR is the pull request number (nil if not PR-related)
	PR *int `json:"pr,omitempty"`

	// TaskID is the ULID of the related task, if any
	TaskID string `json:"task_id,omitempty"`

	// Payload contains event-specific data (type varies by event)
	Payload any `json:"payload,omitempty"`

	// Error contains an error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// New creates an event with the given topic and type.
func New(topic Topic, eventType EventType) Event {
	return Event{Topic: topic, Type: eventType}
}

// WithAgent returns a copy of the event with the agent ID set.
func (e Event) WithAgent(id string) Event {
	e.Agent = id
	return e
}

// WithRepo returns a copy of the event with the repository set.
func (e Event) WithRepo(owner, name string) Event {
	e.Repo = owner + "/" + name
	return e
}

// WithIssue returns a copy of the event with the issue number set.
func (e Event) WithIssue(n int) Event {
	e.Issue = &n
	return e
}

// WithPR returns a copy of the event with the PR number set.
func (e Event) WithPR(n int) Event {
	e.PR = &n
	return e
}

// WithTask returns a copy of the event with the task ID set.
func (e Event) WithTask(id string) Event {
	e.TaskID = id
	return e
}

// WithPayload returns a copy of the event with the payload set.
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type.
func (e Event) IsFailure() bool {
	return e.Error != "" || strings.HasSuffix(string(e.Type), ".failed") ||
		strings.HasSuffix(string(e.Type), ".error")
}

// String returns a human-readable representation of the event.
func (e Event) String() string {
	parts := []string{fmt.Sprintf("[%s]", e.Type)}
	if e.Agent != "" {
		parts = append(parts, e.Agent)
	}
	if e.Repo != "" {
		parts = append(parts, e.Repo)
	}
	if e.Issue != nil {
		parts = append(parts, fmt.Sprintf("issue=#%d", *e.Issue))
	}
	if e.PR != nil {
		parts = append(parts, fmt.Sprintf("pr=#%d", *e.PR))
	}
	return strings.Join(parts, " ")
}

// Matches reports whether the event's topic matches a subscriber filter.
// A filter of "log.*" (or bare "log") matches any log subtopic; the empty
// filter matches everything.
func (e Event) Matches(filter Topic) bool {
	if filter == "" {
		return true
	}
	f := string(filter)
	t := string(e.Topic)
	if strings.HasSuffix(f, ".*") {
		prefix := strings.TrimSuffix(f, ".*")
		return t == prefix || strings.HasPrefix(t, prefix+".")
	}
	return t == f
}
