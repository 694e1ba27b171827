package dispatch

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agent-forge/forge/internal/gateway"
	"github.com/agent-forge/forge/internal/registry"
	"github.com/agent-forge/forge/internal/work"
)

// Status is a task's lifecycle state. Terminal statuses never change.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusEscalated Status = "escalated"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusRunning }

// Kind distinguishes issue work from PR review work.
type Kind string

const (
	KindIssue  Kind = "issue"
	KindReview Kind = "review"
)

// Task is a live binding of an agent to a work item under a routing
// decision.
type Task struct {
	ID       string
	Kind     Kind
	Item     work.Item
	PRNumber int
	Class    gateway.Class
	Agent    registry.AgentConfig
	Status   Status
	Reason   string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Outcome is what a runner reports when execution ends.
type Outcome struct {
	Status Status
	Reason string
}

func newTaskID() string {
	return ulid.Make().String()
}
