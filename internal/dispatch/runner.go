package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/llm"
)

// Escalation triggers an agent may raise mid-execution. A runner that
// detects one returns StatusEscalated with the trigger as the reason.
const (
	EscalateTooManyFiles      = "more than 5 files touched"
	EscalateTooManyComponents = "more than 3 components affected"
	EscalateRepeatedFailures  = "2 or more tool failures"
	EscalateStuck             = "no progress for 30 minutes"
	EscalateScopeChange       = "architecture-scope change detected"
)

// LLMRunner executes tasks through the agent's bound inference CLI.
// It is the default runner; tests and richer agent harnesses swap in
// their own.
type LLMRunner struct {
	log *logrus.Entry
}

// NewLLMRunner creates the default runner.
func NewLLMRunner(logger *logrus.Logger) *LLMRunner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LLMRunner{log: logger.WithField("component", "runner")}
}

// Execute resolves the agent's binding and runs one completion over the
// task. Cancellation surfaces as StatusCancelled; other errors are task
// failures, never agent errors.
func (r *LLMRunner) Execute(ctx context.Context, task Task, progress func(msg string)) Outcome {
	client, err := llm.FromBinding(task.Agent.LLM)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error()}
	}

	progress("starting " + string(task.Kind) + " via " + string(client.Name()))
	out, err := client.Complete(ctx, taskPrompt(task))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Status: StatusCancelled}
		}
		return Outcome{Status: StatusFailed, Reason: failureClass(err)}
	}

	progress("completed, " + fmt.Sprintf("%d bytes of output", len(out)))
	return Outcome{Status: StatusSucceeded}
}

func taskPrompt(task Task) string {
	var b strings.Builder
	switch task.Kind {
	case KindReview:
		fmt.Fprintf(&b, "Review pull request #%d in %s: %s\n", task.PRNumber, task.Item.Repo, task.Item.Title)
	default:
		fmt.Fprintf(&b, "Work on issue #%d in %s (%s classification)\n", task.Item.Number, task.Item.Repo, task.Class)
		fmt.Fprintf(&b, "Title: %s\n\n%s\n", task.Item.Title, task.Item.Body)
	}
	return b.String()
}

// failureClass reduces an execution error to a short class suitable for
// an issue comment.
func failureClass(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, ':'); idx > 0 {
		return msg[:idx]
	}
	if len(msg) > 80 {
		return msg[:80]
	}
	return msg
}
