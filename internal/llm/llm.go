// Package llm abstracts the inference providers agents are bound to.
// The orchestrator never inspects provider identity beyond bounding a
// call with a timeout.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider identifies an inference backend.
type Provider string

const (
	// ProviderClaude uses the Claude CLI (default)
	ProviderClaude Provider = "claude"

	// ProviderCodex uses the OpenAI Codex CLI
	ProviderCodex Provider = "codex"
)

// Binding is the opaque handle carried by agent configs: a provider plus
// model parameters.
type Binding struct {
	Provider    Provider `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// Client is a single-call completion interface.
type Client interface {
	// Complete sends one prompt and returns the text response.
	// Implementations must respect context cancellation.
	Complete(ctx context.Context, prompt string) (string, error)

	// Name returns the provider identifier for logging.
	Name() Provider
}

// DefaultInferenceTimeout bounds any single sanity-check call.
const DefaultInferenceTimeout = 30 * time.Second

// FromBinding resolves a binding to a concrete client.
func FromBinding(b Binding) (Client, error) {
	switch b.Provider {
	case ProviderClaude, "":
		return newClaudeClient(b), nil
	case ProviderCodex:
		return newCodexClient(b), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", b.Provider)
	}
}
