package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// execClient shells out to a provider CLI in non-interactive mode.
type execClient struct {
	provider Provider
	command  string
	args     []string
}

func newClaudeClient(b Binding) *execClient {
	args := []string{"-p"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	return &execClient{provider: ProviderClaude, command: "claude", args: args}
}

func newCodexClient(b Binding) *execClient {
	args := []string{"exec", "--quiet"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	if b.MaxTokens > 0 {
		args = append(args, "--max-tokens", strconv.Itoa(b.MaxTokens))
	}
	return &execClient{provider: ProviderCodex, command: "codex", args: args}
}

// Complete runs the CLI with the prompt on stdin and captures stdout.
func (c *execClient) Complete(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = bytes.NewBufferString(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s failed: %w: %s", c.command, err, stderr.String())
	}
	return stdout.String(), nil
}

func (c *execClient) Name() Provider { return c.provider }
