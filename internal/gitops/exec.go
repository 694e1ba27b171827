// Package gitops runs the local git operations behind conflict probing
// and automatic rebase recovery. Each watched repository gets one clone
// under the work directory; operations on the same clone are serialized.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Runner executes git commands.
type Runner interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

// osRunner executes real git commands via exec.CommandContext.
type osRunner struct{}

func (osRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w\nstderr: %s",
			redact(strings.Join(args, " ")), err, redact(stderr.String()))
	}
	return stdout.String(), nil
}

// remoteCredRe matches userinfo embedded in a remote URL, the form the
// supervisor builds for authenticated clones.
var remoteCredRe = regexp.MustCompile(`://[^@/\s]+@`)

// redact strips credentials from text destined for errors and logs.
// Remote URLs appear both in our own arg lists and in git's stderr.
func redact(s string) string {
	return remoteCredRe.ReplaceAllString(s, "://****@")
}
