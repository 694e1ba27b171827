package gitops

import (
	"context"

	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/prwatch"
	"github.com/agent-forge/forge/internal/work"
)

// Inspector layers merge-probe signals over an inner inspector. The
// inner pass fills what the REST API exposes (size, age, core paths);
// the probe fills what only a local merge can see. A failed probe
// degrades to the inner signals rather than blocking evaluation.
type Inspector struct {
	Git   *Git
	Inner prwatch.Inspector
}

// Inspect implements prwatch.Inspector.
func (i *Inspector) Inspect(ctx context.Context, repo work.Repo, pr github.PullRequest) (prwatch.ConflictSignals, error) {
	var sig prwatch.ConflictSignals
	if i.Inner != nil {
		var err error
		sig, err = i.Inner.Inspect(ctx, repo, pr)
		if err != nil {
			return sig, err
		}
	}

	probe, err := i.Git.probe(ctx, repo, pr)
	if err != nil {
		i.Git.log.WithError(err).WithField("pr", pr.Number).
			Warn("merge probe failed, scoring on API signals only")
		return sig, nil
	}
	sig.ConflictedFiles = probe.ConflictedFiles
	sig.ConflictMarkers = probe.ConflictMarkers
	sig.CommitsBehind = probe.CommitsBehind
	return sig, nil
}
