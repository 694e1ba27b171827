package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/work"
)

// Options configures the git workspace.
type Options struct {
	// Dir is the base directory holding one clone per repository.
	Dir string

	// RemoteURL builds the clone/push URL for a repository. The default
	// is the anonymous HTTPS URL; production wiring embeds a token.
	RemoteURL func(repo work.Repo) string

	// Runner overrides command execution (tests).
	Runner Runner

	Logger *logrus.Logger
}

// Git owns the local clones.
type Git struct {
	dir       string
	remoteURL func(repo work.Repo) string
	run       Runner
	log       *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the workspace manager.
func New(opts Options) *Git {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	runner := opts.Runner
	if runner == nil {
		runner = osRunner{}
	}
	remoteURL := opts.RemoteURL
	if remoteURL == nil {
		remoteURL = func(repo work.Repo) string {
			return "https://github.com/" + repo.String() + ".git"
		}
	}
	return &Git{
		dir:       opts.Dir,
		remoteURL: remoteURL,
		run:       runner,
		log:       logger.WithField("component", "gitops"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// repoLock serializes operations per clone.
func (g *Git) repoLock(repo work.Repo) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := repo.String()
	if g.locks[key] == nil {
		g.locks[key] = &sync.Mutex{}
	}
	return g.locks[key]
}

func (g *Git) repoDir(repo work.Repo) string {
	return filepath.Join(g.dir, repo.Owner, repo.Name)
}

// ensure clones the repository on first use and refreshes the remote.
func (g *Git) ensure(ctx context.Context, repo work.Repo) (string, error) {
	dir := g.repoDir(repo)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create clone dir: %w", err)
		}
		if _, err := g.run.Exec(ctx, dir, "clone", g.remoteURL(repo), "."); err != nil {
			return "", err
		}
	}
	if _, err := g.run.Exec(ctx, dir, "fetch", "--prune", "origin"); err != nil {
		return "", err
	}
	return dir, nil
}

// AutoResolve rebases the PR branch onto its base and force-pushes. A
// conflicted rebase is aborted and surfaced; the watcher then parks the
// PR as draft instead.
func (g *Git) AutoResolve(ctx context.Context, repo work.Repo, pr github.PullRequest) error {
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	dir, err := g.ensure(ctx, repo)
	if err != nil {
		return err
	}
	if _, err := g.run.Exec(ctx, dir,
		"checkout", "-B", pr.HeadRef, "origin/"+pr.HeadRef); err != nil {
		return err
	}
	if _, err := g.run.Exec(ctx, dir, "rebase", "origin/"+pr.BaseRef); err != nil {
		if _, abortErr := g.run.Exec(ctx, dir, "rebase", "--abort"); abortErr != nil {
			g.log.WithError(abortErr).Warn("rebase abort failed")
		}
		return fmt.Errorf("rebase %s onto %s: %w", pr.HeadRef, pr.BaseRef, err)
	}
	if _, err := g.run.Exec(ctx, dir,
		"push", "--force-with-lease", "origin", pr.HeadRef); err != nil {
		return err
	}
	g.log.WithFields(logrus.Fields{
		"repo": repo.String(), "pr": pr.Number, "branch": pr.HeadRef,
	}).Info("rebased and pushed")
	return nil
}

// probeResult is what a trial merge observes.
type probeResult struct {
	ConflictedFiles int
	ConflictMarkers int
	CommitsBehind   int
}

// probe checks out the PR head detached, measures how far it trails the
// base, and trial-merges the base to count real conflicts. The merge is
// always aborted; the clone never keeps probe state.
func (g *Git) probe(ctx context.Context, repo work.Repo, pr github.PullRequest) (probeResult, error) {
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	var res probeResult
	dir, err := g.ensure(ctx, repo)
	if err != nil {
		return res, err
	}
	if _, err := g.run.Exec(ctx, dir,
		"checkout", "--detach", "origin/"+pr.HeadRef); err != nil {
		return res, err
	}

	if out, err := g.run.Exec(ctx, dir,
		"rev-list", "--count", "HEAD..origin/"+pr.BaseRef); err == nil {
		res.CommitsBehind, _ = strconv.Atoi(strings.TrimSpace(out))
	}

	_, mergeErr := g.run.Exec(ctx, dir,
		"merge", "--no-commit", "--no-ff", "origin/"+pr.BaseRef)
	if mergeErr != nil {
		if out, err := g.run.Exec(ctx, dir,
			"diff", "--name-only", "--diff-filter=U"); err == nil {
			files := splitLines(out)
			res.ConflictedFiles = len(files)
			res.ConflictMarkers = g.countMarkers(ctx, dir, files)
		}
	}
	if _, err := g.run.Exec(ctx, dir, "merge", "--abort"); err != nil {
		g.log.WithError(err).Debug("merge abort after probe")
	}
	return res, nil
}

// countMarkers sums conflict markers across the given files. grep exits
// non-zero when nothing matches, which counts as zero.
func (g *Git) countMarkers(ctx context.Context, dir string, files []string) int {
	if len(files) == 0 {
		return 0
	}
	args := append([]string{"grep", "-c", "<<<<<<<", "--"}, files...)
	out, err := g.run.Exec(ctx, dir, args...)
	if err != nil {
		return 0
	}
	total := 0
	for _, line := range splitLines(out) {
		if idx := strings.LastIndex(line, ":"); idx >= 0 {
			n, _ := strconv.Atoi(line[idx+1:])
			total += n
		}
	}
	return total
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
