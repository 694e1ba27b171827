package prwatch

import (
	"context"
	"strings"
	"time"

	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/work"
)

// FilesAPI lists the files a PR touches.
type FilesAPI interface {
	ListPullFiles(ctx context.Context, repo work.Repo, number int) ([]github.PullFile, error)
}

// APIInspector derives conflict signals from the REST surface alone:
// touched files, line counts, PR age and the core-path overlap. Signals
// that need a local merge probe (conflicted files, markers, commits
// behind) stay zero, which keeps scores conservative.
type APIInspector struct {
	Files FilesAPI

	// CorePaths are path prefixes that mark core files. Empty means no
	// file adds the core weight.
	CorePaths []string

	Now func() time.Time
}

// Inspect fills what the API can see.
func (i APIInspector) Inspect(ctx context.Context, repo work.Repo, pr github.PullRequest) (ConflictSignals, error) {
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}

	var s ConflictSignals
	s.AgeDays = int(now().Sub(pr.CreatedAt).Hours() / 24)

	files, err := i.Files.ListPullFiles(ctx, repo, pr.Number)
	if err != nil {
		return ConflictSignals{}, err
	}
	for _, f := range files {
		s.LinesAffected += f.Additions + f.Deletions
		if i.isCore(f.Name) {
			s.CoreFileTouched = true
		}
	}
	return s, nil
}

func (i APIInspector) isCore(name string) bool {
	for _, prefix := range i.CorePaths {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
