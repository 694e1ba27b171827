package poller

import (
	"context"
	"time"

	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/work"
)

// ClientSource adapts the GitHub client's lazy issue iterator to the
// Source interface by draining it.
type ClientSource struct {
	Client *github.Client
}

// OpenIssues lists open issues carrying any of the watch labels.
func (s ClientSource) OpenIssues(ctx context.Context, repo work.Repo, labels []string) ([]work.Item, error) {
	iter := s.Client.ListIssues(ctx, repo, labels, time.Time{})
	var items []work.Item
	for iter.Next() {
		items = append(items, iter.Item())
	}
	return items, iter.Err()
}
