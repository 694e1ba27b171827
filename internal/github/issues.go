package github

import (
	"context"
	"time"

	gh "github.com/google/go-github/v75/github"

	"github.com/agent-forge/forge/internal/work"
)

const issuePageSize = 100

// ListIssues returns a lazy iterator over open issues matching ANY of the
// given labels. GitHub's label filter is AND, so one query is issued per
// label; results are deduplicated by issue number in first-seen order.
// With no labels a single unfiltered query is issued.
func (c *Client) ListIssues(ctx context.Context, repo work.Repo, labels []string, since time.Time) *IssueIter {
	queries := labels
	if len(queries) == 0 {
		queries = []string{""}
	}
	return &IssueIter{
		ctx:     ctx,
		client:  c,
		repo:    repo,
		queries: queries,
		since:   since,
		page:    1,
		seen:    make(map[int]bool),
	}
}

// IssueIter walks issue pages lazily, following rel=next until exhausted
// or until the caller stops calling Next.
type IssueIter struct {
	ctx     context.Context
	client  *Client
	repo    work.Repo
	queries []string
	since   time.Time

	query int
	page  int
	seen  map[int]bool

	buf  []work.Item
	item work.Item
	err  error
	done bool
}

// Next advances to the next deduplicated issue. It returns false at the
// end of the result set or on error; check Err afterwards.
func (it *IssueIter) Next() bool {
	if it.done {
		return false
	}
	for {
		if len(it.buf) > 0 {
			it.item = it.buf[0]
			it.buf = it.buf[1:]
			return true
		}
		if !it.fetch() {
			it.done = true
			return false
		}
	}
}

// Item returns the current issue.
func (it *IssueIter) Item() work.Item { return it.item }

// Err returns the first error encountered, if any.
func (it *IssueIter) Err() error { return it.err }

// fetch loads the next page into the buffer, moving to the next label
// query when the current one is exhausted. Returns false when every
// query is drained or an error occurred.
func (it *IssueIter) fetch() bool {
	for it.query < len(it.queries) {
		opts := &gh.IssueListByRepoOptions{
			State:       "open",
			Since:       it.since,
			ListOptions: gh.ListOptions{Page: it.page, PerPage: issuePageSize},
		}
		if label := it.queries[it.query]; label != "" {
			opts.Labels = []string{label}
		}

		var issues []*gh.Issue
		var nextPage int
		err := it.client.read(it.ctx, it.repo.String(), func(ctx context.Context) error {
			page, resp, err := it.client.gh.Issues.ListByRepo(ctx, it.repo.Owner, it.repo.Name, opts)
			if err != nil {
				return err
			}
			issues = page
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			it.err = err
			return false
		}

		for _, issue := range issues {
			// The issues API also returns PRs; the poller only wants issues
			if issue.IsPullRequest() {
				continue
			}
			if it.seen[issue.GetNumber()] {
				continue
			}
			it.seen[issue.GetNumber()] = true
			it.buf = append(it.buf, issueToItem(it.repo, issue))
		}

		if nextPage == 0 {
			it.query++
			it.page = 1
		} else {
			it.page = nextPage
		}
		if len(it.buf) > 0 {
			return true
		}
	}
	return false
}
