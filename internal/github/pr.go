package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gh "github.com/google/go-github/v75/github"

	"github.com/agent-forge/forge/internal/ratelimit"
	"github.com/agent-forge/forge/internal/work"
)

// PullRequest mirrors the fields of a GitHub PR the orchestrator watches.
type PullRequest struct {
	Number         int
	NodeID         string
	Title          string
	Body           string
	Author         string
	HeadRef        string
	BaseRef        string
	Draft          bool
	Mergeable      *bool
	MergeableState string
	Labels         []string
	ChangedFiles   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasLabel reports whether the PR carries the given label.
func (pr PullRequest) HasLabel(label string) bool {
	for _, l := range pr.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ListPulls returns PRs in the given state ("open", "closed", "all").
// PR reads use the read class; misfiling them under the comment class
// starves claim traffic.
func (c *Client) ListPulls(ctx context.Context, repo work.Repo, state string) ([]PullRequest, error) {
	var all []PullRequest
	opts := &gh.PullRequestListOptions{
		State:       state,
		ListOptions: gh.ListOptions{PerPage: issuePageSize},
	}
	for {
		var page []*gh.PullRequest
		var nextPage int
		err := c.read(ctx, repo.String(), func(ctx context.Context) error {
			pulls, resp, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
			if err != nil {
				return err
			}
			page = pulls
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, pull := range page {
			all = append(all, pullToRecord(pull))
		}
		if nextPage == 0 {
			return all, nil
		}
		opts.Page = nextPage
	}
}

// GetPull fetches one PR. Unlike the list endpoint, the get endpoint
// populates mergeability.
func (c *Client) GetPull(ctx context.Context, repo work.Repo, number int) (PullRequest, error) {
	var record PullRequest
	err := c.read(ctx, prRef(repo, number), func(ctx context.Context) error {
		pull, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return err
		}
		record = pullToRecord(pull)
		return nil
	})
	return record, err
}

// PullFile is one file touched by a PR.
type PullFile struct {
	Name      string
	Additions int
	Deletions int
}

// ListPullFiles returns the files a PR touches.
func (c *Client) ListPullFiles(ctx context.Context, repo work.Repo, number int) ([]PullFile, error) {
	var all []PullFile
	opts := &gh.ListOptions{PerPage: issuePageSize}
	for {
		var page []*gh.CommitFile
		var nextPage int
		err := c.read(ctx, prRef(repo, number), func(ctx context.Context) error {
			files, resp, err := c.gh.PullRequests.ListFiles(ctx, repo.Owner, repo.Name, number, opts)
			if err != nil {
				return err
			}
			page = files
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, f := range page {
			all = append(all, PullFile{
				Name:      f.GetFilename(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
			})
		}
		if nextPage == 0 {
			return all, nil
		}
		opts.Page = nextPage
	}
}

// MergePull merges a PR.
func (c *Client) MergePull(ctx context.Context, repo work.Repo, number int, message string) error {
	return c.call(ctx, prRef(repo, number), ratelimit.Request{
		Class: ratelimit.ClassRepoAdmin,
	}, func(ctx context.Context) error {
		_, _, err := c.gh.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, message,
			&gh.PullRequestOptions{})
		return err
	})
}

// ClosePull closes a PR without merging.
func (c *Client) ClosePull(ctx context.Context, repo work.Repo, number int) error {
	return c.call(ctx, prRef(repo, number), ratelimit.Request{
		Class: ratelimit.ClassRepoAdmin,
	}, func(ctx context.Context) error {
		_, _, err := c.gh.PullRequests.Edit(ctx, repo.Owner, repo.Name, number, &gh.PullRequest{
			State: gh.Ptr("closed"),
		})
		return err
	})
}

// ConvertPullToDraft flips a PR to draft. Draft state is only mutable
// through the GraphQL API.
func (c *Client) ConvertPullToDraft(ctx context.Context, repo work.Repo, pr PullRequest) error {
	return c.mutatePullDraft(ctx, repo, pr, "convertPullRequestToDraft")
}

// MarkPullReady flips a draft PR to ready-for-review via GraphQL.
func (c *Client) MarkPullReady(ctx context.Context, repo work.Repo, pr PullRequest) error {
	return c.mutatePullDraft(ctx, repo, pr, "markPullRequestReadyForReview")
}

func (c *Client) mutatePullDraft(ctx context.Context, repo work.Repo, pr PullRequest, mutation string) error {
	query := fmt.Sprintf(
		`mutation($id: ID!) { %s(input: {pullRequestId: $id}) { pullRequest { isDraft } } }`,
		mutation)
	return c.call(ctx, prRef(repo, pr.Number), ratelimit.Request{
		Class: ratelimit.ClassRepoAdmin,
	}, func(ctx context.Context) error {
		return c.graphQL(ctx, query, map[string]any{"id": pr.NodeID})
	})
}

// graphQL posts one query to the GraphQL endpoint using the same
// authenticated transport as the REST client.
func (c *Client) graphQL(ctx context.Context, query string, variables map[string]any) error {
	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphQLURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql: %s", result.Errors[0].Message)
	}
	return nil
}

func prRef(repo work.Repo, number int) string {
	return fmt.Sprintf("%s!%d", repo.String(), number)
}

func pullToRecord(pull *gh.PullRequest) PullRequest {
	labels := make([]string, 0, len(pull.Labels))
	for _, l := range pull.Labels {
		labels = append(labels, l.GetName())
	}
	record := PullRequest{
		Number:         pull.GetNumber(),
		NodeID:         pull.GetNodeID(),
		Title:          pull.GetTitle(),
		Body:           pull.GetBody(),
		Author:         pull.GetUser().GetLogin(),
		HeadRef:        pull.GetHead().GetRef(),
		BaseRef:        pull.GetBase().GetRef(),
		Draft:          pull.GetDraft(),
		MergeableState: pull.GetMergeableState(),
		Labels:         labels,
		ChangedFiles:   pull.GetChangedFiles(),
		CreatedAt:      pull.GetCreatedAt().Time,
		UpdatedAt:      pull.GetUpdatedAt().Time,
	}
	if pull.Mergeable != nil {
		record.Mergeable = pull.Mergeable
	}
	return record
}
