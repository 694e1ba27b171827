// Package github wraps the GitHub REST surface the orchestrator uses.
// Every mutating call is gated by the rate governor, every error is
// normalized into the closed taxonomy, and transient failures are
// retried with exponential backoff.
package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gh "github.com/google/go-github/v75/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/agent-forge/forge/internal/ratelimit"
	"github.com/agent-forge/forge/internal/work"
)

// DefaultParallelism caps concurrent HTTP calls to GitHub across every
// client sharing a factory.
const DefaultParallelism = 8

const defaultGraphQLURL = "https://api.github.com/graphql"

// Client is a typed GitHub client bound to one account credential.
type Client struct {
	gh         *gh.Client
	httpClient *http.Client
	graphQLURL string
	governor   *ratelimit.Governor
	account    string
	sem        chan struct{}
	retry      RetryConfig
	log        *logrus.Entry
}

// Options configures a client.
type Options struct {
	// Token is the bearer credential for this account.
	Token string

	// Account names the governor ledger this client draws from.
	Account string

	// Governor gates all calls. Required.
	Governor *ratelimit.Governor

	// BaseURL overrides the REST endpoint (tests).
	BaseURL string

	// GraphQLURL overrides the GraphQL endpoint (tests).
	GraphQLURL string

	// Semaphore is the shared concurrency cap. When nil a private cap of
	// DefaultParallelism is used.
	Semaphore chan struct{}

	// Retry overrides the backoff policy (zero value uses defaults).
	Retry RetryConfig

	Logger *logrus.Logger
}

// New creates a client for one account.
func New(opts Options) (*Client, error) {
	httpClient := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	httpClient.Timeout = 30 * time.Second

	client := gh.NewClient(httpClient)
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL + "/")
		if err != nil {
			return nil, err
		}
		client.BaseURL = base
	}

	graphQLURL := opts.GraphQLURL
	if graphQLURL == "" {
		graphQLURL = defaultGraphQLURL
	}
	sem := opts.Semaphore
	if sem == nil {
		sem = make(chan struct{}, DefaultParallelism)
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		gh:         client,
		httpClient: httpClient,
		graphQLURL: graphQLURL,
		governor:   opts.Governor,
		account:    opts.Account,
		sem:        sem,
		retry:      retry,
		log:        logger.WithField("account", opts.Account),
	}, nil
}

// Account returns the governor account this client draws from.
func (c *Client) Account() string { return c.account }

// Fingerprint hashes outbound content for duplicate suppression.
func Fingerprint(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:8])
}

// call gates one API operation through the governor, the shared
// parallelism cap and the retry loop. The operation must be safe to run
// more than once.
func (c *Client) call(ctx context.Context, resource string, req ratelimit.Request, op func(ctx context.Context) error) error {
	req.Account = c.account
	switch res := c.governor.Acquire(req); res.State {
	case ratelimit.Deferred:
		return &APIError{
			Kind:       KindRateLimited,
			Scope:      ScopeLocal,
			RetryAfter: res.RetryAfter,
			Resource:   resource,
		}
	case ratelimit.Rejected:
		return &APIError{Kind: KindConflict, Resource: resource, Err: errDuplicateContent}
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return &APIError{Kind: KindCancelled, Resource: resource, Err: ctx.Err()}
	}
	defer func() { <-c.sem }()

	return retryTransient(ctx, c.retry, func(ctx context.Context) error {
		return normalize(resource, op(ctx))
	})
}

// read is call with the generic read class.
func (c *Client) read(ctx context.Context, resource string, op func(ctx context.Context) error) error {
	return c.call(ctx, resource, ratelimit.Request{Class: ratelimit.ClassAPIRead}, op)
}

// AuthenticatedUser returns the login of the token's user.
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	var login string
	err := c.read(ctx, "user", func(ctx context.Context) error {
		user, _, err := c.gh.Users.Get(ctx, "")
		if err != nil {
			return err
		}
		login = user.GetLogin()
		return nil
	})
	return login, err
}

// GetIssue fetches a single issue as a work item.
func (c *Client) GetIssue(ctx context.Context, repo work.Repo, number int) (work.Item, error) {
	var item work.Item
	err := c.read(ctx, repo.String(), func(ctx context.Context) error {
		issue, _, err := c.gh.Issues.Get(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return err
		}
		item = issueToItem(repo, issue)
		return nil
	})
	return item, err
}

// CreateIssue opens a new issue (used by Coordinator decomposition).
func (c *Client) CreateIssue(ctx context.Context, repo work.Repo, title, body string, labels []string) (work.Item, error) {
	var item work.Item
	err := c.call(ctx, repo.String(), ratelimit.Request{
		Class:              ratelimit.ClassIssueCreate,
		Target:             repo.String(),
		ContentFingerprint: Fingerprint(title + "\n" + body),
	}, func(ctx context.Context) error {
		issue, _, err := c.gh.Issues.Create(ctx, repo.Owner, repo.Name, &gh.IssueRequest{
			Title:  gh.Ptr(title),
			Body:   gh.Ptr(body),
			Labels: &labels,
		})
		if err != nil {
			return err
		}
		item = issueToItem(repo, issue)
		return nil
	})
	return item, err
}

// AddLabels applies labels to an issue.
func (c *Client) AddLabels(ctx context.Context, repo work.Repo, number int, labels ...string) error {
	return c.call(ctx, issueRef(repo, number), ratelimit.Request{
		Class: ratelimit.ClassRepoAdmin,
	}, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, labels)
		return err
	})
}

// RemoveLabel removes one label from an issue. A 404 (label not present)
// is not an error for callers resetting state.
func (c *Client) RemoveLabel(ctx context.Context, repo work.Repo, number int, label string) error {
	err := c.call(ctx, issueRef(repo, number), ratelimit.Request{
		Class: ratelimit.ClassRepoAdmin,
	}, func(ctx context.Context) error {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
		return err
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// ReopenIssue reopens a closed issue.
func (c *Client) ReopenIssue(ctx context.Context, repo work.Repo, number int) error {
	return c.call(ctx, issueRef(repo, number), ratelimit.Request{
		Class: ratelimit.ClassRepoAdmin,
	}, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.Edit(ctx, repo.Owner, repo.Name, number, &gh.IssueRequest{
			State: gh.Ptr("open"),
		})
		return err
	})
}

func issueRef(repo work.Repo, number int) string {
	return repo.String() + "#" + strconv.Itoa(number)
}

func issueToItem(repo work.Repo, issue *gh.Issue) work.Item {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return work.Item{
		Repo:      repo,
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labels,
		Author:    issue.GetUser().GetLogin(),
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
		State:     work.State(issue.GetState()),
	}
}
