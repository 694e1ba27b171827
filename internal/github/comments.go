package github

import (
	"context"
	"errors"
	"time"

	gh "github.com/google/go-github/v75/github"

	"github.com/agent-forge/forge/internal/ratelimit"
	"github.com/agent-forge/forge/internal/work"
)

// errDuplicateContent marks a comment rejected by duplicate suppression.
var errDuplicateContent = errors.New("duplicate content suppressed")

// IsDuplicate reports whether err is a duplicate-suppression rejection.
// Callers must not retry the same content.
func IsDuplicate(err error) bool {
	return errors.Is(err, errDuplicateContent)
}

// Comment is an issue comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// ListComments returns every comment on an issue, oldest first.
func (c *Client) ListComments(ctx context.Context, repo work.Repo, number int) ([]Comment, error) {
	var all []Comment
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: issuePageSize},
	}
	for {
		var page []*gh.IssueComment
		var nextPage int
		err := c.read(ctx, issueRef(repo, number), func(ctx context.Context) error {
			comments, resp, err := c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
			if err != nil {
				return err
			}
			page = comments
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, comment := range page {
			all = append(all, Comment{
				ID:        comment.GetID(),
				Author:    comment.GetUser().GetLogin(),
				Body:      comment.GetBody(),
				CreatedAt: comment.GetCreatedAt().Time,
			})
		}
		if nextPage == 0 {
			return all, nil
		}
		opts.Page = nextPage
	}
}

// CreateComment posts a comment. The body is fingerprinted for duplicate
// suppression; an identical body to the same issue within the duplicate
// window returns a conflict error (IsDuplicate).
func (c *Client) CreateComment(ctx context.Context, repo work.Repo, number int, body string) (Comment, error) {
	var created Comment
	err := c.call(ctx, issueRef(repo, number), ratelimit.Request{
		Class:              ratelimit.ClassIssueComment,
		Target:             issueRef(repo, number),
		ContentFingerprint: Fingerprint(body),
	}, func(ctx context.Context) error {
		comment, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return err
		}
		created = Comment{
			ID:        comment.GetID(),
			Author:    comment.GetUser().GetLogin(),
			Body:      comment.GetBody(),
			CreatedAt: comment.GetCreatedAt().Time,
		}
		return nil
	})
	return created, err
}
