package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v75/github"
)

// Kind classifies an API error into the closed taxonomy callers switch on.
type Kind string

const (
	// KindRateLimited means retry after RetryAfter. Scope distinguishes
	// the local governor from GitHub's own limiter.
	KindRateLimited Kind = "rate_limited"

	// KindTransient covers network errors, 5xx and timeouts. Retried
	// with backoff by the client; callers seeing it have exhausted
	// retries and should log and skip.
	KindTransient Kind = "transient"

	// KindNotFound is a 404. Never retried.
	KindNotFound Kind = "not_found"

	// KindValidation is a 422. Never retried.
	KindValidation Kind = "validation"

	// KindAuth is a 401 or invalid token. Fatal for the owning agent.
	KindAuth Kind = "auth"

	// KindConflict covers lost claims, duplicate content and concurrent
	// modification. Handled by the component that raised it.
	KindConflict Kind = "conflict"

	// KindCancelled is cooperative cancellation, not a reportable error.
	KindCancelled Kind = "cancelled"

	// KindFatal is an unrecoverable invariant violation.
	KindFatal Kind = "fatal"
)

// Scope indicates which limiter raised a rate-limit error.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeGitHub Scope = "github"
)

// APIError is the normalized error every client call returns.
type APIError struct {
	Kind       Kind
	Scope      Scope
	RetryAfter time.Duration
	Resource   string
	Attempt    int
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Kind == KindRateLimited:
		return fmt.Sprintf("%s rate limited (%s), retry after %s", e.Resource, e.Scope, e.RetryAfter)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Resource, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Resource, e.Kind)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err, or "" for a nil or foreign error.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsRateLimited reports whether err is a rate-limit error, returning the
// wait when it is.
func IsRateLimited(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAuth reports whether err is an auth failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsConflict reports whether err is a conflict (duplicate content, lost
// claim, concurrent modification).
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// normalize maps go-github and transport errors onto the taxonomy.
func normalize(resource string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindCancelled, Resource: resource, Err: err}
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &APIError{
			Kind:       KindRateLimited,
			Scope:      ScopeGitHub,
			RetryAfter: time.Until(rateErr.Rate.Reset.Time),
			Resource:   resource,
			Err:        err,
		}
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := time.Minute
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		return &APIError{
			Kind:       KindRateLimited,
			Scope:      ScopeGitHub,
			RetryAfter: wait,
			Resource:   resource,
			Err:        err,
		}
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusNotFound || code == http.StatusGone:
			return &APIError{Kind: KindNotFound, Resource: resource, Err: err}
		case code == http.StatusUnprocessableEntity:
			return &APIError{Kind: KindValidation, Resource: resource, Err: err}
		case code == http.StatusUnauthorized:
			return &APIError{Kind: KindAuth, Resource: resource, Err: err}
		case code == http.StatusForbidden:
			// 403 without rate-limit headers is an auth/permission problem
			return &APIError{Kind: KindAuth, Resource: resource, Err: err}
		case code == http.StatusConflict:
			return &APIError{Kind: KindConflict, Resource: resource, Err: err}
		case code >= 500:
			return &APIError{Kind: KindTransient, Resource: resource, Err: err}
		}
	}

	// DNS failures, resets, timeouts and anything else wire-level
	return &APIError{Kind: KindTransient, Resource: resource, Err: err}
}
