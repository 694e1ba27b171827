package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/ratelimit"
	"github.com/agent-forge/forge/internal/work"
)

func testClient(t *testing.T, handler http.Handler, cfg ratelimit.Config) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Options{
		Token:      "test-token",
		Account:    "bot",
		Governor:   ratelimit.NewGovernor(cfg),
		BaseURL:    server.URL,
		GraphQLURL: server.URL + "/graphql",
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	})
	require.NoError(t, err)
	return client, server
}

func openCfg() ratelimit.Config {
	return ratelimit.Config{
		Policies:        map[ratelimit.Class]ratelimit.Policy{},
		BurstPerMinute:  1000,
		DuplicateWindow: time.Minute,
	}
}

var testRepo = work.Repo{Owner: "ex", Name: "r"}

func TestListIssuesLabelOR(t *testing.T) {
	// Mocked GitHub returns I_bug for "bug" and I_ready for "agent-ready";
	// issue 2 carries both labels. The union must contain each issue once,
	// first-seen order preserved.
	byLabel := map[string]string{
		"bug":         `[{"number":1,"title":"one"},{"number":2,"title":"two"}]`,
		"agent-ready": `[{"number":2,"title":"two"},{"number":3,"title":"three"}]`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, byLabel[r.URL.Query().Get("labels")])
	})

	client, _ := testClient(t, mux, openCfg())
	iter := client.ListIssues(context.Background(), testRepo, []string{"bug", "agent-ready"}, time.Time{})

	var numbers []int
	for iter.Next() {
		numbers = append(numbers, iter.Item().Number)
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, []int{1, 2, 3}, numbers)
}

func TestListIssuesFollowsPagination(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/ex/r/issues?page=2>; rel="next"`, server.URL))
			fmt.Fprint(w, `[{"number":1}]`)
		case "2":
			fmt.Fprint(w, `[{"number":2}]`)
		}
	})

	client, srv := testClient(t, mux, openCfg())
	server = srv

	iter := client.ListIssues(context.Background(), testRepo, nil, time.Time{})
	var numbers []int
	for iter.Next() {
		numbers = append(numbers, iter.Item().Number)
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, []int{1, 2}, numbers)
}

func TestListIssuesSkipsPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":1},{"number":2,"pull_request":{"url":"x"}}]`)
	})

	client, _ := testClient(t, mux, openCfg())
	iter := client.ListIssues(context.Background(), testRepo, nil, time.Time{})
	var numbers []int
	for iter.Next() {
		numbers = append(numbers, iter.Item().Number)
	}
	require.NoError(t, iter.Err())
	assert.Equal(t, []int{1}, numbers)
}

func TestErrorNormalization(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"not found", http.StatusNotFound, KindNotFound},
		{"validation", http.StatusUnprocessableEntity, KindValidation},
		{"auth", http.StatusUnauthorized, KindAuth},
		{"forbidden", http.StatusForbidden, KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/ex/r/issues/42", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"message":"nope"}`)
			})

			client, _ := testClient(t, mux, openCfg())
			_, err := client.GetIssue(context.Background(), testRepo, 42)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues/42", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"number":42,"title":"ok"}`)
	})

	client, _ := testClient(t, mux, openCfg())
	item, err := client.GetIssue(context.Background(), testRepo, 42)
	require.NoError(t, err)
	assert.Equal(t, "ok", item.Title)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues/42", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	client, _ := testClient(t, mux, openCfg())
	_, err := client.GetIssue(context.Background(), testRepo, 42)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGovernorDeferralSurfacesAsLocalRateLimit(t *testing.T) {
	cfg := ratelimit.Config{
		Policies: map[ratelimit.Class]ratelimit.Policy{
			ratelimit.ClassIssueComment: {PerMinute: 1},
		},
		BurstPerMinute:  1000,
		DuplicateWindow: time.Minute,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1,"body":"hi"}`)
	})

	client, _ := testClient(t, mux, cfg)
	_, err := client.CreateComment(context.Background(), testRepo, 42, "first")
	require.NoError(t, err)

	_, err = client.CreateComment(context.Background(), testRepo, 42, "second")
	wait, limited := IsRateLimited(err)
	require.True(t, limited)
	assert.Greater(t, wait, time.Duration(0))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ScopeLocal, apiErr.Scope)
}

func TestDuplicateCommentRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1,"body":"hi"}`)
	})

	client, _ := testClient(t, mux, openCfg())
	_, err := client.CreateComment(context.Background(), testRepo, 42, "same body")
	require.NoError(t, err)

	_, err = client.CreateComment(context.Background(), testRepo, 42, "same body")
	assert.True(t, IsDuplicate(err))
	assert.True(t, IsConflict(err))
}

func TestRemoveLabelTolerates404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/ex/r/issues/42/labels/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Label does not exist"}`)
	})

	client, _ := testClient(t, mux, openCfg())
	assert.NoError(t, client.RemoveLabel(context.Background(), testRepo, 42, "gone"))
}

func TestMarkPullReadyPostsGraphQLMutation(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, jsonDecode(r, &payload))
		gotQuery = payload.Query
		assert.Equal(t, "PR_node123", payload.Variables["id"])
		fmt.Fprint(w, `{"data":{}}`)
	})

	client, _ := testClient(t, mux, openCfg())
	err := client.MarkPullReady(context.Background(), testRepo, PullRequest{Number: 11, NodeID: "PR_node123"})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "markPullRequestReadyForReview")
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
