package forge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePRNumberFromURL(t *testing.T) {
	assert.Equal(t, 42, ParsePRNumberFromURL("https://github.com/acme/widgets/pull/42"))
	assert.Equal(t, 0, ParsePRNumberFromURL("https://github.com/acme/widgets/pull/"))
	assert.Equal(t, 0, ParsePRNumberFromURL("not-a-url"))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := github.NewClient(srv.Client())
	baseURL, err := gh.BaseURL.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = baseURL
	return New(gh)
}

func TestCreatePullRequestReturnsNumberAndURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/acme/widgets/pull/7"}`))
	})

	pr, err := c.CreatePullRequest(context.Background(), "acme", "widgets", "head", "base", "title", "body")
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", pr.URL)
}

func TestCreatePullRequestPropagatesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "validation failed"}`))
	})

	_, err := c.CreatePullRequest(context.Background(), "acme", "widgets", "head", "base", "title", "body")
	assert.Error(t, err)
}

func TestDeleteBranchTreatsNotFoundAsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})

	err := c.DeleteBranch(context.Background(), "acme", "widgets", "stale-branch")
	assert.NoError(t, err)
}

func TestDeleteBranchPropagatesOtherErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message": "boom"}`))
	})

	err := c.DeleteBranch(context.Background(), "acme", "widgets", "some-branch")
	assert.Error(t, err)
}
