// Package forge wraps pull-request creation and remote branch deletion
// against GitHub behind a small interface, so the Integrator depends on
// an interface rather than the concrete SDK client — the same shape the
// pack's mattermost-cursor plugin wraps its GitHub client in.
package forge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// PullRequest is the subset of a created PR the Integrator records.
type PullRequest struct {
	Number int
	URL    string
}

// Client is the narrow forge contract the Integrator needs.
type Client interface {
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (PullRequest, error)
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
}

// ghClient implements Client against the real GitHub API.
type ghClient struct {
	gh *github.Client
}

// New wraps an authenticated *github.Client.
func New(gh *github.Client) Client {
	return &ghClient{gh: gh}
}

func (c *ghClient) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("forge: create pr: %w", err)
	}
	return PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (c *ghClient) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	ref := "refs/heads/" + branch
	_, err := c.gh.Git.DeleteRef(ctx, owner, repo, ref)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("forge: delete branch: %w", err)
	}
	return nil
}

// ParsePRNumberFromURL extracts the PR number from a GitHub PR HTML URL
// (e.g. ".../pull/42"), used when a caller only has the URL.
func ParsePRNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(url[idx+1:], "%d", &n)
	return n
}
