// Package provider implements the narrow slice of the provider platform the
// Workspace Runner needs: locating or creating a fork, and locating an open
// pull request for an issue (spec §4.3 steps 2-3). The rest of the provider's
// surface is out of scope (spec §1) and never touched from here.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v58/github"
	"golang.org/x/oauth2"
)

// Fork describes the operator-owned fork of a repository.
type Fork struct {
	FullName string
	URL      string
}

// OpenPR describes an existing open pull request referencing an issue.
type OpenPR struct {
	URL    string
	Number int
}

// Client is the concrete provider client, grounded on go-github's issue/PR/fork
// models (see other_examples/qiniu-codeagent__workspace.go for the same typing
// choice) and golang.org/x/oauth2 for the static-token transport.
type Client struct {
	gh *github.Client
}

// New builds a Client authenticated with a static operator token.
func New(token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &Client{gh: github.NewClient(httpClient)}
}

// EnsureFork returns the operator's existing fork of owner/repo, creating one
// if absent (spec §4.3 step 2). Fork creation on the provider side is
// asynchronous; this polls briefly is deliberately NOT done here — the caller
// persists the fork reference optimistically and a later spawn retries if the
// fork is not yet clonable.
func (c *Client) EnsureFork(ctx context.Context, owner, repo string) (Fork, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return Fork{}, fmt.Errorf("provider: resolve authenticated user: %w", err)
	}

	existing, resp, err := c.gh.Repositories.Get(ctx, user.GetLogin(), repo)
	if err == nil && existing != nil {
		return Fork{FullName: existing.GetFullName(), URL: existing.GetHTMLURL()}, nil
	}
	if resp != nil && resp.StatusCode != 404 {
		return Fork{}, fmt.Errorf("provider: check existing fork: %w", err)
	}

	created, _, err := c.gh.Repositories.CreateFork(ctx, owner, repo, nil)
	if err != nil {
		if _, ok := err.(*github.AcceptedError); ok {
			// Fork creation queued asynchronously; derive the expected location.
			return Fork{
				FullName: user.GetLogin() + "/" + repo,
				URL:      fmt.Sprintf("https://github.com/%s/%s", user.GetLogin(), repo),
			}, nil
		}
		return Fork{}, fmt.Errorf("provider: create fork: %w", err)
	}
	return Fork{FullName: created.GetFullName(), URL: created.GetHTMLURL()}, nil
}

// FindOpenPR searches for an open pull request in owner/repo referencing issue
// number issueNumber, used to support re-run semantics (spec §4.3 step 3).
func (c *Client) FindOpenPR(ctx context.Context, owner, repo string, issueNumber int) (OpenPR, bool, error) {
	query := fmt.Sprintf("repo:%s/%s is:pr is:open %d in:body", owner, repo, issueNumber)
	result, _, err := c.gh.Search.Issues(ctx, query, &github.SearchOptions{})
	if err != nil {
		return OpenPR{}, false, fmt.Errorf("provider: search open prs: %w", err)
	}
	for _, item := range result.Issues {
		if item.IsPullRequest() && strings.Contains(item.GetBody(), fmt.Sprintf("#%d", issueNumber)) {
			return OpenPR{URL: item.GetHTMLURL(), Number: item.GetNumber()}, true, nil
		}
	}
	return OpenPR{}, false, nil
}

// GetIssue fetches the current issue, used to confirm it still exists before spawn.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("provider: get issue: %w", err)
	}
	return issue, nil
}

// SplitFullName splits "owner/repo" into its parts.
func SplitFullName(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
