// Package forge files development requests as issues on the tracker
// that hosts the assistant's own source.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// Config selects the target repository.
type Config struct {
	// Token is a fine-grained access token with issue write scope.
	Token string
	// Repo is "owner/name".
	Repo string
	// Label is applied to every filed issue.
	Label string
}

// Client files issues with the go-github SDK.
type Client struct {
	gh    *gogithub.Client
	owner string
	repo  string
	label string
}

// New creates a forge client, validating the repo spec up front.
func New(cfg Config) (*Client, error) {
	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}
	gh := gogithub.NewClient(nil)
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	}
	return &Client{gh: gh, owner: owner, repo: repo, label: cfg.Label}, nil
}

// CreateIssue opens an issue and returns its URL.
func (c *Client) CreateIssue(ctx context.Context, title, body string) (string, error) {
	req := &gogithub.IssueRequest{
		Title: &title,
		Body:  &body,
	}
	if c.label != "" {
		req.Labels = &[]string{c.label}
	}

	issue, resp, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return "", fmt.Errorf("forge: create issue: %w", err)
	}
	checkRateLimit(resp)

	slog.Info("development request filed", "issue", issue.GetNumber(), "repo", c.owner+"/"+c.repo)
	return issue.GetHTMLURL(), nil
}

// splitRepo splits an "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls run low.
func checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		slog.Warn("forge: github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}
