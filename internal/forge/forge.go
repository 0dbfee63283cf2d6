// Package forge wraps the GitHub API surface the review service needs. Every
// call authenticates through a per-installation transport and every failure
// is mapped onto the shared error kinds so the scheduler can make retry
// decisions without knowing about HTTP.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-github/v75/github"

	"openrabbit/internal/reverr"
)

// ErrBatchRejected marks a 422 on a batched review post; the caller splits
// the batch and re-posts comments individually.
var ErrBatchRejected = errors.New("review batch rejected")

// TokenSource provides installation tokens for the transport.
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
	Invalidate(ctx context.Context, installationID int64)
}

// Comment is one inline review comment addressed by diff position.
type Comment struct {
	Path     string
	Position int
	Body     string
}

// PullRequest is the slice of PR state the orchestrator works from.
type PullRequest struct {
	Number  int
	Title   string
	State   string
	HeadSHA string
	BaseSHA string
	Author  string
	Draft   bool
}

// ReviewComment is a posted inline comment, identified for thread tracking.
type ReviewComment struct {
	ID       int64
	Path     string
	Position int
	Body     string
}

// Client talks to one installation's slice of the forge.
type Client struct {
	gh             *github.Client
	tokens         TokenSource
	installationID int64
}

// New builds a client for one installation. baseURL is overridable for tests
// and GitHub Enterprise; empty means api.github.com.
func New(tokens TokenSource, installationID int64, baseURL string) (*Client, error) {
	hc := &http.Client{
		Transport: &installationTransport{
			Tokens:         tokens,
			InstallationID: installationID,
		},
		Timeout: 30 * time.Second,
	}
	gh := github.NewClient(hc)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse forge base url: %w", err)
		}
		if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
			u.Path += "/"
		}
		gh.BaseURL = u
	}
	return &Client{gh: gh, tokens: tokens, installationID: installationID}, nil
}

// FetchPullRequest returns current PR state. Conversation handlers use this
// to resolve the head the user is actually looking at.
func (c *Client) FetchPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pr *github.PullRequest
	err := c.withAuthRetry(ctx, func() error {
		var err error
		pr, _, err = c.gh.PullRequests.Get(ctx, owner, repo, number)
		return mapErr(err)
	})
	if err != nil {
		return nil, err
	}
	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseSHA: pr.GetBase().GetSHA(),
		Author:  pr.GetUser().GetLogin(),
		Draft:   pr.GetDraft(),
	}, nil
}

// FetchDiff returns the PR's unified diff text.
func (c *Client) FetchDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	var raw string
	err := c.withAuthRetry(ctx, func() error {
		var err error
		raw, _, err = c.gh.PullRequests.GetRaw(ctx, owner, repo, number, github.RawOptions{Type: github.Diff})
		return mapErr(err)
	})
	return raw, err
}

// FetchChangedPaths lists the PR's changed file paths across all pages.
func (c *Client) FetchChangedPaths(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var paths []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		var files []*github.CommitFile
		var resp *github.Response
		err := c.withAuthRetry(ctx, func() error {
			var err error
			files, resp, err = c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
			return mapErr(err)
		})
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// FetchFileAtRef returns the decoded content of one file at a commit.
func (c *Client) FetchFileAtRef(ctx context.Context, owner, repo, path, ref string) (string, error) {
	var fc *github.RepositoryContent
	err := c.withAuthRetry(ctx, func() error {
		var err error
		fc, _, _, err = c.gh.Repositories.GetContents(ctx, owner, repo, path,
			&github.RepositoryContentGetOptions{Ref: ref})
		return mapErr(err)
	})
	if err != nil {
		return "", err
	}
	if fc == nil {
		return "", reverr.Newf(reverr.KindNotFound, "%s at %s is not a file", path, ref)
	}
	content, err := fc.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return content, nil
}

// FetchRepoConfig returns the raw repo configuration file at a commit, or
// NotFound when the repo carries none.
func (c *Client) FetchRepoConfig(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	content, err := c.FetchFileAtRef(ctx, owner, repo, path, ref)
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

// PostReview posts the summary body and the inline comment batch as one
// review. A 422 comes back as ErrBatchRejected wrapped in a validation error.
func (c *Client) PostReview(ctx context.Context, owner, repo string, number int, commitID, body string, comments []Comment) (int64, error) {
	drafts := make([]*github.DraftReviewComment, 0, len(comments))
	for _, cm := range comments {
		drafts = append(drafts, &github.DraftReviewComment{
			Path:     github.Ptr(cm.Path),
			Position: github.Ptr(cm.Position),
			Body:     github.Ptr(cm.Body),
		})
	}
	req := &github.PullRequestReviewRequest{
		CommitID: github.Ptr(commitID),
		Body:     github.Ptr(body),
		Event:    github.Ptr("COMMENT"),
		Comments: drafts,
	}

	var review *github.PullRequestReview
	err := c.withAuthRetry(ctx, func() error {
		var err error
		review, _, err = c.gh.PullRequests.CreateReview(ctx, owner, repo, number, req)
		if isStatus(err, http.StatusUnprocessableEntity) {
			return reverr.New(reverr.KindValidation, fmt.Errorf("%w: %v", ErrBatchRejected, err))
		}
		return mapErr(err)
	})
	if err != nil {
		return 0, err
	}
	return review.GetID(), nil
}

// ListReviewComments returns the inline comments of a posted review, with
// their ids, so threads can be recorded.
func (c *Client) ListReviewComments(ctx context.Context, owner, repo string, number int, reviewID int64) ([]ReviewComment, error) {
	var out []ReviewComment
	opts := &github.ListOptions{PerPage: 100}
	for {
		var comments []*github.PullRequestComment
		var resp *github.Response
		err := c.withAuthRetry(ctx, func() error {
			var err error
			comments, resp, err = c.gh.PullRequests.ListReviewComments(ctx, owner, repo, number, reviewID, opts)
			return mapErr(err)
		})
		if err != nil {
			return nil, err
		}
		for _, cm := range comments {
			out = append(out, ReviewComment{
				ID:       cm.GetID(),
				Path:     cm.GetPath(),
				Position: cm.GetPosition(),
				Body:     cm.GetBody(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// PostInlineComment posts one inline comment outside a batch. Used when a
// rejected batch is split; a 422 here condemns only this comment.
func (c *Client) PostInlineComment(ctx context.Context, owner, repo string, number int, commitID string, cm Comment) (int64, error) {
	var posted *github.PullRequestComment
	err := c.withAuthRetry(ctx, func() error {
		var err error
		posted, _, err = c.gh.PullRequests.CreateComment(ctx, owner, repo, number, &github.PullRequestComment{
			Body:     github.Ptr(cm.Body),
			Path:     github.Ptr(cm.Path),
			Position: github.Ptr(cm.Position),
			CommitID: github.Ptr(commitID),
		})
		if isStatus(err, http.StatusUnprocessableEntity) {
			return reverr.New(reverr.KindValidation, fmt.Errorf("comment at %s:%d rejected: %v", cm.Path, cm.Position, err))
		}
		return mapErr(err)
	})
	if err != nil {
		return 0, err
	}
	return posted.GetID(), nil
}

// PostReply answers an existing review comment in its thread.
func (c *Client) PostReply(ctx context.Context, owner, repo string, number int, inReplyTo int64, body string) (int64, error) {
	var posted *github.PullRequestComment
	err := c.withAuthRetry(ctx, func() error {
		var err error
		posted, _, err = c.gh.PullRequests.CreateCommentInReplyTo(ctx, owner, repo, number, body, inReplyTo)
		return mapErr(err)
	})
	if err != nil {
		return 0, err
	}
	return posted.GetID(), nil
}

// PostIssueComment posts a plain PR-level comment. Used for the terminal
// failure notice.
func (c *Client) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	return c.withAuthRetry(ctx, func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return mapErr(err)
	})
}

// withAuthRetry runs fn and, on an auth failure, invalidates the cached
// token and tries once more. Tokens revoked server-side look exactly like
// bad credentials until refreshed.
func (c *Client) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if reverr.KindOf(err) != reverr.KindAuth {
		return err
	}
	c.tokens.Invalidate(ctx, c.installationID)
	return fn()
}

func isStatus(err error, code int) bool {
	var ger *github.ErrorResponse
	return errors.As(err, &ger) && ger.Response != nil && ger.Response.StatusCode == code
}

// mapErr translates go-github errors onto the shared kinds.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return reverr.RateLimited(err, rle.Rate.Reset.Time)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		reset := time.Now().Add(time.Minute)
		if abuse.RetryAfter != nil {
			reset = time.Now().Add(*abuse.RetryAfter)
		}
		return reverr.RateLimited(err, reset)
	}

	var ger *github.ErrorResponse
	if errors.As(err, &ger) && ger.Response != nil {
		switch {
		case ger.Response.StatusCode == http.StatusNotFound:
			return reverr.New(reverr.KindNotFound, err)
		case ger.Response.StatusCode == http.StatusUnauthorized,
			ger.Response.StatusCode == http.StatusForbidden:
			return reverr.New(reverr.KindAuth, err)
		case ger.Response.StatusCode == http.StatusUnprocessableEntity:
			return reverr.New(reverr.KindValidation, err)
		case ger.Response.StatusCode >= 500:
			return reverr.New(reverr.KindTransient, err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return reverr.New(reverr.KindCanceled, err)
	}

	// Connection-level failures surface as plain url.Errors.
	return reverr.New(reverr.KindTransient, err)
}
