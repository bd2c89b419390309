package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
)

// DefaultTimeout is the HTTP client timeout. Callers bound individual
// requests more tightly through the context.
const DefaultTimeout = 60 * time.Second

// Options configures a GitHub source
type Options struct {
	Owner string
	Repo  string
	// Ref is a branch, tag or commit; empty means the default branch.
	Ref string
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
	// Token enables authenticated requests when non-empty.
	Token             string
	RequestsPerSecond float64
}

// GitHub implements Source on top of the GitHub contents API
type GitHub struct {
	gh          *gh.Client
	owner       string
	repo        string
	ref         string
	rateLimiter *RateLimiter
}

// NewGitHub creates a GitHub source for a single repository and ref
func NewGitHub(ctx context.Context, opts Options) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}

	var httpClient *http.Client
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = DefaultTimeout

	client := gh.NewClient(httpClient)
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid API base URL %q: %w", opts.BaseURL, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}

	return &GitHub{
		gh:          client,
		owner:       opts.Owner,
		repo:        opts.Repo,
		ref:         opts.Ref,
		rateLimiter: NewRateLimiter(opts.RequestsPerSecond),
	}, nil
}

// String identifies the source in logs
func (g *GitHub) String() string {
	if g.ref == "" {
		return g.owner + "/" + g.repo
	}
	return g.owner + "/" + g.repo + "@" + g.ref
}

// Fetch returns the content of a file. Files above the 1 MB inline limit of
// the contents API are downloaded through their raw URL.
func (g *GitHub) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	file, _, resp, err := g.gh.Repositories.GetContents(ctx, g.owner, g.repo, path, g.contentOptions())
	g.updateRateLimitFromResponse(resp)
	if err != nil {
		return nil, g.wrapError(err, "get contents "+path)
	}
	if file == nil || file.GetType() != "file" {
		return nil, fmt.Errorf("%s: %w", path, ErrNotAFile)
	}

	if file.GetEncoding() == "none" {
		return g.download(ctx, path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return []byte(content), nil
}

func (g *GitHub) download(ctx context.Context, path string) ([]byte, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	rc, resp, err := g.gh.Repositories.DownloadContents(ctx, g.owner, g.repo, path, g.contentOptions())
	g.updateRateLimitFromResponse(resp)
	if err != nil {
		return nil, g.wrapError(err, "download contents "+path)
	}
	defer func() {
		_ = rc.Close()
	}()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// List returns the files directly inside dir, skipping subdirectories,
// symlinks and submodules.
func (g *GitHub) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	_, contents, resp, err := g.gh.Repositories.GetContents(ctx, g.owner, g.repo, dir, g.contentOptions())
	g.updateRateLimitFromResponse(resp)
	if err != nil {
		return nil, g.wrapError(err, "list contents "+dir)
	}
	if contents == nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotADirectory)
	}

	entries := make([]Entry, 0, len(contents))
	for _, c := range contents {
		if c.GetType() != "file" {
			continue
		}
		entries = append(entries, Entry{
			Name: c.GetName(),
			Path: c.GetPath(),
			Size: c.GetSize(),
			SHA:  c.GetSHA(),
		})
	}
	return entries, nil
}

// RateLimiter returns the rate limiter for external access.
func (g *GitHub) RateLimiter() *RateLimiter {
	return g.rateLimiter
}

func (g *GitHub) contentOptions() *gh.RepositoryContentGetOptions {
	if g.ref == "" {
		return nil
	}
	return &gh.RepositoryContentGetOptions{Ref: g.ref}
}

// updateRateLimitFromResponse updates the rate limiter from GitHub response headers.
func (g *GitHub) updateRateLimitFromResponse(resp *gh.Response) {
	if resp == nil || resp.Response == nil {
		return
	}
	g.rateLimiter.UpdateFromResponse(resp.Response)
}

// wrapError converts go-github errors to our error types.
func (g *GitHub) wrapError(err error, operation string) error {
	var rateLimitErr *gh.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &RateLimitError{
			ResetAt:   rateLimitErr.Rate.Reset.Time,
			Remaining: rateLimitErr.Rate.Remaining,
			Limit:     rateLimitErr.Rate.Limit,
		}
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		apiErr := &APIError{
			StatusCode: ghErr.Response.StatusCode,
			Message:    ghErr.Message,
		}
		if ghErr.Response.Request != nil {
			apiErr.URL = ghErr.Response.Request.URL.String()
		}
		return apiErr
	}

	return fmt.Errorf("%s: %w", operation, err)
}
