// Package github_actions adapts GitHub Actions workflow runs to the
// provider capability surface.
package github_actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/domain/normalize"
	"github.com/davarch/ci-controlplane/internal/infrastructure/httpx"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const (
	perPage      = 100
	maxRedirects = 3
	maxLogBytes  = 64 << 20
)

type Client struct {
	gh     *github.Client
	hc     *http.Client
	owner  string
	policy retry.Policy
	log    *zap.Logger
}

// New returns a GitHub Actions adapter for repositories owned by owner. An
// empty baseURL targets github.com; anything else is treated as a GitHub
// Enterprise server.
func New(owner, token, baseURL string, opts httpx.Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.MinInterval == 0 {
		opts.Retry = retry.Adapter()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	base := httpx.NewTransport(opts.Transport, opts.RequestsPerSecond, opts.Burst)
	transport := base
	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   base,
		}
	}

	gh := github.NewClient(&http.Client{Transport: transport, Timeout: opts.Timeout})
	if baseURL != "" {
		var err error
		if gh, err = gh.WithEnterpriseURLs(baseURL, baseURL); err != nil {
			return nil, &domain.ConfigError{Field: "github.baseURL", Message: "malformed GitHub URL", Err: err}
		}
	}

	return &Client{
		gh:     gh,
		hc:     &http.Client{Transport: base, Timeout: opts.Timeout},
		owner:  owner,
		policy: opts.Retry,
		log:    opts.Logger,
	}, nil
}

func (c *Client) Kind() domain.ProviderKind { return domain.ProviderGitHub }

func (c *Client) ListRuns(ctx context.Context, repo string, f domain.RunFilter) ([]domain.Pipeline, error) {
	opts := &github.ListWorkflowRunsOptions{
		HeadSHA:     f.SHA,
		Branch:      f.Branch,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	// PULL_REQUEST covers both pull_request and pull_request_target, which the
	// API cannot select together; that filter stays client-side.
	if f.Event == domain.EventPush {
		opts.Event = "push"
	}
	if f.Status == domain.StatusRunning {
		opts.Status = "in_progress"
	}
	if !f.Since.IsZero() {
		opts.Created = ">=" + f.Since.UTC().Format(time.RFC3339)
	}

	var out []domain.Pipeline
	for {
		var (
			runs *github.WorkflowRuns
			resp *github.Response
		)
		err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
			var err error
			runs, resp, err = c.gh.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, repo, opts)
			return classify("list runs", resp, err)
		}, c.notify("list runs"))
		if err != nil {
			return nil, fmt.Errorf("listing workflow runs of %s/%s: %w", c.owner, repo, err)
		}

		for _, r := range runs.WorkflowRuns {
			p := toPipeline(repo, r)
			if f.Accepts(p) {
				out = append(out, p)
			}
		}
		if f.PageLimit > 0 && len(out) >= f.PageLimit {
			return out[:f.PageLimit], nil
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func runID(h domain.RunHandle) (int64, error) {
	id, err := strconv.ParseInt(h.ID, 10, 64)
	if err != nil {
		return 0, &domain.ConfigError{Field: "id", Message: "workflow run id must be numeric", Err: err}
	}
	return id, nil
}

func (c *Client) GetRun(ctx context.Context, h domain.RunHandle) (domain.Pipeline, error) {
	id, err := runID(h)
	if err != nil {
		return domain.Pipeline{}, err
	}
	run, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (*github.WorkflowRun, error) {
		run, resp, err := c.gh.Actions.GetWorkflowRunByID(ctx, c.owner, h.Repository, id)
		return run, classify("get run", resp, err)
	}, c.notify("get run"))
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("getting workflow run %s: %w", h, err)
	}
	return toPipeline(h.Repository, run), nil
}

// Cancel requests cancellation. GitHub answers 409 for runs that already
// completed, which surfaces as a conflict.
func (c *Client) Cancel(ctx context.Context, h domain.RunHandle) error {
	id, err := runID(h)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		resp, err := c.gh.Actions.CancelWorkflowRunByID(ctx, c.owner, h.Repository, id)
		var accepted *github.AcceptedError
		if errors.As(err, &accepted) {
			return nil
		}
		return classify("cancel", resp, err)
	}, c.notify("cancel"))
	if err != nil {
		return fmt.Errorf("cancelling workflow run %s: %w", h, err)
	}
	return nil
}

// GetLogs downloads the run log archive and concatenates its files in name
// order. Runs without logs yet yield "".
func (c *Client) GetLogs(ctx context.Context, h domain.RunHandle) (string, error) {
	id, err := runID(h)
	if err != nil {
		return "", err
	}
	loc, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (string, error) {
		u, resp, err := c.gh.Actions.GetWorkflowRunLogs(ctx, c.owner, h.Repository, id, maxRedirects)
		if err != nil {
			return "", classify("get logs", resp, err)
		}
		return u.String(), nil
	}, c.notify("get logs"))
	if err != nil {
		if domain.IsNotFound(err) || domain.IsConflict(err) {
			return "", nil
		}
		return "", fmt.Errorf("locating logs of %s: %w", h, err)
	}

	archive, err := c.download(ctx, loc)
	if err != nil {
		return "", fmt.Errorf("downloading logs of %s: %w", h, err)
	}
	return unzipLogs(archive)
}

func (c *Client) download(ctx context.Context, loc string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, domain.NewTransportError(domain.ProviderGitHub, "download logs", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, domain.NewHTTPError(domain.ProviderGitHub, "download logs", resp.StatusCode, "", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
}

func unzipLogs(archive []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", fmt.Errorf("reading log archive: %w", err)
	}
	files := slices.Clone(zr.File)
	slices.SortFunc(files, func(a, b *zip.File) int { return strings.Compare(a.Name, b.Name) })

	var b strings.Builder
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", f.Name, err)
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Name, content)
	}
	return b.String(), nil
}

func (c *Client) notify(op string) retry.Notify {
	return func(err error, next time.Duration) {
		c.log.Debug("retrying github call", zap.String("op", op), zap.Duration("next", next), zap.Error(err))
	}
}

// classify turns go-github errors into domain errors.
func classify(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return &domain.ProviderError{Kind: domain.KindTransport, Provider: domain.ProviderGitHub, Op: op, StatusCode: http.StatusTooManyRequests, Message: "rate limited", Retryable: true, Err: err}
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		pe := domain.NewHTTPError(domain.ProviderGitHub, op, er.Response.StatusCode, "", er.Message)
		pe.Err = err
		return pe
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 300 {
		pe := domain.NewHTTPError(domain.ProviderGitHub, op, resp.StatusCode, "", err.Error())
		pe.Err = err
		return pe
	}
	return domain.NewTransportError(domain.ProviderGitHub, op, err)
}

func toPipeline(repo string, r *github.WorkflowRun) domain.Pipeline {
	raw := normalize.GitHubRun{Status: r.GetStatus(), Conclusion: r.GetConclusion(), Event: r.GetEvent()}
	p := domain.Pipeline{
		Provider:       domain.ProviderGitHub,
		ID:             strconv.FormatInt(r.GetID(), 10),
		RepositoryName: repo,
		Name:           r.GetName(),
		Status:         normalize.Status(raw),
		Event:          normalize.Event(raw),
		Branch:         r.GetHeadBranch(),
		SHA:            r.GetHeadSHA(),
		URL:            r.GetHTMLURL(),
		CreatedAt:      r.GetCreatedAt().Time,
		StartTime:      r.GetRunStartedAt().Time,
	}
	if r.GetStatus() == "completed" {
		p.EndTime = r.GetUpdatedAt().Time
	}
	if r.GetRepository() != nil && r.GetRepository().GetName() != "" {
		p.RepositoryName = r.GetRepository().GetName()
	}
	return p
}
