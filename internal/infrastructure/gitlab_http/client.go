package gitlab_http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/domain/normalize"
	"github.com/davarch/ci-controlplane/internal/infrastructure/httpx"
)

const perPage = 100

type Client struct {
	api   *httpx.Client
	group string
	log   *zap.Logger
}

// New returns a GitLab adapter. Repositories are resolved as group/repo.
func New(baseURL, group, token string, opts httpx.Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		api:   httpx.New(domain.ProviderGitLab, httpx.TrimSlash(baseURL)+"/api/v4", httpx.HeaderToken("PRIVATE-TOKEN", token), opts),
		group: group,
		log:   opts.Logger,
	}
}

func (c *Client) Kind() domain.ProviderKind { return domain.ProviderGitLab }

type pipelineDTO struct {
	ID         int64      `json:"id"`
	IID        int64      `json:"iid"`
	SHA        string     `json:"sha"`
	Ref        string     `json:"ref"`
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	Name       string     `json:"name"`
	WebURL     string     `json:"web_url"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type jobDTO struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

func (c *Client) project(repo string) string {
	full := repo
	if c.group != "" && !strings.Contains(repo, "/") {
		full = c.group + "/" + repo
	}
	return "projects/" + url.PathEscape(full)
}

func (c *Client) ListRuns(ctx context.Context, repo string, f domain.RunFilter) ([]domain.Pipeline, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("order_by", "id")
	q.Set("sort", "desc")
	if f.SHA != "" {
		q.Set("sha", f.SHA)
	}
	if f.Branch != "" {
		q.Set("ref", f.Branch)
	}
	switch f.Event {
	case domain.EventPush:
		q.Set("source", "push")
	case domain.EventPullRequest:
		q.Set("source", "merge_request_event")
	}
	if !f.Since.IsZero() {
		q.Set("updated_after", f.Since.UTC().Format(time.RFC3339))
	}

	var out []domain.Pipeline
	for page := "1"; page != ""; {
		q.Set("page", page)
		var list []pipelineDTO
		h, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: c.project(repo) + "/pipelines", Query: q}, &list)
		if err != nil {
			return nil, fmt.Errorf("listing pipelines of %s: %w", repo, err)
		}
		for _, dto := range list {
			p := toPipeline(repo, dto)
			if f.Accepts(p) {
				out = append(out, p)
			}
		}
		if f.PageLimit > 0 && len(out) >= f.PageLimit {
			return out[:f.PageLimit], nil
		}
		page = h.Get("X-Next-Page")
	}
	return out, nil
}

func (c *Client) GetRun(ctx context.Context, h domain.RunHandle) (domain.Pipeline, error) {
	var dto pipelineDTO
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: c.project(h.Repository) + "/pipelines/" + h.ID}, &dto); err != nil {
		return domain.Pipeline{}, fmt.Errorf("getting pipeline %s: %w", h, err)
	}
	return toPipeline(h.Repository, dto), nil
}

// Cancel asks GitLab to cancel the pipeline. GitLab answers 200 for finished
// pipelines too, so the returned state is checked.
func (c *Client) Cancel(ctx context.Context, h domain.RunHandle) error {
	var dto pipelineDTO
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodPost, Path: c.project(h.Repository) + "/pipelines/" + h.ID + "/cancel"}, &dto); err != nil {
		return fmt.Errorf("cancelling pipeline %s: %w", h, err)
	}
	switch dto.Status {
	case "success", "failed", "skipped":
		return &domain.ProviderError{
			Kind:         domain.KindConflict,
			Provider:     domain.ProviderGitLab,
			Op:           "cancel",
			StatusCode:   http.StatusConflict,
			ProviderCode: dto.Status,
			Message:      "pipeline already completed with status " + dto.Status,
		}
	}
	return nil
}

// GetLogs concatenates the traces of every job in the pipeline.
func (c *Client) GetLogs(ctx context.Context, h domain.RunHandle) (string, error) {
	q := url.Values{"per_page": {strconv.Itoa(perPage)}}
	var jobs []jobDTO
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: c.project(h.Repository) + "/pipelines/" + h.ID + "/jobs", Query: q}, &jobs); err != nil {
		if domain.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing jobs of pipeline %s: %w", h, err)
	}

	var b strings.Builder
	for _, j := range jobs {
		trace, err := c.api.Text(ctx, c.project(h.Repository)+"/jobs/"+strconv.FormatInt(j.ID, 10)+"/trace", nil)
		if err != nil {
			c.log.Debug("job trace unavailable", zap.Int64("job", j.ID), zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "=== %s/%s (%s) ===\n%s\n", j.Stage, j.Name, j.Status, trace)
	}
	return b.String(), nil
}

func toPipeline(repo string, dto pipelineDTO) domain.Pipeline {
	raw := normalize.GitLabPipeline{Status: dto.Status, Source: dto.Source}
	p := domain.Pipeline{
		Provider:       domain.ProviderGitLab,
		ID:             strconv.FormatInt(dto.ID, 10),
		RepositoryName: repo,
		Name:           dto.Name,
		Status:         normalize.Status(raw),
		Event:          normalize.Event(raw),
		Branch:         dto.Ref,
		SHA:            dto.SHA,
		URL:            dto.WebURL,
		CreatedAt:      dto.CreatedAt,
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("%s #%d", repo, dto.IID)
	}
	if dto.StartedAt != nil {
		p.StartTime = *dto.StartedAt
	}
	if dto.FinishedAt != nil {
		p.EndTime = *dto.FinishedAt
	}
	return p
}
