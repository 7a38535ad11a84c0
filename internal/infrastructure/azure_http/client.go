package azure_http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/domain/normalize"
	"github.com/davarch/ci-controlplane/internal/infrastructure/httpx"
)

const (
	apiVersion = "7.1"
	pageSize   = 100

	// DefaultBaseURL is the Azure DevOps Services endpoint.
	DefaultBaseURL = "https://dev.azure.com"
)

type Client struct {
	api *httpx.Client
	log *zap.Logger

	// definitions caches pipeline definition ids by repository name.
	definitions sync.Map
}

// New returns an Azure Pipelines adapter scoped to organization/project. A
// repository maps to the build definition with the same name.
func New(baseURL, organization, project, pat string, opts httpx.Options) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	root := httpx.TrimSlash(baseURL) + "/" + url.PathEscape(organization) + "/" + url.PathEscape(project) + "/_apis/build"
	return &Client{
		api: httpx.New(domain.ProviderAzure, root, httpx.BasicAuth("", pat), opts),
		log: opts.Logger,
	}
}

func (c *Client) Kind() domain.ProviderKind { return domain.ProviderAzure }

type buildDTO struct {
	ID            int64      `json:"id"`
	BuildNumber   string     `json:"buildNumber"`
	Status        string     `json:"status"`
	Result        string     `json:"result"`
	Reason        string     `json:"reason"`
	SourceBranch  string     `json:"sourceBranch"`
	SourceVersion string     `json:"sourceVersion"`
	QueueTime     time.Time  `json:"queueTime"`
	StartTime     *time.Time `json:"startTime"`
	FinishTime    *time.Time `json:"finishTime"`
	Definition    struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"definition"`
	Links struct {
		Web struct {
			Href string `json:"href"`
		} `json:"web"`
	} `json:"_links"`
}

func query(kv ...string) url.Values {
	q := url.Values{"api-version": {apiVersion}}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

func (c *Client) definitionID(ctx context.Context, repo string) (int64, error) {
	if v, ok := c.definitions.Load(repo); ok {
		return v.(int64), nil
	}
	var resp struct {
		Value []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"value"`
	}
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: "definitions", Query: query("name", repo)}, &resp); err != nil {
		return 0, fmt.Errorf("resolving pipeline definition %s: %w", repo, err)
	}
	for _, d := range resp.Value {
		if d.Name == repo {
			c.definitions.Store(repo, d.ID)
			return d.ID, nil
		}
	}
	return 0, &domain.ProviderError{
		Kind:       domain.KindNotFound,
		Provider:   domain.ProviderAzure,
		Op:         "resolve definition",
		StatusCode: http.StatusNotFound,
		Message:    "no pipeline definition named " + strconv.Quote(repo),
	}
}

func (c *Client) ListRuns(ctx context.Context, repo string, f domain.RunFilter) ([]domain.Pipeline, error) {
	defID, err := c.definitionID(ctx, repo)
	if err != nil {
		return nil, err
	}

	q := query(
		"definitions", strconv.FormatInt(defID, 10),
		"queryOrder", "queueTimeDescending",
		"$top", strconv.Itoa(pageSize),
	)
	if f.Branch != "" {
		q.Set("branchName", "refs/heads/"+strings.TrimPrefix(f.Branch, "refs/heads/"))
	}
	if !f.Since.IsZero() {
		q.Set("minTime", f.Since.UTC().Format(time.RFC3339))
	}

	var out []domain.Pipeline
	for {
		var resp struct {
			Value []buildDTO `json:"value"`
		}
		h, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: "builds", Query: q}, &resp)
		if err != nil {
			return nil, fmt.Errorf("listing builds of %s: %w", repo, err)
		}
		for _, b := range resp.Value {
			p := toPipeline(repo, b)
			if f.Accepts(p) {
				out = append(out, p)
			}
		}
		if f.PageLimit > 0 && len(out) >= f.PageLimit {
			return out[:f.PageLimit], nil
		}
		token := h.Get("X-Ms-Continuationtoken")
		if token == "" {
			return out, nil
		}
		q.Set("continuationToken", token)
	}
}

func (c *Client) GetRun(ctx context.Context, h domain.RunHandle) (domain.Pipeline, error) {
	var b buildDTO
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: "builds/" + h.ID, Query: query()}, &b); err != nil {
		return domain.Pipeline{}, fmt.Errorf("getting build %s: %w", h, err)
	}
	return toPipeline(h.Repository, b), nil
}

// Cancel requests cancellation. Azure accepts the update for finished builds
// as a no-op, so those are reported as conflicts up front.
func (c *Client) Cancel(ctx context.Context, h domain.RunHandle) error {
	p, err := c.GetRun(ctx, h)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return &domain.ProviderError{
			Kind:       domain.KindConflict,
			Provider:   domain.ProviderAzure,
			Op:         "cancel",
			StatusCode: http.StatusConflict,
			Message:    "build already completed with status " + string(p.Status),
		}
	}
	body := map[string]string{"status": "Cancelling"}
	if _, err := c.api.Do(ctx, httpx.Request{Method: http.MethodPatch, Path: "builds/" + h.ID, Query: query(), Body: body}); err != nil {
		return fmt.Errorf("cancelling build %s: %w", h, err)
	}
	return nil
}

func (c *Client) GetLogs(ctx context.Context, h domain.RunHandle) (string, error) {
	var resp struct {
		Value []struct {
			ID int64 `json:"id"`
		} `json:"value"`
	}
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: "builds/" + h.ID + "/logs", Query: query()}, &resp); err != nil {
		if domain.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing logs of build %s: %w", h, err)
	}

	var b strings.Builder
	for _, l := range resp.Value {
		text, err := c.api.Text(ctx, "builds/"+h.ID+"/logs/"+strconv.FormatInt(l.ID, 10), query())
		if err != nil {
			c.log.Debug("build log unavailable", zap.Int64("log", l.ID), zap.Error(err))
			continue
		}
		b.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func toPipeline(repo string, b buildDTO) domain.Pipeline {
	raw := normalize.AzureBuild{State: b.Status, Result: b.Result, Reason: b.Reason}
	p := domain.Pipeline{
		Provider:       domain.ProviderAzure,
		ID:             strconv.FormatInt(b.ID, 10),
		RepositoryName: repo,
		Name:           b.Definition.Name + " " + b.BuildNumber,
		Status:         normalize.Status(raw),
		Event:          normalize.Event(raw),
		Branch:         strings.TrimPrefix(b.SourceBranch, "refs/heads/"),
		SHA:            b.SourceVersion,
		URL:            b.Links.Web.Href,
		CreatedAt:      b.QueueTime,
	}
	if b.StartTime != nil {
		p.StartTime = *b.StartTime
	}
	if b.FinishTime != nil {
		p.EndTime = *b.FinishTime
	}
	return p
}
