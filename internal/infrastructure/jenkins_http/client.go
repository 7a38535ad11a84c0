package jenkins_http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/domain/normalize"
	"github.com/davarch/ci-controlplane/internal/infrastructure/httpx"
)

const (
	pageSize  = 100
	buildTree = "number,url,building,result,timestamp,duration,displayName," +
		"actions[_class,causes[_class,shortDescription],lastBuiltRevision[SHA1,branch[SHA1,name]],parameters[name,value]]"
)

type Client struct {
	api    *httpx.Client
	folder string
}

// New returns a Jenkins adapter. A repository maps to the job of the same
// name inside folder.
func New(baseURL, folder, username, apiToken string, opts httpx.Options) *Client {
	return &Client{
		api:    httpx.New(domain.ProviderJenkins, baseURL, httpx.BasicAuth(username, apiToken), opts),
		folder: folder,
	}
}

func (c *Client) Kind() domain.ProviderKind { return domain.ProviderJenkins }

type causeDTO struct {
	Class            string `json:"_class"`
	ShortDescription string `json:"shortDescription"`
}

type branchDTO struct {
	SHA1 string `json:"SHA1"`
	Name string `json:"name"`
}

type actionDTO struct {
	Class             string     `json:"_class"`
	Causes            []causeDTO `json:"causes"`
	LastBuiltRevision *struct {
		SHA1   string      `json:"SHA1"`
		Branch []branchDTO `json:"branch"`
	} `json:"lastBuiltRevision"`
	Parameters []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"parameters"`
}

type buildDTO struct {
	Number      int         `json:"number"`
	URL         string      `json:"url"`
	Building    bool        `json:"building"`
	Result      *string     `json:"result"`
	Timestamp   int64       `json:"timestamp"`
	Duration    int64       `json:"duration"`
	DisplayName string      `json:"displayName"`
	Actions     []actionDTO `json:"actions"`
}

func (c *Client) jobPath(job string) string {
	var parts []string
	if c.folder != "" {
		for _, f := range strings.Split(c.folder, "/") {
			if f != "" {
				parts = append(parts, "job", url.PathEscape(f))
			}
		}
	}
	parts = append(parts, "job", url.PathEscape(job))
	return strings.Join(parts, "/")
}

func (c *Client) ListRuns(ctx context.Context, repo string, f domain.RunFilter) ([]domain.Pipeline, error) {
	var out []domain.Pipeline
	for start := 0; ; start += pageSize {
		q := url.Values{}
		q.Set("tree", fmt.Sprintf("builds[%s]{%d,%d}", buildTree, start, start+pageSize))

		var job struct {
			Builds []buildDTO `json:"builds"`
		}
		if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: c.jobPath(repo) + "/api/json", Query: q}, &job); err != nil {
			return nil, fmt.Errorf("listing builds of %s: %w", repo, err)
		}
		for _, b := range job.Builds {
			p := toPipeline(repo, b)
			if f.Accepts(p) {
				out = append(out, p)
			}
		}
		if f.PageLimit > 0 && len(out) >= f.PageLimit {
			return out[:f.PageLimit], nil
		}
		if len(job.Builds) < pageSize {
			return out, nil
		}
	}
}

func (c *Client) buildPath(h domain.RunHandle) (string, error) {
	job := h.JobName
	if job == "" {
		job = h.Repository
	}
	n := h.BuildNumber
	if n == 0 {
		var err error
		if n, err = strconv.Atoi(h.ID); err != nil {
			return "", &domain.ConfigError{Field: "buildNumber", Message: "jenkins handle needs a build number", Err: err}
		}
	}
	return c.jobPath(job) + "/" + strconv.Itoa(n), nil
}

func (c *Client) GetRun(ctx context.Context, h domain.RunHandle) (domain.Pipeline, error) {
	path, err := c.buildPath(h)
	if err != nil {
		return domain.Pipeline{}, err
	}
	q := url.Values{"tree": {buildTree}}
	var b buildDTO
	if _, err := c.api.JSON(ctx, httpx.Request{Method: http.MethodGet, Path: path + "/api/json", Query: q}, &b); err != nil {
		return domain.Pipeline{}, fmt.Errorf("getting build %s: %w", h, err)
	}
	repo := h.Repository
	if repo == "" {
		repo = h.JobName
	}
	return toPipeline(repo, b), nil
}

func (c *Client) GetLogs(ctx context.Context, h domain.RunHandle) (string, error) {
	path, err := c.buildPath(h)
	if err != nil {
		return "", err
	}
	text, err := c.api.Text(ctx, path+"/consoleText", nil)
	if err != nil {
		if domain.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading console of %s: %w", h, err)
	}
	return text, nil
}

// Cancel is not offered for Jenkins; callers get a NotSupported error rather
// than a silent success.
func (c *Client) Cancel(ctx context.Context, h domain.RunHandle) error {
	return domain.NewNotSupported(domain.ProviderJenkins, "cancel")
}

func toPipeline(job string, b buildDTO) domain.Pipeline {
	raw := normalize.JenkinsBuild{Building: b.Building}
	if b.Result != nil {
		raw.Result = *b.Result
	}

	var sha, branch string
	params := map[string]string{}
	for _, a := range b.Actions {
		for _, cause := range a.Causes {
			raw.Causes = append(raw.Causes, cause.Class)
		}
		if a.LastBuiltRevision != nil {
			sha = a.LastBuiltRevision.SHA1
			if len(a.LastBuiltRevision.Branch) > 0 {
				branch = trimRemote(a.LastBuiltRevision.Branch[0].Name)
			}
		}
		for _, p := range a.Parameters {
			params[p.Name] = fmt.Sprint(p.Value)
		}
	}
	if sha == "" {
		sha = firstNonEmpty(params["GIT_COMMIT"], params["ghprbActualCommit"])
	}
	if branch == "" {
		branch = firstNonEmpty(params["BRANCH"], params["ghprbSourceBranch"])
	}

	event := normalize.Event(raw)
	p := domain.Pipeline{
		Provider:        domain.ProviderJenkins,
		ID:              strconv.Itoa(b.Number),
		BuildNumber:     b.Number,
		RepositoryName:  job,
		Name:            b.DisplayName,
		JobName:         job,
		Status:          normalize.Status(raw),
		Event:           event,
		EventUnfiltered: event == domain.EventNone,
		Branch:          branch,
		SHA:             sha,
		URL:             b.URL,
	}
	if b.Timestamp > 0 {
		p.CreatedAt = time.UnixMilli(b.Timestamp).UTC()
		p.StartTime = p.CreatedAt
		if !b.Building && b.Duration > 0 {
			p.EndTime = p.StartTime.Add(time.Duration(b.Duration) * time.Millisecond)
		}
	}
	return p
}

func trimRemote(name string) string {
	name = strings.TrimPrefix(name, "refs/remotes/")
	return strings.TrimPrefix(name, "origin/")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" && v != "<nil>" {
			return v
		}
	}
	return ""
}
