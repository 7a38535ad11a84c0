package application

import (
	"context"
	"testing"
	"time"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func run(id, sha string, st domain.PipelineStatus, ev domain.EventType, created time.Time) domain.Pipeline {
	return domain.Pipeline{
		Provider:       domain.ProviderTekton,
		ID:             id,
		RepositoryName: "r",
		Name:           "pipeline-" + id,
		Status:         st,
		Event:          ev,
		SHA:            sha,
		CreatedAt:      created,
	}
}

func fastMatch(attempts int) retry.Policy {
	return retry.Fixed(time.Millisecond, attempts)
}

func TestGetPipeline_MatchesBySHAAndStatus(t *testing.T) {
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{
		"r": {
			run("a", "abc123", domain.StatusSuccess, domain.EventPullRequest, t0),
			run("b", "other", domain.StatusSuccess, domain.EventPullRequest, t0.Add(time.Minute)),
		},
	}}
	m := NewMatcher(p, fastMatch(3), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc123", PullNumber: 5}, domain.StatusSuccess, domain.EventPullRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != "a" {
		t.Fatalf("expected run a, got %+v", got)
	}
	if p.Filters[0].SHA != "abc123" || p.Filters[0].PageLimit != DefaultPageLimit {
		t.Errorf("unexpected filter %+v", p.Filters[0])
	}
}

func TestGetPipeline_UnknownSHAReturnsNilAfterBoundedRetry(t *testing.T) {
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{
		"r": {run("a", "abc123", domain.StatusSuccess, domain.EventPullRequest, t0)},
	}}
	m := NewMatcher(p, fastMatch(3), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "xyz", PullNumber: 5}, domain.StatusSuccess, domain.EventPullRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
	if p.ListCalls != 3 {
		t.Errorf("expected 3 list calls, got %d", p.ListCalls)
	}
}

func TestGetPipeline_WaitsForActiveRunToFinish(t *testing.T) {
	running := run("a", "abc", domain.StatusRunning, domain.EventPullRequest, t0)
	done := running
	done.Status = domain.StatusSuccess
	p := &domain.MockProvider{ListSeq: [][]domain.Pipeline{{running}, {running}, {done}}}
	m := NewMatcher(p, fastMatch(5), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusSuccess, domain.EventNone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Status != domain.StatusSuccess {
		t.Fatalf("expected finished run, got %+v", got)
	}
	if p.ListCalls != 3 {
		t.Errorf("expected 3 list calls, got %d", p.ListCalls)
	}
}

func TestGetPipeline_TerminalMismatchStopsEarly(t *testing.T) {
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{
		"r": {run("a", "abc", domain.StatusFailure, domain.EventPullRequest, t0)},
	}}
	m := NewMatcher(p, fastMatch(5), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusSuccess, domain.EventPullRequest)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", got, err)
	}
	if p.ListCalls != 1 {
		t.Errorf("expected a single attempt, got %d", p.ListCalls)
	}
}

func TestGetPipeline_PullNumberZeroIgnoresSHA(t *testing.T) {
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{
		"r": {
			run("old", "s1", domain.StatusSuccess, domain.EventPush, t0),
			run("new", "s2", domain.StatusSuccess, domain.EventPush, t0.Add(time.Hour)),
		},
	}}
	m := NewMatcher(p, fastMatch(2), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "unrelated"}, domain.StatusUnknown, domain.EventNone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != "new" {
		t.Fatalf("expected newest run, got %+v", got)
	}
	if p.Filters[0].SHA != "" {
		t.Errorf("sha must not be pushed down, got %q", p.Filters[0].SHA)
	}
}

func TestGetPipeline_EventFilterRequiresEvent(t *testing.T) {
	noEvent := run("a", "abc", domain.StatusSuccess, domain.EventNone, t0)
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{"r": {noEvent}}}
	m := NewMatcher(p, fastMatch(2), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusSuccess, domain.EventPullRequest)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", got, err)
	}

	noEvent.EventUnfiltered = true
	p.Runs["r"] = []domain.Pipeline{noEvent}
	got, err = m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusSuccess, domain.EventPullRequest)
	if err != nil || got == nil {
		t.Fatalf("expected unfiltered run to match; got %+v, %v", got, err)
	}
}

func TestGetPipeline_AdapterErrorIsReturned(t *testing.T) {
	p := &domain.MockProvider{ListErr: map[string]error{
		"r": domain.NewHTTPError(domain.ProviderGitLab, "list runs", 401, "", "unauthorized"),
	}}
	m := NewMatcher(p, fastMatch(5), 0, nil)

	_, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusSuccess, domain.EventNone)
	if !domain.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if p.ListCalls != 1 {
		t.Errorf("adapter errors must not be retried by the matcher, got %d calls", p.ListCalls)
	}
}

func TestGetPipeline_MissingRepositoryIsEmpty(t *testing.T) {
	p := &domain.MockProvider{ListErr: map[string]error{
		"r": domain.NewHTTPError(domain.ProviderGitHub, "list runs", 404, "", "not found"),
	}}
	m := NewMatcher(p, fastMatch(2), 0, nil)

	got, err := m.GetPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusSuccess, domain.EventNone)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", got, err)
	}
}

func TestFindPipeline_SingleAttempt(t *testing.T) {
	p := &domain.MockProvider{}
	m := NewMatcher(p, fastMatch(5), 0, nil)

	got, err := m.FindPipeline(context.Background(), domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 1}, domain.StatusRunning, domain.EventNone)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", got, err)
	}
	if p.ListCalls != 1 {
		t.Errorf("expected 1 call, got %d", p.ListCalls)
	}
}

func TestLatest_TieBreaks(t *testing.T) {
	runs := []domain.Pipeline{
		run("1", "s", domain.StatusSuccess, domain.EventPush, t0),
		run("3", "s", domain.StatusSuccess, domain.EventPush, t0),
		run("2", "s", domain.StatusSuccess, domain.EventPullRequest, t0),
	}

	if got := Latest(runs, domain.EventPullRequest); got.ID != "2" {
		t.Errorf("event tie-break: got %s", got.ID)
	}
	if got := Latest(runs, domain.EventNone); got.ID != "3" {
		t.Errorf("id tie-break: got %s", got.ID)
	}

	runs = append(runs, run("0", "s", domain.StatusSuccess, domain.EventPush, t0.Add(time.Second)))
	if got := Latest(runs, domain.EventPullRequest); got.ID != "0" {
		t.Errorf("newest wins: got %s", got.ID)
	}
}
