package normalize

import (
	"testing"

	"github.com/davarch/ci-controlplane/internal/domain"
)

func TestTekton(t *testing.T) {
	cases := []struct {
		name string
		cond []TektonCondition
		want domain.PipelineStatus
	}{
		{"succeeded", []TektonCondition{{Type: "Succeeded", Status: "True"}}, domain.StatusSuccess},
		{"failed", []TektonCondition{{Type: "Succeeded", Status: "False", Reason: "Failed"}}, domain.StatusFailure},
		{"running", []TektonCondition{{Type: "Succeeded", Status: "Unknown", Reason: "Running"}}, domain.StatusRunning},
		{"started", []TektonCondition{{Type: "Succeeded", Status: "Unknown", Reason: "Started"}}, domain.StatusRunning},
		{"pending", []TektonCondition{{Type: "Succeeded", Status: "Unknown", Reason: "Pending"}}, domain.StatusPending},
		{"unknown reason", []TektonCondition{{Type: "Succeeded", Status: "Unknown", Reason: "PipelineRunCancelled"}}, domain.StatusUnknown},
		{"no conditions", nil, domain.StatusUnknown},
		{"other type", []TektonCondition{{Type: "Ready", Status: "True"}}, domain.StatusUnknown},
		{"first condition wins", []TektonCondition{
			{Type: "Succeeded", Status: "False"},
			{Type: "Succeeded", Status: "True"},
		}, domain.StatusFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Tekton(TektonRun{Conditions: tc.cond}); got != tc.want {
				t.Errorf("Tekton() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestTektonEventAndCompletion(t *testing.T) {
	r := TektonRun{
		Labels:      map[string]string{LabelState: "completed"},
		Annotations: map[string]string{AnnotationOnEvent: "[pull_request]"},
	}
	if got := TektonEvent(r); got != domain.EventPullRequest {
		t.Errorf("TektonEvent() = %q", got)
	}
	if !TektonCompleted(r) {
		t.Error("expected completed label to be honoured")
	}

	r.Annotations[AnnotationOnEvent] = "[push]"
	if got := TektonEvent(r); got != domain.EventPush {
		t.Errorf("TektonEvent() = %q", got)
	}
	if got := TektonEvent(TektonRun{}); got != domain.EventNone {
		t.Errorf("TektonEvent() without annotation = %q", got)
	}
}

func TestGitHub(t *testing.T) {
	cases := []struct {
		status, conclusion string
		want               domain.PipelineStatus
	}{
		{"completed", "success", domain.StatusSuccess},
		{"completed", "neutral", domain.StatusSuccess},
		{"completed", "failure", domain.StatusFailure},
		{"completed", "timed_out", domain.StatusFailure},
		{"completed", "cancelled", domain.StatusFailure},
		{"completed", "action_required", domain.StatusFailure},
		{"completed", "skipped", domain.StatusUnknown},
		{"completed", "stale", domain.StatusUnknown},
		{"in_progress", "", domain.StatusRunning},
		{"queued", "", domain.StatusPending},
		{"waiting", "", domain.StatusPending},
		{"requested", "", domain.StatusPending},
		{"pending", "", domain.StatusPending},
		{"weird", "", domain.StatusUnknown},
	}
	for _, tc := range cases {
		if got := GitHub(GitHubRun{Status: tc.status, Conclusion: tc.conclusion}); got != tc.want {
			t.Errorf("GitHub(%s/%s) = %s, want %s", tc.status, tc.conclusion, got, tc.want)
		}
	}
}

func TestGitLab(t *testing.T) {
	want := map[string]domain.PipelineStatus{
		"success":              domain.StatusSuccess,
		"failed":               domain.StatusFailure,
		"canceled":             domain.StatusFailure,
		"skipped":              domain.StatusFailure,
		"running":              domain.StatusRunning,
		"created":              domain.StatusPending,
		"waiting_for_resource": domain.StatusPending,
		"preparing":            domain.StatusPending,
		"pending":              domain.StatusPending,
		"manual":               domain.StatusPending,
		"scheduled":            domain.StatusPending,
		"":                     domain.StatusUnknown,
	}
	for in, w := range want {
		if got := GitLab(GitLabPipeline{Status: in}); got != w {
			t.Errorf("GitLab(%q) = %s, want %s", in, got, w)
		}
	}
	if GitLabEvent("merge_request_event") != domain.EventPullRequest || GitLabEvent("push") != domain.EventPush {
		t.Error("unexpected GitLab event mapping")
	}
	if GitLabEvent("schedule") != domain.EventNone {
		t.Error("schedule must map to no event")
	}
}

func TestJenkins(t *testing.T) {
	cases := []struct {
		b    JenkinsBuild
		want domain.PipelineStatus
	}{
		{JenkinsBuild{Building: true, Result: "FAILURE"}, domain.StatusRunning},
		{JenkinsBuild{Result: "SUCCESS"}, domain.StatusSuccess},
		{JenkinsBuild{Result: "UNSTABLE"}, domain.StatusFailure},
		{JenkinsBuild{Result: "ABORTED"}, domain.StatusFailure},
		{JenkinsBuild{Result: "NOT_BUILT"}, domain.StatusPending},
		{JenkinsBuild{}, domain.StatusUnknown},
	}
	for _, tc := range cases {
		if got := Jenkins(tc.b); got != tc.want {
			t.Errorf("Jenkins(%+v) = %s, want %s", tc.b, got, tc.want)
		}
	}

	if got := JenkinsEvent([]string{"hudson.model.Cause$UserIdCause"}); got != domain.EventNone {
		t.Errorf("user cause = %q", got)
	}
	if got := JenkinsEvent([]string{"org.jenkinsci.plugins.github.pullrequest.GitHubPRCause", "com.cloudbees.jenkins.GitHubPullRequestCause"}); got != domain.EventPullRequest {
		t.Errorf("pr cause = %q", got)
	}
	if got := JenkinsEvent([]string{"com.cloudbees.jenkins.GitHubPushCause"}); got != domain.EventPush {
		t.Errorf("push cause = %q", got)
	}
}

func TestAzure(t *testing.T) {
	cases := []struct {
		state, result string
		want          domain.PipelineStatus
	}{
		{"notStarted", "", domain.StatusPending},
		{"POSTPONED", "", domain.StatusPending},
		{"inProgress", "", domain.StatusRunning},
		{"cancelling", "", domain.StatusRunning},
		{"completed", "succeeded", domain.StatusSuccess},
		{"completed", "partiallySucceeded", domain.StatusSuccess},
		{"COMPLETED", "FAILED", domain.StatusFailure},
		{"completed", "canceled", domain.StatusCancelled},
		{"completed", "none", domain.StatusUnknown},
		{"none", "", domain.StatusUnknown},
	}
	for _, tc := range cases {
		if got := Azure(AzureBuild{State: tc.state, Result: tc.result}); got != tc.want {
			t.Errorf("Azure(%s/%s) = %s, want %s", tc.state, tc.result, got, tc.want)
		}
	}

	if AzureEvent("manual") != domain.EventPullRequest {
		t.Error("manual should be treated as pull request")
	}
	if AzureEvent("individualCI") != domain.EventPush {
		t.Error("individualCI should be push")
	}
	if AzureEvent("schedule") != domain.EventNone {
		t.Error("schedule should map to no event")
	}
}

func TestAzureEnum(t *testing.T) {
	for in, want := range map[string]string{
		"notStarted":         "NOT_STARTED",
		"individualCI":       "INDIVIDUAL_CI",
		"partiallySucceeded": "PARTIALLY_SUCCEEDED",
		"IN_PROGRESS":        "IN_PROGRESS",
		"completed":          "COMPLETED",
		"":                   "",
	} {
		if got := AzureEnum(in); got != want {
			t.Errorf("AzureEnum(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusIsPure(t *testing.T) {
	raws := []Raw{
		TektonRun{Conditions: []TektonCondition{{Type: "Succeeded", Status: "True"}}},
		GitHubRun{Status: "completed", Conclusion: "neutral", Event: "pull_request"},
		GitLabPipeline{Status: "running", Source: "push"},
		JenkinsBuild{Result: "SUCCESS"},
		AzureBuild{State: "completed", Result: "canceled", Reason: "manual"},
	}
	for _, r := range raws {
		first, firstEvent := Status(r), Event(r)
		for range 3 {
			if Status(r) != first || Event(r) != firstEvent {
				t.Fatalf("normalization of %T is not stable", r)
			}
		}
	}
}
