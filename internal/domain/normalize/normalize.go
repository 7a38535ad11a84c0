// Package normalize maps provider run records onto the canonical status and
// event model. Every function here is pure.
package normalize

import (
	"strings"
	"unicode"

	"github.com/davarch/ci-controlplane/internal/domain"
)

// Raw is a provider run record reduced to the fields that drive
// normalization. The concrete type identifies the provider.
type Raw interface {
	Provider() domain.ProviderKind
}

const (
	LabelState         = "pipelinesascode.tekton.dev/state"
	LabelSHA           = "pipelinesascode.tekton.dev/sha"
	LabelURLRepository = "pipelinesascode.tekton.dev/url-repository"
	LabelBranch        = "pipelinesascode.tekton.dev/branch"
	AnnotationOnEvent  = "pipelinesascode.tekton.dev/on-event"
	AnnotationLogURL   = "pipelinesascode.tekton.dev/log-url"
	AnnotationSrcBr    = "pipelinesascode.tekton.dev/source-branch"

	StateCompleted = "completed"
)

type TektonCondition struct {
	Type   string
	Status string
	Reason string
}

type TektonRun struct {
	Conditions  []TektonCondition
	Labels      map[string]string
	Annotations map[string]string
}

func (TektonRun) Provider() domain.ProviderKind { return domain.ProviderTekton }

type GitHubRun struct {
	Status     string
	Conclusion string
	Event      string
}

func (GitHubRun) Provider() domain.ProviderKind { return domain.ProviderGitHub }

type GitLabPipeline struct {
	Status string
	Source string
}

func (GitLabPipeline) Provider() domain.ProviderKind { return domain.ProviderGitLab }

type JenkinsBuild struct {
	Building bool
	Result   string
	// Causes are the _class names of the build trigger causes.
	Causes []string
}

func (JenkinsBuild) Provider() domain.ProviderKind { return domain.ProviderJenkins }

type AzureBuild struct {
	State  string
	Result string
	Reason string
}

func (AzureBuild) Provider() domain.ProviderKind { return domain.ProviderAzure }

// Status returns the canonical status of any provider record.
func Status(r Raw) domain.PipelineStatus {
	switch v := r.(type) {
	case TektonRun:
		return Tekton(v)
	case GitHubRun:
		return GitHub(v)
	case GitLabPipeline:
		return GitLab(v)
	case JenkinsBuild:
		return Jenkins(v)
	case AzureBuild:
		return Azure(v)
	}
	return domain.StatusUnknown
}

// Event returns the canonical event of any provider record.
func Event(r Raw) domain.EventType {
	switch v := r.(type) {
	case TektonRun:
		return TektonEvent(v)
	case GitHubRun:
		return GitHubEvent(v.Event)
	case GitLabPipeline:
		return GitLabEvent(v.Source)
	case JenkinsBuild:
		return JenkinsEvent(v.Causes)
	case AzureBuild:
		return AzureEvent(v.Reason)
	}
	return domain.EventNone
}

// Tekton inspects the first status condition only.
func Tekton(r TektonRun) domain.PipelineStatus {
	if len(r.Conditions) == 0 {
		return domain.StatusUnknown
	}
	c := r.Conditions[0]
	switch c.Status {
	case "True":
		if c.Type == "Succeeded" {
			return domain.StatusSuccess
		}
	case "False":
		if c.Type == "Succeeded" {
			return domain.StatusFailure
		}
	case "Unknown":
		switch c.Reason {
		case "Running", "Started":
			return domain.StatusRunning
		case "Pending":
			return domain.StatusPending
		}
	}
	return domain.StatusUnknown
}

// TektonCompleted reports the pipelines-as-code completion label.
func TektonCompleted(r TektonRun) bool {
	return r.Labels[LabelState] == StateCompleted
}

func TektonEvent(r TektonRun) domain.EventType {
	on := r.Annotations[AnnotationOnEvent]
	switch {
	case strings.Contains(on, "pull_request"):
		return domain.EventPullRequest
	case strings.Contains(on, "push"):
		return domain.EventPush
	}
	return domain.EventNone
}

func GitHub(r GitHubRun) domain.PipelineStatus {
	switch r.Status {
	case "completed":
		switch r.Conclusion {
		case "success", "neutral":
			return domain.StatusSuccess
		case "failure", "timed_out", "cancelled", "action_required":
			return domain.StatusFailure
		}
		return domain.StatusUnknown
	case "in_progress":
		return domain.StatusRunning
	case "queued", "waiting", "requested", "pending":
		return domain.StatusPending
	}
	return domain.StatusUnknown
}

func GitHubEvent(event string) domain.EventType {
	switch event {
	case "push":
		return domain.EventPush
	case "pull_request", "pull_request_target":
		return domain.EventPullRequest
	}
	return domain.EventNone
}

// GitLab treats skipped as a completed failure so that convergence stays
// monotone.
func GitLab(r GitLabPipeline) domain.PipelineStatus {
	switch r.Status {
	case "success":
		return domain.StatusSuccess
	case "failed", "canceled", "skipped":
		return domain.StatusFailure
	case "running":
		return domain.StatusRunning
	case "created", "waiting_for_resource", "preparing", "pending", "manual", "scheduled":
		return domain.StatusPending
	}
	return domain.StatusUnknown
}

func GitLabEvent(source string) domain.EventType {
	switch source {
	case "push":
		return domain.EventPush
	case "merge_request_event":
		return domain.EventPullRequest
	}
	return domain.EventNone
}

func Jenkins(r JenkinsBuild) domain.PipelineStatus {
	if r.Building {
		return domain.StatusRunning
	}
	switch r.Result {
	case "SUCCESS":
		return domain.StatusSuccess
	case "FAILURE", "UNSTABLE", "ABORTED":
		return domain.StatusFailure
	case "NOT_BUILT":
		return domain.StatusPending
	}
	return domain.StatusUnknown
}

// JenkinsEvent derives the event from trigger cause classes. EventNone means
// the causes carry no usable trigger information.
func JenkinsEvent(causes []string) domain.EventType {
	for _, c := range causes {
		lc := strings.ToLower(c)
		switch {
		case strings.Contains(lc, "pullrequest"), strings.Contains(lc, "mergerequest"):
			return domain.EventPullRequest
		case strings.Contains(lc, "push"), strings.Contains(lc, "scmtrigger"), strings.Contains(lc, "branchevent"):
			return domain.EventPush
		}
	}
	return domain.EventNone
}

func Azure(r AzureBuild) domain.PipelineStatus {
	switch AzureEnum(r.State) {
	case "NOT_STARTED", "POSTPONED":
		return domain.StatusPending
	case "IN_PROGRESS", "CANCELLING":
		return domain.StatusRunning
	case "COMPLETED":
		switch AzureEnum(r.Result) {
		case "SUCCEEDED", "PARTIALLY_SUCCEEDED":
			return domain.StatusSuccess
		case "FAILED":
			return domain.StatusFailure
		case "CANCELED":
			return domain.StatusCancelled
		}
	}
	return domain.StatusUnknown
}

// AzureEvent follows the PR-automation convention where manual runs are the
// ones queued for pull requests.
func AzureEvent(reason string) domain.EventType {
	switch AzureEnum(reason) {
	case "MANUAL", "PULL_REQUEST":
		return domain.EventPullRequest
	case "INDIVIDUAL_CI":
		return domain.EventPush
	}
	return domain.EventNone
}

// AzureEnum converts the REST spelling ("notStarted", "individualCI") to the
// SDK enum spelling ("NOT_STARTED", "INDIVIDUAL_CI"). Already upper-case
// input is returned unchanged.
func AzureEnum(s string) string {
	if s == "" || strings.ToUpper(s) == s {
		return s
	}
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(runes[i-1]) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
