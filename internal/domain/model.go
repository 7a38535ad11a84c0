package domain

import (
	"regexp"
	"strconv"
	"time"
)

type ProviderKind string

const (
	ProviderTekton  ProviderKind = "tekton"
	ProviderGitHub  ProviderKind = "github"
	ProviderGitLab  ProviderKind = "gitlab"
	ProviderJenkins ProviderKind = "jenkins"
	ProviderAzure   ProviderKind = "azure"
)

func ParseProviderKind(s string) (ProviderKind, error) {
	switch k := ProviderKind(s); k {
	case ProviderTekton, ProviderGitHub, ProviderGitLab, ProviderJenkins, ProviderAzure:
		return k, nil
	}
	return "", &ConfigError{Field: "provider", Message: "unsupported provider kind " + strconv.Quote(s)}
}

type PipelineStatus string

const (
	StatusPending   PipelineStatus = "PENDING"
	StatusRunning   PipelineStatus = "RUNNING"
	StatusSuccess   PipelineStatus = "SUCCESS"
	StatusFailure   PipelineStatus = "FAILURE"
	StatusCancelled PipelineStatus = "CANCELLED"
	StatusUnknown   PipelineStatus = "UNKNOWN"
)

// IsTerminal reports whether no further transition can occur. UNKNOWN is
// never terminal.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the run has not finished yet.
func (s PipelineStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

func ParsePipelineStatus(s string) (PipelineStatus, error) {
	switch st := PipelineStatus(s); st {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailure, StatusCancelled, StatusUnknown:
		return st, nil
	case "":
		return StatusUnknown, nil
	}
	return "", &ConfigError{Field: "status", Message: "unknown pipeline status " + strconv.Quote(s)}
}

// EventType is the canonical trigger of a run. The zero value means the
// trigger is neither a push nor a pull request.
type EventType string

const (
	EventNone        EventType = ""
	EventPush        EventType = "PUSH"
	EventPullRequest EventType = "PULL_REQUEST"
)

func ParseEventType(s string) (EventType, error) {
	switch s {
	case "":
		return EventNone, nil
	case "PUSH", "push":
		return EventPush, nil
	case "PULL_REQUEST", "pull_request", "pr":
		return EventPullRequest, nil
	}
	return "", &ConfigError{Field: "event", Message: "unknown event type " + strconv.Quote(s)}
}

// Pipeline is a normalized snapshot of a provider run. Consumers that see a
// non-terminal status must re-fetch.
type Pipeline struct {
	Provider       ProviderKind   `json:"provider"`
	ID             string         `json:"id"`
	BuildNumber    int            `json:"buildNumber,omitempty"`
	RepositoryName string         `json:"repositoryName"`
	Name           string         `json:"name,omitempty"`
	JobName        string         `json:"jobName,omitempty"`
	Status         PipelineStatus `json:"status"`
	Event          EventType      `json:"eventType,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	SHA            string         `json:"sha,omitempty"`
	URL            string         `json:"url,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	StartTime      time.Time      `json:"startTime,omitempty"`
	EndTime        time.Time      `json:"endTime,omitempty"`

	// Completed is a provider completion signal that is stronger than the
	// status conditions (Tekton's pipelinesascode state label).
	Completed bool `json:"completed,omitempty"`

	// EventUnfiltered marks runs whose trigger metadata is unavailable.
	// Event filters do not apply to them.
	EventUnfiltered bool `json:"-"`
}

// Handle returns the provider-keyed reference used to re-fetch, cancel or
// read logs of this run.
func (p Pipeline) Handle() RunHandle {
	return RunHandle{
		Provider:    p.Provider,
		Repository:  p.RepositoryName,
		ID:          p.ID,
		JobName:     p.JobName,
		BuildNumber: p.BuildNumber,
	}
}

// IsFinished reports whether the run is done according to either its status
// or the provider completion signal.
func (p Pipeline) IsFinished() bool {
	return p.Completed || p.Status.IsTerminal()
}

// MatchesEvent reports whether the run satisfies an event filter. An empty
// filter matches everything; otherwise a non-empty canonical event is
// required unless the run is exempt from event filtering.
func (p Pipeline) MatchesEvent(e EventType) bool {
	if e == EventNone || p.EventUnfiltered {
		return true
	}
	return p.Event != EventNone && p.Event == e
}

type RunHandle struct {
	Provider    ProviderKind
	Repository  string
	ID          string
	JobName     string
	BuildNumber int
}

func (h RunHandle) String() string {
	if h.JobName != "" && h.BuildNumber > 0 {
		return h.JobName + "#" + strconv.Itoa(h.BuildNumber)
	}
	return h.Repository + "/" + h.ID
}

// RunFilter narrows ListRuns. Adapters push what the provider supports to the
// server and apply the rest client-side. PageLimit 0 pages exhaustively.
type RunFilter struct {
	SHA       string
	Branch    string
	Event     EventType
	Status    PipelineStatus
	Since     time.Time
	PageLimit int
}

// Accepts applies the filter to an already normalized run.
func (f RunFilter) Accepts(p Pipeline) bool {
	if f.SHA != "" && p.SHA != f.SHA {
		return false
	}
	if f.Branch != "" && p.Branch != f.Branch {
		return false
	}
	if !p.MatchesEvent(f.Event) {
		return false
	}
	if f.Status != "" && f.Status != StatusUnknown && p.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// PullRequestRef identifies the change a run is expected for. PullNumber 0
// matches any run regardless of sha.
type PullRequestRef struct {
	Repository string `yaml:"repository" json:"repository"`
	SHA        string `yaml:"sha" json:"sha"`
	PullNumber int    `yaml:"pull_number" json:"pullNumber"`
}

const DefaultCancelConcurrency = 10

type CancelOptions struct {
	ExcludePatterns  []*regexp.Regexp
	IncludeCompleted bool
	EventType        EventType
	Branch           string
	Concurrency      int
	DryRun           bool
}

// Normalized returns a copy with defaults applied.
func (o CancelOptions) Normalized() CancelOptions {
	if o.Concurrency < 1 {
		o.Concurrency = DefaultCancelConcurrency
	}
	return o
}

// CompilePatterns compiles exclusion regexes, reporting the first invalid one
// as a configuration error.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &ConfigError{Field: "excludePatterns", Message: "invalid pattern " + strconv.Quote(p), Err: err}
		}
		out = append(out, re)
	}
	return out, nil
}

type CancelOutcome string

const (
	OutcomeCancelled CancelOutcome = "cancelled"
	OutcomeFailed    CancelOutcome = "failed"
	OutcomeSkipped   CancelOutcome = "skipped"
)

// AccountingErrorID marks a CancelResult whose counters do not add up.
const AccountingErrorID = "ACCOUNTING_ERROR"

type CancelDetail struct {
	PipelineID string         `json:"pipelineId"`
	Name       string         `json:"name"`
	Repository string         `json:"repository"`
	Status     PipelineStatus `json:"status"`
	Result     CancelOutcome  `json:"result"`
	Reason     string         `json:"reason,omitempty"`
	EventType  EventType      `json:"eventType,omitempty"`
	Branch     string         `json:"branch,omitempty"`
}

type CancelError struct {
	PipelineID        string `json:"pipelineId"`
	Message           string `json:"message"`
	StatusCode        int    `json:"statusCode,omitempty"`
	ProviderErrorCode string `json:"providerErrorCode,omitempty"`
}

// CancelResult satisfies Cancelled+Failed+Skipped == Total.
type CancelResult struct {
	Total     int            `json:"total"`
	Cancelled int            `json:"cancelled"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Details   []CancelDetail `json:"details"`
	Errors    []CancelError  `json:"errors"`
}

func (r CancelResult) Balanced() bool {
	return r.Cancelled+r.Failed+r.Skipped == r.Total
}

type ArgoSyncStatus struct {
	Status   string `json:"status"`
	Revision string `json:"revision"`
}

type ArgoHealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ArgoOperationState struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
}

type ArgoResource struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	Health    string `json:"health,omitempty"`
}

const (
	ArgoSynced     = "Synced"
	ArgoOutOfSync  = "OutOfSync"
	ArgoSyncFailed = "SyncFailed"

	ArgoHealthy     = "Healthy"
	ArgoDegraded    = "Degraded"
	ArgoProgressing = "Progressing"

	ArgoPhaseSucceeded = "Succeeded"
	ArgoPhaseFailed    = "Failed"
	ArgoPhaseError     = "Error"
	ArgoPhaseRunning   = "Running"
)

type ArgoApplication struct {
	Name           string             `json:"name"`
	Namespace      string             `json:"namespace"`
	Sync           ArgoSyncStatus     `json:"sync"`
	Health         ArgoHealthStatus   `json:"health"`
	OperationState ArgoOperationState `json:"operationState"`
	Resources      []ArgoResource     `json:"resources,omitempty"`
}

// Converged reports Synced and Healthy at the expected revision.
func (a ArgoApplication) Converged(expectedRevision string) bool {
	return a.Sync.Status == ArgoSynced &&
		a.Health.Status == ArgoHealthy &&
		a.Sync.Revision == expectedRevision
}

// BailReason returns a non-empty reason when the application reached a state
// from which waiting cannot succeed.
func (a ArgoApplication) BailReason() string {
	switch {
	case a.Health.Status == ArgoDegraded:
		return "application health is Degraded: " + a.Health.Message
	case a.Sync.Status == ArgoSyncFailed:
		return "application sync status is SyncFailed"
	case a.OperationState.Phase == ArgoPhaseFailed || a.OperationState.Phase == ArgoPhaseError:
		return "sync operation phase is " + a.OperationState.Phase + ": " + a.OperationState.Message
	}
	return ""
}

type ArgoAppRef struct {
	Name      string
	Namespace string
}

const SyncReasonTimeout = "timeout"

type SyncWaitResult struct {
	Synced       bool             `json:"synced"`
	Status       string           `json:"status"`
	Message      string           `json:"message"`
	Reason       string           `json:"reason,omitempty"`
	LastObserved *ArgoApplication `json:"lastObserved,omitempty"`
}

type SyncOptions struct {
	Prune    bool
	Force    bool
	DryRun   bool
	Revision string
	// ExpectedRevision, when set, makes the sync wait until the
	// application converges on this revision.
	ExpectedRevision string
}

type ApplicationSyncResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SyncStatus   string `json:"syncStatus,omitempty"`
	HealthStatus string `json:"healthStatus,omitempty"`
	Revision     string `json:"revision,omitempty"`
}
