package application

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

type Options struct {
	Component    string
	MatchPolicy  retry.Policy
	PageLimit    int
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// ControlPlane is the caller-facing surface over one CI provider and,
// optionally, ArgoCD.
type ControlPlane struct {
	provider  domain.Provider
	matcher   *Matcher
	canceller *Canceller
	converger *Converger
	argo      *ArgoController
	log       *zap.Logger
}

func New(p domain.Provider, argoClient domain.ArgoClient, argoCLI domain.ArgoCLI, o Options) *ControlPlane {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conv := NewConverger(p, argoClient, o.PollInterval, o.Clock, log.Named("converge"))
	cp := &ControlPlane{
		provider:  p,
		converger: conv,
		log:       log,
	}
	if p != nil {
		cp.matcher = NewMatcher(p, o.MatchPolicy, o.PageLimit, log.Named("match"))
		cp.canceller = NewCanceller(p, o.Component, log.Named("cancel"))
	}
	if argoCLI != nil {
		cp.argo = NewArgoController(argoCLI, argoClient, conv, log.Named("argocd"))
	}
	return cp
}

func (c *ControlPlane) noProvider() error {
	return &domain.ConfigError{Field: "provider", Message: "no CI provider configured"}
}

func (c *ControlPlane) GetPipeline(ctx context.Context, ref domain.PullRequestRef, desired domain.PipelineStatus, event domain.EventType) (*domain.Pipeline, error) {
	if c.matcher == nil {
		return nil, c.noProvider()
	}
	return c.matcher.GetPipeline(ctx, ref, desired, event)
}

// FindPipeline is GetPipeline without retries.
func (c *ControlPlane) FindPipeline(ctx context.Context, ref domain.PullRequestRef, desired domain.PipelineStatus, event domain.EventType) (*domain.Pipeline, error) {
	if c.matcher == nil {
		return nil, c.noProvider()
	}
	return c.matcher.FindPipeline(ctx, ref, desired, event)
}

func (c *ControlPlane) WaitForTerminal(ctx context.Context, p domain.Pipeline, timeout time.Duration) (domain.PipelineStatus, error) {
	return c.converger.WaitForTerminal(ctx, p, timeout)
}

func (c *ControlPlane) CancelAll(ctx context.Context, opts domain.CancelOptions) (domain.CancelResult, error) {
	if c.canceller == nil {
		return emptyResult(), c.noProvider()
	}
	return c.canceller.CancelAll(ctx, opts)
}

func (c *ControlPlane) WaitForSynced(ctx context.Context, ref domain.ArgoAppRef, revision string, timeout time.Duration) (domain.SyncWaitResult, error) {
	return c.converger.WaitForSynced(ctx, ref, revision, timeout)
}

func (c *ControlPlane) SyncApplication(ctx context.Context, ref domain.ArgoAppRef, opts domain.SyncOptions, timeout time.Duration) (domain.ApplicationSyncResult, error) {
	if c.argo == nil {
		return domain.ApplicationSyncResult{}, &domain.ConfigError{Field: "argocd", Message: "no ArgoCD CLI configured"}
	}
	return c.argo.SyncApplication(ctx, ref, opts, timeout)
}

// GetLogs returns whatever log text the provider has for p. Runs without logs
// yield "".
func (c *ControlPlane) GetLogs(ctx context.Context, p domain.Pipeline) (string, error) {
	if c.provider == nil {
		return "", c.noProvider()
	}
	out, err := c.provider.GetLogs(ctx, p.Handle())
	if err != nil && domain.IsNotFound(err) {
		return "", nil
	}
	return out, err
}

func (c *ControlPlane) ListRuns(ctx context.Context, repo string, f domain.RunFilter) ([]domain.Pipeline, error) {
	if c.provider == nil {
		return nil, c.noProvider()
	}
	return c.provider.ListRuns(ctx, repo, f)
}

// GetRun re-fetches a run snapshot.
func (c *ControlPlane) GetRun(ctx context.Context, h domain.RunHandle) (domain.Pipeline, error) {
	if c.provider == nil {
		return domain.Pipeline{}, c.noProvider()
	}
	return c.provider.GetRun(ctx, h)
}
