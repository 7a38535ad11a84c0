package application

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/metrics"
)

const (
	GitOpsSuffix = "-gitops"
	reasonDryRun = "Dry run mode"
)

// Canceller cancels every active run of a component across its source and
// GitOps repositories.
type Canceller struct {
	provider  domain.Provider
	component string
	log       *zap.Logger
	newID     func() string
}

func NewCanceller(p domain.Provider, component string, log *zap.Logger) *Canceller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Canceller{provider: p, component: component, log: log, newID: uuid.NewString}
}

// Repositories returns the repositories owned by the component.
func (c *Canceller) Repositories() []string {
	return []string{c.component, c.component + GitOpsSuffix}
}

// CancelAll fetches, filters and cancels runs in serial batches of
// opts.Concurrency. Individual failures are recorded in the result; an error
// is returned only when runs cannot be listed.
func (c *Canceller) CancelAll(ctx context.Context, opts domain.CancelOptions) (domain.CancelResult, error) {
	opts = opts.Normalized()
	log := c.log.With(
		zap.String("batch_id", c.newID()),
		zap.String("provider", string(c.provider.Kind())),
		zap.String("component", c.component),
		zap.Bool("dry_run", opts.DryRun),
	)
	if c.component == "" {
		return emptyResult(), &domain.ConfigError{Field: "component", Message: "component name is required"}
	}

	runs, err := c.fetch(ctx)
	if err != nil {
		log.Error("listing runs failed", zap.Error(err))
		return emptyResult(), err
	}

	targets := c.filter(runs, opts, log)
	log.Info("cancelling runs", zap.Int("fetched", len(runs)), zap.Int("selected", len(targets)), zap.Int("concurrency", opts.Concurrency))

	res := c.process(ctx, targets, opts, log)
	audit(&res, log)

	log.Info("cancellation finished",
		zap.Int("total", res.Total),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func emptyResult() domain.CancelResult {
	return domain.CancelResult{Details: []domain.CancelDetail{}, Errors: []domain.CancelError{}}
}

// fetch lists both repositories concurrently. A missing repository has no
// runs. Each run is tagged with the repository it was listed from.
func (c *Canceller) fetch(ctx context.Context) ([]domain.Pipeline, error) {
	repos := c.Repositories()
	lists := make([][]domain.Pipeline, len(repos))

	var g errgroup.Group
	for i, repo := range repos {
		g.Go(func() error {
			runs, err := c.provider.ListRuns(ctx, repo, domain.RunFilter{})
			if err != nil {
				if domain.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("listing runs of %s: %w", repo, err)
			}
			for j := range runs {
				runs[j].RepositoryName = repo
			}
			lists[i] = runs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.Pipeline
	for _, l := range lists {
		out = append(out, l...)
	}
	return out, nil
}

// filter applies, in order: completion, exclusion patterns, event, branch.
func (c *Canceller) filter(runs []domain.Pipeline, opts domain.CancelOptions, log *zap.Logger) []domain.Pipeline {
	out := make([]domain.Pipeline, 0, len(runs))
	for _, p := range runs {
		if reason := skipReason(p, opts); reason != "" {
			log.Debug("run filtered out", zap.String("id", p.ID), zap.String("repository", p.RepositoryName), zap.String("reason", reason))
			continue
		}
		out = append(out, p)
	}
	return out
}

func skipReason(p domain.Pipeline, opts domain.CancelOptions) string {
	if !opts.IncludeCompleted && p.IsFinished() {
		return "completed"
	}
	for _, re := range opts.ExcludePatterns {
		if re.MatchString(p.Name) || (p.Branch != "" && re.MatchString(p.Branch)) {
			return "excluded by " + re.String()
		}
	}
	if opts.EventType != domain.EventNone && !p.MatchesEvent(opts.EventType) {
		return "event " + string(p.Event)
	}
	if opts.Branch != "" && p.Branch != opts.Branch {
		return "branch " + p.Branch
	}
	return ""
}

func (c *Canceller) process(ctx context.Context, targets []domain.Pipeline, opts domain.CancelOptions, log *zap.Logger) domain.CancelResult {
	res := emptyResult()
	res.Total = len(targets)
	res.Details = make([]domain.CancelDetail, len(targets))
	failures := make([]*domain.CancelError, len(targets))

	var cancelled, failed, skipped atomic.Int64
	kind := string(c.provider.Kind())

	for start := 0; start < len(targets); start += opts.Concurrency {
		end := min(start+opts.Concurrency, len(targets))

		var (
			g           errgroup.Group
			batchFailed atomic.Int64
		)
		for i := start; i < end; i++ {
			g.Go(func() error {
				p := targets[i]
				d := domain.CancelDetail{
					PipelineID: p.ID,
					Name:       p.Name,
					Repository: p.RepositoryName,
					Status:     p.Status,
					EventType:  p.Event,
					Branch:     p.Branch,
				}

				if opts.DryRun {
					d.Result, d.Reason = domain.OutcomeSkipped, reasonDryRun
					skipped.Add(1)
					res.Details[i] = d
					return nil
				}

				if err := c.provider.Cancel(ctx, p.Handle()); err != nil {
					d.Result, d.Reason = domain.OutcomeFailed, failureReason(err)
					failures[i] = cancelError(p.ID, err)
					failed.Add(1)
					batchFailed.Add(1)
					log.Warn("cancel failed", zap.String("id", p.ID), zap.String("repository", p.RepositoryName), zap.Error(err))
				} else {
					d.Result = domain.OutcomeCancelled
					cancelled.Add(1)
					log.Debug("cancelled", zap.String("id", p.ID), zap.String("repository", p.RepositoryName))
				}
				metrics.RecordCancellation(kind, string(d.Result))
				res.Details[i] = d
				return nil
			})
		}
		_ = g.Wait()

		if n := end - start; !opts.DryRun && int(batchFailed.Load()) == n {
			log.Warn("every cancellation in batch failed; provider auth, network or API may be unavailable",
				zap.Int("batch_start", start), zap.Int("batch_size", n))
		}
	}

	res.Cancelled = int(cancelled.Load())
	res.Failed = int(failed.Load())
	res.Skipped = int(skipped.Load())
	for _, e := range failures {
		if e != nil {
			res.Errors = append(res.Errors, *e)
		}
	}
	return res
}

func failureReason(err error) string {
	switch {
	case domain.IsNotFound(err):
		return "not found"
	case domain.IsConflict(err):
		return "already completed or not cancellable"
	case domain.IsNotSupported(err):
		return "cancellation not supported by provider"
	case domain.IsAuth(err):
		return "not authorized"
	}
	return err.Error()
}

func cancelError(id string, err error) *domain.CancelError {
	ce := &domain.CancelError{PipelineID: id, Message: err.Error()}
	if pe, ok := domain.AsProviderError(err); ok {
		ce.StatusCode = pe.StatusCode
		ce.ProviderErrorCode = pe.ProviderCode
	}
	return ce
}

// audit appends an ACCOUNTING_ERROR entry when the counters do not add up.
func audit(res *domain.CancelResult, log *zap.Logger) {
	if res.Balanced() {
		return
	}
	msg := fmt.Sprintf("accounting mismatch: cancelled=%d failed=%d skipped=%d total=%d",
		res.Cancelled, res.Failed, res.Skipped, res.Total)
	log.Error("cancellation accounting violated", zap.String("detail", msg))
	res.Errors = append(res.Errors, domain.CancelError{PipelineID: domain.AccountingErrorID, Message: msg})
}
