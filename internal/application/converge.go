package application

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/metrics"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const (
	DefaultPollInterval = 30 * time.Second

	// Waits longer than this back off by 1.5 between polls.
	longWait = 30 * time.Minute

	modeTerminal = "terminal"
	modeSynced   = "synced"
)

var errBail = errors.New("application cannot converge")

// Converger polls a run or an ArgoCD application until it reaches a final
// state or the deadline passes. Both outcomes are values.
type Converger struct {
	provider domain.Provider
	argo     domain.ArgoClient
	interval time.Duration
	clock    clockwork.Clock
	log      *zap.Logger
}

func NewConverger(p domain.Provider, argo domain.ArgoClient, interval time.Duration, clock clockwork.Clock, log *zap.Logger) *Converger {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Converger{provider: p, argo: argo, interval: interval, clock: clock, log: log}
}

// policy derives the poll budget from timeout. The deadline context is what
// actually ends the wait; the attempt cap only guards against a stalled clock.
func (c *Converger) policy(timeout time.Duration) retry.Policy {
	attempts := int(timeout/c.interval) + 1
	p := retry.Fixed(c.interval, attempts)
	if timeout > longWait {
		p.Factor = 1.5
		p.MaxInterval = 4 * c.interval
	}
	p.Clock = c.clock
	return p
}

// WaitForTerminal returns the terminal status of p. A run that disappears,
// fails to load or outlives timeout yields UNKNOWN without an error.
func (c *Converger) WaitForTerminal(ctx context.Context, p domain.Pipeline, timeout time.Duration) (domain.PipelineStatus, error) {
	if c.provider == nil {
		return domain.StatusUnknown, &domain.ConfigError{Field: "provider", Message: "no CI provider configured"}
	}
	if p.Status.IsTerminal() {
		return p.Status, nil
	}

	log := c.log.With(zap.String("provider", string(c.provider.Kind())), zap.String("run", p.Handle().String()))
	start := c.clock.Now()
	dctx, expired, cancel := c.deadline(ctx, timeout)
	defer cancel()

	var last domain.PipelineStatus = domain.StatusUnknown
	err := retry.Do(dctx, c.policy(timeout), func(ctx context.Context) error {
		run, err := c.provider.GetRun(ctx, p.Handle())
		if err != nil {
			if domain.IsNotFound(err) {
				return retry.Permanent(err)
			}
			return err
		}
		last = run.Status
		if run.Status.IsTerminal() {
			return nil
		}
		return retry.ErrNotYet
	}, func(err error, next time.Duration) {
		log.Debug("run not terminal yet", zap.String("status", string(last)), zap.Duration("next", next), zap.Error(err))
	})

	switch {
	case err == nil:
		metrics.ObserveConvergence(modeTerminal, "terminal", c.clock.Since(start))
		log.Info("run reached terminal status", zap.String("status", string(last)))
		return last, nil
	case ctx.Err() != nil:
		return domain.StatusUnknown, ctx.Err()
	case domain.IsConfigError(err):
		return domain.StatusUnknown, err
	case expired(), errors.Is(err, retry.ErrNotYet):
		metrics.ObserveConvergence(modeTerminal, "timeout", c.clock.Since(start))
		log.Warn("run did not finish before deadline", zap.Duration("timeout", timeout), zap.String("last_status", string(last)))
	default:
		metrics.ObserveConvergence(modeTerminal, "error", c.clock.Since(start))
		log.Warn("giving up on run", zap.Error(err))
	}
	return domain.StatusUnknown, nil
}

// WaitForSynced waits until the application is Synced and Healthy at
// revision. Degraded health, a failed sync or a failed operation end the wait
// early with the reason.
func (c *Converger) WaitForSynced(ctx context.Context, ref domain.ArgoAppRef, revision string, timeout time.Duration) (domain.SyncWaitResult, error) {
	if c.argo == nil {
		return domain.SyncWaitResult{}, &domain.ConfigError{Field: "argocd", Message: "no ArgoCD client configured"}
	}

	log := c.log.With(zap.String("application", ref.Name), zap.String("namespace", ref.Namespace), zap.String("revision", revision))
	start := c.clock.Now()
	dctx, expired, cancel := c.deadline(ctx, timeout)
	defer cancel()

	var (
		last *domain.ArgoApplication
		res  domain.SyncWaitResult
	)
	err := retry.Do(dctx, c.policy(timeout), func(ctx context.Context) error {
		app, err := c.argo.GetApplication(ctx, ref)
		if err != nil {
			if domain.IsNotFound(err) {
				return retry.ErrNotYet
			}
			return err
		}
		last = &app
		if app.Converged(revision) {
			res = domain.SyncWaitResult{
				Synced:       true,
				Status:       appStatus(app),
				Message:      "application synced and healthy at " + revision,
				LastObserved: last,
			}
			return nil
		}
		if reason := app.BailReason(); reason != "" {
			res = domain.SyncWaitResult{
				Status:       appStatus(app),
				Message:      reason,
				Reason:       reason,
				LastObserved: last,
			}
			return retry.Permanent(errBail)
		}
		return retry.ErrNotYet
	}, func(_ error, next time.Duration) {
		if last != nil {
			log.Debug("application not converged yet",
				zap.String("sync", last.Sync.Status),
				zap.String("health", last.Health.Status),
				zap.String("observed_revision", last.Sync.Revision),
				zap.Duration("next", next))
		}
	})

	outcome := "synced"
	switch {
	case err == nil:
		log.Info("application converged")
	case errors.Is(err, errBail):
		outcome = "bail"
		log.Warn("application cannot converge", zap.String("reason", res.Reason))
	case ctx.Err() != nil:
		return domain.SyncWaitResult{LastObserved: last}, ctx.Err()
	case domain.IsConfigError(err):
		return domain.SyncWaitResult{}, err
	case expired(), errors.Is(err, retry.ErrNotYet):
		outcome = "timeout"
		res = domain.SyncWaitResult{
			Reason:       domain.SyncReasonTimeout,
			Message:      fmt.Sprintf("application did not converge on %s within %s", revision, timeout),
			LastObserved: last,
		}
		if last != nil {
			res.Status = appStatus(*last)
		}
		log.Warn("application did not converge before deadline", zap.Duration("timeout", timeout))
	default:
		outcome = "error"
		res = domain.SyncWaitResult{Reason: err.Error(), Message: "reading application failed", LastObserved: last}
		log.Warn("giving up on application", zap.Error(err))
	}
	metrics.ObserveConvergence(modeSynced, outcome, c.clock.Since(start))
	return res, nil
}

// deadline cancels the returned context once timeout has passed on the
// converger's clock.
func (c *Converger) deadline(ctx context.Context, timeout time.Duration) (context.Context, func() bool, context.CancelFunc) {
	dctx, cancel := context.WithCancel(ctx)
	var expired atomic.Bool
	t := c.clock.AfterFunc(timeout, func() {
		expired.Store(true)
		cancel()
	})
	return dctx, expired.Load, func() {
		t.Stop()
		cancel()
	}
}

func appStatus(a domain.ArgoApplication) string {
	return a.Sync.Status + "/" + a.Health.Status
}
