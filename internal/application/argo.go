package application

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
)

const DefaultSyncTimeout = 5 * time.Minute

var (
	syncSucceeded = regexp.MustCompile(`(?m)^Phase:\s+Succeeded\b|successfully synced`)
	syncRevision  = regexp.MustCompile(`(?m)^Sync Revision:\s+(\S+)`)
	syncStatus    = regexp.MustCompile(`(?m)^Sync Status:\s+(\S+)`)
	healthStatus  = regexp.MustCompile(`(?m)^Health Status:\s+(\S+)`)
)

// ArgoController triggers ArgoCD syncs through the CLI and, when a revision
// is expected, waits for the application to converge on it.
type ArgoController struct {
	cli       domain.ArgoCLI
	reader    domain.ArgoClient
	converger *Converger
	log       *zap.Logger

	mu       sync.Mutex
	loggedIn bool
}

func NewArgoController(cli domain.ArgoCLI, reader domain.ArgoClient, converger *Converger, log *zap.Logger) *ArgoController {
	if log == nil {
		log = zap.NewNop()
	}
	return &ArgoController{cli: cli, reader: reader, converger: converger, log: log}
}

// clock is the converger's clock so the sync and the wait share one budget.
func (a *ArgoController) clock() clockwork.Clock {
	if a.converger != nil {
		return a.converger.clock
	}
	return clockwork.NewRealClock()
}

func (a *ArgoController) login(ctx context.Context, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loggedIn && !force {
		return nil
	}
	a.loggedIn = false
	if err := a.cli.Login(ctx); err != nil {
		return err
	}
	a.loggedIn = true
	return nil
}

// SyncApplication runs "argocd app sync". An expired session gets one forced
// re-login and one more sync. Sync failures are reported in the result;
// only configuration problems and caller cancellation are errors.
func (a *ArgoController) SyncApplication(ctx context.Context, ref domain.ArgoAppRef, opts domain.SyncOptions, timeout time.Duration) (domain.ApplicationSyncResult, error) {
	if a.cli == nil {
		return domain.ApplicationSyncResult{}, &domain.ConfigError{Field: "argocd", Message: "no ArgoCD CLI configured"}
	}
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	log := a.log.With(zap.String("application", ref.Name), zap.String("namespace", ref.Namespace))
	clock := a.clock()
	start := clock.Now()

	out, err := a.sync(ctx, ref, opts, timeout)
	if err != nil {
		if domain.IsConfigError(err) || ctx.Err() != nil {
			return domain.ApplicationSyncResult{}, err
		}
		log.Warn("argocd sync failed", zap.Error(err))
		return domain.ApplicationSyncResult{Message: err.Error()}, nil
	}

	res := parseSyncOutput(out)
	if !res.Success {
		log.Warn("argocd sync finished without success marker")
		res.Message = "sync output carries no success marker"
		return res, nil
	}

	if opts.ExpectedRevision != "" && a.converger != nil && !opts.DryRun {
		remaining := timeout - clock.Since(start)
		if remaining <= 0 {
			remaining = a.converger.interval
		}
		w, err := a.converger.WaitForSynced(ctx, ref, opts.ExpectedRevision, remaining)
		if err != nil {
			return domain.ApplicationSyncResult{}, err
		}
		res.Success = w.Synced
		res.Message = w.Message
		if w.LastObserved != nil {
			fill(&res, *w.LastObserved)
		}
		return res, nil
	}

	if a.reader != nil {
		app, err := a.reader.GetApplication(ctx, ref)
		if err != nil {
			log.Debug("reading application after sync failed", zap.Error(err))
		} else {
			fill(&res, app)
		}
	}
	log.Info("argocd sync succeeded", zap.String("revision", res.Revision))
	return res, nil
}

func (a *ArgoController) sync(ctx context.Context, ref domain.ArgoAppRef, opts domain.SyncOptions, timeout time.Duration) (string, error) {
	if err := a.login(ctx, false); err != nil {
		return "", err
	}
	secs := int(timeout / time.Second)
	out, err := a.cli.Sync(ctx, ref, opts, secs)
	if err == nil || !domain.IsAuth(err) {
		return out, err
	}

	a.log.Info("argocd session rejected, logging in again", zap.String("application", ref.Name))
	if err := a.login(ctx, true); err != nil {
		return "", err
	}
	return a.cli.Sync(ctx, ref, opts, secs)
}

func parseSyncOutput(out string) domain.ApplicationSyncResult {
	out = trimLines(out)
	res := domain.ApplicationSyncResult{
		Success: syncSucceeded.MatchString(out),
		Message: "sync succeeded",
	}
	if m := syncRevision.FindStringSubmatch(out); m != nil {
		res.Revision = m[1]
	}
	if m := syncStatus.FindStringSubmatch(out); m != nil {
		res.SyncStatus = m[1]
	}
	if m := healthStatus.FindStringSubmatch(out); m != nil {
		res.HealthStatus = m[1]
	}
	return res
}

func fill(res *domain.ApplicationSyncResult, app domain.ArgoApplication) {
	res.SyncStatus = app.Sync.Status
	res.HealthStatus = app.Health.Status
	if app.Sync.Revision != "" {
		res.Revision = app.Sync.Revision
	}
}

func trimLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}
