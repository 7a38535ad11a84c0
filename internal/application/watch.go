package application

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
)

// WatchTarget is a pull request whose latest run is tracked over time.
type WatchTarget struct {
	Name     string
	Provider domain.ProviderKind
	Ref      domain.PullRequestRef
	// Status is the status the target is waiting for. UNKNOWN only tracks.
	Status domain.PipelineStatus
	Event  domain.EventType
}

type PipelineFinder interface {
	FindPipeline(ctx context.Context, ref domain.PullRequestRef, desired domain.PipelineStatus, event domain.EventType) (*domain.Pipeline, error)
}

// FinderResolver returns the finder for a provider kind.
type FinderResolver func(domain.ProviderKind) (PipelineFinder, error)

type ReportWriter interface {
	Write(ctx context.Context, v any) error
}

// Notifier announces a transition to a human.
type Notifier interface {
	Notify(ctx context.Context, title, body, url string, critical bool) error
}

type TargetState struct {
	Target   string                `json:"target"`
	Provider domain.ProviderKind   `json:"provider"`
	Ref      domain.PullRequestRef `json:"ref"`
	Desired  domain.PipelineStatus `json:"desired,omitempty"`
	Pipeline *domain.Pipeline      `json:"pipeline,omitempty"`
	Reached  bool                  `json:"reached"`
	Observed time.Time             `json:"observed"`
}

type WatchReport struct {
	Generated time.Time     `json:"generated"`
	Targets   []TargetState `json:"targets"`
}

// Watcher remembers the last observed run per target and reports changes.
type Watcher struct {
	resolve FinderResolver
	report  ReportWriter
	notify  Notifier
	clock   clockwork.Clock
	log     *zap.Logger

	mu   sync.Mutex
	last map[string]TargetState
}

// NewWatcher returns a Watcher. report and notify may be nil.
func NewWatcher(resolve FinderResolver, report ReportWriter, notify Notifier, clock clockwork.Clock, log *zap.Logger) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{resolve: resolve, report: report, notify: notify, clock: clock, log: log, last: map[string]TargetState{}}
}

// PollOnce looks up the latest run of t. A new run id or a status change is
// logged and triggers a snapshot report of every known target.
func (w *Watcher) PollOnce(ctx context.Context, t WatchTarget) error {
	finder, err := w.resolve(t.Provider)
	if err != nil {
		return err
	}
	p, err := finder.FindPipeline(ctx, t.Ref, domain.StatusUnknown, t.Event)
	if err != nil {
		return fmt.Errorf("watch %s: %w", t.Name, err)
	}
	if p == nil {
		return nil
	}

	w.mu.Lock()
	prev, seen := w.last[t.Name]
	changed := !seen || prev.Pipeline == nil || prev.Pipeline.ID != p.ID || prev.Pipeline.Status != p.Status
	if !changed {
		w.mu.Unlock()
		return nil
	}
	st := TargetState{
		Target:   t.Name,
		Provider: t.Provider,
		Ref:      t.Ref,
		Desired:  t.Status,
		Pipeline: p,
		Reached:  t.Status != domain.StatusUnknown && p.Status == t.Status,
		Observed: w.clock.Now(),
	}
	w.last[t.Name] = st
	snapshot := w.snapshotLocked()
	w.mu.Unlock()

	w.log.Info(transitionTitle(p.Status),
		zap.String("target", t.Name),
		zap.String("run", p.ID),
		zap.String("repository", t.Ref.Repository),
		zap.String("status", string(p.Status)),
		zap.Bool("reached", st.Reached),
		zap.String("url", p.URL),
	)

	if w.report != nil {
		if err := w.report.Write(ctx, snapshot); err != nil {
			w.log.Warn("writing watch report failed", zap.Error(err))
		}
	}
	if w.notify != nil {
		body := fmt.Sprintf("%s: run %s on %s", t.Name, p.ID, t.Ref.Repository)
		critical := p.Status == domain.StatusFailure
		if err := w.notify.Notify(ctx, transitionTitle(p.Status), body, p.URL, critical); err != nil {
			w.log.Warn("notification failed", zap.Error(err))
		}
	}
	return nil
}

// State returns the last observed state of a target.
func (w *Watcher) State(name string) (TargetState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.last[name]
	return st, ok
}

func (w *Watcher) snapshotLocked() WatchReport {
	r := WatchReport{Generated: w.clock.Now(), Targets: make([]TargetState, 0, len(w.last))}
	for _, st := range w.last {
		r.Targets = append(r.Targets, st)
	}
	slices.SortFunc(r.Targets, func(a, b TargetState) int { return strings.Compare(a.Target, b.Target) })
	return r
}

func transitionTitle(s domain.PipelineStatus) string {
	switch s {
	case domain.StatusSuccess:
		return "run succeeded"
	case domain.StatusFailure:
		return "run failed"
	case domain.StatusRunning:
		return "run started"
	case domain.StatusPending:
		return "run queued"
	case domain.StatusCancelled:
		return "run cancelled"
	default:
		return "run status " + strings.ToLower(string(s))
	}
}
