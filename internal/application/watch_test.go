package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davarch/ci-controlplane/internal/domain"
)

type recordingReport struct {
	mu      sync.Mutex
	reports []WatchReport
}

func (r *recordingReport) Write(_ context.Context, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, v.(WatchReport))
	return nil
}

func (r *recordingReport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func watcherFor(p *domain.MockProvider, rep ReportWriter) *Watcher {
	m := NewMatcher(p, fastMatch(1), 0, nil)
	return NewWatcher(func(domain.ProviderKind) (PipelineFinder, error) { return m, nil }, rep, nil, clockwork.NewFakeClockAt(t0), nil)
}

var target = WatchTarget{
	Name:     "app-pr",
	Provider: domain.ProviderTekton,
	Ref:      domain.PullRequestRef{Repository: "r", SHA: "abc", PullNumber: 3},
	Status:   domain.StatusSuccess,
}

func TestPollOnce_NewRunTriggersReport(t *testing.T) {
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{
		"r": {run("1", "abc", domain.StatusRunning, domain.EventPullRequest, t0)},
	}}
	rep := &recordingReport{}
	w := watcherFor(p, rep)

	if err := w.PollOnce(context.Background(), target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.count() != 1 {
		t.Fatalf("expected 1 report, got %d", rep.count())
	}
	st, ok := w.State("app-pr")
	if !ok || st.Reached || st.Pipeline.ID != "1" {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestPollOnce_SameRunDoesNothing(t *testing.T) {
	p := &domain.MockProvider{Runs: map[string][]domain.Pipeline{
		"r": {run("1", "abc", domain.StatusRunning, domain.EventPullRequest, t0)},
	}}
	rep := &recordingReport{}
	w := watcherFor(p, rep)

	_ = w.PollOnce(context.Background(), target)
	_ = w.PollOnce(context.Background(), target)

	if rep.count() != 1 {
		t.Errorf("expected 1 report total, got %d", rep.count())
	}
}

func TestPollOnce_StatusChangeReachesTarget(t *testing.T) {
	r1 := run("1", "abc", domain.StatusRunning, domain.EventPullRequest, t0)
	p := &domain.MockProvider{ListSeq: [][]domain.Pipeline{{r1}, {withStatus(r1, domain.StatusSuccess)}}}
	rep := &recordingReport{}
	w := watcherFor(p, rep)

	_ = w.PollOnce(context.Background(), target)
	_ = w.PollOnce(context.Background(), target)

	if rep.count() != 2 {
		t.Fatalf("expected 2 reports, got %d", rep.count())
	}
	st, _ := w.State("app-pr")
	if !st.Reached {
		t.Errorf("expected target reached, got %+v", st)
	}
	last := rep.reports[1]
	if len(last.Targets) != 1 || last.Targets[0].Pipeline.Status != domain.StatusSuccess {
		t.Errorf("unexpected report %+v", last)
	}
}

type recordingNotifier struct {
	titles   []string
	critical []bool
}

func (n *recordingNotifier) Notify(_ context.Context, title, _, _ string, critical bool) error {
	n.titles = append(n.titles, title)
	n.critical = append(n.critical, critical)
	return nil
}

func TestPollOnce_NotifiesTransitions(t *testing.T) {
	r1 := run("1", "abc", domain.StatusRunning, domain.EventPullRequest, t0)
	p := &domain.MockProvider{ListSeq: [][]domain.Pipeline{{r1}, {r1}, {withStatus(r1, domain.StatusFailure)}}}
	m := NewMatcher(p, fastMatch(1), 0, nil)
	n := &recordingNotifier{}
	w := NewWatcher(func(domain.ProviderKind) (PipelineFinder, error) { return m, nil }, nil, n, clockwork.NewFakeClockAt(t0), nil)

	for range 3 {
		if err := w.PollOnce(context.Background(), target); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if diff := cmp.Diff([]string{"run started", "run failed"}, n.titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true}, n.critical); diff != "" {
		t.Errorf("urgency mismatch (-want +got):\n%s", diff)
	}
}

func TestPollOnce_NoRunYet(t *testing.T) {
	rep := &recordingReport{}
	w := watcherFor(&domain.MockProvider{}, rep)

	if err := w.PollOnce(context.Background(), target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.count() != 0 {
		t.Errorf("expected no report")
	}
}

func TestPollOnce_ResolverError(t *testing.T) {
	boom := errors.New("no such provider")
	w := NewWatcher(func(domain.ProviderKind) (PipelineFinder, error) { return nil, boom }, nil, nil, nil, nil)
	if err := w.PollOnce(context.Background(), target); !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
}

func TestScheduler_PauseFileSkipsPolls(t *testing.T) {
	p := &domain.MockProvider{}
	pause := filepath.Join(t.TempDir(), "pause")
	if err := os.WriteFile(pause, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(zap.NewNop(), watcherFor(p, nil), []WatchTarget{target}, time.Minute, pause, nil)
	s.tick(context.Background())
	if p.ListCalls != 0 {
		t.Fatalf("paused scheduler polled %d times", p.ListCalls)
	}

	_ = os.Remove(pause)
	s.tick(context.Background())
	if p.ListCalls != 1 {
		t.Errorf("expected 1 poll after resume, got %d", p.ListCalls)
	}
}

func TestScheduler_TicksAndReloads(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &domain.MockProvider{}
	s := NewScheduler(zap.NewNop(), watcherFor(p, nil), []WatchTarget{target}, time.Minute, "", clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	second := target
	second.Name = "other"
	s.UpdateTargets([]WatchTarget{target, second})
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if p.ListCount() >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 polls, got %d", p.ListCount())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestScheduler_SweepCountsReachedTargets(t *testing.T) {
	p := &domain.MockProvider{
		Runs: map[string][]domain.Pipeline{
			"r": {run("1", "abc", domain.StatusSuccess, domain.EventPullRequest, t0)},
			"q": {run("2", "abc", domain.StatusRunning, domain.EventPullRequest, t0)},
		},
		ListErr: map[string]error{
			"x": domain.NewHTTPError(domain.ProviderTekton, "list runs", 403, "", "forbidden"),
		},
	}
	pending := target
	pending.Name, pending.Ref.Repository = "pending", "q"
	broken := target
	broken.Name, broken.Ref.Repository = "broken", "x"

	core, logs := observer.New(zapcore.DebugLevel)
	s := NewScheduler(zap.New(core), watcherFor(p, nil), []WatchTarget{target, pending, broken}, time.Minute, "", nil)

	got := s.tick(context.Background())
	if diff := cmp.Diff(Sweep{Polled: 3, Reached: 1, Failed: 1}, got); diff != "" {
		t.Fatalf("sweep (-want +got):\n%s", diff)
	}
	if got.Pending() != 1 {
		t.Errorf("expected 1 pending target, got %d", got.Pending())
	}
	if s.LastSweep() != got {
		t.Errorf("LastSweep = %+v, want %+v", s.LastSweep(), got)
	}
	if n := logs.FilterMessage("all watch targets reached their desired status").Len(); n != 0 {
		t.Fatalf("announced completion with pending targets (%d)", n)
	}

	s.UpdateTargets([]WatchTarget{target})
	s.tick(context.Background())
	s.tick(context.Background())
	if n := logs.FilterMessage("all watch targets reached their desired status").Len(); n != 1 {
		t.Errorf("expected completion logged once, got %d", n)
	}
}

func TestScheduler_PausedSweep(t *testing.T) {
	pause := filepath.Join(t.TempDir(), "pause")
	if err := os.WriteFile(pause, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(nil, watcherFor(&domain.MockProvider{}, nil), []WatchTarget{target}, time.Minute, pause, nil)
	if got := s.tick(context.Background()); got != (Sweep{Paused: true}) {
		t.Errorf("expected paused sweep, got %+v", got)
	}
}
