package application

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sweep summarizes one pass over the watch targets.
type Sweep struct {
	Polled  int
	Reached int
	Failed  int
	Paused  bool
}

// Pending is the number of polled targets still short of their desired status.
func (s Sweep) Pending() int { return s.Polled - s.Failed - s.Reached }

// Scheduler polls every watch target once per interval until its context ends.
// A pause file on disk suspends polling without stopping the loop.
type Scheduler struct {
	log       *zap.Logger
	watch     *Watcher
	every     time.Duration
	pauseFile string
	clock     clockwork.Clock

	mu         sync.RWMutex
	targets    []WatchTarget
	last       Sweep
	allReached bool
}

func NewScheduler(l *zap.Logger, w *Watcher, targets []WatchTarget, every time.Duration, pauseFile string, clock clockwork.Clock) *Scheduler {
	if l == nil {
		l = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		log: l, watch: w, targets: targets, every: every, pauseFile: pauseFile, clock: clock,
	}
}

// UpdateTargets swaps the target set; the next sweep uses it.
func (s *Scheduler) UpdateTargets(targets []WatchTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
	s.allReached = false
	s.log.Info("watch targets reloaded", zap.Int("targets", len(targets)))
}

// LastSweep returns the summary of the most recent sweep.
func (s *Scheduler) LastSweep() Sweep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Scheduler) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.every)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) Sweep {
	if s.paused() {
		s.log.Debug("pause file present, skipping sweep", zap.String("pause_file", s.pauseFile))
		sw := Sweep{Paused: true}
		s.mu.Lock()
		s.last = sw
		s.mu.Unlock()
		return sw
	}
	return s.sweep(ctx)
}

func (s *Scheduler) paused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}

// sweep polls each target in order and counts how many sit at their desired
// status afterwards. Reaching all of them is logged once per target set.
func (s *Scheduler) sweep(ctx context.Context) Sweep {
	s.mu.RLock()
	targets := make([]WatchTarget, len(s.targets))
	copy(targets, s.targets)
	s.mu.RUnlock()

	var sw Sweep
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		sw.Polled++
		if err := s.watch.PollOnce(ctx, t); err != nil {
			sw.Failed++
			s.log.Warn("poll failed",
				zap.String("target", t.Name),
				zap.String("repository", t.Ref.Repository),
				zap.Error(err),
			)
			continue
		}
		if st, ok := s.watch.State(t.Name); ok && st.Reached {
			sw.Reached++
		}
	}

	s.log.Debug("sweep done",
		zap.Int("polled", sw.Polled),
		zap.Int("reached", sw.Reached),
		zap.Int("pending", sw.Pending()),
		zap.Int("failed", sw.Failed),
	)

	s.mu.Lock()
	s.last = sw
	done := sw.Polled > 0 && sw.Reached == len(targets)
	announce := done && !s.allReached
	s.allReached = done
	s.mu.Unlock()

	if announce {
		s.log.Info("all watch targets reached their desired status", zap.Int("targets", sw.Reached))
	}
	return sw
}
