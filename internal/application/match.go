package application

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/metrics"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const DefaultPageLimit = 100

type verdict int

const (
	verdictNone verdict = iota
	verdictFound
	verdictNotYet
)

func (v verdict) String() string {
	switch v {
	case verdictFound:
		return "found"
	case verdictNotYet:
		return "not_yet"
	}
	return "none"
}

// Matcher locates the run a pull request produced.
type Matcher struct {
	provider  domain.Provider
	policy    retry.Policy
	pageLimit int
	log       *zap.Logger
}

func NewMatcher(p domain.Provider, policy retry.Policy, pageLimit int, log *zap.Logger) *Matcher {
	if policy.MaxAttempts == 0 && policy.MinInterval == 0 {
		policy = retry.Match()
	}
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{provider: p, policy: policy, pageLimit: pageLimit, log: log}
}

// GetPipeline returns the latest run for ref with the desired status, or nil
// when none appears within the retry budget. Errors are returned only for
// adapter failures that survive the adapter's own retries.
func (m *Matcher) GetPipeline(ctx context.Context, ref domain.PullRequestRef, desired domain.PipelineStatus, event domain.EventType) (*domain.Pipeline, error) {
	log := m.log.With(
		zap.String("provider", string(m.provider.Kind())),
		zap.String("repository", ref.Repository),
		zap.String("sha", ref.SHA),
		zap.Int("pull", ref.PullNumber),
		zap.String("status", string(desired)),
	)

	var found *domain.Pipeline
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		p, v, err := m.attempt(ctx, ref, desired, event)
		if err != nil {
			metrics.RecordMatchAttempt(string(m.provider.Kind()), "error")
			return retry.Permanent(err)
		}
		metrics.RecordMatchAttempt(string(m.provider.Kind()), v.String())
		switch v {
		case verdictFound:
			found = p
		case verdictNotYet:
			return retry.ErrNotYet
		}
		return nil
	}, func(_ error, next time.Duration) {
		log.Debug("matching run not there yet", zap.Duration("next", next))
	})

	switch {
	case err == nil:
	case errors.Is(err, retry.ErrNotYet):
		log.Info("no matching run within retry budget")
		return nil, nil
	default:
		return nil, err
	}
	if found == nil {
		log.Info("no matching run")
		return nil, nil
	}
	log.Debug("matched run", zap.String("id", found.ID))
	return found, nil
}

// FindPipeline performs a single match attempt. A "not yet" outcome is
// reported as nil.
func (m *Matcher) FindPipeline(ctx context.Context, ref domain.PullRequestRef, desired domain.PipelineStatus, event domain.EventType) (*domain.Pipeline, error) {
	p, _, err := m.attempt(ctx, ref, desired, event)
	return p, err
}

func (m *Matcher) attempt(ctx context.Context, ref domain.PullRequestRef, desired domain.PipelineStatus, event domain.EventType) (*domain.Pipeline, verdict, error) {
	f := domain.RunFilter{Event: event, PageLimit: m.pageLimit}
	if ref.PullNumber != 0 {
		f.SHA = ref.SHA
	}

	runs, err := m.provider.ListRuns(ctx, ref.Repository, f)
	if err != nil {
		if !domain.IsNotFound(err) {
			return nil, verdictNone, err
		}
		runs = nil
	}

	// Pre-status survivors: sha, then event.
	survivors := make([]domain.Pipeline, 0, len(runs))
	for _, p := range runs {
		if f.SHA != "" && p.SHA != f.SHA {
			continue
		}
		if !p.MatchesEvent(event) {
			continue
		}
		survivors = append(survivors, p)
	}
	if len(survivors) == 0 {
		return nil, verdictNotYet, nil
	}

	matched := survivors
	if desired != domain.StatusUnknown && desired != "" {
		matched = make([]domain.Pipeline, 0, len(survivors))
		for _, p := range survivors {
			if p.Status == desired {
				matched = append(matched, p)
			}
		}
	}

	if len(matched) == 0 {
		if desired.IsTerminal() || desired == domain.StatusRunning {
			if slices.ContainsFunc(survivors, func(p domain.Pipeline) bool { return p.Status.IsActive() }) {
				return nil, verdictNotYet, nil
			}
		}
		return nil, verdictNone, nil
	}

	latest := Latest(matched, event)
	return &latest, verdictFound, nil
}

// Latest returns the most recently created run. Ties prefer the run whose
// event equals event, then the lexicographically higher id.
func Latest(runs []domain.Pipeline, event domain.EventType) domain.Pipeline {
	sorted := slices.Clone(runs)
	slices.SortStableFunc(sorted, func(a, b domain.Pipeline) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if event != domain.EventNone {
			ae, be := a.Event == event, b.Event == event
			if ae != be {
				if ae {
					return -1
				}
				return 1
			}
		}
		return strings.Compare(b.ID, a.ID)
	})
	return sorted[0]
}
