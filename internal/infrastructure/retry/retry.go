// Package retry is the one retry driver used by adapters, matching and
// convergence polling.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/davarch/ci-controlplane/internal/domain"
)

// ErrNotYet signals that the awaited condition has not been reached.
var ErrNotYet = errors.New("condition not reached yet")

type Policy struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Factor      float64
	Jitter      float64
	// MaxAttempts counts the first call. Zero means retry until the context
	// is done.
	MaxAttempts int
	Clock       clockwork.Clock
}

// Adapter is the transport retry budget shared by provider adapters.
func Adapter() Policy {
	return Policy{MinInterval: 2 * time.Second, MaxInterval: 30 * time.Second, Factor: 2, Jitter: 0.1, MaxAttempts: 4}
}

// Match is the budget for locating a run after a pull-request event.
func Match() Policy {
	return Policy{MinInterval: 5 * time.Second, MaxInterval: 15 * time.Second, Factor: 1.5, MaxAttempts: 10}
}

// Fixed polls every interval for at most attempts times.
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{MinInterval: interval, MaxInterval: interval, Factor: 1, MaxAttempts: attempts}
}

// TimeSource returns Clock, or the real clock when none is set. Callers that
// wait between attempts use it so fake clocks drive their sleeps too.
func (p Policy) TimeSource() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.MinInterval
	bo.MaxInterval = p.MaxInterval
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.Multiplier = p.Factor
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0
	bo.Clock = p.TimeSource()

	var b backoff.BackOff = bo
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Permanent stops the driver and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

type Notify func(err error, next time.Duration)

// Do runs op until it succeeds, returns a non-retryable error or the budget
// is exhausted. Classified errors that are not retryable stop immediately.
// When the budget runs out the last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	attempt := func() error {
		err := op(ctx)
		if err == nil || errors.Is(err, ErrNotYet) {
			return err
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotifyWithTimer(attempt, p.backOff(ctx), backoff.Notify(notify), &clockTimer{clock: p.TimeSource()})
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, notify)
	return out, err
}

type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
