package helpers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

type RetryState int

const (
	RetryIdle RetryState = iota
	RetryAttempting
	RetryWaiting
	RetrySucceeded
	RetryGaveUp
)

func (s RetryState) String() string {
	switch s {
	case RetryIdle:
		return "idle"
	case RetryAttempting:
		return "attempting"
	case RetryWaiting:
		return "waiting"
	case RetrySucceeded:
		return "succeeded"
	case RetryGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds a retry loop. MaxAttempts <= 0 means no attempt limit;
// cancellation then only comes from the context. Min == Max gives a fixed delay.
type RetryPolicy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool
}

func FixedDelay(delay time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Min: delay, Max: delay, Factor: 1}
}

// Retrier runs an operation through Attempting -> Waiting -> Attempting until
// it succeeds, the attempt budget is spent (GaveUp) or ctx is cancelled.
type Retrier struct {
	policy RetryPolicy

	mu       sync.Mutex
	state    RetryState
	attempts int
	lastErr  error
	backoff  *backoff.Backoff
}

func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{
		policy: policy,
		state:  RetryIdle,
		backoff: &backoff.Backoff{
			Min:    policy.Min,
			Max:    policy.Max,
			Factor: policy.Factor,
			Jitter: policy.Jitter,
		},
	}
}

// Do calls fn until it returns nil. OnRetry, when set, is called with every
// failed attempt before waiting.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry ...func(attempt int, err error, wait time.Duration)) error {
	r.mu.Lock()
	r.attempts = 0
	r.backoff.Reset()
	r.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.setState(RetryAttempting)
		err := fn(ctx)

		r.mu.Lock()
		r.attempts++
		attempts := r.attempts
		r.lastErr = err
		r.mu.Unlock()

		if err == nil {
			r.setState(RetrySucceeded)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if r.policy.MaxAttempts > 0 && attempts >= r.policy.MaxAttempts {
			r.setState(RetryGaveUp)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}

		wait := r.nextDelay()
		for _, cb := range onRetry {
			cb(attempts, err, wait)
		}

		r.setState(RetryWaiting)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Retrier) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff.Duration()
}

func (r *Retrier) setState(s RetryState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Retrier) State() RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Retrier) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Retrier) LastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
