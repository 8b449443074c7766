package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines retry behavior.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0 to 1.0
	Multiplier   float64

	// Retryable decides whether an error is worth another attempt. Nil
	// means nothing is retried.
	Retryable func(error) bool

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.2,
		Multiplier:   2.0,
	}
}

// Option configures a Policy.
type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) { p.BaseDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.MaxDelay = d }
}

func WithJitter(f float64) Option {
	return func(p *Policy) { p.JitterFactor = f }
}

func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) { p.Retryable = fn }
}

func WithNotify(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(p *Policy) { p.OnRetry = fn }
}

func NewPolicy(opts ...Option) Policy {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// RetryAfterer is implemented by errors carrying a server-provided wait hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// ExhaustedError indicates all attempts failed with retryable errors.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := p.wait(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// Delay computes the wait before the next attempt. A Retry-After hint on
// err wins over the exponential schedule; both are capped at MaxDelay.
func (p Policy) Delay(attempt int, err error) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return p.capped(float64(d))
		}
	}

	delay := p.DelayNoJitter(attempt)
	if p.JitterFactor > 0 {
		jitter := float64(delay) * p.JitterFactor
		return p.capped(float64(delay) + (rand.Float64()*2-1)*jitter)
	}
	return delay
}

// DelayNoJitter is the exponential schedule without jitter or hints.
func (p Policy) DelayNoJitter(attempt int) time.Duration {
	return p.capped(float64(p.BaseDelay) * math.Pow(p.multiplier(), float64(attempt-1)))
}

func (p Policy) multiplier() float64 {
	if p.Multiplier <= 0 {
		return 2.0
	}
	return p.Multiplier
}

func (p Policy) capped(d float64) time.Duration {
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
