package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

type hinted struct{ d time.Duration }

func (h hinted) Error() string             { return "rate limited" }
func (h hinted) RetryAfter() time.Duration { return h.d }

func testPolicy(opts ...Option) (Policy, *[]time.Duration) {
	var slept []time.Duration
	p := NewPolicy(append([]Option{
		WithBaseDelay(time.Second),
		WithMaxDelay(10 * time.Second),
		WithJitter(0),
		WithRetryable(func(err error) bool { return !errors.Is(err, context.Canceled) && err.Error() != "fatal" }),
	}, opts...)...)
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDo_Success(t *testing.T) {
	p, slept := testPolicy()
	calls := 0
	v, err := Do(context.Background(), p, func(context.Context, int) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	p, slept := testPolicy()
	v, err := Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errBusy
		}
		return attempt, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	p, _ := testPolicy()
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errors.New("fatal")
	})
	require.Error(t, err)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	p, _ := testPolicy(WithMaxAttempts(4))
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errBusy
	})
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 4, calls)
}

func TestDo_NilPredicateNeverRetries(t *testing.T) {
	p := NewPolicy()
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryAfterHintCapped(t *testing.T) {
	p, slept := testPolicy(WithMaxAttempts(3))
	_, _ = Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, hinted{d: 3 * time.Second}
		}
		return 0, hinted{d: time.Minute}
	})
	assert.Equal(t, []time.Duration{3 * time.Second, 10 * time.Second}, *slept)
}

func TestDo_ContextCanceled(t *testing.T) {
	p, _ := testPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, p, func(context.Context, int) (int, error) {
		calls++
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_NotifyCalled(t *testing.T) {
	var seen []int
	p, _ := testPolicy(WithNotify(func(attempt int, _ error, _ time.Duration) {
		seen = append(seen, attempt)
	}))
	_, _ = Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, errBusy
	})
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDelayNoJitter(t *testing.T) {
	p := NewPolicy(WithBaseDelay(time.Second), WithMaxDelay(10*time.Second))
	assert.Equal(t, time.Second, p.DelayNoJitter(1))
	assert.Equal(t, 2*time.Second, p.DelayNoJitter(2))
	assert.Equal(t, 8*time.Second, p.DelayNoJitter(4))
	assert.Equal(t, 10*time.Second, p.DelayNoJitter(6))
}

func TestDelay_JitterBounded(t *testing.T) {
	p := NewPolicy(WithBaseDelay(time.Second), WithJitter(0.2))
	for i := 0; i < 50; i++ {
		d := p.Delay(1, errBusy)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
