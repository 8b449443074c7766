package inference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBreaker_Transitions(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(3, 30*time.Second, WithBreakerClock(clk.now))

	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	clk.t = clk.t.Add(30 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow(), "first probe admitted")
	assert.False(t, b.Allow(), "second probe rejected")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	clk.t = clk.t.Add(31 * time.Second)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(1, time.Second, WithBreakerClock(clk.now))
	b.RecordFailure()
	clk.t = clk.t.Add(time.Second)
	assert.True(t, b.Allow())
	b.Release()
	assert.True(t, b.Allow())
}

func TestBreaker_Disabled(t *testing.T) {
	b := NewBreaker(0, time.Second)
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.Allow())
	assert.Equal(t, "closed", b.State().String())
}
