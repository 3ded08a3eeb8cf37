package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(n int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(n, timeout)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	cb, clock := newTestBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	// failed probe reopens
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(150 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	boom := errors.New("boom")

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clock.advance(2 * time.Second)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
