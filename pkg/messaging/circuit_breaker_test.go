package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(quietLogger(), CircuitBreakerConfig{
		MaxFailures:       3,
		ResetTimeout:      10 * time.Second,
		HalfOpenSuccesses: 2,
	})
	cb.now = func() time.Time { return now }

	failure := errors.New("boom")
	fail := func() error { return failure }
	ok := func() error { return nil }

	// closed: failures below the threshold keep it closed
	assert.Equal(t, failure, cb.Execute(fail))
	assert.Equal(t, failure, cb.Execute(fail))
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())

	for i := 0; i < 3; i++ {
		cb.Execute(fail)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	// open: fails fast without calling the operation
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)

	// half-open after the reset timeout; a failure reopens it
	now = now.Add(11 * time.Second)
	assert.Equal(t, failure, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(11 * time.Second)
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())

	m := cb.GetMetrics()
	assert.Equal(t, "CLOSED", m.State)
	assert.Equal(t, int64(1), m.Rejected)
	assert.Equal(t, int64(6), m.TotalFailures)
	assert.Equal(t, int64(5), m.StateTransitions)
}

func TestCircuitBreakerStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitBreakerState(42).String())
}
