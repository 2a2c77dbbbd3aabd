package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unreachable")

func failing() error { return errBroker }

func succeeding() error { return nil }

func TestCircuitBreakerOpensAfterTooManyFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(2, 30*time.Second, WithClock(clock))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(failing), errBroker)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	calls := 0
	err := cb.Execute(func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)
}

func TestCircuitBreakerForgetsOldFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(2, 30*time.Second, WithClock(clock), WithWindow(10*time.Second))

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	clock.Advance(11 * time.Second)
	_ = cb.Execute(failing)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(0, 30*time.Second, WithClock(clock))

	require.ErrorIs(t, cb.Execute(failing), errBroker)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.ErrorIs(t, cb.Execute(failing), errBroker)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(succeeding), ErrOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerAdmitsSingleProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(0, time.Second, WithClock(clock))
	require.Error(t, cb.Execute(failing))
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.ErrorIs(t, cb.Execute(succeeding), ErrOpen)
	close(release)
	wg.Wait()

	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(succeeding))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
