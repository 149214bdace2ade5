package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func tripAfter(n uint32) Config {
	return Config{
		Name:        "test",
		OpenTimeout: 50 * time.Millisecond,
		TripWhen:    func(c Counts) bool { return c.ConsecutiveFailures >= n },
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(tripAfter(3))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New(tripAfter(1))
	require.Error(t, b.Do(func() error { return errBoom }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxProbes consecutive successes close the circuit.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Do(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(tripAfter(1))
	require.Error(t, b.Do(func() error { return errBoom }))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Do(func() error { return errBoom }))
	assert.Equal(t, StateOpen, b.State())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(tripAfter(3))

	require.Error(t, b.Do(func() error { return errBoom }))
	require.Error(t, b.Do(func() error { return errBoom }))
	require.NoError(t, b.Do(func() error { return nil }))
	require.Error(t, b.Do(func() error { return errBoom }))

	assert.Equal(t, StateClosed, b.State(), "streak was broken")
}

func TestSetHealth(t *testing.T) {
	s := NewSet()
	ok, states := s.Health()
	assert.True(t, ok)
	assert.Equal(t, "closed", states["planner"])

	for i := 0; i < 3; i++ {
		_ = s.Planner.Do(func() error { return errBoom })
	}
	ok, states = s.Health()
	assert.False(t, ok)
	assert.Equal(t, "open", states["planner"])
}
