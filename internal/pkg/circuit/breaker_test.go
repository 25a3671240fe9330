package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("poll", 2, 30*time.Second)
	cb.now = func() time.Time { return now }
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	require.Equal(t, StateOpen, cb.State())

	called := false
	assert.ErrorIs(t, cb.Do(func() error { called = true; return nil }), ErrOpen)
	assert.False(t, called)

	now = now.Add(31 * time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Do(func() error { return nil }))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("poll", 1, time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_StateChangeHandler(t *testing.T) {
	cb := NewCircuitBreaker("poll", 1, time.Minute)
	changes := make(chan State, 1)
	cb.SetStateChangeHandler(func(_ string, _, to State) { changes <- to })
	cb.RecordFailure()
	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("no state change reported")
	}
}
