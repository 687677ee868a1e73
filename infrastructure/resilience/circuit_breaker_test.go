package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, Timeout: 50 * time.Millisecond, HalfOpenMax: 1})

	failing := errors.New("boom")
	require.ErrorIs(t, cb.Execute(context.Background(), func() error { return failing }), failing)
	require.ErrorIs(t, cb.Execute(context.Background(), func() error { return failing }), failing)

	assert.Equal(t, StateOpen, cb.State())
	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerRecoversToClosedAfterTimeout(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("boom") }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}
