package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Timeout: 50 * time.Millisecond}, logrus.New())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	require.True(t, b.IsOpen())

	err := b.Execute(func() error { return nil })
	require.Error(t, err)
	require.NotErrorIs(t, err, boom) // rejected by the breaker itself, fn never ran
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond}, logrus.New())
	boom := errors.New("boom")

	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Timeout: time.Hour}, logrus.New())
	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	require.True(t, b.IsOpen())

	b.Reset()
	require.False(t, b.IsOpen())
}
