package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand-dev/conveyor/internal/pipelineerr"
)

func TestCallPassesThroughSuccess(t *testing.T) {
	b := New(Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, nil, nil)

	out, err := Call(context.Background(), b.Agent, "test.op", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCallPropagatesUnderlyingFailure(t *testing.T) {
	b := New(Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, nil, nil)
	boom := errors.New("boom")

	_, err := Call(context.Background(), b.Agent, "test.op", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestCallTripsAfterConsecutiveFailuresAndObserves(t *testing.T) {
	var observed []bool
	b := New(
		Settings{FailureThreshold: 2, ResetTimeout: time.Minute},
		Settings{FailureThreshold: 2, ResetTimeout: time.Minute},
		nil,
		func(name string, open bool) { observed = append(observed, open) },
	)

	failing := func(ctx context.Context) (string, error) { return "", errors.New("boom") }
	_, _ = Call(context.Background(), b.Agent, "test.op", failing)
	_, _ = Call(context.Background(), b.Agent, "test.op", failing)

	_, err := Call(context.Background(), b.Agent, "test.op", func(ctx context.Context) (string, error) {
		t.Fatal("fn must not be invoked while the breaker is open")
		return "", nil
	})
	require.Error(t, err)
	assert.True(t, pipelineerr.Is(err, pipelineerr.CircuitOpen))

	require.NotEmpty(t, observed)
	assert.True(t, observed[len(observed)-1])
}

func TestBreakersAreIndependentPerName(t *testing.T) {
	b := New(Settings{FailureThreshold: 1, ResetTimeout: time.Minute}, Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, nil, nil)

	_, _ = Call(context.Background(), b.Agent, "test.op", func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})

	_, err := Call(context.Background(), b.Agent, "test.op", func(ctx context.Context) (string, error) {
		return "", nil
	})
	assert.True(t, pipelineerr.Is(err, pipelineerr.CircuitOpen))

	// Forge breaker, with a higher threshold, is unaffected.
	out, err := Call(context.Background(), b.Forge, "test.op", func(ctx context.Context) (string, error) {
		return "fine", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
}
