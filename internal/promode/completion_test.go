package promode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/promode/internal/llm"
)

var errTransient = errors.New("transient")

func TestCompleterRetry(t *testing.T) {
	t.Run("Fails twice then succeeds", func(t *testing.T) {
		backend := &scriptedBackend{candidate: func(call int, req llm.Request) (string, error) {
			if call < 2 {
				return "", errTransient
			}
			return "third time", nil
		}}
		sleeper := &recordingSleeper{}
		c := NewCompleter(backend, DefaultConfig(), sleeper.Sleep, zaptest.NewLogger(t))

		text, err := c.Complete(context.Background(), "prompt", 0.9)
		require.NoError(t, err)
		assert.Equal(t, "third time", text)
		assert.Equal(t, 3, backend.candidateCount())
		assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeper.durations())
	})

	t.Run("First attempt succeeds without sleeping", func(t *testing.T) {
		backend := &scriptedBackend{}
		sleeper := &recordingSleeper{}
		c := NewCompleter(backend, DefaultConfig(), sleeper.Sleep, zaptest.NewLogger(t))

		text, err := c.Complete(context.Background(), "prompt", 0.9)
		require.NoError(t, err)
		assert.Equal(t, "candidate", text)
		assert.Empty(t, sleeper.durations())
	})

	t.Run("Exhausted attempts", func(t *testing.T) {
		backend := &scriptedBackend{candidate: func(int, llm.Request) (string, error) {
			return "", errTransient
		}}
		sleeper := &recordingSleeper{}
		c := NewCompleter(backend, DefaultConfig(), sleeper.Sleep, zaptest.NewLogger(t))

		_, err := c.Complete(context.Background(), "prompt", 0.9)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackendCallFailure))
		assert.True(t, errors.Is(err, errTransient))

		var callErr *BackendCallError
		require.True(t, errors.As(err, &callErr))
		assert.Equal(t, StageCandidate, callErr.Stage)
		assert.Equal(t, 3, callErr.Attempts)
		assert.Equal(t, 3, backend.candidateCount())
		// no sleep after the final attempt
		assert.Len(t, sleeper.durations(), 2)
	})

	t.Run("Custom policy", func(t *testing.T) {
		backend := &scriptedBackend{candidate: func(int, llm.Request) (string, error) {
			return "", errTransient
		}}
		cfg := DefaultConfig()
		cfg.Retry = RetryPolicy{MaxAttempts: 4, InitialBackoff: 100 * time.Millisecond, Multiplier: 3}
		sleeper := &recordingSleeper{}
		c := NewCompleter(backend, cfg, sleeper.Sleep, zaptest.NewLogger(t))

		_, err := c.Complete(context.Background(), "prompt", 0.9)
		require.Error(t, err)
		assert.Equal(t, []time.Duration{
			100 * time.Millisecond,
			300 * time.Millisecond,
			900 * time.Millisecond,
		}, sleeper.durations())
	})

	t.Run("Cancelled during backoff", func(t *testing.T) {
		backend := &scriptedBackend{candidate: func(int, llm.Request) (string, error) {
			return "", errTransient
		}}
		ctx, cancel := context.WithCancel(context.Background())
		sleep := func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
		c := NewCompleter(backend, DefaultConfig(), sleep, zaptest.NewLogger(t))

		_, err := c.Complete(ctx, "prompt", 0.9)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.True(t, errors.Is(err, ErrBackendCallFailure))
		assert.Equal(t, 1, backend.candidateCount())
	})
}

func TestCompleterRequestShape(t *testing.T) {
	var got llm.Request
	backend := &scriptedBackend{candidate: func(_ int, req llm.Request) (string, error) {
		got = req
		return "ok", nil
	}}
	cfg := DefaultConfig()
	cfg.MaxOutputTokens = 1234
	c := NewCompleter(backend, cfg, nil, zaptest.NewLogger(t))

	_, err := c.Complete(context.Background(), "the prompt", 0.7)
	require.NoError(t, err)
	assert.Equal(t, "the prompt", got.Input)
	assert.Empty(t, got.Instructions)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.InDelta(t, 1.0, got.TopP, 1e-9)
	assert.Equal(t, 1234, got.MaxOutputTokens)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
