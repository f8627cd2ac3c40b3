package promode

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/llm"
	"github.com/Kocoro-lab/promode/internal/metrics"
)

// Stage labels used in logs, metrics and errors.
const (
	StageCandidate = "candidate"
	StageFlat      = "synthesis_flat"
	StageGroup     = "synthesis_group"
	StageFinal     = "synthesis_final"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Completer performs one backend generation with bounded retry and backoff.
type Completer struct {
	backend         Backend
	policy          RetryPolicy
	maxOutputTokens int
	sleep           Sleeper
	logger          *zap.Logger
}

// NewCompleter builds a Completer. A nil sleeper uses a context-aware timer.
func NewCompleter(backend Backend, cfg Config, sleep Sleeper, logger *zap.Logger) *Completer {
	cfg = cfg.withDefaults()
	if sleep == nil {
		sleep = sleepContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Completer{
		backend:         backend,
		policy:          cfg.Retry,
		maxOutputTokens: cfg.MaxOutputTokens,
		sleep:           sleep,
		logger:          logger,
	}
}

// Complete generates text for prompt at the given temperature.
func (c *Completer) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	return c.generate(ctx, StageCandidate, llm.Request{
		Input:           prompt,
		Temperature:     temperature,
		TopP:            1,
		MaxOutputTokens: c.maxOutputTokens,
	})
}

// generate runs req through the retry envelope. Backoff happens only between
// attempts; the last failure is returned wrapped in a BackendCallError.
func (c *Completer) generate(ctx context.Context, stage string, req llm.Request) (string, error) {
	delay := c.policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &BackendCallError{Stage: stage, Attempts: attempt - 1, Err: err}
		}

		start := time.Now()
		text, err := c.backend.Generate(ctx, req)
		metrics.BackendCallDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.BackendAttempts.WithLabelValues(stage, "success").Inc()
			return text, nil
		}
		metrics.BackendAttempts.WithLabelValues(stage, "failure").Inc()
		lastErr = err

		if attempt == c.policy.MaxAttempts {
			break
		}
		c.logger.Debug("Backend call failed, backing off",
			zap.String("stage", stage),
			zap.Int("index", SlotFromContext(ctx)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return "", &BackendCallError{Stage: stage, Attempts: attempt, Err: serr}
		}
		delay = time.Duration(float64(delay) * c.policy.Multiplier)
	}
	return "", &BackendCallError{Stage: stage, Attempts: c.policy.MaxAttempts, Err: lastErr}
}
