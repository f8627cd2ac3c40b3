package promode

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/metrics"
	"github.com/Kocoro-lab/promode/internal/tracing"
)

// Option customises an Orchestrator.
type Option func(*options)

type options struct {
	sleep  Sleeper
	events EventSink
}

// WithSleeper replaces the backoff sleeper (tests).
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithEventSink publishes progress events to sink.
func WithEventSink(sink EventSink) Option {
	return func(o *options) { o.events = sink }
}

// Orchestrator runs fan-out, filtering and reduction for one prompt.
type Orchestrator struct {
	cfg        Config
	logger     *zap.Logger
	events     EventSink
	dispatcher *Dispatcher
	reducer    *Reducer
}

// New wires the engine around backend. The config is fixed for the lifetime
// of the Orchestrator.
func New(backend Backend, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: text backend not configured", ErrConfigurationMissing)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	o := options{events: nopSink{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = nopSink{}
	}

	completer := NewCompleter(backend, cfg, o.sleep, logger)
	synth := NewSynthesizer(completer, cfg)
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		events:     o.events,
		dispatcher: NewDispatcher(completer, cfg, o.events, logger),
		reducer:    NewReducer(synth, cfg, o.events, logger),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run produces the pro-mode answer for prompt from count candidates. Inputs
// are assumed validated by the caller.
func (o *Orchestrator) Run(ctx context.Context, prompt string, count int) (*Result, error) {
	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.New().String()
		ctx = ContextWithRunID(ctx, runID)
	}
	ctx, span := tracing.StartSpan(ctx, "promode.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.Int("num_gens", count))

	start := time.Now()
	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("Pro-mode run started", zap.Int("num_gens", count), zap.Int("prompt_chars", len(prompt)))
	emit(ctx, o.events, EventRunStarted, -1, fmt.Sprintf("%d generations", count))

	res, err := o.run(ctx, logger, prompt, count)
	elapsed := time.Since(start)
	if err != nil {
		kind := KindOf(err)
		metrics.RunsTotal.WithLabelValues(string(kind)).Inc()
		span.RecordError(err)
		logger.Error("Pro-mode run failed",
			zap.String("kind", string(kind)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		emit(ctx, o.events, EventRunFailed, -1, err.Error())
		return nil, err
	}

	res.RunID = runID
	res.Duration = elapsed
	metrics.RunsTotal.WithLabelValues("success").Inc()
	metrics.RunDuration.WithLabelValues(string(res.Mode)).Observe(elapsed.Seconds())
	logger.Info("Pro-mode run completed",
		zap.String("mode", string(res.Mode)),
		zap.Int("viable", res.Viable),
		zap.Int("groups", res.Groups),
		zap.Duration("duration", elapsed),
	)
	emit(ctx, o.events, EventRunCompleted, -1, "")
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, prompt string, count int) (*Result, error) {
	fctx, fspan := tracing.StartSpan(ctx, "promode.fanout")
	candidates := o.dispatcher.Dispatch(fctx, prompt, count, o.cfg.CandidateTemperature)
	fspan.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filtered, err := FilterCandidates(candidates)
	emit(ctx, o.events, EventFanOutCompleted, -1, fmt.Sprintf("%d/%d viable", len(filtered), count))
	if err != nil {
		return nil, err
	}

	plan := PlanReduction(count, filtered, o.cfg)
	metrics.ReductionsTotal.WithLabelValues(string(plan.Mode)).Inc()
	logger.Debug("Reduction planned",
		zap.String("mode", string(plan.Mode)),
		zap.Int("viable", len(filtered)),
		zap.Int("groups", len(plan.Groups)),
	)
	emit(ctx, o.events, EventReductionPlanned, -1, fmt.Sprintf("%s, %d group(s)", plan.Mode, len(plan.Groups)))

	rctx, rspan := tracing.StartSpan(ctx, "promode.reduce")
	rspan.SetAttributes(attribute.String("mode", string(plan.Mode)), attribute.Int("groups", len(plan.Groups)))
	final, err := o.reducer.Reduce(rctx, plan)
	rspan.End()
	if err != nil {
		return nil, err
	}

	return &Result{
		Final:      final,
		Candidates: rawTexts(candidates),
		Mode:       plan.Mode,
		Groups:     len(plan.Groups),
		Viable:     len(filtered),
	}, nil
}
