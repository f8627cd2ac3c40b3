package promode

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/promode/internal/metrics"
)

// Reducer executes a ReductionPlan.
type Reducer struct {
	synth      *Synthesizer
	maxWorkers int
	events     EventSink
	logger     *zap.Logger
}

// NewReducer builds a Reducer whose group stage shares the fan-out worker cap.
func NewReducer(synth *Synthesizer, cfg Config, events EventSink, logger *zap.Logger) *Reducer {
	cfg = cfg.withDefaults()
	if events == nil {
		events = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reducer{synth: synth, maxWorkers: cfg.MaxWorkers, events: events, logger: logger}
}

// Reduce merges the plan's groups into one final text.
func (r *Reducer) Reduce(ctx context.Context, plan ReductionPlan) (string, error) {
	switch plan.Mode {
	case ModeFlat:
		if len(plan.Groups) != 1 {
			return "", fmt.Errorf("flat reduction expects one batch, got %d", len(plan.Groups))
		}
		return r.synth.synthesize(ctx, StageFlat, plan.Groups[0])
	case ModeTournament:
		return r.tournament(ctx, plan.Groups)
	default:
		return "", fmt.Errorf("unknown reduction mode %q", plan.Mode)
	}
}

// tournament synthesizes every group concurrently, then synthesizes the
// winners in group order. The final pass runs even for a single group.
// The first group failure cancels in-flight siblings and fails the run.
func (r *Reducer) tournament(ctx context.Context, groups [][]string) (string, error) {
	if len(groups) == 0 {
		return "", fmt.Errorf("tournament: %w", ErrEmptyBatch)
	}
	metrics.TournamentGroups.Observe(float64(len(groups)))

	winners := make([]string, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(len(groups), r.maxWorkers))
	for i, group := range groups {
		g.Go(func() error {
			inflight := metrics.WorkersInFlight.WithLabelValues(StageGroup)
			inflight.Inc()
			defer inflight.Dec()

			winner, err := r.synth.synthesize(gctx, StageGroup, group)
			if err != nil {
				return fmt.Errorf("group %d: %w", i, err)
			}
			winners[i] = winner
			emit(ctx, r.events, EventGroupSynthesized, i, "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("Tournament group synthesis failed",
			zap.String("run_id", RunIDFromContext(ctx)),
			zap.Int("groups", len(groups)),
			zap.Error(err),
		)
		return "", err
	}

	return r.synth.synthesize(ctx, StageFinal, winners)
}
