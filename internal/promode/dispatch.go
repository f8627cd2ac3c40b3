package promode

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/promode/internal/metrics"
)

// Dispatcher fans a prompt out to a bounded pool of Completion Units.
type Dispatcher struct {
	completer  *Completer
	maxWorkers int
	events     EventSink
	logger     *zap.Logger
}

// NewDispatcher builds a Dispatcher capped at cfg.MaxWorkers concurrent calls.
func NewDispatcher(completer *Completer, cfg Config, events EventSink, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if events == nil {
		events = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		completer:  completer,
		maxWorkers: cfg.MaxWorkers,
		events:     events,
		logger:     logger,
	}
}

// Dispatch runs count generations and returns one Candidate per slot, in
// index order. Slot failures are recorded as absent candidates; Dispatch
// itself never fails and never cancels sibling calls.
func (d *Dispatcher) Dispatch(ctx context.Context, prompt string, count int, temperature float64) []Candidate {
	candidates := make([]Candidate, count)
	if count <= 0 {
		return candidates
	}

	// Plain Group, not WithContext: one slot failing must not cancel the rest.
	// Go blocks once the limit is reached, queueing the remaining slots.
	var g errgroup.Group
	g.SetLimit(workerLimit(count, d.maxWorkers))
	for i := 0; i < count; i++ {
		g.Go(func() error {
			candidates[i] = d.runSlot(ctx, i, prompt, temperature)
			return nil
		})
	}
	_ = g.Wait()
	return candidates
}

func (d *Dispatcher) runSlot(ctx context.Context, index int, prompt string, temperature float64) Candidate {
	inflight := metrics.WorkersInFlight.WithLabelValues(StageCandidate)
	inflight.Inc()
	defer inflight.Dec()

	ctx = ContextWithSlot(ctx, index)
	text, err := d.completer.Complete(ctx, prompt, temperature)
	if err != nil {
		metrics.CandidateSlots.WithLabelValues("failed").Inc()
		d.logger.Warn("Candidate generation failed",
			zap.String("run_id", RunIDFromContext(ctx)),
			zap.Int("index", index),
			zap.Error(err),
		)
		emit(ctx, d.events, EventCandidateFailed, index, err.Error())
		return Candidate{Index: index}
	}

	c := Candidate{Index: index, Text: text, Present: strings.TrimSpace(text) != ""}
	if !c.Present {
		metrics.CandidateSlots.WithLabelValues("empty").Inc()
		emit(ctx, d.events, EventCandidateFailed, index, "empty output")
		return c
	}
	metrics.CandidateSlots.WithLabelValues("ok").Inc()
	emit(ctx, d.events, EventCandidateCompleted, index, "")
	return c
}
