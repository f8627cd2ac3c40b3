package promode

import (
	"context"
	"time"
)

// Event types emitted while a run progresses.
const (
	EventRunStarted         = "run.started"
	EventCandidateCompleted = "candidate.completed"
	EventCandidateFailed    = "candidate.failed"
	EventFanOutCompleted    = "fanout.completed"
	EventReductionPlanned   = "reduction.planned"
	EventGroupSynthesized   = "group.synthesized"
	EventRunCompleted       = "run.completed"
	EventRunFailed          = "run.failed"
)

// Event is a progress notification for a single run.
type Event struct {
	RunID     string
	Type      string
	Index     int // candidate or group index; -1 when not applicable
	Message   string
	Timestamp time.Time
}

// EventSink receives progress events. Emit must not block.
type EventSink interface {
	Emit(evt Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

type runIDKey struct{}

// ContextWithRunID attaches a caller-chosen run ID to ctx.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID attached to ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

type slotKey struct{}

// ContextWithSlot marks ctx as belonging to fan-out slot index.
func ContextWithSlot(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, slotKey{}, index)
}

// SlotFromContext returns the fan-out slot of ctx, or -1 outside fan-out.
func SlotFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(slotKey{}).(int); ok {
		return v
	}
	return -1
}

func emit(ctx context.Context, sink EventSink, typ string, index int, msg string) {
	sink.Emit(Event{
		RunID:     RunIDFromContext(ctx),
		Type:      typ,
		Index:     index,
		Message:   msg,
		Timestamp: time.Now(),
	})
}
