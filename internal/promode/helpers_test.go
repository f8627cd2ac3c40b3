package promode

import (
	"context"
	"sync"
	"time"

	"github.com/Kocoro-lab/promode/internal/llm"
)

// scriptedBackend routes candidate calls (no instructions) and synthesis
// calls to separate handlers and keeps per-kind call logs.
type scriptedBackend struct {
	mu         sync.Mutex
	candidate  func(call int, req llm.Request) (string, error)
	synthesize func(call int, req llm.Request) (string, error)

	candidateCalls int
	synthInputs    []string
}

func (b *scriptedBackend) Generate(ctx context.Context, req llm.Request) (string, error) {
	b.mu.Lock()
	if req.Instructions == "" {
		n := b.candidateCalls
		b.candidateCalls++
		fn := b.candidate
		b.mu.Unlock()
		if fn == nil {
			return "candidate", nil
		}
		return fn(n, req)
	}
	n := len(b.synthInputs)
	b.synthInputs = append(b.synthInputs, req.Input)
	fn := b.synthesize
	b.mu.Unlock()
	if fn == nil {
		return "synthesized", nil
	}
	return fn(n, req)
}

func (b *scriptedBackend) synthesisCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.synthInputs...)
}

func (b *scriptedBackend) candidateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.candidateCalls
}

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) count(typ string) int {
	n := 0
	for _, t := range s.types() {
		if t == typ {
			n++
		}
	}
	return n
}
