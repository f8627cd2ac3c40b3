package promode

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/promode/internal/llm"
)

const synthesisInstructions = "You are an expert editor. Synthesize ONE best answer from the candidate " +
	"answers provided, merging strengths, correcting errors, and removing repetition. " +
	"Do not mention the candidates or the synthesis process. Be decisive and clear."

// BuildSynthesisInput returns the system instructions and the user payload
// for merging batch. Candidates are tagged <cand i> ... </cand i>, 1-based.
func BuildSynthesisInput(batch []string) (instructions, user string) {
	tagged := make([]string, len(batch))
	for i, text := range batch {
		tagged[i] = fmt.Sprintf("<cand %d>\n%s\n</cand %d>", i+1, text, i+1)
	}
	user = fmt.Sprintf("You are given %d candidate answers delimited by <cand i> tags.\n\n%s\n\nReturn the single best final answer.",
		len(batch), strings.Join(tagged, "\n\n"))
	return synthesisInstructions, user
}

// Synthesizer merges a batch of candidates with one low-temperature backend
// call, sharing the Completion Unit's retry envelope.
type Synthesizer struct {
	completer   *Completer
	temperature float64
	maxTokens   int
}

// NewSynthesizer builds a Synthesizer using cfg.SynthesisTemperature.
func NewSynthesizer(completer *Completer, cfg Config) *Synthesizer {
	cfg = cfg.withDefaults()
	return &Synthesizer{
		completer:   completer,
		temperature: cfg.SynthesisTemperature,
		maxTokens:   cfg.MaxOutputTokens,
	}
}

// Synthesize merges batch into one answer.
func (s *Synthesizer) Synthesize(ctx context.Context, batch []string) (string, error) {
	return s.synthesize(ctx, StageFlat, batch)
}

func (s *Synthesizer) synthesize(ctx context.Context, stage string, batch []string) (string, error) {
	if len(batch) == 0 {
		return "", fmt.Errorf("%s: %w", stage, ErrEmptyBatch)
	}
	instructions, user := BuildSynthesisInput(batch)
	return s.completer.generate(ctx, stage, llm.Request{
		Input:           user,
		Instructions:    instructions,
		Temperature:     s.temperature,
		TopP:            1,
		MaxOutputTokens: s.maxTokens,
	})
}
