package promode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/promode/internal/llm"
)

// Default tuning values
const (
	DefaultMaxWorkers           = 100
	DefaultMaxGenerations       = 100
	DefaultTournamentThreshold  = 20
	DefaultGroupSize            = 10
	DefaultMaxOutputTokens      = 30000
	DefaultCandidateTemperature = 0.9
	DefaultSynthesisTemperature = 0.2
)

// Backend is the text generation capability the engine depends on.
// Implementations must be safe for concurrent use.
type Backend interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// RetryPolicy controls the per-call retry envelope.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
}

// Config carries the orchestration knobs. Start from DefaultConfig; zero
// integer and retry fields are replaced with defaults, temperatures are used as given.
type Config struct {
	MaxWorkers           int
	MaxGenerations       int
	TournamentThreshold  int
	GroupSize            int
	MaxOutputTokens      int
	CandidateTemperature float64
	SynthesisTemperature float64
	Retry                RetryPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:           DefaultMaxWorkers,
		MaxGenerations:       DefaultMaxGenerations,
		TournamentThreshold:  DefaultTournamentThreshold,
		GroupSize:            DefaultGroupSize,
		MaxOutputTokens:      DefaultMaxOutputTokens,
		CandidateTemperature: DefaultCandidateTemperature,
		SynthesisTemperature: DefaultSynthesisTemperature,
		Retry:                DefaultRetryPolicy(),
	}
}

// DefaultRetryPolicy is 3 attempts with 0.5s, 1s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxGenerations <= 0 {
		c.MaxGenerations = DefaultMaxGenerations
	}
	if c.TournamentThreshold <= 0 {
		c.TournamentThreshold = DefaultTournamentThreshold
	}
	if c.GroupSize <= 0 {
		c.GroupSize = DefaultGroupSize
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// GenerationRequest is an accepted pro-mode request.
type GenerationRequest struct {
	Prompt string
	Count  int
}

// Validate checks the request against the generation cap.
func (r GenerationRequest) Validate(maxGenerations int) error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if maxGenerations <= 0 {
		maxGenerations = DefaultMaxGenerations
	}
	if r.Count < 1 || r.Count > maxGenerations {
		return fmt.Errorf("num_gens must be between 1 and %d, got %d", maxGenerations, r.Count)
	}
	return nil
}

// Candidate is the outcome of one fan-out slot.
type Candidate struct {
	Index   int
	Text    string
	Present bool
}

// Viable reports whether the candidate survives filtering.
func (c Candidate) Viable() bool {
	return c.Present && strings.TrimSpace(c.Text) != ""
}

// Result is the outcome of a run.
type Result struct {
	RunID      string
	Final      string
	Candidates []string
	Mode       ReductionMode
	Groups     int
	Viable     int
	Duration   time.Duration
}

func workerLimit(work, maxWorkers int) int {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return max(1, min(work, maxWorkers))
}
