package promode

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("c%02d", i)
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		items int
		size  int
		sizes []int
	}{
		{"empty", 0, 10, []int{}},
		{"single short group", 4, 10, []int{4}},
		{"exact multiple", 20, 10, []int{10, 10}},
		{"remainder kept separate", 25, 10, []int{10, 10, 5}},
		{"remainder of one", 21, 10, []int{10, 10, 1}},
		{"non-positive size uses default", 12, 0, []int{10, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := partition(texts(tt.items), tt.size)
			sizes := make([]int, len(groups))
			for i, g := range groups {
				sizes[i] = len(g)
			}
			assert.Equal(t, tt.sizes, sizes)
		})
	}

	t.Run("Order is preserved", func(t *testing.T) {
		groups := partition(texts(12), 5)
		var flat []string
		for _, g := range groups {
			flat = append(flat, g...)
		}
		assert.Equal(t, texts(12), flat)
	})

	t.Run("Groups do not alias each other", func(t *testing.T) {
		groups := partition(texts(6), 3)
		groups[0] = append(groups[0], "extra")
		assert.Equal(t, "c03", groups[1][0])
	})
}

func TestPlanReduction(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("At threshold is flat", func(t *testing.T) {
		plan := PlanReduction(20, texts(20), cfg)
		assert.Equal(t, ModeFlat, plan.Mode)
		require.Len(t, plan.Groups, 1)
		assert.Len(t, plan.Groups[0], 20)
	})

	t.Run("Above threshold is tournament", func(t *testing.T) {
		plan := PlanReduction(21, texts(21), cfg)
		assert.Equal(t, ModeTournament, plan.Mode)
		assert.Len(t, plan.Groups, 3)
	})

	t.Run("Mode follows requested count, groups follow filtered count", func(t *testing.T) {
		plan := PlanReduction(25, texts(7), cfg)
		assert.Equal(t, ModeTournament, plan.Mode)
		require.Len(t, plan.Groups, 1)
		assert.Len(t, plan.Groups[0], 7)

		plan = PlanReduction(15, texts(3), cfg)
		assert.Equal(t, ModeFlat, plan.Mode)
		assert.Len(t, plan.Groups[0], 3)
	})

	t.Run("Custom threshold and group size", func(t *testing.T) {
		custom := cfg
		custom.TournamentThreshold = 4
		custom.GroupSize = 2
		plan := PlanReduction(5, texts(5), custom)
		assert.Equal(t, ModeTournament, plan.Mode)
		assert.Len(t, plan.Groups, 3)
	})
}

func TestFilterCandidates(t *testing.T) {
	t.Run("Drops absent and blank outputs in order", func(t *testing.T) {
		got, err := FilterCandidates([]Candidate{
			{Index: 0, Text: "a", Present: true},
			{Index: 1},
			{Index: 2, Text: "  \n\t", Present: true},
			{Index: 3, Text: "b", Present: true},
			{Index: 4, Text: "stale", Present: false},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("Text is kept verbatim", func(t *testing.T) {
		got, err := FilterCandidates([]Candidate{{Index: 0, Text: "  padded  ", Present: true}})
		require.NoError(t, err)
		assert.Equal(t, []string{"  padded  "}, got)
	})

	t.Run("Nothing viable", func(t *testing.T) {
		_, err := FilterCandidates([]Candidate{{Index: 0}, {Index: 1, Text: " ", Present: true}})
		assert.True(t, errors.Is(err, ErrNoViableCandidates))

		_, err = FilterCandidates(nil)
		assert.True(t, errors.Is(err, ErrNoViableCandidates))
	})
}

func TestRawTexts(t *testing.T) {
	got := rawTexts([]Candidate{
		{Index: 0, Text: "a", Present: true},
		{Index: 1},
		{Index: 2, Text: " ", Present: false},
	})
	assert.Equal(t, []string{"a", "", " "}, got)
}

func TestBuildSynthesisInput(t *testing.T) {
	instructions, user := BuildSynthesisInput([]string{"first", "second"})

	assert.Equal(t, synthesisInstructions, instructions)
	assert.True(t, strings.HasPrefix(user, "You are given 2 candidate answers delimited by <cand i> tags.\n\n"))
	assert.Contains(t, user, "<cand 1>\nfirst\n</cand 1>\n\n<cand 2>\nsecond\n</cand 2>")
	assert.True(t, strings.HasSuffix(user, "\n\nReturn the single best final answer."))
	assert.NotContains(t, user, "<cand 0>")
}

func TestGenerationRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     GenerationRequest
		max     int
		wantErr bool
	}{
		{"minimum", GenerationRequest{Prompt: "p", Count: 1}, 100, false},
		{"maximum", GenerationRequest{Prompt: "p", Count: 100}, 100, false},
		{"empty prompt", GenerationRequest{Count: 3}, 100, true},
		{"zero count", GenerationRequest{Prompt: "p"}, 100, true},
		{"above cap", GenerationRequest{Prompt: "p", Count: 101}, 100, true},
		{"lower cap", GenerationRequest{Prompt: "p", Count: 11}, 10, true},
		{"default cap", GenerationRequest{Prompt: "p", Count: 100}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(tt.max)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindConfigurationMissing, KindOf(ErrConfigurationMissing))
	assert.Equal(t, KindNoViableCandidates, KindOf(fmt.Errorf("run: %w", ErrNoViableCandidates)))
	assert.Equal(t, KindBackendCallFailure, KindOf(&BackendCallError{Stage: StageFinal, Attempts: 3, Err: errors.New("boom")}))
	assert.Equal(t, KindUpstreamFailure, KindOf(errors.New("unexpected")))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, DefaultTournamentThreshold, cfg.TournamentThreshold)
	assert.Equal(t, DefaultGroupSize, cfg.GroupSize)
	assert.Equal(t, DefaultRetryPolicy(), cfg.Retry)

	assert.Equal(t, 1, workerLimit(0, 10))
	assert.Equal(t, 5, workerLimit(5, 10))
	assert.Equal(t, 10, workerLimit(50, 10))
	assert.Equal(t, 50, workerLimit(50, 0))
}
