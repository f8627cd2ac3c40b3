package promode

// ReductionMode names the reduction topology.
type ReductionMode string

const (
	ModeFlat       ReductionMode = "flat"
	ModeTournament ReductionMode = "tournament"
)

// ReductionPlan is the reduction topology for one run. In flat mode Groups
// holds a single batch with every filtered candidate.
type ReductionPlan struct {
	Mode   ReductionMode
	Groups [][]string
}

// PlanReduction picks flat or tournament reduction from the requested count,
// and sizes tournament groups from the filtered candidates.
func PlanReduction(requested int, filtered []string, cfg Config) ReductionPlan {
	cfg = cfg.withDefaults()
	if requested <= cfg.TournamentThreshold {
		return ReductionPlan{Mode: ModeFlat, Groups: [][]string{filtered}}
	}
	return ReductionPlan{Mode: ModeTournament, Groups: partition(filtered, cfg.GroupSize)}
}

// partition splits items into consecutive groups of at most size. The last
// group may be smaller and is never merged into its neighbour.
func partition(items []string, size int) [][]string {
	if size <= 0 {
		size = DefaultGroupSize
	}
	groups := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		groups = append(groups, items[start:end:end])
	}
	return groups
}
