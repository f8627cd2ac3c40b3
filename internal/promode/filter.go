package promode

// FilterCandidates keeps viable candidate texts in index order. It fails with
// ErrNoViableCandidates when nothing survives; there is no fallback round.
func FilterCandidates(candidates []Candidate) ([]string, error) {
	filtered := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Viable() {
			filtered = append(filtered, c.Text)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoViableCandidates
	}
	return filtered, nil
}

// rawTexts returns the unfiltered candidate texts, one per slot.
func rawTexts(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for _, c := range candidates {
		if c.Index >= 0 && c.Index < len(out) {
			out[c.Index] = c.Text
		}
	}
	return out
}
