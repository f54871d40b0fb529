package retrieval

import "sort"

// Score weighting. Higher scores retrieve first.
const (
	priorityWeight       = 10
	directBonus          = 50
	redundancyBonus      = 30
	fingerprintBonus     = 10
	failedAttemptPenalty = 5
	smallSegmentBonus    = 5
	largeSegmentPenalty  = 5
	earlySegmentBonus    = 10

	smallSegmentBytes = 100 * 1024
	largeSegmentBytes = 1024 * 1024
	earlySegmentCount = 3
)

// Score computes a descriptor's retrieval priority. Every available
// strategy adds its bonus, so a segment reachable three ways outranks one
// reachable only by fingerprint; repeatedly failing segments sink so they
// stop starving the rest of a batch.
func Score(d *Descriptor) int {
	score := d.Priority * priorityWeight

	if d.CanUse(StrategyDirect) {
		score += directBonus
	}
	if d.CanUse(StrategyRedundancy) {
		score += redundancyBonus
	}
	if d.CanUse(StrategyFingerprint) {
		score += fingerprintBonus
	}

	score -= d.FailedAttempts() * failedAttemptPenalty

	if d.ExpectedSize > 0 && d.ExpectedSize < smallSegmentBytes {
		score += smallSegmentBonus
	}
	if d.ExpectedSize > largeSegmentBytes {
		score -= largeSegmentPenalty
	}

	if d.SegmentIndex < earlySegmentCount {
		score += earlySegmentBonus
	}

	return score
}

// OptimizeOrder sorts descriptors by descending score, in place. The sort
// is stable so equally scored segments keep their file order.
func OptimizeOrder(descs []*Descriptor) {
	scores := make([]int, len(descs))
	for i, d := range descs {
		scores[i] = Score(d)
	}
	order := make([]int, len(descs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	sorted := make([]*Descriptor, len(descs))
	for i, idx := range order {
		sorted[i] = descs[idx]
	}
	copy(descs, sorted)
}
