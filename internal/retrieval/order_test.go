package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreStrategyBonuses(t *testing.T) {
	direct := &Descriptor{MessageID: "<a@host>", SegmentIndex: 10}
	redundancy := &Descriptor{RedundancyAvailable: true, SegmentIndex: 10}
	fingerprint := &Descriptor{SubjectFingerprint: "ab12", SegmentIndex: 10}

	assert.Equal(t, 50, Score(direct))
	assert.Equal(t, 30, Score(redundancy))
	assert.Equal(t, 10, Score(fingerprint))
}

func TestScoreStrategyBonusesStack(t *testing.T) {
	all := &Descriptor{
		MessageID:           "<a@host>",
		RedundancyAvailable: true,
		SubjectFingerprint:  "ab12",
		SegmentIndex:        10,
	}
	two := &Descriptor{
		MessageID:          "<a@host>",
		SubjectFingerprint: "ab12",
		SegmentIndex:       10,
	}

	assert.Equal(t, 90, Score(all))
	assert.Equal(t, 60, Score(two))
}

func TestScorePriorityDominates(t *testing.T) {
	low := &Descriptor{MessageID: "<a@host>", Priority: 0, SegmentIndex: 10}
	high := &Descriptor{SubjectFingerprint: "ab12", Priority: 10, SegmentIndex: 10}

	assert.Greater(t, Score(high), Score(low))
}

func TestScoreFailedAttemptsPenalize(t *testing.T) {
	d := &Descriptor{MessageID: "<a@host>", SegmentIndex: 10}
	base := Score(d)

	d.Attempts = append(d.Attempts,
		Attempt{Strategy: StrategyDirect},
		Attempt{Strategy: StrategyDirect},
	)
	assert.Equal(t, base-10, Score(d))

	// Successful attempts carry no penalty.
	d.Attempts = append(d.Attempts, Attempt{Strategy: StrategyDirect, Success: true})
	assert.Equal(t, base-10, Score(d))
}

func TestScoreSizeAndPosition(t *testing.T) {
	small := &Descriptor{MessageID: "<a@host>", ExpectedSize: 50 * 1024, SegmentIndex: 10}
	large := &Descriptor{MessageID: "<a@host>", ExpectedSize: 2 * 1024 * 1024, SegmentIndex: 10}
	early := &Descriptor{MessageID: "<a@host>", ExpectedSize: 500 * 1024, SegmentIndex: 0}
	plain := &Descriptor{MessageID: "<a@host>", ExpectedSize: 500 * 1024, SegmentIndex: 10}

	assert.Equal(t, Score(plain)+5, Score(small))
	assert.Equal(t, Score(plain)-5, Score(large))
	assert.Equal(t, Score(plain)+10, Score(early))
}

func TestOptimizeOrder(t *testing.T) {
	descs := []*Descriptor{
		{SegmentID: "fp", SubjectFingerprint: "ab12", SegmentIndex: 10},
		{SegmentID: "head", MessageID: "<a@host>", SegmentIndex: 0},
		{SegmentID: "urgent", SubjectFingerprint: "cd34", Priority: 20, SegmentIndex: 10},
		{SegmentID: "direct", MessageID: "<b@host>", SegmentIndex: 10},
	}

	OptimizeOrder(descs)

	got := make([]string, len(descs))
	for i, d := range descs {
		got[i] = d.SegmentID
	}
	assert.Equal(t, []string{"urgent", "head", "direct", "fp"}, got)
}

func TestOptimizeOrderStable(t *testing.T) {
	descs := []*Descriptor{
		{SegmentID: "a", MessageID: "<a@host>", SegmentIndex: 10},
		{SegmentID: "b", MessageID: "<b@host>", SegmentIndex: 10},
		{SegmentID: "c", MessageID: "<c@host>", SegmentIndex: 10},
	}

	OptimizeOrder(descs)

	assert.Equal(t, "a", descs[0].SegmentID)
	assert.Equal(t, "b", descs[1].SegmentID)
	assert.Equal(t, "c", descs[2].SegmentID)
}
