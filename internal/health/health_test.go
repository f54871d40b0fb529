package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnknownServerNeutralScore(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 0.5, tr.Score("news.example.org", "direct"))
}

func TestScoreCombinesFactors(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000000, 0)
	tr.now = func() time.Time { return now }

	// Two successes at 1s each: rate 1.0, latency factor 1/(1+1) = 0.5
	tr.RecordAttempt("a", true, time.Second, "direct")
	tr.RecordAttempt("a", true, time.Second, "direct")
	assert.InDelta(t, 0.5, tr.Score("a", "direct"), 1e-9)

	// A failure halves the score while it is recent and drags the rate
	// down to 2/3.
	tr.RecordAttempt("a", false, time.Second, "direct")
	want := (2.0 / 3.0) * 0.5 * 0.5
	assert.InDelta(t, want, tr.Score("a", "direct"), 1e-9)

	// Once the failure ages out of the five minute window, the penalty
	// is lifted.
	now = now.Add(recencyWindow + time.Second)
	assert.InDelta(t, (2.0/3.0)*0.5, tr.Score("a", "direct"), 1e-9)
}

func TestFailuresDoNotDiluteLatency(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000000, 0)
	tr.now = func() time.Time { return now }

	// One 1s success, then a 30s timeout failure. The latency average
	// must stay at 1s; only successful fetches carry a latency signal.
	tr.RecordAttempt("a", true, time.Second, "direct")
	tr.RecordAttempt("a", false, 30*time.Second, "direct")
	now = now.Add(recencyWindow + time.Second)

	// rate 1/2, latency factor 1/(1+1), no recency penalty.
	assert.InDelta(t, 0.5*0.5, tr.Score("a", "direct"), 1e-9)
}

func TestScoreFallsBackToOverallRate(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000000, 0)
	tr.now = func() time.Time { return now }

	tr.RecordAttempt("a", true, 0, "direct")
	now = now.Add(recencyWindow + time.Second)

	// No fingerprint data yet: the overall rate (1.0) is used.
	assert.InDelta(t, 1.0, tr.Score("a", "fingerprint"), 1e-9)

	// Strategy-specific data takes over once it exists.
	tr.RecordAttempt("a", false, 0, "fingerprint")
	now = now.Add(recencyWindow + time.Second)
	assert.InDelta(t, 0.0, tr.Score("a", "fingerprint"), 1e-9)
}

func TestBestServers(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000000, 0)
	tr.now = func() time.Time { return now }

	tr.RecordAttempt("slow", true, 4*time.Second, "direct")
	tr.RecordAttempt("fast", true, 100*time.Millisecond, "direct")
	tr.RecordAttempt("failing", false, 100*time.Millisecond, "direct")
	now = now.Add(recencyWindow + time.Second)

	best := tr.BestServers("direct", 2)
	assert.Equal(t, []string{"fast", "slow"}, best)

	all := tr.BestServers("direct", 10)
	assert.Len(t, all, 3)
	assert.Equal(t, "failing", all[2])
}

func TestSnapshotsRestore(t *testing.T) {
	tr := NewTracker()
	now := time.Unix(1000000, 0)
	tr.now = func() time.Time { return now }

	tr.RecordAttempt("a", true, time.Second, "direct")
	tr.RecordAttempt("a", false, 2*time.Second, "fingerprint")

	snaps := tr.Snapshots()
	// overall + two strategies
	assert.Len(t, snaps, 3)
	assert.Equal(t, "", snaps[0].Strategy)
	assert.Equal(t, int64(2), snaps[0].Attempts)
	assert.NotNil(t, snaps[0].LastFailure)

	restored := NewTracker()
	restored.now = func() time.Time { return now }
	restored.Restore(snaps)
	assert.InDelta(t, tr.Score("a", "direct"), restored.Score("a", "direct"), 1e-9)
	assert.InDelta(t, tr.Score("a", "fingerprint"), restored.Score("a", "fingerprint"), 1e-9)
}

func TestConcurrentRecording(t *testing.T) {
	tr := NewTracker()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				tr.RecordAttempt("a", j%2 == 0, time.Millisecond, "direct")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	snaps := tr.Snapshots()
	assert.Equal(t, int64(800), snaps[0].Attempts)
	assert.Equal(t, int64(400), snaps[0].Successes)
}
