// Package health tracks per-server retrieval statistics for newsvault.
//
// Features:
//   - Per-server and per-strategy rolling counters
//   - Multiplicative scoring (success rate, latency, failure recency)
//   - Server ranking for strategy-aware dispatch
//   - Snapshot export for persistence
package health

import (
	"sort"
	"sync"
	"time"
)

// recencyWindow is how long after a failure a server's score stays halved.
const recencyWindow = 5 * time.Minute

// neutralScore is assigned to servers with no recorded attempts, so new
// servers are neither preferred nor shunned.
const neutralScore = 0.5

// counters is one success/latency tally.
type counters struct {
	attempts      int64
	successes     int64
	totalResponse float64 // seconds
}

func (c *counters) rate() float64 {
	if c.attempts == 0 {
		return 0
	}
	return float64(c.successes) / float64(c.attempts)
}

// avgResponse averages over successful attempts only; failures (often
// timeouts) would otherwise swamp the latency signal.
func (c *counters) avgResponse() float64 {
	if c.successes == 0 {
		return 0
	}
	return c.totalResponse / float64(c.successes)
}

// serverRecord holds one server's counters.
type serverRecord struct {
	overall     counters
	byStrategy  map[string]*counters
	lastSuccess time.Time
	lastFailure time.Time
}

// Tracker maintains rolling health statistics for upstream servers. All
// methods are safe for concurrent use; retrieval workers update it from
// many goroutines.
type Tracker struct {
	mu      sync.RWMutex
	servers map[string]*serverRecord
	now     func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		servers: make(map[string]*serverRecord),
		now:     time.Now,
	}
}

// RecordAttempt records the outcome of one retrieval attempt against a
// server. responseTime covers the full transport call. strategy names the
// retrieval strategy used ("direct", "redundancy", "fingerprint").
func (t *Tracker) RecordAttempt(server string, success bool, responseTime time.Duration, strategy string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.servers[server]
	if !ok {
		rec = &serverRecord{byStrategy: make(map[string]*counters)}
		t.servers[server] = rec
	}

	rec.overall.attempts++

	sc, ok := rec.byStrategy[strategy]
	if !ok {
		sc = &counters{}
		rec.byStrategy[strategy] = sc
	}
	sc.attempts++

	// Response time only counts toward the latency average on success.
	if success {
		secs := responseTime.Seconds()
		rec.overall.successes++
		rec.overall.totalResponse += secs
		sc.successes++
		sc.totalResponse += secs
		rec.lastSuccess = t.now()
	} else {
		rec.lastFailure = t.now()
	}
}

// Score returns a server's health score for a strategy, roughly in [0,1].
// The score multiplies three factors so any single bad dimension sharply
// suppresses it: the strategy success rate (overall rate when the strategy
// has no data yet), a latency factor 1/(1+avg seconds), and a 0.5 penalty
// if the server failed within the last five minutes. Unknown servers get a
// neutral 0.5.
func (t *Tracker) Score(server, strategy string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.servers[server]
	if !ok || rec.overall.attempts == 0 {
		return neutralScore
	}

	rate := rec.overall.rate()
	if sc, ok := rec.byStrategy[strategy]; ok && sc.attempts > 0 {
		rate = sc.rate()
	}

	score := rate * (1.0 / (1.0 + rec.overall.avgResponse()))

	if !rec.lastFailure.IsZero() && t.now().Sub(rec.lastFailure) < recencyWindow {
		score *= 0.5
	}
	return score
}

// BestServers returns up to count server names ranked by descending score
// for the given strategy. Ties keep lexical order so results are stable.
func (t *Tracker) BestServers(strategy string, count int) []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.servers))
	for name := range t.servers {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	sort.SliceStable(names, func(i, j int) bool {
		return t.Score(names[i], strategy) > t.Score(names[j], strategy)
	})

	if count < len(names) {
		names = names[:count]
	}
	return names
}

// Snapshot is an exportable view of one server/strategy counter set, used
// to persist tracker state across restarts.
type Snapshot struct {
	Server            string
	Strategy          string // "" for the overall counters
	Attempts          int64
	Successes         int64
	TotalResponseTime float64
	LastSuccess       *int64
	LastFailure       *int64
}

// Snapshots exports all counters.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var snaps []Snapshot
	for name, rec := range t.servers {
		snaps = append(snaps, snapshotFrom(name, "", &rec.overall, rec))
		for strategy, sc := range rec.byStrategy {
			snaps = append(snaps, snapshotFrom(name, strategy, sc, rec))
		}
	}

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Server != snaps[j].Server {
			return snaps[i].Server < snaps[j].Server
		}
		return snaps[i].Strategy < snaps[j].Strategy
	})
	return snaps
}

// Restore loads previously exported counters, replacing current state for
// the servers present in the snapshots.
func (t *Tracker) Restore(snaps []Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range snaps {
		rec, ok := t.servers[s.Server]
		if !ok {
			rec = &serverRecord{byStrategy: make(map[string]*counters)}
			t.servers[s.Server] = rec
		}

		c := counters{
			attempts:      s.Attempts,
			successes:     s.Successes,
			totalResponse: s.TotalResponseTime,
		}
		if s.Strategy == "" {
			rec.overall = c
			if s.LastSuccess != nil {
				rec.lastSuccess = time.Unix(*s.LastSuccess, 0)
			}
			if s.LastFailure != nil {
				rec.lastFailure = time.Unix(*s.LastFailure, 0)
			}
		} else {
			sc := c
			rec.byStrategy[s.Strategy] = &sc
		}
	}
}

func snapshotFrom(server, strategy string, c *counters, rec *serverRecord) Snapshot {
	s := Snapshot{
		Server:            server,
		Strategy:          strategy,
		Attempts:          c.attempts,
		Successes:         c.successes,
		TotalResponseTime: c.totalResponse,
	}
	if strategy == "" {
		if !rec.lastSuccess.IsZero() {
			ts := rec.lastSuccess.Unix()
			s.LastSuccess = &ts
		}
		if !rec.lastFailure.IsZero() {
			ts := rec.lastFailure.Unix()
			s.LastFailure = &ts
		}
	}
	return s
}
