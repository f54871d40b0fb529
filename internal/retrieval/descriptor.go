package retrieval

import (
	"time"
)

// Strategy identifies one retrieval method. Strategies are always tried in
// the fixed order direct, redundancy, fingerprint.
type Strategy string

const (
	// StrategyDirect fetches the article named by the descriptor's
	// primary message id.
	StrategyDirect Strategy = "direct"
	// StrategyRedundancy fetches any independently posted sibling copy
	// of the same logical segment.
	StrategyRedundancy Strategy = "redundancy"
	// StrategyFingerprint locates the article by its obfuscated subject.
	StrategyFingerprint Strategy = "fingerprint"
	// StrategyCache marks a hit served by a caching wrapper, never
	// attempted by the engine itself.
	StrategyCache Strategy = "cache"
)

// strategyOrder is the fixed preference order.
var strategyOrder = []Strategy{StrategyDirect, StrategyRedundancy, StrategyFingerprint}

// Descriptor is the typed unit of retrieval. It is constructed once at the
// boundary where storage rows are read; nothing downstream re-coerces ids
// or priorities.
type Descriptor struct {
	SegmentID           string
	FilePath            string
	SegmentIndex        int
	MessageID           string
	SubjectFingerprint  string
	Newsgroup           string
	ExpectedHash        string // hex SHA-256
	ExpectedSize        int64
	RedundancyAvailable bool
	Priority            int
	Attempts            []Attempt
}

// CanUse reports whether the descriptor carries the data a strategy needs.
func (d *Descriptor) CanUse(s Strategy) bool {
	switch s {
	case StrategyDirect:
		return d.MessageID != ""
	case StrategyRedundancy:
		return d.RedundancyAvailable
	case StrategyFingerprint:
		return d.SubjectFingerprint != ""
	}
	return false
}

// Usable reports whether any strategy can run at all. A descriptor with no
// usable strategy is unrecoverable by design and callers must treat it as
// a terminal failure rather than a retry candidate.
func (d *Descriptor) Usable() bool {
	for _, s := range strategyOrder {
		if d.CanUse(s) {
			return true
		}
	}
	return false
}

// FailedAttempts counts recorded unsuccessful attempts.
func (d *Descriptor) FailedAttempts() int {
	n := 0
	for _, a := range d.Attempts {
		if !a.Success {
			n++
		}
	}
	return n
}

// Attempt is one append-only record of a strategy execution.
type Attempt struct {
	Strategy  Strategy
	Timestamp time.Time
	Success   bool
	Error     string
	Duration  time.Duration
	Bytes     int
}

// Result is the outcome of retrieving one segment.
type Result struct {
	Success  bool
	Data     []byte
	Attempts []Attempt
}
