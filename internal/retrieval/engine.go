// Package retrieval implements the multi-strategy segment retrieval engine.
//
// Features:
//   - Fixed fallback hierarchy: direct reference, redundancy copy,
//     subject-fingerprint search
//   - SHA-256 hash gate on every fetched article
//   - Health-ranked server dispatch with per-strategy statistics
//   - Prioritized batch retrieval with a worker pool
//   - Composable caching wrapper
package retrieval

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"newsvault/internal/crypto"
	"newsvault/internal/health"
	"newsvault/internal/logging"
	"newsvault/internal/metrics"
	"newsvault/internal/transport"
	"newsvault/internal/yenc"
)

// Errors
var (
	ErrNoUsableStrategy = errors.New("retrieval: descriptor has no usable strategy")
	ErrHashMismatch     = errors.New("retrieval: segment hash mismatch")
	ErrNoCandidates     = errors.New("retrieval: no candidate articles found")
	ErrNoCopies         = errors.New("retrieval: no redundancy copies recorded")
)

// redundancyPrefix tags independently posted sibling copies on the wire.
var redundancyPrefix = []byte("REDUNDANCY_COPY_")

// RedundancyCopy locates one posted sibling copy of a logical segment.
type RedundancyCopy struct {
	MessageID       string
	Newsgroup       string
	RedundancyIndex int
}

// RedundancySource looks up sibling copies for the redundancy strategy.
// The store's segment table satisfies this through a thin adapter.
type RedundancySource interface {
	Copies(segmentID string) ([]RedundancyCopy, error)
}

// Retriever retrieves single segments. Engine implements it, and
// CachingEngine wraps any implementation.
type Retriever interface {
	Retrieve(ctx context.Context, d *Descriptor) *Result
}

// Options tunes an Engine.
type Options struct {
	// ScanLimit bounds the header-scan fallback to roughly the most
	// recent N articles.
	ScanLimit int64
	// MaxCandidates bounds how many fingerprint-search hits are fetched
	// before the strategy gives up.
	MaxCandidates int
	Logger        *logging.Logger
	Metrics       *metrics.NewsvaultMetrics
}

// Engine retrieves segments via the strategy fallback hierarchy.
type Engine struct {
	registry   *transport.Registry
	tracker    *health.Tracker
	redundancy RedundancySource

	scanLimit     int64
	maxCandidates int
	log           *logging.Logger
	metrics       *metrics.NewsvaultMetrics
}

// NewEngine creates a retrieval engine. redundancy may be nil when the
// caller never marks descriptors redundancy-available.
func NewEngine(registry *transport.Registry, tracker *health.Tracker, redundancy RedundancySource, opts *Options) *Engine {
	e := &Engine{
		registry:      registry,
		tracker:       tracker,
		redundancy:    redundancy,
		scanLimit:     10000,
		maxCandidates: 5,
	}
	if opts != nil {
		if opts.ScanLimit > 0 {
			e.scanLimit = opts.ScanLimit
		}
		if opts.MaxCandidates > 0 {
			e.maxCandidates = opts.MaxCandidates
		}
		e.log = opts.Logger
		e.metrics = opts.Metrics
	}
	if e.log == nil {
		e.log = logging.Default().WithComponent("retrieval")
	}
	return e
}

// Retrieve tries each usable strategy in preference order, verifying every
// fetch against the expected hash, and short-circuits on the first
// verified success. The full attempt history is returned either way and
// appended to the descriptor for adaptive reordering.
func (e *Engine) Retrieve(ctx context.Context, d *Descriptor) *Result {
	res := &Result{}

	if !d.Usable() {
		e.log.Warn("segment unrecoverable", "segment_id", d.SegmentID)
		att := Attempt{
			Timestamp: time.Now(),
			Error:     ErrNoUsableStrategy.Error(),
		}
		d.Attempts = append(d.Attempts, att)
		res.Attempts = append(res.Attempts, att)
		return res
	}

	for _, s := range strategyOrder {
		if !d.CanUse(s) {
			continue
		}
		// Cancellation is honored between attempts; a transport call in
		// flight finishes or fails on its own context.
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		e.countAttempt(s)
		data, err := e.run(ctx, s, d)
		if err == nil {
			err = verifyHash(d, data)
			if err != nil {
				e.countMismatch()
			}
		}

		att := Attempt{
			Strategy:  s,
			Timestamp: start,
			Duration:  time.Since(start),
		}
		if err != nil {
			att.Error = err.Error()
			d.Attempts = append(d.Attempts, att)
			res.Attempts = append(res.Attempts, att)
			e.log.Debug("strategy failed",
				"segment_id", d.SegmentID, "strategy", string(s), "error", err)
			continue
		}

		att.Success = true
		att.Bytes = len(data)
		d.Attempts = append(d.Attempts, att)
		res.Attempts = append(res.Attempts, att)
		res.Success = true
		res.Data = data

		if e.metrics != nil {
			e.metrics.SegmentsRetrievedTotal.Inc()
			e.metrics.BytesRetrievedTotal.Add(uint64(len(data)))
			e.metrics.RetrievalDuration.ObserveDuration(att.Duration)
			e.metrics.SegmentSizeBytes.Observe(float64(len(data)))
		}
		return res
	}

	if e.metrics != nil {
		e.metrics.SegmentsFailedTotal.Inc()
	}
	return res
}

// run dispatches one strategy.
func (e *Engine) run(ctx context.Context, s Strategy, d *Descriptor) ([]byte, error) {
	switch s {
	case StrategyDirect:
		return e.direct(ctx, d)
	case StrategyRedundancy:
		return e.redundancyRecover(ctx, d)
	case StrategyFingerprint:
		return e.fingerprintSearch(ctx, d)
	}
	return nil, E(KindFatal, "run", fmt.Errorf("unknown strategy %q", s))
}

// direct fetches the article named by the primary message id.
func (e *Engine) direct(ctx context.Context, d *Descriptor) ([]byte, error) {
	return e.fetchArticle(ctx, StrategyDirect, d.MessageID, d.Newsgroup)
}

// redundancyRecover tries each posted sibling copy until one yields data
// matching the expected hash.
func (e *Engine) redundancyRecover(ctx context.Context, d *Descriptor) ([]byte, error) {
	if e.redundancy == nil {
		return nil, E(KindFatal, "redundancy", ErrNoCopies)
	}
	copies, err := e.redundancy.Copies(d.SegmentID)
	if err != nil {
		return nil, E(KindFatal, "redundancy", err)
	}
	if len(copies) == 0 {
		return nil, E(KindTransient, "redundancy", ErrNoCopies)
	}

	var lastErr error
	for _, cp := range copies {
		newsgroup := cp.Newsgroup
		if newsgroup == "" {
			newsgroup = d.Newsgroup
		}
		data, err := e.fetchArticle(ctx, StrategyRedundancy, cp.MessageID, newsgroup)
		if err != nil {
			lastErr = err
			continue
		}
		data = stripRedundancyPrefix(data)
		if err := verifyHash(d, data); err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

// fingerprintSearch locates the article by subject, preferring the
// server-side targeted search and falling back to a bounded scan of
// recent headers when a server lacks the command.
func (e *Engine) fingerprintSearch(ctx context.Context, d *Descriptor) ([]byte, error) {
	clients := e.rankedClients(StrategyFingerprint)
	if len(clients) == 0 {
		return nil, E(KindFatal, "fingerprint", transport.ErrNoServers)
	}

	var lastErr error
	for _, c := range clients {
		ids, err := c.SearchSubject(ctx, d.Newsgroup, d.SubjectFingerprint)
		if errors.Is(err, transport.ErrSearchUnsupported) {
			ids, err = e.scanHeaders(ctx, c, d)
		}
		if err != nil {
			lastErr = classify("fingerprint", err)
			continue
		}
		if len(ids) == 0 {
			lastErr = E(KindTransient, "fingerprint", ErrNoCandidates)
			continue
		}

		tried := 0
		for _, id := range ids {
			if tried >= e.maxCandidates {
				break
			}
			tried++

			start := time.Now()
			body, err := c.RetrieveArticle(ctx, id, d.Newsgroup)
			e.tracker.RecordAttempt(c.Name(), err == nil, time.Since(start), string(StrategyFingerprint))
			if err != nil {
				lastErr = classify("fingerprint", err)
				continue
			}
			data, err := decodePayload(body)
			if err != nil {
				lastErr = E(KindIntegrityFailure, "fingerprint", err)
				continue
			}
			if err := verifyHash(d, data); err != nil {
				lastErr = err
				continue
			}
			return data, nil
		}
	}
	if lastErr == nil {
		lastErr = E(KindTransient, "fingerprint", ErrNoCandidates)
	}
	return nil, lastErr
}

// scanHeaders is the bounded last-resort fallback: restrict to roughly
// the most recent scanLimit articles and substring-match their subjects.
func (e *Engine) scanHeaders(ctx context.Context, c transport.Client, d *Descriptor) ([]string, error) {
	hr, err := c.GroupRange(ctx, d.Newsgroup)
	if err != nil {
		return nil, err
	}
	low := hr.High - e.scanLimit + 1
	if low < hr.Low {
		low = hr.Low
	}

	headers, err := c.FetchHeaders(ctx, d.Newsgroup, low, hr.High)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, h := range headers {
		if bytes.Contains([]byte(h.Subject), []byte(d.SubjectFingerprint)) {
			ids = append(ids, h.MessageID)
		}
	}
	return ids, nil
}

// fetchArticle fetches one article by message id, walking servers in
// health-score order and recording every outcome with the tracker.
func (e *Engine) fetchArticle(ctx context.Context, s Strategy, messageID, newsgroup string) ([]byte, error) {
	clients := e.rankedClients(s)
	if len(clients) == 0 {
		return nil, E(KindFatal, string(s), transport.ErrNoServers)
	}

	var lastErr error
	for _, c := range clients {
		start := time.Now()
		body, err := c.RetrieveArticle(ctx, messageID, newsgroup)
		e.tracker.RecordAttempt(c.Name(), err == nil, time.Since(start), string(s))
		if err != nil {
			lastErr = classify(string(s), err)
			continue
		}
		data, err := decodePayload(body)
		if err != nil {
			lastErr = E(KindIntegrityFailure, string(s), err)
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

// rankedClients returns all registered clients ordered by descending
// health score for the strategy. Ties keep registry (lexical) order so
// dispatch is deterministic.
func (e *Engine) rankedClients(s Strategy) []transport.Client {
	names := e.registry.List()
	sort.SliceStable(names, func(i, j int) bool {
		return e.tracker.Score(names[i], string(s)) > e.tracker.Score(names[j], string(s))
	})

	clients := make([]transport.Client, 0, len(names))
	for _, name := range names {
		if c, ok := e.registry.Get(name); ok {
			clients = append(clients, c)
		}
	}
	return clients
}

// verifyHash gates fetched data on the expected segment hash. A fetch
// that succeeds but fails this check is a failed attempt, never a
// success.
func verifyHash(d *Descriptor, data []byte) error {
	if d.ExpectedHash == "" {
		return nil
	}
	sum := crypto.HashSegment(data)
	if hex.EncodeToString(sum[:]) != d.ExpectedHash {
		return E(KindIntegrityFailure, "verify", ErrHashMismatch)
	}
	return nil
}

// decodePayload unwraps yEnc-encoded article bodies; raw bodies pass
// through untouched.
func decodePayload(body []byte) ([]byte, error) {
	if bytes.HasPrefix(bytes.TrimLeft(body, "\r\n"), []byte("=ybegin ")) {
		return yenc.Decode(body)
	}
	return body, nil
}

// stripRedundancyPrefix removes the sibling-copy tag from a recovered
// payload.
func stripRedundancyPrefix(data []byte) []byte {
	if !bytes.HasPrefix(data, redundancyPrefix) {
		return data
	}
	if idx := bytes.IndexByte(data[:min(len(data), 32)], ':'); idx >= 0 {
		return data[idx+1:]
	}
	return data
}

// classify maps transport errors to retrieval error kinds. Everything a
// transport can report is worth retrying later; access and integrity
// failures are classified at the call sites that detect them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return E(KindTransient, op, err)
}

func (e *Engine) countAttempt(s Strategy) {
	if e.metrics == nil {
		return
	}
	switch s {
	case StrategyDirect:
		e.metrics.DirectAttemptsTotal.Inc()
	case StrategyRedundancy:
		e.metrics.RedundancyAttemptsTotal.Inc()
	case StrategyFingerprint:
		e.metrics.FingerprintAttemptsTotal.Inc()
	}
}

func (e *Engine) countMismatch() {
	if e.metrics != nil {
		e.metrics.HashMismatchesTotal.Inc()
	}
}
