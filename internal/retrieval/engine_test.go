package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsvault/internal/health"
	"newsvault/internal/transport"
	"newsvault/internal/yenc"
)

// fakeServer serves canned articles keyed by message id and counts every
// call so tests can assert short-circuit behavior.
type fakeServer struct {
	name          string
	articles      map[string][]byte
	retrieveCalls int
	searchCalls   int
	searchHits    []string
	searchErr     error
	headers       []transport.Header
	headerRange   transport.HeaderRange
	fetchHdrCalls int
}

func (f *fakeServer) Name() string { return f.name }

func (f *fakeServer) RetrieveArticle(ctx context.Context, messageID, newsgroup string) ([]byte, error) {
	f.retrieveCalls++
	body, ok := f.articles[messageID]
	if !ok {
		return nil, transport.ErrArticleNotFound
	}
	return body, nil
}

func (f *fakeServer) PostData(ctx context.Context, subject string, data []byte, newsgroup string, extraHeaders map[string]string) (*transport.PostResult, error) {
	return nil, transport.ErrPostRejected
}

func (f *fakeServer) SearchSubject(ctx context.Context, newsgroup, pattern string) ([]string, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchHits, nil
}

func (f *fakeServer) GroupRange(ctx context.Context, newsgroup string) (*transport.HeaderRange, error) {
	return &f.headerRange, nil
}

func (f *fakeServer) FetchHeaders(ctx context.Context, newsgroup string, low, high int64) ([]transport.Header, error) {
	f.fetchHdrCalls++
	var out []transport.Header
	for _, h := range f.headers {
		if h.ArticleNumber >= low && h.ArticleNumber <= high {
			out = append(out, h)
		}
	}
	return out, nil
}

// fakeCopies is a canned redundancy source with a call counter.
type fakeCopies struct {
	copies []RedundancyCopy
	calls  int
}

func (f *fakeCopies) Copies(segmentID string) ([]RedundancyCopy, error) {
	f.calls++
	return f.copies, nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeYenc(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	return yenc.Encode(name, data)
}

func newTestEngine(server *fakeServer, copies RedundancySource) *Engine {
	reg := transport.NewRegistry()
	reg.Register(server)
	return NewEngine(reg, health.NewTracker(), copies, nil)
}

func TestRetrieveDirectShortCircuits(t *testing.T) {
	payload := []byte("segment payload")
	server := &fakeServer{
		name:     "news.example.org",
		articles: map[string][]byte{"<seg1@host>": payload},
	}
	copies := &fakeCopies{}
	eng := newTestEngine(server, copies)

	d := &Descriptor{
		SegmentID:           "seg1",
		MessageID:           "<seg1@host>",
		SubjectFingerprint:  "a1b2c3",
		Newsgroup:           "alt.binaries.test",
		ExpectedHash:        hashOf(payload),
		RedundancyAvailable: true,
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, payload, res.Data)

	// First strategy succeeded, so nothing else may run.
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, StrategyDirect, res.Attempts[0].Strategy)
	assert.Equal(t, 1, server.retrieveCalls)
	assert.Equal(t, 0, copies.calls)
	assert.Equal(t, 0, server.searchCalls)
}

func TestRetrieveFallsBackToRedundancy(t *testing.T) {
	payload := []byte("segment payload")
	server := &fakeServer{
		name: "news.example.org",
		articles: map[string][]byte{
			"<copy1@host>": append([]byte("REDUNDANCY_COPY_1:"), payload...),
		},
	}
	copies := &fakeCopies{copies: []RedundancyCopy{
		{MessageID: "<copy1@host>", RedundancyIndex: 1},
	}}
	eng := newTestEngine(server, copies)

	d := &Descriptor{
		SegmentID:           "seg1",
		MessageID:           "<gone@host>",
		Newsgroup:           "alt.binaries.test",
		ExpectedHash:        hashOf(payload),
		RedundancyAvailable: true,
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, payload, res.Data)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, StrategyDirect, res.Attempts[0].Strategy)
	assert.False(t, res.Attempts[0].Success)
	assert.Equal(t, StrategyRedundancy, res.Attempts[1].Strategy)
	assert.True(t, res.Attempts[1].Success)
	assert.Equal(t, 1, copies.calls)
}

func TestRetrieveHashGateRejectsCorruptArticle(t *testing.T) {
	good := []byte("good payload")
	server := &fakeServer{
		name: "news.example.org",
		articles: map[string][]byte{
			"<seg1@host>":  []byte("corrupted bytes"),
			"<copy1@host>": append([]byte("REDUNDANCY_COPY_1:"), good...),
		},
	}
	copies := &fakeCopies{copies: []RedundancyCopy{
		{MessageID: "<copy1@host>", RedundancyIndex: 1},
	}}
	eng := newTestEngine(server, copies)

	d := &Descriptor{
		SegmentID:           "seg1",
		MessageID:           "<seg1@host>",
		Newsgroup:           "alt.binaries.test",
		ExpectedHash:        hashOf(good),
		RedundancyAvailable: true,
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, good, res.Data)

	// The corrupt direct fetch must count as a failed attempt, never a
	// success.
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Success)
	assert.Contains(t, res.Attempts[0].Error, "hash mismatch")
}

func TestRetrieveFingerprintSearch(t *testing.T) {
	payload := []byte("fingerprint payload")
	server := &fakeServer{
		name:       "news.example.org",
		articles:   map[string][]byte{"<found@host>": payload},
		searchHits: []string{"<found@host>"},
	}
	eng := newTestEngine(server, nil)

	d := &Descriptor{
		SegmentID:          "seg1",
		SubjectFingerprint: "a1b2c3d4",
		Newsgroup:          "alt.binaries.test",
		ExpectedHash:       hashOf(payload),
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, payload, res.Data)
	assert.Equal(t, 1, server.searchCalls)
	assert.Equal(t, 0, server.fetchHdrCalls)
}

func TestRetrieveFingerprintHeaderScanFallback(t *testing.T) {
	payload := []byte("scanned payload")
	server := &fakeServer{
		name:        "news.example.org",
		articles:    map[string][]byte{"<scanned@host>": payload},
		searchErr:   transport.ErrSearchUnsupported,
		headerRange: transport.HeaderRange{Low: 1, High: 50},
		headers: []transport.Header{
			{ArticleNumber: 10, MessageID: "<other@host>", Subject: "unrelated"},
			{ArticleNumber: 42, MessageID: "<scanned@host>", Subject: "x deadbeef01 y"},
		},
	}
	eng := newTestEngine(server, nil)

	d := &Descriptor{
		SegmentID:          "seg1",
		SubjectFingerprint: "deadbeef01",
		Newsgroup:          "alt.binaries.test",
		ExpectedHash:       hashOf(payload),
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, payload, res.Data)
	assert.Equal(t, 1, server.fetchHdrCalls)
}

func TestRetrieveFingerprintSkipsWrongCandidates(t *testing.T) {
	payload := []byte("the right one")
	server := &fakeServer{
		name: "news.example.org",
		articles: map[string][]byte{
			"<wrong@host>": []byte("same subject, different data"),
			"<right@host>": payload,
		},
		searchHits: []string{"<wrong@host>", "<right@host>"},
	}
	eng := newTestEngine(server, nil)

	d := &Descriptor{
		SegmentID:          "seg1",
		SubjectFingerprint: "cafebabe",
		Newsgroup:          "alt.binaries.test",
		ExpectedHash:       hashOf(payload),
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, payload, res.Data)
	assert.Equal(t, 2, server.retrieveCalls)
}

func TestRetrieveUnusableDescriptor(t *testing.T) {
	server := &fakeServer{name: "news.example.org"}
	eng := newTestEngine(server, nil)

	d := &Descriptor{SegmentID: "seg1", Newsgroup: "alt.binaries.test"}

	res := eng.Retrieve(context.Background(), d)
	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 1)
	assert.Contains(t, res.Attempts[0].Error, "no usable strategy")
	assert.Equal(t, 0, server.retrieveCalls)
}

func TestRetrieveAllStrategiesExhausted(t *testing.T) {
	server := &fakeServer{
		name:      "news.example.org",
		articles:  map[string][]byte{},
		searchErr: transport.ErrSearchUnsupported,
	}
	copies := &fakeCopies{}
	eng := newTestEngine(server, copies)

	d := &Descriptor{
		SegmentID:           "seg1",
		MessageID:           "<gone@host>",
		SubjectFingerprint:  "a1b2c3",
		Newsgroup:           "alt.binaries.test",
		ExpectedHash:        hashOf([]byte("never fetched")),
		RedundancyAvailable: true,
	}

	res := eng.Retrieve(context.Background(), d)
	assert.False(t, res.Success)
	assert.Len(t, res.Attempts, 3)
	// The descriptor carries the full history for adaptive reordering.
	assert.Equal(t, 3, d.FailedAttempts())
}

func TestRetrieveContextCancelled(t *testing.T) {
	payload := []byte("segment payload")
	server := &fakeServer{
		name:     "news.example.org",
		articles: map[string][]byte{"<seg1@host>": payload},
	}
	eng := newTestEngine(server, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &Descriptor{
		SegmentID:    "seg1",
		MessageID:    "<seg1@host>",
		Newsgroup:    "alt.binaries.test",
		ExpectedHash: hashOf(payload),
	}

	res := eng.Retrieve(ctx, d)
	assert.False(t, res.Success)
	assert.Equal(t, 0, server.retrieveCalls)
}

func TestRetrieveDecodesYenc(t *testing.T) {
	payload := []byte("binary segment data \x00\xff\x3d")
	encoded := encodeYenc(t, "seg1.dat", payload)
	server := &fakeServer{
		name:     "news.example.org",
		articles: map[string][]byte{"<seg1@host>": encoded},
	}
	eng := newTestEngine(server, nil)

	d := &Descriptor{
		SegmentID:    "seg1",
		MessageID:    "<seg1@host>",
		Newsgroup:    "alt.binaries.test",
		ExpectedHash: hashOf(payload),
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	assert.Equal(t, payload, res.Data)
}

func TestRankedClientsPreferHealthyServers(t *testing.T) {
	payload := []byte("segment payload")
	good := &fakeServer{
		name:     "good.example.org",
		articles: map[string][]byte{"<seg1@host>": payload},
	}
	bad := &fakeServer{name: "bad.example.org"}

	reg := transport.NewRegistry()
	reg.Register(bad)
	reg.Register(good)

	tracker := health.NewTracker()
	for i := 0; i < 5; i++ {
		tracker.RecordAttempt("good.example.org", true, 0, string(StrategyDirect))
		tracker.RecordAttempt("bad.example.org", false, 0, string(StrategyDirect))
	}

	eng := NewEngine(reg, tracker, nil, nil)
	d := &Descriptor{
		SegmentID:    "seg1",
		MessageID:    "<seg1@host>",
		Newsgroup:    "alt.binaries.test",
		ExpectedHash: hashOf(payload),
	}

	res := eng.Retrieve(context.Background(), d)
	require.True(t, res.Success)
	// The healthy server is ranked first and answers, so the failing one
	// is never asked.
	assert.Equal(t, 1, good.retrieveCalls)
	assert.Equal(t, 0, bad.retrieveCalls)
}
