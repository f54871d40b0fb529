package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyClient fails a fixed number of times before succeeding.
type flakyClient struct {
	name      string
	failures  int
	calls     int
	failWith  error
	body      []byte
	messageID string
}

func (f *flakyClient) Name() string { return f.name }

func (f *flakyClient) RetrieveArticle(ctx context.Context, messageID, newsgroup string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return f.body, nil
}

func (f *flakyClient) PostData(ctx context.Context, subject string, data []byte, newsgroup string, extraHeaders map[string]string) (*PostResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return &PostResult{MessageID: f.messageID, Server: f.name}, nil
}

func (f *flakyClient) SearchSubject(ctx context.Context, newsgroup, pattern string) ([]string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return []string{f.messageID}, nil
}

func (f *flakyClient) GroupRange(ctx context.Context, newsgroup string) (*HeaderRange, error) {
	return &HeaderRange{Low: 1, High: 100}, nil
}

func (f *flakyClient) FetchHeaders(ctx context.Context, newsgroup string, low, high int64) ([]Header, error) {
	return nil, nil
}

func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.2,
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&flakyClient{name: "b.example.org"})
	r.Register(&flakyClient{name: "a.example.org"})

	c, ok := r.Get("a.example.org")
	require.True(t, ok)
	assert.Equal(t, "a.example.org", c.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a.example.org", "b.example.org"}, r.List())
}

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &flakyClient{
		name:     "news.example.org",
		failures: 2,
		failWith: ErrServerUnavailable,
		body:     []byte("article"),
	}
	rc := NewRetryClient(inner, fastRetry())

	data, err := rc.RetrieveArticle(context.Background(), "<id@host>", "alt.test")
	require.NoError(t, err)
	assert.Equal(t, []byte("article"), data)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryExhausted(t *testing.T) {
	inner := &flakyClient{
		name:     "news.example.org",
		failures: 100,
		failWith: ErrServerUnavailable,
	}
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.RetrieveArticle(context.Background(), "<id@host>", "alt.test")
	assert.ErrorIs(t, err, ErrServerUnavailable)
	// initial attempt + 3 retries
	assert.Equal(t, 4, inner.calls)
}

func TestRetryTerminalNotRetried(t *testing.T) {
	inner := &flakyClient{
		name:     "news.example.org",
		failures: 100,
		failWith: ErrArticleNotFound,
	}
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.RetrieveArticle(context.Background(), "<id@host>", "alt.test")
	assert.ErrorIs(t, err, ErrArticleNotFound)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryRespectsContext(t *testing.T) {
	inner := &flakyClient{
		name:     "news.example.org",
		failures: 100,
		failWith: ErrServerUnavailable,
	}
	rc := NewRetryClient(inner, &RetryConfig{
		MaxRetries:   5,
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := rc.RetrieveArticle(ctx, "<id@host>", "alt.test")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, inner.calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrServerUnavailable))
	assert.False(t, IsTransient(ErrArticleNotFound))
	assert.False(t, IsTransient(ErrPostRejected))
	assert.False(t, IsTransient(nil))
}

func TestDelayForCapped(t *testing.T) {
	rc := NewRetryClient(&flakyClient{}, &RetryConfig{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	})

	for attempt := 0; attempt < 10; attempt++ {
		d := rc.delayFor(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}
