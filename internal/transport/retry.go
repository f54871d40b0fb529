package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls the backoff schedule for transient faults.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryConfig returns the standard schedule: three retries with
// exponential backoff from 100ms capped at 5s, with 20% jitter to avoid
// thundering-herd reconnects.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	}
}

// RetryClient decorates a Client with bounded retries on transient errors.
// Terminal answers (not found, rejected, search unsupported) pass through
// immediately.
type RetryClient struct {
	inner Client
	cfg   *RetryConfig
}

// NewRetryClient wraps a client with the given retry schedule.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, cfg: cfg}
}

// Name returns the wrapped server's name.
func (rc *RetryClient) Name() string { return rc.inner.Name() }

// delayFor computes the backoff delay for an attempt number, with jitter.
func (rc *RetryClient) delayFor(attempt int) time.Duration {
	delay := float64(rc.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(rc.cfg.MaxDelay) {
		delay = float64(rc.cfg.MaxDelay)
	}
	jitter := delay * rc.cfg.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// do runs fn with retries on transient errors, honoring ctx cancellation
// between attempts.
func (rc *RetryClient) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= rc.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rc.delayFor(attempt - 1)):
			}
		}
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

// RetrieveArticle fetches an article with retries.
func (rc *RetryClient) RetrieveArticle(ctx context.Context, messageID, newsgroup string) ([]byte, error) {
	var data []byte
	err := rc.do(ctx, func() error {
		var err error
		data, err = rc.inner.RetrieveArticle(ctx, messageID, newsgroup)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PostData posts an article with retries.
func (rc *RetryClient) PostData(ctx context.Context, subject string, data []byte, newsgroup string, extraHeaders map[string]string) (*PostResult, error) {
	var result *PostResult
	err := rc.do(ctx, func() error {
		var err error
		result, err = rc.inner.PostData(ctx, subject, data, newsgroup, extraHeaders)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SearchSubject runs a targeted header search with retries.
func (rc *RetryClient) SearchSubject(ctx context.Context, newsgroup, pattern string) ([]string, error) {
	var ids []string
	err := rc.do(ctx, func() error {
		var err error
		ids, err = rc.inner.SearchSubject(ctx, newsgroup, pattern)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GroupRange fetches the group watermark with retries.
func (rc *RetryClient) GroupRange(ctx context.Context, newsgroup string) (*HeaderRange, error) {
	var hr *HeaderRange
	err := rc.do(ctx, func() error {
		var err error
		hr, err = rc.inner.GroupRange(ctx, newsgroup)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hr, nil
}

// FetchHeaders fetches subject headers with retries.
func (rc *RetryClient) FetchHeaders(ctx context.Context, newsgroup string, low, high int64) ([]Header, error) {
	var headers []Header
	err := rc.do(ctx, func() error {
		var err error
		headers, err = rc.inner.FetchHeaders(ctx, newsgroup, low, high)
		return err
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}
