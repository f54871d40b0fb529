package retrieval

import (
	"container/list"
	"context"
	"sync"
	"time"

	"newsvault/internal/metrics"
)

// Cache stores verified segment data keyed by segment id. Implementations
// must be safe for concurrent use.
type Cache interface {
	Get(segmentID string) ([]byte, bool)
	Put(segmentID string, data []byte)
}

// MemoryCache is a bounded in-memory LRU segment cache.
type MemoryCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	segmentID string
	data      []byte
}

// NewMemoryCache creates a cache bounded to maxBytes of segment data.
func NewMemoryCache(maxBytes int64) *MemoryCache {
	return &MemoryCache{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns cached data for a segment, refreshing its recency.
func (c *MemoryCache) Get(segmentID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[segmentID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

// Put stores segment data, evicting least recently used entries to stay
// within the byte bound. Segments larger than the whole cache are not
// stored.
func (c *MemoryCache) Put(segmentID string, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[segmentID]; ok {
		old := el.Value.(*cacheEntry)
		c.curBytes += int64(len(data)) - int64(len(old.data))
		old.data = data
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&cacheEntry{segmentID: segmentID, data: data})
		c.entries[segmentID] = el
		c.curBytes += int64(len(data))
	}

	for c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*cacheEntry)
		c.order.Remove(back)
		delete(c.entries, entry.segmentID)
		c.curBytes -= int64(len(entry.data))
	}
}

// Len returns the number of cached segments.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CachingEngine wraps a Retriever with a read-through segment cache. Hits
// are recorded as cache-strategy attempts; only verified successes are
// stored.
type CachingEngine struct {
	inner   Retriever
	cache   Cache
	metrics *metrics.NewsvaultMetrics
}

// NewCachingEngine wraps inner with cache.
func NewCachingEngine(inner Retriever, cache Cache, m *metrics.NewsvaultMetrics) *CachingEngine {
	return &CachingEngine{inner: inner, cache: cache, metrics: m}
}

// Retrieve serves from cache when possible and delegates otherwise.
func (c *CachingEngine) Retrieve(ctx context.Context, d *Descriptor) *Result {
	if data, ok := c.cache.Get(d.SegmentID); ok {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		att := Attempt{
			Strategy:  StrategyCache,
			Timestamp: time.Now(),
			Success:   true,
			Bytes:     len(data),
		}
		d.Attempts = append(d.Attempts, att)
		return &Result{Success: true, Data: data, Attempts: []Attempt{att}}
	}

	res := c.inner.Retrieve(ctx, d)
	if res.Success {
		c.cache.Put(d.SegmentID, res.Data)
	}
	return res
}
