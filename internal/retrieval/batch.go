package retrieval

import (
	"context"
	"sync"
	"sync/atomic"

	"newsvault/internal/metrics"
)

// Progress reports completion of one segment within a batch.
type Progress struct {
	Current   int
	Total     int
	SegmentID string
	Success   bool
}

// ProgressFunc receives batch progress updates. It is called from worker
// goroutines and must be safe for concurrent use; a nil func disables
// reporting.
type ProgressFunc func(Progress)

// BatchResult is the outcome of one batch retrieval.
type BatchResult struct {
	// Results maps segment id to the per-segment outcome.
	Results map[string]*Result
	// Succeeded and Failed count verified successes and exhausted
	// descriptors.
	Succeeded int
	Failed    int
}

// BatchRetrieve retrieves a set of segments concurrently. Descriptors are
// reordered by score first, then fanned out to at most workers goroutines.
// Cancelling the context stops dispatching new segments; segments already
// in flight finish on their own.
func BatchRetrieve(ctx context.Context, r Retriever, descs []*Descriptor, workers int, progress ProgressFunc) *BatchResult {
	if workers < 1 {
		workers = 1
	}
	if workers > len(descs) {
		workers = len(descs)
	}

	OptimizeOrder(descs)

	br := &BatchResult{Results: make(map[string]*Result, len(descs))}
	if len(descs) == 0 {
		return br
	}

	// When the retriever is an engine with metrics, the queue depth gauge
	// tracks how many segments are still outstanding.
	var queue *metrics.Gauge
	if e, ok := r.(*Engine); ok && e.metrics != nil {
		queue = e.metrics.QueueDepth
	}
	if queue != nil {
		queue.Set(int64(len(descs)))
		defer queue.Set(0)
	}

	var (
		mu   sync.Mutex
		done atomic.Int64
		wg   sync.WaitGroup
	)
	jobs := make(chan *Descriptor)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				res := r.Retrieve(ctx, d)
				current := int(done.Add(1))
				if queue != nil {
					queue.Set(int64(len(descs) - current))
				}

				mu.Lock()
				br.Results[d.SegmentID] = res
				if res.Success {
					br.Succeeded++
				} else {
					br.Failed++
				}
				mu.Unlock()

				if progress != nil {
					progress(Progress{
						Current:   current,
						Total:     len(descs),
						SegmentID: d.SegmentID,
						Success:   res.Success,
					})
				}
			}
		}()
	}

dispatch:
	for _, d := range descs {
		select {
		case jobs <- d:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	// Undelivered descriptors are recorded as failures so the counts
	// always add up to the batch size.
	mu.Lock()
	for _, d := range descs {
		if _, ok := br.Results[d.SegmentID]; !ok {
			br.Results[d.SegmentID] = &Result{}
			br.Failed++
		}
	}
	mu.Unlock()

	return br
}
