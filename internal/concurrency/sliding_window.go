package concurrency

import (
	"sync"
	"time"
)

// slidingWindow tracks success/failure counts in fixed-duration buckets
// that rotate out as time passes, giving a failure rate that ages smoothly
// instead of falling off a cliff at a hard last-N cutoff.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSize time.Duration
	windowSize time.Duration
	currentIdx int
	lastRotate time.Time
}

type bucket struct {
	success int
	failure int
}

func newSlidingWindow(window time.Duration, bucketCount int) *slidingWindow {
	if window <= 0 {
		window = 30 * time.Second
	}
	if bucketCount <= 0 {
		bucketCount = 10
	}
	return &slidingWindow{
		buckets:    make([]bucket, bucketCount),
		bucketSize: window / time.Duration(bucketCount),
		windowSize: window,
		lastRotate: time.Now(),
	}
}

func (w *slidingWindow) rotate() {
	elapsed := time.Since(w.lastRotate)
	if elapsed < w.bucketSize {
		return
	}
	steps := int(elapsed / w.bucketSize)
	if steps > len(w.buckets) {
		// Elapsed time cleared the whole window; reset rather than
		// stepping one bucket at a time.
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
		w.lastRotate = time.Now()
		return
	}
	for i := 0; i < steps; i++ {
		w.currentIdx = (w.currentIdx + 1) % len(w.buckets)
		w.buckets[w.currentIdx] = bucket{}
	}
	w.lastRotate = time.Now()
}

func (w *slidingWindow) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	w.buckets[w.currentIdx].success++
}

func (w *slidingWindow) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	w.buckets[w.currentIdx].failure++
}

func (w *slidingWindow) counts() (success, failure int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	for _, b := range w.buckets {
		success += b.success
		failure += b.failure
	}
	return success, failure
}

func (w *slidingWindow) errorRate() float64 {
	success, failure := w.counts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}
