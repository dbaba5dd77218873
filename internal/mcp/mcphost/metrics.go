package mcphost

import (
	"slices"
	"sync"
	"time"
)

// rollingWindow keeps the last size call latencies of a tool together with
// whether each call failed. Safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int
	count   int
	errors  int
}

// newRollingWindow creates a window holding size samples. A non-positive
// size defaults to defaultWindowSize.
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// Record adds a measurement, evicting the oldest once the window is full.
func (w *rollingWindow) Record(latency time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= len(w.samples) && w.failed[w.pos] {
		w.errors--
	}
	w.samples[w.pos] = latency
	w.failed[w.pos] = isError
	if isError {
		w.errors++
	}
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

func (w *rollingWindow) windowLen() int {
	return min(w.count, len(w.samples))
}

func (w *rollingWindow) sorted() []time.Duration {
	cp := slices.Clone(w.samples[:w.windowLen()])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency, or 0 without measurements.
func (w *rollingWindow) P50() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th-percentile latency, or 0 without measurements.
func (w *rollingWindow) P99() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the fraction of failed calls in the window.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	return float64(w.errors) / float64(n)
}

// Count returns the total number of recorded calls, including evicted ones.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
