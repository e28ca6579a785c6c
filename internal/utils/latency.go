package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded window of recent duration samples in a ring
// buffer and answers percentile queries over the window. Safe for concurrent
// use.
type LatencyTracker struct {
	mu   sync.Mutex
	ring []time.Duration
	next int
	full bool
}

// NewLatencyTracker returns a tracker that retains the last maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, maxSize)}
}

// Observe records a duration, evicting the oldest sample once the window is
// full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Count reports how many samples the window currently holds.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count()
}

// Percentile returns the p-th percentile (0 to 100) over the current window,
// or zero when no samples have been observed. Out-of-range p is clamped.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	sorted := l.snapshot()
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int((p / 100.0) * float64(len(sorted)-1))
	switch {
	case idx < 0:
		idx = 0
	case idx >= len(sorted):
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (l *LatencyTracker) count() int {
	if l.full {
		return len(l.ring)
	}
	return l.next
}

func (l *LatencyTracker) snapshot() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.ring[:l.count()]...)
}
