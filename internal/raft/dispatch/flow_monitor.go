package dispatch

import (
	"sync"
	"time"
)

// FlowMonitor tracks a moving-average send rate for one peer so the
// dispatcher can retune that peer's rate limiter out of band, per
// spec.md §4.3's "updated out of band by updateRateLimiter" and the
// supplemented FlowMonitorManager behavior from the original source.
type FlowMonitor struct {
	mu             sync.Mutex
	lastReport     time.Time
	avgBytesPerSec float64
}

// NewFlowMonitor creates a FlowMonitor with no history.
func NewFlowMonitor() *FlowMonitor {
	return &FlowMonitor{lastReport: time.Now()}
}

// Report records that size bytes were just sent, folding the
// instantaneous rate since the last report into the moving average.
func (f *FlowMonitor) Report(size int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(f.lastReport).Seconds()
	f.lastReport = now
	if elapsed <= 0 || size <= 0 {
		return
	}

	const smoothing = 0.2
	instant := float64(size) / elapsed
	f.avgBytesPerSec = smoothing*instant + (1-smoothing)*f.avgBytesPerSec
}

// Rate returns the current moving-average bytes/sec estimate.
func (f *FlowMonitor) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avgBytesPerSec
}
