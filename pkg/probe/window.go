// Package probe periodically checks device reachability and maintains
// a rolling window of outcomes per device.
package probe

import (
	"math"
	"time"
)

// Sample is a single probe outcome. RTT is meaningful only when OK.
type Sample struct {
	OK  bool
	RTT time.Duration
}

// Window is a fixed-size ring of the most recent probe outcomes for
// one device. Adding beyond the capacity drops the oldest sample.
type Window struct {
	samples []Sample
	next    int
	full    bool
}

// NewWindow creates a window holding up to size samples.
func NewWindow(size int) *Window {
	return &Window{samples: make([]Sample, size)}
}

// Add records one outcome, evicting the oldest if the window is full.
func (w *Window) Add(s Sample) {
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Len returns the number of recorded samples, capped at the window size.
func (w *Window) Len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Aggregates returns the integer mean latency in milliseconds over
// successful probes (0 if none succeeded) and the success fraction
// rounded to two decimals.
func (w *Window) Aggregates() (pingAvg int, pingSuccess float64) {
	n := w.Len()
	if n == 0 {
		return 0, 0
	}

	var okCount int
	var totalMs int64
	for i := 0; i < n; i++ {
		s := w.samples[i]
		if s.OK {
			okCount++
			totalMs += s.RTT.Milliseconds()
		}
	}

	if okCount > 0 {
		pingAvg = int(totalMs / int64(okCount))
	}
	pingSuccess = math.Round(float64(okCount)/float64(n)*100) / 100
	return pingAvg, pingSuccess
}

// Last returns the most recently added sample and whether one exists.
func (w *Window) Last() (Sample, bool) {
	if !w.full && w.next == 0 {
		return Sample{}, false
	}
	idx := w.next - 1
	if idx < 0 {
		idx = len(w.samples) - 1
	}
	return w.samples[idx], true
}
