package callqueue

import (
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

const defaultSLWindow = 500

// SLTracker measures the share of recent assignments whose queue wait stayed
// within the response target in force at assignment time. Only the last
// window assignments count.
type SLTracker struct {
	target    int
	threshold time.Duration
	within    []bool
	next      int
	filled    int
}

// NewSLTracker creates a tracker with a target percentage and window size
func NewSLTracker(target int, threshold time.Duration, window int) *SLTracker {
	if window <= 0 {
		window = defaultSLWindow
	}
	return &SLTracker{
		target:    target,
		threshold: threshold,
		within:    make([]bool, window),
	}
}

// SetThreshold changes the target used for subsequent assignments
func (s *SLTracker) SetThreshold(threshold time.Duration) {
	s.threshold = threshold
}

// RecordAnswer records one assignment and its queue wait
func (s *SLTracker) RecordAnswer(wait time.Duration) {
	s.within[s.next] = wait <= s.threshold
	s.next = (s.next + 1) % len(s.within)
	if s.filled < len(s.within) {
		s.filled++
	}
}

func (s *SLTracker) answeredInSL() int {
	n := 0
	for i := 0; i < s.filled; i++ {
		if s.within[i] {
			n++
		}
	}
	return n
}

// CurrentSL returns the service level percentage over the window
func (s *SLTracker) CurrentSL() float64 {
	if s.filled == 0 {
		return 100.0 // nothing assigned yet
	}
	return float64(s.answeredInSL()) / float64(s.filled) * 100.0
}

// Snapshot returns a ServiceLevel snapshot
func (s *SLTracker) Snapshot() types.ServiceLevel {
	return types.ServiceLevel{
		Target:        s.target,
		ThresholdSecs: int(s.threshold.Seconds()),
		AnsweredInSL:  s.answeredInSL(),
		TotalAnswered: s.filled,
		CurrentSL:     s.CurrentSL(),
	}
}
