package abuse

import "time"

// SpamWindow is the window over which packets are counted.
const SpamWindow = 3 * time.Second

// SpamCounter counts the packets of one connection in fixed windows of
// SpamWindow. It is owned by a single goroutine.
type SpamCounter struct {
	limit int
	start time.Time
	count int
}

// NewSpamCounter allows limit packets per window. limit <= 0 disables the
// check.
func NewSpamCounter(limit int) *SpamCounter {
	return &SpamCounter{limit: limit}
}

// Hit records one packet at now and reports whether the limit is exceeded.
func (s *SpamCounter) Hit(now time.Time) bool {
	if s.limit <= 0 {
		return false
	}
	if now.Sub(s.start) >= SpamWindow {
		s.start = now
		s.count = 0
	}
	s.count++
	return s.count > s.limit
}

// Count returns the number of packets in the current window.
func (s *SpamCounter) Count() int { return s.count }
