package peer

import (
	"fmt"
	"time"

	"pongnet/internal/proto"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Second
)

// slidingWindow counts accepted messages over the trailing window. Rejected
// messages are not recorded, so a flood cannot extend its own penalty.
type slidingWindow struct {
	limit      int
	window     time.Duration
	stamps     []time.Time
	violations int
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &slidingWindow{limit: limit, window: window}
}

func (s *slidingWindow) allow(now time.Time) error {
	if s.limit <= 0 {
		return nil
	}
	cutoff := now.Add(-s.window)
	drop := 0
	for drop < len(s.stamps) && !s.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[drop:]...)
	}
	if len(s.stamps) >= s.limit {
		s.violations++
		return fmt.Errorf("%w: %d messages in %s", proto.ErrRateLimited, len(s.stamps), s.window)
	}
	s.stamps = append(s.stamps, now)
	return nil
}
