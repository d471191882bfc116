package consolidation

import (
	"fmt"
	"time"
)

// Thresholds are the two inactivity bounds layered on the same signal. The
// sweep threshold is Inline+SweepMargin, so it is never below Inline.
type Thresholds struct {
	Inline      time.Duration
	SweepMargin time.Duration
}

// Sweep is the idle time after which the background sweep drains a conversation.
func (t Thresholds) Sweep() time.Duration {
	return t.Inline + t.SweepMargin
}

// SweepEnabled reports whether the background sweep runs at all.
func (t Thresholds) SweepEnabled() bool {
	return t.SweepMargin > 0
}

func (t Thresholds) Validate() error {
	if t.Inline <= 0 {
		return fmt.Errorf("inline inactivity threshold must be > 0, got %s", t.Inline)
	}
	if t.SweepMargin < 0 {
		return fmt.Errorf("sweep margin must be >= 0, got %s", t.SweepMargin)
	}
	return nil
}
