// Package clock issues per-device mutation timestamps that never regress,
// even when the wall clock is adjusted backwards.
package clock

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
)

// Monotonic returns max(wall clock, last issued + 1ms) on every tick.
type Monotonic struct {
	mu   sync.Mutex
	now  func() time.Time
	last entities.Timestamp
}

// NewMonotonic constructs a clock seeded with a previously persisted high-water mark.
func NewMonotonic(now func() time.Time, highWater entities.Timestamp) *Monotonic {
	if now == nil {
		now = time.Now
	}
	return &Monotonic{now: now, last: highWater}
}

// Next issues a timestamp strictly greater than every timestamp issued or observed so far.
func (clock *Monotonic) Next() entities.Timestamp {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	wall := entities.TimestampFromTime(clock.now())
	next := clock.last + 1
	if wall > next {
		next = wall
	}
	clock.last = next
	return next
}

// Observe raises the high-water mark so that later local edits outrank ts.
func (clock *Monotonic) Observe(ts entities.Timestamp) {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	if ts > clock.last {
		clock.last = ts
	}
}

// HighWater returns the largest timestamp issued or observed.
func (clock *Monotonic) HighWater() entities.Timestamp {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	return clock.last
}
