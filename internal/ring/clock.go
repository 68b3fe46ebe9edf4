package ring

import "time"

// Clock is a monotonic microsecond counter for entry timestamps. It
// can be suspended while the system sleeps and resumed with the
// externally-measured sleep duration so that timestamps stay
// contiguous across the gap. The 32-bit value wraps roughly every 71
// minutes; the store detects the wrap and records it (see TimeWrap).
//
// Clock is not synchronized. Suspend and Resume are control-plane
// operations and must not race with concurrent appends.
type Clock struct {
	base    time.Time
	offset  uint64 // accumulated microseconds before base
	running bool
}

// NewClock returns a running clock starting at zero.
func NewClock() *Clock {
	return &Clock{base: time.Now(), running: true}
}

// Now returns the current timestamp in microseconds.
func (c *Clock) Now() uint32 {
	if !c.running {
		return uint32(c.offset)
	}
	return uint32(c.offset + uint64(time.Since(c.base).Microseconds()))
}

// Suspend stops the clock accumulating time.
func (c *Clock) Suspend() {
	if c.running {
		c.offset += uint64(time.Since(c.base).Microseconds())
		c.running = false
	}
}

// Resume restarts the clock, first adding elapsedMicros (the
// externally-tracked duration of the suspension; zero if unknown).
func (c *Clock) Resume(elapsedMicros uint64) {
	c.offset += elapsedMicros
	c.base = time.Now()
	c.running = true
}
