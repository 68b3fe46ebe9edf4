package ring_test

import (
	"testing"
	"time"

	"github.com/ehrlich-b/blackbox/internal/ring"
)

func TestClockAdvances(t *testing.T) {
	c := ring.NewClock()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	if b <= a {
		t.Errorf("clock went from %d to %d, want an increase", a, b)
	}
}

func TestClockSuspendFreezes(t *testing.T) {
	c := ring.NewClock()
	time.Sleep(time.Millisecond)
	c.Suspend()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	if a != b {
		t.Errorf("suspended clock moved from %d to %d", a, b)
	}
}

func TestClockResumeAddsElapsed(t *testing.T) {
	c := ring.NewClock()
	c.Suspend()
	frozen := c.Now()

	c.Resume(500_000) // half a second measured externally
	resumed := c.Now()
	if resumed < frozen+500_000 {
		t.Errorf("resumed clock at %d, want at least %d", resumed, frozen+500_000)
	}

	time.Sleep(time.Millisecond)
	if later := c.Now(); later <= resumed {
		t.Errorf("clock stalled after resume: %d then %d", resumed, later)
	}
}
