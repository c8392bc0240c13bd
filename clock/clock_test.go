package clock

import "testing"

func TestManualClock(t *testing.T) {
	m := NewManual(5000)

	if m.NowMS() != 5000 {
		t.Errorf("Expected 5000, got %d", m.NowMS())
	}
	if m.NowS() != 5 {
		t.Errorf("Expected 5, got %d", m.NowS())
	}

	m.Advance(1500)
	if m.NowMS() != 6500 {
		t.Errorf("Expected 6500, got %d", m.NowMS())
	}

	m.Set(100)
	if m.NowMS() != 100 {
		t.Errorf("Expected 100, got %d", m.NowMS())
	}
}

func TestSystemClockSecondsMatchMillis(t *testing.T) {
	c := System{}
	ms := c.NowMS()
	s := c.NowS()

	if s > ms/1000+1 || s+1 < ms/1000 {
		t.Errorf("NowS %d inconsistent with NowMS %d", s, ms)
	}
	if c.OffsetMS() != 0 {
		t.Error("System clock must carry no offset")
	}
}

func TestNTPClockNeverStepsBackward(t *testing.T) {
	c := NewNTP(nil, nil)

	before := c.NowMS()

	// A hostile offset correction must not be visible as a backward jump.
	c.mu.Lock()
	c.offsetMS = -10_000
	c.mu.Unlock()

	after := c.NowMS()
	if after < before {
		t.Errorf("Clock stepped backward: %d -> %d", before, after)
	}
}
