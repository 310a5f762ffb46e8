package upstream

import (
	"testing"
	"time"
)

func TestErrorWindowRates(t *testing.T) {
	clock := newFakeClock()
	window := newErrorWindow(clock.Now)

	window.record("/a")
	window.record("/a?id=1")
	window.record("/b")

	if got := window.rate(); got != 0.3 {
		t.Fatalf("rate %v, want 0.3 events/min", got)
	}
	byPath := window.rateByPath()
	if byPath["/a"] != 0.2 {
		t.Fatalf("rate for /a %v, want 0.2", byPath["/a"])
	}
	if byPath["/b"] != 0.1 {
		t.Fatalf("rate for /b %v, want 0.1", byPath["/b"])
	}
}

func TestErrorWindowAgesOutOldEvents(t *testing.T) {
	clock := newFakeClock()
	window := newErrorWindow(clock.Now)

	window.record("/a")
	clock.Advance(9 * time.Minute)
	window.record("/a")
	clock.Advance(2 * time.Minute)

	// The first event is now 11 minutes old and must not contribute.
	if got := window.rate(); got != 0.1 {
		t.Fatalf("rate %v, want 0.1 after aging", got)
	}
}
