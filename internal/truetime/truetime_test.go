package truetime

import "testing"

func TestClockMonotonic(t *testing.T) {
	c := New(nil)
	last := c.Now()
	for i := 0; i < 10_000; i++ {
		ts := c.Now()
		if ts <= last {
			t.Fatalf("timestamp went backwards: %d after %d", ts, last)
		}
		last = ts
	}
}
