package supervisor

import "testing"

func TestResetCounters_IncrementAndSnapshot(t *testing.T) {
	var c ResetCounters

	if got := c.Increment(2); got != 1 {
		t.Errorf("first increment = %d, want 1", got)
	}

	if got := c.Increment(2); got != 2 {
		t.Errorf("second increment = %d, want 2", got)
	}

	snap := c.Snapshot()
	if snap[2] != 2 {
		t.Errorf("snapshot[2] = %d, want 2", snap[2])
	}
}

func TestResetCounters_OutOfRangeIndexIsDropped(t *testing.T) {
	var c ResetCounters

	if got := c.Increment(maxCountedWorkers); got != 0 {
		t.Errorf("out-of-range increment = %d, want 0", got)
	}

	if got := c.Increment(-1); got != 0 {
		t.Errorf("negative increment = %d, want 0", got)
	}
}

func TestShouldCoalescedReport(t *testing.T) {
	cases := []struct {
		workerIndex int
		count       uint64
		want        bool
	}{
		{0, 65, true},
		{0, 129, true},
		{0, 63, false},
		{1, 64, false},
	}

	for _, c := range cases {
		if got := ShouldCoalescedReport(c.workerIndex, c.count); got != c.want {
			t.Errorf("ShouldCoalescedReport(%d, %d) = %v, want %v", c.workerIndex, c.count, got, c.want)
		}
	}
}

func TestCoalescedLine_OmitsZeroWorkers(t *testing.T) {
	var c ResetCounters
	c.Increment(0)
	c.Increment(3)

	line := c.CoalescedLine()

	if line == "" {
		t.Fatal("expected a non-empty coalesced line")
	}

	if contains := (line == "w0=1 w3=1" || line == "w3=1 w0=1"); !contains {
		t.Errorf("CoalescedLine() = %q", line)
	}
}
