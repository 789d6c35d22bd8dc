package sysinfo

import "testing"

func TestCPUPercentIsNonNegative(t *testing.T) {
	tracker := NewCPUTracker()

	// Burn a little CPU so the second reading covers a non-trivial window.
	sum := 0
	for i := 0; i < 1_000_000; i++ {
		sum += i % 7
	}
	_ = sum

	for i := 0; i < 2; i++ {
		if got := tracker.Percent(); got < 0 {
			t.Fatalf("Percent() = %v, want >= 0", got)
		}
	}
}

func TestHeapMBIsNonNegative(t *testing.T) {
	if got := HeapMB(); got < 0 {
		t.Fatalf("HeapMB() = %d, want >= 0", got)
	}
}
