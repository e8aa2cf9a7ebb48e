package limits

import "testing"

func TestTakeSucceedsWithinBudgetAndFailsOverBudget(t *testing.T) {
	var a Atomic_t = 10

	if !a.Take(4) {
		t.Fatal("Take(4) from a budget of 10 should succeed")
	}
	if a.Remaining() != 6 {
		t.Fatalf("Remaining after Take(4) = %d, want 6", a.Remaining())
	}
	if a.Take(100) {
		t.Fatal("Take(100) should fail against a remaining budget of 6")
	}
	if a.Remaining() != 6 {
		t.Fatalf("Remaining after a failed Take should be rolled back, got %d", a.Remaining())
	}
}

func TestGiveReturnsBudget(t *testing.T) {
	var a Atomic_t = 0
	a.Give(5)
	if a.Remaining() != 5 {
		t.Fatalf("Remaining after Give(5) = %d, want 5", a.Remaining())
	}
}

func TestDefaultLimitsArePositive(t *testing.T) {
	d := Default()
	if d.Procs.Remaining() <= 0 || d.Handles.Remaining() <= 0 ||
		d.Vmos.Remaining() <= 0 || d.Channels.Remaining() <= 0 {
		t.Fatalf("Default() produced a non-positive limit: %+v", d)
	}
}
