package accnt

import (
	"testing"
	"time"
)

func TestUtaddSystaddAccumulate(t *testing.T) {
	var a Accnt_t
	a.Utadd(10 * time.Millisecond)
	a.Utadd(5 * time.Millisecond)
	a.Systadd(2 * time.Millisecond)

	user, sys := a.Snapshot()
	if user != 15*time.Millisecond {
		t.Fatalf("user = %v, want 15ms", user)
	}
	if sys != 2*time.Millisecond {
		t.Fatalf("sys = %v, want 2ms", sys)
	}
}

func TestAddMergesChildIntoParent(t *testing.T) {
	var parent, child Accnt_t
	parent.Utadd(100 * time.Millisecond)
	child.Utadd(30 * time.Millisecond)
	child.Systadd(4 * time.Millisecond)

	parent.Add(&child)

	user, sys := parent.Snapshot()
	if user != 130*time.Millisecond {
		t.Fatalf("merged user = %v, want 130ms", user)
	}
	if sys != 4*time.Millisecond {
		t.Fatalf("merged sys = %v, want 4ms", sys)
	}
}
