package handle

import (
	"testing"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/kobj"
)

func newTestObject() *kobj.Object_t {
	return kobj.New(kobj.FILE, kobj.NullOps{})
}

func TestGrantAndGet(t *testing.T) {
	tbl := New()
	obj := newTestObject()

	h := tbl.Grant(obj, defs.R_READ|defs.R_WRITE)
	e, err := tbl.Get(h)
	if err != 0 {
		t.Fatalf("Get: %v", err)
	}
	if e.Obj != obj || e.Rights != defs.R_READ|defs.R_WRITE {
		t.Fatalf("Get returned %+v", e)
	}
}

func TestGrantGrowsTableByDoubling(t *testing.T) {
	tbl := New()
	obj := newTestObject()
	var last int
	for i := 0; i < initialSize+1; i++ {
		obj.Ref()
		last = tbl.Grant(obj, defs.R_READ)
	}
	if last != initialSize {
		t.Fatalf("handle after growth = %d, want %d", last, initialSize)
	}
	if _, err := tbl.Get(last); err != 0 {
		t.Fatalf("Get after growth: %v", err)
	}
}

func TestCloseDerefsAndFreesSlot(t *testing.T) {
	tbl := New()
	obj := newTestObject()
	h := tbl.Grant(obj, defs.R_READ)

	if err := tbl.Close(h); err != 0 {
		t.Fatalf("Close: %v", err)
	}
	// New's own reference remains; only the table's reference is dropped.
	if obj.Refcnt() != 1 {
		t.Fatalf("refcnt after Close = %d, want 1", obj.Refcnt())
	}
	if _, err := tbl.Get(h); err != defs.EINVAL {
		t.Fatalf("Get after Close err = %v, want EINVAL", err)
	}
}

func TestDuplicateRequiresRightAndNarrowsRights(t *testing.T) {
	tbl := New()
	obj := newTestObject()
	h := tbl.Grant(obj, defs.R_READ|defs.R_WRITE|defs.R_DUPLICATE)

	h2, err := tbl.Duplicate(h, defs.R_READ)
	if err != 0 {
		t.Fatalf("Duplicate: %v", err)
	}
	e2, _ := tbl.Get(h2)
	if e2.Rights != defs.R_READ {
		t.Fatalf("duplicated rights = %#x, want R_READ only", e2.Rights)
	}

	h3 := tbl.Grant(obj, defs.R_READ) // no R_DUPLICATE
	if _, err := tbl.Duplicate(h3, defs.R_READ); err != defs.EPERM {
		t.Fatalf("Duplicate without R_DUPLICATE err = %v, want EPERM", err)
	}
}

func TestDuplicateNeverGrantsRightsNotHeld(t *testing.T) {
	tbl := New()
	obj := newTestObject()
	h := tbl.Grant(obj, defs.R_READ|defs.R_DUPLICATE)

	h2, err := tbl.Duplicate(h, defs.R_READ|defs.R_WRITE)
	if err != 0 {
		t.Fatalf("Duplicate: %v", err)
	}
	e2, _ := tbl.Get(h2)
	if e2.Rights&defs.R_WRITE != 0 {
		t.Fatal("Duplicate granted a right the source never held")
	}
}

func TestTakeRemovesWithoutDerefing(t *testing.T) {
	tbl := New()
	obj := newTestObject()
	h := tbl.Grant(obj, defs.R_READ)

	e, err := tbl.Take(h)
	if err != 0 {
		t.Fatalf("Take: %v", err)
	}
	// 1 from New, 1 carried by the taken entry.
	if obj.Refcnt() != 2 {
		t.Fatalf("refcnt after Take = %d, want 2 (ownership transferred, not dropped)", obj.Refcnt())
	}
	if _, err := tbl.Get(h); err != defs.EINVAL {
		t.Fatal("handle slot should be cleared after Take")
	}

	other := New()
	h2 := other.GrantTaken(e)
	got, _ := other.Get(h2)
	if got.Obj != obj {
		t.Fatal("GrantTaken did not install the taken entry")
	}
}

func TestReplaceRightsRejectsExpansion(t *testing.T) {
	tbl := New()
	obj := newTestObject()
	h := tbl.Grant(obj, defs.R_READ)

	if err := tbl.ReplaceRights(h, defs.R_READ|defs.R_WRITE); err != defs.EPERM {
		t.Fatalf("ReplaceRights expanding rights err = %v, want EPERM", err)
	}
	if err := tbl.ReplaceRights(h, 0); err != 0 {
		t.Fatalf("ReplaceRights narrowing to zero: %v", err)
	}
}

func TestCloseAllDerefsEverySlot(t *testing.T) {
	tbl := New()
	obj1, obj2 := newTestObject(), newTestObject()
	tbl.Grant(obj1, defs.R_READ)
	tbl.Grant(obj2, defs.R_READ)

	tbl.CloseAll()
	if obj1.Refcnt() != 0 || obj2.Refcnt() != 0 {
		t.Fatal("CloseAll did not release every granted object")
	}
}

func TestRequireChecksEveryBit(t *testing.T) {
	e := Entry_t{Rights: defs.R_READ | defs.R_WRITE}
	if err := Require(e, defs.R_READ); err != 0 {
		t.Fatalf("Require(R_READ): %v", err)
	}
	if err := Require(e, defs.R_READ|defs.R_EXECUTE); err != defs.EPERM {
		t.Fatalf("Require missing bit err = %v, want EPERM", err)
	}
}
