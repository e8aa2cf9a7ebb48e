// Package handle implements the per-process capability table: a dense,
// doubling array of (object, offset, flags, rights) entries, indexed by
// a non-negative handle id (spec.md §4.5). Rights only ever shrink under
// duplication — never grow.
package handle

import (
	"sync"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/kobj"
)

const initialSize = 16

// Entry_t is one handle table slot.
type Entry_t struct {
	Obj    *kobj.Object_t
	Offset int64
	Flags  int
	Rights uint
}

func (e *Entry_t) empty() bool { return e.Obj == nil }

// Table_t is a process's handle table. The embedded mutex serializes
// every handle operation, matching spec.md's "handle operations are
// serialized by [the process] lock".
type Table_t struct {
	mu      sync.Mutex
	entries []Entry_t
}

// New constructs an empty handle table.
func New() *Table_t {
	return &Table_t{entries: make([]Entry_t, initialSize)}
}

// Grant installs obj (taking +1 reference) with the given rights in the
// first free slot, growing the table by doubling if necessary, and
// returns the resulting handle id.
func (t *Table_t) Grant(obj *kobj.Object_t, rights uint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj.Ref()
	for i := range t.entries {
		if t.entries[i].empty() {
			t.entries[i] = Entry_t{Obj: obj, Rights: rights}
			return i
		}
	}
	old := len(t.entries)
	grown := make([]Entry_t, old*2)
	copy(grown, t.entries)
	t.entries = grown
	t.entries[old] = Entry_t{Obj: obj, Rights: rights}
	return old
}

// GrantTaken installs e — an entry previously removed from another
// table via Take, which already owns the reference it carries — without
// taking a new one. Used by channel receive to hand a moved handle to
// its new owner without over-incrementing the refcount.
func (t *Table_t) GrantTaken(e Entry_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].empty() {
			t.entries[i] = e
			return i
		}
	}
	old := len(t.entries)
	grown := make([]Entry_t, old*2)
	copy(grown, t.entries)
	t.entries = grown
	t.entries[old] = e
	return old
}

func (t *Table_t) at(h int) (*Entry_t, defs.Err_t) {
	if h < 0 || h >= len(t.entries) || t.entries[h].empty() {
		return nil, defs.EINVAL
	}
	return &t.entries[h], 0
}

// Get returns the entry at h without modifying the table, for rights
// checks and read/write dispatch.
func (t *Table_t) Get(h int) (Entry_t, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.at(h)
	if err != 0 {
		return Entry_t{}, err
	}
	return *e, 0
}

// SetOffset updates the stored file offset for h (used by read/write/seek).
func (t *Table_t) SetOffset(h int, off int64) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.at(h)
	if err != 0 {
		return err
	}
	e.Offset = off
	return 0
}

// Close clears slot h and drops the table's reference on its object.
func (t *Table_t) Close(h int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.at(h)
	if err != 0 {
		return err
	}
	obj := e.Obj
	*e = Entry_t{}
	obj.Deref()
	return 0
}

// Take removes slot h and returns its entry without dereferencing the
// object — used for channel-send MOVE semantics, where ownership passes
// to the message rather than being dropped.
func (t *Table_t) Take(h int) (Entry_t, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.at(h)
	if err != 0 {
		return Entry_t{}, err
	}
	ret := *e
	*e = Entry_t{}
	return ret, 0
}

// Duplicate requires DUPLICATE on the source handle and installs a new
// handle referring to the same object with rights = source & newRights
// — duplication can only reduce rights, never add them.
func (t *Table_t) Duplicate(h int, newRights uint) (int, defs.Err_t) {
	t.mu.Lock()
	src, err := t.at(h)
	if err != 0 {
		t.mu.Unlock()
		return -1, err
	}
	if src.Rights&defs.R_DUPLICATE == 0 {
		t.mu.Unlock()
		return -1, defs.EPERM
	}
	obj := src.Obj
	rights := src.Rights & newRights
	t.mu.Unlock()
	return t.Grant(obj, rights), 0
}

// ReplaceRights narrows h's rights to newRights, which must already be a
// subset of the current rights.
func (t *Table_t) ReplaceRights(h int, newRights uint) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.at(h)
	if err != 0 {
		return err
	}
	if newRights&^e.Rights != 0 {
		return defs.EPERM
	}
	e.Rights = newRights
	return 0
}

// CloseAll derefs every occupied slot — called at process teardown.
func (t *Table_t) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if !t.entries[i].empty() {
			t.entries[i].Obj.Deref()
			t.entries[i] = Entry_t{}
		}
	}
}

// Require checks that the entry at h holds every bit of want, returning
// the entry on success.
func Require(e Entry_t, want uint) defs.Err_t {
	if e.Rights&want != want {
		return defs.EPERM
	}
	return 0
}
