// Package ns implements the namespace: the global path-to-object
// registry that gives userspace a discoverable surface over kernel
// objects (spec.md §4.4, §6 path conventions).
package ns

import (
	"strings"
	"sync"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/hashtable"
	"github.com/deltaos/kernel/internal/kobj"
)

// loadFactorBound is the 3/4 occupancy bound for the namespace table.
// Register does not check it and never grows the table: the bucket count
// passed to New stays fixed, so occupancy can exceed this bound.
const loadFactorBound = 0.75

// Namespace_t is a hash map of path -> object, each entry holding one
// reference on its object.
type Namespace_t struct {
	mu sync.Mutex
	ht *hashtable.Hashtable_t[*kobj.Object_t]
}

// New constructs an empty namespace with the given initial bucket count.
func New(initialBuckets int) *Namespace_t {
	return &Namespace_t{ht: hashtable.New[*kobj.Object_t](initialBuckets)}
}

// Register adds path -> obj, taking a +1 reference on obj. It fails with
// EEXIST if the path is already registered.
func (n *Namespace_t) Register(path string, obj *kobj.Object_t) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	obj.Ref()
	if !n.ht.Set(path, obj) {
		obj.Deref()
		return defs.EEXIST
	}
	return 0
}

// Lookup returns the object registered at path with an additional
// reference taken on the caller's behalf, or nil if not found.
func (n *Namespace_t) Lookup(path string) *kobj.Object_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	obj, ok := n.ht.Get(path)
	if !ok {
		return nil
	}
	obj.Ref()
	return obj
}

// Unregister removes path and drops the namespace's reference. It
// returns ENOENT if path was not registered.
func (n *Namespace_t) Unregister(path string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	obj, ok := n.ht.Get(path)
	if !ok {
		return defs.ENOENT
	}
	n.ht.Del(path)
	obj.Deref()
	return 0
}

// LoadFactor exposes the table's current occupancy relative to its
// bucket count.
func (n *Namespace_t) LoadFactor() float64 {
	return n.ht.LoadFactor()
}

// DirObject synthesizes a directory object exposing every namespace
// entry whose path begins with prefix+"/" through the generic
// lookup/readdir operations (spec.md §4.4's "directory object ... over a
// string prefix").
func (n *Namespace_t) DirObject(prefix string) *kobj.Object_t {
	d := &dirOps{ns: n, prefix: prefix}
	return kobj.New(kobj.NS_DIR, d)
}

type dirOps struct {
	kobj.NullOps
	ns     *Namespace_t
	prefix string
}

func (d *dirOps) Lookup(name string) (*kobj.Object_t, defs.Err_t) {
	full := d.prefix + "/" + name
	obj := d.ns.Lookup(full)
	if obj == nil {
		return nil, defs.ENOENT
	}
	return obj, 0
}

func (d *dirOps) Readdir(entries []kobj.DirEntry, index *int) (int, defs.Err_t) {
	want := d.prefix + "/"
	n := 0
	i := 0
	d.ns.ht.Iter(func(path string, _ *kobj.Object_t) bool {
		if !strings.HasPrefix(path, want) {
			return false
		}
		if i < *index {
			i++
			return false
		}
		if n >= len(entries) {
			return true
		}
		rest := path[len(want):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return false // nested entry, not a direct child
		}
		entries[n] = kobj.DirEntry{Name: rest}
		n++
		i++
		return false
	})
	*index = i
	return n, 0
}
