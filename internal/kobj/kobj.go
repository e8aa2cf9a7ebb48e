// Package kobj implements the polymorphic kernel object: a small header
// (type tag, reference count, operations) embedded or referenced by
// every concrete kernel resource (files, directories, devices, pipes,
// processes, threads, channels, VMOs, sockets, info objects, namespace
// directories).
//
// Per the design notes, object operations are dispatched through one Go
// interface value per object rather than a hand-rolled vtable pointer —
// an interface method call already carries a single indirect jump, the
// same shape spec.md's op-vtable has, without a separate allocation.
package kobj

import (
	"sync/atomic"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/stat"
)

// Type tags an object's concrete kind.
type Type int

const (
	FILE Type = iota
	DIR
	DEVICE
	PIPE
	SYSTEM
	PROCESS
	THREAD
	CHANNEL
	VMO
	SOCKET
	INFO
	NS_DIR
)

func (t Type) String() string {
	names := [...]string{"FILE", "DIR", "DEVICE", "PIPE", "SYSTEM", "PROCESS",
		"THREAD", "CHANNEL", "VMO", "SOCKET", "INFO", "NS_DIR"}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
}

// Ops is the optional operation set an object type implements. Embed
// NullOps to get ENOSYS defaults for every operation a type
// doesn't support, then override only what applies — the same "optional
// operations" shape as spec.md's op-vtable.
type Ops interface {
	Read(buf []byte, offset int64) (int, defs.Err_t)
	Write(buf []byte, offset int64) (int, defs.Err_t)
	Close() defs.Err_t
	Lookup(name string) (*Object_t, defs.Err_t)
	Readdir(entries []DirEntry, index *int) (int, defs.Err_t)
	Stat(out *stat.Stat_t) defs.Err_t
	GetInfo(topic uint, buf []byte) (int, defs.Err_t)
}

// NullOps implements Ops with every operation returning ENOSYS (or, for
// Close, succeeding — an object with no teardown work needs none).
type NullOps struct{}

func (NullOps) Read(buf []byte, offset int64) (int, defs.Err_t)  { return 0, defs.ENOSYS }
func (NullOps) Write(buf []byte, offset int64) (int, defs.Err_t) { return 0, defs.ENOSYS }
func (NullOps) Close() defs.Err_t                                { return 0 }
func (NullOps) Lookup(name string) (*Object_t, defs.Err_t)       { return nil, defs.ENOSYS }
func (NullOps) Readdir(entries []DirEntry, index *int) (int, defs.Err_t) {
	return 0, defs.ENOSYS
}
func (NullOps) Stat(out *stat.Stat_t) defs.Err_t                 { return defs.ENOSYS }
func (NullOps) GetInfo(topic uint, buf []byte) (int, defs.Err_t) { return 0, defs.ENOSYS }

// Object_t is the kernel object header. refcount starts at 1 on
// creation; Close runs exactly once, on the transition to zero.
type Object_t struct {
	Typ     Type
	refcnt  int32
	closed  int32
	ops     Ops
}

// New creates an object with refcount 1.
func New(typ Type, ops Ops) *Object_t {
	return &Object_t{Typ: typ, refcnt: 1, ops: ops}
}

// Ops returns the object's operation set for dispatch.
func (o *Object_t) Ops() Ops { return o.ops }

// Ref increments the reference count. It panics if called on an object
// that has already reached zero — that is a use-after-free bug in the
// caller, the kernel-object equivalent of spec.md's invariant.
func (o *Object_t) Ref() {
	n := atomic.AddInt32(&o.refcnt, 1)
	if n <= 1 {
		panic("kobj: ref on a dead object")
	}
}

// Refcnt reports the current count, for diagnostics and tests.
func (o *Object_t) Refcnt() int32 {
	return atomic.LoadInt32(&o.refcnt)
}

// Deref decrements the reference count and, on reaching zero, invokes
// Close exactly once. It returns true if this call released the object.
func (o *Object_t) Deref() bool {
	n := atomic.AddInt32(&o.refcnt, -1)
	if n < 0 {
		panic("kobj: refcount underflow")
	}
	if n != 0 {
		return false
	}
	if atomic.CompareAndSwapInt32(&o.closed, 0, 1) {
		o.ops.Close()
	}
	return true
}
