// Package vmo implements the virtual memory object: a contiguous,
// kernel-owned region of physical memory that can be mapped into one or
// more processes, read/written directly, and resized in a single atomic
// step with every existing mapping remapped (spec.md §4.6).
package vmo

import (
	"sync"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/util"
)

// Flags on a VMO.
type Flags uint32

const Resizable Flags = 1

// Mapper is implemented by whatever mapped a VMO into an address space
// (a process's VMA bookkeeping, see internal/proc). Resize calls Remap
// on every registered mapper while holding the VMO's lock, so a mapper
// must not call back into the owning Vmo_t from within Remap.
type Mapper interface {
	// Remap is told the VMO's new backing and size; the mapper is
	// responsible for unmapping its old range, extending its VMA if it
	// covered the VMO's former end with no neighbour collision, and
	// installing the new physical pages truncated to newSize.
	Remap(newBase mem.PhysAddr, newSize int64)
}

// Vmo_t embeds the kernel object header via Obj (a pointer, since the
// object record's op-vtable must be able to call back into this
// struct — see design notes on embedded objects). Close on Obj does not
// free this record; whatever allocated the Vmo_t owns that.
type Vmo_t struct {
	Obj *kobj.Object_t

	mu        sync.Mutex
	pmm       *mem.Pmm_t
	base      mem.PhysAddr
	size      int64 // logical size, <= committed
	committed int64 // npages * PGSIZE
	flags     Flags
	mappers   map[Mapper]struct{}
}

// Create allocates ceil(size/4096) zero-filled pages from pmm and wraps
// them in a new VMO.
func Create(pmm *mem.Pmm_t, size int64, flags Flags) (*Vmo_t, defs.Err_t) {
	if size <= 0 {
		return nil, defs.EINVAL
	}
	npages := int(util.Roundup(size, int64(mem.PGSIZE)) / mem.PGSIZE)
	base, ok := pmm.Alloc(npages)
	if !ok {
		return nil, defs.ENOMEM
	}
	zero(pmm, base, npages)
	v := &Vmo_t{
		pmm:       pmm,
		base:      base,
		size:      size,
		committed: int64(npages) * mem.PGSIZE,
		flags:     flags,
		mappers:   make(map[Mapper]struct{}),
	}
	v.Obj = kobj.New(kobj.VMO, &vmoOps{v: v})
	return v, 0
}

func zero(pmm *mem.Pmm_t, base mem.PhysAddr, npages int) {
	for i := 0; i < npages; i++ {
		pg := pmm.Dmap(base + mem.PhysAddr(i*mem.PGSIZE))
		for j := range pg {
			pg[j] = 0
		}
	}
}

// Base and Size expose the current backing for mapping callers.
func (v *Vmo_t) Base() mem.PhysAddr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.base
}

func (v *Vmo_t) Size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// Read copies up to len(buf) bytes starting at offset, short-reading at
// EOF as spec.md requires.
func (v *Vmo_t) Read(buf []byte, offset int64) (int, defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 {
		return 0, defs.EINVAL
	}
	if offset >= v.size {
		return 0, 0
	}
	n := int64(len(buf))
	if offset+n > v.size {
		n = v.size - offset
	}
	v.copyOut(buf[:n], offset)
	return int(n), 0
}

// Write copies len(buf) bytes starting at offset, bounded by the VMO's
// current size.
func (v *Vmo_t) Write(buf []byte, offset int64) (int, defs.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 {
		return 0, defs.EINVAL
	}
	if offset >= v.size {
		return 0, 0
	}
	n := int64(len(buf))
	if offset+n > v.size {
		n = v.size - offset
	}
	v.copyIn(buf[:n], offset)
	return int(n), 0
}

func (v *Vmo_t) copyOut(dst []byte, offset int64) {
	done := int64(0)
	for done < int64(len(dst)) {
		pageOff := (offset + done) % mem.PGSIZE
		pg := v.pmm.Dmap(v.base + mem.PhysAddr(offset+done))
		n := util.Min(int64(len(dst))-done, int64(mem.PGSIZE)-pageOff)
		copy(dst[done:done+n], pg[pageOff:pageOff+n])
		done += n
	}
}

func (v *Vmo_t) copyIn(src []byte, offset int64) {
	done := int64(0)
	for done < int64(len(src)) {
		pageOff := (offset + done) % mem.PGSIZE
		pg := v.pmm.Dmap(v.base + mem.PhysAddr(offset+done))
		n := util.Min(int64(len(src))-done, int64(mem.PGSIZE)-pageOff)
		copy(pg[pageOff:pageOff+n], src[done:done+n])
		done += n
	}
}

// AddMapper registers m to be notified on resize. Called by vmo_map.
func (v *Vmo_t) AddMapper(m Mapper) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mappers[m] = struct{}{}
}

// RemoveMapper unregisters m. Called by vmo_unmap and process teardown.
func (v *Vmo_t) RemoveMapper(m Mapper) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.mappers, m)
}

// Resize requires the Resizable flag. It allocates a new backing,
// copies min(old, new) bytes, zero-fills the tail, then — as a single
// critical section with respect to any other resize or mapping of this
// VMO — remaps every registered mapper and frees the old backing.
func (v *Vmo_t) Resize(newSize int64) defs.Err_t {
	if newSize <= 0 {
		return defs.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.flags&Resizable == 0 {
		return defs.EPERM
	}

	newPages := int(util.Roundup(newSize, int64(mem.PGSIZE)) / mem.PGSIZE)
	newBase, ok := v.pmm.Alloc(newPages)
	if !ok {
		return defs.ENOMEM
	}
	zero(v.pmm, newBase, newPages)

	copyLen := util.Min(v.size, newSize)
	oldBase, oldPages := v.base, int(v.committed/mem.PGSIZE)
	copyPages(v.pmm, newBase, oldBase, copyLen)

	oldSize := v.size
	v.base = newBase
	v.size = newSize
	v.committed = int64(newPages) * mem.PGSIZE

	for m := range v.mappers {
		m.Remap(newBase, newSize)
	}

	v.pmm.Free(oldBase, oldPages)
	_ = oldSize
	return 0
}

func copyPages(pmm *mem.Pmm_t, dst, src mem.PhysAddr, n int64) {
	done := int64(0)
	for done < n {
		off := done % mem.PGSIZE
		s := pmm.Dmap(src + mem.PhysAddr(done))
		d := pmm.Dmap(dst + mem.PhysAddr(done))
		chunk := util.Min(n-done, int64(mem.PGSIZE)-off)
		copy(d[off:off+chunk], s[off:off+chunk])
		done += chunk
	}
}

// FromObject recovers the Vmo_t backing obj if obj was created by
// Create — used by syscall dispatch, which only ever sees a VMO through
// a handle's *kobj.Object_t.
func FromObject(obj *kobj.Object_t) (*Vmo_t, bool) {
	ops, ok := obj.Ops().(*vmoOps)
	if !ok {
		return nil, false
	}
	return ops.v, true
}

// vmoOps adapts Vmo_t's read/write to the kobj.Ops interface; close
// frees the physical backing, since nothing else owns it once the last
// reference (typically a handle) goes away.
type vmoOps struct {
	kobj.NullOps
	v *Vmo_t
}

func (o *vmoOps) Read(buf []byte, offset int64) (int, defs.Err_t) {
	return o.v.Read(buf, offset)
}

func (o *vmoOps) Write(buf []byte, offset int64) (int, defs.Err_t) {
	return o.v.Write(buf, offset)
}

func (o *vmoOps) Close() defs.Err_t {
	o.v.mu.Lock()
	defer o.v.mu.Unlock()
	o.v.pmm.Free(o.v.base, int(o.v.committed/mem.PGSIZE))
	return 0
}
