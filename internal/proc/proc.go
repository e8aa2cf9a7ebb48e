// Package proc implements process bookkeeping: a pagemap, a handle
// table, accounting, and the VMA list that records which virtual ranges
// are backed by which VMO (spec.md §4.7).
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/deltaos/kernel/internal/accnt"
	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/handle"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/stat"
	"github.com/deltaos/kernel/internal/vmm"
	"github.com/deltaos/kernel/internal/vmo"
)

// nextPid hands out process ids starting at 1 — pid 0 is reserved for
// the kernel process (defs.Pid_t's doc comment).
var nextPid int64 = 1

// AllocPid returns the next unused pid. Monotonic for the process's
// lifetime; ids are never reused.
func AllocPid() defs.Pid_t {
	return defs.Pid_t(atomic.AddInt64(&nextPid, 1) - 1)
}

// Vma_t records one mapped range of a process's address space. mapsToEnd
// is set when the mapping covered its VMO all the way to the VMO's end
// at map time, so a later resize knows whether to extend it.
type Vma_t struct {
	Va         vmm.VirtAddr
	Length     int64
	Perms      vmm.Flags
	Vmo        *vmo.Vmo_t
	VmoOffset  int64
	mapsToEnd  bool
	mapper     *vmaMapper // the exact Mapper registered with Vmo, for RemoveMapper
}

// Process_t is one process: an address space, a handle table, and the
// VMAs that tie the two together. Obj lets the process itself be held by
// a handle (spec.md §6's PROCESS object type) and exposes
// INFO_PROCESS_BASIC.
type Process_t struct {
	Obj     *kobj.Object_t
	Pid     defs.Pid_t
	Handles *handle.Table_t
	Pagemap *vmm.Pagemap_t
	Accnt   *accnt.Accnt_t

	mu   sync.Mutex
	vmas []*Vma_t
	cwd  string

	pmm *mem.Pmm_t

	exited   bool
	exitCode int
	waitersMu sync.Mutex
	waiters   []chan int
}

// registry lets wait(pid) and handle_grant find a process by pid or
// recover one handed around only as a PROCESS handle, without every
// caller threading a process table through by hand.
var registry sync.Map // defs.Pid_t -> *Process_t

// New constructs a user process whose pagemap shares the kernel's upper
// half (vmm.NewUser) and whose handle table starts empty.
func New(pid defs.Pid_t, kernelPagemap *vmm.Pagemap_t, pmm *mem.Pmm_t) *Process_t {
	p := &Process_t{
		Pid:     pid,
		Handles: handle.New(),
		Pagemap: vmm.NewUser(kernelPagemap),
		Accnt:   &accnt.Accnt_t{},
		pmm:     pmm,
		cwd:     "/",
	}
	p.Obj = kobj.New(kobj.PROCESS, &procOps{p: p})
	registry.Store(p.Pid, p)
	return p
}

// Lookup finds a process by pid, for wait(pid) to locate the child it's
// blocking on.
func Lookup(pid defs.Pid_t) (*Process_t, bool) {
	v, ok := registry.Load(pid)
	if !ok {
		return nil, false
	}
	return v.(*Process_t), true
}

// FromObject recovers the Process_t backing obj if obj was created by
// New — used by syscall dispatch when a process is reached only through
// a PROCESS handle (handle_grant, process_start).
func FromObject(obj *kobj.Object_t) (*Process_t, bool) {
	ops, ok := obj.Ops().(*procOps)
	if !ok {
		return nil, false
	}
	return ops.p, true
}

// Cwd returns the process's current working directory path.
func (p *Process_t) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// SetCwd updates the process's current working directory path.
func (p *Process_t) SetCwd(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cwd = path
}

// MapVmo installs a VMA of length bytes starting at va, backed by v
// starting at offset, and registers the process as a vmo.Mapper so a
// later resize of v will extend or truncate this mapping in step.
func (p *Process_t) MapVmo(va vmm.VirtAddr, v *vmo.Vmo_t, offset, length int64, perms vmm.Flags) defs.Err_t {
	if offset < 0 || length <= 0 {
		return defs.EINVAL
	}
	vmoSize := v.Size()
	if offset+length > vmoSize {
		return defs.EINVAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.collides(va, length) {
		return defs.EEXIST
	}

	npages := int(util_roundupPages(length))
	phys := v.Base() + mem.PhysAddr(offset)
	p.Pagemap.Map(va, phys, npages, perms|vmm.Present)

	vma := &Vma_t{
		Va:        va,
		Length:    length,
		Perms:     perms,
		Vmo:       v,
		VmoOffset: offset,
		mapsToEnd: offset+length == vmoSize,
	}
	vma.mapper = &vmaMapper{proc: p, vma: vma}
	p.vmas = append(p.vmas, vma)
	v.AddMapper(vma.mapper)
	return 0
}

func util_roundupPages(n int64) int64 {
	return (n + mem.PGSIZE - 1) / mem.PGSIZE
}

// collides reports whether [va, va+length) overlaps any existing VMA.
// Caller must hold p.mu.
func (p *Process_t) collides(va vmm.VirtAddr, length int64) bool {
	end := va + vmm.VirtAddr(length)
	for _, v := range p.vmas {
		vEnd := v.Va + vmm.VirtAddr(v.Length)
		if va < vEnd && v.Va < end {
			return true
		}
	}
	return false
}

// nextVmaAfter returns the start of the nearest VMA beginning after va,
// or 0, false if none — used to bound how far a resize may extend a
// mapping that reached its VMO's old end. Caller must hold p.mu.
func (p *Process_t) nextVmaAfter(va vmm.VirtAddr) (vmm.VirtAddr, bool) {
	found := false
	var best vmm.VirtAddr
	for _, v := range p.vmas {
		if v.Va > va && (!found || v.Va < best) {
			best = v.Va
			found = true
		}
	}
	return best, found
}

// UnmapVma removes the VMA starting exactly at va.
func (p *Process_t) UnmapVma(va vmm.VirtAddr) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.vmas {
		if v.Va == va {
			npages := int(util_roundupPages(v.Length))
			p.Pagemap.Unmap(va, npages)
			v.Vmo.RemoveMapper(v.mapper)
			p.vmas = append(p.vmas[:i], p.vmas[i+1:]...)
			return 0
		}
	}
	return defs.ENOENT
}

// Vmas returns a snapshot of the process's current VMA list, for tests
// and INFO_PROCESS_BASIC.
func (p *Process_t) Vmas() []*Vma_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Vma_t, len(p.vmas))
	copy(out, p.vmas)
	return out
}

// Exit marks the process exited with code and wakes every waiter
// blocked in Wait.
func (p *Process_t) Exit(code int) {
	p.waitersMu.Lock()
	p.exited = true
	p.exitCode = code
	ws := p.waiters
	p.waiters = nil
	p.waitersMu.Unlock()
	for _, ch := range ws {
		ch <- code
	}
}

// Wait blocks until the process has exited and returns its exit code.
func (p *Process_t) Wait() int {
	p.waitersMu.Lock()
	if p.exited {
		code := p.exitCode
		p.waitersMu.Unlock()
		return code
	}
	ch := make(chan int, 1)
	p.waiters = append(p.waiters, ch)
	p.waitersMu.Unlock()
	return <-ch
}

// Destroy tears down every handle, unmaps every VMA's kernel-side
// mapper registration, and releases the process's user address space.
func (p *Process_t) Destroy() {
	p.Handles.CloseAll()
	p.mu.Lock()
	for _, v := range p.vmas {
		v.Vmo.RemoveMapper(v.mapper)
	}
	p.vmas = nil
	p.mu.Unlock()
	p.Pagemap.TeardownUser()
	registry.Delete(p.Pid)
}

// vmaMapper adapts one process's one VMA to vmo.Mapper. The VMO keys its
// mapper set by the *vmaMapper pointer, so RemoveMapper matches only the
// same pointer AddMapper was given (kept in Vma_t.mapper).
type vmaMapper struct {
	proc *Process_t
	vma  *Vma_t
}

// Remap is invoked by vmo.Vmo_t.Resize while holding the VMO's lock. It
// truncates the mapping to the new size, or — if this VMA reached the
// VMO's old end — extends it up to the next VMA's start or the new end,
// whichever comes first.
func (m *vmaMapper) Remap(newBase mem.PhysAddr, newSize int64) {
	m.proc.mu.Lock()
	defer m.proc.mu.Unlock()

	vma := m.vma
	oldPages := int(util_roundupPages(vma.Length))
	m.proc.Pagemap.Unmap(vma.Va, oldPages)

	avail := newSize - vma.VmoOffset
	if avail < 0 {
		avail = 0
	}
	newLen := avail
	if !vma.mapsToEnd {
		if vma.Length < newLen {
			newLen = vma.Length
		}
	} else if next, ok := m.proc.nextVmaAfter(vma.Va); ok {
		limit := int64(next - vma.Va)
		if newLen > limit {
			newLen = limit
		}
	}

	vma.Length = newLen
	vma.mapsToEnd = vma.VmoOffset+newLen == newSize
	if newLen > 0 {
		npages := int(util_roundupPages(newLen))
		phys := newBase + mem.PhysAddr(vma.VmoOffset)
		m.proc.Pagemap.Map(vma.Va, phys, npages, vma.Perms|vmm.Present)
	}
}

type procOps struct {
	kobj.NullOps
	p *Process_t
}

func (o *procOps) GetInfo(topic uint, buf []byte) (int, defs.Err_t) {
	if topic != defs.INFO_PROCESS_BASIC {
		return 0, defs.EINVAL
	}
	vmas := o.p.Vmas()
	info := stat.Stat_t{}
	info.Wsize(uint64(len(vmas)))
	info.Wino(uint64(o.p.Pid))
	b := info.Bytes()
	n := copy(buf, b)
	return n, 0
}

func (o *procOps) Close() defs.Err_t {
	o.p.Destroy()
	return 0
}
