// Package vmm implements the virtual memory manager: a four-level
// pagemap tree (mirroring an x86-64 page table's fan-out), huge-page
// install/split policy, and the higher-half direct map (HHDM) that lets
// kernel code turn a physical address into bytes without walking any
// pagemap at all.
//
// Per the design notes ("isolate raw address arithmetic"), callers never
// compute table indices themselves — every walk goes through Map,
// Unmap, or VirtToPhys.
package vmm

import (
	"sync"
	"sync/atomic"

	"github.com/deltaos/kernel/internal/mem"
)

// VirtAddr is a virtual address newtype, kept distinct from PhysAddr so
// the two address spaces never get mixed up by accident.
type VirtAddr uint64

const (
	levelBits  = 9
	levelMask  = (1 << levelBits) - 1
	entriesPerLevel = 1 << levelBits
)

func levelIndex(va VirtAddr, level int) int {
	shift := uint(mem.PGSHIFT) + uint(levelBits*level)
	return int((va >> shift) & levelMask)
}

// kernelSplit is the top-level index at which the upper (kernel) half of
// the address space begins; every index below it is user space.
const kernelSplit = entriesPerLevel / 2

// Flags mirror the PTE bits named in spec.md §3.
type Flags uint32

const (
	Present Flags = 1 << iota
	Write
	User
	Execute
	Cacheable
	WriteCombine
)

type entry_t struct {
	present bool
	huge    bool // true at level 2: a 2MiB leaf
	phys    mem.PhysAddr
	flags   Flags
	child   *node_t // nil at a leaf
}

type node_t struct {
	entries [entriesPerLevel]*entry_t
}

// Pagemap_t is one process's (or the kernel's) root of translation. The
// mutex protects every mutation of the tree reachable from root.
type Pagemap_t struct {
	mu   sync.Mutex
	root *node_t
}

// invalidations counts TLB-shootdown-equivalent calls, for tests and
// diagnostics; there is no real TLB to flush in this simulation.
var invalidations int64

func Invalidations() int64 { return atomic.LoadInt64(&invalidations) }

// NewKernel constructs the single shared kernel pagemap, whose upper
// half every process pagemap will copy by reference.
func NewKernel() *Pagemap_t {
	return &Pagemap_t{root: &node_t{}}
}

// NewUser constructs a process pagemap: a fresh root whose upper-half
// top-level slots are the same *entry_t pointers as the kernel pagemap.
// A kernel mapping added later under one of those shared slots is visible
// through this pagemap too; one that needs an upper-half top-level slot
// the kernel pagemap did not have at copy time is not.
func NewUser(kernel *Pagemap_t) *Pagemap_t {
	kernel.mu.Lock()
	defer kernel.mu.Unlock()
	pm := &Pagemap_t{root: &node_t{}}
	for i := kernelSplit; i < entriesPerLevel; i++ {
		pm.root.entries[i] = kernel.root.entries[i]
	}
	return pm
}

// walk returns the leaf entry for va, allocating intermediate node_t
// levels (and, at level 2, splitting an existing huge leaf into 512 4K
// entries) as needed. install selects whether missing levels are
// created or the walk simply fails with ok=false for lookups.
func (pm *Pagemap_t) walk(va VirtAddr, install bool) (*entry_t, bool) {
	n := pm.root
	for level := 3; level >= 1; level-- {
		idx := levelIndex(va, level)
		e := n.entries[idx]
		if e == nil {
			if !install {
				return nil, false
			}
			e = &entry_t{child: &node_t{}}
			n.entries[idx] = e
		} else if level == 2 && e.huge {
			if !install {
				// early exit at a huge entry for lookups
				return e, true
			}
			pm.splitHuge(e)
		} else if e.child == nil {
			if !install {
				return nil, false
			}
			e.child = &node_t{}
		}
		n = e.child
	}
	idx := levelIndex(va, 0)
	e := n.entries[idx]
	if e == nil {
		if !install {
			return nil, false
		}
		e = &entry_t{}
		n.entries[idx] = e
	}
	return e, true
}

// splitHuge replaces a 2MiB leaf entry in place with a freshly populated
// table of 512 4KiB entries covering the same range at the same flags,
// per spec.md §4.2's split policy.
func (pm *Pagemap_t) splitHuge(e *entry_t) {
	base := e.phys
	flags := e.flags
	child := &node_t{}
	for i := 0; i < entriesPerLevel; i++ {
		child.entries[i] = &entry_t{
			present: true,
			phys:    base + mem.PhysAddr(i*mem.PGSIZE),
			flags:   flags,
		}
	}
	e.huge = false
	e.child = child
	e.present = false
	atomic.AddInt64(&invalidations, 1)
}

// Map installs npages mappings starting at va, backed by contiguous
// physical frames starting at pa, with the given flags. It applies the
// huge-page policy from spec.md §4.2: a 2MiB leaf is installed only when
// both va and pa are 2MiB-aligned and the remaining run covers at least
// 512 frames; otherwise 4KiB leaves are used.
func (pm *Pagemap_t) Map(va VirtAddr, pa mem.PhysAddr, npages int, flags Flags) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	const hugePages = 512
	const hugeSize = hugePages * mem.PGSIZE

	remaining := npages
	for remaining > 0 {
		hugeAligned := uint64(va)%hugeSize == 0 && uint64(pa)%hugeSize == 0
		if hugeAligned && remaining >= hugePages {
			pm.installHuge(va, pa, flags)
			va += hugeSize
			pa += hugeSize
			remaining -= hugePages
			continue
		}
		pm.installLeaf(va, pa, flags)
		va += mem.PGSIZE
		pa += mem.PGSIZE
		remaining--
	}
	atomic.AddInt64(&invalidations, 1)
}

func (pm *Pagemap_t) installHuge(va VirtAddr, pa mem.PhysAddr, flags Flags) {
	n := pm.root
	for level := 3; level >= 2; level-- {
		idx := levelIndex(va, level)
		e := n.entries[idx]
		if e == nil {
			e = &entry_t{child: &node_t{}}
			n.entries[idx] = e
		}
		if level == 2 {
			e.present = true
			e.huge = true
			e.phys = pa
			e.flags = flags
			e.child = nil
			return
		}
		if e.child == nil {
			e.child = &node_t{}
		}
		n = e.child
	}
}

func (pm *Pagemap_t) installLeaf(va VirtAddr, pa mem.PhysAddr, flags Flags) {
	e, _ := pm.walk(va, true)
	e.present = true
	e.phys = pa
	e.flags = flags
}

// Unmap clears npages mappings starting at va. Entries that don't exist
// are silently skipped (matching the teacher's Page_remove no-op on an
// absent mapping).
func (pm *Pagemap_t) Unmap(va VirtAddr, npages int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := 0; i < npages; i++ {
		cur := va + VirtAddr(i*mem.PGSIZE)
		if e, ok := pm.walk(cur, false); ok && e.present {
			e.present = false
			e.phys = 0
		}
	}
	atomic.AddInt64(&invalidations, 1)
}

// VirtToPhys walks the pagemap for va, stopping early at a huge entry
// and adding the correct in-leaf offset.
func (pm *Pagemap_t) VirtToPhys(va VirtAddr) (mem.PhysAddr, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	n := pm.root
	for level := 3; level >= 1; level-- {
		idx := levelIndex(va, level)
		e := n.entries[idx]
		if e == nil || (!e.present && e.child == nil) {
			return 0, false
		}
		if level == 2 && e.huge {
			if !e.present {
				return 0, false
			}
			off := uint64(va) % (512 * mem.PGSIZE)
			return e.phys + mem.PhysAddr(off), true
		}
		if e.child == nil {
			return 0, false
		}
		n = e.child
	}
	idx := levelIndex(va, 0)
	e := n.entries[idx]
	if e == nil || !e.present {
		return 0, false
	}
	off := uint64(va) & mem.PGOFFSET
	return e.phys + mem.PhysAddr(off), true
}

// TeardownUser drops every lower-half (user) top-level reference so the
// subtree becomes unreachable and is reclaimed by the Go garbage
// collector; kernel (upper-half) entries are left untouched, since they
// are shared with every other pagemap. This is the managed-memory
// analogue of "freeing only lower-half subtrees" — in this simulation
// page-table nodes are not backed by PMM frames (only real page
// contents are, see internal/mem), so there is nothing to return to the
// PMM here; see DESIGN.md.
func (pm *Pagemap_t) TeardownUser() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := 0; i < kernelSplit; i++ {
		pm.root.entries[i] = nil
	}
}

// IsMapped reports whether va currently resolves to a present page.
func (pm *Pagemap_t) IsMapped(va VirtAddr) bool {
	_, ok := pm.VirtToPhys(va)
	return ok
}

// HHDM: the kernel resolves a physical address straight to bytes via
// mem.Pmm_t.Dmap without walking any pagemap at all. DmapBytes is a thin
// convenience so callers that already have a *mem.Pmm_t don't need to
// import vmm for it; kept here because spec.md frames HHDM as part of
// the VMM's contract ("the VMM maintains... HHDM").
func DmapBytes(p *mem.Pmm_t, addr mem.PhysAddr) []byte {
	return p.Dmap8(addr)
}
