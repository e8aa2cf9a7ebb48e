// Package heap implements the kernel heap: a set of fixed-size slab
// caches for small allocations, a page-granular path for large ones, and
// a backing allocator that hands out kernel-virtual ranges — reusing
// holes left by earlier frees before ever advancing its bump pointer
// (spec.md §4.3).
package heap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/vmm"
)

// bucketSizes are the slab-cache object sizes, smallest to largest.
var bucketSizes = [...]int{16, 32, 64, 128, 256, 512, 1024, 2048}

const largeThreshold = 2048

// slab is one backing page divided into fixed-size objects, tracked with a simple free index
// stack rather than an intrusive freelist, since we don't have raw
// pointers to thread through here.
type slab struct {
	va       vmm.VirtAddr
	objSize  int
	objCount int
	free     []int // indices of free objects, LIFO
	used     int
}

func newSlab(va vmm.VirtAddr, objSize, objCount int) *slab {
	free := make([]int, objCount)
	for i := range free {
		free[i] = objCount - 1 - i
	}
	return &slab{va: va, objSize: objSize, objCount: objCount, free: free}
}

func (s *slab) full() bool  { return len(s.free) == 0 }
func (s *slab) empty() bool { return s.used == 0 }

func (s *slab) alloc() vmm.VirtAddr {
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.used++
	return s.va + vmm.VirtAddr(idx*s.objSize)
}

func (s *slab) free_(addr vmm.VirtAddr) {
	idx := int((addr - s.va)) / s.objSize
	s.free = append(s.free, idx)
	s.used--
}

// cache_t is one bucket's slab cache, split into empty/partial/full
// lists so allocation always looks at partial first, matching the
// teacher's cache-of-slabs discipline.
type cache_t struct {
	objSize  int
	partial  []*slab
	full     []*slab
	empty    []*slab
	keepOneEmpty bool
}

func newCache(objSize int) *cache_t {
	return &cache_t{objSize: objSize, keepOneEmpty: true}
}

// Heap_t is the kernel heap. backing hands out the kernel-virtual ranges
// slabs and large allocations live in; pmm supplies the physical frames
// mapped behind them.
type Heap_t struct {
	mu      sync.Mutex
	caches  [len(bucketSizes)]*cache_t
	pmm     *mem.Pmm_t
	pm      *vmm.Pagemap_t
	backing *backing_t
	large   map[vmm.VirtAddr]int // addr -> page count, for Free
}

// New constructs a kernel heap whose slabs and large allocations live in
// the kernel-virtual range [base, base+span), backed by frames from pmm
// mapped into pm.
func New(pmm *mem.Pmm_t, pm *vmm.Pagemap_t, base vmm.VirtAddr) *Heap_t {
	h := &Heap_t{
		pmm:     pmm,
		pm:      pm,
		backing: newBacking(base),
		large:   make(map[vmm.VirtAddr]int),
	}
	for i, sz := range bucketSizes {
		h.caches[i] = newCache(sz)
	}
	return h
}

// Stats reports bytes currently handed out across every slab cache and
// every large allocation, for INFO_KMEM_STATS.
func (h *Heap_t) Stats() (usedBytes int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.caches {
		for _, s := range c.full {
			usedBytes += int64(s.used) * int64(c.objSize)
		}
		for _, s := range c.partial {
			usedBytes += int64(s.used) * int64(c.objSize)
		}
	}
	for _, npages := range h.large {
		usedBytes += int64(npages) * mem.PGSIZE
	}
	return usedBytes
}

func bucketFor(size int) int {
	for i, sz := range bucketSizes {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Alloc returns size bytes of kernel memory, routed to a slab cache for
// size <= 2048 or the page-granular large path otherwise. The memory is
// not cleared: a reused slab slot or physical frame keeps what it last held.
func (h *Heap_t) Alloc(size int) (vmm.VirtAddr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("heap: bad alloc size %d", size)
	}
	if size > largeThreshold {
		return h.allocLarge(size)
	}
	return h.allocSmall(bucketFor(size))
}

func (h *Heap_t) allocSmall(bucketIdx int) (vmm.VirtAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.caches[bucketIdx]

	if len(c.partial) == 0 {
		if len(c.empty) > 0 {
			c.partial = append(c.partial, c.empty[len(c.empty)-1])
			c.empty = c.empty[:len(c.empty)-1]
		} else {
			s, err := h.growCache(c)
			if err != nil {
				return 0, err
			}
			c.partial = append(c.partial, s)
		}
	}

	s := c.partial[len(c.partial)-1]
	addr := s.alloc()
	if s.full() {
		c.partial = c.partial[:len(c.partial)-1]
		c.full = append(c.full, s)
	}
	return addr, nil
}

// growCache maps one fresh page from the backing allocator and slices it
// into objects of c's size.
func (h *Heap_t) growCache(c *cache_t) (*slab, error) {
	va, err := h.backing.alloc(1)
	if err != nil {
		return nil, err
	}
	pa, ok := h.pmm.Alloc(1)
	if !ok {
		h.backing.free(va, 1)
		return nil, fmt.Errorf("heap: out of physical frames")
	}
	h.pm.Map(va, pa, 1, vmm.Present|vmm.Write)
	objCount := mem.PGSIZE / c.objSize
	return newSlab(va, c.objSize, objCount), nil
}

func (h *Heap_t) allocLarge(size int) (vmm.VirtAddr, error) {
	npages := int((int64(size) + mem.PGSIZE - 1) / mem.PGSIZE)
	h.mu.Lock()
	defer h.mu.Unlock()

	va, err := h.backing.alloc(npages)
	if err != nil {
		return 0, err
	}
	for i := 0; i < npages; i++ {
		pa, ok := h.pmm.Alloc(1)
		if !ok {
			h.backing.free(va, npages)
			return 0, fmt.Errorf("heap: out of physical frames")
		}
		h.pm.Map(va+vmm.VirtAddr(i*mem.PGSIZE), pa, 1, vmm.Present|vmm.Write)
	}
	h.large[va] = npages
	return va, nil
}

// Realloc resizes a previously Alloc'd block. If newSize fits within the
// block's current capacity the original pointer is returned unchanged;
// otherwise a fresh block is allocated, the old block's contents are
// copied in, and the old block is freed (spec.md §4.3).
func (h *Heap_t) Realloc(addr vmm.VirtAddr, newSize int) (vmm.VirtAddr, error) {
	if addr == 0 {
		return h.Alloc(newSize)
	}
	if newSize <= 0 {
		return 0, fmt.Errorf("heap: bad realloc size %d", newSize)
	}

	oldCap, ok := h.blockCap(addr)
	if !ok {
		return 0, fmt.Errorf("heap: realloc of unmanaged address")
	}
	if newSize <= oldCap {
		return addr, nil
	}

	newAddr, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	h.copyBytes(newAddr, addr, oldCap)
	h.Free(addr)
	return newAddr, nil
}

// blockCap reports the usable capacity of a live block returned by Alloc,
// the slab's object size for a small allocation or the page-rounded size
// for a large one.
func (h *Heap_t) blockCap(addr vmm.VirtAddr) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if npages, ok := h.large[addr]; ok {
		return npages * mem.PGSIZE, true
	}
	for _, c := range h.caches {
		for _, list := range [][]*slab{c.full, c.partial} {
			for _, s := range list {
				if addr >= s.va && addr < s.va+vmm.VirtAddr(mem.PGSIZE) {
					return c.objSize, true
				}
			}
		}
	}
	return 0, false
}

// copyBytes copies n bytes from src to dst through the direct map,
// walking a page at a time since the two ranges need not share an
// alignment or even a single backing page.
func (h *Heap_t) copyBytes(dst, src vmm.VirtAddr, n int) {
	for n > 0 {
		srcPa, ok := h.pm.VirtToPhys(src)
		if !ok {
			return
		}
		dstPa, ok := h.pm.VirtToPhys(dst)
		if !ok {
			return
		}
		srcOff := int(src) & mem.PGOFFSET
		dstOff := int(dst) & mem.PGOFFSET
		chunk := mem.PGSIZE - srcOff
		if room := mem.PGSIZE - dstOff; room < chunk {
			chunk = room
		}
		if chunk > n {
			chunk = n
		}

		srcBytes := vmm.DmapBytes(h.pmm, srcPa)
		dstBytes := vmm.DmapBytes(h.pmm, dstPa)
		copy(dstBytes[dstOff:dstOff+chunk], srcBytes[srcOff:srcOff+chunk])

		src += vmm.VirtAddr(chunk)
		dst += vmm.VirtAddr(chunk)
		n -= chunk
	}
}

// Free returns addr, previously returned by Alloc, to its cache or to
// the large-allocation path.
func (h *Heap_t) Free(addr vmm.VirtAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if npages, ok := h.large[addr]; ok {
		delete(h.large, addr)
		for i := 0; i < npages; i++ {
			va := addr + vmm.VirtAddr(i*mem.PGSIZE)
			if pa, ok := h.pm.VirtToPhys(va); ok {
				h.pmm.Free(pa, 1)
			}
		}
		h.pm.Unmap(addr, npages)
		h.backing.free(addr, npages)
		return
	}

	for _, c := range h.caches {
		if h.freeFromCache(c, addr) {
			return
		}
	}
}

func (h *Heap_t) freeFromCache(c *cache_t, addr vmm.VirtAddr) bool {
	containing := func(list []*slab) (int, *slab) {
		for i, s := range list {
			if addr >= s.va && addr < s.va+vmm.VirtAddr(mem.PGSIZE) {
				return i, s
			}
		}
		return -1, nil
	}

	if i, s := containing(c.full); s != nil {
		s.free_(addr)
		c.full = append(c.full[:i], c.full[i+1:]...)
		c.partial = append(c.partial, s)
		return true
	}
	if i, s := containing(c.partial); s != nil {
		s.free_(addr)
		if s.empty() {
			c.partial = append(c.partial[:i], c.partial[i+1:]...)
			if len(c.empty) == 0 && c.keepOneEmpty {
				c.empty = append(c.empty, s)
			} else {
				h.reclaimSlab(s)
			}
		}
		return true
	}
	return false
}

// reclaimSlab returns an emptied slab's backing page and virtual range.
func (h *Heap_t) reclaimSlab(s *slab) {
	if pa, ok := h.pm.VirtToPhys(s.va); ok {
		h.pmm.Free(pa, 1)
	}
	h.pm.Unmap(s.va, 1)
	h.backing.free(s.va, 1)
}

// holeRange is one free (address, length-in-pages) span in kernel
// virtual space.
type holeRange struct {
	va     vmm.VirtAddr
	npages int
}

// backing_t is the kernel-virtual range allocator: a bump pointer with a
// sorted hole list, consulted first-fit before the bump pointer ever
// advances, so a long-lived heap doesn't walk its virtual range forever
// (spec.md: "a backing allocator... reusing holes left by earlier
// frees").
type backing_t struct {
	mu    sync.Mutex
	next  vmm.VirtAddr
	holes []holeRange
}

func newBacking(base vmm.VirtAddr) *backing_t {
	return &backing_t{next: base}
}

func (b *backing_t) alloc(npages int) (vmm.VirtAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, h := range b.holes {
		if h.npages >= npages {
			va := h.va
			if h.npages == npages {
				b.holes = append(b.holes[:i], b.holes[i+1:]...)
			} else {
				b.holes[i] = holeRange{va: h.va + vmm.VirtAddr(npages*mem.PGSIZE), npages: h.npages - npages}
			}
			return va, nil
		}
	}

	va := b.next
	b.next += vmm.VirtAddr(npages * mem.PGSIZE)
	return va, nil
}

func (b *backing_t) free(va vmm.VirtAddr, npages int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holes = append(b.holes, holeRange{va: va, npages: npages})
	sort.Slice(b.holes, func(i, j int) bool { return b.holes[i].va < b.holes[j].va })
	b.coalesce()
}

// coalesce merges adjacent hole ranges so long-running allocators don't
// fragment their free list into ever-smaller, unusable pieces.
func (b *backing_t) coalesce() {
	merged := b.holes[:0]
	for _, h := range b.holes {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.va+vmm.VirtAddr(last.npages*mem.PGSIZE) == h.va {
				last.npages += h.npages
				continue
			}
		}
		merged = append(merged, h)
	}
	b.holes = merged
}
