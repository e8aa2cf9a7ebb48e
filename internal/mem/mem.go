// Package mem implements the physical memory manager (PMM): a bitmap of
// 4 KiB frames over a physical address range, allocated in contiguous
// runs and freed individually or in runs.
//
// There is no real MMU underneath this process, so "physical memory" is
// a flat byte arena obtained from the host via a real anonymous mmap
// (golang.org/x/sys/unix) — every PhysAddr this package hands out is an
// offset into that arena, and Dmap resolves it back to bytes the same
// way the teacher's direct map resolves a physical address to kernel
// virtual memory.
package mem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of one page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET = PGSIZE - 1

// PhysAddr is a physical address: an offset into the simulated RAM
// arena. Kept as a newtype (per the design notes) so address arithmetic
// never accidentally mixes with virtual addresses or plain ints.
type PhysAddr uintptr

// Frame returns the frame number of a physical address.
func (p PhysAddr) Frame() uint32 { return uint32(p >> PGSHIFT) }

// FrameAddr converts a frame number back to a physical address.
func FrameAddr(frame uint32) PhysAddr { return PhysAddr(frame) << PGSHIFT }

// Region describes one entry of the boot-info memory map: a physical
// range and whether it is usable RAM.
type Region struct {
	Base   PhysAddr
	Length uint64
	Usable bool
}

const wordBits = 64

// Pmm_t is the physical memory manager: a bitmap of frames (1 = used)
// over the arena, allocated with a rotating cursor and word-at-a-time
// skipping over fully-used runs.
type Pmm_t struct {
	mu     sync.Mutex
	arena  []byte // backing store for Dmap, from unix.Mmap
	bitmap []uint64
	nframes uint32
	cursor  uint32 // rotating search start
	free    uint32 // outstanding-free frame count, for Pgcount
}

// New allocates the PMM's frame bitmap and backing arena for nframes
// frames, all initially marked used; callers then call MarkFree for
// every usable boot-info region.
func New(nframes uint32) (*Pmm_t, error) {
	arenaLen := int(nframes) * PGSIZE
	arena, err := unix.Mmap(-1, 0, arenaLen, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap %d bytes: %w", arenaLen, err)
	}
	nwords := (nframes + wordBits - 1) / wordBits
	p := &Pmm_t{
		arena:   arena,
		bitmap:  make([]uint64, nwords),
		nframes: nframes,
	}
	for i := range p.bitmap {
		p.bitmap[i] = ^uint64(0)
	}
	// frame 0 is always reserved
	p.setBit(0)
	return p, nil
}

// Close releases the backing arena.
func (p *Pmm_t) Close() error {
	return unix.Munmap(p.arena)
}

func (p *Pmm_t) bit(i uint32) bool {
	return p.bitmap[i/wordBits]&(1<<(i%wordBits)) != 0
}

func (p *Pmm_t) setBit(i uint32) {
	if !p.bit(i) {
		p.bitmap[i/wordBits] |= 1 << (i % wordBits)
	}
}

func (p *Pmm_t) clearBit(i uint32) {
	if i != 0 && p.bit(i) { // frame 0 stays reserved
		p.bitmap[i/wordBits] &^= 1 << (i % wordBits)
		p.free++
	}
}

// MarkUsed marks the n frames starting at base as used (reserved),
// called during init for the kernel image, the bitmap itself, the
// boot-info blob, and any initrd region.
func (p *Pmm_t) MarkUsed(base PhysAddr, n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := base.Frame()
	for i := uint32(0); i < n; i++ {
		if !p.bit(start + i) {
			p.free--
		}
		p.setBit(start + i)
	}
}

// MarkFree clears n frames starting at base, making them available for
// Alloc. Used at init time to open up usable boot-info regions.
func (p *Pmm_t) MarkFree(base PhysAddr, n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := base.Frame()
	for i := uint32(0); i < n; i++ {
		p.clearBit(start + i)
	}
}

// Alloc finds the lowest run of n consecutive free frames, marks them
// used, and returns the base physical address. It returns ok=false (no
// partial allocation) if no run of that length exists.
func (p *Pmm_t) Alloc(n int) (PhysAddr, bool) {
	if n <= 0 {
		panic("mem: bad alloc size")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start, ok := p.findRun(uint32(n), p.cursor)
	if !ok && p.cursor != 0 {
		start, ok = p.findRun(uint32(n), 0)
	}
	if !ok {
		return 0, false
	}
	for i := uint32(0); i < uint32(n); i++ {
		p.setBit(start + i)
	}
	p.free -= uint32(n)
	p.cursor = start + uint32(n)
	return FrameAddr(start), true
}

// findRun scans from "from", skipping whole all-ones words in O(1), for
// the first run of n consecutive clear bits.
func (p *Pmm_t) findRun(n uint32, from uint32) (uint32, bool) {
	run := uint32(0)
	runStart := uint32(0)
	i := from
	for i < p.nframes {
		wi := i / wordBits
		word := p.bitmap[wi]
		if word == ^uint64(0) {
			// whole word used: skip it
			run = 0
			i = (wi + 1) * wordBits
			continue
		}
		if p.bit(i) {
			run = 0
			i++
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
		if run == n {
			return runStart, true
		}
		i++
	}
	return 0, false
}

// Free clears n frames starting at base and rewinds the search cursor to
// the smaller of its current value and base, so subsequent allocations
// prefer recently-freed low addresses.
func (p *Pmm_t) Free(base PhysAddr, n int) {
	if n <= 0 {
		panic("mem: bad free size")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	start := base.Frame()
	for i := uint32(0); i < uint32(n); i++ {
		p.clearBit(start + i)
	}
	if start < p.cursor {
		p.cursor = start
	}
}

// Dmap returns a byte slice of length PGSIZE backed by the arena at
// physical address p, analogous to the teacher's direct-map Dmap.
func (p *Pmm_t) Dmap(addr PhysAddr) []byte {
	off := int(addr) &^ PGOFFSET
	return p.arena[off : off+PGSIZE]
}

// Dmap8 returns a slice of the arena starting at the exact byte offset
// addr (not page-rounded), running to the end of that page.
func (p *Pmm_t) Dmap8(addr PhysAddr) []byte {
	off := int(addr)
	pageEnd := (off &^ PGOFFSET) + PGSIZE
	return p.arena[off:pageEnd]
}

// Pgcount reports the total frame count and the number currently free.
func (p *Pmm_t) Pgcount() (total, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.nframes), int(p.free)
}

// Nframes returns the total number of frames managed.
func (p *Pmm_t) Nframes() uint32 { return p.nframes }
