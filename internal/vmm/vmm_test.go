package vmm

import (
	"testing"

	"github.com/deltaos/kernel/internal/mem"
)

func TestMapAndVirtToPhys(t *testing.T) {
	pm := NewKernel()
	pm.Map(0x1000, 0x2000, 1, Present|Write)

	pa, ok := pm.VirtToPhys(0x1000)
	if !ok {
		t.Fatal("VirtToPhys failed on a mapped page")
	}
	if pa != 0x2000 {
		t.Fatalf("VirtToPhys = %#x, want 0x2000", pa)
	}
}

func TestVirtToPhysOffsetWithinPage(t *testing.T) {
	pm := NewKernel()
	pm.Map(0x1000, 0x2000, 1, Present)

	pa, ok := pm.VirtToPhys(0x1000 + 0x123)
	if !ok {
		t.Fatal("VirtToPhys failed")
	}
	if pa != 0x2000+0x123 {
		t.Fatalf("VirtToPhys = %#x, want %#x", pa, 0x2000+0x123)
	}
}

func TestUnmapClearsMapping(t *testing.T) {
	pm := NewKernel()
	pm.Map(0x1000, 0x2000, 1, Present)
	pm.Unmap(0x1000, 1)

	if pm.IsMapped(0x1000) {
		t.Fatal("page still mapped after Unmap")
	}
}

func TestUnmapOfAbsentMappingIsNoop(t *testing.T) {
	pm := NewKernel()
	pm.Unmap(0x5000, 1) // must not panic
	if pm.IsMapped(0x5000) {
		t.Fatal("unmapped address reported as mapped")
	}
}

func TestHugePageInstalledWhenAligned(t *testing.T) {
	pm := NewKernel()
	const hugeSize = 512 * mem.PGSIZE
	pm.Map(VirtAddr(hugeSize), mem.PhysAddr(hugeSize), 512, Present|Write)

	pa, ok := pm.VirtToPhys(VirtAddr(hugeSize + 0x10))
	if !ok {
		t.Fatal("VirtToPhys failed inside huge mapping")
	}
	if pa != mem.PhysAddr(hugeSize+0x10) {
		t.Fatalf("VirtToPhys = %#x, want %#x", pa, hugeSize+0x10)
	}
}

func TestMapSplitsHugeEntryOnOverlap(t *testing.T) {
	pm := NewKernel()
	const hugeSize = 512 * mem.PGSIZE
	before := Invalidations()
	pm.Map(VirtAddr(hugeSize), mem.PhysAddr(hugeSize), 512, Present|Write)

	// Remap a single page inside the huge range at different backing
	// memory; this must force a split rather than silently losing the
	// rest of the huge mapping.
	pm.Map(VirtAddr(hugeSize), mem.PhysAddr(hugeSize+mem.PGSIZE), 1, Present)

	pa, ok := pm.VirtToPhys(VirtAddr(hugeSize))
	if !ok {
		t.Fatal("VirtToPhys failed after split")
	}
	if pa != mem.PhysAddr(hugeSize+mem.PGSIZE) {
		t.Fatalf("VirtToPhys = %#x after split, want %#x", pa, hugeSize+mem.PGSIZE)
	}
	// The rest of the huge range should still resolve via the split 4K entries.
	pa2, ok := pm.VirtToPhys(VirtAddr(hugeSize) + mem.PGSIZE*2)
	if !ok {
		t.Fatal("VirtToPhys failed for untouched part of split huge range")
	}
	if pa2 != mem.PhysAddr(hugeSize)+mem.PGSIZE*2 {
		t.Fatalf("VirtToPhys = %#x, want %#x", pa2, mem.PhysAddr(hugeSize)+mem.PGSIZE*2)
	}
	if Invalidations() <= before {
		t.Fatal("split/remap should record at least one invalidation")
	}
}

func TestNewUserSharesKernelUpperHalf(t *testing.T) {
	kernel := NewKernel()
	const kernelVA = VirtAddr(uint64(kernelSplit) << (mem.PGSHIFT + 3*levelBits))
	kernel.Map(kernelVA, 0x9000, 1, Present)

	user := NewUser(kernel)
	pa, ok := user.VirtToPhys(kernelVA)
	if !ok {
		t.Fatal("user pagemap does not see pre-existing kernel mapping")
	}
	if pa != 0x9000 {
		t.Fatalf("VirtToPhys via user pagemap = %#x, want 0x9000", pa)
	}
}

func TestTeardownUserClearsLowerHalfOnly(t *testing.T) {
	kernel := NewKernel()
	const kernelVA = VirtAddr(uint64(kernelSplit) << (mem.PGSHIFT + 3*levelBits))
	kernel.Map(kernelVA, 0x9000, 1, Present)

	user := NewUser(kernel)
	user.Map(0x1000, 0x2000, 1, Present)
	user.TeardownUser()

	if user.IsMapped(0x1000) {
		t.Fatal("user mapping survived TeardownUser")
	}
	if !user.IsMapped(kernelVA) {
		t.Fatal("TeardownUser dropped the shared kernel mapping")
	}
}
