package klog

import (
	"encoding/binary"
	"runtime"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/heap"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/mem"
)

// SystemStats mirrors the fixed layout userspace's deltafetch-style
// tooling reads back via OBJ_INFO_SYSTEM_STATS: an OS name/version pair,
// the architecture string, a synthesized CPU brand, and a core count.
// Field widths are fixed so the struct has one stable binary layout.
type SystemStats struct {
	OSName   [16]byte
	OSVer    [16]byte
	Arch     [16]byte
	CPUBrand [48]byte
	CPUCount uint32
	IdleNs   uint64
}

// KmemStats mirrors OBJ_INFO_KMEM_STATS: total and in-use RAM, in bytes.
type KmemStats struct {
	TotalRAM uint64
	UsedRAM  uint64
}

// TimeStats mirrors OBJ_INFO_TIME_STATS: nanoseconds since boot.
type TimeStats struct {
	UptimeNs uint64
}

func putFixed(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// System_t is the $devices/system object: the one place SYSTEM_STATS,
// KMEM_STATS and TIME_STATS are assembled from the live PMM and heap
// rather than stubbed, per spec.md §6's object-info topics.
type System_t struct {
	Pmm        *mem.Pmm_t
	Heap       *heap.Heap_t
	CPUCount   int
	NowUnixNs  func() int64
	bootUnixNs int64

	// IdleNsFn, if set, reports cumulative idle-thread dispatch time
	// across every CPU (see sched.Sched_t.IdleNs) — left nil by
	// NewSystem since internal/klog cannot import internal/sched
	// without a cycle; the boot command wires it in after both exist.
	IdleNsFn func() int64
}

// NewSystem constructs a System_t whose uptime is measured from the
// moment of construction (boot).
func NewSystem(pmm *mem.Pmm_t, h *heap.Heap_t, cpuCount int, nowUnixNs func() int64) *System_t {
	return &System_t{Pmm: pmm, Heap: h, CPUCount: cpuCount, NowUnixNs: nowUnixNs, bootUnixNs: nowUnixNs()}
}

func (sy *System_t) systemStats() SystemStats {
	var st SystemStats
	putFixed(st.OSName[:], "DeltaOS")
	putFixed(st.OSVer[:], "0.1.0")
	putFixed(st.Arch[:], runtime.GOARCH)
	putFixed(st.CPUBrand[:], "simulated core (host: "+runtime.GOARCH+")")
	st.CPUCount = uint32(sy.CPUCount)
	if sy.IdleNsFn != nil {
		st.IdleNs = uint64(sy.IdleNsFn())
	}
	return st
}

// kmemStats reports page-granular usage straight from the PMM's bitmap —
// every heap allocation already marks its backing frames used there, so
// there's no separate heap-byte accounting to reconcile.
func (sy *System_t) kmemStats() KmemStats {
	total, free := sy.Pmm.Pgcount()
	totalBytes := uint64(total) * uint64(mem.PGSIZE)
	freeBytes := uint64(free) * uint64(mem.PGSIZE)
	return KmemStats{TotalRAM: totalBytes, UsedRAM: totalBytes - freeBytes}
}

func (sy *System_t) timeStats() TimeStats {
	return TimeStats{UptimeNs: uint64(sy.NowUnixNs() - sy.bootUnixNs)}
}

// Object wraps sy in a kobj.Object_t answering GetInfo for the three
// topics deltafetch-style tooling reads.
func (sy *System_t) Object() *kobj.Object_t {
	return kobj.New(kobj.DEVICE, &systemOps{sy: sy})
}

type systemOps struct {
	kobj.NullOps
	sy *System_t
}

func (o *systemOps) GetInfo(topic uint, buf []byte) (int, defs.Err_t) {
	switch topic {
	case defs.INFO_SYSTEM_STATS:
		st := o.sy.systemStats()
		if len(buf) < 16+16+16+48+4+8 {
			return 0, defs.EINVAL
		}
		off := 0
		off += copy(buf[off:], st.OSName[:])
		off += copy(buf[off:], st.OSVer[:])
		off += copy(buf[off:], st.Arch[:])
		off += copy(buf[off:], st.CPUBrand[:])
		binary.LittleEndian.PutUint32(buf[off:], st.CPUCount)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], st.IdleNs)
		off += 8
		return off, 0
	case defs.INFO_KMEM_STATS:
		st := o.sy.kmemStats()
		if len(buf) < 16 {
			return 0, defs.EINVAL
		}
		binary.LittleEndian.PutUint64(buf[0:], st.TotalRAM)
		binary.LittleEndian.PutUint64(buf[8:], st.UsedRAM)
		return 16, 0
	case defs.INFO_TIME_STATS:
		st := o.sy.timeStats()
		if len(buf) < 8 {
			return 0, defs.EINVAL
		}
		binary.LittleEndian.PutUint64(buf[0:], st.UptimeNs)
		return 8, 0
	default:
		return 0, defs.ENOSYS
	}
}
