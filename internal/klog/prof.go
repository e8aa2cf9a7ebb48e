package klog

import (
	"bytes"
	"time"

	"github.com/google/pprof/profile"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/heap"
	"github.com/deltaos/kernel/internal/kobj"
)

// Prof_t is the $devices/prof object: a snapshot of kernel heap usage
// encoded as a real pprof profile, so the same tools that read a Go
// process's heap profile can read the kernel's.
type Prof_t struct {
	Heap *heap.Heap_t
}

func NewProf(h *heap.Heap_t) *Prof_t {
	return &Prof_t{Heap: h}
}

// Snapshot builds a one-sample heap profile: the sample's value is the
// total bytes currently in use across every slab bucket and large
// allocation (Heap_t.Stats); per-bucket figures are not broken out.
// There's no allocation-site call stack to report here — the kernel
// heap doesn't track callers — so the sample gets a single synthetic
// "kernel heap" location.
func (p *Prof_t) Snapshot() (*profile.Profile, error) {
	bytesType := &profile.ValueType{Type: "inuse_space", Unit: "bytes"}
	loc := &profile.Location{ID: 1}
	fn := &profile.Function{ID: 1, Name: "kernel heap", SystemName: "kernel heap", Filename: "internal/heap"}
	loc.Line = []profile.Line{{Function: fn, Line: 0}}

	used := p.Heap.Stats()

	prof := &profile.Profile{
		SampleType:    []*profile.ValueType{bytesType},
		Sample:        []*profile.Sample{},
		Location:      []*profile.Location{loc},
		Function:      []*profile.Function{fn},
		TimeNanos:     time.Now().UnixNano(),
		PeriodType:    bytesType,
		Period:        1,
		DefaultSampleType: "inuse_space",
	}
	prof.Sample = append(prof.Sample, &profile.Sample{
		Location: []*profile.Location{loc},
		Value:    []int64{used},
		Label:    map[string][]string{"source": {"kernel-heap-total"}},
	})
	return prof, nil
}

// Object wraps p in a kobj.Object_t whose Read op serializes the current
// profile snapshot in pprof's gzip-wrapped proto encoding.
func (p *Prof_t) Object() *kobj.Object_t {
	return kobj.New(kobj.DEVICE, &profOps{p: p})
}

type profOps struct {
	kobj.NullOps
	p *Prof_t
}

func (o *profOps) Read(buf []byte, offset int64) (int, defs.Err_t) {
	prof, err := o.p.Snapshot()
	if err != nil {
		return 0, defs.EFAULT
	}
	var out bytes.Buffer
	if err := prof.Write(&out); err != nil {
		return 0, defs.EFAULT
	}
	if offset < 0 || offset > int64(out.Len()) {
		return 0, defs.EINVAL
	}
	n := copy(buf, out.Bytes()[offset:])
	return n, 0
}
