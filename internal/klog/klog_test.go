package klog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltaos/kernel/internal/caller"
	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/heap"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/vmm"
)

func TestRingSnapshotOrderBeforeWrap(t *testing.T) {
	r := newRing(4)
	r.append("a")
	r.append("b")
	require.Equal(t, []string{"a", "b"}, r.Snapshot())
}

func TestRingSnapshotWrapsOldestFirst(t *testing.T) {
	r := newRing(3)
	r.append("a")
	r.append("b")
	r.append("c")
	r.append("d") // overwrites "a"
	require.Equal(t, []string{"b", "c", "d"}, r.Snapshot())
}

func TestLoggerWritesIntoSharedRing(t *testing.T) {
	L().Named("test").Info("hello from a test")
	found := false
	for _, line := range Ring().Snapshot() {
		if line != "" {
			found = true
		}
	}
	require.True(t, found)
}

func TestLockOrderCheckAllowsIncreasingLevels(t *testing.T) {
	require.True(t, Check(LevelProcess, LevelChannel))
	require.True(t, Check(LevelNone, LevelPMM))
}

func TestLockOrderCheckRejectsViolation(t *testing.T) {
	require.False(t, Check(LevelScheduler, LevelProcess))
}

func TestLockOrderCheckDedupesRepeatedCallSite(t *testing.T) {
	saved := lockorderDedup
	lockorderDedup = caller.Distinct_caller_t{Enabled: true}
	defer func() { lockorderDedup = saved }()

	violate := func() bool { return Check(LevelPMM, LevelChannel) }
	var results [2]bool
	for i := range results {
		results[i] = violate()
	}
	require.False(t, results[0])
	require.False(t, results[1])
	require.Equal(t, 1, lockorderDedup.Len(), "a repeated call chain is recorded once")
}

func TestPanicCancelsHaltAndRecordsBanner(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	called := false
	Panic(func() { called = true; cancel() }, "divide by zero", FaultInfo{Vector: 0, RIP: 0xdeadbeef, CPU: 1})
	require.True(t, called)

	found := false
	for _, line := range Ring().Snapshot() {
		if line != "" {
			found = true
		}
	}
	require.True(t, found)
}

func newTestHeap(t *testing.T) *heap.Heap_t {
	t.Helper()
	p, err := mem.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	pm := vmm.NewKernel()
	return heap.New(p, pm, vmm.VirtAddr(0xffff900000000000))
}

func TestSystemStatsRoundtrip(t *testing.T) {
	h := newTestHeap(t)
	p, err := mem.New(1024)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	var now int64 = 1000
	sy := NewSystem(p, h, 4, func() int64 { return now })
	now = 5000

	obj := sy.Object()
	buf := make([]byte, 128)
	n, errc := obj.Ops().GetInfo(defs.INFO_SYSTEM_STATS, buf)
	require.EqualValues(t, 0, errc)
	require.Greater(t, n, 0)

	n, errc = obj.Ops().GetInfo(defs.INFO_KMEM_STATS, buf)
	require.EqualValues(t, 0, errc)
	require.Equal(t, 16, n)

	n, errc = obj.Ops().GetInfo(defs.INFO_TIME_STATS, buf)
	require.EqualValues(t, 0, errc)
	require.Equal(t, 8, n)
}

func TestProfSnapshotEncodesNonEmptyProfile(t *testing.T) {
	h := newTestHeap(t)
	p := NewProf(h)
	prof, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, prof.Sample, 1)
	require.Len(t, prof.SampleType, 1)
}

func TestProfObjectReadProducesBytes(t *testing.T) {
	h := newTestHeap(t)
	p := NewProf(h)
	obj := p.Object()
	buf := make([]byte, 4096)
	n, errc := obj.Ops().Read(buf, 0)
	require.EqualValues(t, 0, errc)
	require.Greater(t, n, 0)
}
