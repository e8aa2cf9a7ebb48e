package syscall

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltaos/kernel/internal/arch"
	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/ipc"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/ns"
	"github.com/deltaos/kernel/internal/proc"
	"github.com/deltaos/kernel/internal/sched"
	"github.com/deltaos/kernel/internal/stat"
	"github.com/deltaos/kernel/internal/thread"
	"github.com/deltaos/kernel/internal/vmm"
)

// memFile is a tiny in-memory object usable as a namespace entry in
// tests that need Read/Write/Stat without pulling in a real VMO or
// device backing.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

type memFileOps struct {
	kobj.NullOps
	f *memFile
}

func newMemFileObject(data []byte) *kobj.Object_t {
	f := &memFile{data: append([]byte(nil), data...)}
	return kobj.New(kobj.FILE, &memFileOps{f: f})
}

func (o *memFileOps) Read(buf []byte, offset int64) (int, defs.Err_t) {
	o.f.mu.Lock()
	defer o.f.mu.Unlock()
	if offset < 0 {
		return 0, defs.EINVAL
	}
	if offset >= int64(len(o.f.data)) {
		return 0, 0
	}
	n := copy(buf, o.f.data[offset:])
	return n, 0
}

func (o *memFileOps) Write(buf []byte, offset int64) (int, defs.Err_t) {
	o.f.mu.Lock()
	defer o.f.mu.Unlock()
	if offset < 0 {
		return 0, defs.EINVAL
	}
	end := offset + int64(len(buf))
	if end > int64(len(o.f.data)) {
		grown := make([]byte, end)
		copy(grown, o.f.data)
		o.f.data = grown
	}
	copy(o.f.data[offset:], buf)
	return len(buf), 0
}

func (o *memFileOps) Stat(out *stat.Stat_t) defs.Err_t {
	o.f.mu.Lock()
	defer o.f.mu.Unlock()
	out.Wsize(uint64(len(o.f.data)))
	return 0
}

// newHarness wires a dispatch table to a fresh scheduler, physical
// memory pool, and namespace, plus one already-running process for test
// bodies to dispatch syscalls as.
func newHarness(t *testing.T, ncpu int) (*Table_t, *sched.Sched_t, *proc.Process_t) {
	t.Helper()
	pmm, err := mem.New(8192)
	require.NoError(t, err)
	pmm.MarkFree(0, 8192)
	t.Cleanup(func() { pmm.Close() })
	km := vmm.NewKernel()
	s := sched.New(ncpu)
	namespace := ns.New(16)
	tbl := New(pmm, km, s, namespace, arch.NewStub())
	p := proc.New(proc.AllocPid(), km, pmm)
	return tbl, s, p
}

// pump drives cpu 0 until every thread in live has exited or maxSteps is
// exhausted.
func pump(t *testing.T, s *sched.Sched_t, live []*thread.Thread_t, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		allDone := true
		for _, th := range live {
			select {
			case <-th.Done():
			default:
				allDone = false
			}
		}
		if allDone {
			return
		}
		s.RunOnce(0)
	}
	t.Fatal("pump: threads did not finish in time")
}

// run enqueues a single thread bound to p running fn and pumps it to
// completion — Dispatch can only resolve "the current process" while a
// thread is actually running, so every syscall exercised in a test must
// happen from inside one of these.
func run(t *testing.T, s *sched.Sched_t, p *proc.Process_t, fn func(self *thread.Thread_t)) {
	t.Helper()
	th := thread.New(thread.AllocTid(), p, fn)
	s.Enqueue(0, th)
	pump(t, s, []*thread.Thread_t{th}, 1000)
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestGetpidAndYield(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var pid int64
	run(t, s, p, func(self *thread.Thread_t) {
		ret, _ := tbl.Dispatch(0, SysGetpid, Args{})
		pid = ret
		tbl.Dispatch(0, SysYield, Args{})
	})
	require.EqualValues(t, p.Pid, pid)
}

func TestDispatchUnknownNumReturnsENOSYS(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var ret int64
	run(t, s, p, func(self *thread.Thread_t) {
		ret, _ = tbl.Dispatch(0, Num(9999), Args{})
	})
	require.EqualValues(t, defs.ENOSYS, ret)
}

func TestHandleReadWriteSeekRoundTripThroughVmo(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var wret, seekRet, rret int64
	var got []byte
	run(t, s, p, func(self *thread.Thread_t) {
		cret, _ := tbl.Dispatch(0, SysVmoCreate, Args{A1: 64})
		require.GreaterOrEqual(t, cret, int64(0))
		h := int(cret)

		wret, _ = tbl.Dispatch(0, SysHandleWrite, Args{A1: int64(h), Buf: []byte("hello")})
		seekRet, _ = tbl.Dispatch(0, SysHandleSeek, Args{A1: int64(h), Offset: 0, Mode: SeekSet})

		buf := make([]byte, 5)
		rret, _ = tbl.Dispatch(0, SysHandleRead, Args{A1: int64(h), Buf: buf})
		got = buf
	})
	require.EqualValues(t, 5, wret)
	require.EqualValues(t, 0, seekRet)
	require.EqualValues(t, 5, rret)
	require.Equal(t, "hello", string(got))
}

func TestHandleDuplicateNeverGrantsExtraRights(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var writeAfterDup int64
	run(t, s, p, func(self *thread.Thread_t) {
		cret, _ := tbl.Dispatch(0, SysVmoCreate, Args{A1: 16})
		h := int(cret)

		// narrow to read-only, then try to duplicate back up to write
		dup1, _ := tbl.Dispatch(0, SysHandleDuplicate, Args{A1: int64(h), Rights: defs.R_READ | defs.R_DUPLICATE})
		require.GreaterOrEqual(t, dup1, int64(0))
		roHandle := int(dup1)

		dup2, _ := tbl.Dispatch(0, SysHandleDuplicate, Args{A1: int64(roHandle), Rights: defs.R_READ | defs.R_WRITE | defs.R_DUPLICATE})
		require.GreaterOrEqual(t, dup2, int64(0))
		stillRO := int(dup2)

		writeAfterDup, _ = tbl.Dispatch(0, SysHandleWrite, Args{A1: int64(stillRO), Buf: []byte("x")})
	})
	require.EqualValues(t, defs.EPERM, writeAfterDup)
}

// TestChannelEchoScenario matches the "echo channel" end-to-end scenario:
// a message sent on one endpoint arrives on the other with the sender's
// pid and no handles.
func TestChannelEchoScenario(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var n int64
	var senderPid defs.Pid_t
	var handleCount int
	var got []byte
	run(t, s, p, func(self *thread.Thread_t) {
		cret, cres := tbl.Dispatch(0, SysChannelCreate, Args{})
		require.EqualValues(t, 0, cret)
		require.Len(t, cres.Handles, 2)
		h0, h1 := cres.Handles[0], cres.Handles[1]

		sret, _ := tbl.Dispatch(0, SysChannelSend, Args{A1: int64(h0), Buf: []byte("hello")})
		require.EqualValues(t, 0, sret)

		buf := make([]byte, 16)
		rret, rres := tbl.Dispatch(0, SysChannelRecv, Args{A1: int64(h1), Buf: buf})
		n = rret
		senderPid = rres.SenderPid
		handleCount = len(rres.Handles)
		got = buf[:rret]
	})
	require.EqualValues(t, 5, n)
	require.Equal(t, "hello", string(got))
	require.Equal(t, p.Pid, senderPid)
	require.Zero(t, handleCount)
}

func TestChannelTryRecvReturnsEAGAINOnEmptyQueue(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var ret int64
	run(t, s, p, func(self *thread.Thread_t) {
		cret, cres := tbl.Dispatch(0, SysChannelCreate, Args{})
		require.EqualValues(t, 0, cret)
		buf := make([]byte, 8)
		ret, _ = tbl.Dispatch(0, SysChannelTryRecv, Args{A1: int64(cres.Handles[1]), Buf: buf})
	})
	require.EqualValues(t, defs.EAGAIN, ret)
}

// TestChannelHandleTransfer matches the "handle transfer" scenario: a
// capability sent alongside a message disappears from the sender's
// table and reappears in the receiver's with the same rights, for a net
// zero change in the underlying object's reference count.
func TestChannelHandleTransfer(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var goneErr int64
	var transferredCount int
	var sendAfterRecv int64
	run(t, s, p, func(self *thread.Thread_t) {
		transportRet, transportRes := tbl.Dispatch(0, SysChannelCreate, Args{})
		require.EqualValues(t, 0, transportRet)
		t0, t1 := transportRes.Handles[0], transportRes.Handles[1]

		payloadRet, payloadRes := tbl.Dispatch(0, SysChannelCreate, Args{})
		require.EqualValues(t, 0, payloadRet)
		payload := payloadRes.Handles[0]

		sret, _ := tbl.Dispatch(0, SysChannelSend, Args{
			A1:         int64(t0),
			HandleRefs: []ipc.HandleRef{{Handle: payload, Want: defs.R_TRANSFER}},
		})
		require.EqualValues(t, 0, sret)

		goneErr, _ = tbl.Dispatch(0, SysHandleClose, Args{A1: int64(payload)})

		buf := make([]byte, 1)
		rret, rres := tbl.Dispatch(0, SysChannelRecvWithHandles, Args{A1: int64(t1), Buf: buf})
		require.EqualValues(t, 0, rret)
		transferredCount = len(rres.Handles)

		sendAfterRecv, _ = tbl.Dispatch(0, SysChannelSend, Args{A1: int64(rres.Handles[0]), Buf: []byte("x")})
	})
	require.EqualValues(t, defs.EINVAL, goneErr, "handle must already be gone from the sender's table")
	require.Equal(t, 1, transferredCount)
	require.EqualValues(t, 0, sendAfterRecv, "the installed handle must carry usable rights")
}

// TestVmoMapScenario matches the "VMO map" end-to-end scenario: a
// 12288-byte VMO written in three 4096-byte stripes, mapped read-only,
// and read back at an interior offset.
func TestVmoMapScenario(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var mapRet int64
	var readN int64
	var read []byte
	run(t, s, p, func(self *thread.Thread_t) {
		cret, _ := tbl.Dispatch(0, SysVmoCreate, Args{A1: 12288})
		require.GreaterOrEqual(t, cret, int64(0))
		h := int(cret)

		w1, _ := tbl.Dispatch(0, SysVmoWrite, Args{A1: int64(h), Buf: repeat('A', 4096), Offset: 0})
		require.EqualValues(t, 4096, w1)
		w2, _ := tbl.Dispatch(0, SysVmoWrite, Args{A1: int64(h), Buf: repeat('B', 4096), Offset: 4096})
		require.EqualValues(t, 4096, w2)
		w3, _ := tbl.Dispatch(0, SysVmoWrite, Args{A1: int64(h), Buf: repeat('C', 4096), Offset: 8192})
		require.EqualValues(t, 4096, w3)

		mapRet, _ = tbl.Dispatch(0, SysVmoMap, Args{A1: int64(h), A3: 12288, A4: 1}) // read-only

		read = make([]byte, 4096)
		readN, _ = tbl.Dispatch(0, SysVmoRead, Args{A1: int64(h), Buf: read, Offset: 4096})
	})
	require.Greater(t, mapRet, int64(0))
	require.EqualValues(t, 4096, readN)
	require.Equal(t, repeat('B', 4096), read)

	vmas := p.Vmas()
	require.Len(t, vmas, 1)
	require.EqualValues(t, 12288, vmas[0].Length)
}

func TestVmoResizeRequiresResizableFlag(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var resizeErr int64
	run(t, s, p, func(self *thread.Thread_t) {
		cret, _ := tbl.Dispatch(0, SysVmoCreate, Args{A1: 16})
		h := int(cret)
		resizeErr, _ = tbl.Dispatch(0, SysVmoResize, Args{A1: int64(h), A2: 32})
	})
	require.EqualValues(t, defs.EPERM, resizeErr)
}

func TestNsRegisterGetObjStatAndFstat(t *testing.T) {
	tbl, s, p := newHarness(t, 1)

	obj := newMemFileObject([]byte("greetings"))
	require.EqualValues(t, 0, tbl.NS.Register("$files/greeting", obj))
	obj.Deref() // drop the creator's ref; the namespace owns its own

	var h2 int
	var statRet, fstatRet int64
	var statBuf, fstatBuf []byte
	run(t, s, p, func(self *thread.Thread_t) {
		gret, _ := tbl.Dispatch(0, SysGetObj, Args{A1: -1, Path: "$files/greeting", Rights: defs.R_READ | defs.R_GET_INFO})
		require.GreaterOrEqual(t, gret, int64(0))
		h2 = int(gret)

		statBuf = make([]byte, 40)
		statRet, _ = tbl.Dispatch(0, SysStat, Args{Path: "$files/greeting", Buf: statBuf})

		fstatBuf = make([]byte, 40)
		fstatRet, _ = tbl.Dispatch(0, SysFstat, Args{A1: int64(h2), Buf: fstatBuf})
	})

	require.EqualValues(t, 40, statRet)
	require.EqualValues(t, 40, fstatRet)
	var st stat.Stat_t
	st.Wsize(9)
	require.Equal(t, st.Bytes(), statBuf)
	require.Equal(t, st.Bytes(), fstatBuf)
}

func TestChdirAndGetcwd(t *testing.T) {
	tbl, s, p := newHarness(t, 1)

	dir := newMemFileObject(nil)
	require.EqualValues(t, 0, tbl.NS.Register("$files/sub", dir))
	dir.Deref()

	var chdirRet int64
	var cwd []byte
	run(t, s, p, func(self *thread.Thread_t) {
		chdirRet, _ = tbl.Dispatch(0, SysChdir, Args{Path: "$files/sub"})
		cwd = make([]byte, 32)
		tbl.Dispatch(0, SysGetcwd, Args{Buf: cwd})
	})
	require.EqualValues(t, 0, chdirRet)
	require.Equal(t, "$files/sub", string(cwd[:len("$files/sub")]))
}

func TestReaddirListsRegisteredChildren(t *testing.T) {
	tbl, s, p := newHarness(t, 1)

	for _, name := range []string{"a", "b"} {
		obj := newMemFileObject(nil)
		require.EqualValues(t, 0, tbl.NS.Register("$files/"+name, obj))
		obj.Deref()
	}
	dirObj := tbl.NS.DirObject("$files")

	var n int64
	var names []string
	run(t, s, p, func(self *thread.Thread_t) {
		dh := p.Handles.Grant(dirObj, defs.R_READ)
		ret, res := tbl.Dispatch(0, SysReaddir, Args{A1: int64(dh), DirIndex: 0})
		n = ret
		for _, e := range res.Entries {
			names = append(names, e.Name)
		}
	})
	require.EqualValues(t, 2, n)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestSpawnAndWaitEndToEnd(t *testing.T) {
	tbl, s, p := newHarness(t, 1)

	data := buildTestELF(0x400000)
	obj := newMemFileObject(data)
	require.EqualValues(t, 0, tbl.NS.Register("$files/prog", obj))
	obj.Deref()

	var childPid int64
	run(t, s, p, func(self *thread.Thread_t) {
		childPid, _ = tbl.Dispatch(0, SysSpawn, Args{Path: "prog", Argv: []string{"prog"}})
	})
	require.Greater(t, childPid, int64(0))

	// the synthetic program never runs far enough to call sys_exit
	// itself (arch.Stub just enters and returns); stand in for that
	// call so sysWait below has something to observe.
	child, ok := proc.Lookup(defs.Pid_t(childPid))
	require.True(t, ok)
	child.Exit(7)

	var waitRet int64
	run(t, s, p, func(self *thread.Thread_t) {
		waitRet, _ = tbl.Dispatch(0, SysWait, Args{A1: childPid})
	})
	require.EqualValues(t, 7, waitRet)
}

func TestSpawnRejectsMissingFile(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var ret int64
	run(t, s, p, func(self *thread.Thread_t) {
		ret, _ = tbl.Dispatch(0, SysSpawn, Args{Path: "nosuchprogram", Argv: []string{"nosuchprogram"}})
	})
	require.EqualValues(t, defs.ENOENT, ret)
}

// TestProcessCreateGrantStart exercises the three-call spawn
// alternative: a suspended child process is built by hand, handed a
// capability copied (not moved) from the parent, then started at an
// explicit entry and stack pointer.
func TestProcessCreateGrantStart(t *testing.T) {
	tbl, s, p := newHarness(t, 1)

	var childHandle int
	var parentPayload int
	var grantRet int64
	run(t, s, p, func(self *thread.Thread_t) {
		cret, _ := tbl.Dispatch(0, SysVmoCreate, Args{A1: 16})
		require.GreaterOrEqual(t, cret, int64(0))
		parentPayload = int(cret)

		pcRet, _ := tbl.Dispatch(0, SysProcessCreate, Args{})
		require.GreaterOrEqual(t, pcRet, int64(0))
		childHandle = int(pcRet)

		grantRet, _ = tbl.Dispatch(0, SysHandleGrant, Args{A1: int64(childHandle), A2: int64(parentPayload), Rights: defs.R_READ})
		require.GreaterOrEqual(t, grantRet, int64(0))

		// the parent keeps its own copy; this is a grant, not a move
		parentStillHas, _ := tbl.Dispatch(0, SysHandleWrite, Args{A1: int64(parentPayload), Buf: []byte("x")})
		require.EqualValues(t, 1, parentStillHas)

		startRet, _ := tbl.Dispatch(0, SysProcessStart, Args{A1: int64(childHandle), A2: 0, A3: 0})
		require.Greater(t, startRet, int64(0))
	})

	// let the newly started child thread run to completion too
	s.RunOnce(0)
}

func TestHandleGrantRequiresProcessHandle(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var ret int64
	run(t, s, p, func(self *thread.Thread_t) {
		cret, _ := tbl.Dispatch(0, SysVmoCreate, Args{A1: 16})
		notAProcess := int(cret)
		ret, _ = tbl.Dispatch(0, SysHandleGrant, Args{A1: int64(notAProcess), A2: int64(notAProcess), Rights: defs.R_READ})
	})
	require.EqualValues(t, defs.EINVAL, ret)
}

func TestObjectGetInfoOnProcessHandle(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var n int64
	run(t, s, p, func(self *thread.Thread_t) {
		h := p.Handles.Grant(p.Obj, defs.R_GET_INFO)
		buf := make([]byte, 40)
		n, _ = tbl.Dispatch(0, SysObjectGetInfo, Args{A1: int64(h), A2: int64(defs.INFO_PROCESS_BASIC), Buf: buf})
	})
	require.EqualValues(t, 40, n)
}

func TestDebugWriteReturnsByteCount(t *testing.T) {
	tbl, s, p := newHarness(t, 1)
	var n int64
	run(t, s, p, func(self *thread.Thread_t) {
		n, _ = tbl.Dispatch(0, SysDebugWrite, Args{Buf: []byte("booting\n")})
	})
	require.EqualValues(t, len("booting\n"), n)
}

// buildTestELF synthesizes the smallest valid 64-bit little-endian
// x86_64 ET_EXEC spawn accepts: a 64-byte header, one PT_LOAD program
// header spanning the whole file, and a few bytes of payload at entry.
func buildTestELF(vaddr uint64) []byte {
	const ehsize = 64
	const phsize = 56
	payload := []byte{0x90, 0x90, 0x90, 0x90, 0xf4}
	total := ehsize + phsize + len(payload)
	entry := vaddr + ehsize + phsize

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:], 2)
	binary.LittleEndian.PutUint16(buf[18:], 0x3e)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], ehsize)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phsize)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	ph := buf[ehsize:]
	binary.LittleEndian.PutUint32(ph[0:], 1)
	binary.LittleEndian.PutUint32(ph[4:], 5)
	binary.LittleEndian.PutUint64(ph[8:], 0)
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[24:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(total))
	binary.LittleEndian.PutUint64(ph[40:], uint64(total))
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)

	copy(buf[ehsize+phsize:], payload)
	return buf
}
