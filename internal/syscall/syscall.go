// Package syscall implements the single numbered dispatch point through
// which every userspace request reaches the kernel core: argument
// validation, rights checks against the calling process's handle table,
// and translation into the typed APIs of internal/proc, internal/handle,
// internal/ipc, internal/vmo, internal/ns and internal/loader (spec.md
// §4.11).
//
// A real machine-level entry takes a syscall number and six integer
// registers. This core has no raw user memory to range-check pointers
// into — a caller a layer up already copied path strings and buffers out
// of wherever user memory would live — so Args carries those values
// directly instead of as uintptr, and Dispatch's job narrows to the
// validation spec.md actually calls out: string and buffer length
// bounds, not a page-table walk.
package syscall

import (
	"crypto/rand"
	"sync"

	"github.com/deltaos/kernel/internal/arch"
	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/handle"
	"github.com/deltaos/kernel/internal/ipc"
	"github.com/deltaos/kernel/internal/klog"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/loader"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/ns"
	"github.com/deltaos/kernel/internal/proc"
	"github.com/deltaos/kernel/internal/sched"
	"github.com/deltaos/kernel/internal/stat"
	"github.com/deltaos/kernel/internal/thread"
	"github.com/deltaos/kernel/internal/vmm"
	"github.com/deltaos/kernel/internal/vmo"
)

// Num identifies a syscall. Values are stable within a build but, per
// spec.md, are not part of the contract ("names, not numbers").
type Num int

const (
	SysExit Num = iota
	SysGetpid
	SysYield
	SysDebugWrite
	SysGetObj
	SysHandleRead
	SysHandleWrite
	SysHandleSeek
	SysHandleClose
	SysHandleDuplicate
	SysChannelCreate
	SysChannelSend
	SysChannelRecv
	SysChannelTryRecv
	SysChannelRecvWithHandles
	SysVmoCreate
	SysVmoRead
	SysVmoWrite
	SysVmoMap
	SysVmoUnmap
	SysVmoResize
	SysNsRegister
	SysStat
	SysFstat
	SysReaddir
	SysChdir
	SysGetcwd
	SysSpawn
	SysWait
	SysProcessCreate
	SysHandleGrant
	SysProcessStart
	SysObjectGetInfo
)

// Seek modes for handle_seek, mirroring lseek's SEEK_SET/CUR/END.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// maxPathLen bounds path and string arguments — the per-byte
// length-bounded string read spec.md asks for collapses, in a core with
// no raw user pointers, to this single length check.
const maxPathLen = 255

// maxMessageSize bounds a single channel message's data payload.
const maxMessageSize = 4096

// defaultVmoRights is granted to the handle vmo_create hands back: full
// local control short of
// rights a creator has no reason to need (SIGNAL, WAIT apply to
// processes and threads, not VMOs).
const defaultVmoRights = defs.R_READ | defs.R_WRITE | defs.R_MAP | defs.R_DUPLICATE | defs.R_GET_INFO

// defaultChannelRights is granted to each endpoint handle channel_create
// hands back.
const defaultChannelRights = defs.R_READ | defs.R_WRITE | defs.R_TRANSFER | defs.R_DUPLICATE | defs.R_GET_INFO | defs.R_WAIT

// mmapBase is where vmo_map places a mapping when given no address
// hint — chosen well clear of the fixed stack range internal/loader
// uses and of the low addresses a freshly linked ELF typically loads at.
const mmapBase vmm.VirtAddr = 0x0000300000000000

// Args bundles every value a syscall might need. Only the fields a
// given Num's handler reads are meaningful; the rest are ignored.
type Args struct {
	A1, A2, A3, A4, A5, A6 int64

	Path   string
	Buf    []byte
	Argv   []string
	Rights uint
	Mode   int
	Offset int64

	HandleRefs []ipc.HandleRef
	SendMode   ipc.RollbackMode

	DirIndex int
}

// Result carries the values a syscall hands back beyond its single
// integer return — the second endpoint from channel_create, the sender
// pid and handles from a channel_recv_with_handles, directory entries
// from readdir. A real ABI would write these through user pointers the
// caller supplied; here they come back directly.
type Result struct {
	Handles   []int
	SenderPid defs.Pid_t
	Entries   []kobj.DirEntry
	NextIndex int
}

// Table_t holds everything syscall dispatch needs to reach the rest of
// the kernel core: physical memory, the kernel half of every pagemap,
// the scheduler, the root namespace, and the architecture hook spawn
// uses to enter user mode for the first time.
type Table_t struct {
	Pmm           *mem.Pmm_t
	KernelPagemap *vmm.Pagemap_t
	Sched         *sched.Sched_t
	NS            *ns.Namespace_t
	Tr            arch.Transition

	mu       sync.Mutex
	mmapNext map[defs.Pid_t]vmm.VirtAddr
}

// New constructs a dispatch table bound to one running kernel's state.
func New(pmm *mem.Pmm_t, kernelPagemap *vmm.Pagemap_t, s *sched.Sched_t, namespace *ns.Namespace_t, tr arch.Transition) *Table_t {
	return &Table_t{
		Pmm:           pmm,
		KernelPagemap: kernelPagemap,
		Sched:         s,
		NS:            namespace,
		Tr:            tr,
		mmapNext:      make(map[defs.Pid_t]vmm.VirtAddr),
	}
}

// current resolves the calling process and thread from cpuID's per-CPU
// pointer — the scheduler's notion of "the thread dispatched here right
// now" stands in for the architecture's per-CPU current-thread register.
func (t *Table_t) current(cpuID int) (*proc.Process_t, *thread.Thread_t, defs.Err_t) {
	th := t.Sched.Current(cpuID)
	if th == nil || th.Proc == nil {
		return nil, nil, defs.EBADST
	}
	return th.Proc, th, 0
}

func validatePath(s string) defs.Err_t {
	if len(s) == 0 || len(s) > maxPathLen {
		return defs.ENAMETOOLONG
	}
	return 0
}

func validateMessage(data []byte) defs.Err_t {
	if len(data) > maxMessageSize {
		return defs.EINVAL
	}
	return 0
}

// Dispatch routes num to its handler and returns the primary integer
// result per spec.md's ABI (negative on failure), plus any secondary
// values the call produced.
func (t *Table_t) Dispatch(cpuID int, num Num, a Args) (int64, Result) {
	switch num {
	case SysExit:
		return t.sysExit(cpuID, int(a.A1)), Result{}
	case SysGetpid:
		return t.sysGetpid(cpuID), Result{}
	case SysYield:
		return t.sysYield(cpuID), Result{}
	case SysDebugWrite:
		return t.sysDebugWrite(a.Buf), Result{}
	case SysGetObj:
		return t.sysGetObj(cpuID, int(a.A1), a.Path, a.Rights), Result{}
	case SysHandleRead:
		return t.sysHandleRead(cpuID, int(a.A1), a.Buf), Result{}
	case SysHandleWrite:
		return t.sysHandleWrite(cpuID, int(a.A1), a.Buf), Result{}
	case SysHandleSeek:
		return t.sysHandleSeek(cpuID, int(a.A1), a.Offset, a.Mode), Result{}
	case SysHandleClose:
		return t.sysHandleClose(cpuID, int(a.A1)), Result{}
	case SysHandleDuplicate:
		return t.sysHandleDuplicate(cpuID, int(a.A1), a.Rights), Result{}
	case SysChannelCreate:
		return t.sysChannelCreate(cpuID)
	case SysChannelSend:
		return t.sysChannelSend(cpuID, int(a.A1), a.Buf, a.HandleRefs, a.SendMode), Result{}
	case SysChannelRecv:
		return t.sysChannelRecv(cpuID, int(a.A1), a.Buf)
	case SysChannelTryRecv:
		return t.sysChannelTryRecv(cpuID, int(a.A1), a.Buf)
	case SysChannelRecvWithHandles:
		return t.sysChannelRecvWithHandles(cpuID, int(a.A1), a.Buf)
	case SysVmoCreate:
		return t.sysVmoCreate(cpuID, a.A1, uint32(a.A2)), Result{}
	case SysVmoRead:
		return t.sysVmoRead(cpuID, int(a.A1), a.Buf, a.Offset), Result{}
	case SysVmoWrite:
		return t.sysVmoWrite(cpuID, int(a.A1), a.Buf, a.Offset), Result{}
	case SysVmoMap:
		return t.sysVmoMap(cpuID, int(a.A1), uint64(a.A2), a.Offset, a.A3, uint(a.A4)), Result{}
	case SysVmoUnmap:
		return t.sysVmoUnmap(cpuID, uint64(a.A1)), Result{}
	case SysVmoResize:
		return t.sysVmoResize(cpuID, int(a.A1), a.A2), Result{}
	case SysNsRegister:
		return t.sysNsRegister(cpuID, a.Path, int(a.A1)), Result{}
	case SysStat:
		return t.sysStat(a.Path, a.Buf), Result{}
	case SysFstat:
		return t.sysFstat(cpuID, int(a.A1), a.Buf), Result{}
	case SysReaddir:
		return t.sysReaddir(cpuID, int(a.A1), a.DirIndex)
	case SysChdir:
		return t.sysChdir(cpuID, a.Path), Result{}
	case SysGetcwd:
		return t.sysGetcwd(cpuID, a.Buf), Result{}
	case SysSpawn:
		return t.sysSpawn(cpuID, a.Path, a.Argv), Result{}
	case SysWait:
		return t.sysWait(defs.Pid_t(a.A1)), Result{}
	case SysProcessCreate:
		return t.sysProcessCreate(cpuID), Result{}
	case SysHandleGrant:
		return t.sysHandleGrant(cpuID, int(a.A1), int(a.A2), a.Rights), Result{}
	case SysProcessStart:
		return t.sysProcessStart(cpuID, int(a.A1), uint64(a.A2), uint64(a.A3)), Result{}
	case SysObjectGetInfo:
		return t.sysObjectGetInfo(cpuID, int(a.A1), uint(a.A2), a.Buf), Result{}
	default:
		return int64(defs.ENOSYS), Result{}
	}
}

func (t *Table_t) sysExit(cpuID int, status int) int64 {
	p, self, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	p.Exit(status)
	self.Exit(status) // never returns: parks this goroutine for good
	return 0
}

func (t *Table_t) sysGetpid(cpuID int) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	return int64(p.Pid)
}

func (t *Table_t) sysYield(cpuID int) int64 {
	_, self, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	self.Yield()
	return 0
}

// sysDebugWrite mirrors the original's byte-at-a-time serial write: a
// raw, unformatted passthrough rather than a structured log record.
func (t *Table_t) sysDebugWrite(buf []byte) int64 {
	if buf == nil {
		return int64(defs.EINVAL)
	}
	klog.L().Named("debug").Info(string(buf))
	return int64(len(buf))
}

func (t *Table_t) sysGetObj(cpuID int, parentHandle int, path string, rights uint) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	if verr := validatePath(path); verr != 0 {
		return int64(verr)
	}

	var obj *kobj.Object_t
	if parentHandle < 0 {
		obj = t.NS.Lookup(path)
		if obj == nil {
			return int64(defs.ENOENT)
		}
	} else {
		ent, gerr := p.Handles.Get(parentHandle)
		if gerr != 0 {
			return int64(gerr)
		}
		if rerr := handle.Require(ent, defs.R_READ); rerr != 0 {
			return int64(rerr)
		}
		child, lerr := ent.Obj.Ops().Lookup(path)
		if lerr != 0 {
			return int64(lerr)
		}
		obj = child
	}

	h := p.Handles.Grant(obj, rights)
	obj.Deref() // Grant took its own reference; release the lookup's
	return int64(h)
}

func (t *Table_t) sysHandleRead(cpuID int, h int, buf []byte) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_READ); rerr != 0 {
		return int64(rerr)
	}
	n, rerr := ent.Obj.Ops().Read(buf, ent.Offset)
	if rerr != 0 {
		return int64(rerr)
	}
	p.Handles.SetOffset(h, ent.Offset+int64(n))
	return int64(n)
}

func (t *Table_t) sysHandleWrite(cpuID int, h int, buf []byte) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_WRITE); rerr != 0 {
		return int64(rerr)
	}
	n, werr := ent.Obj.Ops().Write(buf, ent.Offset)
	if werr != 0 {
		return int64(werr)
	}
	p.Handles.SetOffset(h, ent.Offset+int64(n))
	return int64(n)
}

func (t *Table_t) sysHandleSeek(cpuID int, h int, offset int64, mode int) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}

	var newOff int64
	switch mode {
	case SeekSet:
		newOff = offset
	case SeekCur:
		newOff = ent.Offset + offset
	case SeekEnd:
		var st stat.Stat_t
		if serr := ent.Obj.Ops().Stat(&st); serr != 0 {
			return int64(serr)
		}
		newOff = int64(st.Size()) + offset
	default:
		return int64(defs.EINVAL)
	}
	if newOff < 0 {
		return int64(defs.EINVAL)
	}
	if serr := p.Handles.SetOffset(h, newOff); serr != 0 {
		return int64(serr)
	}
	return newOff
}

func (t *Table_t) sysHandleClose(cpuID int, h int) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	return int64(p.Handles.Close(h))
}

func (t *Table_t) sysHandleDuplicate(cpuID int, h int, rights uint) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	newH, derr := p.Handles.Duplicate(h, rights)
	if derr != 0 {
		return int64(derr)
	}
	return int64(newH)
}

func (t *Table_t) sysChannelCreate(cpuID int) (int64, Result) {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err), Result{}
	}
	a, b := ipc.NewPair(0)
	h0 := p.Handles.Grant(a.Obj, defaultChannelRights)
	h1 := p.Handles.Grant(b.Obj, defaultChannelRights)
	return 0, Result{Handles: []int{h0, h1}}
}

func (t *Table_t) sysChannelSend(cpuID int, h int, data []byte, refs []ipc.HandleRef, mode ipc.RollbackMode) int64 {
	p, self, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	if verr := validateMessage(data); verr != 0 {
		return int64(verr)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_WRITE); rerr != 0 {
		return int64(rerr)
	}
	ep, ok := ipc.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}
	return int64(ep.Send(self, t.Sched, cpuID, data, p.Handles, refs, mode))
}

func (t *Table_t) sysChannelRecv(cpuID int, h int, buf []byte) (int64, Result) {
	p, self, err := t.current(cpuID)
	if err != 0 {
		return int64(err), Result{}
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr), Result{}
	}
	if rerr := handle.Require(ent, defs.R_READ); rerr != 0 {
		return int64(rerr), Result{}
	}
	ep, ok := ipc.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL), Result{}
	}
	msg, rerr := ep.Recv(self, t.Sched, cpuID)
	if rerr != 0 {
		return int64(rerr), Result{}
	}
	discardHandles(msg)
	n := copy(buf, msg.Data)
	return int64(n), Result{SenderPid: msg.SenderPid}
}

func (t *Table_t) sysChannelTryRecv(cpuID int, h int, buf []byte) (int64, Result) {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err), Result{}
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr), Result{}
	}
	if rerr := handle.Require(ent, defs.R_READ); rerr != 0 {
		return int64(rerr), Result{}
	}
	ep, ok := ipc.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL), Result{}
	}
	msg, rerr := ep.TryRecv(t.Sched, cpuID)
	if rerr != 0 {
		return int64(rerr), Result{}
	}
	discardHandles(msg)
	n := copy(buf, msg.Data)
	return int64(n), Result{SenderPid: msg.SenderPid}
}

func (t *Table_t) sysChannelRecvWithHandles(cpuID int, h int, buf []byte) (int64, Result) {
	p, self, err := t.current(cpuID)
	if err != 0 {
		return int64(err), Result{}
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr), Result{}
	}
	if rerr := handle.Require(ent, defs.R_READ); rerr != 0 {
		return int64(rerr), Result{}
	}
	ep, ok := ipc.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL), Result{}
	}
	msg, rerr := ep.Recv(self, t.Sched, cpuID)
	if rerr != 0 {
		return int64(rerr), Result{}
	}
	ids := ipc.InstallHandles(p.Handles, msg)
	n := copy(buf, msg.Data)
	return int64(n), Result{SenderPid: msg.SenderPid, Handles: ids}
}

// discardHandles drops the reference each handle carried by msg owns,
// for the plain recv that ignores any handles transferred alongside it.
func discardHandles(msg ipc.Message_t) {
	for _, e := range msg.Handles {
		e.Obj.Deref()
	}
}

func (t *Table_t) sysVmoCreate(cpuID int, size int64, flags uint32) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	v, verr := vmo.Create(t.Pmm, size, vmo.Flags(flags))
	if verr != 0 {
		return int64(verr)
	}
	return int64(p.Handles.Grant(v.Obj, defaultVmoRights))
}

func (t *Table_t) sysVmoRead(cpuID int, h int, buf []byte, offset int64) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_READ); rerr != 0 {
		return int64(rerr)
	}
	v, ok := vmo.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}
	n, rerr := v.Read(buf, offset)
	if rerr != 0 {
		return int64(rerr)
	}
	return int64(n)
}

func (t *Table_t) sysVmoWrite(cpuID int, h int, buf []byte, offset int64) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_WRITE); rerr != 0 {
		return int64(rerr)
	}
	v, ok := vmo.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}
	n, werr := v.Write(buf, offset)
	if werr != 0 {
		return int64(werr)
	}
	return int64(n)
}

// sysVmoMap translates the original's read/write/execute intent bits
// (1/2/4) into both the rights this handle must hold and the page-table
// flags the mapping installs.
func (t *Table_t) sysVmoMap(cpuID int, h int, vaddrHint uint64, offset, length int64, flags uint) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}

	perms := vmm.User | vmm.Present
	want := uint(defs.R_MAP)
	if flags&1 != 0 {
		want |= defs.R_READ
	}
	if flags&2 != 0 {
		perms |= vmm.Write
		want |= defs.R_WRITE
	}
	if flags&4 != 0 {
		perms |= vmm.Execute
		want |= defs.R_EXECUTE
	}
	if rerr := handle.Require(ent, want); rerr != 0 {
		return int64(rerr)
	}

	v, ok := vmo.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}

	va := vmm.VirtAddr(vaddrHint)
	if va == 0 {
		va = t.allocMmapVA(p.Pid, length)
	}
	if merr := p.MapVmo(va, v, offset, length, perms); merr != 0 {
		return int64(merr)
	}
	return int64(va)
}

// allocMmapVA hands out the next page-aligned range of at least length
// bytes in pid's mmap region, bumping a per-process cursor — the
// "anywhere" placement spec.md allows when no address hint is given.
func (t *Table_t) allocMmapVA(pid defs.Pid_t, length int64) vmm.VirtAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, ok := t.mmapNext[pid]
	if !ok {
		next = mmapBase
	}
	span := (length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	t.mmapNext[pid] = next + vmm.VirtAddr(span)
	return next
}

func (t *Table_t) sysVmoUnmap(cpuID int, vaddr uint64) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	return int64(p.UnmapVma(vmm.VirtAddr(vaddr)))
}

func (t *Table_t) sysVmoResize(cpuID int, h int, newSize int64) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_WRITE); rerr != 0 {
		return int64(rerr)
	}
	v, ok := vmo.FromObject(ent.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}
	return int64(v.Resize(newSize))
}

func (t *Table_t) sysNsRegister(cpuID int, path string, h int) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	if verr := validatePath(path); verr != 0 {
		return int64(verr)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	return int64(t.NS.Register(path, ent.Obj))
}

func (t *Table_t) sysStat(path string, buf []byte) int64 {
	if verr := validatePath(path); verr != 0 {
		return int64(verr)
	}
	obj := t.NS.Lookup(path)
	if obj == nil {
		return int64(defs.ENOENT)
	}
	defer obj.Deref()
	var st stat.Stat_t
	if serr := obj.Ops().Stat(&st); serr != 0 {
		return int64(serr)
	}
	n := copy(buf, st.Bytes())
	return int64(n)
}

func (t *Table_t) sysFstat(cpuID int, h int, buf []byte) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	var st stat.Stat_t
	if serr := ent.Obj.Ops().Stat(&st); serr != 0 {
		return int64(serr)
	}
	n := copy(buf, st.Bytes())
	return int64(n)
}

func (t *Table_t) sysReaddir(cpuID int, h int, index int) (int64, Result) {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err), Result{}
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr), Result{}
	}
	entries := make([]kobj.DirEntry, 64)
	idx := index
	n, rerr := ent.Obj.Ops().Readdir(entries, &idx)
	if rerr != 0 {
		return int64(rerr), Result{}
	}
	return int64(n), Result{Entries: entries[:n], NextIndex: idx}
}

func (t *Table_t) sysChdir(cpuID int, path string) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	if verr := validatePath(path); verr != 0 {
		return int64(verr)
	}
	obj := t.NS.Lookup(path)
	if obj == nil {
		return int64(defs.ENOENT)
	}
	obj.Deref()
	p.SetCwd(path)
	return 0
}

func (t *Table_t) sysGetcwd(cpuID int, buf []byte) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	n := copy(buf, p.Cwd())
	return int64(n)
}

// sysSpawn opens path through the namespace's $files root, reads its
// bytes through the object's Read op, and hands them to internal/loader.
func (t *Table_t) sysSpawn(cpuID int, path string, argv []string) int64 {
	if verr := validatePath(path); verr != 0 {
		return int64(verr)
	}
	obj := t.NS.Lookup("$files/" + path)
	if obj == nil {
		return int64(defs.ENOENT)
	}
	defer obj.Deref()

	data, rerr := readAll(obj)
	if rerr != 0 {
		return int64(rerr)
	}

	var seed [16]byte
	_, _ = rand.Read(seed[:])

	res, err := loader.Spawn(t.Pmm, t.KernelPagemap, t.Sched, cpuID, t.Tr, argv, seed, data)
	if err != nil {
		return int64(defs.EINVAL)
	}
	return int64(res.Pid)
}

// readAll pulls an object's full contents through its Read op, bounded
// by the same spawn-file-size limit internal/loader enforces.
func readAll(obj *kobj.Object_t) ([]byte, defs.Err_t) {
	var out []byte
	chunk := make([]byte, 4096)
	var off int64
	for {
		n, err := obj.Ops().Read(chunk, off)
		if err != 0 {
			return nil, err
		}
		if n == 0 {
			break
		}
		out = append(out, chunk[:n]...)
		off += int64(n)
		if int64(len(out)) > loader.MaxSpawnFileSize {
			return nil, defs.EINVAL
		}
	}
	return out, 0
}

func (t *Table_t) sysWait(pid defs.Pid_t) int64 {
	child, ok := proc.Lookup(pid)
	if !ok {
		return int64(defs.ENOENT)
	}
	return int64(child.Wait())
}

// sysProcessCreate makes a suspended child process and hands the caller
// a PROCESS handle to it — the first of the three-call spawn
// alternative (process_create / handle_grant / process_start) that lets
// userspace build the child's address space by hand before starting it.
func (t *Table_t) sysProcessCreate(cpuID int) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	pid := proc.AllocPid()
	child := proc.New(pid, t.KernelPagemap, t.Pmm)
	return int64(p.Handles.Grant(child.Obj, defs.R_ALL))
}

// sysHandleGrant duplicates srcHandle (rights narrowed to the
// intersection with the request) and installs the duplicate directly
// into the process held by procHandle — an explicit copy, not a MOVE,
// since the parent keeps its own copy of srcHandle.
func (t *Table_t) sysHandleGrant(cpuID int, procHandle int, srcHandle int, rights uint) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	centry, cerr := p.Handles.Get(procHandle)
	if cerr != 0 {
		return int64(cerr)
	}
	if centry.Obj.Typ != kobj.PROCESS {
		return int64(defs.EINVAL)
	}
	child, ok := proc.FromObject(centry.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}
	sentry, serr := p.Handles.Get(srcHandle)
	if serr != 0 {
		return int64(serr)
	}
	if rerr := handle.Require(sentry, defs.R_DUPLICATE); rerr != 0 {
		return int64(rerr)
	}
	granted := rights & sentry.Rights
	return int64(child.Handles.Grant(sentry.Obj, granted))
}

// sysProcessStart creates and enqueues the first thread of the process
// held by procHandle at the given entry and stack pointer, completing
// the three-call spawn alternative.
func (t *Table_t) sysProcessStart(cpuID int, procHandle int, entry, sp uint64) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	centry, cerr := p.Handles.Get(procHandle)
	if cerr != 0 {
		return int64(cerr)
	}
	if centry.Obj.Typ != kobj.PROCESS {
		return int64(defs.EINVAL)
	}
	child, ok := proc.FromObject(centry.Obj)
	if !ok {
		return int64(defs.EINVAL)
	}

	tid := thread.AllocTid()
	ue := arch.UserEntry{Entry: entry, StackPtr: sp}
	th := thread.New(tid, child, func(self *thread.Thread_t) {
		t.Tr.Enter(ue, func() {})
		self.Exit(0)
	})
	t.Sched.Enqueue(cpuID, th)
	return int64(tid)
}

func (t *Table_t) sysObjectGetInfo(cpuID int, h int, topic uint, buf []byte) int64 {
	p, _, err := t.current(cpuID)
	if err != 0 {
		return int64(err)
	}
	ent, gerr := p.Handles.Get(h)
	if gerr != 0 {
		return int64(gerr)
	}
	if rerr := handle.Require(ent, defs.R_GET_INFO); rerr != 0 {
		return int64(rerr)
	}
	n, gierr := ent.Obj.Ops().GetInfo(topic, buf)
	if gierr != 0 {
		return int64(gierr)
	}
	return int64(n)
}

