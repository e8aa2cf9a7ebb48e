// Package thread implements the kernel thread: a unit of execution
// scheduled independently of its process. Since this module runs atop a
// stock Go toolchain rather than a patched one, a thread's "context
// switch" is not a register-save/restore — it's a goroutine parked on a
// channel, handed control by the scheduler and handing it back on yield,
// block, or exit (spec.md §4.8).
package thread

import (
	"sync/atomic"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/proc"
)

// State is a thread's scheduling state.
type State int32

const (
	Runnable State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

var nextTid int64

// AllocTid returns the next unused thread id.
func AllocTid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt64(&nextTid, 1))
}

// Thread_t is one schedulable unit. Entry runs on its own goroutine,
// which blocks on toThread until the scheduler dispatches it and reports
// back on toSched the moment it yields, blocks, or returns.
type Thread_t struct {
	Tid  defs.Tid_t
	Proc *proc.Process_t

	state int32 // atomic State

	toThread chan struct{}
	toSched  chan struct{}
	doneCh   chan struct{}
	exitCode int
}

// New constructs a thread bound to proc running entry, parked waiting
// for its first Dispatch. entry receives the thread so it can call Yield
// or Exit on itself.
func New(tid defs.Tid_t, p *proc.Process_t, entry func(*Thread_t)) *Thread_t {
	t := &Thread_t{
		Tid:      tid,
		Proc:     p,
		toThread: make(chan struct{}),
		toSched:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	atomic.StoreInt32(&t.state, int32(Runnable))
	go func() {
		<-t.toThread
		entry(t)
		t.exit(0)
	}()
	return t
}

// State reports the thread's current scheduling state.
func (t *Thread_t) State() State {
	return State(atomic.LoadInt32(&t.state))
}

// Dispatch marks the thread Running, hands control to it, and blocks
// until it yields, blocks, or exits — the scheduler's equivalent of a
// context switch in.
func (t *Thread_t) Dispatch() {
	atomic.StoreInt32(&t.state, int32(Running))
	t.toThread <- struct{}{}
	<-t.toSched
}

// Yield hands control back to the scheduler cooperatively, becoming
// Runnable again once redispatched. Called from inside entry.
func (t *Thread_t) Yield() {
	atomic.StoreInt32(&t.state, int32(Runnable))
	t.toSched <- struct{}{}
	<-t.toThread
}

// Block marks the thread Blocked and hands control back to the
// scheduler; it does not resume until some other thread calls Dispatch
// on it again (typically via a wait queue wakeup in internal/sched).
func (t *Thread_t) Block() {
	atomic.StoreInt32(&t.state, int32(Blocked))
	t.toSched <- struct{}{}
	<-t.toThread
}

// exit marks the thread Dead, records its exit code, and hands control
// back to the scheduler one last time; the goroutine backing it
// terminates right after toSched is sent.
func (t *Thread_t) exit(code int) {
	t.exitCode = code
	atomic.StoreInt32(&t.state, int32(Dead))
	close(t.doneCh)
	t.toSched <- struct{}{}
}

// Exit is the public equivalent, callable from inside entry to end the
// thread early (instead of simply returning).
func (t *Thread_t) Exit(code int) {
	t.exitCode = code
	atomic.StoreInt32(&t.state, int32(Dead))
	close(t.doneCh)
	t.toSched <- struct{}{}
	<-t.toThread // never resumed; the goroutine stays parked here for good
}

// Done reports whether this thread has exited.
func (t *Thread_t) Done() <-chan struct{} {
	return t.doneCh
}

// ExitCode returns the thread's exit code; only meaningful after Done is
// closed.
func (t *Thread_t) ExitCode() int {
	return t.exitCode
}
