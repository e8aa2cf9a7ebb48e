// Package ipc implements channel IPC: a pair of connected endpoints,
// each a bounded FIFO of messages, with handle-move semantics on any
// capability carried in a message (spec.md §4.10).
package ipc

import (
	"sync"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/handle"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/sched"
	"github.com/deltaos/kernel/internal/thread"
)

// RollbackMode selects how a multi-handle Send behaves when a handle
// partway through the list fails validation.
type RollbackMode int

const (
	// ModeDestructive takes each handle as it's validated; a later
	// failure leaves earlier handles already moved out of the sender's
	// table — consumed, not returned. This is the default: it matches
	// a single-pass move with no transactional bookkeeping, the
	// cheapest implementation and the one spec.md's base text assumes.
	ModeDestructive RollbackMode = iota
	// ModeCopyCommit validates every handle up front and only takes any
	// of them once all have passed, so a failure leaves the sender's
	// table untouched. Opt in per-send when an API needs all-or-nothing
	// semantics.
	ModeCopyCommit
)

// Message_t is one queued message: a data payload plus any handles
// moved along with it, already detached from the sender's table.
type Message_t struct {
	Data      []byte
	Handles   []handle.Entry_t
	SenderPid defs.Pid_t
}

const defaultCapacity = 16

// chanState is the state shared by both endpoints of a pair — one FIFO
// and one pair of wait queues per direction. Both Endpoint_t values
// point at the same chanState, so there is exactly one lock per channel
// and no cross-endpoint lock ordering to get wrong.
type chanState struct {
	mu       sync.Mutex
	capacity int

	// a2b holds messages sent by endpoint a, waiting for b to Recv;
	// b2a is the reverse direction.
	a2b, b2a []Message_t

	aClosed, bClosed bool

	// recvOnA/recvOnB hold threads blocked in Recv on that endpoint;
	// sendOnA/sendOnB hold threads blocked in Send on that endpoint
	// waiting for room in the *other* direction's queue.
	recvOnA, recvOnB sched.WaitQ_t
	sendOnA, sendOnB sched.WaitQ_t
}

// Endpoint_t is one side of a channel.
type Endpoint_t struct {
	Obj   *kobj.Object_t
	state *chanState
	isA   bool
}

// NewPair constructs two connected endpoints sharing a bounded capacity
// in each direction.
func NewPair(capacity int) (*Endpoint_t, *Endpoint_t) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	st := &chanState{capacity: capacity}
	a := &Endpoint_t{state: st, isA: true}
	b := &Endpoint_t{state: st, isA: false}
	a.Obj = kobj.New(kobj.CHANNEL, &endpointOps{e: a})
	b.Obj = kobj.New(kobj.CHANNEL, &endpointOps{e: b})
	return a, b
}

// HandleRef describes one capability the caller wants transferred,
// identified by its handle id in the sender's table and the rights mask
// it must already hold (R_TRANSFER at minimum).
type HandleRef struct {
	Handle int
	Want   uint
}

// outQueue and recvWait return the queue a Send on e delivers into and
// the wait queue threads blocked in Recv on e sleep on, respectively.
func (e *Endpoint_t) outQueue() *[]Message_t {
	if e.isA {
		return &e.state.a2b
	}
	return &e.state.b2a
}

func (e *Endpoint_t) inQueue() *[]Message_t {
	if e.isA {
		return &e.state.b2a
	}
	return &e.state.a2b
}

func (e *Endpoint_t) selfClosed() *bool {
	if e.isA {
		return &e.state.aClosed
	}
	return &e.state.bClosed
}

func (e *Endpoint_t) peerClosed() *bool {
	if e.isA {
		return &e.state.bClosed
	}
	return &e.state.aClosed
}

func (e *Endpoint_t) recvWait() *sched.WaitQ_t {
	if e.isA {
		return &e.state.recvOnA
	}
	return &e.state.recvOnB
}

func (e *Endpoint_t) sendWait() *sched.WaitQ_t {
	if e.isA {
		return &e.state.sendOnA
	}
	return &e.state.sendOnB
}

// peerRecvWait is the wait queue a Send on e must wake: threads blocked
// in Recv on the OTHER endpoint, since that's who dequeues e's output.
func (e *Endpoint_t) peerRecvWait() *sched.WaitQ_t {
	if e.isA {
		return &e.state.recvOnB
	}
	return &e.state.recvOnA
}

// peerSendWait is the wait queue a Recv on e must wake: threads blocked
// in Send on the OTHER endpoint, waiting for room in e's input queue.
func (e *Endpoint_t) peerSendWait() *sched.WaitQ_t {
	if e.isA {
		return &e.state.sendOnB
	}
	return &e.state.sendOnA
}

// Send moves data and the handles named by refs from src into a message
// queued for the peer to Recv, blocking self while that queue is full.
// It fails with EPIPE once either side has closed.
func (e *Endpoint_t) Send(self *thread.Thread_t, s *sched.Sched_t, cpuID int,
	data []byte, src *handle.Table_t, refs []HandleRef, mode RollbackMode) defs.Err_t {

	st := e.state
	for {
		st.mu.Lock()
		if *e.selfClosed() || *e.peerClosed() {
			st.mu.Unlock()
			return defs.EPIPE
		}
		if len(*e.outQueue()) < st.capacity {
			break
		}
		st.mu.Unlock()
		e.sendWait().Sleep(self)
	}
	defer st.mu.Unlock()

	moved, err := takeHandles(src, refs, mode)
	if err != 0 {
		return err
	}

	var sender defs.Pid_t
	if self != nil && self.Proc != nil {
		sender = self.Proc.Pid
	}
	q := e.outQueue()
	*q = append(*q, Message_t{Data: data, Handles: moved, SenderPid: sender})
	e.peerRecvWait().WakeOne(s, cpuID)
	return 0
}

func takeHandles(src *handle.Table_t, refs []HandleRef, mode RollbackMode) ([]handle.Entry_t, defs.Err_t) {
	if len(refs) == 0 {
		return nil, 0
	}
	if mode == ModeCopyCommit {
		for _, r := range refs {
			ent, err := src.Get(r.Handle)
			if err != 0 {
				return nil, err
			}
			if err := handle.Require(ent, r.Want); err != 0 {
				return nil, err
			}
		}
	}
	moved := make([]handle.Entry_t, 0, len(refs))
	for _, r := range refs {
		ent, err := src.Get(r.Handle)
		if err != 0 {
			return moved, err
		}
		if err := handle.Require(ent, r.Want); err != 0 {
			return moved, err
		}
		taken, err := src.Take(r.Handle)
		if err != 0 {
			return moved, err
		}
		moved = append(moved, taken)
	}
	return moved, 0
}

// Recv blocks self while e's input queue is empty, then dequeues the
// oldest message. Handles carried in the message are not yet installed
// in any table — the caller does that via InstallHandles once it knows
// the destination table (usually its own).
func (e *Endpoint_t) Recv(self *thread.Thread_t, s *sched.Sched_t, cpuID int) (Message_t, defs.Err_t) {
	st := e.state
	for {
		st.mu.Lock()
		q := e.inQueue()
		if len(*q) > 0 {
			break
		}
		if *e.peerClosed() {
			st.mu.Unlock()
			return Message_t{}, defs.EPIPE
		}
		st.mu.Unlock()
		e.recvWait().Sleep(self)
	}
	q := e.inQueue()
	msg := (*q)[0]
	*q = (*q)[1:]
	st.mu.Unlock()
	e.peerSendWait().WakeOne(s, cpuID)
	return msg, 0
}

// TryRecv behaves like Recv but never blocks: an empty input queue
// returns EAGAIN immediately instead of sleeping self, for
// channel_try_recv.
func (e *Endpoint_t) TryRecv(s *sched.Sched_t, cpuID int) (Message_t, defs.Err_t) {
	st := e.state
	st.mu.Lock()
	q := e.inQueue()
	if len(*q) == 0 {
		closed := *e.peerClosed()
		st.mu.Unlock()
		if closed {
			return Message_t{}, defs.EPIPE
		}
		return Message_t{}, defs.EAGAIN
	}
	msg := (*q)[0]
	*q = (*q)[1:]
	st.mu.Unlock()
	e.peerSendWait().WakeOne(s, cpuID)
	return msg, 0
}

// FromObject recovers the Endpoint_t backing obj if obj was created by
// NewPair — used by syscall dispatch, which only ever sees a channel
// endpoint through a handle's *kobj.Object_t.
func FromObject(obj *kobj.Object_t) (*Endpoint_t, bool) {
	ops, ok := obj.Ops().(*endpointOps)
	if !ok {
		return nil, false
	}
	return ops.e, true
}

// InstallHandles grants every handle carried by msg into dst, preserving
// the reference each one already owns (see handle.GrantTaken), and
// returns the resulting handle ids in order.
func InstallHandles(dst *handle.Table_t, msg Message_t) []int {
	ids := make([]int, len(msg.Handles))
	for i, ent := range msg.Handles {
		ids[i] = dst.GrantTaken(ent)
	}
	return ids
}

// Close marks e closed, drops any messages still queued for e that were
// never delivered (e was their only remaining owner), and wakes every
// thread blocked on either side so they observe EPIPE.
func (e *Endpoint_t) Close(s *sched.Sched_t, cpuID int) {
	e.close()
	e.recvWait().WakeAll(s, cpuID)
	e.sendWait().WakeAll(s, cpuID)
	e.peerRecvWait().WakeAll(s, cpuID)
	e.peerSendWait().WakeAll(s, cpuID)
}

func (e *Endpoint_t) close() {
	st := e.state
	st.mu.Lock()
	if *e.selfClosed() {
		st.mu.Unlock()
		return
	}
	*e.selfClosed() = true
	q := e.inQueue()
	undelivered := *q
	*q = nil
	st.mu.Unlock()

	for _, msg := range undelivered {
		for _, h := range msg.Handles {
			h.Obj.Deref()
		}
	}
}

// QueueLen reports how many messages are currently queued for e to
// Recv, for tests and INFO_KMEM_STATS-style introspection.
func (e *Endpoint_t) QueueLen() int {
	st := e.state
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(*e.inQueue())
}

type endpointOps struct {
	kobj.NullOps
	e *Endpoint_t
}

func (o *endpointOps) Close() defs.Err_t {
	o.e.close()
	return 0
}
