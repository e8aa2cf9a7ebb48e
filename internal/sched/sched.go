// Package sched implements the per-CPU scheduler: one ready queue and
// idle thread per CPU, cooperative dispatch, wait queues for blocking
// primitives, and SMP bring-up of the remaining CPUs at boot (spec.md
// §4.9).
//
// There is no timer interrupt in this simulation, so preemption is
// modeled cooperatively: a thread's entry function calls Tick
// periodically (the scheduler's stand-in for a timer IRQ reaching a
// running thread), and Tick yields once the current quantum is spent.
// This keeps the same "threads don't control their own suspension"
// contract spec.md asks for, without a real interrupt to drive it.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/klog"
	"github.com/deltaos/kernel/internal/thread"
	"go.uber.org/zap"
)

// quantum is how many Tick calls a thread gets before being preempted.
const quantum = 20

// cpu_t is one CPU's scheduling state: a ready queue, the currently
// running thread, and a dedicated idle thread dispatched when the queue
// is empty.
type cpu_t struct {
	mu      sync.Mutex
	id      int
	ready   []*thread.Thread_t
	current *thread.Thread_t
	idle    *thread.Thread_t
	ticks   int
	started bool
	idleNs  int64
}

// Sched_t owns every CPU's scheduling state.
type Sched_t struct {
	cpus []*cpu_t
}

// New constructs a scheduler for ncpus CPUs, each with its own idle
// thread. Only CPU 0 is marked started; call BringUpAPs to start the
// rest, mirroring the boot processor starting alone and waking the
// application processors afterward.
func New(ncpus int) *Sched_t {
	s := &Sched_t{cpus: make([]*cpu_t, ncpus)}
	for i := range s.cpus {
		c := &cpu_t{id: i}
		c.idle = thread.New(defs.Tid_t(-1-i), nil, func(self *thread.Thread_t) {
			for {
				self.Yield()
			}
		})
		s.cpus[i] = c
	}
	s.cpus[0].started = true
	return s
}

// NCPU reports the number of CPUs this scheduler manages.
func (s *Sched_t) NCPU() int { return len(s.cpus) }

// Enqueue adds t to cpuID's ready queue.
func (s *Sched_t) Enqueue(cpuID int, t *thread.Thread_t) {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, t)
}

// RunOnce dispatches the next runnable thread on cpuID (round-robin,
// falling back to the idle thread when the ready queue is empty) for one
// quantum's worth of ticks, then requeues it if it's still runnable.
// Blocked and dead threads are not requeued — a blocked thread is owned
// by whatever WaitQ_t it slept on, and a dead thread is simply dropped.
func (s *Sched_t) RunOnce(cpuID int) {
	c := s.cpus[cpuID]
	c.mu.Lock()
	var next *thread.Thread_t
	if len(c.ready) > 0 {
		next = c.ready[0]
		c.ready = c.ready[1:]
	} else {
		next = c.idle
	}
	c.current = next
	c.ticks = 0
	wasIdle := next == c.idle
	c.mu.Unlock()

	start := time.Now()
	next.Dispatch()
	elapsed := time.Since(start)

	c.mu.Lock()
	c.current = nil
	if wasIdle {
		c.idleNs += elapsed.Nanoseconds()
	}
	if next != c.idle && next.State() == thread.Runnable {
		c.ready = append(c.ready, next)
	}
	c.mu.Unlock()
}

// IdleNs reports how many nanoseconds cpuID has spent dispatched onto
// its idle thread, accumulated across every RunOnce call — the
// per-CPU idle-time counter SYSTEM_STATS reports.
func (s *Sched_t) IdleNs(cpuID int) int64 {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleNs
}

// Tick is called from inside a running thread's entry function in place
// of a timer IRQ; once quantum ticks have elapsed it yields, giving
// RunOnce's caller a chance to pick something else.
func Tick(s *Sched_t, cpuID int, self *thread.Thread_t) {
	c := s.cpus[cpuID]
	c.mu.Lock()
	c.ticks++
	expired := c.ticks >= quantum
	if expired {
		c.ticks = 0
	}
	c.mu.Unlock()
	if expired {
		self.Yield()
	}
}

// Current returns the thread currently dispatched on cpuID, or nil.
func (s *Sched_t) Current(cpuID int) *thread.Thread_t {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ReadyLen reports cpuID's ready-queue length, for fairness tests and
// INFO_SYSTEM_STATS.
func (s *Sched_t) ReadyLen(cpuID int) int {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

// WaitQ_t is a FIFO of threads blocked on some condition — a channel
// receive, a process exit, a VMO lock. Sleep blocks the calling thread;
// WakeOne and WakeAll move waiters back onto a CPU's ready queue for the
// scheduler to redispatch.
type WaitQ_t struct {
	mu      sync.Mutex
	waiters []*thread.Thread_t
}

// Sleep adds self to the queue and blocks it. Must be called from
// self's own goroutine (i.e. from inside its entry function).
func (w *WaitQ_t) Sleep(self *thread.Thread_t) {
	w.mu.Lock()
	w.waiters = append(w.waiters, self)
	w.mu.Unlock()
	self.Block()
}

// WakeOne moves the single longest-waiting thread back onto cpuID's
// ready queue, returning it (or nil if the queue was empty).
func (w *WaitQ_t) WakeOne(s *Sched_t, cpuID int) *thread.Thread_t {
	w.mu.Lock()
	if len(w.waiters) == 0 {
		w.mu.Unlock()
		return nil
	}
	t := w.waiters[0]
	w.waiters = w.waiters[1:]
	w.mu.Unlock()
	s.Enqueue(cpuID, t)
	return t
}

// WakeAll moves every waiting thread back onto cpuID's ready queue.
func (w *WaitQ_t) WakeAll(s *Sched_t, cpuID int) int {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, t := range waiters {
		s.Enqueue(cpuID, t)
	}
	return len(waiters)
}

// Len reports the number of threads currently waiting.
func (w *WaitQ_t) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

// BringUpAPs starts every CPU past the boot processor. Each AP's start
// is bounded by sem (never more than maxConcurrent in flight at once,
// mirroring the teacher's one-at-a-time INIT/SIPI discipline) and
// confirmed with a short bounded backoff poll of the AP's started flag,
// standing in for the real "spin until the AP writes its ready flag"
// wait spec.md's SMP bring-up describes.
func (s *Sched_t) BringUpAPs(ctx context.Context, maxConcurrent int64) error {
	if len(s.cpus) <= 1 {
		return nil
	}
	sem := semaphore.NewWeighted(maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < len(s.cpus); i++ {
		cpuID := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return s.startAP(gctx, cpuID)
		})
	}
	return g.Wait()
}

func (s *Sched_t) startAP(ctx context.Context, cpuID int) error {
	correlationID := uuid.New()
	log := klog.L().Named("sched").With(zap.Int("cpu", cpuID), zap.String("bringup_id", correlationID.String()))

	c := s.cpus[cpuID]
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	log.Debug("ap start requested")

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		c.mu.Lock()
		ok := c.started
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("sched: cpu %d did not report started", cpuID)
		}
		return nil
	}, b)
	if err == nil {
		log.Debug("ap bring-up confirmed")
	}
	return err
}

// Started reports whether cpuID has completed bring-up.
func (s *Sched_t) Started(cpuID int) bool {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
