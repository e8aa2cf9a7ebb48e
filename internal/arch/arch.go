// Package arch names the boundary between this kernel core and anything
// that must touch real hardware: page-table format, APIC/IPI delivery,
// the syscall entry trampoline, and the privilege-level switch on a
// first user-mode schedule. None of that is implementable without a
// real CPU, so this package is interfaces plus one in-process stub used
// by tests and the simulated boot path — never a real MMU driver.
package arch

import "context"

// MMU is the address-translation backend internal/vmm would drive on
// real hardware. vmm.Pagemap_t already does its own page-table-tree
// bookkeeping in Go memory; a real target only needs to additionally
// program the hardware walker and invalidate stale translations, which
// is what this interface covers.
type MMU interface {
	// InstallRoot points the current CPU's translation root at the given
	// physical frame (CR3 on x86_64, TTBR0 elsewhere).
	InstallRoot(root uint64) error
	// FlushTLB invalidates cached translations covering
	// [virt, virt+length) on the calling CPU.
	FlushTLB(virt uint64, length uint64)
}

// IPISender delivers an inter-processor interrupt so a CPU that just
// placed a thread on a remote CPU's ready queue can have that CPU
// reschedule without waiting for its next timer tick.
type IPISender interface {
	SendIPI(cpuID int) error
}

// HaltLoop parks the calling CPU in an IRQ-disabled halt loop — what an
// idle thread and the panic path both ultimately want, the one
// difference being whether interrupts are later re-enabled.
type HaltLoop interface {
	Halt(ctx context.Context)
}

// UserEntry describes the privilege-level switch a thread's first
// dispatch onto hardware performs: load the given register state at the
// given privilege level and instruction pointer, then return from an
// exception frame into user mode. This core models "running" user code
// as ordinary goroutine execution (see internal/thread), so UserEntry
// exists only to document the contract a real exception-return trampoline
// must satisfy — entry, stack pointer, and one argument register value.
type UserEntry struct {
	Entry       uint64
	StackPtr    uint64
	Arg0        uint64
}

// Transition is the hook a real kernel calls once per thread to perform
// the kernel-to-user switch. The stub below runs the callback directly
// instead of touching privilege-level registers.
type Transition interface {
	Enter(u UserEntry, run func()) error
}

// Stub is the one concrete, in-process implementation of every
// interface above — good enough to drive the rest of the kernel core
// through its paces without real hardware underneath. Its MMU map and
// halt loop are intentionally independent of internal/vmm.Pagemap_t
// (which does its own Go-side page-table bookkeeping); Stub exists to
// exercise the arch boundary itself, not to duplicate vmm.
type Stub struct {
	ipiCount map[int]int
}

// NewStub constructs a Stub.
func NewStub() *Stub {
	return &Stub{ipiCount: make(map[int]int)}
}

func (s *Stub) InstallRoot(root uint64) error { return nil }

func (s *Stub) FlushTLB(virt uint64, length uint64) {}

func (s *Stub) SendIPI(cpuID int) error {
	s.ipiCount[cpuID]++
	return nil
}

// IPICount reports how many IPIs have been sent to cpuID, for tests.
func (s *Stub) IPICount(cpuID int) int {
	return s.ipiCount[cpuID]
}

func (s *Stub) Halt(ctx context.Context) {
	<-ctx.Done()
}

func (s *Stub) Enter(u UserEntry, run func()) error {
	run()
	return nil
}
