// Package loader implements spawn: validating an ELF image, mapping its
// load segments into a fresh process, building the initial user stack,
// and creating the process's first thread (spec.md §4.13).
//
// This core ships no filesystem driver (see spec.md Non-goals), so
// Spawn takes the executable's bytes directly — its caller is whatever
// already read the file through the handle layer.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/ianlancetaylor/demangle"
	"go.uber.org/zap"

	"github.com/deltaos/kernel/internal/arch"
	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/klog"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/proc"
	"github.com/deltaos/kernel/internal/sched"
	"github.com/deltaos/kernel/internal/thread"
	"github.com/deltaos/kernel/internal/vmm"
	"github.com/deltaos/kernel/internal/vmo"
)

// MaxSpawnFileSize bounds the executable image spawn() will load, per
// spec.md §4.11's argument-validation rule ("spawn file size <= 32 MiB").
const MaxSpawnFileSize = 32 << 20

const userStackPages = 2

// userStackTop is the fixed top of user address space this core places
// every process's initial stack below. Architecture-defined canonical
// low half bounds apply (spec.md §4.7); any address comfortably inside
// the x86_64 canonical low range works for a simulation with no real
// page-table walker underneath.
const userStackTop vmm.VirtAddr = 0x00007ffffffff000

const randomSeedLen = 16

// elf64ProgHeaderSize is the on-disk size of one ELF64 program header
// entry — a fixed constant of the format, not something debug/elf
// re-exposes directly.
const elf64ProgHeaderSize = 56

// Result is what Spawn hands back to its caller: the new process's
// identity and the thread enqueued to run it.
type Result struct {
	Pid  defs.Pid_t
	Tid  defs.Tid_t
	Proc *proc.Process_t
	SP   vmm.VirtAddr
}

// Spawn validates data as a 64-bit little-endian x86_64 ELF executable
// or PIE, maps every PT_LOAD segment into a freshly created process,
// lays out the initial stack with argv/envp/auxv, creates the process's
// first thread, and enqueues it on cpuID.
func Spawn(pmm *mem.Pmm_t, kernelPagemap *vmm.Pagemap_t, s *sched.Sched_t, cpuID int,
	tr arch.Transition, argv []string, randomSeed [randomSeedLen]byte, data []byte) (*Result, error) {

	if len(data) > MaxSpawnFileSize {
		return nil, fmt.Errorf("loader: file too large (%d bytes, limit %d)", len(data), MaxSpawnFileSize)
	}

	pid := proc.AllocPid()
	p := proc.New(pid, kernelPagemap, pmm)

	entry, phdrVA, phnum, err := loadELF(p, pmm, data)
	if err != nil {
		p.Destroy()
		return nil, err
	}

	sp, err := buildStack(p, pmm, argv, entry, phdrVA, phnum, randomSeed)
	if err != nil {
		p.Destroy()
		return nil, err
	}

	tid := thread.AllocTid()
	ue := arch.UserEntry{Entry: entry, StackPtr: uint64(sp)}
	th := thread.New(tid, p, func(self *thread.Thread_t) {
		tr.Enter(ue, func() {})
		self.Exit(0)
	})
	s.Enqueue(cpuID, th)

	return &Result{Pid: pid, Tid: tid, Proc: p, SP: sp}, nil
}

// loadELF validates data and maps its PT_LOAD segments into p, returning
// the entry point, the virtual address of the program header table (for
// AT_PHDR), and the program header count (for AT_PHNUM).
func loadELF(p *proc.Process_t, pmm *mem.Pmm_t, data []byte) (entry uint64, phdrVA uint64, phnum int, err error) {
	f, ferr := elf.NewFile(bytes.NewReader(data))
	if ferr != nil {
		return 0, 0, 0, fmt.Errorf("loader: not a valid ELF file: %w", ferr)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return 0, 0, 0, fmt.Errorf("loader: not a 64-bit ELF")
	}
	if f.Data != elf.ELFDATA2LSB {
		return 0, 0, 0, fmt.Errorf("loader: not little-endian")
	}
	if f.Machine != elf.EM_X86_64 {
		return 0, 0, 0, fmt.Errorf("loader: unsupported machine %s", f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return 0, 0, 0, fmt.Errorf("loader: not executable or PIE (type %s)", f.Type)
	}

	logDemangledSymbols(f)

	var firstLoadVA uint64
	haveFirstLoad := false
	haveExplicitPhdr := false
	var interpPath string

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if !haveFirstLoad {
				firstLoadVA = prog.Vaddr
				haveFirstLoad = true
			}
			if err := mapLoadSegment(p, pmm, prog); err != nil {
				return 0, 0, 0, err
			}
		case elf.PT_PHDR:
			phdrVA = prog.Vaddr
			haveExplicitPhdr = true
		case elf.PT_INTERP:
			raw := make([]byte, prog.Filesz)
			if _, rerr := prog.ReadAt(raw, 0); rerr == nil {
				interpPath = cString(raw)
			}
		}
	}
	if !haveFirstLoad {
		return 0, 0, 0, fmt.Errorf("loader: no PT_LOAD segments")
	}
	if interpPath != "" {
		klog.L().Named("loader").Warn("executable requests a dynamic interpreter; not loaded (no filesystem driver in this core)",
			zap.String("interp", interpPath))
	}
	if !haveExplicitPhdr {
		// No PT_PHDR: approximate with the conventional placement
		// immediately after a 64-byte ELF header in the first segment.
		phdrVA = firstLoadVA + 64
	}

	return f.Entry, phdrVA, len(f.Progs), nil
}

func mapLoadSegment(p *proc.Process_t, pmm *mem.Pmm_t, prog *elf.Prog) error {
	vaddr := vmm.VirtAddr(prog.Vaddr)
	pageOff := int64(prog.Vaddr) % mem.PGSIZE
	base := vaddr - vmm.VirtAddr(pageOff)
	span := pageOff + int64(prog.Memsz)
	span = (span + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)

	v, verr := vmo.Create(pmm, span, 0)
	if verr != 0 {
		return fmt.Errorf("loader: allocating backing for segment at %#x: %v", prog.Vaddr, verr)
	}

	if prog.Filesz > 0 {
		fileBytes := make([]byte, prog.Filesz)
		if _, rerr := prog.ReadAt(fileBytes, 0); rerr != nil {
			return fmt.Errorf("loader: reading segment at %#x: %w", prog.Vaddr, rerr)
		}
		if _, werr := v.Write(fileBytes, pageOff); werr != 0 {
			return fmt.Errorf("loader: writing segment at %#x: %v", prog.Vaddr, werr)
		}
	}

	perms := vmm.User
	if prog.Flags&elf.PF_W != 0 {
		perms |= vmm.Write
	}
	if prog.Flags&elf.PF_X != 0 {
		perms |= vmm.Execute
	}

	if merr := p.MapVmo(base, v, 0, span, perms); merr != 0 {
		return fmt.Errorf("loader: mapping segment at %#x: %v", prog.Vaddr, merr)
	}
	return nil
}

// logDemangledSymbols emits a debug line for every mangled symbol name
// in the image's symbol table (if any), demangled for readability — a
// loader reading binaries produced by foreign toolchains (C++, Rust)
// benefits from this even though this core's own userland won't emit
// mangled names.
func logDemangledSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		return
	}
	logged := 0
	for _, sym := range syms {
		if sym.Name == "" {
			continue
		}
		demangled := demangle.Filter(sym.Name)
		if demangled == sym.Name {
			continue
		}
		klog.L().Named("loader").Debug("demangled symbol",
			zap.String("raw", sym.Name), zap.String("demangled", demangled))
		logged++
		if logged >= 8 {
			return
		}
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// buildStack allocates a userStackPages-page VMO, writes argv strings, a
// random seed, the auxiliary vector, an empty environment, and the argv
// pointer array directly into it (through the VMO's byte-level Write,
// the kernel-direct-map equivalent the spec calls for while the user
// pagemap isn't active yet), maps it at the top of user space, and
// returns the initial stack pointer.
func buildStack(p *proc.Process_t, pmm *mem.Pmm_t, argv []string, entry, phdrVA uint64, phnum int,
	randomSeed [randomSeedLen]byte) (vmm.VirtAddr, error) {

	stackSpan := int64(userStackPages) * mem.PGSIZE
	stackBase := userStackTop - vmm.VirtAddr(stackSpan)

	v, verr := vmo.Create(pmm, stackSpan, 0)
	if verr != 0 {
		return 0, fmt.Errorf("loader: allocating stack: %v", verr)
	}

	off := stackSpan
	write := func(b []byte) (int64, error) {
		off -= int64(len(b))
		if off < 0 {
			return 0, fmt.Errorf("loader: argv/env too large for a %d-page stack", userStackPages)
		}
		if _, werr := v.Write(b, off); werr != 0 {
			return 0, fmt.Errorf("loader: writing stack: %v", werr)
		}
		return off, nil
	}

	argvAddrs := make([]vmm.VirtAddr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		b := append([]byte(argv[i]), 0)
		o, err := write(b)
		if err != nil {
			return 0, err
		}
		argvAddrs[i] = stackBase + vmm.VirtAddr(o)
	}

	seedOff, err := write(randomSeed[:])
	if err != nil {
		return 0, err
	}
	randomAddr := stackBase + vmm.VirtAddr(seedOff)
	off &^= 15 // 16-byte align before the fixed-size region below

	type auxEntry struct{ typ, val uint64 }
	auxv := []auxEntry{
		{defs.AT_PAGESZ, uint64(mem.PGSIZE)},
		{defs.AT_PHDR, phdrVA},
		{defs.AT_PHENT, elf64ProgHeaderSize},
		{defs.AT_PHNUM, uint64(phnum)},
		{defs.AT_ENTRY, entry},
		{defs.AT_RANDOM, uint64(randomAddr)},
		{defs.AT_NULL, 0},
	}
	auxBytes := make([]byte, 16*len(auxv))
	for i, a := range auxv {
		binary.LittleEndian.PutUint64(auxBytes[i*16:], a.typ)
		binary.LittleEndian.PutUint64(auxBytes[i*16+8:], a.val)
	}
	if _, err := write(auxBytes); err != nil {
		return 0, err
	}

	// Environment: no variables, just the NULL terminator.
	if _, err := write(make([]byte, 8)); err != nil {
		return 0, err
	}

	// argv pointer array, NULL terminated.
	ptrBytes := make([]byte, 8*(len(argv)+1))
	for i, a := range argvAddrs {
		binary.LittleEndian.PutUint64(ptrBytes[i*8:], uint64(a))
	}
	if _, err := write(ptrBytes); err != nil {
		return 0, err
	}

	argcBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(argcBytes, uint64(len(argv)))
	spOff, err := write(argcBytes)
	if err != nil {
		return 0, err
	}

	if merr := p.MapVmo(stackBase, v, 0, stackSpan, vmm.User|vmm.Write); merr != 0 {
		return 0, fmt.Errorf("loader: mapping stack: %v", merr)
	}
	return stackBase + vmm.VirtAddr(spOff), nil
}
