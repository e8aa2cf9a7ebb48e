// Command deltakernel boots the simulated kernel core: it builds the
// physical memory pool, kernel pagemap, scheduler, and namespace, then
// optionally parses a boot-info blob and spawns an init program before
// driving every CPU's ready queue until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deltaos/kernel/internal/arch"
	"github.com/deltaos/kernel/internal/bootinfo"
	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/heap"
	"github.com/deltaos/kernel/internal/klog"
	"github.com/deltaos/kernel/internal/kobj"
	"github.com/deltaos/kernel/internal/mem"
	"github.com/deltaos/kernel/internal/ns"
	"github.com/deltaos/kernel/internal/sched"
	dsyscall "github.com/deltaos/kernel/internal/syscall"
	"github.com/deltaos/kernel/internal/vmm"
)

// kernelHeapBase is an arbitrary higher-half address for the kernel
// heap to grow from; it never collides with user mappings since those
// live below the canonical-address split.
const kernelHeapBase = vmm.VirtAddr(0xffff800000000000)

type opts struct {
	memMB       int
	cpus        int
	logLevel    string
	bootinfo    string
	init        string
	initArgs    []string
	nsBuckets   int
	apBringupMs int
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "deltakernel",
		Short: "Boot the DeltaOS kernel core",
		Long: `deltakernel assembles the kernel core's physical memory pool, pagemap,
scheduler and namespace, optionally parses a boot-info blob handed off by
a bootloader, spawns an init program, and then pumps every CPU's ready
queue until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().IntVar(&o.memMB, "mem-mb", 64, "physical memory to simulate, in megabytes")
	root.Flags().IntVar(&o.cpus, "cpus", 1, "number of CPUs to bring up")
	root.Flags().StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&o.bootinfo, "bootinfo", "", "path to a boot-info blob to parse on boot")
	root.Flags().StringVar(&o.init, "init", "", "path to an ELF binary to spawn as the init program")
	root.Flags().StringSliceVar(&o.initArgs, "init-arg", nil, "argv entries after argv[0] for --init (repeatable)")
	root.Flags().IntVar(&o.nsBuckets, "ns-buckets", 64, "initial bucket count for the root namespace")
	root.Flags().IntVar(&o.apBringupMs, "ap-bringup-timeout-ms", 1000, "bound on bringing up every AP beyond cpu 0")

	if err := root.Execute(); err != nil {
		klog.L().Sugar().Errorf("deltakernel: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	if lvl, err := zapcore.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	} else {
		klog.SetLevel(lvl)
	}
	log := klog.L().Named("boot")

	if o.memMB <= 0 {
		return fmt.Errorf("mem-mb must be > 0")
	}
	if o.cpus <= 0 {
		return fmt.Errorf("cpus must be > 0")
	}

	nframes := uint32((int64(o.memMB) * 1024 * 1024) / int64(mem.PGSIZE))
	pmm, err := mem.New(nframes)
	if err != nil {
		return fmt.Errorf("pmm: %w", err)
	}
	defer pmm.Close()
	pmm.MarkFree(0, nframes) // the whole simulated arena is usable RAM

	kernelPagemap := vmm.NewKernel()
	s := sched.New(o.cpus)
	namespace := ns.New(o.nsBuckets)
	tr := arch.NewStub()
	tbl := dsyscall.New(pmm, kernelPagemap, s, namespace, tr)

	log.Info("memory pool allocated", zap.Uint32("frames", nframes), zap.Int("mem_mb", o.memMB))

	if err := namespace.Register("$kernel/klog", klog.Object()); err != 0 {
		return fmt.Errorf("register $kernel/klog: err %d", err)
	}

	kheap := heap.New(pmm, kernelPagemap, kernelHeapBase)
	sys := klog.NewSystem(pmm, kheap, o.cpus, func() int64 { return time.Now().UnixNano() })
	sys.IdleNsFn = func() int64 {
		var total int64
		for cpu := 0; cpu < s.NCPU(); cpu++ {
			total += s.IdleNs(cpu)
		}
		return total
	}
	if err := namespace.Register("$devices/system", sys.Object()); err != 0 {
		return fmt.Errorf("register $devices/system: err %d", err)
	}
	if err := namespace.Register("$devices/prof", klog.NewProf(kheap).Object()); err != 0 {
		return fmt.Errorf("register $devices/prof: err %d", err)
	}

	sessionID := "none"
	if o.bootinfo != "" {
		blob, rerr := os.ReadFile(o.bootinfo)
		if rerr != nil {
			return fmt.Errorf("bootinfo: %w", rerr)
		}
		bi, perr := bootinfo.Parse(blob)
		if perr != nil {
			return fmt.Errorf("bootinfo: %w", perr)
		}
		sessionID = bi.SessionID.String()
		log.Info("boot-info parsed",
			zap.String("version", bi.Version),
			zap.String("session", sessionID),
			zap.String("cmdline", bi.Cmdline),
			zap.Int("memory_regions", len(bi.MemoryMap)),
		)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bringupCtx, cancel := context.WithTimeout(ctx, time.Duration(o.apBringupMs)*time.Millisecond)
	if err := s.BringUpAPs(bringupCtx, int64(o.cpus)); err != nil {
		cancel()
		return fmt.Errorf("smp bring-up: %w", err)
	}
	cancel()
	log.Info("cpus started", zap.Int("count", s.NCPU()), zap.String("session", sessionID))

	if o.init != "" {
		pid, serr := spawnInit(tbl, namespace, o.init, o.initArgs)
		if serr != nil {
			return fmt.Errorf("spawn init: %w", serr)
		}
		log.Info("init spawned", zap.String("path", o.init), zap.Int64("pid", pid))
	}

	pump(ctx, s)
	log.Info("shutting down")
	return nil
}

// spawnInit reads path off the host filesystem, registers it under
// $files by its base name, and dispatches spawn on cpu 0 — sysSpawn
// itself needs no running caller thread, so this can happen directly
// from the boot goroutine.
func spawnInit(tbl *dsyscall.Table_t, namespace *ns.Namespace_t, path string, extraArgs []string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	name := filepath.Base(path)
	obj := kobj.New(kobj.FILE, &hostFileOps{data: data})
	if rerr := namespace.Register("$files/"+name, obj); rerr != 0 {
		obj.Deref()
		return 0, fmt.Errorf("register %s: err %d", name, rerr)
	}
	obj.Deref()

	argv := append([]string{name}, extraArgs...)
	ret, _ := tbl.Dispatch(0, dsyscall.SysSpawn, dsyscall.Args{Path: name, Argv: argv})
	if ret < 0 {
		return 0, fmt.Errorf("sys_spawn: err %d", ret)
	}
	return ret, nil
}

// pump drives every CPU's ready queue until ctx is cancelled, backing
// off briefly when a CPU's queue is empty instead of spinning it hot.
func pump(ctx context.Context, s *sched.Sched_t) {
	done := make(chan struct{})
	for cpu := 0; cpu < s.NCPU(); cpu++ {
		cpuID := cpu
		go func() {
			for {
				select {
				case <-ctx.Done():
					done <- struct{}{}
					return
				default:
				}
				if s.ReadyLen(cpuID) == 0 {
					time.Sleep(time.Millisecond)
					continue
				}
				s.RunOnce(cpuID)
			}
		}()
	}
	for cpu := 0; cpu < s.NCPU(); cpu++ {
		<-done
	}
}

// hostFileOps adapts a host-filesystem-backed byte slice to the
// read-only subset of kobj.Ops an ELF image needs to be spawned and
// stat'd through the namespace.
type hostFileOps struct {
	kobj.NullOps
	data []byte
}

func (o *hostFileOps) Read(buf []byte, offset int64) (int, defs.Err_t) {
	if offset < 0 {
		return 0, defs.EINVAL
	}
	if offset >= int64(len(o.data)) {
		return 0, 0
	}
	return copy(buf, o.data[offset:]), 0
}
