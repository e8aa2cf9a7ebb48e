// Package klog is the kernel's structured logger and ring-buffered log
// object: every subsystem logs through a *zap.Logger, and every record
// also lands in an in-memory ring buffer exposed to userspace as the
// $kernel/klog object (spec.md §7, §4.4 "directory of namespace
// entries").
package klog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deltaos/kernel/internal/defs"
	"github.com/deltaos/kernel/internal/kobj"
)

// Ring_t is a fixed-capacity circular buffer of formatted log lines.
type Ring_t struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	next     int
	full     bool
}

func newRing(capacity int) *Ring_t {
	return &Ring_t{lines: make([]string, capacity), capacity: capacity}
}

func (r *Ring_t) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns every line currently held, oldest first.
func (r *Ring_t) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.capacity)
	copy(out, r.lines[r.next:])
	copy(out[r.capacity-r.next:], r.lines[:r.next])
	return out
}

// ringCore is a zapcore.Core that tees every entry into a Ring_t in
// addition to delegating to a real encoder/sink, so $kernel/klog stays
// populated no matter where the base core actually writes.
type ringCore struct {
	zapcore.Core
	ring *Ring_t
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	line := fmt.Sprintf("[%s] %s %s: %s", ent.Time.Format("15:04:05.000"),
		ent.Level.CapitalString(), ent.LoggerName, ent.Message)
	c.ring.append(line)
	return c.Core.Write(ent, fields)
}

const defaultRingCapacity = 4096

var (
	once       sync.Once
	base       *zap.Logger
	sharedRing *Ring_t
	level      = zap.NewAtomicLevelAt(zapcore.DebugLevel)
)

func initBase() {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)
	sharedRing = newRing(defaultRingCapacity)
	core := &ringCore{
		Core: zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
		ring: sharedRing,
	}
	base = zap.New(core)
}

// L returns the kernel's base logger, constructing it (and its ring
// buffer) on first use.
func L() *zap.Logger {
	once.Do(initBase)
	return base
}

// SetLevel adjusts the minimum level every subsystem logger emits at,
// in place — the boot command's --log-level flag is the only caller
// that needs this outside of tests.
func SetLevel(lvl zapcore.Level) {
	once.Do(initBase)
	level.SetLevel(lvl)
}

// Ring returns the shared ring buffer backing $kernel/klog.
func Ring() *Ring_t {
	once.Do(initBase)
	return sharedRing
}

// Object wraps Ring in a kobj.Object_t whose Read op dumps the ring
// buffer as newline-joined text — the concrete form of the $kernel/klog
// namespace entry.
func Object() *kobj.Object_t {
	return kobj.New(kobj.DEVICE, &klogOps{})
}

type klogOps struct {
	kobj.NullOps
}

func (klogOps) Read(buf []byte, offset int64) (int, defs.Err_t) {
	lines := Ring().Snapshot()
	var text []byte
	for _, l := range lines {
		text = append(text, l...)
		text = append(text, '\n')
	}
	if offset < 0 || offset > int64(len(text)) {
		return 0, defs.EINVAL
	}
	n := copy(buf, text[offset:])
	return n, 0
}

// GetInfo topics live on $devices/system (see System_t), not here — the
// embedded NullOps default of ENOSYS is correct for klog itself.
