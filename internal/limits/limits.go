// Package limits tracks system-wide resource limits consumed by the
// process, handle, and VMO layers, mirroring the teacher's
// limits.Syslimit_t pattern of a handful of atomically-adjustable
// counters checked before a resource is granted.
package limits

import "sync/atomic"

// Atomic_t is a numeric limit that can be atomically taken from and
// given back to.
type Atomic_t int64

// Take decrements the limit by n and reports whether the limit still
// held at least n, rolling back the decrement on failure.
func (a *Atomic_t) Take(n uint) bool {
	delta := int64(n)
	g := atomic.AddInt64((*int64)(a), -delta)
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(a), delta)
	return false
}

// Give returns n units to the limit.
func (a *Atomic_t) Give(n uint) {
	atomic.AddInt64((*int64)(a), int64(n))
}

// Remaining reports the current headroom.
func (a *Atomic_t) Remaining() int64 {
	return atomic.LoadInt64((*int64)(a))
}

// Syslimit_t holds every resource limit the kernel core enforces.
type Syslimit_t struct {
	Procs   Atomic_t
	Handles Atomic_t
	Vmos    Atomic_t
	Channels Atomic_t
}

// Default returns the kernel's default limit set.
func Default() *Syslimit_t {
	return &Syslimit_t{
		Procs:    Atomic_t(1 << 14),
		Handles:  Atomic_t(1 << 20),
		Vmos:     Atomic_t(1 << 18),
		Channels: Atomic_t(1 << 16),
	}
}

// Syslimit is the process-wide default limit set.
var Syslimit = Default()
