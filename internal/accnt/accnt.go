// Package accnt accumulates per-thread CPU accounting, exposed through
// the THREAD_STATS object-info topic.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates user/system nanoseconds consumed by a thread. The
// embedded mutex lets Snapshot take a consistent snapshot while Add merges
// a dying thread's usage into its process total.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds of user-mode time.
func (a *Accnt_t) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds of system-mode time.
func (a *Accnt_t) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Add merges n's usage into a.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.mu.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.mu.Unlock()
}

// Snapshot returns a consistent (user, sys) duration pair.
func (a *Accnt_t) Snapshot() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Duration(a.Userns), time.Duration(a.Sysns)
}
