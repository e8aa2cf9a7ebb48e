// Package caller de-duplicates diagnostic messages by call site, so a
// bug that would otherwise flood the kernel log with one line per
// invocation is logged once per distinct caller chain.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Distinct_caller_t tracks which call chains have already been reported.
type Distinct_caller_t struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

func (dc *Distinct_caller_t) pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len reports how many distinct call chains have been recorded.
func (dc *Distinct_caller_t) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}

// Distinct reports whether the caller's call chain (starting three
// frames up, i.e. the caller of the caller of Distinct) has not been
// seen before. When new, it also returns a formatted stack trace.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}

	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return false, ""
	}
	pcs = pcs[:n]
	h := dc.pchash(pcs)
	if dc.seen[h] {
		return false, ""
	}
	dc.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	s := ""
	for {
		fr, more := frames.Next()
		if s == "" {
			s = fmt.Sprintf("%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		} else {
			s += fmt.Sprintf("\t%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return true, s
}
