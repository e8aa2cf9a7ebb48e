package klog

import (
	"go.uber.org/zap"

	"github.com/deltaos/kernel/internal/caller"
)

// Level names the locks spec.md's concurrency model orders: process <
// channel < scheduler < dead-list < PMM. A lock at a lower level must
// never be acquired while holding a lock at an equal or higher level.
type Level int

const (
	LevelNone Level = iota
	LevelProcess
	LevelChannel
	LevelScheduler
	LevelDeadList
	LevelPMM
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelProcess:
		return "process"
	case LevelChannel:
		return "channel"
	case LevelScheduler:
		return "scheduler"
	case LevelDeadList:
		return "deadlist"
	case LevelPMM:
		return "pmm"
	default:
		return "unknown"
	}
}

// lockorderDedup reports each distinct call site that violates ordering
// only once, the same de-duplication the teacher's Distinct_caller_t
// gives a diagnostic that would otherwise flood the log on every call.
var lockorderDedup = caller.Distinct_caller_t{Enabled: true}

// Check reports whether acquiring next while already holding held
// respects the required ordering (held must be strictly lower, or
// LevelNone). On a violation it logs once per call site and returns
// false; callers in debug builds should treat false as a bug to fix,
// not a runtime condition to recover from.
func Check(held, next Level) bool {
	if held == LevelNone || next > held {
		return true
	}
	if fresh, stack := lockorderDedup.Distinct(); fresh {
		L().Named("lockorder").Error("lock order violation",
			zap.String("held", held.String()),
			zap.String("attempted", next.String()),
			zap.String("stack", stack))
	}
	return false
}
