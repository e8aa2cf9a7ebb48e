package klog

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/width"
)

// FaultInfo is the machine state captured at a fatal-fault panic site —
// the arch layer's equivalent of an x86 exception frame. Callers fill in
// whatever the simulated fault actually has; zero values are printed as
// such rather than omitted, since a fault with vector 0 is still a fault.
type FaultInfo struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uint64
	CPU       int
}

// HaltFunc halts one simulated CPU. The arch layer supplies the real
// implementation (cli+hlt loop); tests supply a no-op.
type HaltFunc func()

// Panic logs msg and fi with a captured stack, then cancels halt —
// closing halt is this core's stand-in for driving every other CPU's
// IPI-triggered halt loop, since there is no real APIC to send one to.
// It does not itself terminate the calling goroutine; callers that need
// that call runtime.Goexit or return after Panic as appropriate.
func Panic(halt context.CancelFunc, msg string, fi FaultInfo) {
	wrapped := errors.WithStack(errors.New(msg))
	banner := formatBanner(msg, fi, fmt.Sprintf("%+v", wrapped))

	L().Named("panic").Error("fatal fault",
		zap.Uint8("vector", fi.Vector),
		zap.Uint64("error_code", fi.ErrorCode),
		zap.Uint64("rip", fi.RIP),
		zap.Int("cpu", fi.CPU),
		zap.String("stack", fmt.Sprintf("%+v", wrapped)),
	)
	Ring().append(banner)

	if halt != nil {
		halt()
	}
}

// formatBanner builds the fixed-width diagnostic block written to the
// ring buffer and (eventually) the panic screen. Every line is folded to
// its narrow-width form so a framebuffer console using a fixed-advance
// font doesn't mis-measure a fullwidth character pasted into a log
// message (symbol names demangled from foreign toolchains, for one).
func formatBanner(msg string, fi FaultInfo, stack string) string {
	var b strings.Builder
	b.WriteString("*** kernel panic ***\n")
	fmt.Fprintf(&b, "%s\n", width.Narrow.String(msg))
	fmt.Fprintf(&b, "cpu=%d vector=%#x error_code=%#x rip=%#016x\n", fi.CPU, fi.Vector, fi.ErrorCode, fi.RIP)
	b.WriteString(width.Narrow.String(stack))
	return b.String()
}
