package proc

import "github.com/mihkeltiks/rec-replay/logger"

// TrapType says on whose behalf a breakpoint exists. A breakpoint referenced
// by both reports as a user trap, so the debugger gets to inspect the stop
// before internal machinery consumes it.
type TrapType int

const (
	TrapNone TrapType = iota
	TrapInternal
	TrapUser
)

// code for breakpoint trap on x86 and x86-64
var BreakpointInsn = byte(0xCC)

type Breakpoint struct {
	debuggerCount int
	internalCount int

	// actual contents of the instruction byte replaced by the trap
	OverwrittenData byte
}

func (bp *Breakpoint) Ref(which TrapType) {
	switch which {
	case TrapUser:
		bp.debuggerCount++
	case TrapInternal:
		bp.internalCount++
	default:
		logger.Fatal("ref of breakpoint with trap type %d", which)
	}
}

// Unref drops one reference and returns the remaining total.
func (bp *Breakpoint) Unref(which TrapType) int {
	switch which {
	case TrapUser:
		bp.debuggerCount--
	case TrapInternal:
		bp.internalCount--
	default:
		logger.Fatal("unref of breakpoint with trap type %d", which)
	}
	if bp.debuggerCount < 0 || bp.internalCount < 0 {
		logger.Fatal("breakpoint refcount underflow (%d, %d)", bp.debuggerCount, bp.internalCount)
	}
	return bp.debuggerCount + bp.internalCount
}

func (bp *Breakpoint) Type() TrapType {
	if bp.debuggerCount > 0 {
		return TrapUser
	}
	if bp.internalCount > 0 {
		return TrapInternal
	}
	return TrapNone
}

func (bp *Breakpoint) Clone() *Breakpoint {
	clone := *bp
	return &clone
}

type BreakpointMap map[uint64]*Breakpoint

func (b BreakpointMap) New() BreakpointMap {
	return make(map[uint64]*Breakpoint)
}
