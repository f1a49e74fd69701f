package proc

import "github.com/mihkeltiks/rec-replay/logger"

type WatchType int

const (
	WatchExec WatchType = 1 << iota
	WatchRead
	WatchWrite
	WatchReadWrite = WatchRead | WatchWrite
)

// MemoryRange keys the watchpoint table; equality is by (addr, len) pair.
type MemoryRange struct {
	Addr     uint64
	NumBytes uint64
}

type Watchpoint struct {
	execCount  int
	readCount  int
	writeCount int
}

func (wp *Watchpoint) Watch(which WatchType) {
	if which&WatchExec != 0 {
		wp.execCount++
	}
	if which&WatchRead != 0 {
		wp.readCount++
	}
	if which&WatchWrite != 0 {
		wp.writeCount++
	}
}

// Unwatch drops references for the given classes and returns the remaining
// total across all classes.
func (wp *Watchpoint) Unwatch(which WatchType) int {
	if which&WatchExec != 0 {
		wp.execCount--
	}
	if which&WatchRead != 0 {
		wp.readCount--
	}
	if which&WatchWrite != 0 {
		wp.writeCount--
	}
	if wp.execCount < 0 || wp.readCount < 0 || wp.writeCount < 0 {
		logger.Fatal("watchpoint refcount underflow (%d, %d, %d)", wp.execCount, wp.readCount, wp.writeCount)
	}
	return wp.execCount + wp.readCount + wp.writeCount
}

// WatchedBits is the OR of the classes with a live reference.
func (wp *Watchpoint) WatchedBits() WatchType {
	var bits WatchType
	if wp.execCount > 0 {
		bits |= WatchExec
	}
	if wp.readCount > 0 {
		bits |= WatchRead
	}
	if wp.writeCount > 0 {
		bits |= WatchWrite
	}
	return bits
}

type WatchpointMap map[MemoryRange]*Watchpoint

func (w WatchpointMap) New() WatchpointMap {
	return make(map[MemoryRange]*Watchpoint)
}

// WatchConfig is one hardware debug register assignment.
type WatchConfig struct {
	Addr     uint64
	NumBytes uint64
	Type     WatchType
}

// NumDebugRegisters is the hardware slot budget (four DR slots on x86).
const NumDebugRegisters = 4

// DebugControl encodes configs into a DR7 value, assigning slots in order.
// Returns false when the configs cannot fit the slot budget or a range's
// size has no hardware encoding.
func DebugControl(configs []WatchConfig) (uint64, bool) {
	if len(configs) > NumDebugRegisters {
		return 0, false
	}
	var dr7 uint64
	for slot, conf := range configs {
		lenBits, ok := watchLenBits(conf.NumBytes)
		if !ok {
			return 0, false
		}
		var rwBits uint64
		switch conf.Type {
		case WatchExec:
			rwBits = 0x0
			lenBits = 0x0 // exec watchpoints must use length 1 encoding
		case WatchWrite:
			rwBits = 0x1
		case WatchReadWrite:
			rwBits = 0x3
		default:
			logger.Fatal("unexpected watch type %d", conf.Type)
		}
		// local-enable bit for the slot, then type and length in the
		// per-slot nibble of the upper half
		dr7 |= 1 << (uint(slot) * 2)
		dr7 |= rwBits << (16 + uint(slot)*4)
		dr7 |= lenBits << (18 + uint(slot)*4)
	}
	return dr7, true
}

func watchLenBits(numBytes uint64) (uint64, bool) {
	switch numBytes {
	case 1:
		return 0x0, true
	case 2:
		return 0x1, true
	case 8:
		return 0x2, true
	case 4:
		return 0x3, true
	default:
		return 0, false
	}
}
