package trace

import (
	"bytes"
	"encoding/binary"
	"math"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
)

// EventType enumerates what a trace frame records. Values are part of the
// trace format; do not reorder.
type EventType int

const (
	EventInvalid EventType = iota
	EventExit
	EventSched
	EventSignal
	EventSignalDelivery
	EventSignalHandler
	EventSyscall
	EventSyscallbufFlush
	EventSyscallbufAbortCommit
	EventDesched
	EventExec
	EventTraceTermination
)

// SyscallState distinguishes the two stops of one syscall.
type SyscallState int

const (
	NoState SyscallState = iota
	EnteringSyscall
	ExitingSyscall
)

// Event is the semantic payload of a frame: what happened, at which syscall
// state, and the syscall or signal number it concerns.
type Event struct {
	Type  EventType
	State SyscallState
	// syscall number or signal number, per Type
	Data int32
}

// HasExecInfo says whether frames of this event carry register state.
// Meta events describing the trace itself do not.
func (ev Event) HasExecInfo() bool {
	switch ev.Type {
	case EventInvalid, EventTraceTermination:
		return false
	default:
		return true
	}
}

func SyscallEvent(no int64, state SyscallState) Event {
	return Event{EventSyscall, state, int32(no)}
}

func SignalEvent(sig unix.Signal) Event {
	return Event{EventSignal, NoState, int32(sig)}
}

// architecture tags in the frame header, so a 64-bit reader can refuse or
// interpret 32-bit traces
const (
	ArchX86   = 0
	ArchX8664 = 1
)

// extra register block formats
const (
	ExtraRegFormatNone   = 0
	ExtraRegFormatFxsave = 1
	ExtraRegFormatXsave  = 2
)

// Frame is one recorded event: scheduling position, the event itself and,
// for events with execution info, the register file.
type Frame struct {
	GlobalTime   uint64
	Tid          int32
	Event        Event
	Ticks        uint64
	MonotonicSec float64

	Arch           uint8
	Regs           unix.PtraceRegs
	ExtraRegFormat uint8
	ExtraRegs      []byte
}

func (f *Frame) HasExecInfo() bool {
	return f.Event.HasExecInfo()
}

// encode appends the frame in the little-endian wire layout.
func (f *Frame) encode(buf *bytes.Buffer) {
	le := binary.LittleEndian

	var basic [35]byte
	le.PutUint64(basic[0:], f.GlobalTime)
	le.PutUint32(basic[8:], uint32(f.Tid))
	basic[12] = uint8(f.Event.Type)
	basic[13] = uint8(f.Event.State)
	if f.HasExecInfo() {
		basic[14] = 1
	}
	le.PutUint32(basic[15:], uint32(f.Event.Data))
	le.PutUint64(basic[19:], f.Ticks)
	le.PutUint64(basic[27:], math.Float64bits(f.MonotonicSec))
	buf.Write(basic[:])

	if !f.HasExecInfo() {
		return
	}

	buf.WriteByte(f.Arch)
	if err := binary.Write(buf, le, &f.Regs); err != nil {
		logger.Fatal("encoding registers: %v", err)
	}
	buf.WriteByte(f.ExtraRegFormat)
	var size [4]byte
	le.PutUint32(size[:], uint32(len(f.ExtraRegs)))
	buf.Write(size[:])
	buf.Write(f.ExtraRegs)
}

// decodeFrame reads one frame; read and peek share it.
func decodeFrame(read func([]byte) error) (Frame, error) {
	le := binary.LittleEndian
	var f Frame

	var basic [35]byte
	if err := read(basic[:]); err != nil {
		return f, err
	}
	f.GlobalTime = le.Uint64(basic[0:])
	f.Tid = int32(le.Uint32(basic[8:]))
	f.Event.Type = EventType(basic[12])
	f.Event.State = SyscallState(basic[13])
	f.Event.Data = int32(le.Uint32(basic[15:]))
	f.Ticks = le.Uint64(basic[19:])
	f.MonotonicSec = math.Float64frombits(le.Uint64(basic[27:]))

	if !f.Event.HasExecInfo() {
		return f, nil
	}

	var arch [1]byte
	if err := read(arch[:]); err != nil {
		return f, err
	}
	f.Arch = arch[0]
	if f.Arch != ArchX8664 {
		logger.Fatal("trace records arch %d; only x86-64 traces are readable here", f.Arch)
	}

	regs := make([]byte, binary.Size(&f.Regs))
	if err := read(regs); err != nil {
		return f, err
	}
	if err := binary.Read(bytes.NewReader(regs), le, &f.Regs); err != nil {
		return f, err
	}

	var tail [5]byte
	if err := read(tail[:]); err != nil {
		return f, err
	}
	f.ExtraRegFormat = tail[0]
	extraSize := le.Uint32(tail[1:])
	if extraSize > 0 {
		f.ExtraRegs = make([]byte, extraSize)
		if err := read(f.ExtraRegs); err != nil {
			return f, err
		}
	}
	return f, nil
}

// RawDataHeader pairs a payload in the data substream with its frame and
// destination address.
type RawDataHeader struct {
	GlobalTime uint64
	RecTid     int32
	Addr       uint64
	Size       uint64
}

const rawDataHeaderSize = 28

func (h *RawDataHeader) encode() []byte {
	le := binary.LittleEndian
	var buf [rawDataHeaderSize]byte
	le.PutUint64(buf[0:], h.GlobalTime)
	le.PutUint32(buf[8:], uint32(h.RecTid))
	le.PutUint64(buf[12:], h.Addr)
	le.PutUint64(buf[20:], h.Size)
	return buf[:]
}

func decodeRawDataHeader(buf []byte) RawDataHeader {
	le := binary.LittleEndian
	return RawDataHeader{
		GlobalTime: le.Uint64(buf[0:]),
		RecTid:     int32(le.Uint32(buf[8:])),
		Addr:       le.Uint64(buf[12:]),
		Size:       le.Uint64(buf[20:]),
	}
}

// TaskEventType enumerates entries of the tasks substream.
type TaskEventType int

const (
	TaskEventClone TaskEventType = iota
	TaskEventExec
	TaskEventExit
)

type TaskEvent struct {
	GlobalTime uint64
	Type       TaskEventType
	Tid        int32

	// clone
	ParentTid  int32
	CloneFlags int32

	// exec
	ExePath string

	// exit
	ExitStatus int32
}
