package proc

import (
	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/utils"
)

// The rr page: a page mapped at a fixed address in every tracee after exec,
// holding two trusted syscall instructions. The traced entry behaves like
// any other syscall site; syscalls from the untraced entry are allowed
// through without stopping the tracee. Fixed addresses keep recorded and
// replayed tracees byte-identical here.
const (
	RRPageAddr = 0x70000000

	rrPageTracedOffset   = 0
	rrPageUntracedOffset = 0x100

	RRPageTracedSyscallAddr   = RRPageAddr + rrPageTracedOffset
	RRPageUntracedSyscallAddr = RRPageAddr + rrPageUntracedOffset
)

// SyscallInsn is the native syscall instruction (x86-64 syscall, 0f 05).
var SyscallInsn = []byte{0x0f, 0x05}

// published addresses point at the syscall instruction itself; the untraced
// entry first clears the auto-restart flag bit in r11 so a signal cannot
// make the kernel rewind an untraced syscall behind our back
var rrPageUntracedPrologue = []byte{
	0x49, 0x81, 0xe3, 0xff, 0xfe, 0xff, 0xff, // and r11, ~0x100
}

// RRPageContent builds the page image. Everything outside the two entries is
// nop-padded.
func RRPageContent() []byte {
	page := make([]byte, utils.PageSize())
	for i := range page {
		page[i] = 0x90 // nop
	}
	copy(page[rrPageTracedOffset:], SyscallInsn)

	prologue := rrPageUntracedPrologue
	copy(page[rrPageUntracedOffset-uint64(len(prologue)):], prologue)
	copy(page[rrPageUntracedOffset:], SyscallInsn)
	return page
}

// RRPageMapping is how the page appears in the address space cache.
func RRPageMapping() (Mapping, Resource) {
	m := NewMapping(RRPageAddr, RRPageAddr+utils.PageSize(),
		unix.PROT_READ|unix.PROT_EXEC, MapPrivate|MapFixed, 0)
	return m, PseudoResource(DeviceNone, "[rr-page]")
}
