package task

import (
	"bytes"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/utils"
)

// FindVdsoSyscallIP locates a syscall instruction in the tracee's VDSO, so
// remote syscalls work until the rr page is installed.
func (t *Task) FindVdsoSyscallIP() {
	if t.AS.VdsoStart == 0 {
		logger.Fatal("tracee %d has no VDSO", t.Pid())
	}
	entry := t.AS.Mem().FindContaining(t.AS.VdsoStart)
	if entry == nil {
		logger.Fatal("VDSO start %#x not in address space cache", t.AS.VdsoStart)
	}
	data := make([]byte, entry.Map.NumBytes())
	t.ReadMem(t.AS.VdsoStart, data)
	offset := bytes.Index(data, proc.SyscallInsn)
	if offset < 0 {
		logger.Fatal("no syscall instruction found in VDSO of %d", t.Pid())
	}
	t.AS.TracedSyscallIP = t.AS.VdsoStart + uint64(offset)
}

// MapRRPage installs the fixed-address page of trusted syscall instructions
// and publishes the two entry addresses. Called once per address space
// after exec.
func (t *Task) MapRRPage() {
	remote := NewAutoRemoteSyscalls(t)
	defer remote.Restore()

	pageSize := utils.PageSize()
	addr := remote.Mmap(proc.RRPageAddr, pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_FIXED, -1, 0)
	if addr != proc.RRPageAddr {
		logger.Fatal("rr page landed at %#x, wanted %#x", addr, proc.RRPageAddr)
	}

	utils.Must(t.WriteMem(proc.RRPageAddr, proc.RRPageContent()))

	remote.SyscallChecked(unix.SYS_MPROTECT, proc.RRPageAddr, pageSize,
		unix.PROT_READ|unix.PROT_EXEC)

	m, res := proc.RRPageMapping()
	t.AS.Map(m.Start, m.NumBytes(), m.Prot, m.Flags, m.Offset, res)
	t.AS.TracedSyscallIP = proc.RRPageTracedSyscallAddr
	t.AS.UntracedSyscallIP = proc.RRPageUntracedSyscallAddr
}
