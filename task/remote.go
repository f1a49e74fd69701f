package task

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/utils"
)

// AutoRemoteSyscalls executes syscalls inside a stopped tracee by borrowing
// its registers: the IP is pointed at the trusted syscall instruction in the
// rr page (or, until that page is installed, at the syscall instruction
// found in the VDSO),
// the syscall number and arguments are loaded into registers, and the tracee
// is single-stepped through the one instruction. The original registers are
// restored when the scope ends.
type AutoRemoteSyscalls struct {
	t         *Task
	savedRegs Registers
	syscallIP uint64
	restored  bool
}

func NewAutoRemoteSyscalls(t *Task) *AutoRemoteSyscalls {
	ip := t.AS.TracedSyscallIP
	if ip == 0 {
		logger.Fatal("no syscall instruction known for remote syscalls in %d", t.Pid())
	}
	return &AutoRemoteSyscalls{
		t:         t,
		savedRegs: *t.Regs(),
		syscallIP: ip,
	}
}

// Syscall issues one syscall in the tracee and returns its result register.
func (r *AutoRemoteSyscalls) Syscall(no uint64, args ...uint64) int64 {
	if len(args) > 6 {
		logger.Fatal("remote syscall with %d args", len(args))
	}

	regs := r.savedRegs
	regs.Rip = r.syscallIP
	regs.Rax = no
	regs.Orig_rax = no
	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, arg := range args {
		*argRegs[i] = arg
	}
	r.t.SetRegs(&regs)

	// step over the syscall instruction; the kernel runs the syscall
	// during the step
	r.t.Resume(ResumeSinglestep, WaitBlocking, 0)

	result := int64(r.t.Regs().Rax)
	logger.Debug("remote syscall %d in %d -> %d", no, r.t.Pid(), result)
	return result
}

// SyscallChecked is Syscall but dies on an error return; for calls that
// cannot legitimately fail during setup.
func (r *AutoRemoteSyscalls) SyscallChecked(no uint64, args ...uint64) int64 {
	result := r.Syscall(no, args...)
	if result < 0 && result > -4096 {
		logger.Fatal("remote syscall %d in %d failed: %v", no, r.t.Pid(), unix.Errno(-result))
	}
	return result
}

// Restore puts the borrowed registers back.
func (r *AutoRemoteSyscalls) Restore() {
	if r.restored {
		return
	}
	r.t.SetRegs(&r.savedRegs)
	r.restored = true
}

// Mmap maps memory in the tracee.
func (r *AutoRemoteSyscalls) Mmap(addr, length uint64, prot, flags int, fd int, offset uint64) uint64 {
	return uint64(r.SyscallChecked(unix.SYS_MMAP, addr, length, uint64(prot), uint64(flags), uint64(fd), offset))
}

// receiveFdSocketName returns the per-tracer rendezvous address for fd
// passing, in the abstract namespace so nothing lingers on disk.
func receiveFdSocketName(pid int) string {
	return fmt.Sprintf("\x00rec-replay-fd-%d", pid)
}

// ReceiveFd retrieves a file descriptor open in the tracee: the engine
// listens on an AF_UNIX socket, the tracee connects and sends the fd as
// SCM_RIGHTS ancillary data, all via remote syscalls. scratch must point at
// a writable tracee region of at least 512 bytes.
func (t *Task) ReceiveFd(childFd int, scratch uint64) (*os.File, error) {
	sockName := receiveFdSocketName(os.Getpid())

	listenFd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(listenFd)

	addr := &unix.SockaddrUnix{Name: sockName}
	if err := unix.Bind(listenFd, addr); err != nil {
		return nil, err
	}
	if err := unix.Listen(listenFd, 1); err != nil {
		return nil, err
	}

	remote := NewAutoRemoteSyscalls(t)
	defer remote.Restore()

	// build the sockaddr_un the tracee will connect to
	var sun bytes.Buffer
	binary.Write(&sun, binary.LittleEndian, uint16(unix.AF_UNIX))
	sun.WriteString(sockName)
	sunLen := uint64(sun.Len())
	utils.Must(t.WriteMem(scratch, sun.Bytes()))

	childSock := remote.SyscallChecked(unix.SYS_SOCKET, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	remote.SyscallChecked(unix.SYS_CONNECT, uint64(childSock), scratch, sunLen)

	connFd, _, err := unix.Accept(listenFd)
	if err != nil {
		return nil, err
	}
	defer unix.Close(connFd)

	// assemble iovec, msghdr and SCM_RIGHTS control block in scratch:
	// layout is one data byte, the cmsg, the iovec, then the msghdr
	dataAddr := scratch + 64
	cmsgAddr := dataAddr + 8
	iovAddr := cmsgAddr + 24
	msgAddr := iovAddr + 16

	var payload bytes.Buffer
	le := binary.LittleEndian
	// cmsghdr: len, level, type, then the fd
	binary.Write(&payload, le, uint64(20)) // CMSG_LEN(4)
	binary.Write(&payload, le, uint32(unix.SOL_SOCKET))
	binary.Write(&payload, le, uint32(unix.SCM_RIGHTS))
	binary.Write(&payload, le, uint32(childFd))
	payload.Write(make([]byte, 4)) // pad to CMSG_SPACE
	utils.Must(t.WriteMem(cmsgAddr, payload.Bytes()))

	utils.Must(t.WriteMem(dataAddr, []byte{0x1}))

	var iov bytes.Buffer
	binary.Write(&iov, le, dataAddr)
	binary.Write(&iov, le, uint64(1))
	utils.Must(t.WriteMem(iovAddr, iov.Bytes()))

	var msg bytes.Buffer
	binary.Write(&msg, le, uint64(0)) // name
	binary.Write(&msg, le, uint32(0)) // namelen
	binary.Write(&msg, le, uint32(0)) // pad
	binary.Write(&msg, le, iovAddr)
	binary.Write(&msg, le, uint64(1))  // iovlen
	binary.Write(&msg, le, cmsgAddr)   // control
	binary.Write(&msg, le, uint64(24)) // controllen = CMSG_SPACE(4)
	binary.Write(&msg, le, uint32(0))  // flags
	utils.Must(t.WriteMem(msgAddr, msg.Bytes()))

	remote.SyscallChecked(unix.SYS_SENDMSG, uint64(childSock), msgAddr, 0)
	remote.SyscallChecked(unix.SYS_CLOSE, uint64(childSock))

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return nil, err
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return nil, fmt.Errorf("no fd in SCM_RIGHTS message: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), fmt.Sprintf("<tracee %d fd %d>", t.Pid(), childFd)), nil
}
