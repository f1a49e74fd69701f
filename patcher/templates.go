package patcher

import (
	"bytes"
	"encoding/binary"
)

// Byte templates written over patch sites. All fixed-size; immediates are
// filled in at patch time.

// vdsoSyscallTemplate makes a VDSO entry do a real kernel syscall so the
// engine sees and records it: mov $sysno, %eax; syscall; ret.
func vdsoSyscallTemplate(sysno int32) []byte {
	t := []byte{
		0xb8, 0, 0, 0, 0, // mov $sysno, %eax
		0x0f, 0x05, // syscall
		0xc3, // ret
	}
	binary.LittleEndian.PutUint32(t[1:], uint32(sysno))
	return t
}

// vdsoTrampolineTemplate redirects a VDSO entry through the preload
// trampoline with a PC-relative call: mov $sysno, %eax; call rel32; ret.
const vdsoTrampolineCallOffset = 5

func vdsoTrampolineTemplate(sysno int32, siteAddr, trampolineAddr uint64) ([]byte, bool) {
	t := []byte{
		0xb8, 0, 0, 0, 0, // mov $sysno, %eax
		0xe8, 0, 0, 0, 0, // call rel32
		0xc3, // ret
	}
	binary.LittleEndian.PutUint32(t[1:], uint32(sysno))

	rel, ok := pcRelative(siteAddr+vdsoTrampolineCallOffset+5, trampolineAddr)
	if !ok {
		return nil, false
	}
	binary.LittleEndian.PutUint32(t[vdsoTrampolineCallOffset+1:], uint32(rel))
	return t, true
}

// kernelVsyscallSignature is the prologue of __kernel_vsyscall on x86 as
// shipped by mainline kernels: push %ecx; push %edx; push %ebp; mov
// %esp,%ebp; sysenter. A VDSO that doesn't open with it is left alone.
var kernelVsyscallSignature = []byte{0x51, 0x52, 0x55, 0x89, 0xe5, 0x0f, 0x34}

// jumpTemplate overwrites a verified __kernel_vsyscall with a direct jump to
// the trampoline: jmp rel32.
func jumpTemplate(siteAddr, targetAddr uint64) ([]byte, bool) {
	rel, ok := pcRelative(siteAddr+5, targetAddr)
	if !ok {
		return nil, false
	}
	t := []byte{0xe9, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(t[1:], uint32(rel))
	return t, true
}

// callTemplate installs the trampoline call over a libc syscall site. The
// syscall instruction plus the matched following bytes must cover the five
// bytes of the call; the leftovers become nops.
func callTemplate(siteAddr, hookAddr uint64, patchLen int) ([]byte, bool) {
	if patchLen < 5 {
		return nil, false
	}
	rel, ok := pcRelative(siteAddr+5, hookAddr)
	if !ok {
		return nil, false
	}
	t := make([]byte, patchLen)
	t[0] = 0xe8
	binary.LittleEndian.PutUint32(t[1:], uint32(rel))
	for i := 5; i < patchLen; i++ {
		t[i] = 0x90
	}
	return t, true
}

// pcRelative computes a rel32 displacement, refusing distances the
// instruction cannot encode.
func pcRelative(nextInsnAddr, targetAddr uint64) (int32, bool) {
	delta := int64(targetAddr) - int64(nextInsnAddr)
	if delta > (1<<31)-1 || delta < -(1<<31) {
		return 0, false
	}
	return int32(delta), true
}

// SyscallPatchHook is one patchable libc site signature published by the
// preload library: if the bytes following a syscall instruction equal
// NextInsnBytes, the site may be redirected to HookAddr. Hooks differ by
// cancellation-point handling and argument count on the preload side; the
// engine only matches bytes.
type SyscallPatchHook struct {
	NextInsnBytes []byte
	HookAddr      uint64
}

func (h *SyscallPatchHook) Matches(following []byte) bool {
	return len(following) >= len(h.NextInsnBytes) &&
		bytes.Equal(following[:len(h.NextInsnBytes)], h.NextInsnBytes)
}
