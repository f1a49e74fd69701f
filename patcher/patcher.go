package patcher

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/proc"
	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/utils"
)

// the VDSO entries rewritten immediately after exec. getcpu is deliberately
// not buffered, but its template still does a real syscall so the engine
// records it.
var vdsoEntriesAfterExec = map[string]int32{
	"__vdso_clock_gettime": unix.SYS_CLOCK_GETTIME,
	"__vdso_gettimeofday":  unix.SYS_GETTIMEOFDAY,
	"__vdso_time":          unix.SYS_TIME,
	"__vdso_getcpu":        unix.SYS_GETCPU,
}

// the subset that becomes trampoline calls once the preload library is up
var vdsoEntriesBuffered = map[string]int32{
	"__vdso_clock_gettime": unix.SYS_CLOCK_GETTIME,
	"__vdso_gettimeofday":  unix.SYS_GETTIMEOFDAY,
	"__vdso_time":          unix.SYS_TIME,
}

// libc objects walked for patchable syscall sites
var patchableLibraries = []string{"libc.so", "libc-", "libpthread.so", "libpthread-"}

// Patcher holds the patching state of one tracee address space: rewriting
// VDSO entries to real syscalls after exec, and redirecting VDSO and libc
// syscall sites through the preload trampolines once the preload library
// announces itself.
type Patcher struct {
	hooks []SyscallPatchHook

	// addresses (of the instruction following a syscall) already
	// attempted, successfully or not; each site is tried at most once
	triedSites map[uint64]bool

	vsyscallHook       uint64
	trampoline         uint64
	preloadInitialized bool
}

func New() *Patcher {
	return &Patcher{triedSites: make(map[uint64]bool)}
}

// Clone copies patch state into a forked address space.
func (p *Patcher) Clone() *Patcher {
	clone := New()
	clone.hooks = append([]SyscallPatchHook(nil), p.hooks...)
	for addr := range p.triedSites {
		clone.triedSites[addr] = true
	}
	clone.vsyscallHook = p.vsyscallHook
	clone.trampoline = p.trampoline
	clone.preloadInitialized = p.preloadInitialized
	return clone
}

// PatchAfterExec rewrites the VDSO's user-space syscall implementations
// into real syscall instructions. Needs no tracee cooperation; VDSO pages
// are writable by the tracer without mprotect.
func (p *Patcher) PatchAfterExec(t *task.Task) {
	vs, err := ReadVdsoSymbols(t)
	if err != nil {
		logger.Fatal("%v", err)
	}

	for name, sysno := range vdsoEntriesAfterExec {
		addr, ok := vs.Lookup(name)
		if !ok {
			// time and getcpu are absent on some kernels
			logger.Debug("VDSO has no %s; skipping", name)
			continue
		}
		utils.Must(t.WriteMem(addr, vdsoSyscallTemplate(sysno)))
		logger.Debug("patched %s at %#x to syscall %d", name, addr, sysno)
	}
}

// PreloadInitParams is the rendezvous payload the preload library passes to
// the engine from its init constructor, read out of tracee memory.
type PreloadInitParams struct {
	SyscallbufEnabled bool
	// x86: address of the __kernel_vsyscall replacement
	VsyscallHook uint64
	// x86-64: address of the syscall hook trampoline
	SyscallHookTrampoline uint64
	PatchHooks            []SyscallPatchHook
}

// wire layout of the params block: u32 enabled, u64 vsyscall hook, u64
// trampoline, u32 hook count, u64 hook array pointer
const preloadInitParamsSize = 32

// each hook entry: u8 length, 15 signature bytes, u64 hook address
const patchHookSize = 24

// ReadPreloadInitParams reads the rendezvous block the tracee passed as the
// first syscall argument.
func ReadPreloadInitParams(t *task.Task, addr uint64) PreloadInitParams {
	buf := make([]byte, preloadInitParamsSize)
	t.ReadMem(addr, buf)

	params := PreloadInitParams{
		SyscallbufEnabled:     leU32(buf[0:]) != 0,
		VsyscallHook:          leU64(buf[4:]),
		SyscallHookTrampoline: leU64(buf[12:]),
	}
	count := leU32(buf[20:])
	hooksAddr := leU64(buf[24:])

	for i := uint32(0); i < count; i++ {
		entry := make([]byte, patchHookSize)
		t.ReadMem(hooksAddr+uint64(i)*patchHookSize, entry)
		sigLen := int(entry[0])
		if sigLen > 15 {
			logger.Fatal("preload patch hook %d has signature length %d", i, sigLen)
		}
		sig := append([]byte(nil), entry[1:1+sigLen]...)
		params.PatchHooks = append(params.PatchHooks, SyscallPatchHook{
			NextInsnBytes: sig,
			HookAddr:      leU64(entry[16:]),
		})
	}
	return params
}

// PatchAtPreloadInit applies the patches that need the preload library's
// trampolines: the buffered VDSO entries and the libc syscall sites.
func (p *Patcher) PatchAtPreloadInit(t *task.Task, params PreloadInitParams) {
	p.hooks = params.PatchHooks
	p.vsyscallHook = params.VsyscallHook
	p.trampoline = params.SyscallHookTrampoline
	p.preloadInitialized = true

	if !params.SyscallbufEnabled {
		logger.Debug("syscall buffering disabled; leaving trampolines uninstalled")
		return
	}

	vs, err := ReadVdsoSymbols(t)
	if err != nil {
		logger.Fatal("%v", err)
	}

	p.patchKernelVsyscall(t, vs)
	p.patchBufferedVdsoEntries(t, vs)
	p.patchLibcSyscallSites(t)
}

// patchKernelVsyscall handles the x86 fast-syscall stub: verify the known
// byte signature, then overwrite with a jump to the trampoline.
func (p *Patcher) patchKernelVsyscall(t *task.Task, vs *VdsoSymbols) {
	addr, ok := vs.Lookup("__kernel_vsyscall")
	if !ok || p.vsyscallHook == 0 {
		return
	}
	current := make([]byte, len(kernelVsyscallSignature))
	t.ReadMem(addr, current)
	if !bytes.Equal(current, kernelVsyscallSignature) {
		logger.Debug("__kernel_vsyscall at %#x doesn't match known signature; not patching", addr)
		return
	}
	jump, ok := jumpTemplate(addr, p.vsyscallHook)
	if !ok {
		logger.Debug("__kernel_vsyscall hook at %#x out of jump range; not patching", p.vsyscallHook)
		return
	}
	utils.Must(t.WriteMem(addr, jump))
	logger.Debug("patched __kernel_vsyscall at %#x", addr)
}

// patchBufferedVdsoEntries rewrites the bufferable VDSO entries as calls
// into the trampoline. A site beyond rel32 range is declined, not an error.
func (p *Patcher) patchBufferedVdsoEntries(t *task.Task, vs *VdsoSymbols) {
	if p.trampoline == 0 {
		return
	}
	for name, sysno := range vdsoEntriesBuffered {
		addr, ok := vs.Lookup(name)
		if !ok {
			continue
		}
		tmpl, ok := vdsoTrampolineTemplate(sysno, addr, p.trampoline)
		if !ok {
			logger.Debug("trampoline %#x beyond rel32 reach of %s at %#x; not patching", p.trampoline, name, addr)
			continue
		}
		utils.Must(t.WriteMem(addr, tmpl))
		logger.Debug("patched %s at %#x to trampoline", name, addr)
	}
}

// patchLibcSyscallSites walks the mapped libc/libpthread images and patches
// every dynamic-symbol function whose syscall site matches a hook.
func (p *Patcher) patchLibcSyscallSites(t *task.Task) {
	seen := make(map[string]bool)
	for _, e := range t.AS.Mem().Entries() {
		name := e.Res.Fsname
		if seen[name] || !isPatchableLibrary(name) {
			continue
		}
		seen[name] = true
		if err := p.patchLibrary(t, name); err != nil {
			logger.Debug("skipping %s: %v", name, err)
		}
	}
}

func isPatchableLibrary(fsname string) bool {
	for _, lib := range patchableLibraries {
		if strings.Contains(fsname, lib) {
			return true
		}
	}
	return false
}

func (p *Patcher) patchLibrary(t *task.Task, fsname string) error {
	file, err := elf.Open(fsname)
	if err != nil {
		return err
	}
	defer file.Close()

	base, err := libraryLoadBase(t, fsname, file)
	if err != nil {
		return err
	}

	syms, err := file.DynamicSymbols()
	if err != nil {
		return err
	}

	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		p.tryPatchFunction(t, base+sym.Value, sym.Size)
	}
	return nil
}

// tryPatchFunction scans one function body for a syscall instruction whose
// following bytes match a hook, and installs the trampoline call there.
func (p *Patcher) tryPatchFunction(t *task.Task, addr, size uint64) {
	if size > 4096 {
		size = 4096
	}
	body := make([]byte, size)
	if n, err := t.ReadMemFallible(addr, body); err != nil || n != len(body) {
		return
	}

	for i := 0; i+len(proc.SyscallInsn) <= len(body); i++ {
		if !bytes.Equal(body[i:i+len(proc.SyscallInsn)], proc.SyscallInsn) {
			continue
		}
		siteAddr := addr + uint64(i)
		followingAddr := siteAddr + uint64(len(proc.SyscallInsn))
		if p.triedSites[followingAddr] {
			continue
		}
		p.triedSites[followingAddr] = true

		following := body[i+len(proc.SyscallInsn):]
		for _, hook := range p.hooks {
			if !hook.Matches(following) {
				continue
			}
			patchLen := len(proc.SyscallInsn) + len(hook.NextInsnBytes)
			tmpl, ok := callTemplate(siteAddr, hook.HookAddr, patchLen)
			if !ok {
				logger.Debug("hook %#x beyond rel32 reach of site %#x; not patching", hook.HookAddr, siteAddr)
				break
			}
			if err := t.WriteMem(siteAddr, tmpl); err != nil {
				logger.Debug("writing patch at %#x: %v", siteAddr, err)
				break
			}
			logger.Debug("patched syscall site %#x to hook %#x", siteAddr, hook.HookAddr)
			break
		}
	}
}

// libraryLoadBase computes the runtime load bias of a mapped library.
func libraryLoadBase(t *task.Task, fsname string, file *elf.File) (uint64, error) {
	var lowest *proc.MapEntry
	for i, e := range t.AS.Mem().Entries() {
		if e.Res.Fsname == fsname {
			lowest = &t.AS.Mem().Entries()[i]
			break
		}
	}
	if lowest == nil {
		return 0, fmt.Errorf("%s not mapped", fsname)
	}

	var minVaddr uint64 = ^uint64(0)
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
		}
	}
	if minVaddr == ^uint64(0) {
		return 0, fmt.Errorf("%s has no PT_LOAD segments", fsname)
	}
	return lowest.Map.Start - utils.FloorPageSize(minVaddr), nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	return uint64(leU32(b)) | uint64(leU32(b[4:]))<<32
}
