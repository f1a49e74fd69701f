package proc

import (
	"os"
	"strings"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/utils"
)

// Tracee is the slice of a stopped task the address space model needs:
// memory access and debug register programming. Implemented by task.Task.
type Tracee interface {
	Pid() int
	ReadMemFallible(addr uint64, buf []byte) (int, error)
	WriteMem(addr uint64, buf []byte) error
	SetDebugRegs(configs []WatchConfig) bool
}

// DestroyListener is notified when an address space loses its last task.
type DestroyListener interface {
	OnAddressSpaceDestroy(as *AddressSpace)
}

// names under which the replay-time emulated fs surfaces backing files; a
// kernel mapping of such a file may carry a device/inode the recorder never
// saw, and verification accepts it by name
var emufsNameMarkers = []string{"/dev/shm/rr-emufs", "/tmp/rr-emufs"}

// AddressSpace is the engine's cached model of one tracee virtual memory
// map, shared by all tasks in a CLONE_VM group.
type AddressSpace struct {
	Exe string

	mem         MemoryMap
	breakpoints BreakpointMap
	watchpoints WatchpointMap

	heap    Mapping
	heapRes Resource

	VdsoStart uint64

	// fast access to tracee memory; owned here, moved to the successor
	// address space on exec
	MemFile *os.File

	tracees map[Tracee]bool

	TracedSyscallIP   uint64
	UntracedSyscallIP uint64

	listener DestroyListener
}

func NewAddressSpace(exe string, listener DestroyListener) *AddressSpace {
	return &AddressSpace{
		Exe:         exe,
		breakpoints: BreakpointMap{}.New(),
		watchpoints: WatchpointMap{}.New(),
		tracees:     make(map[Tracee]bool),
		listener:    listener,
	}
}

// PopulateFromKernel fills the cache by walking /proc/<pid>/maps. Used after
// exec, when the kernel's view is authoritative.
func (as *AddressSpace) PopulateFromKernel(pid int) {
	for _, km := range ReadKernelMappings(pid) {
		res := km.Res
		switch res.Id.Device {
		case DeviceHeap:
			as.heap = km.Map
			as.heapRes = res
		case DeviceVdso:
			as.VdsoStart = km.Map.Start
		}
		as.mem.Insert(km.Map, res)
	}
}

func (as *AddressSpace) Mem() *MemoryMap {
	return &as.mem
}

func (as *AddressSpace) Heap() Mapping {
	return as.heap
}

func (as *AddressSpace) AddTask(t Tracee) {
	as.tracees[t] = true
}

func (as *AddressSpace) RemoveTask(t Tracee) {
	delete(as.tracees, t)
	if len(as.tracees) == 0 {
		if as.MemFile != nil {
			as.MemFile.Close()
			as.MemFile = nil
		}
		if as.listener != nil {
			as.listener.OnAddressSpaceDestroy(as)
		}
	}
}

func (as *AddressSpace) anyTracee() Tracee {
	for t := range as.tracees {
		return t
	}
	logger.Fatal("address space for %v has no tasks", as.Exe)
	return nil
}

// Map inserts a mapping. An overlapping target range is unmapped first, the
// behavior the kernel exhibits for MAP_FIXED over existing maps.
func (as *AddressSpace) Map(addr uint64, numBytes uint64, prot, flags int, offset int64, res Resource) {
	logger.Debug("mmap(%#x, %#x, %#x, %#x, %#x)", addr, numBytes, prot, flags, offset)

	numBytes = utils.CeilPageSize(numBytes)
	m := NewMapping(addr, addr+numBytes, prot, flags, offset)

	if as.mem.Find(m) != nil {
		as.Unmap(addr, numBytes)
	}

	as.mapAndCoalesce(m, res)

	switch res.Id.Device {
	case DeviceHeap:
		as.heap = m
		as.heapRes = res
	case DeviceVdso:
		as.VdsoStart = addr
	}
}

// Unmap erases every mapping intersecting the range, reinserting any
// underflowing prefix and overflowing suffix.
func (as *AddressSpace) Unmap(addr uint64, numBytes uint64) {
	logger.Debug("munmap(%#x, %#x)", addr, numBytes)

	as.mem.ForEachInRange(addr, numBytes, false, func(m Mapping, r Resource, rem Mapping) {
		as.mem.Erase(m)

		if m.Start < rem.Start {
			underflow := Mapping{m.Start, rem.Start, m.Prot, m.Flags, m.Offset}
			as.mem.Insert(underflow, r)
		}
		if rem.End < m.End {
			overflow := Mapping{rem.End, m.End, m.Prot, m.Flags, adjustOffset(r, m, rem.End-m.Start)}
			as.mem.Insert(overflow, r)
		}
	})
}

// Protect changes the protection of the overlapping portions of the range,
// stopping at the first discontiguity like the kernel does.
func (as *AddressSpace) Protect(addr uint64, numBytes uint64, prot int) {
	logger.Debug("mprotect(%#x, %#x, %#x)", addr, numBytes, prot)

	var lastOverlap Mapping
	as.mem.ForEachInRange(addr, numBytes, true, func(m Mapping, r Resource, rem Mapping) {
		as.mem.Erase(m)

		if m.Start < rem.Start {
			underflow := Mapping{m.Start, rem.Start, m.Prot, m.Flags, m.Offset}
			as.mem.Insert(underflow, r)
		}
		overlap := Mapping{rem.Start, minU64(rem.End, m.End), prot, m.Flags, adjustOffset(r, m, rem.Start-m.Start)}
		as.mem.Insert(overlap, r)
		lastOverlap = overlap

		if rem.End < m.End {
			overflow := Mapping{rem.End, m.End, m.Prot, m.Flags, adjustOffset(r, m, rem.End-m.Start)}
			as.mem.Insert(overflow, r)
		}
	})

	if lastOverlap.NumBytes() > 0 {
		as.coalesceAround(lastOverlap)
	}
}

// Remap moves a mapping, mremap style. A zero new length is a pure unmap.
func (as *AddressSpace) Remap(oldAddr, oldNumBytes, newAddr, newNumBytes uint64) {
	logger.Debug("mremap(%#x, %#x, %#x, %#x)", oldAddr, oldNumBytes, newAddr, newNumBytes)

	e := as.mem.Find(Mapping{Start: oldAddr, End: oldAddr + maxU64(oldNumBytes, 1)})
	if e == nil {
		logger.Fatal("mremap of unmapped range %#x", oldAddr)
	}
	m, r := e.Map, e.Res

	as.Unmap(oldAddr, oldNumBytes)
	if newNumBytes == 0 {
		return
	}

	newNumBytes = utils.CeilPageSize(newNumBytes)
	as.mapAndCoalesce(Mapping{newAddr, newAddr + newNumBytes, m.Prot, m.Flags, adjustOffset(r, m, oldAddr-m.Start)}, r)
}

// Brk moves the end of the heap mapping; the start never moves.
func (as *AddressSpace) Brk(newEnd uint64) {
	logger.Debug("brk(%#x)", newEnd)

	if as.heap.NumBytes() == 0 {
		logger.Fatal("brk before a heap mapping exists")
	}
	newEnd = utils.CeilPageSize(newEnd)
	as.Unmap(as.heap.Start, as.heap.NumBytes())
	heap := Mapping{as.heap.Start, newEnd, as.heap.Prot, as.heap.Flags, 0}
	as.mapAndCoalesce(heap, as.heapRes)
	as.heap = heap
}

// UpdateHeap records where the heap lives when it is first observed.
func (as *AddressSpace) UpdateHeap(m Mapping, r Resource) {
	as.heap = m
	as.heapRes = r
}

func adjustOffset(r Resource, m Mapping, delta uint64) int64 {
	if r.Id.IsRealDevice() {
		return m.Offset + int64(delta)
	}
	return 0
}

func (as *AddressSpace) mapAndCoalesce(m Mapping, r Resource) {
	as.mem.Insert(m, r)
	as.coalesceAround(m)
}

func isAdjacentMapping(left, right MapEntry) bool {
	if left.Map.End != right.Map.Start {
		return false
	}
	if left.Map.Flags != right.Map.Flags || left.Map.Prot != right.Map.Prot {
		return false
	}
	if right.Res.IsEmptyRegionPlaceholder() {
		return true
	}
	if !left.Res.Equivalent(right.Res) {
		return false
	}
	if left.Res.Id.IsRealDevice() && left.Map.Offset+int64(left.Map.NumBytes()) != right.Map.Offset {
		return false
	}
	return true
}

func (as *AddressSpace) coalesceAround(m Mapping) {
	center := as.mem.Find(m)
	if center == nil {
		logger.Fatal("coalescing around unmapped %v", m)
	}
	entries := as.mem.Entries()

	idx := -1
	for i := range entries {
		if entries[i].Map == center.Map {
			idx = i
			break
		}
	}

	first := idx
	for first > 0 && isAdjacentMapping(entries[first-1], entries[first]) {
		first--
	}
	last := idx
	for last+1 < len(entries) && isAdjacentMapping(entries[last], entries[last+1]) {
		last++
	}
	if first == last {
		logger.Debug("  no mappings to coalesce")
		return
	}

	merged := Mapping{
		entries[first].Map.Start, entries[last].Map.End,
		entries[idx].Map.Prot, entries[idx].Map.Flags,
		entries[first].Map.Offset,
	}
	res := entries[idx].Res
	logger.Debug("  coalescing %v through %v", entries[first].Map, entries[last].Map)

	for i := last; i >= first; i-- {
		as.mem.Erase(as.mem.Entries()[i].Map)
	}
	as.mem.Insert(merged, res)
}

// SetBreakpoint saves the byte at addr, writes the trap instruction over it
// and takes a reference. Returns false, leaving state unchanged, if the byte
// cannot be read.
func (as *AddressSpace) SetBreakpoint(addr uint64, which TrapType) bool {
	bp, ok := as.breakpoints[addr]
	if !ok {
		t := as.anyTracee()
		buf := make([]byte, 1)
		n, err := t.ReadMemFallible(addr, buf)
		if n != 1 || err != nil {
			return false
		}
		bp = &Breakpoint{OverwrittenData: buf[0]}
		if err := t.WriteMem(addr, []byte{BreakpointInsn}); err != nil {
			return false
		}
		as.breakpoints[addr] = bp
	}
	bp.Ref(which)
	return true
}

// RemoveBreakpoint drops a reference; at zero the saved byte is restored and
// the entry erased. Removal of an unknown breakpoint is ignored, as is a
// failed restore write: the address may have been unmapped since.
func (as *AddressSpace) RemoveBreakpoint(addr uint64, which TrapType) {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return
	}
	if bp.Unref(which) > 0 {
		return
	}
	as.destroyBreakpoint(addr, bp)
}

func (as *AddressSpace) destroyBreakpoint(addr uint64, bp *Breakpoint) {
	t := as.anyTracee()
	t.WriteMem(addr, []byte{bp.OverwrittenData})
	delete(as.breakpoints, addr)
}

func (as *AddressSpace) DestroyAllBreakpoints() {
	for addr, bp := range as.breakpoints {
		as.destroyBreakpoint(addr, bp)
	}
}

// SnapshotBreakpoints copies the breakpoint table, per-breakpoint, so a
// checkpoint can carry it.
func (as *AddressSpace) SnapshotBreakpoints() BreakpointMap {
	snap := BreakpointMap{}.New()
	for addr, bp := range as.breakpoints {
		snap[addr] = bp.Clone()
	}
	return snap
}

// RestoreBreakpoints replaces the table with a snapshot. The caller restores
// the memory image the snapshot belongs to; the trap bytes in it already
// agree with the snapshot.
func (as *AddressSpace) RestoreBreakpoints(snap BreakpointMap) {
	as.breakpoints = BreakpointMap{}.New()
	for addr, bp := range snap {
		as.breakpoints[addr] = bp.Clone()
	}
}

func (as *AddressSpace) GetBreakpointTypeAt(addr uint64) TrapType {
	if bp, ok := as.breakpoints[addr]; ok {
		return bp.Type()
	}
	return TrapNone
}

// GetBreakpointTypeForRetiredInsn classifies a stop whose reported IP is the
// instruction after a trap.
func (as *AddressSpace) GetBreakpointTypeForRetiredInsn(ip uint64) TrapType {
	return as.GetBreakpointTypeAt(ip - 1)
}

func (as *AddressSpace) OverwrittenByteAt(addr uint64) (byte, bool) {
	if bp, ok := as.breakpoints[addr]; ok {
		return bp.OverwrittenData, true
	}
	return 0, false
}

// SetWatchpoint takes a reference on the range for the given access classes
// and reprojects the logical set onto the hardware slots of every task.
// Returns false when the projection does not fit; the logical entry is kept
// so a later remove stays balanced.
func (as *AddressSpace) SetWatchpoint(addr uint64, numBytes uint64, which WatchType) bool {
	key := MemoryRange{addr, numBytes}
	wp, ok := as.watchpoints[key]
	if !ok {
		wp = &Watchpoint{}
		as.watchpoints[key] = wp
	}
	wp.Watch(which)
	return as.allocateWatchpoints()
}

func (as *AddressSpace) RemoveWatchpoint(addr uint64, numBytes uint64, which WatchType) {
	key := MemoryRange{addr, numBytes}
	if wp, ok := as.watchpoints[key]; ok && wp.Unwatch(which) == 0 {
		delete(as.watchpoints, key)
	}
	as.allocateWatchpoints()
}

func (as *AddressSpace) DestroyAllWatchpoints() {
	as.watchpoints = WatchpointMap{}.New()
	as.allocateWatchpoints()
}

// allocateWatchpoints projects the logical watchpoint set onto the hardware
// debug register budget and programs every task in the space.
func (as *AddressSpace) allocateWatchpoints() bool {
	configs := make([]WatchConfig, 0, len(as.watchpoints))
	for r, wp := range as.watchpoints {
		watching := wp.WatchedBits()
		if watching&WatchExec != 0 {
			configs = append(configs, WatchConfig{r.Addr, r.NumBytes, WatchExec})
		}
		if watching&WatchRead == 0 && watching&WatchWrite != 0 {
			configs = append(configs, WatchConfig{r.Addr, r.NumBytes, WatchWrite})
		}
		if watching&WatchRead != 0 {
			configs = append(configs, WatchConfig{r.Addr, r.NumBytes, WatchReadWrite})
		}
	}
	for t := range as.tracees {
		if !t.SetDebugRegs(configs) {
			return false
		}
	}
	return true
}

// Clone deep-copies the space for a fork without CLONE_VM. Breakpoints are
// cloned per-breakpoint so refcounts stay private to each space.
func (as *AddressSpace) Clone(listener DestroyListener) *AddressSpace {
	clone := NewAddressSpace(as.Exe, listener)
	clone.mem = as.mem.Clone()
	clone.heap = as.heap
	clone.heapRes = as.heapRes
	clone.VdsoStart = as.VdsoStart
	clone.TracedSyscallIP = as.TracedSyscallIP
	clone.UntracedSyscallIP = as.UntracedSyscallIP
	for addr, bp := range as.breakpoints {
		clone.breakpoints[addr] = bp.Clone()
	}
	return clone
}

// Verify checks the cache against the live kernel view. The engine and the
// kernel merge adjacent mappings by slightly different heuristics, so both
// sides are first reduced to a common denominator: adjacent mappings whose
// kernel-visible flags and resources match get merged, then the two merged
// sequences must agree pairwise on (start, end, prot, kernel flags).
func (as *AddressSpace) Verify(t Tracee) {
	cached := mergeForVerify(kernelViewOfCache(as.mem.Entries()))

	kms := ReadKernelMappings(t.Pid())
	kernel := make([]MapEntry, 0, len(kms))
	for _, km := range kms {
		kernel = append(kernel, MapEntry{km.Map.ToKernel(), km.Res})
	}
	kernel = mergeForVerify(kernel)

	if len(cached) != len(kernel) {
		as.dump()
		logger.Fatal("cached mmap has %d merged segments, kernel has %d", len(cached), len(kernel))
	}
	for i := range cached {
		c, k := cached[i], kernel[i]
		same := c.Map.Start == k.Map.Start && c.Map.End == k.Map.End &&
			c.Map.Prot == k.Map.Prot && c.Map.Flags == k.Map.Flags
		if !same {
			as.dump()
			logger.Fatal("cached mapping %v should be %v", c.Map, k.Map)
		}
		if !c.Res.Equivalent(k.Res) && !isEmufsName(k.Res.Fsname) && !c.Res.IsEmptyRegionPlaceholder() {
			// a file served by the replayer's emulated fs has a live
			// device/inode the recorder never saw; accept it by name
			if c.Res.Id.IsRealDevice() && k.Res.Id.IsRealDevice() {
				as.dump()
				logger.Fatal("cached resource %v should be %v", c.Res, k.Res)
			}
		}
	}
}

func kernelViewOfCache(entries []MapEntry) []MapEntry {
	out := make([]MapEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, MapEntry{e.Map.ToKernel(), e.Res})
	}
	return out
}

func mergeForVerify(entries []MapEntry) []MapEntry {
	merged := make([]MapEntry, 0, len(entries))
	for _, e := range entries {
		if len(merged) > 0 && isAdjacentMapping(merged[len(merged)-1], e) {
			last := &merged[len(merged)-1]
			last.Map = Mapping{last.Map.Start, e.Map.End, e.Map.Prot, e.Map.Flags, last.Map.Offset}
			continue
		}
		merged = append(merged, e)
	}
	return merged
}

func isEmufsName(name string) bool {
	for _, marker := range emufsNameMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func (as *AddressSpace) dump() {
	logger.Error("  (heap: %#x-%#x)", as.heap.Start, as.heap.End)
	for _, e := range as.mem.Entries() {
		logger.Error("%v %v", e.Map, e.Res)
	}
}
