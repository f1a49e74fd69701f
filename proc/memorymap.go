package proc

import (
	"sort"

	"github.com/mihkeltiks/rec-replay/logger"
)

// MemoryMap holds the non-overlapping mappings of one address space, ordered
// by start address. Range lookups treat any intersecting stored mapping as a
// match, so "the mapping containing address A" is a single query.
//
// Stored as a sorted slice rather than an overlap-keyed tree: tracee map
// counts stay small and mutations only happen from the one task stopped on a
// mutating syscall.
type MemoryMap struct {
	entries []MapEntry
}

type MapEntry struct {
	Map Mapping
	Res Resource
}

func (mm *MemoryMap) Len() int {
	return len(mm.entries)
}

func (mm *MemoryMap) Entries() []MapEntry {
	return mm.entries
}

// lowest index whose mapping could intersect a range starting at addr
func (mm *MemoryMap) lowerBound(addr uint64) int {
	return sort.Search(len(mm.entries), func(i int) bool {
		return mm.entries[i].Map.End > addr
	})
}

// Find returns the first stored entry intersecting q, or nil.
func (mm *MemoryMap) Find(q Mapping) *MapEntry {
	i := mm.lowerBound(q.Start)
	if i < len(mm.entries) && mm.entries[i].Map.Intersects(q) {
		return &mm.entries[i]
	}
	return nil
}

func (mm *MemoryMap) FindContaining(addr uint64) *MapEntry {
	return mm.Find(Mapping{Start: addr, End: addr + 1})
}

// Insert adds a mapping which must not intersect any stored one; callers
// clear the target range first, mirroring kernel MAP_FIXED semantics.
func (mm *MemoryMap) Insert(m Mapping, r Resource) {
	i := mm.lowerBound(m.Start)
	if i < len(mm.entries) && mm.entries[i].Map.Intersects(m) {
		logger.Fatal("inserting %v over existing %v", m, mm.entries[i].Map)
	}
	mm.entries = append(mm.entries, MapEntry{})
	copy(mm.entries[i+1:], mm.entries[i:])
	mm.entries[i] = MapEntry{m, r}
}

func (mm *MemoryMap) erase(i int) {
	mm.entries = append(mm.entries[:i], mm.entries[i+1:]...)
}

// Erase removes the entry for exactly m.
func (mm *MemoryMap) Erase(m Mapping) {
	i := mm.lowerBound(m.Start)
	if i >= len(mm.entries) || mm.entries[i].Map != m {
		logger.Fatal("erasing unknown mapping %v", m)
	}
	mm.erase(i)
}

// ForEachInRange invokes f for every stored entry intersecting
// [start, start+numBytes), along with the intersection rem of that entry and
// the queried range. f may mutate the map; iteration resumes from the
// entry following rem. With contiguous set, iteration stops at the first gap,
// matching kernel mprotect semantics.
func (mm *MemoryMap) ForEachInRange(start, numBytes uint64, contiguous bool, f func(m Mapping, r Resource, rem Mapping)) {
	regionStart := start
	regionEnd := start + numBytes
	lastEnd := uint64(0)
	first := true

	for regionStart < regionEnd {
		i := mm.lowerBound(regionStart)
		if i >= len(mm.entries) {
			return
		}
		e := mm.entries[i]
		if !e.Map.Intersects(Mapping{Start: regionStart, End: regionEnd}) {
			return
		}
		if contiguous && !first && e.Map.Start != lastEnd {
			return
		}
		first = false
		lastEnd = e.Map.End

		rem := Mapping{Start: maxU64(regionStart, e.Map.Start), End: minU64(regionEnd, e.Map.End)}
		f(e.Map, e.Res, rem)

		regionStart = rem.End
	}
}

func (mm *MemoryMap) Clone() MemoryMap {
	entries := make([]MapEntry, len(mm.entries))
	copy(entries, mm.entries)
	return MemoryMap{entries}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
