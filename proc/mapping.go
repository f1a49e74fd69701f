package proc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/utils"
)

// mapping flags we track; everything else the kernel accepts is masked away
// when a mapping enters the cache
const (
	MapAnonymous = unix.MAP_ANONYMOUS
	MapNoReserve = unix.MAP_NORESERVE
	MapPrivate   = unix.MAP_PRIVATE
	MapShared    = unix.MAP_SHARED
	MapStack     = unix.MAP_GROWSDOWN
	MapFixed     = unix.MAP_FIXED

	mapFlagsMask = MapAnonymous | MapFixed | MapNoReserve | MapPrivate | MapShared | MapStack

	// the subset of flags that can be read back out of /proc/maps
	checkableFlagsMask = MapPrivate | MapShared
)

// Mapping describes one contiguous virtual range with uniform protection and
// flags. Immutable once constructed.
type Mapping struct {
	Start  uint64
	End    uint64
	Prot   int
	Flags  int
	Offset int64
}

func NewMapping(start, end uint64, prot, flags int, offset int64) Mapping {
	m := Mapping{start, end, prot, flags & mapFlagsMask, offset}
	m.assertValid()
	return m
}

func (m Mapping) assertValid() {
	if m.End < m.Start {
		logger.Fatal("mapping end %#x before start %#x", m.End, m.Start)
	}
	if !utils.IsPageAligned(m.Start) || !utils.IsPageAligned(m.End) {
		logger.Fatal("mapping %v not page aligned", m)
	}
	if !utils.IsPageAligned(uint64(m.Offset)) {
		logger.Fatal("mapping offset %#x not page aligned", m.Offset)
	}
}

func (m Mapping) NumBytes() uint64 {
	return m.End - m.Start
}

func (m Mapping) Intersects(o Mapping) bool {
	return m.Start < o.End && o.Start < m.End
}

func (m Mapping) HasSubset(o Mapping) bool {
	return m.Start <= o.Start && o.End <= m.End
}

func (m Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// ToKernel masks away the flags the kernel doesn't report back through
// /proc/maps, for comparing cached mappings against kernel ones
func (m Mapping) ToKernel() Mapping {
	return Mapping{m.Start, m.End, m.Prot, m.Flags & checkableFlagsMask, m.Offset}
}

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x %s f:%#x o:%#x", m.Start, m.End, protString(m.Prot), m.Flags, m.Offset)
}

func protString(prot int) string {
	chars := []byte("---")
	if prot&unix.PROT_READ != 0 {
		chars[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		chars[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		chars[2] = 'x'
	}
	return string(chars)
}
