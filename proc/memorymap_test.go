package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testAddressSpace() *AddressSpace {
	return NewAddressSpace("/bin/test", nil)
}

func anonRes(inode uint64) Resource {
	return AnonymousResource(inode)
}

const page = 0x1000

func checkNoOverlap(t *testing.T, as *AddressSpace) {
	entries := as.Mem().Entries()
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].Map.End, entries[i].Map.Start,
			"mappings %v and %v intersect", entries[i-1].Map, entries[i].Map)
	}
}

func checkFullyCoalesced(t *testing.T, as *AddressSpace) {
	entries := as.Mem().Entries()
	for i := 1; i < len(entries); i++ {
		assert.False(t, isAdjacentMapping(entries[i-1], entries[i]),
			"mappings %v and %v should have been coalesced", entries[i-1].Map, entries[i].Map)
	}
}

func TestMapSingleMapping(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 2*page, unix.PROT_READ|unix.PROT_WRITE, MapAnonymous|MapPrivate, 0, anonRes(1))

	require.Equal(t, 1, as.Mem().Len())
	e := as.Mem().FindContaining(0x10000)
	require.NotNil(t, e)
	assert.Equal(t, uint64(0x10000), e.Map.Start)
	assert.Equal(t, uint64(0x10000+2*page), e.Map.End)
}

func TestMapThenUnmapAll(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 2*page, unix.PROT_READ|unix.PROT_WRITE, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Unmap(0x10000, 2*page)

	assert.Equal(t, 0, as.Mem().Len())
}

func TestUnmapMiddleSplits(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 3*page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Unmap(0x10000+page, page)

	require.Equal(t, 2, as.Mem().Len())
	entries := as.Mem().Entries()
	assert.Equal(t, uint64(0x10000), entries[0].Map.Start)
	assert.Equal(t, uint64(0x10000+page), entries[0].Map.End)
	assert.Equal(t, uint64(0x10000+2*page), entries[1].Map.Start)
	assert.Equal(t, uint64(0x10000+3*page), entries[1].Map.End)
	checkNoOverlap(t, as)
}

func TestUnmapSuffixAdjustsRealDeviceOffset(t *testing.T) {
	as := testAddressSpace()
	res := Resource{RealDeviceId(8, 1, 42), "/lib/thing.so"}
	as.Map(0x10000, 3*page, unix.PROT_READ, MapPrivate, 0, res)
	as.Unmap(0x10000, page)

	require.Equal(t, 1, as.Mem().Len())
	e := as.Mem().Entries()[0]
	assert.Equal(t, int64(page), e.Map.Offset)
}

func TestUnmapSuffixKeepsPseudoDeviceOffsetZero(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 3*page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Unmap(0x10000, page)

	e := as.Mem().Entries()[0]
	assert.Equal(t, int64(0), e.Map.Offset)
}

func TestMapFixedOverExistingUnmapsFirst(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 4*page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Map(0x10000+page, page, unix.PROT_READ|unix.PROT_WRITE, MapAnonymous|MapPrivate, 0, anonRes(2))

	checkNoOverlap(t, as)
	e := as.Mem().FindContaining(0x10000 + page)
	require.NotNil(t, e)
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, e.Map.Prot)
}

// mprotect splitting a 3-page mapping into r-x / --- / r-x
func TestProtectSplitsMapping(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 3*page, unix.PROT_READ|unix.PROT_EXEC, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Protect(0x10000+page, page, unix.PROT_NONE)

	require.Equal(t, 3, as.Mem().Len())
	entries := as.Mem().Entries()
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, entries[0].Map.Prot)
	assert.Equal(t, unix.PROT_NONE, entries[1].Map.Prot)
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, entries[2].Map.Prot)
	checkNoOverlap(t, as)
	checkFullyCoalesced(t, as)
}

func TestProtectBackCoalesces(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 3*page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Protect(0x10000+page, page, unix.PROT_NONE)
	require.Equal(t, 3, as.Mem().Len())

	as.Protect(0x10000+page, page, unix.PROT_READ)
	assert.Equal(t, 1, as.Mem().Len())
	checkFullyCoalesced(t, as)
}

func TestCoalescingOnAdjacentMap(t *testing.T) {
	as := testAddressSpace()
	res := Resource{RealDeviceId(8, 1, 7), "/lib/x.so"}
	as.Map(0x10000, page, unix.PROT_READ, MapPrivate, 0, res)
	as.Map(0x10000+page, page, unix.PROT_READ, MapPrivate, page, res)

	assert.Equal(t, 1, as.Mem().Len())
	e := as.Mem().Entries()[0]
	assert.Equal(t, uint64(0x10000), e.Map.Start)
	assert.Equal(t, uint64(0x10000+2*page), e.Map.End)
}

func TestNoCoalescingAcrossNonAdjacentOffsets(t *testing.T) {
	as := testAddressSpace()
	res := Resource{RealDeviceId(8, 1, 7), "/lib/x.so"}
	as.Map(0x10000, page, unix.PROT_READ, MapPrivate, 0, res)
	as.Map(0x10000+page, page, unix.PROT_READ, MapPrivate, 4*page, res)

	assert.Equal(t, 2, as.Mem().Len())
}

func TestNoCoalescingAcrossDifferentProt(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Map(0x10000+page, page, unix.PROT_READ|unix.PROT_WRITE, MapAnonymous|MapPrivate, 0, anonRes(1))

	assert.Equal(t, 2, as.Mem().Len())
}

func TestEmptyRegionPlaceholderCoalescesWithAnything(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Map(0x10000+page, page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, EmptyRegionResource(0x10000+page))

	assert.Equal(t, 1, as.Mem().Len())
}

func TestRemapMovesMapping(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 2*page, unix.PROT_READ|unix.PROT_WRITE, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Remap(0x10000, 2*page, 0x40000, 4*page)

	require.Equal(t, 1, as.Mem().Len())
	e := as.Mem().Entries()[0]
	assert.Equal(t, uint64(0x40000), e.Map.Start)
	assert.Equal(t, uint64(0x40000+4*page), e.Map.End)
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, e.Map.Prot)
}

func TestRemapZeroLengthIsUnmap(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, 2*page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Remap(0x10000, 2*page, 0x40000, 0)

	assert.Equal(t, 0, as.Mem().Len())
}

func TestBrkGrowsAndShrinksHeap(t *testing.T) {
	as := testAddressSpace()
	heapRes := PseudoResource(DeviceHeap, "[heap]")
	as.Map(0x600000, page, unix.PROT_READ|unix.PROT_WRITE, MapAnonymous|MapPrivate, 0, heapRes)
	require.Equal(t, uint64(0x600000+page), as.Heap().End)

	as.Brk(0x600000 + 3*page)
	assert.Equal(t, uint64(0x600000), as.Heap().Start)
	assert.Equal(t, uint64(0x600000+3*page), as.Heap().End)

	as.Brk(0x600000 + page)
	assert.Equal(t, uint64(0x600000+page), as.Heap().End)
	assert.Equal(t, uint64(0x600000), as.Heap().Start)
}

func TestFindContaining(t *testing.T) {
	as := testAddressSpace()
	as.Map(0x10000, page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(1))
	as.Map(0x30000, page, unix.PROT_READ, MapAnonymous|MapPrivate, 0, anonRes(2))

	assert.Nil(t, as.Mem().FindContaining(0x20000))
	e := as.Mem().FindContaining(0x30000 + 0x10)
	require.NotNil(t, e)
	assert.Equal(t, uint64(0x30000), e.Map.Start)
}

func TestVerifyMergeReducesToKernelView(t *testing.T) {
	// adjacent anonymous mappings the kernel reports as one segment:
	// the common-denominator reduction must merge them the same way
	left := MapEntry{NewMapping(0x10000, 0x11000, unix.PROT_READ, MapPrivate, 0), anonRes(1)}
	right := MapEntry{NewMapping(0x11000, 0x12000, unix.PROT_READ, MapPrivate, 0), anonRes(2)}

	merged := mergeForVerify(kernelViewOfCache([]MapEntry{left, right}))
	require.Len(t, merged, 1)
	assert.Equal(t, uint64(0x10000), merged[0].Map.Start)
	assert.Equal(t, uint64(0x12000), merged[0].Map.End)
}
