package patcher

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/task"
	"github.com/mihkeltiks/rec-replay/utils"
)

// expected static link addresses of the VDSO image; symbol values may be
// either absolute against one of these or VDSO-relative, depending on how
// the kernel was built
var expectedVdsoBases = []uint64{0xffffffffff700000, 0xffffe000}

// VdsoSymbols is the parsed dynamic symbol table of a tracee's VDSO.
type VdsoSymbols struct {
	Start   uint64
	Size    uint64
	symbols map[string]uint64 // name -> offset from Start
}

// ReadVdsoSymbols pulls the VDSO image out of the tracee and walks its
// dynamic symbol table.
func ReadVdsoSymbols(t *task.Task) (*VdsoSymbols, error) {
	start := t.AS.VdsoStart
	if start == 0 {
		return nil, fmt.Errorf("tracee %d has no VDSO", t.Pid())
	}
	entry := t.AS.Mem().FindContaining(start)
	if entry == nil {
		return nil, fmt.Errorf("VDSO start %#x not in cache", start)
	}
	data := make([]byte, entry.Map.NumBytes())
	t.ReadMem(start, data)

	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing VDSO ELF: %w", err)
	}
	defer file.Close()

	syms, err := file.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("reading VDSO dynamic symbols: %w", err)
	}

	vs := &VdsoSymbols{
		Start:   start,
		Size:    entry.Map.NumBytes(),
		symbols: make(map[string]uint64),
	}
	for _, sym := range syms {
		vs.symbols[sym.Name] = vs.normalize(sym.Value)
	}
	return vs, nil
}

// normalize maps a symbol value, absolute or VDSO-relative, to a page-sized
// offset from the live VDSO start.
func (vs *VdsoSymbols) normalize(value uint64) uint64 {
	for _, base := range expectedVdsoBases {
		if value >= base && value < base+vs.Size {
			value -= base
			break
		}
	}
	mask := utils.CeilPageSize(vs.Size) - 1
	return value & mask
}

// Lookup returns the live address of a VDSO symbol.
func (vs *VdsoSymbols) Lookup(name string) (uint64, bool) {
	offset, ok := vs.symbols[name]
	if !ok {
		return 0, false
	}
	return vs.Start + offset, true
}

// MustLookup dies when the recording host's VDSO lacks a symbol the engine
// must patch; continuing would leave an unrecorded time source.
func (vs *VdsoSymbols) MustLookup(name string) uint64 {
	addr, ok := vs.Lookup(name)
	if !ok {
		logger.Fatal("VDSO symbol %s not found on recording host", name)
	}
	return addr
}
