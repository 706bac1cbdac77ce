// Package loader reads 64-bit little-endian ELF binaries built for the MIC
// coprocessors (machine K1OM) and materializes their loadable segments into
// a flat memory image.
package loader

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// ELF constants relevant to MIC binaries.
const (
	MachineK1OM = 181

	ptLoad = 1

	pfExec  = 1
	pfWrite = 2

	shtSymtab = 2
	shtRela   = 4
)

const (
	elfHeaderSize     = 64
	programHeaderSize = 56
	sectionHeaderSize = 64
	symbolEntrySize   = 24
	relaEntrySize     = 24
)

// A Segment is one PT_LOAD program segment. MemSize beyond len(Data) is
// zero-filled at materialization.
type Segment struct {
	VAddr   uint64
	Data    []byte
	MemSize uint64
	Flags   uint32
}

// Executable reports whether the segment belongs to the text section.
func (s Segment) Executable() bool {
	return s.Flags&pfExec != 0
}

// Writable reports whether the segment belongs to the data section.
func (s Segment) Writable() bool {
	return s.Flags&pfWrite != 0
}

// A Symbol is one entry of a symbol table, kept for later resolution.
type Symbol struct {
	NameOffset uint32
	Info       byte
	SectionIdx uint16
	Value      uint64
	Size       uint64
}

// A Relocation is one RELA entry, kept for later resolution.
type Relocation struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// A Binary is a parsed MIC ELF executable.
type Binary struct {
	Filename string
	Entry    uint64
	Machine  uint16

	// IsMIC is false when the machine field is not K1OM; such binaries
	// load with a warning.
	IsMIC bool

	Segments    []Segment
	Symbols     []Symbol
	Relocations []Relocation

	TextSize uint64
	DataSize uint64
}

// LoadFile reads and parses an ELF binary from disk.
func LoadFile(path string) (*Binary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, arch.NewInvalidArgumentError(
			fmt.Sprintf("cannot open %s: %v", path, err))
	}

	b, err := Parse(data)
	if err != nil {
		return nil, err
	}
	b.Filename = path

	return b, nil
}

// Parse validates the ELF header and collects segments, symbols, and
// relocations.
func Parse(data []byte) (*Binary, error) {
	if len(data) < elfHeaderSize {
		return nil, arch.NewInvalidArgumentError("file too short for an ELF header")
	}

	if data[0] != 0x7F || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, arch.NewInvalidArgumentError("invalid ELF magic number")
	}
	if data[4] != 2 {
		return nil, arch.NewInvalidArgumentError("not a 64-bit ELF file")
	}
	if data[5] != 1 {
		return nil, arch.NewInvalidArgumentError("not a little-endian ELF file")
	}

	le := binary.LittleEndian

	b := &Binary{
		Machine: le.Uint16(data[18:]),
		Entry:   le.Uint64(data[24:]),
	}

	b.IsMIC = b.Machine == MachineK1OM
	if !b.IsMIC {
		log.Printf(
			"warning: binary may not be for the MIC architecture (machine %d)",
			b.Machine)
	}

	if err := b.readProgramHeaders(data); err != nil {
		return nil, err
	}
	if err := b.readSectionHeaders(data); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Binary) readProgramHeaders(data []byte) error {
	le := binary.LittleEndian

	phOff := le.Uint64(data[32:])
	phNum := int(le.Uint16(data[56:]))

	for i := 0; i < phNum; i++ {
		off := phOff + uint64(i*programHeaderSize)
		if off+programHeaderSize > uint64(len(data)) {
			return arch.NewInvalidArgumentError("program header out of file bounds")
		}

		ph := data[off:]
		pType := le.Uint32(ph[0:])
		if pType != ptLoad {
			continue
		}

		flags := le.Uint32(ph[4:])
		fileOff := le.Uint64(ph[8:])
		vaddr := le.Uint64(ph[16:])
		fileSz := le.Uint64(ph[32:])
		memSz := le.Uint64(ph[40:])

		if fileOff+fileSz > uint64(len(data)) {
			return arch.NewInvalidArgumentError("segment data out of file bounds")
		}

		seg := Segment{
			VAddr:   vaddr,
			Data:    append([]byte(nil), data[fileOff:fileOff+fileSz]...),
			MemSize: memSz,
			Flags:   flags,
		}
		b.Segments = append(b.Segments, seg)

		if seg.Executable() {
			b.TextSize += memSz
		}
		if seg.Writable() {
			b.DataSize += memSz
		}
	}

	return nil
}

func (b *Binary) readSectionHeaders(data []byte) error {
	le := binary.LittleEndian

	shOff := le.Uint64(data[40:])
	shNum := int(le.Uint16(data[60:]))

	for i := 0; i < shNum; i++ {
		off := shOff + uint64(i*sectionHeaderSize)
		if off+sectionHeaderSize > uint64(len(data)) {
			return arch.NewInvalidArgumentError("section header out of file bounds")
		}

		sh := data[off:]
		shType := le.Uint32(sh[4:])
		shOffset := le.Uint64(sh[24:])
		shSize := le.Uint64(sh[32:])

		if shOffset+shSize > uint64(len(data)) {
			continue
		}

		switch shType {
		case shtSymtab:
			b.readSymbols(data[shOffset : shOffset+shSize])
		case shtRela:
			b.readRelocations(data[shOffset : shOffset+shSize])
		}
	}

	return nil
}

func (b *Binary) readSymbols(table []byte) {
	le := binary.LittleEndian

	for off := 0; off+symbolEntrySize <= len(table); off += symbolEntrySize {
		e := table[off:]
		b.Symbols = append(b.Symbols, Symbol{
			NameOffset: le.Uint32(e[0:]),
			Info:       e[4],
			SectionIdx: le.Uint16(e[6:]),
			Value:      le.Uint64(e[8:]),
			Size:       le.Uint64(e[16:]),
		})
	}
}

func (b *Binary) readRelocations(table []byte) {
	le := binary.LittleEndian

	for off := 0; off+relaEntrySize <= len(table); off += relaEntrySize {
		e := table[off:]
		b.Relocations = append(b.Relocations, Relocation{
			Offset: le.Uint64(e[0:]),
			Info:   le.Uint64(e[8:]),
			Addend: int64(le.Uint64(e[16:])),
		})
	}
}

// Image flattens all loadable segments into one memory image starting at
// address 0. Memory beyond a segment's file data is zero-filled.
func (b *Binary) Image() []byte {
	var top uint64
	for _, seg := range b.Segments {
		if end := seg.VAddr + seg.MemSize; end > top {
			top = end
		}
	}

	image := make([]byte, top)
	for _, seg := range b.Segments {
		copy(image[seg.VAddr:], seg.Data)
	}

	return image
}
