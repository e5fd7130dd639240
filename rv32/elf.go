package rv32

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// ELFProgram is the executable segment of a RV32 ELF as a word list.
type ELFProgram struct {
	Entry uint32
	Base  uint32
	Words []uint32
}

// LoadELF extracts the executable PT_LOAD segment holding the entry point.
// Execution always starts at the code base, so the entry must be the segment start.
func LoadELF(f *elf.File) (*ELFProgram, error) {
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("ELF is not RISC-V, but got %q", f.Machine.String())
	}
	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("ELF is not 32-bit, but got %q", f.Class.String())
	}
	entry := f.Entry
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		if entry < prog.Vaddr || entry >= prog.Vaddr+prog.Memsz {
			continue
		}
		if entry != prog.Vaddr {
			return nil, fmt.Errorf("entry %08x is not the start of segment %d at %08x", entry, i, prog.Vaddr)
		}
		if prog.Filesz%4 != 0 {
			return nil, fmt.Errorf("segment %d size %d is not a multiple of 4", i, prog.Filesz)
		}
		data, err := io.ReadAll(io.NewSectionReader(prog, 0, int64(prog.Filesz)))
		if err != nil {
			return nil, fmt.Errorf("failed to read program segment %d: %w", i, err)
		}
		words := make([]uint32, len(data)/4)
		for j := range words {
			words[j] = binary.LittleEndian.Uint32(data[j*4:])
		}
		return &ELFProgram{Entry: uint32(entry), Base: uint32(prog.Vaddr), Words: words}, nil
	}
	return nil, fmt.Errorf("no executable segment contains entry %08x", entry)
}
