// Package imagetest builds small ELF64 kernel images for tests.
package imagetest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize   = 64
	phdrSize   = 56
	pageSize   = 0x1000
	HigherHalf = 0xFFFF800000000000
)

// Segment is one PT_LOAD program header. MemSize defaults to len(Data).
type Segment struct {
	Vaddr   uint64
	Paddr   uint64
	Flags   elf.ProgFlag
	Data    []byte
	MemSize uint64
}

// Image describes the file to build. Zero header fields take x86-64
// executable defaults.
type Image struct {
	Entry    uint64
	Segments []Segment

	Class   elf.Class
	Order   elf.Data
	Machine elf.Machine
	Type    elf.Type
}

// Build encodes img. Segment data is stored at page-aligned file offsets.
func (img Image) Build() []byte {
	class := img.Class
	if class == 0 {
		class = elf.ELFCLASS64
	}
	order := img.Order
	if order == 0 {
		order = elf.ELFDATA2LSB
	}
	machine := img.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}
	typ := img.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if order == elf.ELFDATA2MSB {
		bo = binary.BigEndian
	}

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(class)
	hdr.Ident[elf.EI_DATA] = byte(order)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	binary.Write(&out, bo, hdr)

	off := uint64(pageSize)
	for _, s := range img.Segments {
		memSize := s.MemSize
		if memSize == 0 {
			memSize = uint64(len(s.Data))
		}
		binary.Write(&out, bo, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Paddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memSize,
			Align:  pageSize,
		})
		off += (uint64(len(s.Data)) + pageSize - 1) &^ (pageSize - 1)
	}

	for _, s := range img.Segments {
		pad := make([]byte, (pageSize-out.Len()%pageSize)%pageSize)
		out.Write(pad)
		out.Write(s.Data)
	}
	return out.Bytes()
}

// Kernel returns a single executable page at the higher half whose first
// bytes are code, with the entry at its start.
func Kernel(code []byte) []byte {
	return Image{
		Entry: HigherHalf,
		Segments: []Segment{{
			Vaddr:   HigherHalf,
			Paddr:   0x200000,
			Flags:   elf.PF_R | elf.PF_X,
			Data:    code,
			MemSize: pageSize,
		}},
	}.Build()
}
