// Package image reads a kernel ELF image from the boot medium and describes
// the segments the loader has to back and map.
package image

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/mem"
)

// Perm is a segment's access permission set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		c   byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Segment is one loadable program header.
type Segment struct {
	Virt     mem.VirtAddr
	Phys     mem.PhysAddr // declared load address, informational
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Perm     Perm
}

// Pages is the number of frames backing the segment.
func (s Segment) Pages() uint64 { return mem.Pages(s.MemSize) }

func (s Segment) End() mem.VirtAddr { return s.Virt + mem.VirtAddr(s.MemSize) }

func (s Segment) String() string {
	return fmt.Sprintf("%v+%#x %s", s.Virt, s.MemSize, s.Perm)
}

// Layout is the kernel's declared memory layout.
type Layout struct {
	Segments []Segment // ascending by Virt
	Entry    mem.VirtAddr
}

// Pages is the total number of frames needed by all segments.
func (l Layout) Pages() uint64 {
	var n uint64
	for _, s := range l.Segments {
		n += s.Pages()
	}
	return n
}

// End is the first virtual address past the highest segment, page aligned.
func (l Layout) End() mem.VirtAddr {
	var end mem.VirtAddr
	for _, s := range l.Segments {
		end = max(end, mem.VirtAddr(mem.AlignUp(uint64(s.End()), mem.PageSize)))
	}
	return end
}

// Image is a parsed kernel.
type Image struct {
	Layout
	data []byte
}

// Data returns the file-backed bytes of segment i.
func (img *Image) Data(i int) []byte {
	s := img.Segments[i]
	return img.data[s.Offset : s.Offset+s.FileSize]
}

// FileReader is the firmware file service.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// Load reads path through r and parses it. budget is the usable physical
// memory in bytes; an image that needs more fails with ImageTooLarge.
func Load(r FileReader, path string, budget uint64) (*Image, error) {
	data, err := r.ReadFile(path)
	if err != nil {
		if fault.KindOf(err) == fault.Unknown {
			err = fmt.Errorf("%w: %w", err, fault.FirmwareServiceFailure)
		}
		return nil, fmt.Errorf("read kernel %s: %w", path, err)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: %w", path, err)
	}
	if need := img.Pages() * mem.PageSize; need > budget {
		return nil, fmt.Errorf("kernel %s needs %#x bytes, %#x usable: %w", path, need, budget, fault.ImageTooLarge)
	}
	return img, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), fault.ImageFormatInvalid)
}

// Parse validates an x86-64 ELF64 executable and extracts its layout.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, invalid("open elf: %v", err)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS64:
		return nil, invalid("unsupported ELF class %v", f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return nil, invalid("unsupported ELF byte order %v", f.Data)
	case f.Machine != elf.EM_X86_64:
		return nil, invalid("unsupported ELF machine %v (want x86_64)", f.Machine)
	case f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN:
		return nil, invalid("unsupported ELF type %v", f.Type)
	}

	img := &Image{data: data}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, invalid("segment @%#x file size %#x exceeds mem size %#x", prog.Vaddr, prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > uint64(math.MaxInt) {
			return nil, invalid("segment @%#x mem size %#x exceeds host limits", prog.Vaddr, prog.Memsz)
		}
		if !mem.IsAligned(prog.Off, mem.PageSize) {
			return nil, invalid("segment @%#x file offset %#x is not page aligned", prog.Vaddr, prog.Off)
		}
		if prog.Off > uint64(len(data)) || prog.Filesz > uint64(len(data))-prog.Off {
			return nil, invalid("segment @%#x file range [%#x, +%#x) outside the %d byte file", prog.Vaddr, prog.Off, prog.Filesz, len(data))
		}
		if !mem.IsAligned(prog.Vaddr, mem.PageSize) {
			return nil, invalid("segment virtual address %#x is not page aligned", prog.Vaddr)
		}
		start := mem.VirtAddr(prog.Vaddr)
		last, ok := start.Add(mem.AlignUp(prog.Memsz, mem.PageSize) - 1)
		if !ok || !start.IsCanonical() || !last.IsCanonical() || (uint64(start)^uint64(last))>>63 != 0 {
			return nil, invalid("segment [%#x, +%#x) is not canonical", prog.Vaddr, prog.Memsz)
		}

		seg := Segment{
			Virt:     start,
			Phys:     mem.PhysAddr(prog.Paddr),
			Offset:   prog.Off,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
		}
		if prog.Flags&elf.PF_R != 0 {
			seg.Perm |= PermRead
		}
		if prog.Flags&elf.PF_W != 0 {
			seg.Perm |= PermWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			seg.Perm |= PermExec
		}
		img.Segments = append(img.Segments, seg)
	}
	if len(img.Segments) == 0 {
		return nil, invalid("no loadable segments")
	}

	slices.SortFunc(img.Segments, func(a, b Segment) int {
		switch {
		case a.Virt < b.Virt:
			return -1
		case a.Virt > b.Virt:
			return 1
		}
		return 0
	})
	for i := 1; i < len(img.Segments); i++ {
		prev, cur := img.Segments[i-1], img.Segments[i]
		if mem.AlignUp(uint64(prev.Virt)+prev.MemSize, mem.PageSize) > uint64(cur.Virt) {
			return nil, invalid("segments %v and %v overlap", prev, cur)
		}
	}

	img.Entry = mem.VirtAddr(f.Entry)
	for _, s := range img.Segments {
		if s.Perm&PermExec != 0 && img.Entry >= s.Virt && img.Entry < s.End() {
			return img, nil
		}
	}
	return nil, invalid("entry %#x is outside every executable segment", f.Entry)
}

// Allocator returns the base of pages contiguous frames for seg.
type Allocator func(seg Segment, pages uint64) (mem.PhysAddr, error)

// Placement records where a segment was loaded.
type Placement struct {
	Segment
	Base mem.PhysAddr
}

// Place allocates backing frames for every segment, copies the file bytes
// and zero fills the rest of each allocation (BSS included).
func (img *Image) Place(alloc Allocator, w io.WriterAt) ([]Placement, error) {
	out := make([]Placement, 0, len(img.Segments))
	for i, s := range img.Segments {
		pages := s.Pages()
		base, err := alloc(s, pages)
		if err != nil {
			return nil, fmt.Errorf("allocate %d pages for segment %v: %w", pages, s, err)
		}
		if !mem.IsAligned(uint64(base), mem.PageSize) {
			return nil, fmt.Errorf("segment %v backing %v: %w", s, base, fault.AlignmentViolation)
		}

		buf := make([]byte, pages*mem.PageSize)
		copy(buf, img.Data(i))
		if _, err := w.WriteAt(buf, int64(base)); err != nil {
			return nil, fmt.Errorf("load segment %v @%v: %w", s, base, err)
		}
		out = append(out, Placement{Segment: s, Base: base})
	}
	return out, nil
}
