package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/image/imagetest"
	"github.com/tinyrange/hhboot/internal/mem"
)

const hh = imagetest.HigherHalf

type stubFiles map[string][]byte

func (s stubFiles) ReadFile(path string) ([]byte, error) {
	data, ok := s[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, fault.ImageNotFound)
	}
	return data, nil
}

type brokenFiles struct{}

func (brokenFiles) ReadFile(string) ([]byte, error) { return nil, fs.ErrPermission }

func twoSegments() imagetest.Image {
	return imagetest.Image{
		Entry: hh + 0x10,
		Segments: []imagetest.Segment{
			{Vaddr: hh, Flags: elf.PF_R | elf.PF_X, Data: bytes.Repeat([]byte{0x90}, 0x1800)},
			{Vaddr: hh + 0x2000, Flags: elf.PF_R | elf.PF_W, Data: []byte("data"), MemSize: 0x3000},
		},
	}
}

func TestParseLayout(t *testing.T) {
	img, err := Parse(twoSegments().Build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Entry != hh+0x10 || len(img.Segments) != 2 {
		t.Fatalf("layout = %+v", img.Layout)
	}
	text, data := img.Segments[0], img.Segments[1]
	if text.Perm != PermRead|PermExec || text.Pages() != 2 || len(img.Data(0)) != 0x1800 {
		t.Fatalf("text segment = %+v", text)
	}
	if data.Perm != PermRead|PermWrite || data.FileSize != 4 || data.MemSize != 0x3000 {
		t.Fatalf("data segment = %+v", data)
	}
	if img.Pages() != 5 || img.End() != hh+0x5000 {
		t.Fatalf("Pages() = %d, End() = %v", img.Pages(), img.End())
	}
}

func TestParseRejects(t *testing.T) {
	rx := elf.PF_R | elf.PF_X
	tests := []struct {
		name string
		img  imagetest.Image
		raw  []byte
	}{
		{name: "not elf", raw: []byte("MZ this is not an elf file at all, not even close......................")},
		{name: "32-bit", img: imagetest.Image{Class: elf.ELFCLASS32, Entry: hh, Segments: []imagetest.Segment{{Vaddr: hh, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "big endian", img: imagetest.Image{Order: elf.ELFDATA2MSB, Entry: hh, Segments: []imagetest.Segment{{Vaddr: hh, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "arm64", img: imagetest.Image{Machine: elf.EM_AARCH64, Entry: hh, Segments: []imagetest.Segment{{Vaddr: hh, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "relocatable", img: imagetest.Image{Type: elf.ET_REL, Entry: hh, Segments: []imagetest.Segment{{Vaddr: hh, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "no segments", img: imagetest.Image{Entry: hh}},
		{name: "filesz > memsz", img: imagetest.Image{Entry: hh, Segments: []imagetest.Segment{{Vaddr: hh, Flags: rx, Data: make([]byte, 64), MemSize: 32}}}},
		{name: "misaligned", img: imagetest.Image{Entry: hh + 0x10, Segments: []imagetest.Segment{{Vaddr: hh + 0x10, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "non-canonical", img: imagetest.Image{Entry: 0x0000800000000000, Segments: []imagetest.Segment{{Vaddr: 0x0000800000000000, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "overlap", img: imagetest.Image{Entry: hh, Segments: []imagetest.Segment{
			{Vaddr: hh, Flags: rx, Data: make([]byte, 0x1001)},
			{Vaddr: hh + 0x1000, Flags: elf.PF_R, Data: []byte{1}},
		}}},
		{name: "entry outside", img: imagetest.Image{Entry: hh + 0x2000, Segments: []imagetest.Segment{{Vaddr: hh, Flags: rx, Data: []byte{0xF4}}}}},
		{name: "entry not executable", img: imagetest.Image{Entry: hh, Segments: []imagetest.Segment{{Vaddr: hh, Flags: elf.PF_R, Data: []byte{0xF4}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			if raw == nil {
				raw = tt.img.Build()
			}
			_, err := Parse(raw)
			if fault.KindOf(err) != fault.ImageFormatInvalid {
				t.Fatalf("Parse err = %v, want ImageFormatInvalid", err)
			}
		})
	}
}

func TestParseRejectsMisalignedFileOffset(t *testing.T) {
	raw := imagetest.Image{Entry: hh, Segments: []imagetest.Segment{
		{Vaddr: hh, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 0x200)},
	}}.Build()
	// Shift the only segment's file offset off the page boundary while
	// keeping its bytes inside the file.
	const prog = 64
	binary.LittleEndian.PutUint64(raw[prog+8:], 0x1008)
	binary.LittleEndian.PutUint64(raw[prog+32:], 0x100)
	binary.LittleEndian.PutUint64(raw[prog+40:], 0x100)

	_, err := Parse(raw)
	if fault.KindOf(err) != fault.ImageFormatInvalid {
		t.Fatalf("Parse err = %v, want ImageFormatInvalid", err)
	}
	if !strings.Contains(err.Error(), "file offset") {
		t.Fatalf("Parse err = %v, want a file offset complaint", err)
	}
}

func TestLoad(t *testing.T) {
	files := stubFiles{"kernel.elf": twoSegments().Build()}
	if _, err := Load(files, "kernel.elf", 5*mem.PageSize); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(files, "kernel.elf", 4*mem.PageSize); fault.KindOf(err) != fault.ImageTooLarge {
		t.Fatalf("Load over budget err = %v", err)
	}
	if _, err := Load(files, "missing.elf", mem.GiB); fault.KindOf(err) != fault.ImageNotFound {
		t.Fatalf("Load missing err = %v", err)
	}
	_, err := Load(brokenFiles{}, "kernel.elf", mem.GiB)
	if fault.KindOf(err) != fault.FirmwareServiceFailure || !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("Load with failing firmware err = %v", err)
	}
}

type memWriter struct{ buf []byte }

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func TestPlaceZeroFillsBSS(t *testing.T) {
	img, err := Parse(twoSegments().Build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	phys := &memWriter{buf: bytes.Repeat([]byte{0xCC}, 0x10000)}
	next := mem.PhysAddr(0x1000)
	placed, err := img.Place(func(seg Segment, pages uint64) (mem.PhysAddr, error) {
		base := next
		next += mem.PhysAddr(pages * mem.PageSize)
		return base, nil
	}, phys)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(placed) != 2 || placed[0].Base != 0x1000 || placed[1].Base != 0x3000 {
		t.Fatalf("placements = %+v", placed)
	}
	if !bytes.Equal(phys.buf[0x1000:0x2800], bytes.Repeat([]byte{0x90}, 0x1800)) {
		t.Fatalf("text not copied")
	}
	if !bytes.Equal(phys.buf[0x2800:0x3000], make([]byte, 0x800)) {
		t.Fatalf("text tail not zeroed")
	}
	if string(phys.buf[0x3000:0x3004]) != "data" || !bytes.Equal(phys.buf[0x3004:0x6000], make([]byte, 0x3000-4)) {
		t.Fatalf("data/bss not placed correctly")
	}
	if phys.buf[0x6000] != 0xCC {
		t.Fatalf("Place wrote past the last segment")
	}

	_, err = img.Place(func(Segment, uint64) (mem.PhysAddr, error) {
		return 0, fmt.Errorf("no frames: %w", fault.OutOfPhysicalMemory)
	}, phys)
	if fault.KindOf(err) != fault.OutOfPhysicalMemory {
		t.Fatalf("Place with failing allocator err = %v", err)
	}
}
