package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/firmware"
	"github.com/tinyrange/hhboot/internal/mem"
)

func desc(typ firmware.MemoryType, start mem.PhysAddr, pages uint64) firmware.Descriptor {
	return firmware.Descriptor{Type: typ, PhysicalStart: start, NumberOfPages: pages}
}

func firmwareBytes(descs []firmware.Descriptor) uint64 {
	var n uint64
	for _, d := range descs {
		n += d.NumberOfPages * mem.PageSize
	}
	return n
}

func TestConvertCountsAndLengths(t *testing.T) {
	tests := []struct {
		name   string
		descs  []firmware.Descriptor
		claims []Claim
	}{
		{"single", []firmware.Descriptor{desc(firmware.ConventionalMemory, 0, 2048)}, nil},
		{"mixed", []firmware.Descriptor{
			desc(firmware.ConventionalMemory, 0, 0x9F),
			desc(firmware.ReservedMemoryType, 0x9F000, 0x61),
			desc(firmware.ConventionalMemory, 0x100000, 0x100),
			desc(firmware.LoaderData, 0x200000, 0x10),
			desc(firmware.LoaderCode, 0x210000, 0x10),
			desc(firmware.BootServicesData, 0x220000, 0x20),
			desc(firmware.ACPIMemoryNVS, 0x240000, 0x4),
		}, []Claim{{Start: 0x200000, End: 0x201000, Kind: KernelCode}}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Convert(tt.descs, tt.claims, len(tt.descs)+8)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if m.TotalBytes() > firmwareBytes(tt.descs) {
				t.Fatalf("map describes %#x bytes, firmware %#x", m.TotalBytes(), firmwareBytes(tt.descs))
			}
			b := Block{Map: m}
			hdr, err := DecodeHeader(b.EncodeHeader())
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if hdr.MapCount != uint64(len(m.Regions)) || hdr.MapLen != uint64(len(b.EncodeRegions())) {
				t.Fatalf("header count %d len %d, copied %d regions", hdr.MapCount, hdr.MapLen, len(m.Regions))
			}
			for i := 1; i < len(m.Regions); i++ {
				if m.Regions[i].Start < m.Regions[i-1].End {
					t.Fatalf("regions out of order: %v then %v", m.Regions[i-1], m.Regions[i])
				}
			}
		})
	}
}

func TestConvertClassification(t *testing.T) {
	descs := []firmware.Descriptor{
		desc(firmware.ConventionalMemory, 0, 0x100),
		desc(firmware.LoaderData, 0x100000, 0x10),
		desc(firmware.LoaderData, 0x110000, 0x100),
		desc(firmware.LoaderData, 0x210000, 0x4),
		desc(firmware.LoaderCode, 0x214000, 0x10),
		desc(firmware.BootServicesCode, 0x224000, 0x10),
		desc(firmware.MemoryMappedIO, 0x80000000, 0x300),
	}
	claims := []Claim{
		{Start: 0x100000, End: 0x110000, Kind: PageTables},
		{Start: 0x110000, End: 0x210000, Kind: KernelStack},
		{Start: 0x80000000, End: 0x80300000, Kind: FramebufferRegion},
	}
	m, err := Convert(descs, claims, 16)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := []RegionKind{Reserved, Available, PageTables, KernelStack, Available, LoaderCode, Available, FramebufferRegion}
	if len(m.Regions) != len(want) {
		t.Fatalf("regions = %v", m.Regions)
	}
	for i, k := range want {
		if m.Regions[i].Kind != k {
			t.Errorf("region %d %v, want kind %v", i, m.Regions[i], k)
		}
	}
	if got := m.Regions[7].Kind.String(); got != "framebuffer" {
		t.Errorf("framebuffer region kind = %q", got)
	}
	if m.Regions[0].End != mem.PageSize || m.Regions[1].Start != mem.PageSize {
		t.Fatalf("first page not split off: %v %v", m.Regions[0], m.Regions[1])
	}
	if m.FirstAddr != 0 || m.LastAddr != 0x80300000 {
		t.Fatalf("first/last = %v/%v", m.FirstAddr, m.LastAddr)
	}
	if m.FirstAvailable != mem.PageSize || m.LastAvailable != 0x234000 {
		t.Fatalf("first/last available = %v/%v", m.FirstAvailable, m.LastAvailable)
	}
}

func TestConvertCapacity(t *testing.T) {
	descs := []firmware.Descriptor{
		desc(firmware.ConventionalMemory, 0x1000, 1),
		desc(firmware.ConventionalMemory, 0x2000, 1),
	}
	_, err := Convert(descs, nil, 1)
	if !errors.Is(err, ErrMapTooLarge) || fault.KindOf(err) != fault.OutOfPhysicalMemory {
		t.Fatalf("Convert over capacity err = %v", err)
	}
}

func TestHeaderLayout(t *testing.T) {
	b := Block{
		HigherHalf: 0xFFFF800000000000,
		MapAddr:    0xFFFF800000002080,
		Map: MemoryMap{
			Regions:        []Region{{Start: 0x1000, End: 0x3000, Pages: 2, Kind: Available}},
			FirstAddr:      0x1000,
			FirstAvailable: 0x1000,
			LastAddr:       0x3000,
			LastAvailable:  0x3000,
		},
		Framebuffer: Framebuffer{
			Base: 0x80000000, Phys: 0x80000000, Size: 0x300000,
			Width: 1024, Height: 768, Stride: 1024, Format: PixelBGR,
		},
		StackTop:    0xFFFFFF8000100000,
		StackBottom: 0xFFFFFF8000000000,
	}
	buf := b.EncodeHeader()
	if len(buf) != BlockSize {
		t.Fatalf("header is %d bytes", len(buf))
	}
	le := binary.LittleEndian
	fixed := []struct {
		off  int
		size int
		want uint64
	}{
		{0x00, 8, 0xFFFF800000000000},
		{0x08, 8, 1},
		{0x10, 8, 0xFFFF800000002080},
		{0x18, 8, RegionEntrySize},
		{0x20, 8, 0x80000000},
		{0x28, 4, 1024},
		{0x2C, 4, 768},
		{0x30, 4, 1024},
		{0x34, 4, 2},
		{0x38, 8, 0xFFFFFF8000100000},
		{0x40, 8, 0xFFFFFF8000000000},
		{0x78, 4, Revision},
	}
	for _, f := range fixed {
		var got uint64
		if f.size == 8 {
			got = le.Uint64(buf[f.off:])
		} else {
			got = uint64(le.Uint32(buf[f.off:]))
		}
		if got != f.want {
			t.Errorf("offset %#x = %#x, want %#x", f.off, got, f.want)
		}
	}

	hdr, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Framebuffer != b.Framebuffer || hdr.StackTop != b.StackTop || hdr.Map.LastAvailable != 0x3000 {
		t.Fatalf("decoded header %+v", hdr)
	}
	regions, err := DecodeRegions(b.EncodeRegions(), hdr.MapCount)
	if err != nil || len(regions) != 1 || regions[0] != b.Map.Regions[0] {
		t.Fatalf("DecodeRegions = %v, %v", regions, err)
	}
}

func TestDecodeRevision1(t *testing.T) {
	b := Block{HigherHalf: 0xFFFF800000000000, StackTop: 0xFFFFFF8000100000}
	hdr, err := DecodeHeader(b.EncodeHeader()[:0x40])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Revision != 1 || hdr.StackTop != b.StackTop || hdr.StackBottom != 0 {
		t.Fatalf("revision 1 header = %+v", hdr)
	}
	if _, err := DecodeHeader(make([]byte, 0x20)); !errors.Is(err, ErrShortBlock) {
		t.Fatalf("short header err = %v", err)
	}
	if _, err := DecodeRegions(bytes.Repeat([]byte{0}, 16), 1); !errors.Is(err, ErrShortBlock) {
		t.Fatalf("short region array err = %v", err)
	}
}
