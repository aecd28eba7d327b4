package bootinfo

import (
	"fmt"
	"slices"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/firmware"
	"github.com/tinyrange/hhboot/internal/mem"
)

// RegionKind classifies a physical range for the kernel.
type RegionKind uint32

const (
	Reserved RegionKind = iota
	Available
	KernelCode
	KernelData
	KernelStack
	PageTables
	FramebufferRegion
	LoaderCode
)

var regionKindNames = [...]string{
	Reserved:          "reserved",
	Available:         "available",
	KernelCode:        "kernel-code",
	KernelData:        "kernel-data",
	KernelStack:       "kernel-stack",
	PageTables:        "page-tables",
	FramebufferRegion: "framebuffer",
	LoaderCode:        "loader-code",
}

func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return fmt.Sprintf("RegionKind(%d)", uint32(k))
}

// Region is one entry of the kernel's memory map. End is exclusive.
type Region struct {
	Start mem.PhysAddr
	End   mem.PhysAddr
	Pages uint64
	Kind  RegionKind
}

func (r Region) Len() uint64 { return uint64(r.End - r.Start) }

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", uint64(r.Start), uint64(r.End), r.Kind)
}

// MemoryMap is the loader-owned copy of the firmware memory map.
type MemoryMap struct {
	Regions []Region

	FirstAddr      mem.PhysAddr
	FirstAvailable mem.PhysAddr
	LastAddr       mem.PhysAddr
	LastAvailable  mem.PhysAddr
}

// TotalBytes is the sum of all region lengths.
func (m MemoryMap) TotalBytes() uint64 {
	var n uint64
	for _, r := range m.Regions {
		n += r.Len()
	}
	return n
}

// Bytes is the sum of the lengths of regions of kind k.
func (m MemoryMap) Bytes(k RegionKind) uint64 {
	var n uint64
	for _, r := range m.Regions {
		if r.Kind == k {
			n += r.Len()
		}
	}
	return n
}

// Claim marks a loader allocation so the region holding it is reported with
// Kind instead of its firmware type.
type Claim struct {
	Start mem.PhysAddr
	End   mem.PhysAddr
	Kind  RegionKind
}

// Convert copies descs into a new map of at most capacity regions.
//
// A descriptor containing a claim takes the claim's kind. Otherwise memory
// that becomes free after boot services exit is Available and everything
// else is Reserved. The first page of physical memory is always reserved.
// Nothing outside descs is added, so the map never describes more memory
// than the firmware did.
func Convert(descs []firmware.Descriptor, claims []Claim, capacity int) (MemoryMap, error) {
	out := MemoryMap{FirstAddr: ^mem.PhysAddr(0), FirstAvailable: ^mem.PhysAddr(0)}
	regions := make([]Region, 0, capacity)
	push := func(r Region) error {
		if len(regions) == capacity {
			return fmt.Errorf("%w: more than %d regions: %w", ErrMapTooLarge, capacity, fault.OutOfPhysicalMemory)
		}
		regions = append(regions, r)
		return nil
	}

	for _, d := range descs {
		start, end := d.PhysicalStart, d.End()
		if end <= start {
			continue
		}
		out.FirstAddr = min(out.FirstAddr, start)
		out.LastAddr = max(out.LastAddr, end)

		kind := classify(d, claims)
		if start < mem.PageSize {
			if err := push(Region{Start: start, End: mem.PageSize, Pages: 1, Kind: Reserved}); err != nil {
				return MemoryMap{}, err
			}
			start = mem.PageSize
			if start >= end {
				continue
			}
		}
		if kind == Available {
			out.FirstAvailable = min(out.FirstAvailable, start)
			out.LastAvailable = max(out.LastAvailable, end)
		}
		if err := push(Region{Start: start, End: end, Pages: uint64(end-start) / mem.PageSize, Kind: kind}); err != nil {
			return MemoryMap{}, err
		}
	}

	slices.SortStableFunc(regions, func(a, b Region) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	if len(regions) == 0 {
		out.FirstAddr = 0
	}
	if out.FirstAvailable > out.LastAvailable {
		out.FirstAvailable = 0
	}
	out.Regions = regions
	return out, nil
}

func classify(d firmware.Descriptor, claims []Claim) RegionKind {
	for _, c := range claims {
		if d.PhysicalStart <= c.Start && c.End <= d.End() {
			return c.Kind
		}
	}
	if d.Type.Reclaimable() {
		return Available
	}
	switch d.Type {
	case firmware.LoaderCode:
		return LoaderCode
	case firmware.LoaderData:
		// Loader data the kernel was not told about is free once it runs.
		return Available
	}
	return Reserved
}
