// Package firmware describes the boot services the loader consumes and
// provides Sim, an in-process implementation backed by a simulated machine.
//
// Boot services are only valid until ExitBootServices succeeds. The loader
// receives them as an explicit value and must not keep them afterwards.
package firmware

import (
	"errors"
	"fmt"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/mem"
)

var (
	ErrBootServicesExited = fmt.Errorf("boot services already exited: %w", fault.FirmwareServiceFailure)
	ErrStaleMapKey        = fmt.Errorf("memory map key is stale: %w", fault.FirmwareServiceFailure)
	ErrInvalidParameter   = fmt.Errorf("invalid parameter: %w", fault.FirmwareServiceFailure)
	ErrOutOfResources     = fmt.Errorf("out of resources: %w", fault.OutOfPhysicalMemory)
	ErrNotFound           = fmt.Errorf("not found: %w", fault.ImageNotFound)
	ErrUnsupported        = errors.New("unsupported")
)

// MemoryType is the UEFI EFI_MEMORY_TYPE of a descriptor.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	"Reserved", "LoaderCode", "LoaderData", "BootServicesCode", "BootServicesData",
	"RuntimeServicesCode", "RuntimeServicesData", "Conventional", "Unusable",
	"ACPIReclaim", "ACPINVS", "MMIO", "MMIOPortSpace", "PalCode", "Persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%#x)", uint32(t))
}

// Reclaimable reports whether memory of this type may be reused by the OS
// once boot services have exited.
func (t MemoryType) Reclaimable() bool {
	switch t {
	case ConventionalMemory, BootServicesCode, BootServicesData:
		return true
	}
	return false
}

// Descriptor is one entry of the firmware memory map.
type Descriptor struct {
	Type          MemoryType
	PhysicalStart mem.PhysAddr
	NumberOfPages uint64
	Attribute     uint64
}

func (d Descriptor) End() mem.PhysAddr {
	return d.PhysicalStart + mem.PhysAddr(d.NumberOfPages*mem.PageSize)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", uint64(d.PhysicalStart), uint64(d.End()), d.Type)
}

// MemoryMap is a snapshot of the firmware memory map. Key identifies the
// snapshot; any allocation invalidates it.
type MemoryMap struct {
	Descriptors []Descriptor
	Key         uint64
}

// ConventionalPages is the number of pages still free for allocation.
func (m MemoryMap) ConventionalPages() uint64 {
	var n uint64
	for _, d := range m.Descriptors {
		if d.Type == ConventionalMemory {
			n += d.NumberOfPages
		}
	}
	return n
}

// AllocateType selects how AllocatePages chooses an address.
type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// PixelFormat is the GOP pixel format.
type PixelFormat int

const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
)

func (p PixelFormat) String() string {
	switch p {
	case PixelRedGreenBlueReserved8BitPerColor:
		return "RGBX8"
	case PixelBlueGreenRedReserved8BitPerColor:
		return "BGRX8"
	case PixelBitMask:
		return "bitmask"
	case PixelBltOnly:
		return "blt-only"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(p))
}

// GraphicsMode is the current mode of the graphics output protocol.
type GraphicsMode struct {
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelsPerScanLine    uint32
	Format               PixelFormat
	FrameBufferBase      mem.PhysAddr
	FrameBufferSize      uint64
}

// LoadedImage locates the running loader in physical memory.
type LoadedImage struct {
	CodeBase mem.PhysAddr
	CodeSize uint64
	DataBase mem.PhysAddr
	DataSize uint64
}

// BootServices is the subset of firmware boot services used by the loader.
type BootServices interface {
	MemoryMap() (MemoryMap, error)
	AllocatePages(typ AllocateType, memType MemoryType, pages uint64, addr mem.PhysAddr) (mem.PhysAddr, error)
	ReadFile(path string) ([]byte, error)

	// Graphics returns ErrUnsupported when no graphics output is present.
	Graphics() (GraphicsMode, error)
	LoadedImage() (LoadedImage, error)

	// ExitBootServices ends boot services if mapKey matches the current map.
	ExitBootServices(mapKey uint64) error
}
