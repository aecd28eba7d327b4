// Package mem holds the address types and alignment helpers shared by the
// loader, the page table model and the simulated machine.
package mem

import (
	"fmt"
	"math/bits"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	Size2MiB = 1 << 21
	Size1GiB = 1 << 30

	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// PhysAddr is a location in physical memory.
type PhysAddr uint64

// VirtAddr is a location in the running address space.
type VirtAddr uint64

func (p PhysAddr) String() string { return fmt.Sprintf("phys:%#x", uint64(p)) }
func (v VirtAddr) String() string { return fmt.Sprintf("virt:%#x", uint64(v)) }

// Add returns p+n and reports whether the sum wrapped.
func (p PhysAddr) Add(n uint64) (PhysAddr, bool) {
	sum, carry := bits.Add64(uint64(p), n, 0)
	return PhysAddr(sum), carry == 0
}

// Add returns v+n and reports whether the sum wrapped.
func (v VirtAddr) Add(n uint64) (VirtAddr, bool) {
	sum, carry := bits.Add64(uint64(v), n, 0)
	return VirtAddr(sum), carry == 0
}

// IsCanonical reports whether v is a valid 48-bit canonical address, i.e.
// bits 63:47 are all equal.
func (v VirtAddr) IsCanonical() bool {
	sign := (uint64(v) >> 47) & 1
	if sign == 0 {
		return uint64(v)>>48 == 0
	}
	return uint64(v)>>48 == 0xFFFF
}

func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func AlignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}

func IsAligned(value, align uint64) bool {
	return align != 0 && value&(align-1) == 0
}

// Pages returns the number of pages needed to cover size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) >> PageShift
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}
