package paging

import (
	"fmt"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/mem"
)

// Pool is a bump allocator over a contiguous range of loader-reserved frames.
// Frames are never returned; the kernel inherits the whole range.
type Pool struct {
	base   mem.PhysAddr
	tables []Table
	next   int
}

// NewPool creates a pool of frames frames starting at base. The backing
// physical memory is assumed zeroed; WriteTo rewrites every used frame anyway.
func NewPool(base mem.PhysAddr, frames int) (*Pool, error) {
	if !mem.IsAligned(uint64(base), mem.PageSize) {
		return nil, fmt.Errorf("page table pool base %v: %w", base, fault.AlignmentViolation)
	}
	if frames <= 0 {
		return nil, fmt.Errorf("page table pool needs at least one frame: %w", fault.OutOfPhysicalMemory)
	}
	if _, ok := base.Add(uint64(frames) * mem.PageSize); !ok {
		return nil, fmt.Errorf("page table pool [%v, +%d frames) wraps the address space: %w", base, frames, fault.AlignmentViolation)
	}
	return &Pool{
		base:   base,
		tables: make([]Table, frames),
	}, nil
}

// Alloc hands out the next zeroed frame.
func (p *Pool) Alloc() (mem.PhysAddr, error) {
	if p.next >= len(p.tables) {
		return 0, fmt.Errorf("page table pool exhausted after %d frames: %w", len(p.tables), fault.OutOfPhysicalMemory)
	}
	addr := p.base + mem.PhysAddr(p.next)*mem.PageSize
	p.next++
	return addr, nil
}

func (p *Pool) table(addr mem.PhysAddr) *Table {
	if addr < p.base {
		return nil
	}
	idx := int((addr - p.base) >> mem.PageShift)
	if idx >= p.next {
		return nil
	}
	return &p.tables[idx]
}

func (p *Pool) Base() mem.PhysAddr { return p.base }
func (p *Pool) Frames() int        { return len(p.tables) }
func (p *Pool) Used() int          { return p.next }

// Size is the length in bytes of the whole reserved range.
func (p *Pool) Size() uint64 { return uint64(len(p.tables)) * mem.PageSize }
