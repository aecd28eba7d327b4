// Package machine is a small simulated x86-64 machine used to run the handoff
// off-target: sparse physical memory, a single processor with the register
// state the loader touches, and a 4-level MMU that walks tables out of
// physical memory exactly as the hardware would.
package machine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/hhboot/internal/mem"
)

var (
	ErrBusFault      = errors.New("machine: physical access outside any memory region")
	ErrRegionOverlap = errors.New("machine: memory region overlaps an existing region")
	ErrClosed        = errors.New("machine: memory closed")
)

type region struct {
	name    string
	base    uint64
	buf     []byte
	release func([]byte) error
}

func (r *region) end() uint64 { return r.base + uint64(len(r.buf)) }

// RegionInfo describes one populated physical range.
type RegionInfo struct {
	Name string
	Base mem.PhysAddr
	Size uint64
}

// Memory is the machine's physical address space. Unpopulated ranges fault.
type Memory struct {
	mu      sync.RWMutex
	regions []*region
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{}
}

// AddRAM backs [base, base+size) with zeroed host memory.
func (m *Memory) AddRAM(base mem.PhysAddr, size uint64) error {
	if err := checkRegion(base, size); err != nil {
		return err
	}
	buf, release, err := allocate(size)
	if err != nil {
		return fmt.Errorf("machine: allocate %d bytes of RAM: %w", size, err)
	}
	if err := m.add(&region{name: "ram", base: uint64(base), buf: buf, release: release}); err != nil {
		release(buf)
		return err
	}
	return nil
}

// AddDevice adds a device-backed range such as a linear framebuffer and
// returns its backing store.
func (m *Memory) AddDevice(name string, base mem.PhysAddr, size uint64) ([]byte, error) {
	if err := checkRegion(base, size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := m.add(&region{name: name, base: uint64(base), buf: buf}); err != nil {
		return nil, err
	}
	return buf, nil
}

func checkRegion(base mem.PhysAddr, size uint64) error {
	if size == 0 || !mem.IsAligned(uint64(base), mem.PageSize) || !mem.IsAligned(size, mem.PageSize) {
		return fmt.Errorf("machine: region %v+%#x is not page granular", base, size)
	}
	if _, ok := base.Add(size); !ok {
		return fmt.Errorf("machine: region %v+%#x wraps the address space", base, size)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return fmt.Errorf("machine: region size %d exceeds host address limit", size)
	}
	return nil
}

func (m *Memory) add(r *region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, other := range m.regions {
		if mem.Overlaps(r.base, r.end(), other.base, other.end()) {
			return fmt.Errorf("%w: %s [%#x, %#x) and %s [%#x, %#x)", ErrRegionOverlap,
				r.name, r.base, r.end(), other.name, other.base, other.end())
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return nil
}

// locate returns the backing bytes of [addr, addr+n). Accesses may not span
// regions.
func (m *Memory) locate(addr uint64, n uint64) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if i == len(m.regions) || m.regions[i].base > addr {
		return nil, fmt.Errorf("%w: %#x", ErrBusFault, addr)
	}
	r := m.regions[i]
	off := addr - r.base
	if n > uint64(len(r.buf))-off {
		return nil, fmt.Errorf("%w: [%#x, +%#x) runs past the end of %s", ErrBusFault, addr, n, r.name)
	}
	return r.buf[off : off+n], nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrBusFault, off)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, err := m.locate(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrBusFault, off)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, err := m.locate(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}

// Zero clears [addr, addr+size).
func (m *Memory) Zero(addr mem.PhysAddr, size uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, err := m.locate(uint64(addr), size)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}

// Regions lists the populated ranges in ascending order.
func (m *Memory) Regions() []RegionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RegionInfo, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, RegionInfo{Name: r.name, Base: mem.PhysAddr(r.base), Size: uint64(len(r.buf))})
	}
	return out
}

// Close releases host memory. Further accesses fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, r := range m.regions {
		if r.release != nil {
			errs = append(errs, r.release(r.buf))
		}
	}
	m.regions = nil
	return errors.Join(errs...)
}
