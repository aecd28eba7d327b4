package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/mem"
)

var ErrWritableExecutable = errors.New("mapping is both writable and executable")

// maxPhys is the highest frame address an entry can encode (52-bit).
const maxPhys = uint64(addrMask) | (mem.PageSize - 1)

// Request asks for [Virt, Virt+Length) to be backed by [Phys, Phys+Length).
//
// Flags are applied to every leaf; Present is implied. Setting Huge permits
// 2 MiB and 1 GiB leaves wherever both ranges are suitably aligned, otherwise
// the range is mapped with 4 KiB pages.
type Request struct {
	Name   string
	Virt   mem.VirtAddr
	Phys   mem.PhysAddr
	Length uint64
	Flags  Flags
}

func (r Request) String() string {
	name := r.Name
	if name == "" {
		name = "region"
	}
	return fmt.Sprintf("%s %#x->%#x (+%#x)", name, uint64(r.Virt), uint64(r.Phys), r.Length)
}

func (r Request) leafFlags() Flags {
	return (r.Flags | Present) &^ (Huge | volatileFlags)
}

// Validate checks the request against the granularity, address width and
// W^X rules without touching any hierarchy.
func (r Request) Validate() error {
	if r.Length == 0 || !mem.IsAligned(r.Length, mem.PageSize) {
		return fmt.Errorf("%v: length is not a positive multiple of %#x: %w", r, mem.PageSize, fault.AlignmentViolation)
	}
	if !mem.IsAligned(uint64(r.Virt), mem.PageSize) || !mem.IsAligned(uint64(r.Phys), mem.PageSize) {
		return fmt.Errorf("%v: address not page aligned: %w", r, fault.AlignmentViolation)
	}
	lastVirt, ok := r.Virt.Add(r.Length - 1)
	if !ok {
		return fmt.Errorf("%v: virtual range overflows: %w", r, fault.AlignmentViolation)
	}
	if !r.Virt.IsCanonical() || !lastVirt.IsCanonical() || (uint64(r.Virt)^uint64(lastVirt))>>63 != 0 {
		return fmt.Errorf("%v: virtual range is not canonical: %w", r, fault.AlignmentViolation)
	}
	lastPhys, ok := r.Phys.Add(r.Length - 1)
	if !ok || uint64(lastPhys) > maxPhys {
		return fmt.Errorf("%v: physical range overflows: %w", r, fault.AlignmentViolation)
	}
	if f := r.leafFlags(); f&Writable != 0 && f.Executable() {
		return fmt.Errorf("%v: %w: %w", r, ErrWritableExecutable, fault.MappingConflict)
	}
	return nil
}

// Leaf describes one installed translation.
type Leaf struct {
	Virt  mem.VirtAddr
	Phys  mem.PhysAddr
	Size  uint64
	Level int
	Flags Flags
}

// Hierarchy is a 4-level page table tree rooted in a frame of its pool.
type Hierarchy struct {
	pool *Pool
	root mem.PhysAddr
}

// New allocates the root table from pool.
func New(pool *Pool) (*Hierarchy, error) {
	root, err := pool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocate root table: %w", err)
	}
	return &Hierarchy{pool: pool, root: root}, nil
}

func (h *Hierarchy) Root() mem.PhysAddr { return h.root }
func (h *Hierarchy) Pool() *Pool        { return h.pool }

// Tables returns the number of tables allocated so far, root included.
func (h *Hierarchy) Tables() int { return h.pool.Used() }

type probeResult struct {
	level int
	entry Entry
}

// probe walks towards v without allocating and stops at the first entry that
// is either absent or a leaf.
func (h *Hierarchy) probe(v mem.VirtAddr) (probeResult, error) {
	t := h.pool.table(h.root)
	for level := 0; ; level++ {
		e := t[indexAt(v, level)]
		if !e.Present() || level == Levels-1 || (level > 0 && e.Huge()) {
			return probeResult{level: level, entry: e}, nil
		}
		next := h.pool.table(e.Addr())
		if next == nil {
			return probeResult{}, fmt.Errorf("%s entry for %v references %v outside the table pool", levelNames[level], v, e.Addr())
		}
		t = next
	}
}

// step decides how the page at v is covered: by an identical existing leaf
// (mapped=true) or by a new leaf of the returned size.
func (h *Hierarchy) step(v mem.VirtAddr, p mem.PhysAddr, remaining uint64, flags Flags, allowHuge bool) (size uint64, mapped bool, err error) {
	pr, err := h.probe(v)
	if err != nil {
		return 0, false, err
	}
	if pr.entry.Present() {
		size := PageSizeAt(pr.level)
		base := mem.AlignDown(uint64(v), size)
		have := pr.entry.Addr() + mem.PhysAddr(uint64(v)-base)
		haveFlags := pr.entry.Flags() &^ (Huge | volatileFlags)
		if have != p || haveFlags != flags {
			return 0, false, fmt.Errorf("%v already mapped to %v [%s], requested %v [%s]: %w",
				v, have, haveFlags, p, flags, fault.MappingConflict)
		}
		chunk := base + size - uint64(v)
		if chunk > remaining {
			chunk = remaining
		}
		return chunk, true, nil
	}
	// Everything below the empty slot is free; a leaf may go at pr.level or deeper.
	for level := max(pr.level, 1); level < Levels-1; level++ {
		size := PageSizeAt(level)
		if allowHuge && remaining >= size &&
			mem.IsAligned(uint64(v), size) && mem.IsAligned(uint64(p), size) {
			return size, false, nil
		}
	}
	return mem.PageSize, false, nil
}

// Map installs req. The whole range is checked before anything is written, so
// a conflicting request leaves the hierarchy unchanged. Remapping a page with
// the same frame and flags is a no-op.
func (h *Hierarchy) Map(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	flags := req.leafFlags()
	allowHuge := req.Flags&Huge != 0

	for off := uint64(0); off < req.Length; {
		size, _, err := h.step(req.Virt+mem.VirtAddr(off), req.Phys+mem.PhysAddr(off), req.Length-off, flags, allowHuge)
		if err != nil {
			return fmt.Errorf("map %v: %w", req, err)
		}
		off += size
	}

	for off := uint64(0); off < req.Length; {
		v, p := req.Virt+mem.VirtAddr(off), req.Phys+mem.PhysAddr(off)
		size, mapped, err := h.step(v, p, req.Length-off, flags, allowHuge)
		if err != nil {
			return fmt.Errorf("map %v: %w", req, err)
		}
		if !mapped {
			if err := h.install(v, p, size, flags); err != nil {
				return fmt.Errorf("map %v: %w", req, err)
			}
		}
		off += size
	}
	return nil
}

func (h *Hierarchy) install(v mem.VirtAddr, p mem.PhysAddr, size uint64, flags Flags) error {
	target := Levels - 1
	for target > 0 && PageSizeAt(target) != size {
		target--
	}

	t := h.pool.table(h.root)
	for level := 0; level < target; level++ {
		idx := indexAt(v, level)
		e := t[idx]
		switch {
		case !e.Present():
			addr, err := h.pool.Alloc()
			if err != nil {
				return fmt.Errorf("allocate %s for %v: %w", levelNames[level+1], v, err)
			}
			e = makeEntry(addr, Present|Writable|(flags&User))
			t[idx] = e
		case level > 0 && e.Huge():
			return fmt.Errorf("%v lies inside a %s leaf: %w", v, levelNames[level], fault.MappingConflict)
		case flags&User != 0 && e.Flags()&User == 0:
			e |= Entry(User)
			t[idx] = e
		}
		t = h.pool.table(e.Addr())
	}

	leaf := flags
	if target < Levels-1 {
		leaf |= Huge
	}
	t[indexAt(v, target)] = makeEntry(p, leaf)
	return nil
}

// Lookup returns the leaf translating v.
func (h *Hierarchy) Lookup(v mem.VirtAddr) (Leaf, bool) {
	pr, err := h.probe(v)
	if err != nil || !pr.entry.Present() || pr.level == 0 {
		return Leaf{}, false
	}
	size := PageSizeAt(pr.level)
	return Leaf{
		Virt:  mem.VirtAddr(mem.AlignDown(uint64(v), size)),
		Phys:  pr.entry.Addr(),
		Size:  size,
		Level: pr.level,
		Flags: pr.entry.Flags() &^ Huge,
	}, true
}

// Translate resolves v to a physical address.
func (h *Hierarchy) Translate(v mem.VirtAddr) (mem.PhysAddr, error) {
	leaf, ok := h.Lookup(v)
	if !ok {
		return 0, fmt.Errorf("%v is not mapped", v)
	}
	return leaf.Phys + mem.PhysAddr(v-leaf.Virt), nil
}

// Leaves calls fn for every leaf in ascending virtual order until fn returns
// false.
func (h *Hierarchy) Leaves(fn func(Leaf) bool) {
	h.leaves(h.pool.table(h.root), 0, 0, fn)
}

func (h *Hierarchy) leaves(t *Table, level int, prefix uint64, fn func(Leaf) bool) bool {
	for i, e := range t {
		if !e.Present() {
			continue
		}
		va := prefix | uint64(i)<<levelShift[level]
		if level == 0 && i >= EntriesPerTable/2 {
			va |= 0xFFFF_0000_0000_0000
		}
		if level == Levels-1 || (level > 0 && e.Huge()) {
			leaf := Leaf{
				Virt:  mem.VirtAddr(va),
				Phys:  e.Addr(),
				Size:  PageSizeAt(level),
				Level: level,
				Flags: e.Flags() &^ Huge,
			}
			if !fn(leaf) {
				return false
			}
			continue
		}
		next := h.pool.table(e.Addr())
		if next == nil {
			continue
		}
		if !h.leaves(next, level+1, va, fn) {
			return false
		}
	}
	return true
}

// WriteTo serialises every allocated table to w at its physical address.
func (h *Hierarchy) WriteTo(w io.WriterAt) error {
	buf := make([]byte, TableSize)
	for i := 0; i < h.pool.Used(); i++ {
		t := &h.pool.tables[i]
		for j, e := range t {
			binary.LittleEndian.PutUint64(buf[j*8:], uint64(e))
		}
		addr := h.pool.base + mem.PhysAddr(i)*mem.PageSize
		if _, err := w.WriteAt(buf, int64(addr)); err != nil {
			return fmt.Errorf("write table @%v: %w", addr, err)
		}
	}
	return nil
}

// Estimate returns an upper bound on the number of tables, root included,
// needed to map reqs with 4 KiB pages into an empty hierarchy.
func Estimate(reqs []Request) int {
	count := 1
	var seen [Levels]map[uint64]struct{}
	for level := 1; level < Levels; level++ {
		seen[level] = make(map[uint64]struct{})
	}
	for _, r := range reqs {
		if r.Length == 0 {
			continue
		}
		first := uint64(r.Virt)
		last := first + r.Length - 1
		for level := 1; level < Levels; level++ {
			shift := levelShift[level-1]
			for prefix := first >> shift; prefix <= last>>shift; prefix++ {
				if _, ok := seen[level][prefix]; !ok {
					seen[level][prefix] = struct{}{}
					count++
				}
			}
		}
	}
	return count
}
