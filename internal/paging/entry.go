// Package paging models the x86-64 4-level page table hierarchy built by the
// loader before the handoff.
//
// Tables live in an arena of pre-zeroed, page-aligned frames handed out by a
// Pool. Entries hold real hardware encodings (frame address plus flag bits), so
// the arena can be serialised to physical memory as-is and walked by the
// processor after activation. Intermediate tables are found by converting an
// entry's frame address back into an arena index.
package paging

import (
	"fmt"
	"strings"

	"github.com/tinyrange/hhboot/internal/mem"
)

// Flags are the x86-64 page table entry flag bits.
type Flags uint64

const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	CacheDisable Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8
	NoExecute    Flags = 1 << 63
)

const (
	addrMask Entry = 0x000F_FFFF_FFFF_F000
	flagMask Flags = Flags(NoExecute) | 0xFFF

	// hardware-managed bits ignored when comparing leaves
	volatileFlags = Accessed | Dirty
)

// Executable reports whether a leaf with these flags may be executed.
func (f Flags) Executable() bool { return f&NoExecute == 0 }

func (f Flags) String() string {
	var parts []string
	names := []struct {
		bit  Flags
		name string
	}{
		{Present, "P"}, {Writable, "W"}, {User, "U"}, {WriteThrough, "PWT"},
		{CacheDisable, "PCD"}, {Accessed, "A"}, {Dirty, "D"}, {Huge, "PS"},
		{Global, "G"}, {NoExecute, "NX"},
	}
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Entry is a single 64-bit page table entry.
type Entry uint64

func makeEntry(addr mem.PhysAddr, flags Flags) Entry {
	return (Entry(addr) & addrMask) | Entry(flags&flagMask)
}

func (e Entry) Present() bool      { return Flags(e)&Present != 0 }
func (e Entry) Huge() bool         { return Flags(e)&Huge != 0 }
func (e Entry) Flags() Flags       { return Flags(e) & flagMask }
func (e Entry) Addr() mem.PhysAddr { return mem.PhysAddr(e & addrMask) }

func (e Entry) String() string {
	return fmt.Sprintf("%#x[%s]", uint64(e.Addr()), e.Flags())
}

const (
	Levels          = 4
	EntriesPerTable = 512
	TableSize       = EntriesPerTable * 8
)

// Level numbering runs from the root (0, PML4) to the last level (3, PT).
var levelShift = [Levels]uint{39, 30, 21, 12}

var levelNames = [Levels]string{"PML4", "PDPT", "PD", "PT"}

// PageSizeAt returns the size mapped by a leaf at level. Only levels 1-3 can
// hold leaves.
func PageSizeAt(level int) uint64 { return 1 << levelShift[level] }

func indexAt(v mem.VirtAddr, level int) int {
	return int((uint64(v) >> levelShift[level]) & (EntriesPerTable - 1))
}

// Table is one level of the hierarchy.
type Table [EntriesPerTable]Entry
