package machine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/hhboot/internal/mem"
)

const (
	pagePresent  = 1 << 0
	pageWritable = 1 << 1
	pageUser     = 1 << 2
	pageHuge     = 1 << 7
	pageNX       = 1 << 63

	pageAddrMask = 0x000F_FFFF_FFFF_F000
)

// Access is the kind of memory access being translated.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "read"
	}
}

// PageFault reports a failed translation.
type PageFault struct {
	Addr   mem.VirtAddr
	Access Access
	Reason string
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("machine: page fault on %s of %v: %s", f.Access, f.Addr, f.Reason)
}

// Translation is the result of a successful walk. Permissions are the
// effective ones: writable only if every level allows it, executable only if
// no level sets NX.
type Translation struct {
	Phys       mem.PhysAddr
	PageSize   uint64
	Writable   bool
	User       bool
	Executable bool
}

// MMU walks 4-level tables stored in physical memory.
type MMU struct {
	phys io.ReaderAt
	root mem.PhysAddr
	nxe  bool
}

func NewMMU(phys io.ReaderAt, root mem.PhysAddr, nxe bool) MMU {
	return MMU{phys: phys, root: mem.PhysAddr(uint64(root) & pageAddrMask), nxe: nxe}
}

var levelShifts = [4]uint{39, 30, 21, 12}
var levelNames = [4]string{"PML4", "PDPT", "PD", "PT"}

// Translate resolves v for the given access.
func (w MMU) Translate(v mem.VirtAddr, access Access) (Translation, error) {
	if !v.IsCanonical() {
		return Translation{}, &PageFault{Addr: v, Access: access, Reason: "non-canonical address"}
	}

	tr := Translation{Writable: true, User: true, Executable: true}
	table := uint64(w.root)
	for level, shift := range levelShifts {
		entry, err := w.readPhysUint64(table + ((uint64(v)>>shift)&0x1FF)*8)
		if err != nil {
			return Translation{}, &PageFault{Addr: v, Access: access, Reason: fmt.Sprintf("read %s entry: %v", levelNames[level], err)}
		}
		if entry&pagePresent == 0 {
			return Translation{}, &PageFault{Addr: v, Access: access, Reason: levelNames[level] + " entry not present"}
		}
		tr.Writable = tr.Writable && entry&pageWritable != 0
		tr.User = tr.User && entry&pageUser != 0
		if w.nxe && entry&pageNX != 0 {
			tr.Executable = false
		}

		leaf := level == len(levelShifts)-1
		if entry&pageHuge != 0 {
			if level == 0 {
				return Translation{}, &PageFault{Addr: v, Access: access, Reason: "PS bit set in PML4 entry"}
			}
			leaf = true
		}
		if leaf {
			size := uint64(1) << shift
			base := entry & pageAddrMask &^ (size - 1)
			tr.Phys = mem.PhysAddr(base + uint64(v)&(size-1))
			tr.PageSize = size
			break
		}
		table = entry & pageAddrMask
	}

	switch {
	case access == AccessWrite && !tr.Writable:
		return tr, &PageFault{Addr: v, Access: access, Reason: "page is read-only"}
	case access == AccessExecute && !tr.Executable:
		return tr, &PageFault{Addr: v, Access: access, Reason: "page is no-execute"}
	}
	return tr, nil
}

func (w MMU) readPhysUint64(phys uint64) (uint64, error) {
	var data [8]byte
	if _, err := w.phys.ReadAt(data[:], int64(phys)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[:]), nil
}

// Read copies len(p) bytes starting at virtual address v, crossing page
// boundaries as needed.
func (w MMU) Read(p []byte, v mem.VirtAddr) error {
	return w.access(p, v, AccessRead, func(chunk []byte, pa mem.PhysAddr) error {
		_, err := w.phys.ReadAt(chunk, int64(pa))
		return err
	})
}

// Write copies p into virtual memory starting at v.
func (w MMU) Write(sink io.WriterAt, p []byte, v mem.VirtAddr) error {
	return w.access(p, v, AccessWrite, func(chunk []byte, pa mem.PhysAddr) error {
		_, err := sink.WriteAt(chunk, int64(pa))
		return err
	})
}

func (w MMU) access(p []byte, v mem.VirtAddr, access Access, fn func([]byte, mem.PhysAddr) error) error {
	for len(p) > 0 {
		tr, err := w.Translate(v, access)
		if err != nil {
			return err
		}
		n := mem.PageSize - uint64(v)&(mem.PageSize-1)
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		if err := fn(p[:n], tr.Phys); err != nil {
			return fmt.Errorf("machine: %s %v -> %v: %w", access, v, tr.Phys, err)
		}
		p = p[n:]
		v += mem.VirtAddr(n)
	}
	return nil
}
