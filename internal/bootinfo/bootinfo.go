// Package bootinfo defines the boot information block handed from the loader
// to the kernel and the memory map it carries.
//
// The block is a fixed little-endian record (see layout.go). Its address is the
// kernel entry point's only argument.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/hhboot/internal/mem"
)

var (
	ErrShortBlock  = errors.New("boot information block truncated")
	ErrMapTooLarge = errors.New("memory map does not fit reserved storage")
)

// PixelFormat is the framebuffer's byte order.
type PixelFormat uint32

const (
	PixelNone PixelFormat = iota
	PixelRGB
	PixelBGR
)

func (p PixelFormat) String() string {
	switch p {
	case PixelRGB:
		return "rgb"
	case PixelBGR:
		return "bgr"
	default:
		return "none"
	}
}

// BytesPerPixel is fixed for both supported formats.
const BytesPerPixel = 4

// Framebuffer describes the linear framebuffer, if any.
type Framebuffer struct {
	Base   mem.VirtAddr
	Phys   mem.PhysAddr
	Size   uint64
	Width  uint32
	Height uint32
	Stride uint32 // pixels per scanline
	Format PixelFormat
}

// Present reports whether a usable framebuffer was described.
func (f Framebuffer) Present() bool {
	return f.Format != PixelNone && f.Width != 0 && f.Height != 0
}

// Block is the boot information block.
type Block struct {
	HigherHalf mem.VirtAddr

	// MapAddr is the virtual address of the region array in the kernel's
	// address space; Map holds the decoded regions.
	MapAddr mem.VirtAddr
	Map     MemoryMap

	Framebuffer Framebuffer

	StackTop    mem.VirtAddr
	StackBottom mem.VirtAddr

	Revision uint32
}

// EncodeHeader returns the fixed-size header bytes of b.
func (b *Block) EncodeHeader() []byte {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[offHigherHalf:], uint64(b.HigherHalf))
	le.PutUint64(buf[offMapCount:], uint64(len(b.Map.Regions)))
	le.PutUint64(buf[offMapAddr:], uint64(b.MapAddr))
	le.PutUint64(buf[offMapLen:], uint64(len(b.Map.Regions)*RegionEntrySize))
	le.PutUint64(buf[offFBBase:], uint64(b.Framebuffer.Base))
	le.PutUint32(buf[offFBWidth:], b.Framebuffer.Width)
	le.PutUint32(buf[offFBHeight:], b.Framebuffer.Height)
	le.PutUint32(buf[offFBStride:], b.Framebuffer.Stride)
	le.PutUint32(buf[offFBFormat:], uint32(b.Framebuffer.Format))
	le.PutUint64(buf[offStackTop:], uint64(b.StackTop))
	le.PutUint64(buf[offStackBottom:], uint64(b.StackBottom))
	le.PutUint64(buf[offFBPhys:], uint64(b.Framebuffer.Phys))
	le.PutUint64(buf[offFBSize:], b.Framebuffer.Size)
	le.PutUint64(buf[offFirstAddr:], uint64(b.Map.FirstAddr))
	le.PutUint64(buf[offFirstAvail:], uint64(b.Map.FirstAvailable))
	le.PutUint64(buf[offLastAddr:], uint64(b.Map.LastAddr))
	le.PutUint64(buf[offLastAvail:], uint64(b.Map.LastAvailable))
	le.PutUint32(buf[offRevision:], Revision)
	le.PutUint32(buf[offReserved:], 0)
	return buf
}

// EncodeRegions returns the region array bytes of b.
func (b *Block) EncodeRegions() []byte {
	buf := make([]byte, len(b.Map.Regions)*RegionEntrySize)
	le := binary.LittleEndian
	for i, r := range b.Map.Regions {
		e := buf[i*RegionEntrySize:]
		le.PutUint64(e[offRegionStart:], uint64(r.Start))
		le.PutUint64(e[offRegionEnd:], uint64(r.End))
		le.PutUint64(e[offRegionPages:], r.Pages)
		le.PutUint32(e[offRegionKind:], uint32(r.Kind))
	}
	return buf
}

// Header is the decoded fixed part of a block; the kernel reads the region
// array separately from MapAddr.
type Header struct {
	Block
	MapCount uint64
	MapLen   uint64
}

// DecodeHeader parses the fixed part of a block. Revision 1 blocks (64 bytes)
// are accepted and leave the appended fields zero.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < revision1Size {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortBlock, len(buf))
	}
	le := binary.LittleEndian
	var h Header
	h.HigherHalf = mem.VirtAddr(le.Uint64(buf[offHigherHalf:]))
	h.MapCount = le.Uint64(buf[offMapCount:])
	h.MapAddr = mem.VirtAddr(le.Uint64(buf[offMapAddr:]))
	h.MapLen = le.Uint64(buf[offMapLen:])
	h.Framebuffer = Framebuffer{
		Base:   mem.VirtAddr(le.Uint64(buf[offFBBase:])),
		Width:  le.Uint32(buf[offFBWidth:]),
		Height: le.Uint32(buf[offFBHeight:]),
		Stride: le.Uint32(buf[offFBStride:]),
		Format: PixelFormat(le.Uint32(buf[offFBFormat:])),
	}
	h.StackTop = mem.VirtAddr(le.Uint64(buf[offStackTop:]))
	h.Revision = 1
	if len(buf) < BlockSize {
		return h, nil
	}
	h.StackBottom = mem.VirtAddr(le.Uint64(buf[offStackBottom:]))
	h.Framebuffer.Phys = mem.PhysAddr(le.Uint64(buf[offFBPhys:]))
	h.Framebuffer.Size = le.Uint64(buf[offFBSize:])
	h.Map.FirstAddr = mem.PhysAddr(le.Uint64(buf[offFirstAddr:]))
	h.Map.FirstAvailable = mem.PhysAddr(le.Uint64(buf[offFirstAvail:]))
	h.Map.LastAddr = mem.PhysAddr(le.Uint64(buf[offLastAddr:]))
	h.Map.LastAvailable = mem.PhysAddr(le.Uint64(buf[offLastAvail:]))
	h.Revision = le.Uint32(buf[offRevision:])
	return h, nil
}

// DecodeRegions parses count region entries from buf.
func DecodeRegions(buf []byte, count uint64) ([]Region, error) {
	if uint64(len(buf)) < count*RegionEntrySize {
		return nil, fmt.Errorf("%w: region array holds %d bytes, need %d", ErrShortBlock, len(buf), count*RegionEntrySize)
	}
	le := binary.LittleEndian
	out := make([]Region, count)
	for i := range out {
		e := buf[i*RegionEntrySize:]
		out[i] = Region{
			Start: mem.PhysAddr(le.Uint64(e[offRegionStart:])),
			End:   mem.PhysAddr(le.Uint64(e[offRegionEnd:])),
			Pages: le.Uint64(e[offRegionPages:]),
			Kind:  RegionKind(le.Uint32(e[offRegionKind:])),
		}
	}
	return out, nil
}

// StorageSize is the number of bytes to reserve for a block whose memory map
// may grow to capacity entries.
func StorageSize(capacity int) uint64 {
	return BlockSize + uint64(capacity)*RegionEntrySize
}
