package bootinfo

// Byte offsets of the boot information block. Fields are only ever appended;
// existing offsets never move.
const (
	offHigherHalf   = 0x00
	offMapCount     = 0x08
	offMapAddr      = 0x10
	offMapLen       = 0x18
	offFBBase       = 0x20
	offFBWidth      = 0x28
	offFBHeight     = 0x2C
	offFBStride     = 0x30
	offFBFormat     = 0x34
	offStackTop     = 0x38
	offStackBottom  = 0x40 // revision 2
	offFBPhys       = 0x48
	offFBSize       = 0x50
	offFirstAddr    = 0x58
	offFirstAvail   = 0x60
	offLastAddr     = 0x68
	offLastAvail    = 0x70
	offRevision     = 0x78
	offReserved     = 0x7C
	revision1Size   = 0x40
	BlockSize       = 0x80
	RegionEntrySize = 32

	// Revision is the layout revision written by this loader.
	Revision = 2
)

const (
	offRegionStart = 0x00
	offRegionEnd   = 0x08
	offRegionPages = 0x10
	offRegionKind  = 0x18
)
