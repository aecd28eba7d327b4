package loader

import (
	"errors"
	"fmt"

	"github.com/tinyrange/hhboot/internal/bootinfo"
	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/firmware"
	"github.com/tinyrange/hhboot/internal/image"
	"github.com/tinyrange/hhboot/internal/mem"
	"github.com/tinyrange/hhboot/internal/paging"
)

const (
	// spareRegions is added to the memory map capacity on top of the
	// descriptors the loader's own allocations can create.
	spareRegions = 8

	// poolSlack covers the tables that map the pool itself, whose address
	// is only known once it has been allocated.
	poolSlack = 8

	framebufferFlags = paging.Writable | paging.NoExecute | paging.WriteThrough
)

// plan is the kernel address space before and after frames are allocated.
// Phys fields of the kernel ranges are filled in by allocate.
type plan struct {
	segments []paging.Request
	stack    paging.Request
	bootInfo paging.Request
	fbMap    *paging.Request
	identity []paging.Request // loader image and, optionally, all of RAM
	pool     paging.Request

	fb          bootinfo.Framebuffer
	mapCapacity int
	poolFrames  int
	placements  []image.Placement
}

func (p *plan) stackTop() mem.VirtAddr {
	return p.stack.Virt + mem.VirtAddr(p.stack.Length)
}

// pages is the number of frames the loader will allocate.
func (p *plan) pages() uint64 {
	n := p.stack.Length/mem.PageSize + p.bootInfo.Length/mem.PageSize + uint64(p.poolFrames)
	for _, s := range p.segments {
		n += s.Length / mem.PageSize
	}
	return n
}

// requests lists every mapping in the order it is installed. Broad identity
// ranges go first so the narrower ones find identical leaves.
func (p *plan) requests() []paging.Request {
	out := append([]paging.Request{}, p.identity...)
	if p.pool.Length != 0 {
		out = append(out, p.pool)
	}
	out = append(out, p.segments...)
	out = append(out, p.stack, p.bootInfo)
	if p.fbMap != nil {
		out = append(out, *p.fbMap)
	}
	return out
}

func (p *plan) claims() []bootinfo.Claim {
	claim := func(r paging.Request, k bootinfo.RegionKind) bootinfo.Claim {
		return bootinfo.Claim{Start: r.Phys, End: r.Phys + mem.PhysAddr(r.Length), Kind: k}
	}
	out := []bootinfo.Claim{
		claim(p.stack, bootinfo.KernelStack),
		claim(p.bootInfo, bootinfo.KernelData),
		claim(p.pool, bootinfo.PageTables),
	}
	for _, s := range p.segments {
		kind := bootinfo.KernelData
		if s.Flags.Executable() {
			kind = bootinfo.KernelCode
		}
		out = append(out, claim(s, kind))
	}
	if p.fbMap != nil {
		out = append(out, claim(*p.fbMap, bootinfo.FramebufferRegion))
	}
	return out
}

func segmentFlags(perm image.Perm) paging.Flags {
	var f paging.Flags
	if perm&image.PermWrite != 0 {
		f |= paging.Writable
	}
	if perm&image.PermExec == 0 {
		f |= paging.NoExecute
	}
	return f
}

// plan lays out the kernel's address space and sizes every allocation. It
// allocates nothing, so a rejected layout leaves the firmware untouched.
// snapshot is the loader's own copy of initial.
func (l *Loader) plan(initial firmware.MemoryMap, snapshot bootinfo.MemoryMap, img *image.Image) (*plan, error) {
	var huge paging.Flags
	if l.cfg.HugePages {
		huge = paging.Huge
	}
	p := &plan{}

	for _, s := range img.Segments {
		req := paging.Request{
			Name:   "kernel " + s.Perm.String(),
			Virt:   s.Virt,
			Length: s.Pages() * mem.PageSize,
			Flags:  segmentFlags(s.Perm) | huge,
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("kernel segment: %w", err)
		}
		p.segments = append(p.segments, req)
	}

	stackLen := mem.AlignUp(l.cfg.StackSize, mem.PageSize)
	p.stack = paging.Request{
		Name:   "stack",
		Virt:   l.cfg.StackBase + mem.PageSize,
		Length: stackLen,
		Flags:  paging.Writable | paging.NoExecute | huge,
	}
	if err := p.stack.Validate(); err != nil {
		return nil, err
	}

	// Each allocation can split one free descriptor into three, and the
	// first page may be split off.
	allocations := len(p.segments) + 3
	p.mapCapacity = len(initial.Descriptors) + 2*allocations + 1 + spareRegions
	p.bootInfo = paging.Request{
		Name:   "boot info",
		Virt:   img.End(),
		Length: mem.Pages(bootinfo.StorageSize(p.mapCapacity)) * mem.PageSize,
		Flags:  paging.Writable | paging.NoExecute,
	}
	if err := p.bootInfo.Validate(); err != nil {
		return nil, err
	}

	if err := l.planFramebuffer(p); err != nil {
		return nil, err
	}
	if err := l.planIdentity(p, snapshot); err != nil {
		return nil, err
	}

	est := paging.Estimate(p.requests())
	p.poolFrames = est + est/512 + poolSlack
	return p, nil
}

func (l *Loader) planFramebuffer(p *plan) error {
	gm, err := l.plat.Firmware.Graphics()
	if errors.Is(err, firmware.ErrUnsupported) {
		l.log.Info("no graphics output; booting without a framebuffer")
		return nil
	} else if err != nil {
		return fmt.Errorf("query graphics output: %w", err)
	}

	var format bootinfo.PixelFormat
	switch gm.Format {
	case firmware.PixelRedGreenBlueReserved8BitPerColor:
		format = bootinfo.PixelRGB
	case firmware.PixelBlueGreenRedReserved8BitPerColor:
		format = bootinfo.PixelBGR
	default:
		l.log.Warn("unsupported framebuffer format; booting without a framebuffer", "format", gm.Format.String())
		return nil
	}
	need := uint64(gm.PixelsPerScanLine) * uint64(gm.VerticalResolution) * bootinfo.BytesPerPixel
	if gm.PixelsPerScanLine < gm.HorizontalResolution || gm.FrameBufferSize < need {
		l.log.Warn("framebuffer geometry does not fit its memory; booting without a framebuffer",
			"width", gm.HorizontalResolution, "height", gm.VerticalResolution,
			"stride", gm.PixelsPerScanLine, "size", gm.FrameBufferSize)
		return nil
	}
	if !mem.IsAligned(uint64(gm.FrameBufferBase), mem.PageSize) {
		return fmt.Errorf("framebuffer at %v: %w", gm.FrameBufferBase, fault.AlignmentViolation)
	}

	virt := mem.VirtAddr(gm.FrameBufferBase)
	if l.cfg.Framebuffer == FramebufferHigherHalf {
		virt = l.cfg.FramebufferBase
	}
	var huge paging.Flags
	if l.cfg.HugePages {
		huge = paging.Huge
	}
	req := paging.Request{
		Name:   "framebuffer",
		Virt:   virt,
		Phys:   gm.FrameBufferBase,
		Length: mem.AlignUp(gm.FrameBufferSize, mem.PageSize),
		Flags:  framebufferFlags | huge,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	p.fbMap = &req
	p.fb = bootinfo.Framebuffer{
		Base:   virt,
		Phys:   gm.FrameBufferBase,
		Size:   gm.FrameBufferSize,
		Width:  gm.HorizontalResolution,
		Height: gm.VerticalResolution,
		Stride: gm.PixelsPerScanLine,
		Format: format,
	}
	return nil
}

// planIdentity maps the loader's own image 1:1 so the instructions after the
// CR3 write keep executing. With IdentityMapAll every non-reserved region of
// the copied map is mapped too; the null page stays out.
func (l *Loader) planIdentity(p *plan, snapshot bootinfo.MemoryMap) error {
	li, err := l.plat.Firmware.LoadedImage()
	if err != nil {
		return fmt.Errorf("locate loader image: %w", err)
	}
	if l.cfg.IdentityMapAll {
		for _, r := range snapshot.Regions {
			flags := paging.Writable | paging.NoExecute
			switch r.Kind {
			case bootinfo.Reserved:
				continue
			case bootinfo.LoaderCode:
				flags = 0
			}
			p.identity = append(p.identity, paging.Request{
				Name:   "identity " + r.Kind.String(),
				Virt:   mem.VirtAddr(r.Start),
				Phys:   r.Start,
				Length: r.Len(),
				Flags:  flags | paging.Huge,
			})
		}
	}
	p.identity = append(p.identity,
		paging.Request{
			Name:   "loader code",
			Virt:   mem.VirtAddr(li.CodeBase),
			Phys:   li.CodeBase,
			Length: mem.AlignUp(li.CodeSize, mem.PageSize),
		},
		paging.Request{
			Name:   "loader data",
			Virt:   mem.VirtAddr(li.DataBase),
			Phys:   li.DataBase,
			Length: mem.AlignUp(li.DataSize, mem.PageSize),
			Flags:  paging.Writable | paging.NoExecute,
		},
	)
	for _, r := range p.identity {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
