// Package loader is the environment setup that runs under firmware boot
// services: it loads the kernel, builds its address space and boot
// information block, leaves boot services and jumps to the higher half.
//
// Every step depends on the one before it. Nothing runs concurrently and
// nothing is retried; the first error aborts the boot.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/hhboot/internal/bootinfo"
	"github.com/tinyrange/hhboot/internal/debug"
	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/firmware"
	"github.com/tinyrange/hhboot/internal/image"
	"github.com/tinyrange/hhboot/internal/machine"
	"github.com/tinyrange/hhboot/internal/mem"
	"github.com/tinyrange/hhboot/internal/paging"
)

var ErrTokenConsumed = errors.New("loader: boot token already consumed")

const (
	DefaultKernelPath              = `\kernel.elf`
	DefaultHigherHalf mem.VirtAddr = 0xFFFF800000000000
	DefaultStackBase  mem.VirtAddr = 0xFFFFFF8000000000
	DefaultStackSize               = 1 * mem.MiB
)

// FramebufferMapping selects the virtual address the framebuffer is given.
type FramebufferMapping int

const (
	FramebufferIdentity FramebufferMapping = iota
	FramebufferHigherHalf
)

type Config struct {
	KernelPath string

	// HigherHalf is the kernel's virtual offset. Segments linked below it
	// are moved up by it.
	HigherHalf mem.VirtAddr

	// StackBase is the unmapped guard page; the stack occupies the
	// StackSize bytes above it.
	StackBase mem.VirtAddr
	StackSize uint64

	Framebuffer     FramebufferMapping
	FramebufferBase mem.VirtAddr // FramebufferHigherHalf only

	// PlaceDeclared loads segments at their ELF physical addresses instead
	// of wherever the firmware has room.
	PlaceDeclared bool

	// IdentityMapAll maps every RAM descriptor 1:1 in addition to the
	// loader's own ranges.
	IdentityMapAll bool

	// HugePages lets kernel, stack and framebuffer ranges use 2 MiB and
	// 1 GiB leaves.
	HugePages bool

	Logger *slog.Logger
	Trace  *debug.Trace
}

func (c *Config) normalize() {
	if c.KernelPath == "" {
		c.KernelPath = DefaultKernelPath
	}
	if c.HigherHalf == 0 {
		c.HigherHalf = DefaultHigherHalf
	}
	if c.StackBase == 0 {
		c.StackBase = DefaultStackBase
	}
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Processor is the privileged state the loader drives.
type Processor interface {
	SetRegisters(regs map[machine.Register]machine.RegisterValue) error
	EnablePaging(root mem.PhysAddr) error
	Run(ctx context.Context) error
}

var _ Processor = (*machine.CPU)(nil)

// Platform is what the firmware hands the loader.
type Platform struct {
	Firmware firmware.BootServices

	// Memory writes physical memory.
	Memory io.WriterAt

	CPU Processor
}

// Result describes a completed handoff.
type Result struct {
	Root     mem.PhysAddr
	Entry    mem.VirtAddr
	BootInfo mem.VirtAddr
	Block    bootinfo.Block
	Segments []image.Placement

	Tables     int
	PoolFrames int
}

// Loader performs one boot.
type Loader struct {
	cfg   Config
	plat  Platform
	log   *slog.Logger
	trace debug.Source

	// token is consumed by the first Boot.
	token atomic.Bool
}

func New(plat Platform, cfg Config) *Loader {
	cfg.normalize()
	return &Loader{
		cfg:   cfg,
		plat:  plat,
		log:   cfg.Logger,
		trace: cfg.Trace.WithSource("loader"),
	}
}

// Execute boots and, on failure, writes the fatal diagnostic to w. It
// returns the halt status, zero once the kernel has been entered.
func (l *Loader) Execute(ctx context.Context, w io.Writer, style func(string) string) (*Result, int) {
	res, err := l.Boot(ctx)
	if err != nil {
		l.trace.Fault(err)
		l.log.Error("boot failed", "kind", fault.KindOf(err).String(), "error", err)
		return nil, fault.Report(w, err, style)
	}
	return res, 0
}

// Boot runs the handoff sequence. With the simulated processor it returns
// once the kernel halts; on hardware the final jump does not come back.
func (l *Loader) Boot(ctx context.Context) (*Result, error) {
	if !l.token.CompareAndSwap(false, true) {
		return nil, ErrTokenConsumed
	}
	fw := l.plat.Firmware

	initial, err := fw.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("query memory map: %w", err)
	}
	snapshot, err := bootinfo.Convert(initial.Descriptors, nil, len(initial.Descriptors)+1)
	if err != nil {
		return nil, fmt.Errorf("copy memory map: %w", err)
	}
	l.log.Debug("firmware memory map",
		"descriptors", len(initial.Descriptors),
		"total", snapshot.TotalBytes(),
		"conventional_pages", initial.ConventionalPages())
	l.trace.Step("memory map: %d descriptors, %d conventional pages", len(initial.Descriptors), initial.ConventionalPages())

	img, err := image.Load(fw, l.cfg.KernelPath, initial.ConventionalPages()*mem.PageSize)
	if err != nil {
		return nil, err
	}
	if err := relocate(img, l.cfg.HigherHalf); err != nil {
		return nil, fmt.Errorf("kernel %s: %w", l.cfg.KernelPath, err)
	}
	l.log.Info("kernel loaded", "path", l.cfg.KernelPath, "segments", len(img.Segments), "entry", img.Entry.String())
	l.trace.Step("kernel %s: %d segments, entry %v", l.cfg.KernelPath, len(img.Segments), img.Entry)

	p, err := l.plan(initial, snapshot, img)
	if err != nil {
		return nil, err
	}
	if need, have := p.pages(), initial.ConventionalPages(); need > have {
		return nil, fmt.Errorf("boot needs %d pages, firmware has %d free: %w", need, have, fault.OutOfPhysicalMemory)
	}
	l.trace.Step("plan: %d requests, %d pool frames, %d pages", len(p.requests()), p.poolFrames, p.pages())

	if err := l.allocate(p, img); err != nil {
		return nil, err
	}

	h, err := l.build(p)
	if err != nil {
		return nil, err
	}
	l.log.Debug("page tables built", "root", h.Root().String(), "tables", h.Tables(), "frames", p.poolFrames)
	l.trace.Step("hierarchy: root %v, %d of %d tables", h.Root(), h.Tables(), p.poolFrames)

	// The map is re-read after the last allocation; its key is the one
	// handed to ExitBootServices.
	final, err := fw.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("query final memory map: %w", err)
	}
	block, err := l.writeBootInfo(p, final)
	if err != nil {
		return nil, err
	}
	if err := h.WriteTo(l.plat.Memory); err != nil {
		return nil, fmt.Errorf("write page tables: %w: %w", err, fault.FirmwareServiceFailure)
	}
	l.trace.Step("boot info @%v: %d regions", p.bootInfo.Virt, len(block.Map.Regions))

	if err := fw.ExitBootServices(final.Key); err != nil {
		return nil, fmt.Errorf("exit boot services: %w", err)
	}
	l.trace.Step("boot services exited (key %d)", final.Key)

	// From here on there is no firmware to report to.
	cpu := l.plat.CPU
	if err := cpu.EnablePaging(h.Root()); err != nil {
		return nil, fmt.Errorf("activate page tables: %w", err)
	}
	if err := cpu.SetRegisters(map[machine.Register]machine.RegisterValue{
		machine.RegisterRdi: machine.Register64(p.bootInfo.Virt),
		machine.RegisterRsp: machine.Register64(p.stackTop()),
		machine.RegisterRip: machine.Register64(img.Entry),
	}); err != nil {
		return nil, fmt.Errorf("load entry registers: %w", err)
	}
	l.log.Info("entering kernel", "entry", img.Entry.String(), "rdi", p.bootInfo.Virt.String(), "rsp", p.stackTop().String())
	l.trace.Step("jump %v rdi=%v rsp=%v", img.Entry, p.bootInfo.Virt, p.stackTop())

	if err := cpu.Run(ctx); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	return &Result{
		Root:       h.Root(),
		Entry:      img.Entry,
		BootInfo:   p.bootInfo.Virt,
		Block:      block,
		Segments:   p.placements,
		Tables:     h.Tables(),
		PoolFrames: p.poolFrames,
	}, nil
}

// relocate moves an image linked below offset into the higher half. Images
// already linked there are left alone; a mix of both is rejected.
func relocate(img *image.Image, offset mem.VirtAddr) error {
	low := 0
	for _, s := range img.Segments {
		if s.Virt < offset {
			low++
		}
	}
	switch low {
	case 0:
		return nil
	case len(img.Segments):
	default:
		return fmt.Errorf("%d of %d segments are linked below %v: %w", low, len(img.Segments), offset, fault.ImageFormatInvalid)
	}
	for i := range img.Segments {
		s := &img.Segments[i]
		v, ok := offset.Add(uint64(s.Virt))
		if !ok || !v.IsCanonical() {
			return fmt.Errorf("segment %v relocated by %v leaves the address space: %w", s, offset, fault.AlignmentViolation)
		}
		s.Virt = v
	}
	img.Entry += offset
	return nil
}

func (l *Loader) allocate(p *plan, img *image.Image) error {
	fw := l.plat.Firmware
	w := l.plat.Memory

	alloc := func(seg image.Segment, pages uint64) (mem.PhysAddr, error) {
		if l.cfg.PlaceDeclared {
			if !mem.IsAligned(uint64(seg.Phys), mem.PageSize) {
				return 0, fmt.Errorf("declared address %v: %w", seg.Phys, fault.AlignmentViolation)
			}
			return fw.AllocatePages(firmware.AllocateAddress, firmware.LoaderData, pages, seg.Phys)
		}
		return fw.AllocatePages(firmware.AllocateAnyPages, firmware.LoaderData, pages, 0)
	}
	placements, err := img.Place(alloc, w)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}
	p.placements = placements
	for i, pl := range placements {
		p.segments[i].Phys = pl.Base
		l.log.Debug("segment loaded", "virt", pl.Virt.String(), "phys", pl.Base.String(), "perm", pl.Perm.String(), "pages", pl.Pages())
	}

	if p.stack.Phys, err = allocZeroed(fw, w, p.stack.Length); err != nil {
		return fmt.Errorf("allocate kernel stack: %w", err)
	}
	if p.bootInfo.Phys, err = allocZeroed(fw, w, p.bootInfo.Length); err != nil {
		return fmt.Errorf("allocate boot information: %w", err)
	}
	base, err := allocZeroed(fw, w, uint64(p.poolFrames)*mem.PageSize)
	if err != nil {
		return fmt.Errorf("allocate page table pool: %w", err)
	}
	p.pool = paging.Request{
		Name:   "page tables",
		Virt:   mem.VirtAddr(base),
		Phys:   base,
		Length: uint64(p.poolFrames) * mem.PageSize,
		Flags:  paging.Writable | paging.NoExecute,
	}
	return nil
}

func allocZeroed(fw firmware.BootServices, w io.WriterAt, size uint64) (mem.PhysAddr, error) {
	base, err := fw.AllocatePages(firmware.AllocateAnyPages, firmware.LoaderData, mem.Pages(size), 0)
	if err != nil {
		return 0, err
	}
	if _, err := w.WriteAt(make([]byte, mem.Pages(size)*mem.PageSize), int64(base)); err != nil {
		return 0, fmt.Errorf("clear %v: %w: %w", base, err, fault.FirmwareServiceFailure)
	}
	return base, nil
}

func (l *Loader) build(p *plan) (*paging.Hierarchy, error) {
	pool, err := paging.NewPool(p.pool.Phys, p.poolFrames)
	if err != nil {
		return nil, err
	}
	h, err := paging.New(pool)
	if err != nil {
		return nil, err
	}
	for _, req := range p.requests() {
		if err := h.Map(req); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (l *Loader) writeBootInfo(p *plan, final firmware.MemoryMap) (bootinfo.Block, error) {
	m, err := bootinfo.Convert(final.Descriptors, p.claims(), p.mapCapacity)
	if err != nil {
		return bootinfo.Block{}, fmt.Errorf("copy final memory map: %w", err)
	}
	block := bootinfo.Block{
		HigherHalf:  l.cfg.HigherHalf,
		MapAddr:     p.bootInfo.Virt + bootinfo.BlockSize,
		Map:         m,
		Framebuffer: p.fb,
		StackTop:    p.stackTop(),
		StackBottom: p.stack.Virt,
		Revision:    bootinfo.Revision,
	}
	buf := make([]byte, p.bootInfo.Length)
	copy(buf, block.EncodeHeader())
	copy(buf[bootinfo.BlockSize:], block.EncodeRegions())
	if _, err := l.plat.Memory.WriteAt(buf, int64(p.bootInfo.Phys)); err != nil {
		return bootinfo.Block{}, fmt.Errorf("write boot information: %w: %w", err, fault.FirmwareServiceFailure)
	}
	for _, r := range m.Regions {
		l.log.Debug("region", "start", r.Start.String(), "end", r.End.String(), "kind", r.Kind.String())
	}
	return block, nil
}
