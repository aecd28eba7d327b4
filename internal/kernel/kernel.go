// Package kernel is the entry stub that runs at the kernel's entry point
// once paging is active. It proves the handoff: it reads the boot
// information block through the new address space, paints the framebuffer
// and reports on the debug console before halting.
//
// The stub is reached through the hypercall encoded by EntryCode, which is
// what a test kernel image carries at its entry address.
package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"github.com/fogleman/gg"

	"github.com/tinyrange/hhboot/internal/bootinfo"
	"github.com/tinyrange/hhboot/internal/machine"
	"github.com/tinyrange/hhboot/internal/mem"
)

const (
	// EntryService is the hypercall number of the stub ("HHK1").
	EntryService uint32 = 0x314B4848

	// DebugPort is the debug console I/O port.
	DebugPort uint16 = 0xE9

	// SuccessSignal is written to DebugPort once the stub has run.
	SuccessSignal = "hhboot: kernel entry reached\n"
)

// Green is the colour the stub fills the framebuffer with.
var Green = color.RGBA{R: 0x00, G: 0xFF, B: 0x00, A: 0xFF}

// EntryCode is the machine code placed at the kernel entry point.
func EntryCode() []byte {
	code := append([]byte{}, machine.OpVMCall...)
	code = binary.LittleEndian.AppendUint32(code, EntryService)
	return append(code, machine.OpHalt...)
}

// Handoff is what the stub observed when it ran.
type Handoff struct {
	Info    bootinfo.Header
	Regions []bootinfo.Region
	RSP     mem.VirtAddr
}

// Stub implements the entry service.
type Stub struct {
	Color color.Color
	Log   *slog.Logger

	reached *Handoff
}

// Install registers the stub on cpu.
func (s *Stub) Install(cpu *machine.CPU) {
	cpu.RegisterService(EntryService, s.Enter)
}

// Reached returns the handoff state once the stub has run.
func (s *Stub) Reached() (Handoff, bool) {
	if s.reached == nil {
		return Handoff{}, false
	}
	return *s.reached, true
}

// Enter is the stub body. RDI holds the boot information block address.
func (s *Stub) Enter(ctx context.Context, env *machine.Env) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	addr := mem.VirtAddr(env.Register(machine.RegisterRdi))
	raw := make([]byte, bootinfo.BlockSize)
	if err := env.Read(raw, addr); err != nil {
		return fmt.Errorf("kernel: read boot information at %v: %w", addr, err)
	}
	info, err := bootinfo.DecodeHeader(raw)
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	entries := make([]byte, info.MapLen)
	if err := env.Read(entries, info.MapAddr); err != nil {
		return fmt.Errorf("kernel: read memory map at %v: %w", info.MapAddr, err)
	}
	regions, err := bootinfo.DecodeRegions(entries, info.MapCount)
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	if info.Framebuffer.Present() {
		if err := s.paint(env, info.Framebuffer); err != nil {
			return err
		}
	}

	s.reached = &Handoff{Info: info, Regions: regions, RSP: mem.VirtAddr(env.Register(machine.RegisterRsp))}
	log.Info("kernel entry reached",
		"boot_info", fmt.Sprintf("%#x", uint64(addr)),
		"regions", len(regions),
		"framebuffer", info.Framebuffer.Present())
	if err := env.Out(DebugPort, []byte(SuccessSignal)); err != nil {
		return fmt.Errorf("kernel: debug console: %w", err)
	}
	env.Halt()
	return nil
}

func (s *Stub) paint(env *machine.Env, fb bootinfo.Framebuffer) error {
	c := s.Color
	if c == nil {
		c = Green
	}
	dc := gg.NewContext(int(fb.Width), int(fb.Height))
	dc.SetColor(c)
	dc.Clear()
	im, ok := dc.Image().(*image.RGBA)
	if !ok {
		return fmt.Errorf("kernel: unexpected backbuffer type %T", dc.Image())
	}
	pix, err := Flush(im, fb)
	if err != nil {
		return err
	}
	if err := env.Write(pix, fb.Base); err != nil {
		return fmt.Errorf("kernel: fill framebuffer at %v: %w", fb.Base, err)
	}
	return nil
}
