package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/hhboot/internal/mem"
)

var (
	ErrControlRegister = errors.New("machine: control registers are only written by EnablePaging")
	ErrActivation      = errors.New("machine: refusing to activate page tables")
	ErrInvalidOpcode   = errors.New("machine: invalid opcode")
	ErrNoService       = errors.New("machine: no hypercall service registered")
	ErrStackFault      = errors.New("machine: stack is not mapped writable")
	ErrRunaway         = errors.New("machine: instruction limit reached")
)

// Instruction encodings understood by Run.
var (
	OpHalt   = []byte{0xF4}
	OpNop    = []byte{0x90}
	OpVMCall = []byte{0x0F, 0x01, 0xC1}
)

// VMCallSize is the length of a hypercall: VMCALL followed by a 32-bit
// service number.
const VMCallSize = 3 + 4

const defaultStepLimit = 1 << 16

// Service handles a hypercall. It runs with the processor state of the
// calling instruction.
type Service func(ctx context.Context, env *Env) error

// CPU is the machine's single processor.
//
// Until EnablePaging succeeds the processor runs with the firmware's flat
// identity translation. Afterwards every fetch and access walks the tables
// referenced by CR3.
type CPU struct {
	mem      *Memory
	regs     [registerCount]uint64
	paging   bool
	halted   bool
	services map[uint32]Service
	ports    map[uint16]io.Writer
	log      *slog.Logger

	StepLimit int
}

func NewCPU(m *Memory, log *slog.Logger) *CPU {
	if log == nil {
		log = slog.Default()
	}
	c := &CPU{
		mem:      m,
		services: make(map[uint32]Service),
		ports:    make(map[uint16]io.Writer),
		log:      log,
	}
	c.regs[RegisterRflags] = rflagsReserved
	c.regs[RegisterCr0] = cr0PE
	return c
}

// RegisterService binds id to fn. A later registration replaces an earlier one.
func (c *CPU) RegisterService(id uint32, fn Service) {
	c.services[id] = fn
}

// AttachPort sends bytes written to an I/O port to w.
func (c *CPU) AttachPort(port uint16, w io.Writer) {
	c.ports[port] = w
}

func (c *CPU) SetRegisters(regs map[Register]RegisterValue) error {
	for reg, val := range regs {
		if reg == RegisterInvalid || reg >= registerCount {
			return fmt.Errorf("machine: unknown register %v", reg)
		}
		if reg >= RegisterCr0 {
			return fmt.Errorf("%w: %v", ErrControlRegister, reg)
		}
		v, ok := val.(Register64)
		if !ok {
			return fmt.Errorf("machine: unsupported value type %T for %v", val, reg)
		}
		c.regs[reg] = uint64(v)
	}
	return nil
}

func (c *CPU) GetRegisters(regs map[Register]RegisterValue) error {
	for reg := range regs {
		if reg == RegisterInvalid || reg >= registerCount {
			return fmt.Errorf("machine: unknown register %v", reg)
		}
		regs[reg] = Register64(c.regs[reg])
	}
	return nil
}

// Root returns the installed root table, or false while the firmware
// translation is still in effect.
func (c *CPU) Root() (mem.PhysAddr, bool) {
	return mem.PhysAddr(c.regs[RegisterCr3]), c.paging
}

func (c *CPU) Halted() bool { return c.halted }

// EnablePaging installs root in CR3 and switches to 4-level paging with NX.
//
// The switch happens in the middle of the loader's instruction stream, so the
// current RIP must translate to itself and be executable under root.
// The root table must also be reachable through its own hierarchy.
func (c *CPU) EnablePaging(root mem.PhysAddr) error {
	if !mem.IsAligned(uint64(root), mem.PageSize) {
		return fmt.Errorf("%w: root %v is not page aligned", ErrActivation, root)
	}
	mmu := NewMMU(c.mem, root, true)

	rip := mem.VirtAddr(c.regs[RegisterRip])
	tr, err := mmu.Translate(rip, AccessExecute)
	if err != nil {
		return fmt.Errorf("%w: loader code: %w", ErrActivation, err)
	}
	if tr.Phys != mem.PhysAddr(rip) {
		return fmt.Errorf("%w: loader code %v translates to %v, not identity", ErrActivation, rip, tr.Phys)
	}
	tr, err = mmu.Translate(mem.VirtAddr(root), AccessRead)
	if err != nil {
		return fmt.Errorf("%w: root table is not mapped: %w", ErrActivation, err)
	}
	if tr.Phys != root {
		return fmt.Errorf("%w: root table %v translates to %v", ErrActivation, root, tr.Phys)
	}

	c.regs[RegisterCr3] = uint64(root)
	c.regs[RegisterCr4] |= cr4PAE
	c.regs[RegisterEfer] |= eferLME | eferLMA | eferNXE
	c.regs[RegisterCr0] |= cr0PE | cr0WP | cr0PG
	c.paging = true
	c.log.Debug("paging enabled", "cr3", fmt.Sprintf("%#x", uint64(root)))
	return nil
}

func (c *CPU) translate(v mem.VirtAddr, access Access) (mem.PhysAddr, error) {
	if !c.paging {
		return mem.PhysAddr(v), nil
	}
	tr, err := c.mmu().Translate(v, access)
	if err != nil {
		return 0, err
	}
	return tr.Phys, nil
}

func (c *CPU) mmu() MMU {
	return NewMMU(c.mem, mem.PhysAddr(c.regs[RegisterCr3]), c.regs[RegisterEfer]&eferNXE != 0)
}

func (c *CPU) fetch(p []byte, rip mem.VirtAddr) error {
	for i := range p {
		pa, err := c.translate(rip+mem.VirtAddr(i), AccessExecute)
		if err != nil {
			return err
		}
		if _, err := c.mem.ReadAt(p[i:i+1], int64(pa)); err != nil {
			return fmt.Errorf("fetch %v: %w", rip, err)
		}
	}
	return nil
}

// Run executes from RIP until the processor halts, a fault occurs or ctx is
// done.
func (c *CPU) Run(ctx context.Context) error {
	limit := c.StepLimit
	if limit <= 0 {
		limit = defaultStepLimit
	}
	c.halted = false
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if step >= limit {
			return fmt.Errorf("%w after %d instructions at %#x", ErrRunaway, step, c.regs[RegisterRip])
		}

		rip := mem.VirtAddr(c.regs[RegisterRip])
		var op [VMCallSize]byte
		if err := c.fetch(op[:1], rip); err != nil {
			return err
		}
		switch op[0] {
		case OpHalt[0]:
			c.regs[RegisterRip]++
			c.halted = true
			return nil
		case OpNop[0]:
			c.regs[RegisterRip]++
			continue
		case OpVMCall[0]:
			if err := c.fetch(op[1:], rip+1); err != nil {
				return err
			}
			if op[1] != OpVMCall[1] || op[2] != OpVMCall[2] {
				return fmt.Errorf("%w % x at %v", ErrInvalidOpcode, op[:3], rip)
			}
			c.regs[RegisterRip] += VMCallSize
			if err := c.vmcall(ctx, binary.LittleEndian.Uint32(op[3:])); err != nil {
				return err
			}
			if c.halted {
				return nil
			}
		default:
			return fmt.Errorf("%w %#x at %v", ErrInvalidOpcode, op[0], rip)
		}
	}
}

func (c *CPU) vmcall(ctx context.Context, id uint32) error {
	fn, ok := c.services[id]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoService, id)
	}
	// The service is entered like a call, so the return slot must be writable.
	rsp := mem.VirtAddr(c.regs[RegisterRsp] - 8)
	if _, err := c.translate(rsp, AccessWrite); err != nil {
		return fmt.Errorf("%w: rsp=%#x: %w", ErrStackFault, c.regs[RegisterRsp], err)
	}
	c.log.Debug("hypercall", "service", fmt.Sprintf("%#x", id), "rip", fmt.Sprintf("%#x", c.regs[RegisterRip]))
	if err := fn(ctx, &Env{cpu: c}); err != nil {
		return fmt.Errorf("machine: service %#x: %w", id, err)
	}
	return nil
}

// Env is the view a hypercall service has of the processor.
type Env struct {
	cpu *CPU
}

func (e *Env) Register(r Register) uint64 {
	if r >= registerCount {
		return 0
	}
	return e.cpu.regs[r]
}

// SetRegister updates a general purpose register.
func (e *Env) SetRegister(r Register, v uint64) error {
	return e.cpu.SetRegisters(map[Register]RegisterValue{r: Register64(v)})
}

// Read copies virtual memory at v into p through the active translation.
func (e *Env) Read(p []byte, v mem.VirtAddr) error {
	if !e.cpu.paging {
		_, err := e.cpu.mem.ReadAt(p, int64(v))
		return err
	}
	return e.cpu.mmu().Read(p, v)
}

// Write copies p to virtual memory at v through the active translation.
func (e *Env) Write(p []byte, v mem.VirtAddr) error {
	if !e.cpu.paging {
		_, err := e.cpu.mem.WriteAt(p, int64(v))
		return err
	}
	return e.cpu.mmu().Write(e.cpu.mem, p, v)
}

// Translate resolves v for access under the active translation.
func (e *Env) Translate(v mem.VirtAddr, access Access) (mem.PhysAddr, error) {
	return e.cpu.translate(v, access)
}

// Out writes data to an I/O port. Writes to unattached ports are dropped.
func (e *Env) Out(port uint16, data []byte) error {
	w, ok := e.cpu.ports[port]
	if !ok {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// Halt stops the processor once the service returns.
func (e *Env) Halt() { e.cpu.halted = true }
