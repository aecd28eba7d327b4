package machine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/hhboot/internal/mem"
	"github.com/tinyrange/hhboot/internal/paging"
)

const (
	ramSize    = 4 * mem.MiB
	loaderCode = mem.PhysAddr(0x10000)
	poolBase   = mem.PhysAddr(0x100000)
	codePhys   = mem.PhysAddr(0x200000)
	stackPhys  = mem.PhysAddr(0x210000)
	higherHalf = mem.VirtAddr(0xFFFF800000000000)
	stackVirt  = mem.VirtAddr(0xFFFFFF8000000000)
)

func newMachine(t *testing.T) (*Memory, *CPU) {
	t.Helper()
	m := NewMemory()
	if err := m.AddRAM(0, ramSize); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	cpu := NewCPU(m, nil)
	if err := cpu.SetRegisters(map[Register]RegisterValue{RegisterRip: Register64(loaderCode)}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	return m, cpu
}

func newTables(t *testing.T, reqs ...paging.Request) *paging.Hierarchy {
	t.Helper()
	pool, err := paging.NewPool(poolBase, 16)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	h, err := paging.New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, r := range reqs {
		if err := h.Map(r); err != nil {
			t.Fatalf("Map(%v): %v", r, err)
		}
	}
	return h
}

var (
	mapLoader = paging.Request{Name: "loader", Virt: mem.VirtAddr(loaderCode), Phys: loaderCode, Length: mem.PageSize}
	mapPool   = paging.Request{Name: "pool", Virt: mem.VirtAddr(poolBase), Phys: poolBase, Length: 16 * mem.PageSize, Flags: paging.Writable | paging.NoExecute}
	mapCode   = paging.Request{Name: "code", Virt: higherHalf, Phys: codePhys, Length: mem.PageSize}
	mapStack  = paging.Request{Name: "stack", Virt: stackVirt, Phys: stackPhys, Length: 4 * mem.PageSize, Flags: paging.Writable | paging.NoExecute}
)

func TestMemoryBounds(t *testing.T) {
	m, _ := newMachine(t)
	buf := make([]byte, 16)
	if _, err := m.WriteAt(buf, ramSize-8); !errors.Is(err, ErrBusFault) {
		t.Fatalf("write past RAM err = %v", err)
	}
	if _, err := m.ReadAt(buf, 0x10_0000_0000); !errors.Is(err, ErrBusFault) {
		t.Fatalf("read of unpopulated range err = %v", err)
	}
	if err := m.AddRAM(ramSize-mem.PageSize, mem.PageSize); !errors.Is(err, ErrRegionOverlap) {
		t.Fatalf("overlapping AddRAM err = %v", err)
	}
	fb, err := m.AddDevice("fb", 0x8000_0000, 2*mem.PageSize)
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if _, err := m.WriteAt([]byte{1, 2, 3}, 0x8000_0001); err != nil {
		t.Fatalf("device write: %v", err)
	}
	if !bytes.Equal(fb[:4], []byte{0, 1, 2, 3}) {
		t.Fatalf("device backing = % x", fb[:4])
	}
	if got := len(m.Regions()); got != 2 {
		t.Fatalf("Regions() = %d entries", got)
	}
}

func TestControlRegistersAreReadOnly(t *testing.T) {
	_, cpu := newMachine(t)
	err := cpu.SetRegisters(map[Register]RegisterValue{RegisterCr3: Register64(poolBase)})
	if !errors.Is(err, ErrControlRegister) {
		t.Fatalf("SetRegisters(CR3) err = %v", err)
	}
	if _, ok := cpu.Root(); ok {
		t.Fatalf("paging reported active")
	}
}

func TestEnablePagingRequiresLoaderAndRoot(t *testing.T) {
	tests := []struct {
		name string
		reqs []paging.Request
		ok   bool
	}{
		{"nothing", nil, false},
		{"no loader", []paging.Request{mapPool}, false},
		{"no pool", []paging.Request{mapLoader}, false},
		{"loader not executable", []paging.Request{{Virt: mem.VirtAddr(loaderCode), Phys: loaderCode, Length: mem.PageSize, Flags: paging.NoExecute}, mapPool}, false},
		{"loader not identity", []paging.Request{{Virt: mem.VirtAddr(loaderCode), Phys: codePhys, Length: mem.PageSize}, mapPool}, false},
		{"complete", []paging.Request{mapLoader, mapPool}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cpu := newMachine(t)
			h := newTables(t, tt.reqs...)
			if err := h.WriteTo(m); err != nil {
				t.Fatalf("WriteTo: %v", err)
			}
			err := cpu.EnablePaging(h.Root())
			if tt.ok {
				if err != nil {
					t.Fatalf("EnablePaging: %v", err)
				}
				if root, ok := cpu.Root(); !ok || root != h.Root() {
					t.Fatalf("Root() = %v, %v", root, ok)
				}
				return
			}
			if !errors.Is(err, ErrActivation) {
				t.Fatalf("EnablePaging err = %v, want ErrActivation", err)
			}
			if _, ok := cpu.Root(); ok {
				t.Fatalf("failed activation installed a root")
			}
		})
	}
}

func boot(t *testing.T, m *Memory, cpu *CPU, code []byte, reqs ...paging.Request) {
	t.Helper()
	if _, err := m.WriteAt(code, int64(codePhys)); err != nil {
		t.Fatalf("write code: %v", err)
	}
	h := newTables(t, reqs...)
	if err := h.WriteTo(m); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if err := cpu.EnablePaging(h.Root()); err != nil {
		t.Fatalf("EnablePaging: %v", err)
	}
	err := cpu.SetRegisters(map[Register]RegisterValue{
		RegisterRip: Register64(higherHalf),
		RegisterRsp: Register64(stackVirt + 4*mem.PageSize),
		RegisterRdi: Register64(0x1234),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
}

func hypercall(id uint32) []byte {
	code := append([]byte{}, OpNop...)
	code = append(code, OpVMCall...)
	code = binary.LittleEndian.AppendUint32(code, id)
	return append(code, OpHalt...)
}

func TestRunDispatchesHypercall(t *testing.T) {
	m, cpu := newMachine(t)
	var console bytes.Buffer
	cpu.AttachPort(0xE9, &console)

	var gotRDI uint64
	cpu.RegisterService(7, func(ctx context.Context, env *Env) error {
		gotRDI = env.Register(RegisterRdi)
		if err := env.Write([]byte("stack"), mem.VirtAddr(env.Register(RegisterRsp)-16)); err != nil {
			return err
		}
		return env.Out(0xE9, []byte("ok\n"))
	})
	boot(t, m, cpu, hypercall(7), mapLoader, mapPool, mapCode, mapStack)

	if err := cpu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cpu.Halted() {
		t.Fatalf("processor did not halt")
	}
	if gotRDI != 0x1234 {
		t.Fatalf("service saw rdi=%#x", gotRDI)
	}
	if console.String() != "ok\n" {
		t.Fatalf("console = %q", console.String())
	}
	buf := make([]byte, 5)
	if _, err := m.ReadAt(buf, int64(stackPhys+4*mem.PageSize-16)); err != nil || string(buf) != "stack" {
		t.Fatalf("stack write landed elsewhere: %q, %v", buf, err)
	}
	regs := map[Register]RegisterValue{RegisterRip: nil}
	cpu.GetRegisters(regs)
	if regs[RegisterRip] != Register64(higherHalf+1+VMCallSize+1) {
		t.Fatalf("rip after halt = %#x", regs[RegisterRip])
	}
}

func TestRunFaults(t *testing.T) {
	noExec := mapCode
	noExec.Flags = paging.NoExecute
	tests := []struct {
		name  string
		reqs  []paging.Request
		check func(error) bool
	}{
		{"code NX", []paging.Request{mapLoader, mapPool, noExec, mapStack}, func(err error) bool {
			var pf *PageFault
			return errors.As(err, &pf) && pf.Access == AccessExecute
		}},
		{"code unmapped", []paging.Request{mapLoader, mapPool, mapStack}, func(err error) bool {
			var pf *PageFault
			return errors.As(err, &pf)
		}},
		{"stack unmapped", []paging.Request{mapLoader, mapPool, mapCode}, func(err error) bool {
			return errors.Is(err, ErrStackFault)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cpu := newMachine(t)
			cpu.RegisterService(7, func(context.Context, *Env) error { return nil })
			boot(t, m, cpu, hypercall(7), tt.reqs...)
			if err := cpu.Run(context.Background()); !tt.check(err) {
				t.Fatalf("Run err = %v", err)
			}
		})
	}
}

func TestRunUnknownService(t *testing.T) {
	m, cpu := newMachine(t)
	boot(t, m, cpu, hypercall(99), mapLoader, mapPool, mapCode, mapStack)
	if err := cpu.Run(context.Background()); !errors.Is(err, ErrNoService) {
		t.Fatalf("Run err = %v", err)
	}
}

func TestMMUHugeLeaf(t *testing.T) {
	m, _ := newMachine(t)
	h := newTables(t, paging.Request{Virt: higherHalf, Phys: 0, Length: mem.Size2MiB, Flags: paging.NoExecute | paging.Huge})
	if err := h.WriteTo(m); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	mmu := NewMMU(m, h.Root(), true)
	tr, err := mmu.Translate(higherHalf+0x12345, AccessRead)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tr.Phys != 0x12345 || tr.PageSize != mem.Size2MiB || tr.Writable || tr.Executable {
		t.Fatalf("translation = %+v", tr)
	}
	if _, err := mmu.Translate(higherHalf, AccessWrite); err == nil {
		t.Fatalf("write to read-only huge page succeeded")
	}
	if _, err := mmu.Translate(0x0000_8000_0000_0000, AccessRead); err == nil {
		t.Fatalf("non-canonical address translated")
	}
}
