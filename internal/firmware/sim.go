package firmware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/tinyrange/hhboot/internal/fault"
	"github.com/tinyrange/hhboot/internal/machine"
	"github.com/tinyrange/hhboot/internal/mem"
)

const (
	defaultLoaderCodePages = 16
	defaultLoaderDataPages = 32

	// poison is written over freshly allocated pages; firmware does not
	// clear memory it hands out.
	poison = 0xCC
)

// SimConfig configures a simulated firmware.
type SimConfig struct {
	// Descriptors is the initial memory map. When empty a single
	// conventional descriptor is created for every RAM region.
	Descriptors []Descriptor

	// Medium is the boot medium read by ReadFile.
	Medium fs.FS

	// Graphics describes a framebuffer already present in machine memory.
	Graphics *GraphicsMode

	LoaderCodePages uint64
	LoaderDataPages uint64

	// Progress, if set, is called before a file is read and receives the
	// bytes as they are copied.
	Progress func(name string, size int64) io.Writer

	Logger *slog.Logger
}

// Sim is an in-process UEFI-like firmware for a machine.Memory.
type Sim struct {
	mem      *machine.Memory
	cfg      SimConfig
	log      *slog.Logger
	descs    []Descriptor
	key      uint64
	exited   bool
	image    LoadedImage
	launched bool
}

var _ BootServices = (*Sim)(nil)

// NewSim builds the firmware state and loads the loader image into memory
// the way the firmware's image loader would.
func NewSim(m *machine.Memory, cfg SimConfig) (*Sim, error) {
	s := &Sim{mem: m, cfg: cfg, log: cfg.Logger, key: 1}
	if s.log == nil {
		s.log = slog.Default()
	}

	if len(cfg.Descriptors) == 0 {
		for _, r := range m.Regions() {
			if r.Name != "ram" {
				continue
			}
			s.descs = append(s.descs, Descriptor{
				Type:          ConventionalMemory,
				PhysicalStart: r.Base,
				NumberOfPages: r.Size / mem.PageSize,
			})
		}
	} else {
		s.descs = slices.Clone(cfg.Descriptors)
	}
	slices.SortFunc(s.descs, func(a, b Descriptor) int {
		switch {
		case a.PhysicalStart < b.PhysicalStart:
			return -1
		case a.PhysicalStart > b.PhysicalStart:
			return 1
		}
		return 0
	})
	for i, d := range s.descs {
		if !mem.IsAligned(uint64(d.PhysicalStart), mem.PageSize) || d.NumberOfPages == 0 {
			return nil, fmt.Errorf("firmware: descriptor %v: %w", d, ErrInvalidParameter)
		}
		if i > 0 && s.descs[i-1].End() > d.PhysicalStart {
			return nil, fmt.Errorf("firmware: descriptors %v and %v overlap: %w", s.descs[i-1], d, ErrInvalidParameter)
		}
	}

	codePages := cmpOr(cfg.LoaderCodePages, defaultLoaderCodePages)
	dataPages := cmpOr(cfg.LoaderDataPages, defaultLoaderDataPages)
	code, err := s.AllocatePages(AllocateAnyPages, LoaderCode, codePages, 0)
	if err != nil {
		return nil, fmt.Errorf("firmware: load loader code: %w", err)
	}
	data, err := s.AllocatePages(AllocateAnyPages, LoaderData, dataPages, 0)
	if err != nil {
		return nil, fmt.Errorf("firmware: load loader data: %w", err)
	}
	// Loader text is opaque to the simulation; fill it with halts so a
	// stray jump into it stops the processor.
	halt := bytes.Repeat(machine.OpHalt, int(codePages*mem.PageSize))
	if _, err := m.WriteAt(halt, int64(code)); err != nil {
		return nil, fmt.Errorf("firmware: load loader code: %w", err)
	}
	s.image = LoadedImage{
		CodeBase: code,
		CodeSize: codePages * mem.PageSize,
		DataBase: data,
		DataSize: dataPages * mem.PageSize,
	}
	return s, nil
}

func cmpOr(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

// Launch starts the loader on cpu: RIP at the loader's code and RSP at the
// top of its data.
func (s *Sim) Launch(cpu *machine.CPU) error {
	if s.launched {
		return errors.New("firmware: loader already launched")
	}
	s.launched = true
	return cpu.SetRegisters(map[machine.Register]machine.RegisterValue{
		machine.RegisterRip: machine.Register64(s.image.CodeBase),
		machine.RegisterRsp: machine.Register64(s.image.DataBase + mem.PhysAddr(s.image.DataSize)),
	})
}

// Exited reports whether ExitBootServices has succeeded.
func (s *Sim) Exited() bool { return s.exited }

func (s *Sim) MemoryMap() (MemoryMap, error) {
	if s.exited {
		return MemoryMap{}, ErrBootServicesExited
	}
	return MemoryMap{Descriptors: slices.Clone(s.descs), Key: s.key}, nil
}

func (s *Sim) AllocatePages(typ AllocateType, memType MemoryType, pages uint64, addr mem.PhysAddr) (mem.PhysAddr, error) {
	if s.exited {
		return 0, ErrBootServicesExited
	}
	if pages == 0 || memType == ConventionalMemory || memType > PersistentMemory {
		return 0, fmt.Errorf("firmware: allocate %d pages of %v: %w", pages, memType, ErrInvalidParameter)
	}
	if pages > (^uint64(0))>>mem.PageShift {
		return 0, fmt.Errorf("firmware: allocate %d pages: %w", pages, ErrOutOfResources)
	}
	size := pages * mem.PageSize

	idx := -1
	var start mem.PhysAddr
	switch typ {
	case AllocateAnyPages, AllocateMaxAddress:
		limit := ^uint64(0)
		if typ == AllocateMaxAddress {
			limit = uint64(addr)
		}
		// Top-down, like most firmware.
		for i := len(s.descs) - 1; i >= 0; i-- {
			d := s.descs[i]
			if d.Type != ConventionalMemory {
				continue
			}
			top := uint64(d.End())
			if limit != ^uint64(0) && top > mem.AlignDown(limit+1, mem.PageSize) {
				top = mem.AlignDown(limit+1, mem.PageSize)
			}
			if top < uint64(d.PhysicalStart)+size {
				continue
			}
			idx, start = i, mem.PhysAddr(top-size)
			break
		}
	case AllocateAddress:
		if !mem.IsAligned(uint64(addr), mem.PageSize) {
			return 0, fmt.Errorf("firmware: allocate at %v: %w", addr, ErrInvalidParameter)
		}
		for i, d := range s.descs {
			if d.Type == ConventionalMemory && addr >= d.PhysicalStart && uint64(addr)+size <= uint64(d.End()) {
				idx, start = i, addr
				break
			}
		}
	default:
		return 0, fmt.Errorf("firmware: allocate type %d: %w", typ, ErrInvalidParameter)
	}
	if idx < 0 {
		return 0, fmt.Errorf("firmware: allocate %d pages of %v: %w", pages, memType, ErrOutOfResources)
	}

	if _, err := s.mem.WriteAt(bytes.Repeat([]byte{poison}, int(size)), int64(start)); err != nil {
		return 0, fmt.Errorf("firmware: allocate %d pages at %v: %v: %w", pages, start, err, fault.FirmwareServiceFailure)
	}
	s.carve(idx, start, pages, memType)
	s.key++
	s.log.Debug("firmware allocate", "type", memType.String(), "base", fmt.Sprintf("%#x", uint64(start)), "pages", pages)
	return start, nil
}

// carve replaces the conventional descriptor at idx with up to three
// descriptors, the middle one of memType.
func (s *Sim) carve(idx int, start mem.PhysAddr, pages uint64, memType MemoryType) {
	d := s.descs[idx]
	end := start + mem.PhysAddr(pages*mem.PageSize)
	var parts []Descriptor
	if start > d.PhysicalStart {
		parts = append(parts, Descriptor{
			Type:          d.Type,
			PhysicalStart: d.PhysicalStart,
			NumberOfPages: uint64(start-d.PhysicalStart) / mem.PageSize,
			Attribute:     d.Attribute,
		})
	}
	parts = append(parts, Descriptor{Type: memType, PhysicalStart: start, NumberOfPages: pages, Attribute: d.Attribute})
	if end < d.End() {
		parts = append(parts, Descriptor{
			Type:          d.Type,
			PhysicalStart: end,
			NumberOfPages: uint64(d.End()-end) / mem.PageSize,
			Attribute:     d.Attribute,
		})
	}
	s.descs = slices.Replace(s.descs, idx, idx+1, parts...)
}

// ReadFile reads a file from the boot medium. Paths may use UEFI
// backslashes and a leading separator.
func (s *Sim) ReadFile(name string) ([]byte, error) {
	if s.exited {
		return nil, ErrBootServicesExited
	}
	if s.cfg.Medium == nil {
		return nil, fmt.Errorf("firmware: no boot medium: %w", ErrUnsupported)
	}
	clean := path.Clean(strings.TrimLeft(strings.ReplaceAll(name, `\`, "/"), "/"))
	f, err := s.cfg.Medium.Open(clean)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("firmware: open %s: %w", name, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("firmware: open %s: %v: %w", name, err, fault.FirmwareServiceFailure)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("firmware: stat %s: %v: %w", name, err, fault.FirmwareServiceFailure)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("firmware: %s is a directory: %w", name, ErrNotFound)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	var r io.Reader = f
	if s.cfg.Progress != nil {
		r = io.TeeReader(f, s.cfg.Progress(clean, info.Size()))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("firmware: read %s: %v: %w", name, err, fault.FirmwareServiceFailure)
	}
	return buf.Bytes(), nil
}

func (s *Sim) Graphics() (GraphicsMode, error) {
	if s.exited {
		return GraphicsMode{}, ErrBootServicesExited
	}
	if s.cfg.Graphics == nil {
		return GraphicsMode{}, fmt.Errorf("firmware: graphics output: %w", ErrUnsupported)
	}
	return *s.cfg.Graphics, nil
}

func (s *Sim) LoadedImage() (LoadedImage, error) {
	if s.exited {
		return LoadedImage{}, ErrBootServicesExited
	}
	return s.image, nil
}

func (s *Sim) ExitBootServices(mapKey uint64) error {
	if s.exited {
		return ErrBootServicesExited
	}
	if mapKey != s.key {
		return fmt.Errorf("firmware: exit with key %d, current %d: %w", mapKey, s.key, ErrStaleMapKey)
	}
	s.exited = true
	s.log.Debug("boot services exited", "key", mapKey)
	return nil
}
