// Package config reads the boot configuration file (hhboot.yaml) that sits
// next to the kernel on the boot medium.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hhboot/internal/loader"
	"github.com/tinyrange/hhboot/internal/mem"
)

const (
	Filename = "hhboot.yaml"

	// ProtocolVersion is the newest boot protocol this loader speaks.
	ProtocolVersion = "v1.2.0"

	DefaultKernel     = "kernel.elf"
	DefaultHigherHalf = 0xFFFF800000000000
	DefaultStackBase  = 0xFFFFFF8000000000
	DefaultStackKB    = 1024
	DefaultMemoryMB   = 64
)

var ErrProtocol = errors.New("unsupported boot protocol")

// Addr is a 64-bit address written in YAML as a number or a string in any
// Go integer syntax (0x prefix, underscores).
type Addr uint64

func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

// FramebufferMapping selects where the framebuffer appears for the kernel.
type FramebufferMapping string

const (
	MapIdentity   FramebufferMapping = "identity"
	MapHigherHalf FramebufferMapping = "higher-half"
)

// Placement selects how kernel segments get their frames.
type Placement string

const (
	PlaceAnywhere Placement = "anywhere"
	PlaceDeclared Placement = "declared" // at the ELF physical address
)

type File struct {
	Protocol string `yaml:"protocol"`
	Kernel   string `yaml:"kernel"`

	HigherHalf Addr `yaml:"higherHalf"`

	Stack StackConfig `yaml:"stack"`

	Framebuffer FramebufferConfig `yaml:"framebuffer"`

	Placement      Placement `yaml:"placement"`
	IdentityMapAll bool      `yaml:"identityMapAll,omitempty"`
	HugePages      bool      `yaml:"hugePages,omitempty"`

	Machine MachineConfig `yaml:"machine"`
}

type StackConfig struct {
	Base   Addr   `yaml:"base"`
	SizeKB uint64 `yaml:"sizeKB"`
}

type FramebufferConfig struct {
	Mapping FramebufferMapping `yaml:"mapping"`
	Base    Addr               `yaml:"base,omitempty"` // higher-half mapping only
}

// MachineConfig sizes the simulated machine used by the CLI.
type MachineConfig struct {
	MemoryMB uint64 `yaml:"memoryMB"`

	// Display is WIDTHxHEIGHT[/rgb|/bgr]; empty disables graphics output.
	Display string `yaml:"display,omitempty"`
}

func (f *File) normalize() {
	if f.Protocol == "" {
		f.Protocol = ProtocolVersion
	}
	if !strings.HasPrefix(f.Protocol, "v") {
		f.Protocol = "v" + f.Protocol
	}
	if f.Kernel == "" {
		f.Kernel = DefaultKernel
	}
	if f.HigherHalf == 0 {
		f.HigherHalf = DefaultHigherHalf
	}
	if f.Stack.Base == 0 {
		f.Stack.Base = DefaultStackBase
	}
	if f.Stack.SizeKB == 0 {
		f.Stack.SizeKB = DefaultStackKB
	}
	if f.Framebuffer.Mapping == "" {
		f.Framebuffer.Mapping = MapIdentity
	}
	if f.Placement == "" {
		f.Placement = PlaceAnywhere
	}
	if f.Machine.MemoryMB == 0 {
		f.Machine.MemoryMB = DefaultMemoryMB
	}
}

// Validate checks values normalize cannot fill in.
func (f *File) Validate() error {
	if !semver.IsValid(f.Protocol) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrProtocol, f.Protocol)
	}
	if semver.Major(f.Protocol) != semver.Major(ProtocolVersion) || semver.Compare(f.Protocol, ProtocolVersion) > 0 {
		return fmt.Errorf("%w: %s (loader speaks %s)", ErrProtocol, f.Protocol, ProtocolVersion)
	}
	switch f.Framebuffer.Mapping {
	case MapIdentity:
	case MapHigherHalf:
		if f.Framebuffer.Base == 0 {
			return fmt.Errorf("framebuffer: higher-half mapping needs a base address")
		}
	default:
		return fmt.Errorf("framebuffer: unknown mapping %q", f.Framebuffer.Mapping)
	}
	switch f.Placement {
	case PlaceAnywhere, PlaceDeclared:
	default:
		return fmt.Errorf("unknown placement %q", f.Placement)
	}
	if f.Machine.Display != "" {
		if _, err := ParseDisplay(f.Machine.Display); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() File {
	var f File
	f.normalize()
	return f
}

// Parse decodes, normalizes and validates a configuration document.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("%s: %w", Filename, err)
	}
	return f, nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (File, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	} else if err != nil {
		return File{}, fmt.Errorf("read %s: %w", Filename, err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Write encodes f after normalizing it.
func Write(w io.Writer, f File) error {
	f.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode %s: %w", Filename, err)
	}
	return enc.Close()
}

// LoaderConfig converts f into the loader's settings. Logging and tracing
// are left for the caller.
func (f File) LoaderConfig() loader.Config {
	cfg := loader.Config{
		KernelPath:     f.Kernel,
		HigherHalf:     mem.VirtAddr(f.HigherHalf),
		StackBase:      mem.VirtAddr(f.Stack.Base),
		StackSize:      f.Stack.SizeKB * mem.KiB,
		PlaceDeclared:  f.Placement == PlaceDeclared,
		IdentityMapAll: f.IdentityMapAll,
		HugePages:      f.HugePages,
	}
	if f.Framebuffer.Mapping == MapHigherHalf {
		cfg.Framebuffer = loader.FramebufferHigherHalf
		cfg.FramebufferBase = mem.VirtAddr(f.Framebuffer.Base)
	}
	return cfg
}

// Display is a parsed MachineConfig.Display.
type Display struct {
	Width, Height int
	BGR           bool
}

// ParseDisplay parses WIDTHxHEIGHT with an optional /rgb or /bgr suffix
// (bgr is the default, as on most GOP implementations).
func ParseDisplay(s string) (Display, error) {
	d := Display{BGR: true}
	dims, format, hasFormat := strings.Cut(s, "/")
	if hasFormat {
		switch strings.ToLower(format) {
		case "rgb":
			d.BGR = false
		case "bgr":
		default:
			return Display{}, fmt.Errorf("display %q: unknown pixel format %q", s, format)
		}
	}
	w, h, ok := strings.Cut(dims, "x")
	if !ok {
		return Display{}, fmt.Errorf("display %q: want WIDTHxHEIGHT", s)
	}
	var err error
	if d.Width, err = strconv.Atoi(w); err != nil || d.Width <= 0 {
		return Display{}, fmt.Errorf("display %q: invalid width", s)
	}
	if d.Height, err = strconv.Atoi(h); err != nil || d.Height <= 0 {
		return Display{}, fmt.Errorf("display %q: invalid height", s)
	}
	return d, nil
}
