package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/hhboot/internal/loader"
	"github.com/tinyrange/hhboot/internal/mem"
)

func TestParseDefaults(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f != Default() {
		t.Fatalf("empty document = %+v, want defaults %+v", f, Default())
	}
	cfg := f.LoaderConfig()
	if cfg.KernelPath != DefaultKernel || cfg.HigherHalf != DefaultHigherHalf ||
		cfg.StackBase != DefaultStackBase || cfg.StackSize != mem.MiB ||
		cfg.Framebuffer != loader.FramebufferIdentity || cfg.PlaceDeclared {
		t.Fatalf("LoaderConfig() = %+v", cfg)
	}
}

func TestParseFull(t *testing.T) {
	doc := `
protocol: 1.1.0
kernel: boot/kernel.elf
higherHalf: 0xffff_ffff_8000_0000
stack:
  base: "0xFFFFFE0000000000"
  sizeKB: 64
framebuffer:
  mapping: higher-half
  base: 0xFFFFC00000000000
placement: declared
identityMapAll: true
hugePages: true
machine:
  memoryMB: 16
  display: 640x480/rgb
`
	f, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Protocol != "v1.1.0" {
		t.Fatalf("protocol = %q", f.Protocol)
	}
	cfg := f.LoaderConfig()
	want := loader.Config{
		KernelPath:      "boot/kernel.elf",
		HigherHalf:      0xFFFFFFFF80000000,
		StackBase:       0xFFFFFE0000000000,
		StackSize:       64 * mem.KiB,
		Framebuffer:     loader.FramebufferHigherHalf,
		FramebufferBase: 0xFFFFC00000000000,
		PlaceDeclared:   true,
		IdentityMapAll:  true,
		HugePages:       true,
	}
	if cfg.KernelPath != want.KernelPath || cfg.HigherHalf != want.HigherHalf ||
		cfg.StackBase != want.StackBase || cfg.StackSize != want.StackSize ||
		cfg.Framebuffer != want.Framebuffer || cfg.FramebufferBase != want.FramebufferBase ||
		cfg.PlaceDeclared != want.PlaceDeclared || cfg.IdentityMapAll != want.IdentityMapAll ||
		cfg.HugePages != want.HugePages {
		t.Fatalf("LoaderConfig() = %+v, want %+v", cfg, want)
	}
	d, err := ParseDisplay(f.Machine.Display)
	if err != nil || d != (Display{Width: 640, Height: 480}) {
		t.Fatalf("display = %+v, %v", d, err)
	}
	if f.Machine.MemoryMB != 16 {
		t.Fatalf("memoryMB = %d", f.Machine.MemoryMB)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"newer protocol", "protocol: v1.3.0"},
		{"other major", "protocol: v2.0.0"},
		{"not semver", "protocol: banana"},
		{"unknown key", "kernal: kernel.elf"},
		{"bad address", "higherHalf: 0xZZ"},
		{"mapping list", "higherHalf: [1, 2]"},
		{"higher-half without base", "framebuffer:\n  mapping: higher-half"},
		{"unknown mapping", "framebuffer:\n  mapping: sideways"},
		{"unknown placement", "placement: random"},
		{"bad display", "machine:\n  display: 640by480"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.doc)); err == nil {
				t.Fatalf("Parse(%q) succeeded", tt.doc)
			}
		})
	}
	_, err := Parse(strings.NewReader("protocol: v1.9.0"))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("newer protocol err = %v", err)
	}
}

func TestLoadAndWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if f != Default() {
		t.Fatalf("missing file did not yield defaults")
	}

	f.Kernel = "efi/kernel.elf"
	f.HugePages = true
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), "0xffff800000000000") {
		t.Fatalf("addresses not written in hex:\n%s", buf.String())
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back != f {
		t.Fatalf("Load after Write = %+v, want %+v", back, f)
	}
}

func TestParseDisplay(t *testing.T) {
	tests := []struct {
		in   string
		want Display
		ok   bool
	}{
		{"800x600", Display{800, 600, true}, true},
		{"800x600/BGR", Display{800, 600, true}, true},
		{"320x200/rgb", Display{320, 200, false}, true},
		{"800x600/cmyk", Display{}, false},
		{"0x600", Display{}, false},
		{"800", Display{}, false},
	}
	for _, tt := range tests {
		got, err := ParseDisplay(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseDisplay(%q) = %+v, %v", tt.in, got, err)
		}
	}
}
