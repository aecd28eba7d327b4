// Command hhboot boots a kernel ELF from a boot medium directory on the
// simulated machine and reports whether the kernel entry was reached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/hhboot/internal/bootinfo"
	"github.com/tinyrange/hhboot/internal/config"
	"github.com/tinyrange/hhboot/internal/debug"
	"github.com/tinyrange/hhboot/internal/firmware"
	"github.com/tinyrange/hhboot/internal/kernel"
	"github.com/tinyrange/hhboot/internal/loader"
	"github.com/tinyrange/hhboot/internal/machine"
	"github.com/tinyrange/hhboot/internal/mem"
)

// framebufferBase is where the simulated display's memory is decoded.
const framebufferBase mem.PhysAddr = 0xC0000000

type exitError struct {
	Code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %#x", e.Code) }

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "hhboot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Boot configuration (default: <medium>/"+config.Filename+")")
	medium := flag.String("medium", ".", "Boot medium directory")
	kernelPath := flag.String("kernel", "", "Kernel path on the boot medium (overrides the configuration)")
	memoryMB := flag.Uint64("memory", 0, "Machine memory in MB (overrides the configuration)")
	display := flag.String("fb", "", "Display WIDTHxHEIGHT[/rgb|/bgr], or none")
	debugFile := flag.String("debug-file", "", "Write the boot trace to file")
	screenshot := flag.String("screenshot", "", "Save the framebuffer as PNG after the handoff")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		*configPath = filepath.Join(*medium, config.Filename)
	}
	file, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *kernelPath != "" {
		file.Kernel = *kernelPath
	}
	if *memoryMB != 0 {
		file.Machine.MemoryMB = *memoryMB
	}
	switch *display {
	case "":
	case "none":
		file.Machine.Display = ""
	default:
		file.Machine.Display = *display
	}

	var trace *debug.Trace
	if *debugFile != "" {
		trace, err = debug.OpenFile(*debugFile)
		if err != nil {
			return fmt.Errorf("open debug file: %w", err)
		}
		defer trace.Close()
	}

	m := machine.NewMemory()
	defer m.Close()
	if err := m.AddRAM(0, file.Machine.MemoryMB*mem.MiB); err != nil {
		return err
	}

	var graphics *firmware.GraphicsMode
	var fbMem []byte
	if file.Machine.Display != "" {
		d, err := config.ParseDisplay(file.Machine.Display)
		if err != nil {
			return err
		}
		size := mem.AlignUp(uint64(d.Width*d.Height*bootinfo.BytesPerPixel), mem.PageSize)
		fbMem, err = m.AddDevice("framebuffer", framebufferBase, size)
		if err != nil {
			return err
		}
		format := firmware.PixelRedGreenBlueReserved8BitPerColor
		if d.BGR {
			format = firmware.PixelBlueGreenRedReserved8BitPerColor
		}
		graphics = &firmware.GraphicsMode{
			HorizontalResolution: uint32(d.Width),
			VerticalResolution:   uint32(d.Height),
			PixelsPerScanLine:    uint32(d.Width),
			Format:               format,
			FrameBufferBase:      framebufferBase,
			FrameBufferSize:      size,
		}
	}

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	simCfg := firmware.SimConfig{
		Medium:   os.DirFS(*medium),
		Graphics: graphics,
		Logger:   slog.Default(),
	}
	if interactive {
		simCfg.Progress = func(name string, size int64) io.Writer {
			return progressbar.DefaultBytes(size, "reading "+name)
		}
	}
	sim, err := firmware.NewSim(m, simCfg)
	if err != nil {
		return err
	}

	cpu := machine.NewCPU(m, slog.Default())
	stub := &kernel.Stub{Log: slog.Default()}
	stub.Install(cpu)
	cpu.AttachPort(kernel.DebugPort, os.Stdout)
	if err := sim.Launch(cpu); err != nil {
		return err
	}

	cfg := file.LoaderConfig()
	cfg.Logger = slog.Default()
	cfg.Trace = trace
	l := loader.New(loader.Platform{Firmware: sim, Memory: m, CPU: cpu}, cfg)

	var style func(string) string
	if interactive {
		style = ansi.Style{}.Bold().ForegroundColor(ansi.Red).Styled
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, status := l.Execute(ctx, os.Stderr, style)
	if status != 0 {
		return &exitError{Code: status}
	}
	if _, ok := stub.Reached(); !ok {
		return fmt.Errorf("kernel halted without reaching the entry stub")
	}
	slog.Info("handoff complete",
		"root", res.Root.String(),
		"tables", res.Tables,
		"regions", len(res.Block.Map.Regions))

	if *screenshot != "" {
		if fbMem == nil || !res.Block.Framebuffer.Present() {
			return fmt.Errorf("screenshot: the kernel was given no framebuffer")
		}
		dc, err := kernel.Capture(fbMem, res.Block.Framebuffer)
		if err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
		if err := dc.SavePNG(*screenshot); err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
	}
	return nil
}
