// Command hartsim boots the firmware and the kernel on the simulated machine
// and runs it until it is interrupted or the run time elapses.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"testing/fstest"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/kammerdienerb/riscv-os/firmware"
	"github.com/kammerdienerb/riscv-os/kernel/hal"
	"github.com/kammerdienerb/riscv-os/kernel/hal/bootcfg"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/kmain"
	"github.com/kammerdienerb/riscv-os/kernel/sched"
)

var (
	configFile = flag.String("config", "", "YAML machine description")
	cmdLine    = flag.String("cmdline", "", "boot command line overriding the machine description")
	runFor     = flag.Duration("t", 0, "stop after this long (0 runs until interrupted)")
	showProcs  = flag.Bool("procs", false, "print the scheduler state on exit")
	listProgs  = flag.Bool("programs", false, "list the built-in user programs and exit")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[hartsim] error: %s\n", err.Error())
	os.Exit(1)
}

func loadConfig() (bootcfg.Config, error) {
	cfg := bootcfg.Default()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return cfg, err
		}
		if cfg, err = bootcfg.Parse(data); err != nil {
			return cfg, err
		}
	}

	if *cmdLine != "" {
		if err := cfg.ApplyCmdLine(*cmdLine); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// loadFiles reads the files exposed to processes from the host.
func loadFiles(files map[string]string) (fstest.MapFS, error) {
	fsys := make(fstest.MapFS, len(files))
	for name, hostPath := range files {
		data, err := os.ReadFile(hostPath)
		if err != nil {
			return nil, err
		}
		fsys[name] = &fstest.MapFile{Data: data, Mode: 0444}
	}
	return fsys, nil
}

// console returns the writer used for the machine console. Module tags are
// highlighted when stdout is a terminal.
func console() io.Writer {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return os.Stdout
	}
	return &tagHighlighter{w: colorable.NewColorableStdout()}
}

type tagHighlighter struct {
	w io.Writer
}

func (h *tagHighlighter) Write(p []byte) (int, error) {
	end := bytes.IndexByte(p, ']')
	if len(p) == 0 || p[0] != '[' || end < 0 {
		return h.w.Write(p)
	}

	if _, err := fmt.Fprintf(h.w, "\x1b[36m%s\x1b[0m", p[:end+1]); err != nil {
		return 0, err
	}
	if _, err := h.w.Write(p[end+1:]); err != nil {
		return 0, err
	}
	return len(p), nil
}

// feedStdin forwards host input to the UART.
func feedStdin(m *hal.Machine) {
	buf := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			m.UART.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	files, err := loadFiles(cfg.Files)
	if err != nil {
		return err
	}

	out := console()
	kfmt.SetOutputSink(out)
	kfmt.Printf("[hartsim] %s\n", cfg.String())

	m := hal.New(cfg, out)
	m.Probe(nil)

	fw := firmware.New(cfg.Harts, m.CLINT, m.PLIC, m.UART)
	k, kerr := kmain.New(cfg, kmain.Devices{
		PLIC:   m.PLIC,
		Input:  m.Input,
		GPU:    m.GPU,
		RAM:    m.RAM,
		Files:  files,
		Random: rand.Reader,
	})
	if kerr != nil {
		return kerr
	}

	if kerr = fw.Install(m); kerr != nil {
		return kerr
	}
	if kerr = k.Install(m); kerr != nil {
		return kerr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}

	go feedStdin(m)

	err = m.Run(ctx)
	if *showProcs {
		sched.DumpTo(out, k.Scheduler().Snapshot())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func main() {
	flag.Parse()

	if *listProgs {
		for _, name := range kmain.Programs() {
			fmt.Println(name)
		}
		return
	}

	if err := run(); err != nil {
		exit(err)
	}
}
