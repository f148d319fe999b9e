// Package bootcfg loads the description of the machine to boot: the number
// of harts, the timer frequency, the scheduler tick, memory and framebuffer
// sizes and the programs started at boot. The description is a YAML document
// whose values can be overridden by a boot command line.
package bootcfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	yaml "gopkg.in/yaml.v2"

	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
)

var (
	errSyntax      = &kernel.Error{Module: "bootcfg", Message: "malformed machine description"}
	errBadHarts    = &kernel.Error{Module: "bootcfg", Message: "hart count out of range"}
	errBadTimebase = &kernel.Error{Module: "bootcfg", Message: "timebase must divide 1GHz"}
	errBadTick     = &kernel.Error{Module: "bootcfg", Message: "tick must be positive"}
	errBadRAM      = &kernel.Error{Module: "bootcfg", Message: "bad RAM size"}
	errBadFB       = &kernel.Error{Module: "bootcfg", Message: "bad framebuffer size"}
	errBadOption   = &kernel.Error{Module: "bootcfg", Message: "bad command line option"}
)

// minRAM covers the firmware and the kernel image.
const minRAM = mem.Size(mem.KernelEnd - mem.RAMBase)

// Config describes the machine.
type Config struct {
	// Harts is the number of harts. Hart 0 runs the console; the others
	// run processes.
	Harts int

	// Timebase is the frequency of the machine timer in Hz.
	Timebase uint64

	// Tick is the scheduler period in timer ticks.
	Tick uint64

	// RAM is the size of physical memory.
	RAM mem.Size

	// FBWidth and FBHeight give the framebuffer size in pixels.
	FBWidth  int
	FBHeight int

	// Init lists the programs spawned once the kernel is up.
	Init []string

	// Files maps file names exposed to processes to host paths.
	Files map[string]string
}

type document struct {
	Harts       int    `yaml:"harts"`
	Timebase    uint64 `yaml:"timebase"`
	Tick        uint64 `yaml:"tick"`
	RAM         string `yaml:"ram"`
	Framebuffer struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"framebuffer"`
	Init    []string          `yaml:"init"`
	Files   map[string]string `yaml:"files"`
	CmdLine string            `yaml:"cmdline"`
}

// Default returns the configuration used when no description is supplied.
func Default() Config {
	return Config{
		Harts:    4,
		Timebase: 10000000,
		Tick:     100000,
		RAM:      32 * mem.Mb,
		FBWidth:  640,
		FBHeight: 480,
	}
}

// Parse reads a YAML machine description. Fields that are not present keep
// their default value. A cmdline entry in the document is applied last.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return cfg, fmt.Errorf("%w: %v", errSyntax, err)
	}

	if doc.Harts != 0 {
		cfg.Harts = doc.Harts
	}
	if doc.Timebase != 0 {
		cfg.Timebase = doc.Timebase
	}
	if doc.Tick != 0 {
		cfg.Tick = doc.Tick
	}
	if doc.RAM != "" {
		size, err := parseSize(doc.RAM)
		if err != nil {
			return cfg, err
		}
		cfg.RAM = size
	}
	if doc.Framebuffer.Width != 0 {
		cfg.FBWidth = doc.Framebuffer.Width
	}
	if doc.Framebuffer.Height != 0 {
		cfg.FBHeight = doc.Framebuffer.Height
	}
	cfg.Init = doc.Init
	cfg.Files = doc.Files

	if doc.CmdLine != "" {
		if err := cfg.ApplyCmdLine(doc.CmdLine); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// ApplyCmdLine overrides the configuration with the key=value pairs of a
// boot command line. Values may be quoted. A key without a value is treated
// as a boolean flag; no flags are currently recognized.
func (cfg *Config) ApplyCmdLine(line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadOption, err)
	}

	for _, tok := range tokens {
		key, val, found := strings.Cut(tok, "=")
		if !found {
			return fmt.Errorf("%w: %s", errBadOption, tok)
		}

		switch key {
		case "harts":
			cfg.Harts, err = strconv.Atoi(val)
		case "timebase":
			cfg.Timebase, err = strconv.ParseUint(val, 0, 64)
		case "tick":
			cfg.Tick, err = strconv.ParseUint(val, 0, 64)
		case "ram":
			cfg.RAM, err = parseSize(val)
		case "fb":
			cfg.FBWidth, cfg.FBHeight, err = parseDims(val)
		case "init":
			cfg.Init = strings.Fields(val)
		default:
			return fmt.Errorf("%w: unknown key %s", errBadOption, key)
		}

		if err != nil {
			return fmt.Errorf("%w: %s: %v", errBadOption, tok, err)
		}
	}

	return cfg.Validate()
}

// Validate checks that the configuration describes a bootable machine.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Harts < 2 || cfg.Harts > cpu.MaxHarts:
		return errBadHarts
	case cfg.Timebase == 0 || 1000000000%cfg.Timebase != 0:
		return errBadTimebase
	case cfg.Tick == 0:
		return errBadTick
	case cfg.RAM < minRAM || cfg.RAM%mem.PageSize != 0:
		return errBadRAM
	case cfg.FBWidth <= 0 || cfg.FBHeight <= 0:
		return errBadFB
	}
	return nil
}

// String returns a one-line summary of the configuration.
func (cfg Config) String() string {
	return fmt.Sprintf("%d harts, %d Hz timebase, tick %d, %s RAM, %dx%d framebuffer",
		cfg.Harts, cfg.Timebase, cfg.Tick, bytesize.New(float64(cfg.RAM)).String(), cfg.FBWidth, cfg.FBHeight)
}

func parseSize(s string) (mem.Size, error) {
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRAM, err)
	}
	return mem.Size(size), nil
}

func parseDims(s string) (int, int, error) {
	w, h, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, errBadFB
	}

	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, err
	}

	height, err := strconv.Atoi(h)
	return width, height, err
}
