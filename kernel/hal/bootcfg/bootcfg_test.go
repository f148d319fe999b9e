package bootcfg

import (
	"errors"
	"reflect"
	"testing"

	"github.com/kammerdienerb/riscv-os/kernel/mem"
)

func TestParse(t *testing.T) {
	doc := []byte(`
harts: 6
timebase: 1000000
tick: 5000
ram: 64MB
framebuffer:
  width: 320
  height: 200
init: [counter, painter]
files:
  slides.img: testdata/slides.img
`)

	cfg, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}

	exp := Config{
		Harts:    6,
		Timebase: 1000000,
		Tick:     5000,
		RAM:      64 * mem.Mb,
		FBWidth:  320,
		FBHeight: 200,
		Init:     []string{"counter", "painter"},
		Files:    map[string]string{"slides.img": "testdata/slides.img"},
	}

	if !reflect.DeepEqual(cfg, exp) {
		t.Errorf("expected config:\n%+v\ngot:\n%+v", exp, cfg)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}

	if exp := Default(); !reflect.DeepEqual(cfg, exp) {
		t.Errorf("expected defaults %+v; got %+v", exp, cfg)
	}

	if cfg.Harts != 4 || cfg.Timebase != 10000000 || cfg.Tick != 100000 || cfg.RAM != 32*mem.Mb {
		t.Errorf("unexpected default values: %+v", cfg)
	}
}

func TestParseCmdLineOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
harts: 3
cmdline: harts=5 init="counter sleeper" fb=800x600
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Harts != 5 {
		t.Errorf("expected command line to override harts; got %d", cfg.Harts)
	}

	if exp := []string{"counter", "sleeper"}; !reflect.DeepEqual(cfg.Init, exp) {
		t.Errorf("expected init %v; got %v", exp, cfg.Init)
	}

	if cfg.FBWidth != 800 || cfg.FBHeight != 600 {
		t.Errorf("expected framebuffer 800x600; got %dx%d", cfg.FBWidth, cfg.FBHeight)
	}
}

func TestErrors(t *testing.T) {
	specs := []struct {
		doc    string
		expErr error
	}{
		{"harts: [", errSyntax},
		{"bogus: 1", errSyntax},
		{"harts: 1", errBadHarts},
		{"harts: 9", errBadHarts},
		{"timebase: 3", errBadTimebase},
		{"ram: 1MB", errBadRAM},
		{"ram: lots", errBadRAM},
		{"cmdline: tick=0", errBadTick},
		{"cmdline: fb=10", errBadOption},
		{"cmdline: nosuchkey=1", errBadOption},
		{"cmdline: verbose", errBadOption},
		{`cmdline: init="unterminated`, errBadOption},
	}

	for specIndex, spec := range specs {
		_, err := Parse([]byte(spec.doc))
		if !errors.Is(err, spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestString(t *testing.T) {
	cfg := Default()
	if got := cfg.String(); got != "4 harts, 10000000 Hz timebase, tick 100000, 32.00MB RAM, 640x480 framebuffer" {
		t.Errorf("unexpected summary %q", got)
	}
}
