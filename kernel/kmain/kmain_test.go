package kmain

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/kammerdienerb/riscv-os/device/input"
	"github.com/kammerdienerb/riscv-os/firmware"
	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/cpu/cputest"
	"github.com/kammerdienerb/riscv-os/kernel/hal"
	"github.com/kammerdienerb/riscv-os/kernel/hal/bootcfg"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/syscall"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testSystem struct {
	m   *hal.Machine
	k   *Kernel
	out *syncBuffer
}

func newTestSystem(t *testing.T, harts int, init ...string) *testSystem {
	t.Helper()

	out := &syncBuffer{}
	prev := kfmt.GetOutputSink()
	kfmt.SetOutputSink(out)
	t.Cleanup(func() { kfmt.SetOutputSink(prev) })

	cfg := bootcfg.Default()
	cfg.Harts = harts
	cfg.Timebase = 1000000
	cfg.Tick = 2000
	cfg.Init = init

	m := hal.New(cfg, out)
	fw := firmware.New(cfg.Harts, m.CLINT, m.PLIC, m.UART)
	k, err := New(cfg, Devices{
		PLIC:   m.PLIC,
		Input:  m.Input,
		GPU:    m.GPU,
		RAM:    m.RAM,
		Files:  fstest.MapFS{},
		Random: rand.Reader,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = fw.Install(m); err != nil {
		t.Fatal(err)
	}
	if err = k.Install(m); err != nil {
		t.Fatal(err)
	}

	return &testSystem{m: m, k: k, out: out}
}

// run runs the machine until done reports true or the deadline passes.
func (s *testSystem) run(t *testing.T, done func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.m.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for !done() {
		select {
		case <-deadline:
			cancel()
			<-errCh
			t.Fatalf("timed out; output:\n%s", s.out.String())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestBootRunsInitPrograms(t *testing.T) {
	s := newTestSystem(t, 3, "hello", "ticker")

	// Two idle processes remain once both programs have exited.
	s.run(t, func() bool {
		return s.k.Scheduler().Online() && s.k.Pool().Used() == 2 && strings.Contains(s.out.String(), "pid 4 on hart 2")
	})

	out := s.out.String()
	for _, exp := range []string{
		"[sbi] SBI, open up! 3 harts\n",
		"[kernel] started hello as pid 3 on hart 1\n",
		"[kernel] started ticker as pid 4 on hart 2\n",
		helloMessage,
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
	if got := strings.Count(out, "4") - strings.Count(out, "pid 4"); got < tickerRounds {
		t.Errorf("expected the ticker to print its pid %d times; got %d", tickerRounds, got)
	}

	for hart := uint32(1); hart < 3; hart++ {
		if cur := s.k.Scheduler().Current(hart); cur == nil || cur.Kind.String() != "idle" {
			t.Errorf("expected hart %d to be back on its idle process", hart)
		}
	}
}

func TestInputWakesWaiter(t *testing.T) {
	s := newTestSystem(t, 2, "input")

	pushed := false
	s.run(t, func() bool {
		rows := s.k.Scheduler().Snapshot()
		if !pushed && len(rows) == 1 && len(rows[0].Queue) == 1 && rows[0].Queue[0].State.String() == "waiting" {
			pushed = true
			s.m.Input.Push(
				input.Event{Type: input.EventKey, Code: 30, Value: 1},
				input.Event{Type: input.EventKey, Code: 30, Value: 0},
				input.Event{Type: input.EventSync},
			)
		}
		return pushed && s.k.Pool().Used() == 1
	})

	if got := strings.Count(s.out.String(), "*"); got != inputEvents {
		t.Errorf("expected %d stars; got %d", inputEvents, got)
	}
}

func TestUnknownProgram(t *testing.T) {
	s := newTestSystem(t, 2, "nope")

	if len(s.k.images) != 0 {
		t.Fatal("expected the unknown program to be skipped")
	}
	if exp := "[kernel] unknown program: nope\n"; !strings.Contains(s.out.String(), exp) {
		t.Errorf("expected %q in the output; got %q", exp, s.out.String())
	}
}

func TestConsoleRun(t *testing.T) {
	s := newTestSystem(t, 3)

	fed := false
	s.run(t, func() bool {
		if !fed && s.k.Scheduler().Online() {
			fed = true
			s.m.UART.Feed([]byte("run hello\r"))
		}
		return fed && s.k.Pool().Used() == 2 && strings.Contains(s.out.String(), helloMessage)
	})

	if exp := "[kernel] started hello as pid 3 on hart 1\n"; !strings.Contains(s.out.String(), exp) {
		t.Errorf("expected %q in the output; got:\n%s", exp, s.out.String())
	}
}

// feedConsole makes Getc calls on c return the bytes of in, then NoChar.
func feedConsole(c *cputest.Core, in string) {
	c.EcallFn = func(_ *cputest.Core, call uint64, _ []uint64) int64 {
		if call != sbi.CallGetc || len(in) == 0 {
			return sbi.NoChar
		}
		ch := in[0]
		in = in[1:]
		return int64(ch)
	}
}

func TestConsoleCommands(t *testing.T) {
	specs := []struct {
		in  string
		exp string
	}{
		{"hx\belq\x7fp\r", "run NAME    start a built-in program (hello, input, ticker)\n"},
		{"bogus\n", "[console] unknown command 'bogus'\n"},
		{"run\n", "[console] missing program argument\n"},
		{"run nope\n", "[console] could not run nope: unknown program\n"},
		{"run hello\n", "[console] could not run hello: scheduler is not online\n"},
		{"\n\r\n", ""},
	}

	for specIndex, spec := range specs {
		s := newTestSystem(t, 2)
		c := cputest.New(0)
		feedConsole(c, spec.in)

		if eff := s.k.consoleLoop(c); eff != cpu.EffectWait {
			t.Errorf("[spec %d] expected the console loop to wait; got effect %d", specIndex, eff)
		}
		if got := len(c.Calls(sbi.CallGetc)); got != len(spec.in)+1 {
			t.Errorf("[spec %d] expected %d getc calls; got %d", specIndex, len(spec.in)+1, got)
		}
		if len(s.k.line) != 0 {
			t.Errorf("[spec %d] expected the line buffer to be empty; got %q", specIndex, s.k.line)
		}
		if got := s.out.String(); !strings.Contains(got, spec.exp) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, spec.exp, got)
		}
	}

	// A failed launch gives its process back.
	s := newTestSystem(t, 2)
	c := cputest.New(0)
	feedConsole(c, "run hello\n")
	s.k.consoleLoop(c)
	if got := s.k.Pool().Used(); got != 0 {
		t.Errorf("expected no process to remain after a failed launch; got %d", got)
	}
}

func TestConsoleLineLimit(t *testing.T) {
	s := newTestSystem(t, 2)
	c := cputest.New(0)
	feedConsole(c, strings.Repeat("a", consoleLineMax+10))

	s.k.consoleLoop(c)
	if got := len(s.k.line); got != consoleLineMax {
		t.Errorf("expected the line to stop at %d bytes; got %d", consoleLineMax, got)
	}
}

func TestPrograms(t *testing.T) {
	if got := strings.Join(Programs(), ","); got != "hello,input,ticker" {
		t.Errorf("unexpected program list %q", got)
	}

	// hello prints its message one putc at a time, then exits.
	c := cputest.New(1)
	base := uint64(mem.ImageBase)
	c.Live.PC = base
	prog := helloProgram(base)

	var printed []byte
	for steps := 0; steps < 4*len(helloMessage)+4; steps++ {
		eff := prog.Exec(c)
		if eff != cpu.EffectEcall {
			continue
		}

		call := c.Live.Arg(0)
		if call == syscall.CallExit {
			break
		}
		if call == syscall.CallPutc {
			printed = append(printed, byte(c.Live.Arg(1)))
		}
		c.Live.PC += 4
	}

	if string(printed) != helloMessage {
		t.Errorf("expected %q; got %q", helloMessage, printed)
	}
}
