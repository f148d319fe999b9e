package syscall

import (
	"bytes"
	"encoding/binary"
	"image/color"
	"testing"
	"testing/fstest"

	devinput "github.com/kammerdienerb/riscv-os/device/input"
	"github.com/kammerdienerb/riscv-os/device/gpu"
	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/cpu/cputest"
	"github.com/kammerdienerb/riscv-os/kernel/gate"
	"github.com/kammerdienerb/riscv-os/kernel/input"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
	"github.com/kammerdienerb/riscv-os/kernel/mem/vmm"
	"github.com/kammerdienerb/riscv-os/kernel/proc"
)

type fakeSched struct {
	current *proc.Process
	exits   int
	sleeps  []uint64
	waits   []proc.WaitReason
}

func (s *fakeSched) Current(_ uint32) *proc.Process { return s.current }
func (s *fakeSched) Exit(_ cpu.Core)                { s.exits++ }
func (s *fakeSched) Sleep(_ cpu.Core, n uint64)     { s.sleeps = append(s.sleeps, n) }
func (s *fakeSched) Wait(_ cpu.Core, r proc.WaitReason) {
	s.waits = append(s.waits, r)
}

type testEnv struct {
	gw    *gate.Gateway
	sched *fakeSched
	input *input.Queue
	gpu   *gpu.Device
	p     *proc.Process
	core  *cputest.Core
}

func newTestEnv(t *testing.T, random []byte) *testEnv {
	t.Helper()

	const ramSize = 4 * mem.Mb
	ram := pmm.NewRAM(mem.RAMBase, ramSize)
	alloc := pmm.NewBitmapAllocator(mem.KernelEnd, ramSize-mem.Size(mem.KernelEnd-mem.RAMBase))
	kernelSpace := vmm.NewAddressSpace(vmm.KernelASID, pmm.FrameFromAddress(mem.RAMBase))
	pool := proc.NewPool(alloc, kernelSpace, ram)

	p, err := pool.Create(proc.KindUser)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		sched: &fakeSched{current: p},
		input: input.NewQueue(),
		gpu:   gpu.New(64, 32),
		p:     p,
		core:  cputest.New(1),
	}
	env.gw = New(Services{
		Sched: env.sched,
		Input: env.input,
		GPU:   env.gpu,
		Files: fstest.MapFS{
			"etc/motd": &fstest.MapFile{Data: []byte("hello, world")},
		},
		Random: bytes.NewReader(random),
		Frames: alloc,
	})
	return env
}

// call issues a kernel call and returns the handler status and the value
// left in a0.
func (env *testEnv) call(num uint64, args ...uint64) (int64, uint64) {
	frame := &env.core.Frame
	*frame = cpu.Frame{}
	frame.SetArg(0, num)
	for i, arg := range args {
		frame.SetArg(i+1, arg)
	}

	status := env.gw.HandleTrap(env.core, cpu.CauseEcallFromU)
	return status, frame.Arg(0)
}

func (env *testEnv) writeUser(t *testing.T, virt uintptr, data []byte) {
	t.Helper()
	if err := env.p.CopyOut(virt, data); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) readUser(t *testing.T, virt uintptr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := env.p.CopyIn(buf, virt); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestCallTable(t *testing.T) {
	env := newTestEnv(t, nil)

	if env.gw.Len() != 18 || NumCalls != 18 {
		t.Fatalf("expected 18 kernel calls; got %d", env.gw.Len())
	}
	for call := uint64(0); call < NumCalls; call++ {
		if env.gw.Describe(call) != Describe(call) || Describe(call) == "" {
			t.Errorf("expected call %d to be described", call)
		}
	}

	env.core.CSRs[cpu.Sepc] = 0x400000
	if _, a0 := env.call(CallGetPID); a0 != uint64(env.p.PID) {
		t.Errorf("expected a0 to hold the pid %d; got %d", env.p.PID, a0)
	}
	if got := env.core.CSRs[cpu.Sepc]; got != 0x400004 {
		t.Errorf("expected sepc to move past the ecall; got 0x%x", got)
	}
}

func TestGetPIDOutsideProcess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sched.current = nil

	if status, _ := env.call(CallGetPID); status >= 0 {
		t.Errorf("expected a negative status; got %d", status)
	}
}

func TestSchedulingCalls(t *testing.T) {
	env := newTestEnv(t, nil)

	env.call(CallSleep, 250)
	env.call(CallExit, 3)
	env.call(CallInputPoll)

	if len(env.sched.sleeps) != 1 || env.sched.sleeps[0] != 250 {
		t.Errorf("expected a sleep of 250; got %v", env.sched.sleeps)
	}
	if env.sched.exits != 1 {
		t.Errorf("expected one exit; got %d", env.sched.exits)
	}
	if len(env.sched.waits) != 1 || env.sched.waits[0] != proc.WaitInput {
		t.Errorf("expected an input wait; got %v", env.sched.waits)
	}

	env.input.Push(devinput.Event{Type: devinput.EventKey})
	env.call(CallInputPoll)
	if len(env.sched.waits) != 1 {
		t.Error("expected InputPoll to return immediately when events are ready")
	}
}

func TestInputPop(t *testing.T) {
	env := newTestEnv(t, nil)
	dst := mem.UserStackBase + 0x80

	if _, a0 := env.call(CallInputPop, uint64(dst)); int64(a0) != -1 {
		t.Errorf("expected -1 from an empty queue; got %d", int64(a0))
	}

	ev := devinput.Event{Type: devinput.EventAbs, Code: 1, Value: 300}
	env.input.Push(ev)
	if status, a0 := env.call(CallInputPop, uint64(dst)); status != 0 || a0 != 0 {
		t.Fatalf("expected success; got status %d, a0 %d", status, a0)
	}

	exp := ev.Encode()
	if got := env.readUser(t, dst, devinput.EventSize); !bytes.Equal(got, exp[:]) {
		t.Errorf("expected the event %v to be copied out; got %v", exp, got)
	}
}

func TestRandom(t *testing.T) {
	env := newTestEnv(t, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	if _, a0 := env.call(CallRandom); a0 != 0x0807060504030201 {
		t.Errorf("expected the random bytes in a0; got 0x%x", a0)
	}
	if status, _ := env.call(CallRandom); status != -1 {
		t.Errorf("expected an exhausted source to fail the call; got %d", status)
	}
}

func TestConsoleCalls(t *testing.T) {
	env := newTestEnv(t, nil)
	env.core.EcallFn = func(_ *cputest.Core, call uint64, _ []uint64) int64 {
		if call == sbi.CallGetc {
			return 'x'
		}
		return 0
	}

	env.call(CallPutc, 'a')
	if calls := env.core.Calls(sbi.CallPutc); len(calls) != 1 || calls[0].Args[0] != 'a' {
		t.Errorf("expected a firmware putc of 'a'; got %v", calls)
	}

	if _, a0 := env.call(CallGetc); a0 != 'x' {
		t.Errorf("expected getc to return 'x'; got %d", a0)
	}
}

func TestGPUCalls(t *testing.T) {
	env := newTestEnv(t, nil)

	_, ctx := env.call(CallGPUAcquire)
	if ctx != 0 {
		t.Fatalf("expected context 0; got %d", ctx)
	}

	base := mem.UserStackBase
	env.call(CallGPUGetRect, ctx, uint64(base), uint64(base+4), uint64(base+8), uint64(base+12))
	raw := env.readUser(t, base, 16)
	for i, exp := range []uint32{0, 0, 32, 32} {
		if got := binary.LittleEndian.Uint32(raw[i*4:]); got != exp {
			t.Errorf("expected rect field %d to be %d; got %d", i, exp, got)
		}
	}

	env.call(CallGPUClear, ctx, 0x000000ff)
	env.call(CallGPURect, ctx, 1, 1, 2, 2, 0xff0000ff)

	pixels := make([]byte, 8)
	binary.LittleEndian.PutUint32(pixels, 0x00ff00ff)
	binary.LittleEndian.PutUint32(pixels[4:], 0x0000ffff)
	env.writeUser(t, base+64, pixels)
	env.call(CallGPUPixels, ctx, 4, 4, 2, 1, uint64(base+64))
	env.call(CallGPUCommit, ctx)

	specs := []struct {
		x, y int
		exp  color.RGBA
	}{
		{0, 0, color.RGBA{A: 0xff}},
		{1, 2, color.RGBA{R: 0xff, A: 0xff}},
		{4, 4, color.RGBA{G: 0xff, A: 0xff}},
		{5, 4, color.RGBA{B: 0xff, A: 0xff}},
	}
	for specIndex, spec := range specs {
		if got := env.gpu.At(spec.x, spec.y); got != spec.exp {
			t.Errorf("[spec %d] expected %v at (%d, %d); got %v", specIndex, spec.exp, spec.x, spec.y, got)
		}
	}

	if status, _ := env.call(CallGPURelease, ctx); status != 0 {
		t.Errorf("expected release to succeed; got %d", status)
	}
	if _, a0 := env.call(CallGPURelease, ctx); int64(a0) >= 0 {
		t.Errorf("expected releasing a free context to report an error; got %d", int64(a0))
	}
}

func TestFileCalls(t *testing.T) {
	env := newTestEnv(t, nil)
	path := mem.UserStackBase
	dst := mem.UserStackBase + 0x100

	env.writeUser(t, path, []byte("/etc/motd\x00"))
	if _, a0 := env.call(CallFileSize, uint64(path)); a0 != 12 {
		t.Errorf("expected a size of 12; got %d", int64(a0))
	}

	if _, a0 := env.call(CallFileRead, uint64(path), uint64(dst), 7, 100); a0 != 0 {
		t.Fatalf("expected the read to succeed; got %d", int64(a0))
	}
	if got := env.readUser(t, dst, 5); string(got) != "world" {
		t.Errorf("expected to read %q; got %q", "world", got)
	}

	env.writeUser(t, path, []byte("/missing\x00"))
	if _, a0 := env.call(CallFileSize, uint64(path)); int64(a0) != -1 {
		t.Errorf("expected -1 for a missing file; got %d", int64(a0))
	}
	if _, a0 := env.call(CallFileRead, uint64(path), uint64(dst), 0, 1); int64(a0) != -1 {
		t.Errorf("expected -1 for a missing file; got %d", int64(a0))
	}
}

func TestMapMem(t *testing.T) {
	env := newTestEnv(t, nil)

	specs := []struct {
		size    uint64
		expAddr uintptr
	}{
		{5000, mem.UserHeapBase},
		{1, mem.UserHeapBase + 2*uintptr(mem.PageSize)},
		{0, mem.UserHeapBase + 3*uintptr(mem.PageSize)},
	}

	for specIndex, spec := range specs {
		if _, a0 := env.call(CallMapMem, spec.size); a0 != uint64(spec.expAddr) {
			t.Errorf("[spec %d] expected memory at 0x%x; got 0x%x", specIndex, spec.expAddr, a0)
		}
	}

	env.writeUser(t, mem.UserHeapBase+100, []byte("heap"))
	if got := env.readUser(t, mem.UserHeapBase+100, 4); string(got) != "heap" {
		t.Errorf("expected the mapped memory to be usable; got %q", got)
	}
}
