// Package syscall implements the calls user processes make into the kernel.
package syscall

import (
	"encoding/binary"
	"io"
	"io/fs"
	"strings"

	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/gate"
	"github.com/kammerdienerb/riscv-os/kernel/input"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/proc"
)

// The kernel calls.
const (
	CallExit = uint64(iota)
	CallGetPID
	CallSleep
	CallPutc
	CallGetc
	CallRandom
	CallInputPoll
	CallInputPop
	CallGPUAcquire
	CallGPURelease
	CallGPUPixels
	CallGPURect
	CallGPUGetRect
	CallGPUCommit
	CallGPUClear
	CallFileSize
	CallFileRead
	CallMapMem

	// NumCalls is the size of the kernel call table.
	NumCalls
)

var descriptions = [NumCalls]string{
	CallExit:       "Exit the current process",
	CallGetPID:     "The PID of the calling process",
	CallSleep:      "Sleep the current process for some number of clock ticks",
	CallPutc:       "UART character print",
	CallGetc:       "UART character receive",
	CallRandom:     "Get 8 random bytes",
	CallInputPoll:  "Wait for input event(s)",
	CallInputPop:   "Pop an input event",
	CallGPUAcquire: "Acquire a GPU context",
	CallGPURelease: "Release a GPU context",
	CallGPUPixels:  "Draw pixel data in a GPU context",
	CallGPURect:    "Draw a rectangle in a GPU context",
	CallGPUGetRect: "Get the rectangle of a GPU context",
	CallGPUCommit:  "Commit GPU updates",
	CallGPUClear:   "Clear window to a color",
	CallFileSize:   "Get the size of a file",
	CallFileRead:   "Read bytes from a file",
	CallMapMem:     "Map memory into the process",
}

const (
	// maxPath bounds the length of a path read from user memory.
	maxPath = 256

	// maxPixels bounds the pixel block accepted by CallGPUPixels.
	maxPixels = 4096 * 4096
)

var (
	errNoProcess = &kernel.Error{Module: "syscall", Message: "no process is running on this hart", Code: -3}
	errNoFile    = &kernel.Error{Module: "syscall", Message: "no such file", Code: -2}
	errTooLarge  = &kernel.Error{Module: "syscall", Message: "request too large", Code: -7}
)

// Scheduler is the part of the scheduler used by kernel calls.
type Scheduler interface {
	Current(hart uint32) *proc.Process
	Exit(c cpu.Core)
	Sleep(c cpu.Core, n uint64)
	Wait(c cpu.Core, reason proc.WaitReason)
}

// GPU is the display device used by the drawing calls.
type GPU interface {
	Acquire() int64
	Release(ctx int64) *kernel.Error
	Bounds(ctx int64) (x, y, w, h uint32, err *kernel.Error)
	Rect(ctx int64, x, y, w, h, rgba uint32) *kernel.Error
	Clear(ctx int64, rgba uint32) *kernel.Error
	Pixels(ctx int64, x, y, w, h uint32, pixels []uint32) *kernel.Error
	Commit(ctx int64) *kernel.Error
}

// Services bundles the kernel facilities the calls are built on.
type Services struct {
	Sched  Scheduler
	Input  *input.Queue
	GPU    GPU
	Files  fs.FS
	Random io.Reader
	Frames proc.FrameAllocator
}

type handlers struct {
	Services
}

// New returns the kernel call gateway backed by svc.
func New(svc Services) *gate.Gateway {
	g := gate.New("syscall", cpu.Sepc, int(NumCalls))
	h := &handlers{svc}

	for call, fn := range [NumCalls]gate.HandlerFunc{
		CallExit:       h.exit,
		CallGetPID:     h.getPID,
		CallSleep:      h.sleep,
		CallPutc:       h.putc,
		CallGetc:       h.getc,
		CallRandom:     h.random,
		CallInputPoll:  h.inputPoll,
		CallInputPop:   h.inputPop,
		CallGPUAcquire: h.gpuAcquire,
		CallGPURelease: h.gpuRelease,
		CallGPUPixels:  h.gpuPixels,
		CallGPURect:    h.gpuRect,
		CallGPUGetRect: h.gpuGetRect,
		CallGPUCommit:  h.gpuCommit,
		CallGPUClear:   h.gpuClear,
		CallFileSize:   h.fileSize,
		CallFileRead:   h.fileRead,
		CallMapMem:     h.mapMem,
	} {
		g.Register(uint64(call), descriptions[call], fn)
	}

	return g
}

// Describe returns the description of a kernel call.
func Describe(call uint64) string {
	if call >= NumCalls {
		return ""
	}
	return descriptions[call]
}

// current returns the process running on the calling hart.
func (h *handlers) current(c cpu.Core) *proc.Process {
	return h.Sched.Current(c.HartID())
}

// fail reports err to the calling process without failing the trap.
func fail(c cpu.Core, err *kernel.Error) int64 {
	gate.SetStatus(c, err.Status())
	return 0
}

func (h *handlers) exit(c cpu.Core, _ gate.Args) int64 {
	h.Sched.Exit(c)
	return 0
}

func (h *handlers) getPID(c cpu.Core, _ gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	gate.SetReturn(c, uint64(p.PID))
	return 0
}

func (h *handlers) sleep(c cpu.Core, args gate.Args) int64 {
	h.Sched.Sleep(c, args[0])
	return 0
}

func (h *handlers) putc(c cpu.Core, args gate.Args) int64 {
	sbi.Putc(c, byte(args[0]))
	return 0
}

func (h *handlers) getc(c cpu.Core, _ gate.Args) int64 {
	gate.SetReturn(c, uint64(sbi.Getc(c)))
	return 0
}

func (h *handlers) random(c cpu.Core, _ gate.Args) int64 {
	var buf [8]byte
	if _, err := io.ReadFull(h.Random, buf[:]); err != nil {
		return -1
	}

	gate.SetReturn(c, binary.LittleEndian.Uint64(buf[:]))
	return 0
}

func (h *handlers) inputPoll(c cpu.Core, _ gate.Args) int64 {
	if h.Input.Ready() > 0 {
		return 0
	}

	h.Sched.Wait(c, proc.WaitInput)
	return 0
}

func (h *handlers) inputPop(c cpu.Core, args gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	ev, ok := h.Input.Pop()
	if !ok {
		gate.SetStatus(c, -1)
		return 0
	}

	buf := ev.Encode()
	if err := p.CopyOut(uintptr(args[0]), buf[:]); err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) gpuAcquire(c cpu.Core, _ gate.Args) int64 {
	gate.SetStatus(c, h.GPU.Acquire())
	return 0
}

func (h *handlers) gpuRelease(c cpu.Core, args gate.Args) int64 {
	if err := h.GPU.Release(int64(args[0])); err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) gpuPixels(c cpu.Core, args gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	w, ht := uint32(args[3]), uint32(args[4])
	count := uint64(w) * uint64(ht)
	if count > maxPixels {
		return fail(c, errTooLarge)
	}

	raw := make([]byte, count*4)
	if err := p.CopyIn(raw, uintptr(args[5])); err != nil {
		return fail(c, err)
	}

	pixels := make([]uint32, count)
	for i := range pixels {
		pixels[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	if err := h.GPU.Pixels(int64(args[0]), uint32(args[1]), uint32(args[2]), w, ht, pixels); err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) gpuRect(c cpu.Core, args gate.Args) int64 {
	err := h.GPU.Rect(int64(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]), uint32(args[4]), uint32(args[5]))
	if err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) gpuGetRect(c cpu.Core, args gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	x, y, w, ht, err := h.GPU.Bounds(int64(args[0]))
	if err != nil {
		return fail(c, err)
	}

	var buf [4]byte
	for i, v := range [4]uint32{x, y, w, ht} {
		binary.LittleEndian.PutUint32(buf[:], v)
		if err = p.CopyOut(uintptr(args[1+i]), buf[:]); err != nil {
			return fail(c, err)
		}
	}
	return 0
}

func (h *handlers) gpuCommit(c cpu.Core, args gate.Args) int64 {
	if err := h.GPU.Commit(int64(args[0])); err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) gpuClear(c cpu.Core, args gate.Args) int64 {
	if err := h.GPU.Clear(int64(args[0]), uint32(args[1])); err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) fileSize(c cpu.Core, args gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	path, err := readPath(p, uintptr(args[0]))
	if err != nil {
		return fail(c, err)
	}

	info, statErr := fs.Stat(h.Files, path)
	if statErr != nil {
		gate.SetStatus(c, -1)
		return 0
	}

	gate.SetReturn(c, uint64(info.Size()))
	return 0
}

func (h *handlers) fileRead(c cpu.Core, args gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	path, err := readPath(p, uintptr(args[0]))
	if err != nil {
		return fail(c, err)
	}

	data, err := readFile(h.Files, path, int64(args[2]), int64(args[3]))
	if err != nil {
		gate.SetStatus(c, -1)
		return 0
	}

	if err = p.CopyOut(uintptr(args[1]), data); err != nil {
		return fail(c, err)
	}
	return 0
}

func (h *handlers) mapMem(c cpu.Core, args gate.Args) int64 {
	p := h.current(c)
	if p == nil {
		return errNoProcess.Status()
	}

	pages := mem.Size(args[0]).Pages()
	if pages == 0 {
		gate.SetReturn(c, uint64(p.VirtAvail))
		return 0
	}

	frame, err := h.Frames.AllocFrames(pages)
	if err != nil {
		return fail(c, err)
	}

	virt, err := p.MapHeap(frame, pages)
	if err != nil {
		_ = h.Frames.FreeFrames(frame, pages)
		return fail(c, err)
	}

	gate.SetReturn(c, uint64(virt))
	return 0
}

// readPath copies a NUL-terminated path from the memory of p. Paths are
// resolved relative to the root of the file system.
func readPath(p *proc.Process, virt uintptr) (string, *kernel.Error) {
	var (
		sb strings.Builder
		ch [1]byte
	)

	for i := 0; i < maxPath; i++ {
		if err := p.CopyIn(ch[:], virt+uintptr(i)); err != nil {
			return "", err
		}
		if ch[0] == 0 {
			break
		}
		sb.WriteByte(ch[0])
	}

	path := strings.TrimLeft(sb.String(), "/")
	if path == "" {
		path = "."
	}
	return path, nil
}

// readFile returns up to n bytes of the named file starting at offset.
func readFile(files fs.FS, path string, offset, n int64) ([]byte, *kernel.Error) {
	f, openErr := files.Open(path)
	if openErr != nil {
		return nil, errNoFile
	}
	defer f.Close()

	info, statErr := f.Stat()
	if statErr != nil || info.IsDir() || offset < 0 || n < 0 {
		return nil, errNoFile
	}

	if rem := info.Size() - offset; n > rem {
		n = rem
	}
	if n <= 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	if ra, ok := f.(io.ReaderAt); ok {
		if _, err := ra.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, errNoFile
		}
		return buf, nil
	}

	if _, err := io.CopyN(io.Discard, f, offset); err != nil {
		return nil, errNoFile
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errNoFile
	}
	return buf, nil
}
