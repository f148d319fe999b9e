// Package gpu simulates a framebuffer device split into side-by-side drawing
// contexts. Drawing happens on a back buffer; Commit publishes a context to
// the front buffer.
package gpu

import (
	"image"
	"image/color"
	"image/draw"
	"io"
	"sync"

	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

// NumContexts is the number of drawing contexts the display is split into.
const NumContexts = 2

var errBadContext = &kernel.Error{Module: "gpu", Message: "invalid gpu context", Code: -22}

// Device is the framebuffer device. It is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	back     *image.RGBA
	front    *image.RGBA
	acquired [NumContexts]bool
	commits  [NumContexts]int
}

// New returns a width x height display.
func New(width, height int) *Device {
	bounds := image.Rect(0, 0, width, height)
	return &Device{back: image.NewRGBA(bounds), front: image.NewRGBA(bounds)}
}

// Acquire claims the first free context and returns its id, or -1 when all
// contexts are taken.
func (d *Device) Acquire() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ctx := range d.acquired {
		if !d.acquired[ctx] {
			d.acquired[ctx] = true
			draw.Draw(d.back, d.rect(ctx), image.Transparent, image.Point{}, draw.Src)
			return int64(ctx)
		}
	}

	return -1
}

// Release frees a context.
func (d *Device) Release(ctx int64) *kernel.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.valid(ctx) {
		return errBadContext
	}

	d.acquired[ctx] = false
	return nil
}

// Bounds returns the display rectangle of a context.
func (d *Device) Bounds(ctx int64) (x, y, w, h uint32, err *kernel.Error) {
	if ctx < 0 || ctx >= NumContexts {
		return 0, 0, 0, 0, errBadContext
	}

	r := d.rect(int(ctx))
	return uint32(r.Min.X), uint32(r.Min.Y), uint32(r.Dx()), uint32(r.Dy()), nil
}

// Rect fills a rectangle given in context coordinates. The rectangle is
// clipped to the context.
func (d *Device) Rect(ctx int64, x, y, w, h, rgba uint32) *kernel.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.valid(ctx) {
		return errBadContext
	}

	draw.Draw(d.back, d.clip(int(ctx), x, y, w, h), image.NewUniform(toColor(rgba)), image.Point{}, draw.Src)
	return nil
}

// Clear fills a whole context with one color.
func (d *Device) Clear(ctx int64, rgba uint32) *kernel.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.valid(ctx) {
		return errBadContext
	}

	draw.Draw(d.back, d.rect(int(ctx)), image.NewUniform(toColor(rgba)), image.Point{}, draw.Src)
	return nil
}

// Pixels copies a w x h block of RGBA pixels, given row by row, to context
// coordinates (x, y). Pixels falling outside the context are dropped.
func (d *Device) Pixels(ctx int64, x, y, w, h uint32, pixels []uint32) *kernel.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.valid(ctx) {
		return errBadContext
	}

	dst := d.clip(int(ctx), x, y, w, h)
	for row := 0; row < dst.Dy(); row++ {
		for col := 0; col < dst.Dx(); col++ {
			idx := row*int(w) + col
			if idx >= len(pixels) {
				return nil
			}
			d.back.SetRGBA(dst.Min.X+col, dst.Min.Y+row, toColor(pixels[idx]))
		}
	}

	return nil
}

// Commit publishes the back buffer of a context to the display.
func (d *Device) Commit(ctx int64) *kernel.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.valid(ctx) {
		return errBadContext
	}

	r := d.rect(int(ctx))
	draw.Draw(d.front, r, d.back, r.Min, draw.Src)
	d.commits[ctx]++
	return nil
}

// At returns the displayed color at (x, y).
func (d *Device) At(x, y int) color.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.front.RGBAAt(x, y)
}

func (d *Device) valid(ctx int64) bool {
	return ctx >= 0 && ctx < NumContexts && d.acquired[ctx]
}

// rect returns the display area of a context.
func (d *Device) rect(ctx int) image.Rectangle {
	b := d.back.Bounds()
	w := b.Dx() / NumContexts
	return image.Rect(ctx*w, 0, (ctx+1)*w, b.Dy())
}

// clip converts a rectangle in context coordinates to display coordinates
// and clips it to the context.
func (d *Device) clip(ctx int, x, y, w, h uint32) image.Rectangle {
	r := d.rect(ctx)
	origin := r.Min.Add(image.Pt(int(x), int(y)))
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(int(w), int(h)))}.Intersect(r)
}

// toColor unpacks a 0xRRGGBBAA value.
func toColor(rgba uint32) color.RGBA {
	return color.RGBA{R: uint8(rgba >> 24), G: uint8(rgba >> 16), B: uint8(rgba >> 8), A: uint8(rgba)}
}

// DriverName implements device.Driver.
func (d *Device) DriverName() string { return "virtio-gpu" }

// DriverVersion implements device.Driver.
func (d *Device) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	b := d.back.Bounds()
	kfmt.Fprintf(w, "%dx%d framebuffer, %d contexts\n", b.Dx(), b.Dy(), NumContexts)
	return nil
}
