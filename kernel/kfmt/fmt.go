// Package kfmt implements the console formatter shared by the firmware and
// the kernel. Output from different harts is never interleaved within a
// single Printf call.
package kfmt

import (
	"io"

	"github.com/kammerdienerb/riscv-os/kernel/ringbuf"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

const (
	// maxBufSize defines the buffer size for formatting numbers.
	maxBufSize = 32

	// earlyBufferSize defines the size of the ring buffer that captures
	// output produced before an output sink is attached.
	earlyBufferSize = 4096
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// consoleLock serializes writes to the output sink and the early
	// print buffer.
	consoleLock sync.Spinlock

	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer = ringbuf.NewBytes(earlyBufferSize)

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	consoleLock.Acquire()
	defer consoleLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	consoleLock.Acquire()
	defer consoleLock.Release()

	return outputSink
}

// Printf provides a minimal Printf implementation supporting the following
// subset of formatting verbs:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//		%c a single byte or rune
//
// Integers:
//              %o base 8
//              %d base 10
//              %x base 16, with lower-case letters for a-f
//
// Booleans:
//              %t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the verb.
// If absent, the width is whatever is necessary to represent the value.
//
// String values with length less than the specified width will be left-padded with
// spaces. Integer values formatted as base-10 will also be left-padded with spaces.
// Finally, integer values formatted as base-16 will be left-padded with zeroes.
//
// The formatted text is assembled in full before it is handed to the output
// sink so concurrent callers never interleave their output.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		p                            = printer{buf: make([]byte, 0, 2*len(format))}
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			p.buf = append(p.buf, format[blockStart:blockEnd]...)
		}

		// Scan til we hit the format character
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				p.buf = append(p.buf, '%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't' || nextCh == 'c':
				// Run out of args to print
				if nextArgIndex >= len(args) {
					p.buf = append(p.buf, errMissingArg...)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					p.fmtInt(args[nextArgIndex], 8, padLen)
				case 'd':
					p.fmtInt(args[nextArgIndex], 10, padLen)
				case 'x':
					p.fmtInt(args[nextArgIndex], 16, padLen)
				case 's':
					p.fmtString(args[nextArgIndex], padLen)
				case 't':
					p.fmtBool(args[nextArgIndex])
				case 'c':
					p.fmtChar(args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			// reached end of formatting string without finding a verb
			p.buf = append(p.buf, errNoVerb...)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart < fmtLen {
		p.buf = append(p.buf, format[blockStart:]...)
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		p.buf = append(p.buf, errExtraArg...)
	}

	doWrite(w, p.buf)
}

// printer accumulates the output of a single Fprintf call.
type printer struct {
	buf []byte
}

// fmtBool prints a formatted version of boolean value v.
func (p *printer) fmtBool(v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			p.buf = append(p.buf, trueValue...)
		} else {
			p.buf = append(p.buf, falseValue...)
		}
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

// fmtChar prints a single byte or rune.
func (p *printer) fmtChar(v interface{}) {
	switch ch := v.(type) {
	case byte:
		p.buf = append(p.buf, ch)
	case rune:
		p.buf = append(p.buf, string(ch)...)
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func (p *printer) fmtString(v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		p.fmtRepeat(' ', padLen-len(castedVal))
		p.buf = append(p.buf, castedVal...)
	case []byte:
		p.fmtRepeat(' ', padLen-len(castedVal))
		p.buf = append(p.buf, castedVal...)
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

// fmtRepeat writes count bytes with value ch.
func (p *printer) fmtRepeat(ch byte, count int) {
	for i := 0; i < count; i++ {
		p.buf = append(p.buf, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func (p *printer) fmtInt(v interface{}, base, padLen int) {
	var (
		numFmtBuf        [maxBufSize + 1]byte
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		padCh            byte
		left, right, end int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	// Handle signs
	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for right < maxBufSize {
		remainder = uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			// map values from 10 to 15 -> a-f
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// Apply negative sign to the rightmost blank character (if using enough padding);
	// otherwise append the sign as a new char
	if sval < 0 {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		numFmtBuf[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	p.buf = append(p.buf, numFmtBuf[0:end]...)
}

// doWrite hands a fully formatted message to w. If w is nil the message goes
// to the output sink or, before one is attached, to the earlyPrintBuffer.
// Only the shared targets are written under consoleLock; a caller-supplied
// writer may itself print through kfmt.
func doWrite(w io.Writer, p []byte) {
	if len(p) == 0 {
		return
	}

	if w != nil {
		w.Write(p)
		return
	}

	consoleLock.Acquire()
	defer consoleLock.Release()

	if outputSink != nil {
		outputSink.Write(p)
		return
	}
	earlyPrintBuffer.Write(p)
}
