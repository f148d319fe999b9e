package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink selects the
	// active output sink.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// NewPrefixWriter returns a PrefixWriter whose prefix is built by formatting
// args according to format.
func NewPrefixWriter(sink io.Writer, format string, args ...interface{}) *PrefixWriter {
	var prefix bytes.Buffer
	Fprintf(&prefix, format, args...)

	return &PrefixWriter{Sink: sink, Prefix: prefix.Bytes()}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. Each line is forwarded to the sink as a
// single write that already carries the prefix. The injected prefix is not
// included in the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written int
		line    []byte
	)

	for len(p) != 0 {
		end := bytes.IndexByte(p, '\n') + 1
		if end == 0 {
			end = len(p)
		}

		line = line[:0]
		if !w.midLine {
			line = append(line, w.Prefix...)
		}
		line = append(line, p[:end]...)

		if err := w.emit(line); err != nil {
			return written, err
		}

		written += end
		w.midLine = p[end-1] != '\n'
		p = p[end:]
	}

	return written, nil
}

func (w *PrefixWriter) emit(line []byte) error {
	if w.Sink == nil {
		doWrite(nil, line)
		return nil
	}

	_, err := w.Sink.Write(line)
	return err
}
