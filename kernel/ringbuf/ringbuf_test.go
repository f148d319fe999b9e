package ringbuf

import (
	"bytes"
	"io"
	"testing"
)

func TestRingPushPop(t *testing.T) {
	rb := New[int](4)

	for i := 1; i <= 3; i++ {
		if dropped := rb.Push(i); dropped {
			t.Fatalf("expected Push(%d) not to drop an entry", i)
		}
	}

	if exp, got := 3, rb.Len(); got != exp {
		t.Fatalf("expected Len() to return %d; got %d", exp, got)
	}

	for exp := 1; exp <= 3; exp++ {
		got, ok := rb.Pop()
		if !ok || got != exp {
			t.Fatalf("expected Pop() to return %d, true; got %d, %t", exp, got, ok)
		}
	}

	if _, ok := rb.Pop(); ok {
		t.Fatal("expected Pop() on an empty ring to fail")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	rb := New[int](4)

	var drops int
	for i := 0; i < 6; i++ {
		if rb.Push(i) {
			drops++
		}
	}

	if exp := 2; drops != exp {
		t.Fatalf("expected %d dropped entries; got %d", exp, drops)
	}

	if exp, got := rb.Cap(), rb.Len(); got != exp {
		t.Fatalf("expected a full ring with %d entries; got %d", exp, got)
	}

	for exp := 2; exp < 6; exp++ {
		if got, _ := rb.Pop(); got != exp {
			t.Fatalf("expected Pop() to return %d; got %d", exp, got)
		}
	}
}

func TestNewPanicsOnBadSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic for a size that is not a power of 2")
		}
	}()

	New[byte](12)
}

func TestBytes(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		rb := NewBytes(64)
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("wrap around", func(t *testing.T) {
		rb := NewBytes(64)
		rb.Write(bytes.Repeat([]byte{'x'}, 60))
		readByteByByte(rb)

		rb.Write([]byte(expStr))

		var buf bytes.Buffer
		io.Copy(&buf, rb)

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps the newest bytes", func(t *testing.T) {
		rb := NewBytes(16)
		rb.Write([]byte(expStr))

		var buf bytes.Buffer
		io.Copy(&buf, rb)

		if exp, got := expStr[len(expStr)-16:], buf.String(); got != exp {
			t.Fatalf("expected to read %q; got %q", exp, got)
		}
	})
}

func readByteByByte(rb *Bytes) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)
	for {
		_, err := rb.Read(b)
		if err == io.EOF {
			break
		}
		buf.Write(b)
	}

	return buf.String()
}
