package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTagHighlighter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{"[sched] tick\n", "\x1b[36m[sched]\x1b[0m tick\n"},
		{"plain text\n", "plain text\n"},
		{"[unterminated\n", "[unterminated\n"},
		{"", ""},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		h := &tagHighlighter{w: &buf}

		n, err := h.Write([]byte(spec.input))
		if err != nil || n != len(spec.input) {
			t.Errorf("[spec %d] expected to write %d bytes; got %d (%v)", specIndex, len(spec.input), n, err)
		}
		if buf.String() != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, buf.String())
		}
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "motd.txt")
	if err := os.WriteFile(hostPath, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	fsys, err := loadFiles(map[string]string{"etc/motd": hostPath})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(fsys["etc/motd"].Data); got != "hi" {
		t.Errorf("expected file contents %q; got %q", "hi", got)
	}

	if _, err = loadFiles(map[string]string{"x": filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected an error for a missing host file")
	}
}
