package kmain

import (
	"strings"

	"github.com/google/shlex"

	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/sched"
)

// consoleLineMax bounds the length of a console command line. Further
// bytes are dropped until the line is submitted.
const consoleLineMax = 512

const (
	keyBackspace = '\b'
	keyDelete    = 127
)

// consoleLoop is where hart 0 waits for console and device interrupts. Each
// pass drains the bytes the firmware buffered and runs every completed line.
func (k *Kernel) consoleLoop(x cpu.Executor) cpu.Effect {
	for {
		ch := sbi.Getc(x)
		switch ch {
		case sbi.NoChar:
			return cpu.EffectWait
		case '\r', '\n':
			line := string(k.line)
			k.line = k.line[:0]
			k.runCommand(line)
		case keyBackspace, keyDelete:
			if n := len(k.line); n > 0 {
				k.line = k.line[:n-1]
			}
		default:
			if len(k.line) < consoleLineMax {
				k.line = append(k.line, ch)
			}
		}
	}
}

// runCommand executes one console command line.
func (k *Kernel) runCommand(line string) {
	words, err := shlex.Split(line)
	if err != nil {
		kfmt.Printf("[console] %s\n", err.Error())
		return
	}
	if len(words) == 0 {
		return
	}

	switch words[0] {
	case "run":
		if len(words) < 2 {
			kfmt.Printf("[console] missing program argument\n")
			return
		}
		for _, name := range words[1:] {
			if _, _, err := k.Launch(name); err != nil {
				kfmt.Printf("[console] could not run %s: %s\n", name, err.Message)
			}
		}
	case "procs":
		sched.DumpTo(nil, k.sched.Snapshot())
	case "help":
		kfmt.Printf("help        show this help\n")
		kfmt.Printf("procs       list the processes of each hart\n")
		kfmt.Printf("run NAME    start a built-in program (%s)\n", strings.Join(Programs(), ", "))
	default:
		kfmt.Printf("[console] unknown command '%s'\n", words[0])
	}
}
