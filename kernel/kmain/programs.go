package kmain

import (
	"sort"

	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/syscall"
)

// ProgramFunc builds the text of a user program loaded at base.
type ProgramFunc func(base uint64) cpu.Program

// programs holds the user programs that can be named in the init list.
var programs = map[string]ProgramFunc{
	"hello":  helloProgram,
	"ticker": tickerProgram,
	"input":  inputProgram,
}

// Programs returns the names of the built-in user programs.
func Programs() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// User programs keep their state in registers. The pc selects the step to
// run; an ecall resumes at the following step.

func stepOf(r *cpu.Frame, base uint64) uint64 {
	return (r.PC - base) / 4
}

func jump(r *cpu.Frame, base, step uint64) cpu.Effect {
	r.PC = base + 4*step
	return cpu.EffectNext
}

func ecall(r *cpu.Frame, call uint64, args ...uint64) cpu.Effect {
	r.SetArg(0, call)
	for i, arg := range args {
		r.SetArg(i+1, arg)
	}
	return cpu.EffectEcall
}

const helloMessage = "hello from user space\n"

// helloProgram prints helloMessage and exits. s1 indexes the message.
func helloProgram(base uint64) cpu.Program {
	return cpu.ProgramFunc(func(x cpu.Executor) cpu.Effect {
		r := x.Regs()
		switch stepOf(r, base) {
		case 0:
			if i := r.GPRegs[cpu.RegS1]; i < uint64(len(helloMessage)) {
				return ecall(r, syscall.CallPutc, uint64(helloMessage[i]))
			}
			return ecall(r, syscall.CallExit, 0)
		default:
			r.GPRegs[cpu.RegS1]++
			return jump(r, base, 0)
		}
	})
}

const (
	tickerRounds = 5
	tickerSleep  = 50000
)

// tickerProgram prints the last digit of its pid a few times, sleeping in
// between, then exits. s1 holds the pid and s2 the round.
func tickerProgram(base uint64) cpu.Program {
	return cpu.ProgramFunc(func(x cpu.Executor) cpu.Effect {
		r := x.Regs()
		switch stepOf(r, base) {
		case 0:
			return ecall(r, syscall.CallGetPID)
		case 1:
			r.GPRegs[cpu.RegS1] = r.Arg(0)
			r.GPRegs[cpu.RegS2] = 0
			return jump(r, base, 2)
		case 2:
			if r.GPRegs[cpu.RegS2] == tickerRounds {
				return ecall(r, syscall.CallExit, 0)
			}
			return ecall(r, syscall.CallPutc, '0'+r.GPRegs[cpu.RegS1]%10)
		case 3:
			return ecall(r, syscall.CallSleep, tickerSleep)
		default:
			r.GPRegs[cpu.RegS2]++
			return jump(r, base, 2)
		}
	})
}

const inputEvents = 3

// inputProgram prints a star for each of the first inputEvents input events
// and exits. s2 counts the events.
func inputProgram(base uint64) cpu.Program {
	return cpu.ProgramFunc(func(x cpu.Executor) cpu.Effect {
		r := x.Regs()
		switch stepOf(r, base) {
		case 0:
			return ecall(r, syscall.CallInputPoll)
		case 1:
			return ecall(r, syscall.CallInputPop, r.GPRegs[cpu.RegSP]-64)
		case 2:
			if int64(r.Arg(0)) != 0 {
				return jump(r, base, 0)
			}
			r.GPRegs[cpu.RegS2]++
			return ecall(r, syscall.CallPutc, '*')
		default:
			if r.GPRegs[cpu.RegS2] == inputEvents {
				return ecall(r, syscall.CallExit, 0)
			}
			return jump(r, base, 0)
		}
	})
}
