//go:build linux && amd64

package inject

import (
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// trampoline is the x86_64 shellcode written over the patched window:
//
//	nop; nop        landing slide
//	call r9         the tracer puts the function pointer in r9
//	int3            trap back to the tracer
var trampoline = []byte{
	0x90, 0x90, // nop; nop
	0x41, 0xff, 0xd1, // call r9
	0xcc, // int3
}

// patchWindow is the saved text window size; the trampoline occupies its
// head.
const patchWindow = 16

// setupCall places a System V call through the trampoline: arguments in
// rdi/rsi/rdx, function pointer in r9, instruction pointer at the nop
// slide. The stack pointer is 16-byte aligned so the call instruction's
// push leaves the callee with the ABI-mandated entry alignment.
func setupCall(saved unix.PtraceRegs, site, fn uint64, args [3]uint64) unix.PtraceRegs {
	regs := saved
	regs.Rip = site
	regs.R9 = fn
	regs.Rdi = args[0]
	regs.Rsi = args[1]
	regs.Rdx = args[2]
	regs.Rsp = saved.Rsp &^ 0xf
	return regs
}

// callResult reads the return-value register.
func callResult(regs unix.PtraceRegs) uint64 { return regs.Rax }

// callTarget and callArgs read back a pending trampoline call; the fake
// tracer uses them to emulate target-side functions.
func callTarget(regs unix.PtraceRegs) uint64 { return regs.R9 }

func callArgs(regs unix.PtraceRegs) [3]uint64 {
	return [3]uint64{regs.Rdi, regs.Rsi, regs.Rdx}
}

func setCallResult(regs *unix.PtraceRegs, v uint64) { regs.Rax = v }

// instructionPointer reads the ip for diagnostics.
func instructionPointer(regs unix.PtraceRegs) uint64 { return regs.Rip }

// getRegs and setRegs use the classic GETREGS interface available on
// x86_64.
func getRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}

func setRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(pid, regs)
}

// disassemble renders the saved window's instructions for the debug log.
func disassemble(code []byte) []string {
	var out []string
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil || inst.Len == 0 {
			break
		}
		out = append(out, inst.String())
		code = code[inst.Len:]
	}
	return out
}
