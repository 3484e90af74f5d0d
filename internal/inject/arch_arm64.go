//go:build linux && arm64

package inject

import (
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/sys/unix"
)

// trampoline is the AArch64 shellcode written over the patched window:
//
//	nop; nop        landing slide
//	blr x8          the tracer puts the function pointer in x8
//	brk #0          trap back to the tracer
var trampoline = []byte{
	0x1f, 0x20, 0x03, 0xd5, // nop
	0x1f, 0x20, 0x03, 0xd5, // nop
	0x00, 0x01, 0x3f, 0xd6, // blr x8
	0x00, 0x00, 0x20, 0xd4, // brk #0
}

const patchWindow = 16

// setupCall places an AAPCS64 call through the trampoline: arguments in
// x0/x1/x2, function pointer in x8, pc at the nop slide. AAPCS64 requires
// sp to stay 16-byte aligned.
func setupCall(saved unix.PtraceRegs, site, fn uint64, args [3]uint64) unix.PtraceRegs {
	regs := saved
	regs.Pc = site
	regs.Regs[8] = fn
	regs.Regs[0] = args[0]
	regs.Regs[1] = args[1]
	regs.Regs[2] = args[2]
	regs.Sp = saved.Sp &^ 0xf
	return regs
}

// callResult reads the return-value register.
func callResult(regs unix.PtraceRegs) uint64 { return regs.Regs[0] }

// callTarget and callArgs read back a pending trampoline call; the fake
// tracer uses them to emulate target-side functions.
func callTarget(regs unix.PtraceRegs) uint64 { return regs.Regs[8] }

func callArgs(regs unix.PtraceRegs) [3]uint64 {
	return [3]uint64{regs.Regs[0], regs.Regs[1], regs.Regs[2]}
}

func setCallResult(regs *unix.PtraceRegs, v uint64) { regs.Regs[0] = v }

// instructionPointer reads the pc for diagnostics.
func instructionPointer(regs unix.PtraceRegs) uint64 { return regs.Pc }

// getRegs and setRegs go through PTRACE_GETREGSET with NT_PRSTATUS, the
// only register interface AArch64 exposes.
func getRegs(pid int, regs *unix.PtraceRegs) error {
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(regs)),
		Len:  uint64(unsafe.Sizeof(*regs)),
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE,
		unix.PTRACE_GETREGSET, uintptr(pid), uintptr(unix.NT_PRSTATUS),
		uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("PTRACE_GETREGSET: %w", errno)
	}
	return nil
}

func setRegs(pid int, regs *unix.PtraceRegs) error {
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(regs)),
		Len:  uint64(unsafe.Sizeof(*regs)),
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE,
		unix.PTRACE_SETREGSET, uintptr(pid), uintptr(unix.NT_PRSTATUS),
		uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("PTRACE_SETREGSET: %w", errno)
	}
	return nil
}

// disassemble renders the saved window's instructions for the debug log.
func disassemble(code []byte) []string {
	var out []string
	for len(code) >= 4 {
		inst, err := arm64asm.Decode(code)
		if err != nil {
			break
		}
		out = append(out, inst.String())
		code = code[4:]
	}
	return out
}
