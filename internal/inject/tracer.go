//go:build linux

package inject

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/probing-io/probing/internal/proto"
)

// tracer is the debug-interface surface the injector drives. The
// production implementation wraps ptrace; tests substitute a fake.
type tracer interface {
	Attach(pid int) error
	Detach(pid int) error
	ReadMem(pid int, addr uint64, out []byte) error
	WriteMem(pid int, addr uint64, data []byte) error
	GetRegs(pid int, regs *unix.PtraceRegs) error
	SetRegs(pid int, regs *unix.PtraceRegs) error
	Continue(pid int) error
	WaitTrap(pid int) error
}

// ptraceTracer is the real debug interface.
type ptraceTracer struct{}

func (ptraceTracer) Attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		switch err {
		case unix.EPERM, unix.EACCES:
			return proto.Errorf(proto.CatPermission,
				"ptrace attach to %d denied (check kernel.yama.ptrace_scope): %v", pid, err)
		case unix.ESRCH:
			return proto.Errorf(proto.CatTargetUnreachable, "process %d not found", pid)
		}
		return proto.Errorf(proto.CatTargetUnreachable, "ptrace attach to %d: %v", pid, err)
	}
	// Wait for the attach stop.
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable, "wait for attach stop: %v", err)
	}
	if !status.Stopped() {
		return proto.Errorf(proto.CatTargetUnreachable,
			"tracee did not stop after attach (status %#x)", status)
	}
	return nil
}

func (ptraceTracer) Detach(pid int) error {
	if err := unix.PtraceDetach(pid); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable, "ptrace detach from %d: %v", pid, err)
	}
	return nil
}

func (ptraceTracer) ReadMem(pid int, addr uint64, out []byte) error {
	if _, err := unix.PtracePeekData(pid, uintptr(addr), out); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable,
			"read %d bytes at %#x in %d: %v", len(out), addr, pid, err)
	}
	return nil
}

// WriteMem uses process_vm_writev for bulk writes into writable memory and
// falls back to the word-at-a-time poke interface, which also reaches
// read-only text pages.
func (ptraceTracer) WriteMem(pid int, addr uint64, data []byte) error {
	local := []unix.Iovec{{
		Base: (*byte)(unsafe.Pointer(&data[0])),
		Len:  uint64(len(data)),
	}}
	remote := []unix.RemoteIovec{{
		Base: uintptr(addr),
		Len:  len(data),
	}}
	if n, err := unix.ProcessVMWritev(pid, local, remote, 0); err == nil && n == len(data) {
		return nil
	}
	if _, err := unix.PtracePokeData(pid, uintptr(addr), data); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable,
			"write %d bytes at %#x in %d: %v", len(data), addr, pid, err)
	}
	return nil
}

func (ptraceTracer) GetRegs(pid int, regs *unix.PtraceRegs) error {
	if err := getRegs(pid, regs); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable, "read registers of %d: %v", pid, err)
	}
	return nil
}

func (ptraceTracer) SetRegs(pid int, regs *unix.PtraceRegs) error {
	if err := setRegs(pid, regs); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable, "write registers of %d: %v", pid, err)
	}
	return nil
}

func (ptraceTracer) Continue(pid int) error {
	if err := unix.PtraceCont(pid, 0); err != nil {
		return proto.Errorf(proto.CatTargetUnreachable, "resume %d: %v", pid, err)
	}
	return nil
}

// WaitTrap resumes nothing; it waits until the tracee stops on the
// trampoline's trap. Group stops and ignorable signals are passed through;
// any other signal aborts.
func (ptraceTracer) WaitTrap(pid int) error {
	for {
		var status unix.WaitStatus
		if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
			return proto.Errorf(proto.CatTargetUnreachable, "wait for trap in %d: %v", pid, err)
		}
		switch {
		case status.Exited() || status.Signaled():
			return proto.Errorf(proto.CatTargetUnreachable,
				"tracee %d exited while running trampoline", pid)
		case status.Stopped() && status.StopSignal() == unix.SIGTRAP:
			return nil
		case status.Stopped() && (status.StopSignal() == unix.SIGSTOP || status.StopSignal() == unix.SIGCHLD):
			if err := unix.PtraceCont(pid, 0); err != nil {
				return proto.Errorf(proto.CatTargetUnreachable, "re-resume %d: %v", pid, err)
			}
		case status.Stopped():
			return proto.Errorf(proto.CatTargetUnreachable,
				"tracee %d stopped with unexpected signal %v", pid, status.StopSignal())
		default:
			return proto.Errorf(proto.CatTargetUnreachable,
				"unexpected wait status %#x for %d", status, pid)
		}
	}
}

var _ tracer = ptraceTracer{}

// fmtBytes renders a window for the debug log.
func fmtBytes(b []byte) string { return fmt.Sprintf("% x", b) }
