//go:build linux

package inject

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/probing-io/probing/internal/proto"
	"github.com/probing-io/probing/internal/safe"
)

// ErrAlreadyLoaded is returned when the agent library is already mapped in
// the target. The caller updates options over the existing command
// endpoint instead of re-injecting.
var ErrAlreadyLoaded = proto.Errorf(proto.CatConflict, "agent library already loaded in target")

// dlopen mode: RTLD_LAZY | RTLD_GLOBAL.
const dlopenFlags = 0x1 | 0x100

// Injector loads the agent library into a stopped target via the
// trampoline.
type Injector struct {
	proc   *Process
	tr     tracer
	logger zerolog.Logger

	attached bool
	patched  bool
	site     uint64
	savedMem []byte
	savedReg unix.PtraceRegs
	addrs    LoaderAddrs
}

// New builds an injector for a target pid.
func New(pid int, logger zerolog.Logger) (*Injector, error) {
	proc, err := NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &Injector{
		proc:   proc,
		tr:     ptraceTracer{},
		logger: logger.With().Str("component", "injector").Int("pid", pid).Logger(),
	}, nil
}

// AttachAndInject performs the whole sequence: attach, patch the
// trampoline, drive the loader, restore, detach. The env map is applied
// inside the target via setenv before the loader call, so the agent reads
// its configuration during library initialization. When the library is
// already mapped the function returns ErrAlreadyLoaded without touching
// the target.
func (inj *Injector) AttachAndInject(libraryPath string, env map[string]string) error {
	libraryPath, err := filepath.Abs(libraryPath)
	if err != nil {
		return proto.Errorf(proto.CatBadRequest, "unresolvable library path: %v", err)
	}
	loaded, err := inj.proc.HasModule(filepath.Base(libraryPath))
	if err != nil {
		return err
	}
	if loaded {
		return ErrAlreadyLoaded
	}

	if err := inj.attach(); err != nil {
		return err
	}
	defer inj.detach()

	if err := inj.patch(); err != nil {
		return err
	}
	defer inj.restore()

	for name, value := range env {
		if err := inj.setenv(name, value); err != nil {
			return err
		}
	}
	return inj.loadLibrary(libraryPath)
}

// attach acquires tracer privilege and waits for the stop.
func (inj *Injector) attach() error {
	if err := inj.tr.Attach(inj.proc.PID); err != nil {
		return err
	}
	inj.attached = true
	inj.logger.Debug().Msg("attached")
	return nil
}

func (inj *Injector) detach() {
	if !inj.attached {
		return
	}
	if err := inj.tr.Detach(inj.proc.PID); err != nil {
		inj.logger.Warn().Err(err).Msg("detach failed")
	}
	inj.attached = false
	inj.logger.Debug().Msg("detached")
}

// patch saves the register file and a text window, then writes the
// trampoline over the window's head.
func (inj *Injector) patch() error {
	if err := inj.tr.GetRegs(inj.proc.PID, &inj.savedReg); err != nil {
		return err
	}
	site, err := inj.proc.ExecRegion(patchWindow)
	if err != nil {
		return err
	}
	saved := make([]byte, patchWindow)
	if err := inj.tr.ReadMem(inj.proc.PID, site, saved); err != nil {
		return err
	}
	inj.logger.Debug().
		Str("site", fmtBytes(saved)).
		Strs("instructions", disassemble(saved)).
		Msg("saving text window")

	if err := inj.tr.WriteMem(inj.proc.PID, site, trampoline); err != nil {
		return err
	}
	inj.site = site
	inj.savedMem = saved
	inj.patched = true

	inj.addrs, err = resolveLoaderAddrs(inj.proc)
	if err != nil {
		return err
	}
	return nil
}

// restore puts the saved text and registers back. It runs on every exit
// path after the patch step: the target must never be left with a
// corrupted text window.
func (inj *Injector) restore() {
	if !inj.patched {
		return
	}
	if err := inj.tr.WriteMem(inj.proc.PID, inj.site, inj.savedMem); err != nil {
		inj.logger.Error().Err(err).Msg("restoring text window failed")
	}
	if err := inj.tr.SetRegs(inj.proc.PID, &inj.savedReg); err != nil {
		inj.logger.Error().Err(err).Msg("restoring registers failed")
	}
	inj.patched = false
	inj.logger.Debug().Msg("restored target state")
}

// call runs one function in the target through the trampoline and returns
// the result register.
func (inj *Injector) call(fn uint64, args [3]uint64) (uint64, error) {
	regs := setupCall(inj.savedReg, inj.site, fn, args)
	if err := inj.tr.SetRegs(inj.proc.PID, &regs); err != nil {
		return 0, err
	}
	if err := inj.tr.Continue(inj.proc.PID); err != nil {
		return 0, err
	}
	if err := inj.tr.WaitTrap(inj.proc.PID); err != nil {
		return 0, err
	}
	var after unix.PtraceRegs
	if err := inj.tr.GetRegs(inj.proc.PID, &after); err != nil {
		return 0, err
	}
	inj.logger.Trace().
		Uint64("fn", fn).
		Uint64("result", callResult(after)).
		Uint64("ip", instructionPointer(after)).
		Msg("trampoline call returned")
	return callResult(after), nil
}

// writeString mallocs space in the target and copies a NUL-terminated
// string into it.
func (inj *Injector) writeString(s string) (uint64, error) {
	buf := append([]byte(s), 0)
	size, clamped := safe.IntToUint64(len(buf))
	if clamped {
		return 0, proto.Errorf(proto.CatBadRequest, "string of %d bytes", len(buf))
	}
	addr, err := inj.call(inj.addrs.Malloc, [3]uint64{size, 0, 0})
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, proto.Errorf(proto.CatTargetUnreachable, "malloc in target returned NULL")
	}
	if err := inj.tr.WriteMem(inj.proc.PID, addr, buf); err != nil {
		return 0, err
	}
	return addr, nil
}

func (inj *Injector) free(addr uint64) {
	if addr == 0 || inj.addrs.Free == 0 {
		return
	}
	if _, err := inj.call(inj.addrs.Free, [3]uint64{addr, 0, 0}); err != nil {
		inj.logger.Warn().Err(err).Uint64("addr", addr).Msg("free in target failed")
	}
}

// setenv exports one variable inside the target.
func (inj *Injector) setenv(name, value string) error {
	if inj.addrs.Setenv == 0 {
		return proto.Errorf(proto.CatTargetUnreachable, "setenv not resolvable in target")
	}
	nameAddr, err := inj.writeString(strings.ToUpper(name))
	if err != nil {
		return err
	}
	defer inj.free(nameAddr)
	valueAddr, err := inj.writeString(value)
	if err != nil {
		return err
	}
	defer inj.free(valueAddr)
	if _, err := inj.call(inj.addrs.Setenv, [3]uint64{nameAddr, valueAddr, 1}); err != nil {
		return err
	}
	inj.logger.Debug().Str("name", strings.ToUpper(name)).Msg("exported env in target")
	return nil
}

// loadLibrary calls dlopen(path, RTLD_LAZY|RTLD_GLOBAL) in the target. A
// NULL result consults dlerror for the loader's message.
func (inj *Injector) loadLibrary(path string) error {
	pathAddr, err := inj.writeString(path)
	if err != nil {
		return err
	}
	defer inj.free(pathAddr)

	handle, err := inj.call(inj.addrs.Dlopen, [3]uint64{pathAddr, dlopenFlags, 0})
	if err != nil {
		return err
	}
	if handle == 0 {
		msg := inj.loaderError()
		return proto.Errorf(proto.CatNotFound, "dlopen(%s) failed in target: %s", path, msg)
	}
	inj.logger.Info().Str("library", path).Uint64("handle", handle).Msg("agent library loaded")
	return nil
}

// loaderError fetches the target's dlerror string.
func (inj *Injector) loaderError() string {
	if inj.addrs.Dlerror == 0 {
		return "unknown loader error"
	}
	strAddr, err := inj.call(inj.addrs.Dlerror, [3]uint64{0, 0, 0})
	if err != nil || strAddr == 0 {
		return "unknown loader error"
	}
	return inj.readCString(strAddr, 512)
}

// readCString reads a NUL-terminated string from target memory, bounded.
func (inj *Injector) readCString(addr uint64, max int) string {
	buf := make([]byte, max)
	if err := inj.tr.ReadMem(inj.proc.PID, addr, buf); err != nil {
		// The string may sit near the end of a mapping; retry shorter.
		for len(buf) > 16 {
			buf = buf[:len(buf)/2]
			if inj.tr.ReadMem(inj.proc.PID, addr, buf) == nil {
				break
			}
		}
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
