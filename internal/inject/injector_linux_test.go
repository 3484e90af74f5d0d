//go:build linux

package inject

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeTracer emulates the target side of the debug interface: a sparse
// byte memory, a register file, a bump allocator for malloc, and canned
// loader behavior.
type fakeTracer struct {
	mem        map[uint64]byte
	regs       unix.PtraceRegs
	nextAlloc  uint64
	dlopenFail bool
	dlerrorStr uint64

	attached bool
	detached bool
	setenvs  map[string]string
	freed    []uint64
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{
		mem:       make(map[uint64]byte),
		nextAlloc: 0x7000_0000,
		setenvs:   make(map[string]string),
	}
}

// Emulated function addresses.
const (
	fakeDlopen  = 0x1000
	fakeDlerror = 0x1100
	fakeMalloc  = 0x1200
	fakeFree    = 0x1300
	fakeSetenv  = 0x1400
)

func (f *fakeTracer) addrs() LoaderAddrs {
	return LoaderAddrs{
		Dlopen:  fakeDlopen,
		Dlerror: fakeDlerror,
		Malloc:  fakeMalloc,
		Free:    fakeFree,
		Setenv:  fakeSetenv,
	}
}

func (f *fakeTracer) Attach(pid int) error { f.attached = true; return nil }
func (f *fakeTracer) Detach(pid int) error { f.detached = true; return nil }

func (f *fakeTracer) ReadMem(pid int, addr uint64, out []byte) error {
	for i := range out {
		out[i] = f.mem[addr+uint64(i)]
	}
	return nil
}

func (f *fakeTracer) WriteMem(pid int, addr uint64, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
	return nil
}

func (f *fakeTracer) GetRegs(pid int, regs *unix.PtraceRegs) error {
	*regs = f.regs
	return nil
}

func (f *fakeTracer) SetRegs(pid int, regs *unix.PtraceRegs) error {
	f.regs = *regs
	return nil
}

func (f *fakeTracer) Continue(pid int) error { return nil }

func (f *fakeTracer) readCStr(addr uint64) string {
	var out []byte
	for i := uint64(0); ; i++ {
		b := f.mem[addr+i]
		if b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

// WaitTrap emulates the trampoline call the tracer set up.
func (f *fakeTracer) WaitTrap(pid int) error {
	fn := callTarget(f.regs)
	args := callArgs(f.regs)
	switch fn {
	case fakeMalloc:
		addr := f.nextAlloc
		f.nextAlloc += args[0] + 16
		setCallResult(&f.regs, addr)
	case fakeFree:
		f.freed = append(f.freed, args[0])
		setCallResult(&f.regs, 0)
	case fakeSetenv:
		f.setenvs[f.readCStr(args[0])] = f.readCStr(args[1])
		setCallResult(&f.regs, 0)
	case fakeDlopen:
		if f.dlopenFail {
			setCallResult(&f.regs, 0)
		} else {
			setCallResult(&f.regs, 0xcafe)
		}
	case fakeDlerror:
		setCallResult(&f.regs, f.dlerrorStr)
	default:
		return errors.New("trampoline called unknown function")
	}
	return nil
}

func newFakeInjector(t *testing.T, tr *fakeTracer) *Injector {
	t.Helper()
	inj := &Injector{
		proc:   &Process{PID: 4242},
		tr:     tr,
		logger: zerolog.Nop(),
	}
	// Pre-seed original text at the patch site.
	original := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	inj.site = 0x4000
	require.NoError(t, tr.WriteMem(4242, inj.site, original))
	saved := make([]byte, patchWindow)
	require.NoError(t, tr.ReadMem(4242, inj.site, saved))
	require.NoError(t, tr.GetRegs(4242, &inj.savedReg))
	require.NoError(t, tr.WriteMem(4242, inj.site, trampoline))
	inj.savedMem = saved
	inj.patched = true
	inj.attached = true
	inj.addrs = tr.addrs()
	return inj
}

func TestTrampolineShape(t *testing.T) {
	require.LessOrEqual(t, len(trampoline), patchWindow)
	// The tail must be the architecture trap instruction.
	switch len(trampoline) {
	case 6: // x86_64
		assert.Equal(t, byte(0xcc), trampoline[len(trampoline)-1])
		assert.Equal(t, []byte{0x90, 0x90}, trampoline[:2])
	case 16: // aarch64
		assert.Equal(t, []byte{0x00, 0x00, 0x20, 0xd4}, trampoline[12:])
		assert.Equal(t, []byte{0x1f, 0x20, 0x03, 0xd5}, trampoline[:4])
	default:
		t.Fatalf("unexpected trampoline length %d", len(trampoline))
	}
}

func TestLoadLibrarySuccess(t *testing.T) {
	tr := newFakeTracer()
	inj := newFakeInjector(t, tr)

	require.NoError(t, inj.loadLibrary("/opt/probing/libprobing.so"))

	// The path was written into allocated memory and later freed.
	require.NotEmpty(t, tr.freed)
	assert.Equal(t, "/opt/probing/libprobing.so", tr.readCStr(tr.freed[len(tr.freed)-1]))
}

func TestLoadLibraryFailureReadsLoaderError(t *testing.T) {
	tr := newFakeTracer()
	tr.dlopenFail = true
	tr.dlerrorStr = 0x9000
	msg := []byte("libprobing.so: cannot open shared object file\x00")
	require.NoError(t, tr.WriteMem(4242, 0x9000, msg))

	inj := newFakeInjector(t, tr)
	err := inj.loadLibrary("/missing/libprobing.so")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot open shared object file")
}

func TestSetenvWritesBothStrings(t *testing.T) {
	tr := newFakeTracer()
	inj := newFakeInjector(t, tr)

	require.NoError(t, inj.setenv("probing_port", "9922"))
	assert.Equal(t, "9922", tr.setenvs["PROBING_PORT"])
	// Name and value allocations were both freed.
	assert.Len(t, tr.freed, 2)
}

func TestRestorePutsTextAndRegistersBack(t *testing.T) {
	tr := newFakeTracer()
	inj := newFakeInjector(t, tr)

	// Scribble on the register file as a trampoline call would.
	_, err := inj.call(fakeMalloc, [3]uint64{64, 0, 0})
	require.NoError(t, err)

	inj.restore()

	window := make([]byte, patchWindow)
	require.NoError(t, tr.ReadMem(4242, inj.site, window))
	assert.Equal(t, inj.savedMem, window)

	var regs unix.PtraceRegs
	require.NoError(t, tr.GetRegs(4242, &regs))
	assert.Equal(t, inj.savedReg, regs)
}

func TestRestoreIsIdempotent(t *testing.T) {
	tr := newFakeTracer()
	inj := newFakeInjector(t, tr)
	inj.restore()
	inj.restore()
	assert.False(t, inj.patched)
}
