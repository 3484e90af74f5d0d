//go:build linux

package inject

import (
	"debug/elf"
	"fmt"

	"github.com/probing-io/probing/internal/proto"
)

// LoaderAddrs holds the addresses, inside the target's address space, of
// the loader-adjacent routines the trampoline calls.
type LoaderAddrs struct {
	Dlopen  uint64
	Dlerror uint64
	Malloc  uint64
	Free    uint64
	Setenv  uint64
}

// symbolOffsets reads the dynamic symbol table of an ELF shared object and
// returns the file-relative offsets of the requested symbols.
func symbolOffsets(path string, names []string) (map[string]uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]uint64, len(names))
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("dynamic symbols of %s: %w", path, err)
	}
	for _, sym := range syms {
		if want[sym.Name] && sym.Value != 0 {
			if _, ok := out[sym.Name]; !ok {
				out[sym.Name] = sym.Value
			}
		}
	}
	return out, nil
}

// resolveLoaderAddrs computes the target-side addresses of dlopen, dlerror,
// malloc, free, and setenv by reading symbol offsets from the target's own
// libc file and rebasing them onto the target's load base. Glibc 2.34+
// hosts dlopen in libc itself; older systems fall back to a separately
// mapped libdl.
func resolveLoaderAddrs(proc *Process) (LoaderAddrs, error) {
	libcBase, libcPath, err := proc.LibcBase()
	if err != nil {
		return LoaderAddrs{}, err
	}

	offsets, err := symbolOffsets(libcPath, []string{"dlopen", "dlerror", "malloc", "free", "setenv"})
	if err != nil {
		return LoaderAddrs{}, proto.Errorf(proto.CatTargetUnreachable, "%v", err)
	}

	addrs := LoaderAddrs{}
	addrOf := func(name string) uint64 {
		if off, ok := offsets[name]; ok {
			return libcBase + off
		}
		return 0
	}
	addrs.Dlopen = addrOf("dlopen")
	addrs.Dlerror = addrOf("dlerror")
	addrs.Malloc = addrOf("malloc")
	addrs.Free = addrOf("free")
	addrs.Setenv = addrOf("setenv")

	if addrs.Dlopen == 0 || addrs.Dlerror == 0 {
		dlBase, dlPath, ok := proc.LibdlBase()
		if !ok {
			return LoaderAddrs{}, proto.Errorf(proto.CatTargetUnreachable,
				"dlopen not found in %s and no libdl mapped", libcPath)
		}
		dlOffsets, err := symbolOffsets(dlPath, []string{"dlopen", "dlerror"})
		if err != nil {
			return LoaderAddrs{}, proto.Errorf(proto.CatTargetUnreachable, "%v", err)
		}
		if off, ok := dlOffsets["dlopen"]; ok && addrs.Dlopen == 0 {
			addrs.Dlopen = dlBase + off
		}
		if off, ok := dlOffsets["dlerror"]; ok && addrs.Dlerror == 0 {
			addrs.Dlerror = dlBase + off
		}
	}

	if addrs.Dlopen == 0 {
		return LoaderAddrs{}, proto.Errorf(proto.CatTargetUnreachable, "could not resolve dlopen in target")
	}
	if addrs.Malloc == 0 || addrs.Free == 0 {
		return LoaderAddrs{}, proto.Errorf(proto.CatTargetUnreachable, "could not resolve malloc/free in target")
	}
	return addrs, nil
}
