// Package inject implements the outside-process injector: it attaches to a
// target pid with ptrace, writes an architecture-specific trampoline into
// the target's text, drives the dynamic loader to map the agent library,
// restores the saved state, and detaches.
package inject

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Region is one line of a process memory map.
type Region struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Readable, Writable, Executable report the mapping permissions.
func (r Region) Readable() bool   { return strings.HasPrefix(r.Perms, "r") }
func (r Region) Writable() bool   { return len(r.Perms) > 1 && r.Perms[1] == 'w' }
func (r Region) Executable() bool { return len(r.Perms) > 2 && r.Perms[2] == 'x' }

// parseMaps parses /proc/<pid>/maps content.
func parseMaps(content string) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse maps line %q: %w", line, err)
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse maps line %q: %w", line, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse maps line %q: %w", line, err)
		}
		region := Region{
			Start:  start,
			End:    end,
			Perms:  fields[1],
			Offset: offset,
		}
		if len(fields) >= 6 {
			region.Path = fields[5]
		}
		regions = append(regions, region)
	}
	return regions, scanner.Err()
}

// moduleBase returns the lowest mapped address of the first module whose
// file name matches the predicate.
func moduleBase(regions []Region, match func(base string) bool) (uint64, string, bool) {
	for _, r := range regions {
		if r.Path == "" || !match(filepath.Base(r.Path)) {
			continue
		}
		base := r.Start
		path := r.Path
		// The lowest mapping of the module carries offset zero; earlier
		// regions of the same file may appear later in the list.
		for _, other := range regions {
			if other.Path == path && other.Start < base {
				base = other.Start
			}
		}
		return base, path, true
	}
	return 0, "", false
}

// isLibc matches the C library file name across glibc and musl spellings.
func isLibc(base string) bool {
	return base == "libc.so.6" || base == "libc.so" ||
		strings.HasPrefix(base, "libc-2.") || strings.HasPrefix(base, "libc.musl")
}

// isLibdl matches the separate libdl shipped by older glibc.
func isLibdl(base string) bool {
	return base == "libdl.so.2" || strings.HasPrefix(base, "libdl-2.")
}

// findExecRegion picks a patchable executable window: the start of an
// executable mapping of a file-backed module.
func findExecRegion(regions []Region, window int) (uint64, error) {
	for _, r := range regions {
		if !r.Executable() || r.Path == "" {
			continue
		}
		if strings.HasPrefix(r.Path, "[") {
			continue
		}
		if r.End-r.Start < uint64(window) {
			continue
		}
		return r.Start, nil
	}
	return 0, fmt.Errorf("no executable region of %d bytes found", window)
}

// hasModule reports whether any mapping is backed by the named library.
func hasModule(regions []Region, name string) bool {
	for _, r := range regions {
		if r.Path != "" && filepath.Base(r.Path) == name {
			return true
		}
	}
	return false
}
