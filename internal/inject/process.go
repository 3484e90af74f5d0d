//go:build linux

package inject

import (
	"fmt"
	"os"
	"strconv"

	"github.com/probing-io/probing/internal/proto"
)

// Process wraps a target pid and its /proc view.
type Process struct {
	PID int
}

// NewProcess validates that the pid exists.
func NewProcess(pid int) (*Process, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, proto.Errorf(proto.CatTargetUnreachable, "process %d not found", pid)
	}
	return &Process{PID: pid}, nil
}

// Maps reads and parses the target's memory map.
func (p *Process) Maps() ([]Region, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", p.PID))
	if err != nil {
		if os.IsPermission(err) {
			return nil, proto.Errorf(proto.CatPermission, "read maps of %d: %v", p.PID, err)
		}
		return nil, proto.Errorf(proto.CatTargetUnreachable, "read maps of %d: %v", p.PID, err)
	}
	return parseMaps(string(content))
}

// LibcBase returns the load base and file path of the target's C library.
func (p *Process) LibcBase() (uint64, string, error) {
	regions, err := p.Maps()
	if err != nil {
		return 0, "", err
	}
	base, path, ok := moduleBase(regions, isLibc)
	if !ok {
		return 0, "", proto.Errorf(proto.CatTargetUnreachable,
			"no C library mapped in process %d", p.PID)
	}
	return base, path, nil
}

// LibdlBase returns the load base of a separately mapped libdl, when
// present.
func (p *Process) LibdlBase() (uint64, string, bool) {
	regions, err := p.Maps()
	if err != nil {
		return 0, "", false
	}
	base, path, ok := moduleBase(regions, isLibdl)
	return base, path, ok
}

// HasModule reports whether the named library is already mapped.
func (p *Process) HasModule(name string) (bool, error) {
	regions, err := p.Maps()
	if err != nil {
		return false, err
	}
	return hasModule(regions, name), nil
}

// ExecRegion locates a patchable executable window of the given size.
func (p *Process) ExecRegion(window int) (uint64, error) {
	regions, err := p.Maps()
	if err != nil {
		return 0, err
	}
	addr, err := findExecRegion(regions, window)
	if err != nil {
		return 0, proto.Errorf(proto.CatTargetUnreachable, "%v", err)
	}
	return addr, nil
}

// ThreadIDs lists the target's thread ids.
func (p *Process) ThreadIDs() ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", p.PID))
	if err != nil {
		return nil, proto.Errorf(proto.CatTargetUnreachable, "list threads of %d: %v", p.PID, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// Comm returns the process command name.
func (p *Process) Comm() string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", p.PID))
	if err != nil {
		return ""
	}
	return string(data[:len(data)-1])
}
