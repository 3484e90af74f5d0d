// Package discovery manages the per-user directory of injected processes:
// one record per pid holding the bound command endpoint, written by the
// agent at startup and enumerated by the CLI.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Record describes one injected process.
type Record struct {
	PID       int       `yaml:"pid"`
	Endpoint  string    `yaml:"endpoint"`
	TCPAddr   string    `yaml:"tcp_addr,omitempty"`
	StartedAt time.Time `yaml:"started_at"`
}

// Dir returns the discovery directory for the current user, creating it if
// needed: $XDG_RUNTIME_DIR/probing when available, otherwise a per-uid
// directory under the system temp dir.
func Dir() (string, error) {
	return DirFor(os.Getuid())
}

// DirFor returns the discovery directory for a specific uid.
func DirFor(uid int) (string, error) {
	var dir string
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" && uid == os.Getuid() {
		dir = filepath.Join(runtimeDir, "probing")
	} else {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("probing-%d", uid))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create discovery dir %s: %w", dir, err)
	}
	return dir, nil
}

// SocketPath returns the per-process unix endpoint path inside dir.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("probing-%d.sock", pid))
}

func recordPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.yaml", pid))
}

// Write persists a record, atomically via rename.
func Write(dir string, rec Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal discovery record: %w", err)
	}
	tmp := recordPath(dir, rec.PID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write discovery record: %w", err)
	}
	if err := os.Rename(tmp, recordPath(dir, rec.PID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish discovery record: %w", err)
	}
	return nil
}

// Remove deletes the record for pid. Missing records are not an error.
func Remove(dir string, pid int) error {
	err := os.Remove(recordPath(dir, pid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read loads the record for one pid.
func Read(dir string, pid int) (Record, error) {
	data, err := os.ReadFile(recordPath(dir, pid))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse discovery record for pid %d: %w", pid, err)
	}
	return rec, nil
}

// List enumerates records, dropping (and cleaning up) entries whose
// process is gone.
func List(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		rec, err := Read(dir, pid)
		if err != nil {
			continue
		}
		if !processAlive(pid) {
			_ = Remove(dir, pid)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
