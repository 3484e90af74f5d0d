//go:build linux && integration

// Package integration exercises the injector against a live target. The
// harness spawns a busy-loop child, injects the agent library, and drives
// the command endpoint end to end. It needs a built libprobing.so
// (PROBING_TEST_LIBRARY) and ptrace privilege, so it runs behind the
// integration tag.
package integration

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/client"
	"github.com/probing-io/probing/internal/discovery"
	"github.com/probing-io/probing/internal/inject"
)

func testLibrary(t *testing.T) string {
	t.Helper()
	lib := os.Getenv("PROBING_TEST_LIBRARY")
	if lib == "" {
		t.Skip("PROBING_TEST_LIBRARY not set")
	}
	return lib
}

func spawnTarget(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("python3", "-c", "import time\nwhile True: time.sleep(0.01)")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	// Give the interpreter a moment to map its libraries.
	time.Sleep(300 * time.Millisecond)
	return cmd
}

func TestInjectThenQuery(t *testing.T) {
	lib := testLibrary(t)
	target := spawnTarget(t)
	pid := target.Process.Pid

	inj, err := inject.New(pid, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, inj.AttachAndInject(lib, map[string]string{"PROBING": "followed"}))

	dir, err := discovery.Dir()
	require.NoError(t, err)

	var rec discovery.Record
	require.Eventually(t, func() bool {
		rec, err = discovery.Read(dir, pid)
		return err == nil
	}, 2*time.Second, 50*time.Millisecond, "discovery record for %d", pid)

	c, err := client.Dial("unix", rec.Endpoint)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Query(
		"SELECT name, value FROM information_schema.df_settings WHERE name LIKE 'script.%' LIMIT 1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Rows(), 1)
}

func TestInjectRollbackOnBadLibrary(t *testing.T) {
	target := spawnTarget(t)
	pid := target.Process.Pid

	inj, err := inject.New(pid, zerolog.Nop())
	require.NoError(t, err)

	err = inj.AttachAndInject("/nonexistent/libprobing.so", nil)
	require.Error(t, err)

	// The target keeps running normally after the failed attempt.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, target.Process.Signal(syscall.Signal(0)))
}

func TestReinjectionIsIdempotent(t *testing.T) {
	lib := testLibrary(t)
	target := spawnTarget(t)
	pid := target.Process.Pid

	inj, err := inject.New(pid, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, inj.AttachAndInject(lib, map[string]string{"PROBING": "followed"}))

	inj2, err := inject.New(pid, zerolog.Nop())
	require.NoError(t, err)
	err = inj2.AttachAndInject(lib, nil)
	assert.ErrorIs(t, err, inject.ErrAlreadyLoaded)
}
