package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/client"
	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
	"github.com/probing-io/probing/internal/query"
	"github.com/probing-io/probing/internal/script"
	"github.com/probing-io/probing/internal/series"
)

type evalInterp struct {
	script.GoRuntime
}

func (e *evalInterp) Eval(ctx context.Context, code string) ([]byte, error) {
	switch code {
	case "1+2":
		return []byte("3"), nil
	case "raise ValueError('boom')":
		return nil, errors.New("ValueError: boom")
	}
	return []byte(""), nil
}

func (e *evalInterp) Backtrace(tid int64, withLocals bool) ([]script.Frame, error) {
	mk := func(depth int64, fn string) script.Frame {
		return script.Frame{
			TID: tid, Depth: depth, Func: fn,
			File: "train.py", Lineno: 10 + depth,
			Type: script.FrameInterpreted,
		}
	}
	return []script.Frame{mk(0, "baz"), mk(1, "bar"), mk(2, "foo")}, nil
}

type testEnv struct {
	server *Server
	store  *series.Store
	sock   string
}

func startServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	reg := extension.NewRegistry()
	bridge := script.NewBridge(&evalInterp{}, zerolog.Nop())
	t.Cleanup(bridge.Close)
	require.NoError(t, reg.Register(bridge))

	store := series.NewStore(series.DefaultOptions())
	require.NoError(t, reg.Register(store))

	eng, err := query.New(reg, zerolog.Nop(), query.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	srv := New(reg, eng, bridge, cfg, zerolog.Nop())
	sock := filepath.Join(t.TempDir(), "probing.sock")
	require.NoError(t, srv.ListenUnix(sock))
	t.Cleanup(func() { _ = srv.Close() })

	return &testEnv{server: srv, store: store, sock: sock}
}

func dial(t *testing.T, env *testEnv) *client.Client {
	t.Helper()
	c, err := client.Dial("unix", env.sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestQuerySettings(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	res, err := c.Query(
		"SELECT name, value FROM information_schema.df_settings WHERE name LIKE 'script.%' LIMIT 1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Rows(), 1)
}

func TestQuerySeriesRoundTrip(t *testing.T) {
	env := startServer(t, DefaultConfig())
	sr := env.store.Get("metric")
	require.NoError(t, sr.Append(1, 10))
	require.NoError(t, sr.Append(2, 20))
	require.NoError(t, sr.Append(3, 30))

	c := dial(t, env)
	res, err := c.Query("SELECT ts, value FROM series.metric ORDER BY ts")
	require.NoError(t, err)
	require.Equal(t, 3, res.Rows())
	assert.Equal(t, int64(1), res.Row(0)[0].Int)
	assert.Equal(t, 10.0, res.Row(0)[1].Float)
	assert.Equal(t, int64(3), res.Row(2)[0].Int)
	assert.Equal(t, 30.0, res.Row(2)[1].Float)

	err = sr.Append(2, 99)
	require.Error(t, err)
	assert.Equal(t, proto.CatConflict, proto.CategoryOf(err))
}

func TestBacktraceDepthOrder(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	res, err := c.Backtrace(0)
	require.NoError(t, err)
	require.Equal(t, 3, res.Rows())
	// Depth 0 is the deepest frame.
	assert.Equal(t, int64(0), res.Row(0)[1].Int)
	assert.Equal(t, "baz", res.Row(0)[2].Str)
	assert.Equal(t, "bar", res.Row(1)[2].Str)
	assert.Equal(t, "foo", res.Row(2)[2].Str)
}

func TestEvalSandboxing(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	_, err := c.Eval("raise ValueError('boom')")
	require.Error(t, err)
	assert.Equal(t, proto.CatRuntimeFault, proto.CategoryOf(err))
	assert.Contains(t, err.Error(), "boom")

	out, err := c.Eval("1+2")
	require.NoError(t, err)
	assert.Equal(t, "3", string(out))
}

func TestConfigSetAndList(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	_, err := c.Config([]proto.KV{{Key: "script.eval.enabled", Value: "false"}}, "")
	require.NoError(t, err)

	res, err := c.Config(nil, "script.eval.%")
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows())
	assert.Equal(t, "script.eval.enabled", res.Row(0)[0].Str)
	assert.Equal(t, "false", res.Row(0)[1].Str)

	_, err = c.Config([]proto.KV{{Key: "does.not.exist", Value: "x"}}, "")
	require.Error(t, err)
	assert.Equal(t, proto.CatNotFound, proto.CategoryOf(err))
}

func TestInjectUpdatesOptions(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	require.NoError(t, c.Inject([]proto.KV{{Key: "script.backtrace.locals", Value: "true"}}))

	res, err := c.Config(nil, "script.backtrace.locals")
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows())
	assert.Equal(t, "true", res.Row(0)[1].Str)
}

func TestAuthGating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Token = "secret"

	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "app.js"), []byte("ui"), 0o644))

	env := startServer(t, cfg)
	files := NewFilesExtension(nil, staticDir, 0)
	require.NoError(t, env.server.registry.Register(files))

	// No credentials.
	c := dial(t, env)
	_, err := c.Query("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, proto.CatAuthRequired, proto.CategoryOf(err))

	// Wrong bearer token.
	c2 := dial(t, env)
	c2.SetBearerToken("wrong")
	_, err = c2.Query("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, proto.CatForbidden, proto.CategoryOf(err))

	// Correct bearer token.
	c3 := dial(t, env)
	c3.SetBearerToken("secret")
	_, err = c3.Query("SELECT 1")
	require.NoError(t, err)

	// Custom header.
	c4 := dial(t, env)
	c4.SetHeader("X-Probing-Token", "secret")
	_, err = c4.Query("SELECT 1")
	require.NoError(t, err)

	// Public prefix bypasses the check.
	c5 := dial(t, env)
	out, err := c5.Call("/static/app.js", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ui", string(out))
}

func TestAuthBasicCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Token = "secret"
	env := startServer(t, cfg)

	c := dial(t, env)
	// admin:secret
	c.SetHeader("Authorization", "Basic YWRtaW46c2VjcmV0")
	_, err := c.Query("SELECT 1")
	require.NoError(t, err)

	c2 := dial(t, env)
	// admin:wrong
	c2.SetHeader("Authorization", "Basic YWRtaW46d3Jvbmc=")
	_, err = c2.Query("SELECT 1")
	require.Error(t, err)
	assert.Equal(t, proto.CatForbidden, proto.CategoryOf(err))
}

func TestSizeLimitRejectsOversizeBeforeRead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestSize = 64
	env := startServer(t, cfg)
	c := dial(t, env)

	big := make([]byte, 256)
	_, err := c.Call("/files", nil, big)
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestFilesWhitelist(t *testing.T) {
	allowed := t.TempDir()
	secretDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(allowed, "ok.txt"), []byte("fine"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(secretDir, "secret.txt"), []byte("no"), 0o600))

	env := startServer(t, DefaultConfig())
	files := NewFilesExtension([]string{allowed}, "", 0)
	require.NoError(t, env.server.registry.Register(files))

	c := dial(t, env)
	out, err := c.Call("/files", map[string]string{"path": filepath.Join(allowed, "ok.txt")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", string(out))

	_, err = c.Call("/files", map[string]string{"path": filepath.Join(secretDir, "secret.txt")}, nil)
	require.Error(t, err)
	assert.Equal(t, proto.CatForbidden, proto.CategoryOf(err))

	_, err = c.Call("/files", map[string]string{"path": "bad\x00path"}, nil)
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestFileSizeCap(t *testing.T) {
	allowed := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(allowed, "big.bin"), make([]byte, 2048), 0o644))

	env := startServer(t, DefaultConfig())
	files := NewFilesExtension([]string{allowed}, "", 1024)
	require.NoError(t, env.server.registry.Register(files))

	c := dial(t, env)
	_, err := c.Call("/files", map[string]string{"path": filepath.Join(allowed, "big.bin")}, nil)
	require.Error(t, err)
	assert.Equal(t, proto.CatBadRequest, proto.CategoryOf(err))
}

func TestUnknownCallPath(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	_, err := c.Call("/apis/unknown", nil, nil)
	require.Error(t, err)
	assert.Equal(t, proto.CatNotFound, proto.CategoryOf(err))
}

func TestSessionSurvivesFailedRequest(t *testing.T) {
	env := startServer(t, DefaultConfig())
	c := dial(t, env)

	_, err := c.Query("SELEKT broken")
	require.Error(t, err)

	res, err := c.Query("SELECT 1 AS one")
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows())
}

func TestConcurrentSessions(t *testing.T) {
	env := startServer(t, DefaultConfig())
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			c, err := client.Dial("unix", env.sock)
			if err != nil {
				done <- err
				return
			}
			defer c.Close()
			_, err = c.Query("SELECT 1")
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}

func TestLikeMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"script.%", "script.eval.enabled", true},
		{"script.%", "series.chunk_rows", false},
		{"%.enabled", "script.eval.enabled", true},
		{"script.eval.enabled", "script.eval.enabled", true},
		{"script.eval.enabled", "script.eval", false},
		{"%", "anything", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, likeMatch(tt.pattern, tt.s), "%s ~ %s", tt.pattern, tt.s)
	}
}
