package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/probing-io/probing/internal/cluster"
	"github.com/probing-io/probing/internal/discovery"
	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/logging"
	"github.com/probing-io/probing/internal/query"
	"github.com/probing-io/probing/internal/sampler"
	"github.com/probing-io/probing/internal/script"
	"github.com/probing-io/probing/internal/series"
	"github.com/probing-io/probing/internal/server"
)

// Agent is the process-wide diagnostic runtime. It is constructed once at
// library load and lives until process exit.
type Agent struct {
	logger   zerolog.Logger
	registry *extension.Registry
	store    *series.Store
	bridge   *script.Bridge
	sampler  *sampler.Sampler
	engine   *query.Engine
	server   *server.Server
	reporter *cluster.Reporter

	discoveryDir string
	record       discovery.Record
}

// Config assembles the agent from environment settings plus the
// interpreter the embedding host supplies.
type Config struct {
	Env         EnvConfig
	Interpreter script.Interpreter
	// InitialOptions are key=value pairs applied once the extensions are
	// registered.
	InitialOptions map[string]string
	// AllowedFileDirs whitelists directories for the file endpoint.
	AllowedFileDirs []string
	// StaticDir backs /static/ assets.
	StaticDir string
}

var (
	globalMu sync.Mutex
	global   *Agent
)

// Initialize brings up the process singleton. A second call returns the
// existing agent after applying the new initial options, mirroring
// re-injection semantics.
func Initialize(cfg Config) (*Agent, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		for k, v := range cfg.InitialOptions {
			if _, err := global.registry.SetOption(k, v); err != nil {
				return global, err
			}
		}
		return global, nil
	}
	a, err := newAgent(cfg)
	if err != nil {
		return nil, err
	}
	global = a
	return a, nil
}

// Current returns the singleton, or nil before Initialize.
func Current() *Agent {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// newAgent builds and starts the runtime: extensions in dependency order,
// then the query engine, then the command endpoint, then discovery and
// cluster registration.
func newAgent(cfg Config) (*Agent, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Env.LogLevel != "" {
		logCfg.Level = cfg.Env.LogLevel
	}
	logger := logging.NewWithComponent(logCfg, "agent")

	a := &Agent{
		logger:   logger,
		registry: extension.NewRegistry(),
	}

	interp := cfg.Interpreter
	if interp == nil {
		interp = script.NewGoRuntime()
	}

	// Dependency order: the bridge and store stand alone, the sampler
	// captures through the bridge, the file and system extensions are
	// leaves.
	a.bridge = script.NewBridge(interp, logger)
	if err := a.registry.Register(a.bridge); err != nil {
		return nil, err
	}
	a.store = series.NewStore(series.DefaultOptions())
	if err := a.registry.Register(a.store); err != nil {
		return nil, err
	}
	a.sampler = sampler.New(func() ([]script.Frame, error) {
		return a.bridge.Backtrace(0)
	}, logger)
	if err := a.registry.Register(a.sampler); err != nil {
		return nil, err
	}
	files := server.NewFilesExtension(cfg.AllowedFileDirs, cfg.StaticDir, cfg.Env.MaxFileSize)
	if err := a.registry.Register(files); err != nil {
		return nil, err
	}
	if err := a.registry.Register(newSystemExtension()); err != nil {
		return nil, err
	}

	for k, v := range cfg.InitialOptions {
		if _, err := a.registry.SetOption(k, v); err != nil {
			a.logger.Warn().Str("key", k).Err(err).Msg("initial option rejected")
		}
	}
	// Options forwarded through the environment: key a.b_c arrives as
	// PROBING_A_B_C, the form the inject command sets inside the target.
	for _, info := range a.registry.ListOptions() {
		name := "PROBING_" + strings.ToUpper(strings.ReplaceAll(info.Key, ".", "_"))
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if _, err := a.registry.SetOption(info.Key, v); err != nil {
				a.logger.Warn().Str("key", info.Key).Err(err).Msg("environment option rejected")
			}
		}
	}

	eng, err := query.New(a.registry, logger, query.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("open query engine: %w", err)
	}
	a.engine = eng

	srvCfg := server.DefaultConfig()
	srvCfg.MaxRequestSize = cfg.Env.MaxRequestSize
	srvCfg.Auth = server.AuthConfig{
		Token:          cfg.Env.AuthToken,
		Username:       cfg.Env.AuthUsername,
		Realm:          cfg.Env.AuthRealm,
		PublicPrefixes: server.DefaultAuthConfig().PublicPrefixes,
	}
	a.server = server.New(a.registry, a.engine, a.bridge, srvCfg, logger)

	dir, err := discovery.Dir()
	if err != nil {
		return nil, err
	}
	a.discoveryDir = dir
	sock := discovery.SocketPath(dir, os.Getpid())
	if err := a.server.ListenUnix(sock); err != nil {
		return nil, err
	}
	a.record = discovery.Record{
		PID:       os.Getpid(),
		Endpoint:  sock,
		StartedAt: time.Now().UTC(),
	}
	if cfg.Env.Port != 0 {
		addr, err := a.server.ListenTCP(fmt.Sprintf(":%d", cfg.Env.Port))
		if err != nil {
			a.logger.Warn().Err(err).Int("port", cfg.Env.Port).Msg("tcp bind failed")
		} else {
			a.record.TCPAddr = addr.String()
		}
	}

	a.reporter = cluster.NewReporter(cfg.Env.ClusterDirectory, logger)

	var g errgroup.Group
	g.Go(func() error {
		return discovery.Write(a.discoveryDir, a.record)
	})
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.reporter.Announce(ctx, cluster.Announcement{
			PID:      a.record.PID,
			Rank:     cluster.Rank(),
			Endpoint: a.record.Endpoint,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		a.shutdown()
		return nil, err
	}

	a.logger.Info().
		Int("pid", a.record.PID).
		Str("endpoint", a.record.Endpoint).
		Msg("agent initialized")
	return a, nil
}

// Registry exposes the extension registry.
func (a *Agent) Registry() *extension.Registry { return a.registry }

// Store exposes the series store.
func (a *Agent) Store() *series.Store { return a.store }

// Bridge exposes the script bridge.
func (a *Agent) Bridge() *script.Bridge { return a.bridge }

// Endpoint returns the bound unix endpoint path.
func (a *Agent) Endpoint() string { return a.record.Endpoint }

// Shutdown tears the runtime down: close sessions, withdraw from the peer
// directory, remove the discovery record. No process-exit hook calls it:
// cmd/probing-agent defers it in main, and the injected library never
// calls it.
func (a *Agent) Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	a.shutdown()
	if global == a {
		global = nil
	}
}

func (a *Agent) shutdown() {
	if a.server != nil {
		_ = a.server.Close()
	}
	if a.reporter != nil && a.reporter.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.reporter.Withdraw(ctx, cluster.Announcement{
			PID:      a.record.PID,
			Endpoint: a.record.Endpoint,
		})
		cancel()
	}
	if a.sampler != nil {
		a.sampler.Stop()
	}
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.discoveryDir != "" {
		_ = discovery.Remove(a.discoveryDir, a.record.PID)
	}
	a.logger.Info().Msg("agent shut down")
}
