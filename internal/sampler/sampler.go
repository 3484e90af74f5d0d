package sampler

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
	"github.com/probing-io/probing/internal/script"
)

// CaptureFunc captures one stack of the profiled thread, deepest frame
// first.
type CaptureFunc func() ([]script.Frame, error)

const sampleQueueLen = 4096

// Sampler periodically captures a stack and folds samples into a prefix
// tree. Captured samples pass through a bounded queue the reader drains;
// the capture path holds the shared lock only to read the native flag and
// never touches the tree. It starts
// disabled; options start and stop it. Stopping freezes the aggregation
// until the next start, which clears it.
type Sampler struct {
	capture CaptureFunc
	logger  zerolog.Logger
	options *extension.OptionSet

	samples chan []string
	dropped uint64

	mu       sync.Mutex
	tree     *node
	running  bool
	interval time.Duration
	native   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a stopped sampler over the capture function.
func New(capture CaptureFunc, logger zerolog.Logger) *Sampler {
	s := &Sampler{
		capture:  capture,
		logger:   logger.With().Str("component", "sampler").Logger(),
		samples:  make(chan []string, sampleQueueLen),
		tree:     newNode(),
		interval: 10 * time.Millisecond,
	}
	s.options = extension.NewOptionSet(
		extension.OptionDecl{
			Key:     "script.sampler.enabled",
			Default: "false",
			Help:    "start or stop the stack sampler",
		},
		extension.OptionDecl{
			Key:     "script.sampler.interval_ms",
			Default: "10",
			Help:    "sampling interval in milliseconds",
		},
		extension.OptionDecl{
			Key:     "script.sampler.native",
			Default: "false",
			Help:    "include native frames in samples",
		},
	)
	s.options.OnSet("script.sampler.enabled", func(v string) error {
		switch v {
		case "true":
			s.Start()
		case "false":
			s.Stop()
		default:
			return proto.Errorf(proto.CatBadRequest, "expected true or false, got %q", v)
		}
		return nil
	})
	s.options.OnSet("script.sampler.interval_ms", func(v string) error {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return proto.Errorf(proto.CatBadRequest, "expected positive integer, got %q", v)
		}
		s.mu.Lock()
		s.interval = time.Duration(ms) * time.Millisecond
		s.mu.Unlock()
		return nil
	})
	s.options.OnSet("script.sampler.native", func(v string) error {
		if v != "true" && v != "false" {
			return proto.Errorf(proto.CatBadRequest, "expected true or false, got %q", v)
		}
		s.mu.Lock()
		s.native = v == "true"
		s.mu.Unlock()
		return nil
	})
	return s
}

// Start clears the previous aggregation and begins sampling.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.tree = newNode()
	for len(s.samples) > 0 {
		<-s.samples
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.interval, s.done)
	s.logger.Info().Dur("interval", s.interval).Msg("sampler started")
}

// Stop halts sampling. The aggregation is retained frozen.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.drain()
	s.logger.Info().Msg("sampler stopped")
}

func (s *Sampler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	frames, err := s.capture()
	if err != nil || len(frames) == 0 {
		return
	}
	s.mu.Lock()
	native := s.native
	s.mu.Unlock()

	// Fold outermost-first; frame depth 0 is the deepest.
	stack := make([]string, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if !native && f.Type == script.FrameNative {
			continue
		}
		stack = append(stack, f.Func)
	}
	if len(stack) == 0 {
		return
	}
	select {
	case s.samples <- stack:
	default:
		s.dropped++
	}
}

// drain folds queued samples into the tree.
func (s *Sampler) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case stack := <-s.samples:
			s.tree.add(stack)
		default:
			return
		}
	}
}

// Stats drains pending samples and returns the per-frame rows.
func (s *Sampler) Stats() []FrameStat {
	s.drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.stats()
}

// Folded drains pending samples and renders the collapsed-stack text.
func (s *Sampler) Folded() string {
	s.drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.folded()
}

// Extension capability surface.

// Name implements extension.Extension.
func (s *Sampler) Name() string { return "sampler" }

// Options implements extension.Extension.
func (s *Sampler) Options() []extension.OptionDecl { return s.options.Decls() }

// GetOption implements extension.Extension.
func (s *Sampler) GetOption(key string) (string, error) { return s.options.Get(key) }

// SetOption implements extension.Extension.
func (s *Sampler) SetOption(key, value string) error {
	_, err := s.options.Set(key, value)
	return err
}

var framesSchema = proto.Schema{Fields: []proto.Field{
	{Name: "frame", Type: proto.TypeStr},
	{Name: "exclusive", Type: proto.TypeU64},
	{Name: "inclusive", Type: proto.TypeU64},
}}

// DataSource implements extension.DataSourcer: the aggregation as
// script.sampler_frames.
func (s *Sampler) DataSource(ns, name string) (extension.Table, extension.Namespace, bool) {
	if ns != "script" || name != "sampler_frames" {
		return nil, nil, false
	}
	return &framesTable{sampler: s}, nil, true
}

type framesTable struct {
	sampler *Sampler
}

func (t *framesTable) Schema() proto.Schema { return framesSchema }

func (t *framesTable) Pages(ctx context.Context, limit int, fn func(*proto.Page) error) error {
	stats := t.sampler.Stats()
	rows := make([][]proto.Value, len(stats))
	for i, st := range stats {
		rows[i] = []proto.Value{
			proto.StrValue(st.Path),
			proto.UintValue(st.Exclusive),
			proto.UintValue(st.Inclusive),
		}
	}
	return extension.StreamRows(ctx, framesSchema, rows, limit, fn)
}

// Match implements extension.Caller.
func (s *Sampler) Match(path string) bool {
	return path == "/flamegraph" || path == "/flamegraph.pb" ||
		strings.HasPrefix(path, "/apis/flamegraph")
}

// Call implements extension.Caller: the folded-stack rendering, or a
// pprof-encoded profile for the .pb variant.
func (s *Sampler) Call(ctx context.Context, path string, params map[string]string, body []byte) ([]byte, error) {
	if strings.HasSuffix(path, ".pb") {
		return s.pprofProfile()
	}
	return []byte(s.Folded()), nil
}
