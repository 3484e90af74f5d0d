package sampler

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probing-io/probing/internal/proto"
	"github.com/probing-io/probing/internal/script"
)

func fixedCapture(funcs ...string) CaptureFunc {
	return func() ([]script.Frame, error) {
		frames := make([]script.Frame, len(funcs))
		for i, fn := range funcs {
			frames[i] = script.Frame{
				Depth: int64(i),
				Func:  fn,
				Type:  script.FrameInterpreted,
			}
		}
		return frames, nil
	}
}

func TestTreeAddAndStats(t *testing.T) {
	root := newNode()
	root.add([]string{"main", "train", "forward"})
	root.add([]string{"main", "train", "forward"})
	root.add([]string{"main", "train", "backward"})
	root.add([]string{"main"})

	stats := root.stats()
	byPath := make(map[string]FrameStat)
	for _, s := range stats {
		byPath[s.Path] = s
	}

	assert.Equal(t, uint64(4), byPath["main"].Inclusive)
	assert.Equal(t, uint64(1), byPath["main"].Exclusive)
	assert.Equal(t, uint64(3), byPath["main;train"].Inclusive)
	assert.Equal(t, uint64(0), byPath["main;train"].Exclusive)
	assert.Equal(t, uint64(2), byPath["main;train;forward"].Exclusive)
	assert.Equal(t, uint64(1), byPath["main;train;backward"].Exclusive)
}

func TestTreeFolded(t *testing.T) {
	root := newNode()
	root.add([]string{"a", "b"})
	root.add([]string{"a", "b"})
	root.add([]string{"a", "c"})

	assert.Equal(t, "a;b 2\na;c 1\n", root.folded())
}

func TestSamplerStartStop(t *testing.T) {
	// Capture depth-0 = deepest, so folding reverses to main;train;forward.
	s := New(fixedCapture("forward", "train", "main"), zerolog.Nop())

	require.NoError(t, s.SetOption("script.sampler.interval_ms", "1"))
	require.NoError(t, s.SetOption("script.sampler.enabled", "true"))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.SetOption("script.sampler.enabled", "false"))

	stats := s.Stats()
	require.NotEmpty(t, stats)
	byPath := make(map[string]FrameStat)
	for _, st := range stats {
		byPath[st.Path] = st
	}
	assert.Greater(t, byPath["main;train;forward"].Exclusive, uint64(0))

	// Frozen after stop.
	before := byPath["main;train;forward"].Exclusive
	time.Sleep(20 * time.Millisecond)
	stats = s.Stats()
	byPath = make(map[string]FrameStat)
	for _, st := range stats {
		byPath[st.Path] = st
	}
	assert.Equal(t, before, byPath["main;train;forward"].Exclusive)
}

func TestSamplerRestartClears(t *testing.T) {
	var n atomic.Int64
	capture := func() ([]script.Frame, error) {
		n.Add(1)
		return []script.Frame{{Func: "work", Type: script.FrameInterpreted}}, nil
	}
	s := New(capture, zerolog.Nop())
	require.NoError(t, s.SetOption("script.sampler.interval_ms", "1"))

	require.NoError(t, s.SetOption("script.sampler.enabled", "true"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.SetOption("script.sampler.enabled", "false"))
	require.NotEmpty(t, s.Stats())

	require.NoError(t, s.SetOption("script.sampler.enabled", "true"))
	require.NoError(t, s.SetOption("script.sampler.enabled", "false"))

	stats := s.Stats()
	var total uint64
	for _, st := range stats {
		total += st.Exclusive
	}
	// The restart cleared the first run's aggregation.
	assert.Less(t, total, uint64(10))
}

func TestSamplerNativeFilter(t *testing.T) {
	capture := func() ([]script.Frame, error) {
		return []script.Frame{
			{Func: "py_fn", Type: script.FrameInterpreted},
			{Func: "c_ext", Type: script.FrameNative},
		}, nil
	}
	s := New(capture, zerolog.Nop())
	s.sampleOnce()
	s.drain()
	folded := s.Folded()
	assert.Contains(t, folded, "py_fn")
	assert.NotContains(t, folded, "c_ext")

	require.NoError(t, s.SetOption("script.sampler.native", "true"))
	s.sampleOnce()
	assert.Contains(t, s.Folded(), "c_ext")
}

func TestSamplerInvalidOptions(t *testing.T) {
	s := New(fixedCapture("f"), zerolog.Nop())

	err := s.SetOption("script.sampler.interval_ms", "zero")
	require.Error(t, err)
	assert.Equal(t, proto.CatConflict, proto.CategoryOf(err))

	err = s.SetOption("script.sampler.enabled", "maybe")
	require.Error(t, err)
}

func TestFramesTable(t *testing.T) {
	s := New(fixedCapture("leaf", "root"), zerolog.Nop())
	s.sampleOnce()
	s.sampleOnce()

	tbl, _, ok := s.DataSource("script", "sampler_frames")
	require.True(t, ok)
	var page *proto.Page
	require.NoError(t, tbl.Pages(context.Background(), 0, func(p *proto.Page) error {
		page = p
		return nil
	}))
	require.NotNil(t, page)
	require.Equal(t, 2, page.Rows())
	assert.Equal(t, "root", page.Columns[0].Str[0])
	assert.Equal(t, uint64(2), page.Columns[2].Uint[0])
	assert.Equal(t, "root;leaf", page.Columns[0].Str[1])
	assert.Equal(t, uint64(2), page.Columns[1].Uint[1])
}

func TestFlamegraphCall(t *testing.T) {
	s := New(fixedCapture("leaf", "root"), zerolog.Nop())
	s.sampleOnce()

	require.True(t, s.Match("/flamegraph"))
	out, err := s.Call(context.Background(), "/flamegraph", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "root;leaf 1\n", string(out))
}

func TestPprofExport(t *testing.T) {
	s := New(fixedCapture("leaf", "mid", "root"), zerolog.Nop())
	for i := 0; i < 5; i++ {
		s.sampleOnce()
	}

	out, err := s.Call(context.Background(), "/flamegraph.pb", nil, nil)
	require.NoError(t, err)

	p, err := profile.Parse(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)
	assert.Equal(t, int64(5), p.Sample[0].Value[0])
	require.Len(t, p.Sample[0].Location, 3)
	// Innermost first in pprof location order.
	assert.Equal(t, "leaf", p.Sample[0].Location[0].Line[0].Function.Name)
}
