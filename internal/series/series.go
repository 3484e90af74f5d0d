package series

import (
	"sync"

	"github.com/probing-io/probing/internal/proto"
)

// Options tunes a series.
type Options struct {
	// MaxChunkRows seals the head chunk at this row count.
	MaxChunkRows int
	// MaxChunks bounds the number of sealed chunks kept. Zero disables.
	MaxChunks int
	// MaxBytes bounds the total encoded size of sealed chunks. Zero
	// disables. When both bounds are set, both must hold.
	MaxBytes int64
}

// DefaultOptions matches the original store tuning.
func DefaultOptions() Options {
	return Options{MaxChunkRows: 10000, MaxChunks: 64}
}

type sealedChunk struct {
	firstTS int64
	lastTS  int64
	rows    int
	data    []byte
}

// Series is an ordered sequence of (timestamp, value) entries partitioned
// into compressed sealed chunks plus one mutable head. Sealed chunks are
// never mutated.
type Series struct {
	mu        sync.Mutex
	opts      Options
	sealed    []sealedChunk
	head      []Point
	highWater int64
	hasData   bool
}

// New creates an empty series.
func New(opts Options) *Series {
	if opts.MaxChunkRows <= 0 {
		opts.MaxChunkRows = DefaultOptions().MaxChunkRows
	}
	return &Series{opts: opts}
}

// Append adds one entry. Timestamps must be monotonic non-decreasing;
// appending below the high-water mark fails with Conflict.
func (s *Series) Append(ts int64, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasData && ts < s.highWater {
		return proto.Errorf(proto.CatConflict,
			"timestamp %d below series high-water mark %d", ts, s.highWater)
	}
	s.head = append(s.head, Point{TS: ts, Value: value})
	s.highWater = ts
	s.hasData = true
	if len(s.head) >= s.opts.MaxChunkRows {
		s.sealHeadLocked()
	}
	return nil
}

// sealHeadLocked compresses the head into a sealed chunk and applies
// retention. Caller holds s.mu.
func (s *Series) sealHeadLocked() {
	if len(s.head) == 0 {
		return
	}
	chunk := sealedChunk{
		firstTS: s.head[0].TS,
		lastTS:  s.head[len(s.head)-1].TS,
		rows:    len(s.head),
		data:    encodeChunk(s.head),
	}
	s.sealed = append(s.sealed, chunk)
	s.head = nil

	for s.overRetentionLocked() {
		s.sealed = s.sealed[1:]
	}
}

func (s *Series) overRetentionLocked() bool {
	if len(s.sealed) == 0 {
		return false
	}
	if s.opts.MaxChunks > 0 && len(s.sealed) > s.opts.MaxChunks {
		return true
	}
	if s.opts.MaxBytes > 0 {
		var total int64
		for _, c := range s.sealed {
			total += int64(len(c.data))
		}
		if total > s.opts.MaxBytes {
			return true
		}
	}
	return false
}

// Read returns the entries with since <= ts <= until, sealed chunks first
// in order, ending with the head. A zero until means no upper bound.
func (s *Series) Read(since, until int64) ([]Point, error) {
	s.mu.Lock()
	sealed := make([]sealedChunk, len(s.sealed))
	copy(sealed, s.sealed)
	head := make([]Point, len(s.head))
	copy(head, s.head)
	s.mu.Unlock()

	var out []Point
	for _, c := range sealed {
		if c.lastTS < since || (until != 0 && c.firstTS > until) {
			continue
		}
		points, err := decodeChunk(c.data)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			if p.TS >= since && (until == 0 || p.TS <= until) {
				out = append(out, p)
			}
		}
	}
	for _, p := range head {
		if p.TS >= since && (until == 0 || p.TS <= until) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Len returns the total entry count across sealed chunks and head.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.head)
	for _, c := range s.sealed {
		n += c.rows
	}
	return n
}

// SealedChunks returns the sealed chunk count.
func (s *Series) SealedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sealed)
}

// EncodedBytes returns the total compressed size of sealed chunks.
func (s *Series) EncodedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, c := range s.sealed {
		total += int64(len(c.data))
	}
	return total
}
