package sampler

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/pprof/profile"

	"github.com/probing-io/probing/internal/proto"
)

// pprofProfile encodes the current aggregation as a pprof profile. Each
// leaf path becomes one sample whose location stack is the frame chain,
// innermost first as pprof expects.
func (s *Sampler) pprofProfile() ([]byte, error) {
	folded := s.Folded()

	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "wallclock", Unit: "nanoseconds"},
		Period:     int64(interval / time.Nanosecond),
		TimeNanos:  time.Now().UnixNano(),
	}

	funcs := make(map[string]*profile.Function)
	locs := make(map[string]*profile.Location)
	locationFor := func(name string) *profile.Location {
		if loc, ok := locs[name]; ok {
			return loc
		}
		fn, ok := funcs[name]
		if !ok {
			fn = &profile.Function{
				ID:   uint64(len(funcs) + 1),
				Name: name,
			}
			funcs[name] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(locs) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		locs[name] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, line := range strings.Split(folded, "\n") {
		if line == "" {
			continue
		}
		sp := strings.LastIndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		count := int64(0)
		for _, c := range line[sp+1:] {
			if c < '0' || c > '9' {
				count = -1
				break
			}
			count = count*10 + int64(c-'0')
		}
		if count <= 0 {
			continue
		}
		frames := strings.Split(line[:sp], ";")
		sample := &profile.Sample{Value: []int64{count}}
		for i := len(frames) - 1; i >= 0; i-- {
			sample.Location = append(sample.Location, locationFor(frames[i]))
		}
		p.Sample = append(p.Sample, sample)
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, proto.Errorf(proto.CatRuntimeFault, "encode profile: %v", err)
	}
	return buf.Bytes(), nil
}
