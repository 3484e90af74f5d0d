package script

import (
	"context"
	"runtime"
	"strconv"
	"strings"

	"github.com/probing-io/probing/internal/proto"
)

// GoRuntime is the reference Interpreter implementation backed by the Go
// runtime itself: threads are goroutines, stacks come from runtime.Stack.
// It ships for standalone operation and tests; embedding hosts substitute
// their own implementation of the contract.
type GoRuntime struct{}

// NewGoRuntime returns the Go-runtime interpreter.
func NewGoRuntime() *GoRuntime { return &GoRuntime{} }

// MainThread implements Interpreter. Goroutine 1 runs main.
func (g *GoRuntime) MainThread() int64 { return 1 }

// Threads implements Interpreter.
func (g *GoRuntime) Threads() ([]int64, error) {
	stacks := captureAll()
	tids := make([]int64, 0, len(stacks))
	for tid := range stacks {
		tids = append(tids, tid)
	}
	return tids, nil
}

// Backtrace implements Interpreter. Locals are not recoverable from the Go
// runtime, so withLocals is ignored.
func (g *GoRuntime) Backtrace(tid int64, withLocals bool) ([]Frame, error) {
	stacks := captureAll()
	frames, ok := stacks[tid]
	if !ok {
		return nil, proto.Errorf(proto.CatNotFound, "no goroutine %d", tid)
	}
	return frames, nil
}

// Eval implements Interpreter. The Go runtime cannot evaluate source text.
func (g *GoRuntime) Eval(ctx context.Context, code string) ([]byte, error) {
	return nil, proto.Errorf(proto.CatUnsupported, "go runtime host does not evaluate code")
}

// SetTraceHook implements Interpreter. The Go runtime has no line-level
// trace notifications.
func (g *GoRuntime) SetTraceHook(hook Hook) error {
	if hook == nil {
		return nil
	}
	return proto.Errorf(proto.CatUnsupported, "go runtime host has no trace hooks")
}

// captureAll snapshots every goroutine stack, keyed by goroutine id.
func captureAll() map[int64][]Frame {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}
	return parseStacks(string(buf))
}

// parseStacks parses runtime.Stack output. Each goroutine block starts
// with "goroutine N [state]:" followed by pairs of function and
// "\tfile:line" lines, deepest frame first.
func parseStacks(dump string) map[int64][]Frame {
	out := make(map[int64][]Frame)
	for _, block := range strings.Split(dump, "\n\n") {
		lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
		if len(lines) == 0 || !strings.HasPrefix(lines[0], "goroutine ") {
			continue
		}
		header := strings.TrimPrefix(lines[0], "goroutine ")
		sp := strings.IndexByte(header, ' ')
		if sp < 0 {
			continue
		}
		tid, err := strconv.ParseInt(header[:sp], 10, 64)
		if err != nil {
			continue
		}
		var frames []Frame
		depth := int64(0)
		for i := 1; i+1 < len(lines); i += 2 {
			fn := lines[i]
			loc := strings.TrimSpace(lines[i+1])
			if idx := strings.LastIndexByte(fn, '('); idx > 0 {
				fn = fn[:idx]
			}
			file, lineno, ip := parseLocation(loc)
			frames = append(frames, Frame{
				TID:    tid,
				Depth:  depth,
				Func:   fn,
				File:   file,
				Lineno: lineno,
				Type:   FrameNative,
				IP:     ip,
			})
			depth++
		}
		out[tid] = frames
	}
	return out
}

// parseLocation splits "file.go:123 +0x45" into its parts.
func parseLocation(loc string) (file string, lineno int64, ip uint64) {
	if idx := strings.Index(loc, " +0x"); idx >= 0 {
		ip, _ = strconv.ParseUint(loc[idx+4:], 16, 64)
		loc = loc[:idx]
	}
	if idx := strings.LastIndexByte(loc, ':'); idx >= 0 {
		lineno, _ = strconv.ParseInt(loc[idx+1:], 10, 64)
		file = loc[:idx]
	} else {
		file = loc
	}
	return file, lineno, ip
}
