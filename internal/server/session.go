package server

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/probing-io/probing/internal/proto"
)

// Session is the per-connection state: ordered request execution, in-flight
// cancellation, and serialized frame writes. A session executes its
// requests one at a time, so response frames for a request id are never
// interleaved with frames of another request.
type Session struct {
	ID     string
	conn   net.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint32]context.CancelFunc

	reqCh chan *proto.Request
	done  chan struct{}
}

func newSession(conn net.Conn, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		conn:     conn,
		logger:   logger.With().Str("session", id[:8]).Logger(),
		inflight: make(map[uint32]context.CancelFunc),
		reqCh:    make(chan *proto.Request, 16),
		done:     make(chan struct{}),
	}
}

// send writes one frame, serialized against concurrent writers.
func (s *Session) send(f proto.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return proto.WriteFrame(s.conn, f)
}

// sendError reports a request failure.
func (s *Session) sendError(reqID uint32, err error) {
	pe, ok := err.(*proto.Error)
	if !ok {
		pe = proto.Errorf(proto.CategoryOf(err), "%v", err)
	}
	if sendErr := s.send(proto.Frame{
		Kind:    proto.KindError,
		ReqID:   reqID,
		Payload: proto.EncodeError(pe),
	}); sendErr != nil {
		s.logger.Debug().Err(sendErr).Msg("failed to send error frame")
	}
}

// track registers an in-flight request and returns its context.
func (s *Session) track(parent context.Context, reqID uint32) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.inflight[reqID] = cancel
	s.mu.Unlock()
	return ctx, func() {
		cancel()
		s.mu.Lock()
		delete(s.inflight, reqID)
		s.mu.Unlock()
	}
}

// cancelRequest cancels one in-flight request by id.
func (s *Session) cancelRequest(reqID uint32) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[reqID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// cancelAll cancels every in-flight request; called on session close.
func (s *Session) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inflight {
		cancel()
	}
}
