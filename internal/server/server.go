package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
	"github.com/probing-io/probing/internal/query"
	"github.com/probing-io/probing/internal/script"
)

// Config tunes the command server.
type Config struct {
	// MaxRequestSize caps the declared payload size of incoming frames.
	MaxRequestSize uint32
	// MaxSessions bounds concurrently served connections.
	MaxSessions int
	// Auth controls request authentication.
	Auth AuthConfig
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxRequestSize: 5 * 1024 * 1024,
		MaxSessions:    64,
		Auth:           DefaultAuthConfig(),
	}
}

// Server accepts framed connections and routes requests to the query
// engine, the script bridge, and extension command handlers.
type Server struct {
	cfg      Config
	registry *extension.Registry
	engine   *query.Engine
	bridge   *script.Bridge
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}

	mu        sync.Mutex
	listeners []net.Listener
	unixPath  string
	conns     map[net.Conn]struct{}
}

// New builds a server over the given subsystems.
func New(registry *extension.Registry, engine *query.Engine, bridge *script.Bridge, cfg Config, logger zerolog.Logger) *Server {
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		bridge:   bridge,
		logger:   logger.With().Str("component", "command-server").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, cfg.MaxSessions),
		conns:    make(map[net.Conn]struct{}),
	}
}

// ListenUnix binds the per-process unix-domain endpoint and starts
// accepting.
func (s *Server) ListenUnix(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind unix endpoint %s: %w", path, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.unixPath = path
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info().Str("endpoint", path).Msg("listening")
	return nil
}

// ListenTCP binds an additional TCP endpoint and returns the bound
// address.
func (s *Server) ListenTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind tcp endpoint %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info().Stringer("endpoint", ln.Addr()).Msg("listening")
	return ln.Addr(), nil
}

// Close stops accepting, cancels in-flight work, and waits for sessions to
// drain.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	unixPath := s.unixPath
	s.mu.Unlock()
	s.wg.Wait()
	if unixPath != "" {
		_ = os.Remove(unixPath)
	}
	return nil
}

// acceptLoop is the single acceptor task for one listener.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serveConn(conn)
		}()
	}
}

// serveConn runs one session: a read loop feeding an execution worker.
// Cancel frames bypass the queue so they can reach in-flight requests.
func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	sess := newSession(conn, s.logger)
	sess.logger.Debug().Msg("session opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(sess.done)
		for req := range sess.reqCh {
			s.execute(sess, req)
		}
	}()

	for {
		frame, err := proto.ReadFrame(conn, s.cfg.MaxRequestSize)
		if err != nil {
			if pe, ok := err.(*proto.Error); ok {
				// Oversize frame: the payload was never read, so the
				// stream is no longer aligned. Report and drop the
				// connection.
				sess.sendError(frame.ReqID, pe)
			} else if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				sess.logger.Debug().Err(err).Msg("read failed")
			}
			break
		}
		req, err := proto.DecodeRequest(frame)
		if err != nil {
			sess.sendError(frame.ReqID, err)
			continue
		}
		if req.Path == "" {
			req.Path = proto.DefaultPath(req.Kind)
		}
		if req.Kind == proto.KindCancel {
			if sess.cancelRequest(req.CancelID) {
				_ = sess.send(proto.Frame{Kind: proto.KindOK, ReqID: req.ReqID})
			} else {
				sess.sendError(req.ReqID,
					proto.Errorf(proto.CatNotFound, "no in-flight request %d", req.CancelID))
			}
			continue
		}
		select {
		case sess.reqCh <- req:
		case <-s.ctx.Done():
			close(sess.reqCh)
			<-sess.done
			return
		}
	}
	close(sess.reqCh)
	sess.cancelAll()
	<-sess.done
	sess.logger.Debug().Msg("session closed")
}

// execute runs the middleware chain and router for one request.
func (s *Server) execute(sess *Session, req *proto.Request) {
	start := time.Now()
	ctx, finish := sess.track(s.ctx, req.ReqID)
	defer finish()

	err := s.authorize(req)
	if err == nil {
		err = s.route(ctx, sess, req)
	}

	outcome := "ok"
	if err != nil {
		outcome = proto.CategoryOf(err).String()
		sess.sendError(req.ReqID, err)
	}
	sess.logger.Info().
		Str("method", req.Kind.String()).
		Str("path", req.Path).
		Int("size", len(req.Body)).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("request")
}

func (s *Server) authorize(req *proto.Request) error {
	if s.cfg.Auth.Public(req.Path) {
		return nil
	}
	return s.cfg.Auth.Authenticate(req.Headers)
}
