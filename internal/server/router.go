package server

import (
	"context"
	"strings"

	"github.com/probing-io/probing/internal/proto"
)

// route dispatches one authenticated request.
func (s *Server) route(ctx context.Context, sess *Session, req *proto.Request) error {
	switch req.Kind {
	case proto.KindQuery:
		return s.handleQuery(ctx, sess, req)
	case proto.KindEval:
		return s.handleEval(ctx, sess, req)
	case proto.KindBacktrace:
		return s.handleBacktrace(ctx, sess, req)
	case proto.KindConfig, proto.KindInject:
		return s.handleConfig(sess, req)
	case proto.KindCall:
		return s.handleCall(ctx, sess, req)
	default:
		return proto.Errorf(proto.CatBadRequest, "unknown request kind %s", req.Kind)
	}
}

// frameSink adapts a session to the query engine's result stream.
type frameSink struct {
	sess  *Session
	reqID uint32
}

func (f *frameSink) Schema(schema proto.Schema) error {
	return f.sess.send(proto.Frame{
		Kind:    proto.KindSchema,
		ReqID:   f.reqID,
		Payload: proto.EncodeSchema(schema),
	})
}

func (f *frameSink) Page(p *proto.Page) error {
	return f.sess.send(proto.Frame{
		Kind:    proto.KindPage,
		ReqID:   f.reqID,
		Payload: proto.EncodePage(p),
	})
}

func (s *Server) handleQuery(ctx context.Context, sess *Session, req *proto.Request) error {
	sink := &frameSink{sess: sess, reqID: req.ReqID}
	if err := s.engine.Execute(ctx, req.Query, sink); err != nil {
		return err
	}
	return sess.send(proto.Frame{Kind: proto.KindEnd, ReqID: req.ReqID})
}

func (s *Server) handleEval(ctx context.Context, sess *Session, req *proto.Request) error {
	out, err := s.bridge.Eval(ctx, req.Code)
	if err != nil {
		return err
	}
	if !req.CaptureOutput {
		out = nil
	}
	return sess.send(proto.Frame{Kind: proto.KindBytes, ReqID: req.ReqID, Payload: out})
}

func (s *Server) handleBacktrace(ctx context.Context, sess *Session, req *proto.Request) error {
	tid := int64(0)
	if req.HasTID {
		tid = req.TID
	}
	schema, page, err := s.bridge.BacktracePage(ctx, tid)
	if err != nil {
		return err
	}
	if err := sess.send(proto.Frame{
		Kind:    proto.KindSchema,
		ReqID:   req.ReqID,
		Payload: proto.EncodeSchema(schema),
	}); err != nil {
		return err
	}
	if err := sess.send(proto.Frame{
		Kind:    proto.KindPage,
		ReqID:   req.ReqID,
		Payload: proto.EncodePage(page),
	}); err != nil {
		return err
	}
	return sess.send(proto.Frame{Kind: proto.KindEnd, ReqID: req.ReqID})
}

// handleConfig applies option sets, then lists matching options when a
// pattern was supplied. KindInject shares the handler: re-injection into a
// live agent reduces to an option update.
func (s *Server) handleConfig(sess *Session, req *proto.Request) error {
	for _, kv := range req.Sets {
		if _, err := s.registry.SetOption(kv.Key, kv.Value); err != nil {
			return err
		}
	}
	if req.ListPat == "" {
		return sess.send(proto.Frame{Kind: proto.KindOK, ReqID: req.ReqID})
	}

	schema := proto.Schema{Fields: []proto.Field{
		{Name: "name", Type: proto.TypeStr},
		{Name: "value", Type: proto.TypeStr},
		{Name: "extension", Type: proto.TypeStr},
		{Name: "description", Type: proto.TypeStr},
	}}
	page := &proto.Page{Columns: []*proto.Column{
		proto.NewColumn(proto.TypeStr),
		proto.NewColumn(proto.TypeStr),
		proto.NewColumn(proto.TypeStr),
		proto.NewColumn(proto.TypeStr),
	}}
	for _, info := range s.registry.ListOptions() {
		if !likeMatch(req.ListPat, info.Key) {
			continue
		}
		_ = page.Columns[0].Append(proto.StrValue(info.Key))
		_ = page.Columns[1].Append(proto.StrValue(info.Value))
		_ = page.Columns[2].Append(proto.StrValue(info.Extension))
		_ = page.Columns[3].Append(proto.StrValue(info.Help))
	}
	if err := sess.send(proto.Frame{
		Kind:    proto.KindSchema,
		ReqID:   req.ReqID,
		Payload: proto.EncodeSchema(schema),
	}); err != nil {
		return err
	}
	if err := sess.send(proto.Frame{
		Kind:    proto.KindPage,
		ReqID:   req.ReqID,
		Payload: proto.EncodePage(page),
	}); err != nil {
		return err
	}
	return sess.send(proto.Frame{Kind: proto.KindEnd, ReqID: req.ReqID})
}

func (s *Server) handleCall(ctx context.Context, sess *Session, req *proto.Request) error {
	out, err := s.registry.DispatchCall(ctx, req.Path, req.Params, req.Body)
	if err != nil {
		return err
	}
	return sess.send(proto.Frame{Kind: proto.KindBytes, ReqID: req.ReqID, Payload: out})
}

// likeMatch implements SQL LIKE semantics with % wildcards, the pattern
// form the config listing accepts.
func likeMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
