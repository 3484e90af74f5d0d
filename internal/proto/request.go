package proto

import (
	"bytes"
	"sort"
)

// Request is the decoded form of a client frame. Path and Headers form the
// common envelope every request carries; the remaining fields depend on the
// kind. Middleware (size, logging, auth) operates on the envelope without
// looking at kind-specific fields.
type Request struct {
	Kind    Kind
	ReqID   uint32
	Path    string
	Headers map[string]string

	// KindQuery
	Query string

	// KindEval
	Code          string
	CaptureOutput bool

	// KindBacktrace
	TID    int64
	HasTID bool

	// KindConfig / KindInject
	Sets    []KV
	ListPat string

	// KindCall
	Params map[string]string
	Body   []byte

	// KindCancel
	CancelID uint32
}

// KV is an ordered option pair.
type KV struct {
	Key   string
	Value string
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeRequest serializes a request into a frame payload.
func EncodeRequest(req *Request) []byte {
	var b bytes.Buffer
	writeStr(&b, req.Path)
	writeStrMap(&b, req.Headers, sortedKeys(req.Headers))
	switch req.Kind {
	case KindQuery:
		writeStr(&b, req.Query)
	case KindEval:
		writeStr(&b, req.Code)
		if req.CaptureOutput {
			writeU8(&b, 1)
		} else {
			writeU8(&b, 0)
		}
	case KindBacktrace:
		if req.HasTID {
			writeU8(&b, 1)
			writeI64(&b, req.TID)
		} else {
			writeU8(&b, 0)
		}
	case KindConfig, KindInject:
		writeU32(&b, uint32(len(req.Sets)))
		for _, kv := range req.Sets {
			writeStr(&b, kv.Key)
			writeStr(&b, kv.Value)
		}
		writeStr(&b, req.ListPat)
	case KindCall:
		writeStrMap(&b, req.Params, sortedKeys(req.Params))
		writeBytes(&b, req.Body)
	case KindCancel:
		writeU32(&b, req.CancelID)
	}
	return b.Bytes()
}

// DecodeRequest parses a frame into a request.
func DecodeRequest(f Frame) (*Request, error) {
	if !f.Kind.IsRequest() {
		return nil, Errorf(CatBadRequest, "frame kind %s is not a request", f.Kind)
	}
	r := &reader{buf: f.Payload}
	req := &Request{Kind: f.Kind, ReqID: f.ReqID}
	var err error
	if req.Path, err = r.str(); err != nil {
		return nil, Errorf(CatBadRequest, "malformed request path: %v", err)
	}
	if req.Headers, _, err = r.strMap(); err != nil {
		return nil, Errorf(CatBadRequest, "malformed request headers: %v", err)
	}
	switch f.Kind {
	case KindQuery:
		if req.Query, err = r.str(); err != nil {
			return nil, Errorf(CatBadRequest, "malformed query: %v", err)
		}
	case KindEval:
		if req.Code, err = r.str(); err != nil {
			return nil, Errorf(CatBadRequest, "malformed eval code: %v", err)
		}
		flag, err := r.u8()
		if err != nil {
			return nil, Errorf(CatBadRequest, "malformed eval options: %v", err)
		}
		req.CaptureOutput = flag != 0
	case KindBacktrace:
		flag, err := r.u8()
		if err != nil {
			return nil, Errorf(CatBadRequest, "malformed backtrace request: %v", err)
		}
		if flag != 0 {
			req.HasTID = true
			if req.TID, err = r.i64(); err != nil {
				return nil, Errorf(CatBadRequest, "malformed backtrace tid: %v", err)
			}
		}
	case KindConfig, KindInject:
		n, err := r.u32()
		if err != nil {
			return nil, Errorf(CatBadRequest, "malformed config request: %v", err)
		}
		req.Sets = make([]KV, 0, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.str()
			if err != nil {
				return nil, Errorf(CatBadRequest, "malformed config key: %v", err)
			}
			v, err := r.str()
			if err != nil {
				return nil, Errorf(CatBadRequest, "malformed config value: %v", err)
			}
			req.Sets = append(req.Sets, KV{Key: k, Value: v})
		}
		if req.ListPat, err = r.str(); err != nil {
			return nil, Errorf(CatBadRequest, "malformed config list pattern: %v", err)
		}
	case KindCall:
		if req.Params, _, err = r.strMap(); err != nil {
			return nil, Errorf(CatBadRequest, "malformed call params: %v", err)
		}
		if req.Body, err = r.bytes(); err != nil {
			return nil, Errorf(CatBadRequest, "malformed call body: %v", err)
		}
	case KindCancel:
		if req.CancelID, err = r.u32(); err != nil {
			return nil, Errorf(CatBadRequest, "malformed cancel request: %v", err)
		}
	}
	return req, nil
}

// DefaultPath returns the canonical path for a request kind, used when the
// client leaves Path empty.
func DefaultPath(k Kind) string {
	switch k {
	case KindQuery:
		return "/query"
	case KindEval:
		return "/eval"
	case KindBacktrace:
		return "/apis/backtrace"
	case KindConfig:
		return "/config"
	case KindInject:
		return "/inject"
	case KindCancel:
		return "/cancel"
	}
	return "/"
}
