// Package client implements the framed-protocol client side used by the
// CLI and by re-injection option updates.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/probing-io/probing/internal/proto"
)

// Result is a complete tabular response.
type Result struct {
	Schema proto.Schema
	Pages  []*proto.Page
}

// Rows returns the total row count.
func (r *Result) Rows() int {
	n := 0
	for _, p := range r.Pages {
		n += p.Rows()
	}
	return n
}

// Row returns row i as tagged values, crossing page boundaries.
func (r *Result) Row(i int) []proto.Value {
	for _, p := range r.Pages {
		if i < p.Rows() {
			row := make([]proto.Value, len(p.Columns))
			for col, c := range p.Columns {
				row[col] = c.Value(i)
			}
			return row
		}
		i -= p.Rows()
	}
	return nil
}

// Client is one connection to an agent command endpoint.
type Client struct {
	conn    net.Conn
	nextID  uint32
	headers map[string]string
}

// Dial connects to an endpoint. The address is a unix socket path, or
// host:port when network is "tcp".
func Dial(network, addr string) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, proto.Errorf(proto.CatTargetUnreachable, "dial %s: %v", addr, err)
	}
	return &Client{conn: conn, headers: make(map[string]string)}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// SetBearerToken attaches bearer credentials to every request.
func (c *Client) SetBearerToken(token string) {
	c.headers["Authorization"] = "Bearer " + token
}

// SetHeader attaches an arbitrary header to every request.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *Client) send(req *proto.Request) (uint32, error) {
	c.nextID++
	req.ReqID = c.nextID
	if len(c.headers) > 0 && req.Headers == nil {
		req.Headers = make(map[string]string, len(c.headers))
	}
	for k, v := range c.headers {
		req.Headers[k] = v
	}
	err := proto.WriteFrame(c.conn, proto.Frame{
		Kind:    req.Kind,
		ReqID:   req.ReqID,
		Payload: proto.EncodeRequest(req),
	})
	return req.ReqID, err
}

func (c *Client) recv(reqID uint32) (proto.Frame, error) {
	f, err := proto.ReadFrame(c.conn, 0)
	if err != nil {
		return proto.Frame{}, proto.Errorf(proto.CatTargetUnreachable, "read response: %v", err)
	}
	if f.ReqID != reqID {
		return proto.Frame{}, proto.Errorf(proto.CatInternal,
			"response for request %d while waiting for %d", f.ReqID, reqID)
	}
	return f, nil
}

// readTabular collects schema + pages until the end frame.
func (c *Client) readTabular(reqID uint32) (*Result, error) {
	res := &Result{}
	for {
		f, err := c.recv(reqID)
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case proto.KindSchema:
			s, err := proto.DecodeSchema(f.Payload)
			if err != nil {
				return nil, err
			}
			res.Schema = s
		case proto.KindPage:
			p, err := proto.DecodePage(f.Payload)
			if err != nil {
				return nil, err
			}
			res.Pages = append(res.Pages, p)
		case proto.KindEnd:
			return res, nil
		case proto.KindError:
			return nil, decodeErr(f)
		default:
			return nil, proto.Errorf(proto.CatInternal, "unexpected frame kind %s", f.Kind)
		}
	}
}

func decodeErr(f proto.Frame) error {
	e, err := proto.DecodeError(f.Payload)
	if err != nil {
		return proto.Errorf(proto.CatInternal, "undecodable error frame")
	}
	return e
}

// Query executes a SQL statement.
func (c *Client) Query(sql string) (*Result, error) {
	reqID, err := c.send(&proto.Request{Kind: proto.KindQuery, Query: sql})
	if err != nil {
		return nil, err
	}
	return c.readTabular(reqID)
}

// Eval runs a code snippet in the target interpreter and returns its
// captured output.
func (c *Client) Eval(code string) ([]byte, error) {
	reqID, err := c.send(&proto.Request{Kind: proto.KindEval, Code: code, CaptureOutput: true})
	if err != nil {
		return nil, err
	}
	f, err := c.recv(reqID)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case proto.KindBytes:
		return f.Payload, nil
	case proto.KindError:
		return nil, decodeErr(f)
	}
	return nil, proto.Errorf(proto.CatInternal, "unexpected frame kind %s", f.Kind)
}

// Backtrace captures the stack of one thread; tid 0 means the main
// thread.
func (c *Client) Backtrace(tid int64) (*Result, error) {
	req := &proto.Request{Kind: proto.KindBacktrace}
	if tid != 0 {
		req.TID = tid
		req.HasTID = true
	}
	reqID, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return c.readTabular(reqID)
}

// Config sets options and lists those matching pattern (empty pattern
// lists nothing).
func (c *Client) Config(sets []proto.KV, pattern string) (*Result, error) {
	reqID, err := c.send(&proto.Request{Kind: proto.KindConfig, Sets: sets, ListPat: pattern})
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		f, err := c.recv(reqID)
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case proto.KindOK:
			return &Result{}, nil
		case proto.KindError:
			return nil, decodeErr(f)
		}
		return nil, proto.Errorf(proto.CatInternal, "unexpected frame kind %s", f.Kind)
	}
	return c.readTabular(reqID)
}

// Inject updates options on an already-injected agent.
func (c *Client) Inject(sets []proto.KV) error {
	reqID, err := c.send(&proto.Request{Kind: proto.KindInject, Sets: sets})
	if err != nil {
		return err
	}
	f, err := c.recv(reqID)
	if err != nil {
		return err
	}
	switch f.Kind {
	case proto.KindOK:
		return nil
	case proto.KindError:
		return decodeErr(f)
	}
	return proto.Errorf(proto.CatInternal, "unexpected frame kind %s", f.Kind)
}

// Call invokes an extension command path.
func (c *Client) Call(path string, params map[string]string, body []byte) ([]byte, error) {
	reqID, err := c.send(&proto.Request{
		Kind:   proto.KindCall,
		Path:   path,
		Params: params,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	f, err := c.recv(reqID)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case proto.KindBytes:
		return f.Payload, nil
	case proto.KindError:
		return nil, decodeErr(f)
	}
	return nil, proto.Errorf(proto.CatInternal, "unexpected frame kind %s", f.Kind)
}

// Cancel asks the server to cancel an in-flight request on this session.
func (c *Client) Cancel(reqID uint32) error {
	id, err := c.send(&proto.Request{Kind: proto.KindCancel, CancelID: reqID})
	if err != nil {
		return err
	}
	f, err := c.recv(id)
	if err != nil {
		return err
	}
	if f.Kind == proto.KindError {
		return decodeErr(f)
	}
	return nil
}

// Endpoint formats the display form of the remote address.
func (c *Client) Endpoint() string {
	return fmt.Sprintf("%s://%s", c.conn.RemoteAddr().Network(), c.conn.RemoteAddr())
}
