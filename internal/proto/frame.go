package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags a frame.
type Kind uint8

const (
	KindQuery Kind = iota + 1
	KindEval
	KindBacktrace
	KindConfig
	KindInject
	KindCall
	KindCancel
)

// Response kinds occupy a separate range from request kinds.
const (
	KindSchema Kind = iota + 0x40
	KindPage
	KindBytes
	KindOK
	KindError
	KindEnd
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindEval:
		return "eval"
	case KindBacktrace:
		return "backtrace"
	case KindConfig:
		return "config"
	case KindInject:
		return "inject"
	case KindCall:
		return "call"
	case KindCancel:
		return "cancel"
	case KindSchema:
		return "schema"
	case KindPage:
		return "page"
	case KindBytes:
		return "bytes"
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	case KindEnd:
		return "end"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsRequest reports whether the kind is a client-originated request.
func (k Kind) IsRequest() bool { return k >= KindQuery && k <= KindCancel }

// Frame is the unit of the wire protocol: a 4-byte big-endian payload
// length, a 1-byte kind tag, a 4-byte big-endian request id, then the
// payload.
type Frame struct {
	Kind    Kind
	ReqID   uint32
	Payload []byte
}

const frameHeaderSize = 9

// WriteFrame serializes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(f.Payload)))
	hdr[4] = uint8(f.Kind)
	binary.BigEndian.PutUint32(hdr[5:9], f.ReqID)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame from r. The declared payload length is checked
// against maxPayload before the payload buffer is allocated; a zero
// maxPayload means no limit.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	f := Frame{
		Kind:  Kind(hdr[4]),
		ReqID: binary.BigEndian.Uint32(hdr[5:9]),
	}
	if maxPayload > 0 && size > maxPayload {
		return f, Errorf(CatBadRequest, "frame payload %d exceeds limit %d", size, maxPayload)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// EncodeError serializes an error payload: category tag + UTF-8 message.
func EncodeError(e *Error) []byte {
	var b bytes.Buffer
	writeU8(&b, uint8(e.Category))
	writeStr(&b, e.Message)
	return b.Bytes()
}

// DecodeError parses an error payload.
func DecodeError(data []byte) (*Error, error) {
	r := &reader{buf: data}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	msg, err := r.str()
	if err != nil {
		return nil, err
	}
	return &Error{Category: Category(tag), Message: msg}, nil
}
