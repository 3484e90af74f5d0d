package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Wire primitives: big-endian fixed integers, u32-length-prefixed strings
// and byte blobs, 1-byte tagged unions. All payloads are built from these.

func writeU8(b *bytes.Buffer, v uint8)   { b.WriteByte(v) }
func writeU32(b *bytes.Buffer, v uint32) { _ = binary.Write(b, binary.BigEndian, v) }
func writeU64(b *bytes.Buffer, v uint64) { _ = binary.Write(b, binary.BigEndian, v) }
func writeI64(b *bytes.Buffer, v int64)  { writeU64(b, uint64(v)) }
func writeF64(b *bytes.Buffer, v float64) {
	writeU64(b, math.Float64bits(v))
}

func writeStr(b *bytes.Buffer, s string) {
	writeU32(b, uint32(len(s)))
	b.WriteString(s)
}

func writeBytes(b *bytes.Buffer, p []byte) {
	writeU32(b, uint32(len(p)))
	b.Write(p)
}

func writeStrMap(b *bytes.Buffer, m map[string]string, order []string) {
	writeU32(b, uint32(len(order)))
	for _, k := range order {
		writeStr(b, k)
		writeStr(b, m[k])
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remain() int { return len(r.buf) - r.off }

func (r *reader) u8() (uint8, error) {
	if r.remain() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remain() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remain() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) f64() (float64, error) {
	v, err := r.u64()
	return math.Float64frombits(v), err
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint32(r.remain()) < n {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint32(r.remain()) < n {
		return nil, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return nil, nil
	}
	p := make([]byte, n)
	copy(p, r.buf[r.off:])
	r.off += int(n)
	return p, nil
}

func (r *reader) strMap() (map[string]string, []string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, nil
	}
	m := make(map[string]string, n)
	order := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, nil, err
		}
		v, err := r.str()
		if err != nil {
			return nil, nil, err
		}
		m[k] = v
		order = append(order, k)
	}
	return m, order, nil
}

// encodeColumn writes a column header (type tag, element count) followed by
// the packed elements at the declared width.
func encodeColumn(b *bytes.Buffer, c *Column) {
	writeU8(b, uint8(c.Type))
	writeU32(b, uint32(c.Len()))
	switch c.Type {
	case TypeBool:
		for _, v := range c.Bool {
			if v {
				b.WriteByte(1)
			} else {
				b.WriteByte(0)
			}
		}
	case TypeI8:
		for _, v := range c.Int {
			b.WriteByte(uint8(int8(v)))
		}
	case TypeI16:
		for _, v := range c.Int {
			_ = binary.Write(b, binary.BigEndian, int16(v))
		}
	case TypeI32:
		for _, v := range c.Int {
			_ = binary.Write(b, binary.BigEndian, int32(v))
		}
	case TypeI64, TypeTimestamp:
		for _, v := range c.Int {
			writeI64(b, v)
		}
	case TypeU8:
		for _, v := range c.Uint {
			b.WriteByte(uint8(v))
		}
	case TypeU16:
		for _, v := range c.Uint {
			_ = binary.Write(b, binary.BigEndian, uint16(v))
		}
	case TypeU32:
		for _, v := range c.Uint {
			writeU32(b, uint32(v))
		}
	case TypeU64:
		for _, v := range c.Uint {
			writeU64(b, v)
		}
	case TypeF32:
		for _, v := range c.Float {
			writeU32(b, math.Float32bits(float32(v)))
		}
	case TypeF64:
		for _, v := range c.Float {
			writeF64(b, v)
		}
	case TypeStr:
		for _, v := range c.Str {
			writeStr(b, v)
		}
	case TypeBytes:
		for _, v := range c.Bytes {
			writeBytes(b, v)
		}
	}
}

func decodeColumn(r *reader) (*Column, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	c := NewColumn(ElementType(tag))
	for i := uint32(0); i < n; i++ {
		switch c.Type {
		case TypeBool:
			v, err := r.u8()
			if err != nil {
				return nil, err
			}
			c.Bool = append(c.Bool, v != 0)
		case TypeI8:
			v, err := r.u8()
			if err != nil {
				return nil, err
			}
			c.Int = append(c.Int, int64(int8(v)))
		case TypeI16:
			if r.remain() < 2 {
				return nil, io.ErrUnexpectedEOF
			}
			v := int16(binary.BigEndian.Uint16(r.buf[r.off:]))
			r.off += 2
			c.Int = append(c.Int, int64(v))
		case TypeI32:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			c.Int = append(c.Int, int64(int32(v)))
		case TypeI64, TypeTimestamp:
			v, err := r.i64()
			if err != nil {
				return nil, err
			}
			c.Int = append(c.Int, v)
		case TypeU8:
			v, err := r.u8()
			if err != nil {
				return nil, err
			}
			c.Uint = append(c.Uint, uint64(v))
		case TypeU16:
			if r.remain() < 2 {
				return nil, io.ErrUnexpectedEOF
			}
			v := binary.BigEndian.Uint16(r.buf[r.off:])
			r.off += 2
			c.Uint = append(c.Uint, uint64(v))
		case TypeU32:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			c.Uint = append(c.Uint, uint64(v))
		case TypeU64:
			v, err := r.u64()
			if err != nil {
				return nil, err
			}
			c.Uint = append(c.Uint, v)
		case TypeF32:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			c.Float = append(c.Float, float64(math.Float32frombits(v)))
		case TypeF64:
			v, err := r.f64()
			if err != nil {
				return nil, err
			}
			c.Float = append(c.Float, v)
		case TypeStr:
			v, err := r.str()
			if err != nil {
				return nil, err
			}
			c.Str = append(c.Str, v)
		case TypeBytes:
			v, err := r.bytes()
			if err != nil {
				return nil, err
			}
			c.Bytes = append(c.Bytes, v)
		default:
			return nil, fmt.Errorf("unknown element type tag %d", tag)
		}
	}
	return c, nil
}

// EncodePage serializes a page: column count followed by each column.
func EncodePage(p *Page) []byte {
	var b bytes.Buffer
	writeU32(&b, uint32(len(p.Columns)))
	for _, c := range p.Columns {
		encodeColumn(&b, c)
	}
	return b.Bytes()
}

// DecodePage parses a serialized page.
func DecodePage(data []byte) (*Page, error) {
	r := &reader{buf: data}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	p := &Page{Columns: make([]*Column, 0, n)}
	for i := uint32(0); i < n; i++ {
		c, err := decodeColumn(r)
		if err != nil {
			return nil, err
		}
		p.Columns = append(p.Columns, c)
	}
	return p, nil
}

// EncodeSchema serializes a schema descriptor.
func EncodeSchema(s Schema) []byte {
	var b bytes.Buffer
	writeU32(&b, uint32(len(s.Fields)))
	for _, f := range s.Fields {
		writeStr(&b, f.Name)
		writeU8(&b, uint8(f.Type))
	}
	return b.Bytes()
}

// DecodeSchema parses a serialized schema descriptor.
func DecodeSchema(data []byte) (Schema, error) {
	r := &reader{buf: data}
	n, err := r.u32()
	if err != nil {
		return Schema{}, err
	}
	s := Schema{Fields: make([]Field, 0, n)}
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return Schema{}, err
		}
		tag, err := r.u8()
		if err != nil {
			return Schema{}, err
		}
		s.Fields = append(s.Fields, Field{Name: name, Type: ElementType(tag)})
	}
	return s, nil
}
