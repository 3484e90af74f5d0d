// Package series implements the append-only columnar time-series store:
// one mutable head chunk per series, sealed chunks compressed with a
// delta + s2 codec, and a retention bound over sealed chunks.
package series

import (
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/s2"

	"github.com/probing-io/probing/internal/proto"
)

// Point is one series entry.
type Point struct {
	TS    int64 // unix nanoseconds
	Value float64
}

// encodeChunk packs points as zigzag-varint timestamp deltas followed by
// XOR-delta value bits, then compresses the stream with s2.
func encodeChunk(points []Point) []byte {
	raw := make([]byte, 0, len(points)*10)
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(points)))
	raw = append(raw, tmp[:n]...)

	var prevTS int64
	var prevBits uint64
	for i, p := range points {
		var dts int64
		if i == 0 {
			dts = p.TS
		} else {
			dts = p.TS - prevTS
		}
		n = binary.PutVarint(tmp[:], dts)
		raw = append(raw, tmp[:n]...)
		prevTS = p.TS

		bits := math.Float64bits(p.Value)
		n = binary.PutUvarint(tmp[:], bits^prevBits)
		raw = append(raw, tmp[:n]...)
		prevBits = bits
	}
	return s2.Encode(nil, raw)
}

// decodeChunk reverses encodeChunk.
func decodeChunk(data []byte) ([]Point, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, proto.Errorf(proto.CatRuntimeFault, "chunk decompression failed: %v", err)
	}
	count, off := binary.Uvarint(raw)
	if off <= 0 {
		return nil, proto.Errorf(proto.CatRuntimeFault, "chunk header truncated")
	}
	points := make([]Point, 0, count)
	var prevTS int64
	var prevBits uint64
	for i := uint64(0); i < count; i++ {
		dts, n := binary.Varint(raw[off:])
		if n <= 0 {
			return nil, proto.Errorf(proto.CatRuntimeFault, "chunk timestamp truncated at %d", i)
		}
		off += n
		xbits, n := binary.Uvarint(raw[off:])
		if n <= 0 {
			return nil, proto.Errorf(proto.CatRuntimeFault, "chunk value truncated at %d", i)
		}
		off += n

		ts := prevTS + dts
		bits := prevBits ^ xbits
		points = append(points, Point{TS: ts, Value: math.Float64frombits(bits)})
		prevTS = ts
		prevBits = bits
	}
	return points, nil
}
