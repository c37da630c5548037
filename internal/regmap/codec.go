package regmap

import (
	"encoding/binary"
	"math"
)

// DecodePoints decodes every declared point from the given block buffers
// (block name → raw bytes, 2 per register). A point whose buffer is missing,
// too short, or otherwise unreadable is simply absent from the result:
// decode failures never abort the frame.
func (m *Map) DecodePoints(buffers map[string][]byte) map[string]float64 {
	out := make(map[string]float64, len(m.points))
	for name, p := range m.points {
		buf, ok := buffers[p.block.Name]
		if !ok {
			continue
		}
		byteIndex := int(p.Addr-p.block.Start) * 2
		if byteIndex < 0 || byteIndex+p.width*2 > len(buf) {
			continue
		}
		v, ok := decodeScalar(p, buf[byteIndex:byteIndex+p.width*2])
		if !ok {
			continue
		}
		out[name] = v*p.Scale + p.Offset
	}
	return out
}

// decodeScalar reads the raw (unscaled) value of a point from its slice of
// the block buffer. Returns ok=false for non-finite float32 payloads.
func decodeScalar(p *Point, b []byte) (float64, bool) {
	switch p.Type {
	case TypeU16:
		return float64(readU16(b, p.ByteOrder)), true
	case TypeI16:
		return float64(int16(readU16(b, p.ByteOrder))), true
	case TypeU32:
		return float64(readU32(b, p.ByteOrder, p.WordOrder)), true
	case TypeI32:
		return float64(int32(readU32(b, p.ByteOrder, p.WordOrder))), true
	case TypeFloat32:
		f := math.Float32frombits(readU32(b, p.ByteOrder, p.WordOrder))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, false
		}
		return float64(f), true
	}
	return 0, false
}

func readU16(b []byte, byteOrder string) uint16 {
	if byteOrder == ByteOrderLE {
		return binary.LittleEndian.Uint16(b)
	}
	return binary.BigEndian.Uint16(b)
}

// readU32 assembles two consecutive registers into one 32-bit quantity.
// CDAB swaps the two words first; the byte order is then applied to the
// whole 4-byte value.
func readU32(b []byte, byteOrder, wordOrder string) uint32 {
	var quad [4]byte
	if wordOrder == WordOrderCDAB {
		copy(quad[0:2], b[2:4])
		copy(quad[2:4], b[0:2])
	} else {
		copy(quad[:], b[0:4])
	}
	if byteOrder == ByteOrderLE {
		return binary.LittleEndian.Uint32(quad[:])
	}
	return binary.BigEndian.Uint32(quad[:])
}

// encodeWords is the inverse of decodeScalar: it renders a raw 32- or 16-bit
// quantity into register words, honoring the point's byte and word order.
// The words round-trip through DecodePoints bit-exactly.
func encodeWords(p *Point, raw uint32) []uint16 {
	if p.width == 1 {
		var pair [2]byte
		if p.ByteOrder == ByteOrderLE {
			binary.LittleEndian.PutUint16(pair[:], uint16(raw))
		} else {
			binary.BigEndian.PutUint16(pair[:], uint16(raw))
		}
		return []uint16{binary.BigEndian.Uint16(pair[:])}
	}

	var quad [4]byte
	if p.ByteOrder == ByteOrderLE {
		binary.LittleEndian.PutUint32(quad[:], raw)
	} else {
		binary.BigEndian.PutUint32(quad[:], raw)
	}
	if p.WordOrder == WordOrderCDAB {
		quad[0], quad[1], quad[2], quad[3] = quad[2], quad[3], quad[0], quad[1]
	}
	return []uint16{
		binary.BigEndian.Uint16(quad[0:2]),
		binary.BigEndian.Uint16(quad[2:4]),
	}
}
