// Package ringlog drains a deferred-formatting log ring buffer from target
// RAM. The firmware writes compact frames that refer to format and type
// strings by address; the host resolves them against the program image.
package ringlog

import "errors"

const continueBit = 1 << 7

// maxU32Len is the longest LEB128 encoding of a uint32.
const maxU32Len = 5

var (
	// ErrIncomplete means more bytes are needed to finish decoding.
	ErrIncomplete = errors.New("ringlog: incomplete LEB128 value")
	ErrOverflow   = errors.New("ringlog: LEB128 value overflows uint32")
)

// DecodeU32 decodes an unsigned LEB128 value, returning it and the number
// of bytes used.
func DecodeU32(b []byte) (uint32, int, error) {
	var v uint32
	for i, c := range b {
		if i == maxU32Len {
			return 0, 0, ErrOverflow
		}
		v |= uint32(c&^continueBit) << (7 * i)
		if c&continueBit == 0 {
			return v, i + 1, nil
		}
	}
	if len(b) >= maxU32Len {
		return 0, 0, ErrOverflow
	}
	return 0, 0, ErrIncomplete
}

// AppendU32 appends the LEB128 encoding of v.
func AppendU32(dst []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= continueBit
		}
		dst = append(dst, c)
		if v == 0 {
			return dst
		}
	}
}

// AppendFrame appends a complete frame: payload length, format string
// address, type string address, then the payload.
func AppendFrame(dst []byte, format, typ uint32, payload []byte) []byte {
	dst = AppendU32(dst, uint32(len(payload)))
	dst = AppendU32(dst, format)
	dst = AppendU32(dst, typ)
	return append(dst, payload...)
}
