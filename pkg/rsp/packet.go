package rsp

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	packetStart = '$'
	packetEnd   = '#'
	escapeByte  = '}'
	repeatByte  = '*'
	ackByte     = '+'
	nackByte    = '-'

	// escapeXOR is applied to bytes following the escape marker.
	escapeXOR = 0x20

	// rleBias is subtracted from the repeat count character.
	rleBias = 29
)

// ErrChecksum is returned when a received packet fails checksum validation.
var ErrChecksum = errors.New("rsp: checksum mismatch")

// Checksum returns the modulo-256 sum of the payload bytes.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// Frame wraps payload as $payload#cs. The payload must already be escaped
// where it carries binary data.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, packetStart)
	out = append(out, payload...)
	out = append(out, packetEnd)
	out = append(out, fmt.Sprintf("%02x", Checksum(payload))...)
	return out
}

// Escape encodes binary data for X and vFlashWrite packets.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case packetStart, packetEnd, escapeByte, repeatByte:
			out = append(out, escapeByte, b^escapeXOR)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != escapeByte {
			out = append(out, data[i])
			continue
		}
		i++
		if i >= len(data) {
			return nil, fmt.Errorf("rsp: dangling escape at offset %d", i-1)
		}
		out = append(out, data[i]^escapeXOR)
	}
	return out, nil
}

// ExpandRLE expands run-length encoded reply data. A repeat marker repeats
// the preceding character (or escape pair) count-29 more times.
func ExpandRLE(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	var last []byte
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case escapeByte:
			if i+1 >= len(data) {
				return nil, fmt.Errorf("rsp: dangling escape at offset %d", i)
			}
			last = data[i : i+2]
			out = append(out, last...)
			i++
		case repeatByte:
			if last == nil || i+1 >= len(data) {
				return nil, fmt.Errorf("rsp: malformed run-length at offset %d", i)
			}
			n := int(data[i+1]) - rleBias
			if n < 0 {
				return nil, fmt.Errorf("rsp: invalid repeat count %q", data[i+1])
			}
			for j := 0; j < n; j++ {
				out = append(out, last...)
			}
			i++
		default:
			last = data[i : i+1]
			out = append(out, data[i])
		}
	}
	return out, nil
}

// readPacket reads one packet from r, skipping stray ack bytes and noise
// before the start marker. It returns the raw payload between $ and #.
func readPacket(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == packetStart {
			break
		}
	}

	payload, err := r.ReadBytes(packetEnd)
	if err != nil {
		return nil, err
	}
	payload = payload[:len(payload)-1]

	var cs [2]byte
	for i := range cs {
		if cs[i], err = r.ReadByte(); err != nil {
			return nil, err
		}
	}
	want, err := hex.DecodeString(string(cs[:]))
	if err != nil {
		return nil, fmt.Errorf("rsp: invalid checksum digits %q", cs[:])
	}
	if Checksum(payload) != want[0] {
		return payload, ErrChecksum
	}
	return payload, nil
}

// ErrorReply is an "E NN" reply from the remote side.
type ErrorReply struct {
	Code uint8
}

func (e *ErrorReply) Error() string {
	return fmt.Sprintf("rsp: remote error E%02X", e.Code)
}

// ErrUnsupported is returned when the remote answers with the empty reply,
// meaning it does not recognise the packet.
var ErrUnsupported = errors.New("rsp: unsupported packet")

// parseReplyError classifies error and empty replies. It returns nil for any
// other reply.
func parseReplyError(reply []byte) error {
	if len(reply) == 0 {
		return ErrUnsupported
	}
	if len(reply) == 3 && reply[0] == 'E' {
		code, err := hex.DecodeString(string(reply[1:]))
		if err == nil {
			return &ErrorReply{Code: code[0]}
		}
	}
	return nil
}

func expectOK(reply []byte) error {
	if err := parseReplyError(reply); err != nil {
		return err
	}
	if string(reply) != "OK" {
		return fmt.Errorf("rsp: unexpected reply %q", truncate(reply))
	}
	return nil
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
