package ringlog

import "errors"

// Packet is one decoded frame before string resolution.
type Packet struct {
	Format  uint32
	Type    uint32
	Payload []byte
}

// Parser reassembles frames from bytes arriving in arbitrary pieces.
type Parser struct {
	buf []byte

	// header fields decoded so far: length, format, type
	header [3]uint32
	have   int
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Push appends bytes read from the ring.
func (p *Parser) Push(data []byte) {
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of bytes not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Next returns the next complete packet. A malformed header byte is
// skipped so the parser can resynchronise.
func (p *Parser) Next() (Packet, bool) {
	for p.have < len(p.header) {
		v, n, err := DecodeU32(p.buf)
		if errors.Is(err, ErrOverflow) {
			p.buf = p.buf[1:]
			continue
		}
		if err != nil {
			return Packet{}, false
		}
		p.header[p.have] = v
		p.have++
		p.buf = p.buf[n:]
	}

	size := int(p.header[0])
	if len(p.buf) < size {
		return Packet{}, false
	}
	pkt := Packet{
		Format:  p.header[1],
		Type:    p.header[2],
		Payload: append([]byte(nil), p.buf[:size]...),
	}
	p.buf = p.buf[size:]
	p.have = 0
	return pkt, true
}
