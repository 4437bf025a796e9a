package ringlog

import (
	"encoding/binary"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
)

// Symbols the firmware exports for the log ring.
const (
	CursorsSymbol = "LOG0_CURSORS"
	BufferSymbol  = "LOG0_BUFFER"

	FormatSection = ".fasthosting"
	TypeSection   = ".rodata"
)

// Layout locates the ring in target memory. The cursor block holds the
// target (write) cursor at +0 and the host (read) cursor at +4.
type Layout struct {
	Cursors uint32
	Buffer  uint32
	Size    int
}

// HostCursor returns the address of the host cursor word.
func (l Layout) HostCursor() uint32 { return l.Cursors + 4 }

// LayoutFromImage finds the ring symbols in img.
func LayoutFromImage(img *image.Image) (Layout, error) {
	cur, ok := img.Lookup(CursorsSymbol)
	if !ok {
		return Layout{}, fmt.Errorf("ringlog: missing %s symbol", CursorsSymbol)
	}
	buf, ok := img.Lookup(BufferSymbol)
	if !ok {
		return Layout{}, fmt.Errorf("ringlog: missing %s symbol", BufferSymbol)
	}
	if buf.Size < 2 {
		return Layout{}, fmt.Errorf("ringlog: %s has size %d", BufferSymbol, buf.Size)
	}
	return Layout{Cursors: cur.Addr, Buffer: buf.Addr, Size: int(buf.Size)}, nil
}

// BytesToRead is the number of unread bytes between the host and target
// cursors in a ring of size bytes.
func BytesToRead(host, target, size int) int {
	return (target - host + size) % size
}

// Poker is raw access to device memory, as the firmware sees it.
type Poker interface {
	Peek(addr uint32, n int) ([]byte, error)
	Poke(addr uint32, data []byte) error
}

// Writer is the producer side of the ring, used to emulate firmware.
type Writer struct {
	mem    Poker
	layout Layout
}

// NewWriter creates a producer for the ring described by layout.
func NewWriter(mem Poker, layout Layout) *Writer {
	return &Writer{mem: mem, layout: layout}
}

// Log writes one frame. Like the firmware, it drops the frame and returns
// false when the ring cannot hold the worst-case encoding.
func (w *Writer) Log(format, typ uint32, payload []byte) (bool, error) {
	raw, err := w.mem.Peek(w.layout.Cursors, 8)
	if err != nil {
		return false, err
	}
	target := int(binary.LittleEndian.Uint32(raw[0:]))
	host := int(binary.LittleEndian.Uint32(raw[4:]))
	size := w.layout.Size

	free := size - 1 - BytesToRead(host, target, size)
	if free < len(payload)+3*maxU32Len {
		return false, nil
	}

	frame := AppendFrame(nil, format, typ, payload)
	first := min(len(frame), size-target)
	if err := w.mem.Poke(w.layout.Buffer+uint32(target), frame[:first]); err != nil {
		return false, err
	}
	if first < len(frame) {
		if err := w.mem.Poke(w.layout.Buffer, frame[first:]); err != nil {
			return false, err
		}
	}

	var cur [4]byte
	binary.LittleEndian.PutUint32(cur[:], uint32((target+len(frame))%size))
	return true, w.mem.Poke(w.layout.Cursors, cur[:])
}
