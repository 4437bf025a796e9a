package ringlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
)

// Memory is the debug access the drainer needs.
type Memory interface {
	ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error)
	WriteWord(ctx context.Context, addr, value uint32) error
}

// ErrCorruptCursor reports a cursor outside the ring.
var ErrCorruptCursor = errors.New("ringlog: cursor outside buffer")

// Frame is a resolved log entry.
type Frame struct {
	Format  string
	Type    string
	Payload []byte
	Packet  Packet
}

// Text substitutes the decoded payload into the first {} of the format
// string, falling back to hex bytes for types it cannot decode.
func (f Frame) Text() string {
	value, ok := decodeValue(f.Type, f.Payload)
	if !ok {
		value = fmt.Sprintf("%x", f.Payload)
	}
	if strings.Contains(f.Format, "{}") {
		return strings.Replace(f.Format, "{}", value, 1)
	}
	return f.Format + " " + value
}

func decodeValue(typ string, b []byte) (string, bool) {
	le := binary.LittleEndian
	switch {
	case typ == "bool" && len(b) == 1:
		return fmt.Sprint(b[0] != 0), true
	case typ == "u8" && len(b) == 1:
		return fmt.Sprint(b[0]), true
	case typ == "i8" && len(b) == 1:
		return fmt.Sprint(int8(b[0])), true
	case typ == "u16" && len(b) == 2:
		return fmt.Sprint(le.Uint16(b)), true
	case typ == "i16" && len(b) == 2:
		return fmt.Sprint(int16(le.Uint16(b))), true
	case (typ == "u32" || typ == "usize") && len(b) == 4:
		return fmt.Sprint(le.Uint32(b)), true
	case (typ == "i32" || typ == "isize") && len(b) == 4:
		return fmt.Sprint(int32(le.Uint32(b))), true
	case typ == "u64" && len(b) == 8:
		return fmt.Sprint(le.Uint64(b)), true
	case typ == "i64" && len(b) == 8:
		return fmt.Sprint(int64(le.Uint64(b))), true
	case typ == "f32" && len(b) == 4:
		return fmt.Sprint(math.Float32frombits(le.Uint32(b))), true
	case typ == "f64" && len(b) == 8:
		return fmt.Sprint(math.Float64frombits(le.Uint64(b))), true
	}
	return "", false
}

// Drainer reads new frames out of the target ring.
type Drainer struct {
	mem     Memory
	layout  Layout
	formats map[uint32]string
	types   map[uint32]string
	parser  *Parser
}

// NewDrainer prepares a drainer for the ring described in img.
func NewDrainer(mem Memory, img *image.Image) (*Drainer, error) {
	layout, err := LayoutFromImage(img)
	if err != nil {
		return nil, err
	}
	return &Drainer{
		mem:     mem,
		layout:  layout,
		formats: img.Strings(FormatSection),
		types:   img.Strings(TypeSection),
		parser:  NewParser(),
	}, nil
}

// Layout returns the ring location.
func (d *Drainer) Layout() Layout { return d.layout }

// Poll performs one read pass: it copies every unread byte, advances the
// host cursor and returns the frames completed so far.
func (d *Drainer) Poll(ctx context.Context) ([]Frame, error) {
	raw, err := d.mem.ReadMemory(ctx, d.layout.Cursors, 8)
	if err != nil {
		return nil, fmt.Errorf("ringlog: read cursors: %w", err)
	}
	target := int(binary.LittleEndian.Uint32(raw[0:]))
	host := int(binary.LittleEndian.Uint32(raw[4:]))
	size := d.layout.Size
	if target >= size || host >= size {
		return nil, fmt.Errorf("%w: target=%d host=%d size=%d", ErrCorruptCursor, target, host, size)
	}

	n := BytesToRead(host, target, size)
	if n > 0 {
		first := min(n, size-host)
		data, err := d.mem.ReadMemory(ctx, d.layout.Buffer+uint32(host), first)
		if err != nil {
			return nil, fmt.Errorf("ringlog: read buffer: %w", err)
		}
		if first < n {
			wrapped, err := d.mem.ReadMemory(ctx, d.layout.Buffer, n-first)
			if err != nil {
				return nil, fmt.Errorf("ringlog: read buffer: %w", err)
			}
			data = append(data, wrapped...)
		}
		if err := d.mem.WriteWord(ctx, d.layout.HostCursor(), uint32((host+n)%size)); err != nil {
			return nil, fmt.Errorf("ringlog: write host cursor: %w", err)
		}
		glog.V(2).Infof("ringlog: drained %d bytes (host %d -> %d)", n, host, (host+n)%size)
		d.parser.Push(data)
	}

	var frames []Frame
	for {
		pkt, ok := d.parser.Next()
		if !ok {
			return frames, nil
		}
		frames = append(frames, d.resolve(pkt))
	}
}

func (d *Drainer) resolve(pkt Packet) Frame {
	f := Frame{Payload: pkt.Payload, Packet: pkt}
	var ok bool
	if f.Format, ok = d.formats[pkt.Format]; !ok {
		f.Format = fmt.Sprintf("<format 0x%08x not found>", pkt.Format)
	}
	if f.Type, ok = d.types[pkt.Type]; !ok {
		f.Type = fmt.Sprintf("<type 0x%08x not found>", pkt.Type)
	}
	return f
}

// Run polls every interval and hands frames to fn until ctx is done.
func (d *Drainer) Run(ctx context.Context, interval time.Duration, fn func(Frame)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		frames, err := d.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, f := range frames {
			fn(f)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
