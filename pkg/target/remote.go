package target

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
)

// OpenOCD monitor commands.
const (
	cmdSemihosting = "arm semihosting enable"
	cmdResetHalt   = "reset halt"
	cmdResume      = "resume"
	cmdHalt        = "halt"
)

// Console output that means the monitor did not understand the command.
var unsupportedMarkers = []string{"invalid command", "not supported", "unknown"}

// Remote is a Target reached over the remote serial protocol, speaking the
// OpenOCD monitor dialect.
type Remote struct {
	c     *rsp.Client
	state ProcessorState

	regions    []Region
	regionsSet bool
}

// NewRemote wraps a connected client.
func NewRemote(c *rsp.Client) *Remote {
	return &Remote{c: c}
}

// Client returns the underlying protocol client.
func (r *Remote) Client() *rsp.Client { return r.c }

func (r *Remote) Monitor(ctx context.Context, cmd string) (string, error) {
	out, err := r.c.Monitor(ctx, cmd)
	if out != "" {
		glog.V(1).Infof("target: monitor %q: %s", cmd, strings.TrimSpace(out))
	}
	return out, err
}

// EnableSemihosting turns on semihosting. A rejected command or console
// output naming the command as unknown is reported as ErrUnsupported.
func (r *Remote) EnableSemihosting(ctx context.Context) error {
	out, err := r.Monitor(ctx, cmdSemihosting)
	if err != nil {
		var er *rsp.ErrorReply
		if errors.As(err, &er) || errors.Is(err, rsp.ErrUnsupported) {
			return fmt.Errorf("%w: semihosting: %v", ErrUnsupported, err)
		}
		return err
	}
	lower := strings.ToLower(out)
	for _, m := range unsupportedMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: semihosting: %s", ErrUnsupported, strings.TrimSpace(out))
		}
	}
	return nil
}

// ResetHalt resets the core and confirms it stopped.
func (r *Remote) ResetHalt(ctx context.Context) error {
	if _, err := r.Monitor(ctx, cmdResetHalt); err != nil {
		r.state = StateUnknown
		return err
	}
	state, err := r.State(ctx)
	if err != nil {
		return err
	}
	if state != StateHalted {
		return ErrNotHalted
	}
	return nil
}

// State queries the stop reason. S and T replies mean halted, OK means the
// core is running, anything else is unknown.
func (r *Remote) State(ctx context.Context) (ProcessorState, error) {
	reason, err := r.c.HaltReason(ctx)
	if err != nil {
		r.state = StateUnknown
		return r.state, err
	}
	switch {
	case strings.HasPrefix(reason, "S"), strings.HasPrefix(reason, "T"):
		r.state = StateHalted
	case reason == "OK":
		r.state = StateRunning
	default:
		r.state = StateUnknown
	}
	return r.state, nil
}

// MemoryMap returns the remote memory map. A remote without one yields a
// nil slice and no error. The map is fetched once per connection.
func (r *Remote) MemoryMap(ctx context.Context) ([]Region, error) {
	if r.regionsSet {
		return r.regions, nil
	}
	doc, err := r.c.MemoryMap(ctx)
	if errors.Is(err, rsp.ErrUnsupported) {
		r.regionsSet = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	regions, err := ParseMemoryMap(doc)
	if err != nil {
		return nil, err
	}
	r.regions, r.regionsSet = regions, true
	return regions, nil
}

func (r *Remote) chunkSize() int {
	return max(r.c.PacketSize()/2, 256)
}

// Load erases the flash blocks the image touches, programs flash sections,
// then writes RAM sections.
func (r *Remote) Load(ctx context.Context, sections []image.Section, progress func(LoadProgress)) error {
	regions, err := r.MemoryMap(ctx)
	if err != nil {
		return fmt.Errorf("target: memory map: %w", err)
	}
	plan, err := PlanLoad(sections, regions)
	if err != nil {
		return err
	}

	total := 0
	for _, w := range plan {
		total += len(w.Section.Data)
	}

	spans := EraseSpans(plan)
	for _, s := range spans {
		glog.V(1).Infof("target: erase 0x%08x+0x%x", s.Addr, s.Length)
		if err := r.c.FlashErase(ctx, s.Addr, s.Length); err != nil {
			return fmt.Errorf("target: erase 0x%08x: %w", s.Addr, err)
		}
	}

	written := 0
	write := func(w Write) error {
		data := w.Section.Data
		chunk := r.chunkSize()
		for off := 0; off < len(data); off += chunk {
			part := data[off:min(off+chunk, len(data))]
			addr := w.Section.Addr + uint32(off)
			var err error
			if w.Flash {
				err = r.c.FlashWrite(ctx, addr, part)
			} else {
				err = r.c.WriteMemory(ctx, addr, part)
			}
			if err != nil {
				return fmt.Errorf("target: write %s at 0x%08x: %w", w.Section.Name, addr, err)
			}
			written += len(part)
			if progress != nil {
				progress(LoadProgress{Section: w.Section.Name, Addr: addr, Written: written, Total: total})
			}
		}
		return nil
	}

	for _, w := range plan {
		if !w.Flash {
			continue
		}
		if err := write(w); err != nil {
			return err
		}
	}
	if len(spans) > 0 {
		if err := r.c.FlashDone(ctx); err != nil {
			return fmt.Errorf("target: flash commit: %w", err)
		}
	}
	for _, w := range plan {
		if w.Flash {
			continue
		}
		if err := write(w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) SectionCRC(ctx context.Context, addr, length uint32) (uint32, error) {
	return r.c.CRC(ctx, addr, length)
}

func (r *Remote) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	return r.c.ReadMemory(ctx, addr, n)
}

// ReadWord reads a little-endian 32-bit word.
func (r *Remote) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	b, err := r.c.ReadMemory(ctx, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteWord writes a little-endian 32-bit word.
func (r *Remote) WriteWord(ctx context.Context, addr, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return r.c.WriteMemory(ctx, addr, b[:])
}

// InsertBreakpoint sets a hardware breakpoint on a Thumb instruction.
func (r *Remote) InsertBreakpoint(ctx context.Context, addr uint32) error {
	return r.c.InsertBreakpoint(ctx, rsp.HardwareBreakpoint, addr, 2)
}

func (r *Remote) Resume(ctx context.Context) error {
	if _, err := r.Monitor(ctx, cmdResume); err != nil {
		return err
	}
	r.state = StateRunning
	return nil
}

// Halt stops the core and confirms it.
func (r *Remote) Halt(ctx context.Context) error {
	if _, err := r.Monitor(ctx, cmdHalt); err != nil {
		return err
	}
	state, err := r.State(ctx)
	if err != nil {
		return err
	}
	if state != StateHalted {
		return ErrNotHalted
	}
	return nil
}

// Close detaches, leaving the target in its current state, and closes the
// connection.
func (r *Remote) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), rsp.DefaultDialTimeout)
	defer cancel()
	derr := r.c.Detach(ctx)
	cerr := r.c.Close()
	if derr != nil {
		return derr
	}
	return cerr
}

// Abort closes the connection without sending a detach.
func (r *Remote) Abort() error {
	r.state = StateUnknown
	return r.c.Close()
}

// RemoteDialer dials remote serial protocol endpoints.
type RemoteDialer struct {
	Options rsp.Options
}

func (d RemoteDialer) Dial(ctx context.Context, endpoint string) (Target, error) {
	c, err := rsp.Dial(ctx, endpoint, d.Options)
	if err != nil {
		return nil, err
	}
	return NewRemote(c), nil
}
