// Package target drives a debug target through a remote debug endpoint, and
// provides an in-memory simulated device for running without hardware.
package target

import (
	"context"
	"errors"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
)

// ProcessorState is the execution state of the target core.
type ProcessorState uint8

const (
	StateUnknown ProcessorState = iota
	StateRunning
	StateHalted
)

func (s ProcessorState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// LoadProgress reports bytes written so far during Load.
type LoadProgress struct {
	Section string
	Addr    uint32
	Written int // bytes of the whole image
	Total   int
}

// Target abstracts a connected debug target.
type Target interface {
	// Monitor runs a debugger-specific command and returns its output.
	Monitor(ctx context.Context, cmd string) (string, error)
	EnableSemihosting(ctx context.Context) error
	// ResetHalt resets the core and leaves it halted at the reset vector.
	ResetHalt(ctx context.Context) error
	State(ctx context.Context) (ProcessorState, error)
	MemoryMap(ctx context.Context) ([]Region, error)
	Load(ctx context.Context, sections []image.Section, progress func(LoadProgress)) error
	// SectionCRC computes the CRC of target memory, in the form returned
	// by rsp.CRC32.
	SectionCRC(ctx context.Context, addr, length uint32) (uint32, error)
	ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error)
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	WriteWord(ctx context.Context, addr, value uint32) error
	InsertBreakpoint(ctx context.Context, addr uint32) error
	Resume(ctx context.Context) error
	// Halt stops the core where it is.
	Halt(ctx context.Context) error
	Close() error
	// Abort drops the connection without detaching, for transports that
	// have stopped answering.
	Abort() error
}

// Dialer opens a Target at an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Target, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Target, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Target, error) {
	return f(ctx, endpoint)
}

var (
	// ErrUnsupported reports a capability the target firmware or hardware
	// lacks.
	ErrUnsupported = errors.New("target: unsupported feature")
	// ErrOutOfRange reports a section that does not fit any writable
	// memory region.
	ErrOutOfRange = errors.New("target: section outside target memory")
	ErrNotHalted  = errors.New("target: core did not halt")
)
