package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

// Kind classifies a step failure.
type Kind int

const (
	// KindConnection is a transport that is unreachable or dropped.
	KindConnection Kind = iota + 1
	// KindUnsupported is a capability the target lacks.
	KindUnsupported
	// KindLoad is an image write that failed or is incomplete.
	KindLoad
	// KindMismatch is target memory that differs from the image after a
	// load. It is reported, never fatal.
	KindMismatch
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindUnsupported:
		return "UnsupportedFeature"
	case KindLoad:
		return "LoadError"
	case KindMismatch:
		return "MismatchError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is on any *StepError or *MismatchError.
var (
	ErrConnection  = errors.New("bootstrap: connection error")
	ErrUnsupported = errors.New("bootstrap: unsupported feature")
	ErrLoad        = errors.New("bootstrap: load error")
	ErrMismatch    = errors.New("bootstrap: section mismatch")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindUnsupported:
		return ErrUnsupported
	case KindLoad:
		return ErrLoad
	case KindMismatch:
		return ErrMismatch
	}
	return nil
}

// Fatal reports whether a failure of this kind aborts the sequence.
func (k Kind) Fatal() bool {
	return k != KindMismatch
}

// StepError is a failure of one bootstrap step.
type StepError struct {
	Step Step
	Kind Kind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap: step %d (%s): %s: %v", int(e.Step), e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *StepError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// Mismatch describes one section whose target contents differ from the
// image.
type Mismatch struct {
	Section string
	Addr    uint32
	Length  int
	WantCRC uint32
	GotCRC  uint32
	// FirstDiff is the offset of the first differing byte, or -1 when the
	// memory could not be read back.
	FirstDiff int
}

func (m Mismatch) String() string {
	s := fmt.Sprintf("%s at 0x%08x (%d bytes): crc 0x%08x, want 0x%08x", m.Section, m.Addr, m.Length, m.GotCRC, m.WantCRC)
	if m.FirstDiff >= 0 {
		s += fmt.Sprintf(", first difference at 0x%08x", m.Addr+uint32(m.FirstDiff))
	}
	return s
}

// MismatchError lists every mismatched section.
type MismatchError struct {
	Sections []Mismatch
}

func (e *MismatchError) Error() string {
	names := make([]string, len(e.Sections))
	for i, m := range e.Sections {
		names[i] = m.Section
	}
	return fmt.Sprintf("bootstrap: %d section(s) differ from the image: %s", len(e.Sections), strings.Join(names, ", "))
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// isTransport reports whether err comes from the connection itself rather
// than from a reply of the remote.
func isTransport(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// classify picks the kind for a failure of step.
func classify(step Step, err error) Kind {
	switch step {
	case StepConnect:
		return KindConnection
	case StepLoad:
		return KindLoad
	}
	if isTransport(err) {
		return KindConnection
	}
	if errors.Is(err, target.ErrUnsupported) || errors.Is(err, rsp.ErrUnsupported) {
		return KindUnsupported
	}
	var er *rsp.ErrorReply
	if errors.As(err, &er) || errors.Is(err, target.ErrNotHalted) {
		// The remote answered but could not do what was asked.
		return KindUnsupported
	}
	return KindConnection
}

func stepError(step Step, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Step: step, Kind: classify(step, err), Err: err}
}
