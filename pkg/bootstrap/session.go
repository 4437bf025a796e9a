// Package bootstrap runs the debug bootstrap sequence against a remote debug
// endpoint: connect, enable symbol demangling and semihosting, reset and
// halt, load the image, reset and halt again, and verify the loaded
// sections.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

// Session owns the connection to one endpoint and tracks where it is in the
// sequence.
type Session struct {
	Endpoint string
	// Demangle reports whether symbol names are shown demangled.
	Demangle bool
	// Semihosting reports whether the target accepted semihosting.
	Semihosting bool

	State     State
	Processor target.ProcessorState

	// Warnings collects non-fatal conditions.
	Warnings []string

	dialer target.Dialer
	opts   Options
	tgt    target.Target
}

// NewSession creates a disconnected session.
func NewSession(dialer target.Dialer, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		Endpoint: opts.Endpoint,
		State:    StateDisconnected,
		dialer:   dialer,
		opts:     opts,
	}
}

// Target returns the connected target, or nil.
func (s *Session) Target() target.Target { return s.tgt }

func (s *Session) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	glog.Warning(msg)
	s.Warnings = append(s.Warnings, msg)
}

func (s *Session) fail(step Step, err error) *StepError {
	se := stepError(step, err)
	if se.Kind == KindConnection || step == StepResetHalt || step == StepResetHaltAgain {
		s.Processor = target.StateUnknown
	}
	return se
}

func (s *Session) connected(step Step) error {
	if s.tgt == nil {
		return &StepError{Step: step, Kind: KindConnection, Err: errors.New("not connected")}
	}
	return nil
}

// Connect opens the transport. A session connects once; a second call
// without Close fails with a connection error.
func (s *Session) Connect(ctx context.Context) error {
	if s.tgt != nil {
		return &StepError{Step: StepConnect, Kind: KindConnection, Err: errors.New("already connected")}
	}
	tgt, err := s.dialer.Dial(ctx, s.Endpoint)
	if err != nil {
		s.Processor = target.StateUnknown
		return s.fail(StepConnect, err)
	}
	state, err := tgt.State(ctx)
	if err != nil {
		tgt.Close()
		s.Processor = target.StateUnknown
		return s.fail(StepConnect, fmt.Errorf("query stop reason: %w", err))
	}
	s.tgt = tgt
	s.Processor = state
	s.State = StateConnected
	glog.V(1).Infof("bootstrap: connected to %s, core %s", s.Endpoint, state)
	return nil
}

// EnableDemangle sets the presentation of symbol names. It never touches
// the target.
func (s *Session) EnableDemangle(on bool) error {
	if err := s.connected(StepDemangle); err != nil {
		return err
	}
	s.Demangle = on
	return nil
}

// SymbolName returns name in the presentation the session is set to.
func (s *Session) SymbolName(name string) string {
	if s.Demangle {
		return image.Demangle(name)
	}
	return name
}

// EnableSemihosting asks the target to service semihosting requests. When
// the target lacks the capability the step fails with KindUnsupported,
// unless the session tolerates unsupported features.
func (s *Session) EnableSemihosting(ctx context.Context) error {
	if err := s.connected(StepSemihosting); err != nil {
		return err
	}
	err := s.tgt.EnableSemihosting(ctx)
	if err != nil {
		se := s.fail(StepSemihosting, err)
		if se.Kind != KindUnsupported || !s.opts.TolerateUnsupported {
			return se
		}
		s.warnf("bootstrap: semihosting unavailable, continuing: %v", err)
	}
	s.Semihosting = err == nil
	s.State = StateSemihostingEnabled
	return nil
}

// ResetHalt resets the core and leaves it halted. Called after a load it
// is the second reset of the sequence.
func (s *Session) ResetHalt(ctx context.Context) error {
	step := StepResetHalt
	if s.State == StateLoaded {
		step = StepResetHaltAgain
	}
	if err := s.connected(step); err != nil {
		return err
	}
	if err := s.tgt.ResetHalt(ctx); err != nil {
		return s.fail(step, err)
	}
	s.Processor = target.StateHalted
	if step == StepResetHaltAgain {
		s.State = StateHaltedAgain
	} else {
		s.State = StateHalted
	}
	return nil
}

// Load writes every loadable section of img. The core must be halted.
func (s *Session) Load(ctx context.Context, img *image.Image) error {
	if err := s.connected(StepLoad); err != nil {
		return err
	}
	if s.Processor != target.StateHalted {
		return &StepError{Step: StepLoad, Kind: KindLoad, Err: fmt.Errorf("core is %s, not halted", s.Processor)}
	}
	if len(img.Sections) == 0 {
		return &StepError{Step: StepLoad, Kind: KindLoad, Err: image.ErrNoSections}
	}
	if err := s.tgt.Load(ctx, img.Sections, s.opts.Progress); err != nil {
		return s.fail(StepLoad, err)
	}
	s.State = StateLoaded
	return nil
}

// Verify compares each loaded section against target memory. only limits
// the comparison to the named sections. Mismatches are returned, not
// treated as failures: the session still reaches Verified.
func (s *Session) Verify(ctx context.Context, img *image.Image, only []string) ([]Mismatch, error) {
	if err := s.connected(StepCompare); err != nil {
		return nil, err
	}
	sections, err := selectSections(img, only)
	if err != nil {
		return nil, &StepError{Step: StepCompare, Kind: KindLoad, Err: err}
	}

	var mismatches []Mismatch
	for _, sec := range sections {
		m, ok, err := s.compare(ctx, sec)
		if err != nil {
			return nil, s.fail(StepCompare, fmt.Errorf("section %s: %w", sec.Name, err))
		}
		if !ok {
			s.warnf("bootstrap: mismatch: %s", m)
			mismatches = append(mismatches, m)
		}
	}
	s.State = StateVerified
	return mismatches, nil
}

func selectSections(img *image.Image, only []string) ([]image.Section, error) {
	if len(only) == 0 {
		return img.Sections, nil
	}
	var out []image.Section
	for _, name := range only {
		found := false
		for _, sec := range img.Sections {
			if sec.Name == name {
				out = append(out, sec)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no loadable section %q in %s", name, img.Path)
		}
	}
	return out, nil
}

// compare checks one section by CRC, falling back to a full read when the
// remote cannot compute one.
func (s *Session) compare(ctx context.Context, sec image.Section) (Mismatch, bool, error) {
	if len(sec.Data) == 0 {
		return Mismatch{}, true, nil
	}
	m := Mismatch{
		Section:   sec.Name,
		Addr:      sec.Addr,
		Length:    len(sec.Data),
		WantCRC:   rsp.CRC32(rsp.CRCInit, sec.Data),
		FirstDiff: -1,
	}
	got, err := s.tgt.SectionCRC(ctx, sec.Addr, uint32(len(sec.Data)))
	switch {
	case errors.Is(err, rsp.ErrUnsupported):
		mem, err := s.tgt.ReadMemory(ctx, sec.Addr, len(sec.Data))
		if err != nil {
			return m, false, err
		}
		m.GotCRC = rsp.CRC32(rsp.CRCInit, mem)
		m.FirstDiff = firstDiff(sec.Data, mem)
		return m, m.FirstDiff < 0, nil
	case err != nil:
		return m, false, err
	}
	m.GotCRC = got
	if got == m.WantCRC {
		return m, true, nil
	}
	if mem, err := s.tgt.ReadMemory(ctx, sec.Addr, len(sec.Data)); err == nil {
		m.FirstDiff = firstDiff(sec.Data, mem)
	}
	return m, false, nil
}

func firstDiff(want, got []byte) int {
	if bytes.Equal(want, got) {
		return -1
	}
	for i := range want {
		if i >= len(got) || want[i] != got[i] {
			return i
		}
	}
	return len(want)
}

// Close detaches from the target. A session that has not reached a
// terminal state returns to Disconnected.
func (s *Session) Close() error {
	if s.tgt == nil {
		return nil
	}
	err := s.tgt.Close()
	s.tgt = nil
	if s.State != StateAborted && s.State != StateVerified {
		s.State = StateDisconnected
	}
	return err
}

// Abort drops the connection without detaching. Used when the endpoint has
// stopped answering, so a detach would only wait out its own timeout.
func (s *Session) Abort() error {
	if s.tgt == nil {
		return nil
	}
	err := s.tgt.Abort()
	s.tgt = nil
	s.State = StateAborted
	s.Processor = target.StateUnknown
	return err
}
