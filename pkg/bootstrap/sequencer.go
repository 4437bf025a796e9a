package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/cpuid"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

// Sequencer runs the bootstrap steps in order against one endpoint.
type Sequencer struct {
	img  *image.Image
	opts Options
	sess *Session
}

// NewSequencer prepares a run of img over connections made by dialer.
func NewSequencer(dialer target.Dialer, img *image.Image, opts Options) *Sequencer {
	opts = opts.withDefaults()
	return &Sequencer{
		img:  img,
		opts: opts,
		sess: NewSession(dialer, opts),
	}
}

// Session returns the session driven by the sequencer. With
// Options.KeepOpen it is still connected after a successful Run.
func (q *Sequencer) Session() *Session { return q.sess }

type step struct {
	id  Step
	run func(ctx context.Context) error
}

// Run executes the sequence. The first fatal error aborts the run: the
// report records the failed step and the error is returned. Section
// mismatches do not abort; they are listed in the report and Run returns
// nil with Report.OK false.
func (q *Sequencer) Run(ctx context.Context) (*Report, error) {
	s := q.sess
	rep := &Report{Endpoint: q.opts.Endpoint}
	if q.img != nil {
		rep.Image = q.img.Path
		rep.Bytes = q.img.Size()
	}
	defer func() {
		rep.State, rep.Processor = s.State, s.Processor
		rep.Warnings = append(rep.Warnings, s.Warnings...)
	}()

	steps := []step{
		{StepConnect, s.Connect},
		{StepDemangle, func(context.Context) error { return s.EnableDemangle(q.opts.Demangle) }},
		{StepSemihosting, s.EnableSemihosting},
		{StepResetHalt, func(ctx context.Context) error {
			if err := s.ResetHalt(ctx); err != nil {
				return err
			}
			q.identify(ctx, rep)
			return nil
		}},
		{StepLoad, func(ctx context.Context) error {
			if q.img == nil {
				return &StepError{Step: StepLoad, Kind: KindLoad, Err: errors.New("no image")}
			}
			return s.Load(ctx, q.img)
		}},
		{StepResetHaltAgain, s.ResetHalt},
		{StepCompare, func(ctx context.Context) error {
			mm, err := s.Verify(ctx, q.img, q.opts.CompareSections)
			if err != nil {
				return err
			}
			rep.Mismatches = mm
			if len(mm) > 0 {
				return &MismatchError{Sections: mm}
			}
			return nil
		}},
	}
	if len(q.opts.Breakpoints) > 0 {
		steps = append(steps, step{StepBreakpoints, func(ctx context.Context) error {
			rep.Breakpoints = q.setBreakpoints(ctx)
			return nil
		}})
	}

	for _, st := range steps {
		timeout := q.opts.StepTimeout
		if st.id == StepConnect {
			timeout = q.opts.ConnectTimeout
		}
		glog.Infof("bootstrap: step %d: %s", int(st.id), st.id)

		sctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := st.run(sctx)
		cancel()

		res := StepResult{Step: st.id, Duration: time.Since(start), Err: err}
		var me *MismatchError
		if err != nil && !errors.As(err, &me) {
			se := stepError(st.id, err)
			if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
				glog.Errorf("bootstrap: step %d timed out after %v", int(st.id), timeout)
			}
			s.State = StateAborted
			res.State, res.Err = s.State, se
			rep.Steps = append(rep.Steps, res)
			rep.AbortedAt, rep.Err = st.id, se
			glog.Errorf("bootstrap: aborted: %v", se)
			if se.Kind == KindConnection || isTransport(err) {
				s.Abort()
			} else {
				s.Close()
			}
			return rep, se
		}
		res.State = s.State
		rep.Steps = append(rep.Steps, res)
	}

	if !q.opts.KeepOpen {
		if err := s.Close(); err != nil {
			s.warnf("bootstrap: detach: %v", err)
		}
	}
	return rep, nil
}

// identify records the core type. Failures are warnings.
func (q *Sequencer) identify(ctx context.Context, rep *Report) {
	raw, err := q.sess.tgt.ReadWord(ctx, target.CPUIDAddr)
	if err != nil {
		q.sess.warnf("bootstrap: read CPUID: %v", err)
		return
	}
	id := cpuid.Parse(raw)
	if !id.Valid() {
		q.sess.warnf("bootstrap: CPUID reads 0x%08x", raw)
		return
	}
	rep.CPUID, rep.Core = raw, id.String()
	glog.Infof("bootstrap: core %s (CPUID 0x%08x)", rep.Core, raw)
}

// setBreakpoints resolves and inserts each configured location. A location
// that does not resolve or that the target rejects is skipped with a
// warning.
func (q *Sequencer) setBreakpoints(ctx context.Context) []BreakpointResult {
	var out []BreakpointResult
	for _, loc := range q.opts.Breakpoints {
		addr, ok := q.img.Resolve(loc)
		if !ok {
			q.sess.warnf("bootstrap: breakpoint %s: no such symbol", loc)
			continue
		}
		if err := q.sess.tgt.InsertBreakpoint(ctx, addr); err != nil {
			q.sess.warnf("bootstrap: breakpoint %s at 0x%08x: %v", loc, addr, err)
			continue
		}
		res := BreakpointResult{Location: loc, Addr: addr}
		if sym, ok := q.img.Lookup(loc); ok {
			res.Symbol = q.sess.SymbolName(sym.Name)
		}
		out = append(out, res)
	}
	return out
}
