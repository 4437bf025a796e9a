package bootstrap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

// StepResult records one executed step.
type StepResult struct {
	Step     Step
	State    State // state after the step
	Duration time.Duration
	Err      error
}

// BreakpointResult is a breakpoint set in the optional last step.
type BreakpointResult struct {
	Location string
	Addr     uint32
	Symbol   string
}

// Report summarises a Run.
type Report struct {
	Endpoint string
	Image    string
	Bytes    int

	Steps []StepResult
	State State
	// Processor is the last known core state.
	Processor target.ProcessorState
	// AbortedAt is the failed step of an aborted run, zero otherwise.
	AbortedAt Step
	Err       error

	Mismatches []Mismatch
	Warnings   []string

	CPUID uint32
	Core  string

	Breakpoints []BreakpointResult
}

// OK reports whether the run verified the image without mismatches.
func (r *Report) OK() bool {
	return r.State == StateVerified && r.Err == nil && len(r.Mismatches) == 0
}

// ExitCode is 0 for a clean verified run and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}

// Ran reports whether step was attempted.
func (r *Report) Ran(step Step) bool {
	for _, s := range r.Steps {
		if s.Step == step {
			return true
		}
	}
	return false
}

type jsonStep struct {
	Step       int    `json:"step"`
	Name       string `json:"name"`
	State      string `json:"state"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type jsonMismatch struct {
	Section   string `json:"section"`
	Addr      string `json:"addr"`
	Length    int    `json:"length"`
	WantCRC   string `json:"want_crc"`
	GotCRC    string `json:"got_crc"`
	FirstDiff *int   `json:"first_diff,omitempty"`
}

type jsonBreakpoint struct {
	Location string `json:"location"`
	Addr     string `json:"addr"`
	Symbol   string `json:"symbol,omitempty"`
}

type jsonReport struct {
	Endpoint    string           `json:"endpoint"`
	Image       string           `json:"image"`
	Bytes       int              `json:"bytes"`
	State       string           `json:"state"`
	Processor   string           `json:"processor"`
	OK          bool             `json:"ok"`
	AbortedAt   int              `json:"aborted_at,omitempty"`
	Kind        string           `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	Core        string           `json:"core,omitempty"`
	CPUID       string           `json:"cpuid,omitempty"`
	Steps       []jsonStep       `json:"steps"`
	Mismatches  []jsonMismatch   `json:"mismatches,omitempty"`
	Breakpoints []jsonBreakpoint `json:"breakpoints,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

func hex32(v uint32) string { return fmt.Sprintf("0x%08x", v) }

// JSON encodes the report for machine consumption.
func (r *Report) JSON() ([]byte, error) {
	out := jsonReport{
		Endpoint:  r.Endpoint,
		Image:     r.Image,
		Bytes:     r.Bytes,
		State:     r.State.String(),
		Processor: r.Processor.String(),
		OK:        r.OK(),
		AbortedAt: int(r.AbortedAt),
		Core:      r.Core,
		Steps:     []jsonStep{},
		Warnings:  r.Warnings,
	}
	if r.CPUID != 0 {
		out.CPUID = hex32(r.CPUID)
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
		if se, ok := r.Err.(*StepError); ok {
			out.Kind = se.Kind.String()
		}
	}
	for _, s := range r.Steps {
		js := jsonStep{
			Step:       int(s.Step),
			Name:       s.Step.String(),
			State:      s.State.String(),
			DurationMS: s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			js.Error = s.Err.Error()
		}
		out.Steps = append(out.Steps, js)
	}
	for _, m := range r.Mismatches {
		jm := jsonMismatch{
			Section: m.Section,
			Addr:    hex32(m.Addr),
			Length:  m.Length,
			WantCRC: hex32(m.WantCRC),
			GotCRC:  hex32(m.GotCRC),
		}
		if m.FirstDiff >= 0 {
			d := m.FirstDiff
			jm.FirstDiff = &d
		}
		out.Mismatches = append(out.Mismatches, jm)
	}
	for _, b := range r.Breakpoints {
		out.Breakpoints = append(out.Breakpoints, jsonBreakpoint{Location: b.Location, Addr: hex32(b.Addr), Symbol: b.Symbol})
	}
	return json.MarshalIndent(out, "", "  ")
}
