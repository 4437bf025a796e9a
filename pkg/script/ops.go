package script

import "strings"

// Op classifies a command by its role in the bootstrap sequence.
type Op int

const (
	OpConnect Op = iota
	OpDemangle
	OpSemihosting
	OpResetHalt
	OpLoad
	OpCompare
	OpBreak
	OpMonitor
	OpSet
)

var opNames = [...]string{
	OpConnect:     "connect",
	OpDemangle:    "demangle-symbols",
	OpSemihosting: "enable-semihosting",
	OpResetHalt:   "reset-and-halt",
	OpLoad:        "load-image",
	OpCompare:     "compare-loaded-sections",
	OpBreak:       "breakpoint",
	OpMonitor:     "monitor",
	OpSet:         "set",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Op classifies the command.
func (c *Command) Op() Op {
	switch {
	case c.Target != nil:
		return OpConnect
	case c.Set != nil:
		if path, _ := c.Set.Setting(); path == "print asm-demangle" || path == "print demangle" {
			return OpDemangle
		}
		return OpSet
	case c.Monitor != nil:
		switch c.Monitor.Text() {
		case "arm semihosting enable":
			return OpSemihosting
		case "reset halt":
			return OpResetHalt
		}
		return OpMonitor
	case c.Load != nil:
		return OpLoad
	case c.Compare != nil:
		return OpCompare
	default:
		return OpBreak
	}
}

// Ops returns the classification of every command in order.
func (f *File) Ops() []Op {
	ops := make([]Op, len(f.Commands))
	for i, c := range f.Commands {
		ops[i] = c.Op()
	}
	return ops
}

// Endpoint returns the endpoint of the first target command.
func (f *File) Endpoint() (string, bool) {
	for _, c := range f.Commands {
		if c.Target != nil {
			return c.Target.Endpoint, true
		}
	}
	return "", false
}

// Demangle reports the demangling setting, and whether the script sets it.
func (f *File) Demangle() (on, set bool) {
	for _, c := range f.Commands {
		if c.Op() == OpDemangle {
			_, v := c.Set.Setting()
			on, set = strings.EqualFold(v, "on"), true
		}
	}
	return on, set
}

// Breakpoints returns the locations of every break command.
func (f *File) Breakpoints() []string {
	var out []string
	for _, c := range f.Commands {
		if c.Break != nil {
			out = append(out, c.Break.Location)
		}
	}
	return out
}
