package bootstrap

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/script"
)

// canonicalOps is the order every bootstrap script follows.
var canonicalOps = []script.Op{
	script.OpConnect,
	script.OpDemangle,
	script.OpSemihosting,
	script.OpResetHalt,
	script.OpLoad,
	script.OpResetHalt,
	script.OpCompare,
}

// PlanFromScript derives run options from a parsed script, starting from
// base. The script must contain the canonical steps in order; break
// commands may follow the last one. Other settings are ignored and any
// other monitor command is rejected.
func PlanFromScript(f *script.File, base Options) (Options, error) {
	opts := base
	opts.Breakpoints = append([]string(nil), base.Breakpoints...)
	next := 0

	for _, c := range f.Commands {
		op := c.Op()
		switch op {
		case script.OpSet:
			continue
		case script.OpMonitor:
			return base, scriptErr(f, c.Line, "unsupported monitor command %q", c.Monitor.Text())
		case script.OpBreak:
			if next < len(canonicalOps) {
				return base, scriptErr(f, c.Line, "break before %s", canonicalOps[len(canonicalOps)-1])
			}
			opts.Breakpoints = append(opts.Breakpoints, c.Break.Location)
			continue
		}

		if next >= len(canonicalOps) {
			return base, scriptErr(f, c.Line, "unexpected %s after compare-loaded-sections", op)
		}
		if op != canonicalOps[next] {
			return base, scriptErr(f, c.Line, "got %s, want step %d (%s)", op, next+1, canonicalOps[next])
		}
		next++

		switch op {
		case script.OpConnect:
			opts.Endpoint = c.Target.Endpoint
		case script.OpDemangle:
			on, _ := f.Demangle()
			opts.Demangle = on
		case script.OpLoad:
			if c.Load.File != "" {
				opts.ImagePath = c.Load.File
			}
		case script.OpCompare:
			opts.CompareSections = append([]string(nil), c.Compare.Sections...)
		}
	}
	if next < len(canonicalOps) {
		return base, scriptErr(f, 0, "missing step %d (%s)", next+1, canonicalOps[next])
	}
	return opts, nil
}

func scriptErr(f *script.File, line int, format string, args ...any) error {
	prefix := "script"
	if f.Name != "" {
		prefix = f.Name
	}
	if line > 0 {
		prefix = fmt.Sprintf("%s: line %d", prefix, line)
	}
	return fmt.Errorf("%s: %s", prefix, fmt.Sprintf(format, args...))
}
