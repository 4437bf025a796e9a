package script

import (
	"bufio"
	"fmt"
	"io"
)

// EmitOptions configures Emit.
type EmitOptions struct {
	Endpoint    string
	Demangle    bool
	Breakpoints []string
}

// Suggested breakpoints written, commented out, when none are configured.
var suggestedBreakpoints = []string{"main", "HardFault", "rust_begin_unwind"}

// Emit writes the canonical bootstrap script. The output is a valid GDB
// command file.
func Emit(w io.Writer, opts EmitOptions) error {
	bw := bufio.NewWriter(w)
	demangle := "off"
	if opts.Demangle {
		demangle = "on"
	}
	fmt.Fprintf(bw, "target extended-remote %s\n", opts.Endpoint)
	fmt.Fprintf(bw, "set print asm-demangle %s\n", demangle)
	fmt.Fprintln(bw, "monitor arm semihosting enable")
	fmt.Fprintln(bw, "monitor reset halt")
	fmt.Fprintln(bw, "load")
	fmt.Fprintln(bw, "monitor reset halt")
	fmt.Fprintln(bw, "compare-sections")
	if len(opts.Breakpoints) == 0 {
		for _, b := range suggestedBreakpoints {
			fmt.Fprintf(bw, "# break %s\n", b)
		}
	}
	for _, b := range opts.Breakpoints {
		fmt.Fprintf(bw, "break %s\n", b)
	}
	return bw.Flush()
}
